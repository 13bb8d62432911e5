package identity

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// Repository is the identity source consumed by training and statistics.
type Repository interface {
	// ListIdentitiesWithImages returns every person with at least one image,
	// ascending by ID, images in insertion order.
	ListIdentitiesWithImages(ctx context.Context) ([]Record, error)
	// Counts returns the number of persons and images.
	Counts(ctx context.Context) (Counts, error)
}

// GormRepository implements Repository on top of gorm.
type GormRepository struct {
	db  *gorm.DB
	log logger.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(settings *conf.DatabaseSettings) (*GormRepository, error) {
	log := getLogger()

	var dialector gorm.Dialector
	switch settings.Type {
	case "mysql":
		m := settings.MySQL
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			m.Username, m.Password, m.Host, m.Port, m.Database)
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		path := settings.SQLite.Path
		if path != ":memory:" {
			if err := ensureDir(filepath.Dir(path)); err != nil {
				return nil, err
			}
		}
		dialector = sqlite.Open(path)
	default:
		return nil, errors.Newf("unsupported database type %q", settings.Type).
			Category(errors.CategoryConfiguration).
			Build()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, slowQueryThreshold),
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to open %s database: %w", settings.Type, err)).
			Category(errors.CategoryDatabase).
			Context("db_type", settings.Type).
			Build()
	}

	return NewGormRepository(db)
}

// NewGormRepository wraps an open gorm handle and migrates the schema.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&Person{}, &PersonImage{}); err != nil {
		return nil, errors.New(fmt.Errorf("schema migration failed: %w", err)).
			Category(errors.CategoryDatabase).
			Context("operation", "auto_migrate").
			Build()
	}
	return &GormRepository{db: db, log: getLogger()}, nil
}

// ListIdentitiesWithImages implements Repository.
func (r *GormRepository) ListIdentitiesWithImages(ctx context.Context) ([]Record, error) {
	var persons []Person
	err := r.db.WithContext(ctx).
		Preload("Images", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Order("id ASC").
		Find(&persons).Error
	if err != nil {
		return nil, errors.New(fmt.Errorf("list identities: %w", err)).
			Category(errors.CategoryDatabase).
			Context("operation", "list_identities").
			Build()
	}

	records := make([]Record, 0, len(persons))
	for i := range persons {
		p := &persons[i]
		if len(p.Images) == 0 {
			continue
		}
		rec := Record{ID: recordID(p.ID), Name: p.Name, ImagePaths: make([]string, 0, len(p.Images))}
		for _, img := range p.Images {
			rec.ImagePaths = append(rec.ImagePaths, absPath(img.Path))
		}
		records = append(records, rec)
	}

	r.log.Debug("listed identities",
		logger.Int("persons", len(persons)),
		logger.Int("with_images", len(records)))
	return records, nil
}

// Counts implements Repository.
func (r *GormRepository) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	db := r.db.WithContext(ctx)
	if err := db.Model(&Person{}).Count(&c.Persons).Error; err != nil {
		return Counts{}, errors.New(fmt.Errorf("count persons: %w", err)).
			Category(errors.CategoryDatabase).
			Build()
	}
	if err := db.Model(&PersonImage{}).Count(&c.Images).Error; err != nil {
		return Counts{}, errors.New(fmt.Errorf("count images: %w", err)).
			Category(errors.CategoryDatabase).
			Build()
	}
	return c, nil
}

// AddPerson creates a person with the given image paths in one transaction.
func (r *GormRepository) AddPerson(ctx context.Context, name string, imagePaths []string) (*Person, error) {
	person := &Person{Name: name}
	for _, p := range imagePaths {
		person.Images = append(person.Images, PersonImage{Path: absPath(p)})
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(person).Error
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("create person %q: %w", name, err)).
			Category(errors.CategoryDatabase).
			Context("operation", "add_person").
			Context("images", len(imagePaths)).
			Build()
	}
	return person, nil
}

// FindPersonByName returns the person with the exact name, or a not-found error.
func (r *GormRepository) FindPersonByName(ctx context.Context, name string) (*Person, error) {
	var person Person
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&person).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Newf("person %q not found", name).
			Category(errors.CategoryNotFound).
			Build()
	}
	if err != nil {
		return nil, errors.New(fmt.Errorf("find person %q: %w", name, err)).
			Category(errors.CategoryDatabase).
			Build()
	}
	return &person, nil
}

// Close releases the underlying connection pool.
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	return sqlDB.Close()
}

func absPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
