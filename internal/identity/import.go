package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/logger"
)

// imageExtensions lists the file types the preprocessing pipeline can decode.
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"}

// ImportSummary describes the outcome of ImportDir.
type ImportSummary struct {
	Persons int
	Images  int
	Skipped []string // subdirectories without images or already registered
}

// PersonAdder creates a person with images.
type PersonAdder interface {
	AddPerson(ctx context.Context, name string, imagePaths []string) (*Person, error)
	FindPersonByName(ctx context.Context, name string) (*Person, error)
}

// ImportDir registers one person per subdirectory of root, named after the
// subdirectory and holding its image files in lexical order. Existing
// persons with the same name are skipped.
func ImportDir(ctx context.Context, repo PersonAdder, root string) (ImportSummary, error) {
	var summary ImportSummary
	log := getLogger()

	entries, err := os.ReadDir(root)
	if err != nil {
		return summary, errors.New(fmt.Errorf("read import dir: %w", err)).
			Category(errors.CategoryFileIO).
			Build()
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		name := entry.Name()
		images, err := listImages(filepath.Join(root, name))
		if err != nil {
			return summary, err
		}
		if len(images) == 0 {
			summary.Skipped = append(summary.Skipped, name)
			log.Warn("skipping directory without images", logger.String("person", name))
			continue
		}

		if _, err := repo.FindPersonByName(ctx, name); err == nil {
			summary.Skipped = append(summary.Skipped, name)
			log.Info("person already registered", logger.String("person", name))
			continue
		} else if !errors.IsNotFound(err) {
			return summary, err
		}

		if _, err := repo.AddPerson(ctx, name, images); err != nil {
			return summary, err
		}
		summary.Persons++
		summary.Images += len(images)
		log.Info("imported person",
			logger.String("person", name),
			logger.Int("images", len(images)))
	}

	return summary, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.New(fmt.Errorf("read person dir: %w", err)).
			Category(errors.CategoryFileIO).
			Build()
	}
	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			images = append(images, filepath.Join(dir, e.Name()))
		}
	}
	return images, nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(fmt.Errorf("create database directory: %w", err)).
			Category(errors.CategoryFileIO).
			Build()
	}
	return nil
}
