// Package dataset materializes a directory-per-class training layout from
// identity records and splits it into training and validation samples.
package dataset

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/faceimage"
	"github.com/tphakala/faceid/internal/identity"
	"github.com/tphakala/faceid/internal/logger"
)

var (
	// ErrInsufficientClasses means fewer than two identities have usable images.
	ErrInsufficientClasses = errors.NewStd("need at least 2 identities with images")
	// ErrDataPreparation means no usable training data could be staged.
	ErrDataPreparation = errors.NewStd("training data preparation failed")
)

// MinClasses is the smallest number of identities a classifier can separate.
const MinClasses = 2

// Class is one staged identity. Its position in Staged.Classes is its
// output index.
type Class struct {
	ID   string
	Name string
	Dir  string
}

// Sample is one staged image and its class index.
type Sample struct {
	Path  string
	Class int
}

// Staged is a materialized training dataset.
type Staged struct {
	Root    string
	Classes []Class
	Samples []Sample
}

// Remove deletes the staged directory tree.
func (s *Staged) Remove() error {
	if s == nil || s.Root == "" {
		return nil
	}
	return os.RemoveAll(s.Root)
}

// CountByClass returns the number of samples per class index.
func (s *Staged) CountByClass() []int {
	counts := make([]int, len(s.Classes))
	for _, smp := range s.Samples {
		counts[smp.Class]++
	}
	return counts
}

// Stager copies identity images into a per-run scratch directory.
type Stager struct {
	root string
	log  logger.Logger
}

// NewStager returns a stager that writes into root, normally
// <scratch>/training/<run-id>.
func NewStager(root string) *Stager {
	return &Stager{root: root, log: getLogger()}
}

// Root returns the directory the stager writes into.
func (st *Stager) Root() string { return st.root }

// Stage creates <root>/<record id>/ for each record and copies every
// readable image into it. Class order follows record order. Unreadable
// images are skipped with a warning. On error the partial tree is removed.
func (st *Stager) Stage(ctx context.Context, records []identity.Record) (staged *Staged, err error) {
	if len(records) < MinClasses {
		return nil, insufficient(len(records), "records")
	}

	if err := os.MkdirAll(st.root, 0o755); err != nil {
		return nil, errors.New(fmt.Errorf("%w: create staging root: %w", ErrDataPreparation, err)).
			Category(errors.CategoryDataset).
			Context("root", st.root).
			Build()
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(st.root)
		}
	}()

	staged = &Staged{Root: st.root}
	skipped := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(err).
				Category(errors.CategoryCancellation).
				Context("stage", "dataset").
				Build()
		}

		dir := filepath.Join(st.root, rec.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(fmt.Errorf("%w: create class dir: %w", ErrDataPreparation, err)).
				Category(errors.CategoryDataset).
				Context("identity_id", rec.ID).
				Build()
		}

		classIdx := len(staged.Classes)
		copied := 0
		for i, src := range rec.ImagePaths {
			dst := filepath.Join(dir, strconv.Itoa(i)+"_"+filepath.Base(src))
			if err := stageImage(src, dst); err != nil {
				skipped++
				st.log.Warn("skipping unreadable training image",
					logger.String("identity_id", rec.ID),
					logger.String("path", src),
					logger.Error(err))
				continue
			}
			staged.Samples = append(staged.Samples, Sample{Path: dst, Class: classIdx})
			copied++
		}

		if copied == 0 {
			st.log.Warn("identity has no usable images, excluding it from training",
				logger.String("identity_id", rec.ID),
				logger.Int("images", len(rec.ImagePaths)))
			_ = os.RemoveAll(dir)
			continue
		}
		staged.Classes = append(staged.Classes, Class{ID: rec.ID, Name: rec.Name, Dir: dir})
	}

	if len(staged.Samples) == 0 {
		return nil, errors.New(fmt.Errorf("%w: no readable images among %d identities", ErrDataPreparation, len(records))).
			Category(errors.CategoryDataset).
			Context("identities", len(records)).
			Context("skipped", skipped).
			Build()
	}
	if len(staged.Classes) < MinClasses {
		return nil, insufficient(len(staged.Classes), "classes_with_images")
	}

	st.log.Info("training data staged",
		logger.String("root", st.root),
		logger.Int("classes", len(staged.Classes)),
		logger.Int("images", len(staged.Samples)),
		logger.Int("skipped", skipped))

	return staged, nil
}

func insufficient(n int, what string) error {
	return errors.New(fmt.Errorf("%w: got %d", ErrInsufficientClasses, n)).
		Category(errors.CategoryDataset).
		Context(what, n).
		Build()
}

// stageImage verifies that src decodes and copies it to dst.
func stageImage(src, dst string) error {
	if _, err := faceimage.Decode(src); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

// Split divides samples into training and validation sets per class.
// The result depends only on staged and seed. Each class keeps at least one
// training sample.
func Split(staged *Staged, fraction float64, seed uint64) (train, val []Sample) {
	byClass := make([][]Sample, len(staged.Classes))
	for _, s := range staged.Samples {
		byClass[s.Class] = append(byClass[s.Class], s)
	}

	fraction = min(max(fraction, 0), 1)
	for c, samples := range byClass {
		rng := rand.New(rand.NewPCG(seed, uint64(c)))
		shuffled := append([]Sample(nil), samples...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		nVal := int(math.Round(float64(len(shuffled)) * fraction))
		nVal = min(nVal, len(shuffled)-1)
		nVal = max(nVal, 0)

		val = append(val, shuffled[:nVal]...)
		train = append(train, shuffled[nVal:]...)
	}
	return train, val
}
