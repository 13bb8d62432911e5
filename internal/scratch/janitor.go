// Package scratch manages the upload temp area under the scratch directory.
package scratch

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/logger"
)

// maxDeletions bounds the work done by one sweep.
const maxDeletions = 1000

// SweepResult summarises one sweep.
type SweepResult struct {
	Removed int
	Failed  int
	Bytes   int64
}

// Janitor removes upload temp files older than a maximum age. It never
// touches training scratch directories.
type Janitor struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
	log      logger.Logger
}

// NewJanitor returns a janitor for the configured upload directory.
func NewJanitor(settings *conf.StorageSettings) *Janitor {
	return &Janitor{
		dir:      settings.UploadDir(),
		maxAge:   settings.UploadMaxAge,
		interval: settings.CleanupInterval,
		now:      time.Now,
		log:      logger.Global().Module("scratch"),
	}
}

// Dir is the upload directory swept by the janitor.
func (j *Janitor) Dir() string { return j.dir }

// Sweep removes expired files once. A missing upload directory is not an
// error.
func (j *Janitor) Sweep() (SweepResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var res SweepResult
	cutoff := j.now().Add(-j.maxAge)

	err := filepath.WalkDir(j.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			res.Failed++
			j.log.Warn("cannot read upload path", logger.String("path", path), logger.Error(err))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if res.Removed >= maxDeletions {
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			res.Failed++
			j.log.Warn("failed to remove expired upload", logger.String("path", path), logger.Error(err))
			return nil
		}
		res.Removed++
		res.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return res, errors.New(err).
			Category(errors.CategoryFileIO).
			Context("dir", j.dir).
			Build()
	}

	if res.Removed > 0 || res.Failed > 0 {
		j.log.Info("upload cleanup finished",
			logger.Int("removed", res.Removed),
			logger.Int("failed", res.Failed),
			logger.Int64("bytes", res.Bytes))
	}
	return res, nil
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables periodic sweeps.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(); err != nil {
				j.log.Warn("upload cleanup failed", logger.Error(err))
			}
		}
	}
}

// Save copies r into a new file in the upload directory and returns its
// path. The caller removes the file when done; the janitor removes it
// otherwise once it expires.
func Save(dir string, r io.Reader, ext string) (path string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.New(err).Category(errors.CategoryFileIO).Context("dir", dir).Build()
	}
	f, err := os.CreateTemp(dir, "upload-*"+ext)
	if err != nil {
		return "", errors.New(err).Category(errors.CategoryFileIO).Context("dir", dir).Build()
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.New(cerr).Category(errors.CategoryFileIO).Build()
		}
		if err != nil {
			_ = os.Remove(f.Name())
			path = ""
		}
	}()
	if _, err := io.Copy(f, r); err != nil {
		return "", errors.New(err).Category(errors.CategoryFileIO).FileContext(f.Name(), 0).Build()
	}
	return f.Name(), nil
}
