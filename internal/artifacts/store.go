// Package artifacts owns the durable model layout: versioned model
// directories, the CURRENT pointer, the label index and the training history.
//
// Layout under the model directory:
//
//	CURRENT                 name of the published version
//	<version>/model.yaml    classifier metadata
//	<version>/weights.gob   classifier weights
//	<version>/labels.json   label index
//	.training.lock          cross-process training lock
package artifacts

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"

	"github.com/tphakala/faceid/internal/classifier"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/logger"
)

// File names inside the model directory.
const (
	CurrentFile = "CURRENT"
	ModelFile   = "model.yaml"
	WeightsFile = "weights.gob"
	LabelsFile  = "labels.json"
	LockFile    = ".training.lock"
)

const (
	versionPrefix = "v"
	tempPrefix    = ".tmp-"
	filePerm      = 0o644
	dirPerm       = 0o755
)

// Model is a loaded, validated model version.
type Model struct {
	Version    string
	Meta       classifier.Metadata
	Classifier *classifier.Classifier
	Labels     LabelIndex
}

// SaveResult describes a published model.
type SaveResult struct {
	Version         string
	HistoryFallback bool  // only the minimal history record was written
	HistoryErr      error // neither history record could be written
}

// Store reads and writes model artifacts under one directory.
type Store struct {
	dir         string
	historyPath string
}

// NewStore returns a store rooted at dir. historyPath is where the training
// history file lives.
func NewStore(dir, historyPath string) *Store {
	return &Store{dir: dir, historyPath: historyPath}
}

// Dir returns the model directory.
func (s *Store) Dir() string { return s.dir }

// LockPath returns the cross-process training lock file.
func (s *Store) LockPath() string { return filepath.Join(s.dir, LockFile) }

// HistoryPath returns the training history file.
func (s *Store) HistoryPath() string { return s.historyPath }

// CurrentVersion returns the published version named by CURRENT.
func (s *Store) CurrentVersion() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, CurrentFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", errors.New(ErrModelNotTrained).
			Category(errors.CategoryNotFound).
			Context("model_dir", s.dir).
			Build()
	}
	if err != nil {
		return "", errors.New(fmt.Errorf("read current model pointer: %w", err)).
			Category(errors.CategoryFileIO).
			Context("model_dir", s.dir).
			Build()
	}

	version := strings.TrimSpace(string(data))
	if version == "" {
		return "", errors.New(ErrModelNotTrained).
			Category(errors.CategoryNotFound).
			Context("model_dir", s.dir).
			Build()
	}
	if !validVersion(version) {
		return "", corrupt(fmt.Errorf("invalid model version %q in %s", version, CurrentFile))
	}
	return version, nil
}

// Save publishes c and labels as a new version, then writes history. Model
// and label failures return ErrPersistence and leave the previous version
// published. History failures never fail the save; they are logged and
// reported in the result.
func (s *Store) Save(c *classifier.Classifier, labels LabelIndex, history History) (SaveResult, error) {
	start := time.Now()
	log := getLogger()

	if err := labels.Validate(c.NumClasses()); err != nil {
		return SaveResult{}, err
	}
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return SaveResult{}, persistence(err, "create model directory", s.dir)
	}

	tmp, err := os.MkdirTemp(s.dir, tempPrefix)
	if err != nil {
		return SaveResult{}, persistence(err, "create staging directory", s.dir)
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(tmp)
		}
	}()

	meta := c.Metadata()
	if err := writeFile(filepath.Join(tmp, ModelFile), func(w *bufio.Writer) error {
		return classifier.EncodeMetadata(w, &meta)
	}); err != nil {
		return SaveResult{}, persistence(err, "write model metadata", tmp)
	}
	if err := writeFile(filepath.Join(tmp, WeightsFile), func(w *bufio.Writer) error {
		return c.WriteWeights(w)
	}); err != nil {
		return SaveResult{}, persistence(err, "write model weights", tmp)
	}
	if err := writeFile(filepath.Join(tmp, LabelsFile), func(w *bufio.Writer) error {
		return encodeLabels(w, labels)
	}); err != nil {
		return SaveResult{}, persistence(err, "write labels", tmp)
	}

	version := newVersion(start)
	final := filepath.Join(s.dir, version)
	if err := os.Rename(tmp, final); err != nil {
		return SaveResult{}, persistence(err, "rename version directory", final)
	}
	published = true

	if err := renameio.WriteFile(filepath.Join(s.dir, CurrentFile), []byte(version+"\n"), filePerm); err != nil {
		_ = os.RemoveAll(final)
		return SaveResult{}, persistence(err, "publish current version", s.dir)
	}

	if err := s.Prune(version); err != nil {
		log.Warn("failed to prune old model versions",
			logger.String("model_dir", s.dir),
			logger.Error(err))
	}

	result := SaveResult{Version: version}
	history.Version = version
	result.HistoryFallback, result.HistoryErr = s.WriteHistory(history)

	log.Info("model published",
		logger.String("version", version),
		logger.Int("classes", c.NumClasses()),
		logger.Bool("history_fallback", result.HistoryFallback),
		logger.Duration("duration", time.Since(start)))

	return result, nil
}

// LoadCurrent loads the version named by CURRENT.
func (s *Store) LoadCurrent() (*Model, error) {
	version, err := s.CurrentVersion()
	if err != nil {
		return nil, err
	}
	return s.Load(version)
}

// Load reads and validates one model version. Any unreadable or
// inconsistent file is ErrCorruptArtifact.
func (s *Store) Load(version string) (*Model, error) {
	if !validVersion(version) {
		return nil, corrupt(fmt.Errorf("invalid model version %q", version))
	}
	dir := filepath.Join(s.dir, version)

	var meta classifier.Metadata
	if err := readFile(filepath.Join(dir, ModelFile), func(r *bufio.Reader) (err error) {
		meta, err = classifier.DecodeMetadata(r)
		return err
	}); err != nil {
		return nil, corrupt(err, "version", version, "file", ModelFile)
	}

	var c *classifier.Classifier
	if err := readFile(filepath.Join(dir, WeightsFile), func(r *bufio.Reader) (err error) {
		c, err = classifier.Restore(meta, r)
		return err
	}); err != nil {
		return nil, corrupt(err, "version", version, "file", WeightsFile)
	}

	var labels LabelIndex
	if err := readFile(filepath.Join(dir, LabelsFile), func(r *bufio.Reader) (err error) {
		labels, err = decodeLabels(r)
		return err
	}); err != nil {
		return nil, corrupt(err, "version", version, "file", LabelsFile)
	}
	if err := labels.Validate(c.NumClasses()); err != nil {
		return nil, err
	}

	return &Model{Version: version, Meta: meta, Classifier: c, Labels: labels}, nil
}

// Prune removes every version directory except keep, plus abandoned
// staging directories.
func (s *Store) Prune(keep string) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == keep {
			continue
		}
		if !strings.HasPrefix(name, tempPrefix) && !validVersion(name) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		getLogger().Debug("removed old model version", logger.String("version", name))
	}
	return errors.Join(errs...)
}

// Versions lists the version directories present on disk.
func (s *Store) Versions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && validVersion(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func newVersion(t time.Time) string {
	return versionPrefix + t.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

func validVersion(v string) bool {
	return strings.HasPrefix(v, versionPrefix) &&
		len(v) > len(versionPrefix) &&
		!strings.ContainsAny(v, `/\`) &&
		!strings.Contains(v, "..")
}

func writeFile(path string, encode func(*bufio.Writer) error) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f)
	if err := encode(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func readFile(path string, decode func(*bufio.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return decode(bufio.NewReader(f))
}
