package artifacts

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/logger"
)

// EpochHistory holds per-epoch training curves.
type EpochHistory struct {
	Accuracy    []float64 `json:"accuracy"`
	Loss        []float64 `json:"loss"`
	ValAccuracy []float64 `json:"val_accuracy"`
	ValLoss     []float64 `json:"val_loss"`
}

// History records one completed training run.
type History struct {
	Timestamp       time.Time    `json:"timestamp"`
	RunID           string       `json:"run_id,omitempty"`
	Version         string       `json:"model_version,omitempty"`
	Accuracy        float64      `json:"accuracy"` // peak training accuracy
	FinalAccuracy   float64      `json:"final_accuracy,omitempty"`
	ValAccuracy     float64      `json:"val_accuracy,omitempty"`
	Epochs          EpochHistory `json:"history,omitzero"`
	Classes         int          `json:"classes,omitempty"`
	Images          int          `json:"images,omitempty"`
	DurationSeconds float64      `json:"duration_seconds,omitempty"`
	Fallback        bool         `json:"fallback,omitempty"`
}

// fallback is the minimal record written when the full history cannot be.
func (h *History) fallback() History {
	acc := h.Accuracy
	if math.IsNaN(acc) || math.IsInf(acc, 0) {
		acc = 0
	}
	return History{
		Timestamp: h.Timestamp,
		RunID:     h.RunID,
		Version:   h.Version,
		Accuracy:  acc,
		Fallback:  true,
	}
}

// WriteHistory atomically replaces the history file with h. If h cannot be
// serialized or written, the minimal fallback record is written instead and
// fallback is true. err is non-nil only when the fallback failed too.
func (s *Store) WriteHistory(h History) (fallback bool, err error) {
	log := getLogger()

	full := writeHistoryFile(s.historyPath, &h)
	if full == nil {
		return false, nil
	}
	log.Warn("failed to write training history, writing minimal record",
		logger.String("path", s.historyPath),
		logger.Error(full))

	minimal := h.fallback()
	if err := writeHistoryFile(s.historyPath, &minimal); err != nil {
		log.Error("failed to write fallback training history",
			logger.String("path", s.historyPath),
			logger.Error(err))
		return true, err
	}
	return true, nil
}

// ReadHistory returns the persisted history. ok is false when no history
// has been written yet.
func (s *Store) ReadHistory() (h History, ok bool, err error) {
	data, err := os.ReadFile(s.historyPath)
	if errors.Is(err, os.ErrNotExist) {
		return History{}, false, nil
	}
	if err != nil {
		return History{}, false, errors.New(fmt.Errorf("read training history: %w", err)).
			Category(errors.CategoryFileIO).
			Context("path", s.historyPath).
			Build()
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return History{}, false, errors.New(fmt.Errorf("decode training history: %w", err)).
			Category(errors.CategoryPersistence).
			Context("path", s.historyPath).
			Build()
	}
	return h, true, nil
}

func writeHistoryFile(path string, h *History) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.New(fmt.Errorf("encode training history: %w", err)).
			Category(errors.CategoryPersistence).
			Build()
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return errors.New(fmt.Errorf("create history directory: %w", err)).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	if err := renameio.WriteFile(path, append(data, '\n'), filePerm); err != nil {
		return errors.New(fmt.Errorf("write training history: %w", err)).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return nil
}
