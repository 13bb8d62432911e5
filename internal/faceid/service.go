// Package faceid assembles training, status tracking and inference into
// the service consumed by the command line and by embedding applications.
package faceid

import (
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/tphakala/faceid/internal/artifacts"
	"github.com/tphakala/faceid/internal/backbone"
	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/detector"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/identity"
	"github.com/tphakala/faceid/internal/inference"
	"github.com/tphakala/faceid/internal/logger"
	"github.com/tphakala/faceid/internal/observability"
	"github.com/tphakala/faceid/internal/training"
)

// Deps are the collaborators a Service is built from. The caller keeps
// ownership of them unless they are handed over through Open.
type Deps struct {
	Repository identity.Repository
	Backbone   backbone.Backbone
	Detector   detector.Detector
	Metrics    *observability.Metrics // optional
}

// Stats summarises the identity store and the published model.
type Stats struct {
	Persons      int64     `json:"persons"`
	Images       int64     `json:"images"`
	Trained      bool      `json:"trained"`
	ModelVersion string    `json:"model_version,omitempty"`
	Classes      int       `json:"classes"`
	LastTrained  time.Time `json:"last_trained,omitzero"`
	Accuracy     float64   `json:"accuracy"`
	ValAccuracy  float64   `json:"val_accuracy"`
}

// Service is the face identification service.
type Service struct {
	settings  *conf.Settings
	repo      identity.Repository
	artifacts *artifacts.Store
	trainer   *training.Orchestrator
	engine    *inference.Engine
	metrics   *observability.Metrics
	owned     []io.Closer

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	unsub     func()
	bridged   chan struct{}
}

// New builds a service from settings and deps. Nothing runs until Start.
func New(settings *conf.Settings, deps Deps) (*Service, error) {
	if settings == nil {
		return nil, errors.Newf("faceid service requires settings").
			Category(errors.CategoryConfiguration).
			Build()
	}

	store := artifacts.NewStore(settings.Storage.ModelDir, settings.Storage.HistoryPath())

	trainDeps := training.Deps{
		Settings:   settings,
		Repository: deps.Repository,
		Backbone:   deps.Backbone,
		Detector:   deps.Detector,
		Artifacts:  store,
	}
	engineDeps := inference.Deps{
		Settings:  &settings.Recognition,
		Artifacts: store,
		Backbone:  deps.Backbone,
		Detector:  deps.Detector,
	}
	if deps.Metrics != nil {
		trainDeps.Recorder = deps.Metrics.Training
		engineDeps.Metrics = deps.Metrics.Recognition
	}

	trainer, err := training.New(trainDeps)
	if err != nil {
		return nil, err
	}
	engine, err := inference.New(engineDeps)
	if err != nil {
		_ = trainer.Close(context.Background())
		return nil, err
	}

	return &Service{
		settings:  settings,
		repo:      deps.Repository,
		artifacts: store,
		trainer:   trainer,
		engine:    engine,
		metrics:   deps.Metrics,
	}, nil
}

// Start begins background work: status metrics and, when enabled and no
// model has been published yet, an initial training run. Start returns
// without waiting for training.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		if s.metrics != nil {
			updates, cancel := s.trainer.Store().Subscribe()
			s.unsub = cancel
			s.bridged = make(chan struct{})
			go s.bridgeMetrics(updates)
		}

		if !s.settings.Training.AutoTrain {
			return
		}
		_, err := s.artifacts.CurrentVersion()
		switch {
		case err == nil:
			return
		case !errors.Is(err, artifacts.ErrModelNotTrained):
			getLogger().Warn("cannot read published model, skipping automatic training", logger.Error(err))
			return
		}
		res := s.StartTraining(0)
		if res.Accepted {
			getLogger().Info("no trained model found, training started", logger.String("run_id", res.RunID))
		} else {
			getLogger().Info("no trained model found, automatic training not started", logger.String("reason", res.Reason))
		}
	})
}

// StartTraining requests a training run of epochs epochs, the configured
// default when epochs is 0. It never blocks on a running session.
func (s *Service) StartTraining(epochs int) training.StartResult {
	return s.trainer.Start(epochs)
}

// TrainingStatus returns a snapshot of the current training status.
func (s *Service) TrainingStatus() training.Status {
	return s.trainer.Store().Snapshot()
}

// SubscribeStatus streams status updates until cancel is called.
func (s *Service) SubscribeStatus() (updates <-chan training.Status, cancel func()) {
	return s.trainer.Store().Subscribe()
}

// TrainingHistory returns the last completed run, from memory when this
// process trained and from the history file otherwise.
func (s *Service) TrainingHistory() (artifacts.History, bool) {
	if h, ok := s.trainer.Store().History(); ok {
		return h, true
	}
	h, ok, err := s.artifacts.ReadHistory()
	if err != nil {
		getLogger().Warn("failed to read training history", logger.Error(err))
		return artifacts.History{}, false
	}
	return h, ok
}

// Recognize identifies the face in the image at path.
func (s *Service) Recognize(ctx context.Context, path string) inference.Result {
	return s.engine.Recognize(ctx, path)
}

// RecognizeImage identifies the face in a decoded image.
func (s *Service) RecognizeImage(ctx context.Context, img image.Image) inference.Result {
	return s.engine.RecognizeImage(ctx, img)
}

// Stats reports identity counts and the state of the published model.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.repo.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Persons: counts.Persons, Images: counts.Images}

	version, err := s.artifacts.CurrentVersion()
	switch {
	case err == nil:
		st.Trained = true
		st.ModelVersion = version
	case !errors.Is(err, artifacts.ErrModelNotTrained):
		return st, err
	}

	if h, ok := s.TrainingHistory(); ok {
		st.LastTrained = h.Timestamp
		st.Accuracy = h.Accuracy
		st.ValAccuracy = h.ValAccuracy
		st.Classes = h.Classes
	}
	return st, nil
}

// Close stops training, waiting for a running session to observe
// cancellation until ctx expires, and releases owned resources.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.trainer.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.unsub != nil {
			s.unsub()
			<-s.bridged
		}
		for i := len(s.owned) - 1; i >= 0; i-- {
			if err := s.owned[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// bridgeMetrics mirrors status updates into the training gauges.
func (s *Service) bridgeMetrics(updates <-chan training.Status) {
	defer close(s.bridged)
	m := s.metrics.Training
	for st := range updates {
		m.ObserveStatus(string(st.State), st.Progress)
		if st.State == training.StateTraining {
			m.SetAccuracy(st.CurrentAccuracy, st.ValAccuracy)
		}
		if st.Terminal() && st.State == training.StateIdle {
			if h, ok := s.trainer.Store().History(); ok {
				m.SetDataset(h.Images, h.Classes)
			}
		}
	}
}
