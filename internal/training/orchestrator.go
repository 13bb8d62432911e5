// Package training runs training sessions: it stages identities, prepares
// backbone features, fits the classifier head and publishes the result,
// while keeping an observable status.
package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/tphakala/faceid/internal/artifacts"
	"github.com/tphakala/faceid/internal/augment"
	"github.com/tphakala/faceid/internal/backbone"
	"github.com/tphakala/faceid/internal/classifier"
	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/dataset"
	"github.com/tphakala/faceid/internal/detector"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/identity"
	"github.com/tphakala/faceid/internal/logger"
	"github.com/tphakala/faceid/internal/observability/metrics"
)

// DefaultEpochs is used when neither the request nor the configuration
// names an epoch count.
const DefaultEpochs = 20

// Start rejection reasons.
const (
	ReasonInProgress = "training already in progress"
	ReasonLocked     = "training locked by another process"
	ReasonClosed     = "training service is shutting down"
)

// Human-readable run messages.
const (
	MsgPreparing          = "Preparing training data"
	MsgSaving             = "Saving model"
	MsgCompleted          = "Training completed successfully"
	MsgInsufficientPeople = "Need at least 2 people with images to train"
	MsgDataPreparation    = "Could not prepare training data"
	MsgBuildFailed        = "Could not build the model"
	MsgSaveFailed         = "Could not save the trained model"
	MsgCancelled          = "Training cancelled"
	MsgFailed             = "Training failed"
	MsgPanicked           = "Training failed unexpectedly"
)

// StartResult tells the caller whether a run was accepted.
type StartResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	RunID    string `json:"run_id,omitempty"`
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Settings   *conf.Settings
	Repository identity.Repository
	Backbone   backbone.Backbone
	Detector   detector.Detector // used for face cropping when enabled
	Artifacts  *artifacts.Store
	Store      *Store
	Recorder   metrics.Recorder
}

// Orchestrator runs at most one training session at a time, both within
// this process and, through a lock file, across processes sharing the
// model directory.
type Orchestrator struct {
	mu        sync.Mutex
	closed    bool
	settings  *conf.Settings
	repo      identity.Repository
	backbone  backbone.Backbone
	detector  detector.Detector
	artifacts *artifacts.Store
	store     *Store
	recorder  metrics.Recorder
	augmenter *augment.Pipeline
	lock      *flock.Flock
	exec      *executor
	log       logger.Logger
}

// New validates deps and starts the training worker.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Settings == nil || deps.Repository == nil || deps.Backbone == nil || deps.Artifacts == nil {
		return nil, errors.Newf("training orchestrator requires settings, repository, backbone and artifact store").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if deps.Store == nil {
		deps.Store = NewStore()
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NewNoOpRecorder()
	}

	o := &Orchestrator{
		settings:  deps.Settings,
		repo:      deps.Repository,
		backbone:  deps.Backbone,
		artifacts: deps.Artifacts,
		store:     deps.Store,
		recorder:  deps.Recorder,
		lock:      flock.New(deps.Artifacts.LockPath()),
		log:       getLogger(),
	}
	if deps.Settings.Training.CropFaces {
		o.detector = deps.Detector
	}

	if mode := deps.Settings.Training.Augmentation.Mode; mode != AugmentOff && mode != "" {
		p, err := augment.New(augment.FromSettings(&deps.Settings.Training.Augmentation))
		if err != nil {
			return nil, err
		}
		o.augmenter = p
	}

	o.exec = newExecutor()
	return o, nil
}

// Store returns the status store the orchestrator writes to.
func (o *Orchestrator) Store() *Store { return o.store }

// Start begins a training run in the background. epochs <= 0 selects the
// configured default. A start while a run is in progress is rejected and
// leaves the running run untouched.
func (o *Orchestrator) Start(epochs int) StartResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return StartResult{Reason: ReasonClosed}
	}
	if o.store.Snapshot().IsTraining {
		return StartResult{Reason: ReasonInProgress}
	}

	if epochs <= 0 {
		epochs = o.settings.Training.Epochs
	}
	if epochs <= 0 {
		epochs = DefaultEpochs
	}

	if err := os.MkdirAll(o.artifacts.Dir(), 0o755); err != nil {
		o.log.Error("cannot create model directory", logger.String("path", o.artifacts.Dir()), logger.Error(err))
		return StartResult{Reason: fmt.Sprintf("cannot create model directory: %v", err)}
	}
	locked, err := o.lock.TryLock()
	if err != nil {
		o.log.Error("cannot acquire training lock", logger.String("path", o.lock.Path()), logger.Error(err))
		return StartResult{Reason: fmt.Sprintf("cannot acquire training lock: %v", err)}
	}
	if !locked {
		return StartResult{Reason: ReasonLocked}
	}

	runID := uuid.NewString()
	now := time.Now()
	prev := o.store.Snapshot()
	o.store.update(func(s *Status) {
		*s = Status{
			State:       StatePreparing,
			IsTraining:  true,
			TotalEpochs: epochs,
			Message:     MsgPreparing,
			RunID:       runID,
			StartedAt:   now,
		}
	})

	if !o.exec.submit(func(ctx context.Context) { o.run(ctx, runID, epochs) }) {
		o.store.update(func(s *Status) { *s = prev })
		o.unlock()
		return StartResult{Reason: ReasonInProgress}
	}

	o.log.Info("training run accepted", logger.String("run_id", runID), logger.Int("epochs", epochs))
	return StartResult{Accepted: true, RunID: runID}
}

// Close cancels any running session and waits for the worker to stop.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	if o.exec.Busy() {
		o.log.Info("cancelling running training session", logger.String("run_id", o.store.Snapshot().RunID))
	}
	return o.exec.close(ctx)
}

func (o *Orchestrator) unlock() {
	if err := o.lock.Unlock(); err != nil {
		o.log.Warn("failed to release training lock", logger.String("path", o.lock.Path()), logger.Error(err))
	}
}

// run executes one session. Every exit path, panics included, ends in a
// terminal status with the lock released.
func (o *Orchestrator) run(ctx context.Context, runID string, epochs int) {
	start := time.Now()
	ctx = logger.WithTraceID(ctx, runID)
	log := o.log.WithContext(ctx)
	scratch := filepath.Join(o.settings.Storage.TrainingScratchDir(), runID)

	var (
		runErr  error
		history artifacts.History
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("training run panicked",
				logger.String("panic", fmt.Sprint(r)),
				logger.String("stack", string(debug.Stack())))
			runErr = errPanic(r)
		}
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn("failed to remove training scratch", logger.String("path", scratch), logger.Error(err))
		}
		o.unlock()
		o.finish(runErr, history, start, log)
	}()

	history, runErr = o.session(ctx, runID, epochs, scratch, log)
}

// session is the body of a run. It returns the history of a successful run.
func (o *Orchestrator) session(ctx context.Context, runID string, epochs int, scratch string, log logger.Logger) (artifacts.History, error) {
	start := time.Now()

	records, err := o.repo.ListIdentitiesWithImages(ctx)
	if err != nil {
		return artifacts.History{}, err
	}
	if len(records) < dataset.MinClasses {
		return artifacts.History{}, errors.New(fmt.Errorf("%w: %d identities registered", dataset.ErrInsufficientClasses, len(records))).
			Category(errors.CategoryDataset).
			Context("identities", len(records)).
			Build()
	}

	stageStart := time.Now()
	staged, err := dataset.NewStager(scratch).Stage(ctx, records)
	if err != nil {
		o.recorder.RecordError(metrics.OpDatasetStage, categoryOf(err))
		return artifacts.History{}, err
	}
	o.recorder.RecordDuration(metrics.OpDatasetStage, time.Since(stageStart).Seconds())

	seed := seedFor(o.settings.Training.Seed, runID)
	train, val := dataset.Split(staged, o.settings.Training.ValidationSplit, seed)
	log.Info("dataset split",
		logger.Int("classes", len(staged.Classes)),
		logger.Int("train", len(train)),
		logger.Int("validation", len(val)),
		logger.Uint64("seed", seed))

	prepStart := time.Now()
	p := &preparer{
		backbone:  o.backbone,
		detector:  o.detector,
		augmenter: o.augmenter,
		mode:      o.settings.Training.Augmentation.Mode,
		workers:   max(o.settings.Training.Workers, 1),
		log:       log,
	}
	trainFeed, valSet, err := p.prepare(ctx, train, val, seed)
	if err != nil {
		o.recorder.RecordError(metrics.OpDatasetPrepare, categoryOf(err))
		return artifacts.History{}, err
	}
	o.recorder.RecordDuration(metrics.OpDatasetPrepare, time.Since(prepStart).Seconds())

	opts := classifier.OptionsFor(o.backbone)
	opts.Hidden = o.settings.Training.Head.Hidden
	opts.Dropout = o.settings.Training.Head.Dropout
	opts.LearningRate = o.settings.Training.LearningRate
	opts.Seed = seed
	c, _, err := classifier.Build(len(staged.Classes), opts)
	if err != nil {
		return artifacts.History{}, err
	}

	o.store.update(func(s *Status) {
		s.State = StateTraining
		s.Message = "Training model"
	})
	log.Info("training started",
		logger.Int("samples", trainFeed.size()),
		logger.Int("epochs", epochs),
		logger.Int("parameters", c.ParameterCount()))

	fit, err := o.fit(ctx, c, trainFeed, valSet, epochs, seed)
	if err != nil {
		return artifacts.History{}, err
	}

	o.store.update(func(s *Status) {
		s.State = StateSaving
		s.Message = MsgSaving
	})

	labels := make([]artifacts.Label, len(staged.Classes))
	for i, cls := range staged.Classes {
		labels[i] = artifacts.Label{ID: cls.ID, Name: cls.Name}
	}
	history := artifacts.History{
		Timestamp:       time.Now().UTC(),
		RunID:           runID,
		Accuracy:        fit.bestAccuracy,
		FinalAccuracy:   fit.final.Accuracy(),
		ValAccuracy:     fit.finalVal.Accuracy(),
		Epochs:          fit.curves,
		Classes:         len(staged.Classes),
		Images:          len(staged.Samples),
		DurationSeconds: time.Since(start).Seconds(),
	}

	publishStart := time.Now()
	saved, err := o.artifacts.Save(c, artifacts.NewLabelIndex(labels...), history)
	if err != nil {
		o.recorder.RecordError(metrics.OpArtifactPublish, categoryOf(err))
		return artifacts.History{}, err
	}
	o.recorder.RecordDuration(metrics.OpArtifactPublish, time.Since(publishStart).Seconds())
	switch {
	case saved.HistoryErr != nil:
		o.recorder.RecordOperation(metrics.OpHistoryWrite, metrics.StatusError)
	case saved.HistoryFallback:
		o.recorder.RecordOperation(metrics.OpHistoryWrite, "fallback")
	default:
		o.recorder.RecordOperation(metrics.OpHistoryWrite, metrics.StatusSuccess)
	}

	history.Version = saved.Version
	return history, nil
}

// finish records the terminal status of a run.
func (o *Orchestrator) finish(runErr error, history artifacts.History, start time.Time, log logger.Logger) {
	elapsed := time.Since(start)
	o.recorder.RecordDuration(metrics.OpTrainingRun, elapsed.Seconds())

	if runErr == nil {
		o.store.setHistory(history)
		o.store.update(func(s *Status) {
			s.State = StateIdle
			s.IsTraining = false
			s.Progress = 100
			s.Message = MsgCompleted
			s.Error = ""
		})
		o.recorder.RecordOperation(metrics.OpTrainingRun, metrics.StatusSuccess)
		log.Info("training completed",
			logger.String("version", history.Version),
			logger.Float64("accuracy", history.Accuracy),
			logger.Float64("val_accuracy", history.ValAccuracy),
			logger.Duration("duration", elapsed))
		return
	}

	msg, outcome := describeFailure(runErr)
	o.store.update(func(s *Status) {
		s.State = StateFailed
		s.IsTraining = false
		s.Message = msg
		s.Error = runErr.Error()
		if outcome == metrics.StatusCancelled {
			s.Error = "training cancelled"
		}
	})
	o.recorder.RecordOperation(metrics.OpTrainingRun, outcome)
	o.recorder.RecordError(metrics.OpTrainingRun, categoryOf(runErr))

	if outcome == metrics.StatusCancelled {
		log.Warn("training cancelled", logger.Duration("duration", elapsed))
		return
	}
	log.Error("training failed",
		logger.String("message", msg),
		logger.Error(runErr),
		logger.Duration("duration", elapsed))
}

// describeFailure maps a run error to a status message and metric outcome.
func describeFailure(err error) (msg, outcome string) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return MsgCancelled, metrics.StatusCancelled
	case errors.Is(err, dataset.ErrInsufficientClasses):
		return MsgInsufficientPeople, metrics.StatusError
	case errors.Is(err, dataset.ErrDataPreparation):
		return MsgDataPreparation, metrics.StatusError
	case errors.Is(err, classifier.ErrBuild):
		return MsgBuildFailed, metrics.StatusError
	case errors.Is(err, artifacts.ErrPersistence), errors.Is(err, artifacts.ErrCorruptArtifact):
		return MsgSaveFailed, metrics.StatusError
	case errors.Is(err, errPanicked):
		return MsgPanicked, metrics.StatusError
	default:
		return MsgFailed, metrics.StatusError
	}
}

var errPanicked = errors.NewStd("training panicked")

func errPanic(r any) error {
	return errors.New(fmt.Errorf("%w: %v", errPanicked, r)).
		Category(errors.CategoryTraining).
		Priority(errors.PriorityHigh).
		Build()
}

func categoryOf(err error) string {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return string(ee.Category)
	}
	return string(errors.CategoryGeneric)
}
