// Package inference identifies the person in a face image using the
// currently published model.
package inference

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tphakala/faceid/internal/artifacts"
	"github.com/tphakala/faceid/internal/backbone"
	"github.com/tphakala/faceid/internal/classifier"
	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/detector"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/faceimage"
	"github.com/tphakala/faceid/internal/logger"
	"github.com/tphakala/faceid/internal/observability/metrics"
)

// DefaultThreshold is the minimum confidence reported as an identity when
// the engine is built without settings.
const DefaultThreshold = 0.6

// maxLoadAttempts bounds how often a load follows CURRENT to a newer version.
const maxLoadAttempts = 2

// errSuperseded marks a load of a version that was replaced and pruned.
var errSuperseded = errors.NewStd("model version superseded")

// DefaultUnknownLabel is the label of results below the threshold.
const DefaultUnknownLabel = "Unknown person"

// Metrics receives recognition measurements.
type Metrics interface {
	metrics.Recorder
	ObserveConfidence(status string, confidence float64)
	SetModelLoaded(numClasses int)
}

type noopMetrics struct{ metrics.Recorder }

func (noopMetrics) ObserveConfidence(string, float64) {}
func (noopMetrics) SetModelLoaded(int)                {}

// Deps are the collaborators of an Engine.
type Deps struct {
	Settings  *conf.RecognitionSettings
	Artifacts *artifacts.Store
	Backbone  backbone.Backbone
	Detector  detector.Detector
	Metrics   Metrics
}

// Engine runs face detection and classification against the published
// model. It is safe for concurrent use. The model is reloaded whenever
// CURRENT names a new version.
type Engine struct {
	store        *artifacts.Store
	backbone     backbone.Backbone
	detector     detector.Detector
	metrics      Metrics
	threshold    float64
	unknownLabel string

	mu     sync.RWMutex
	loaded *artifacts.Model
	loads  singleflight.Group
}

// New returns an engine. No model is loaded until the first request.
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Artifacts == nil:
		return nil, errors.Newf("inference engine requires an artifact store").Category(errors.CategoryConfiguration).Build()
	case deps.Backbone == nil:
		return nil, errors.Newf("inference engine requires a backbone").Category(errors.CategoryConfiguration).Build()
	case deps.Detector == nil:
		return nil, errors.Newf("inference engine requires a face detector").Category(errors.CategoryConfiguration).Build()
	}

	e := &Engine{
		store:        deps.Artifacts,
		backbone:     deps.Backbone,
		detector:     deps.Detector,
		metrics:      deps.Metrics,
		threshold:    DefaultThreshold,
		unknownLabel: DefaultUnknownLabel,
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{metrics.NewNoOpRecorder()}
	}
	if s := deps.Settings; s != nil {
		e.threshold = s.Threshold
		if s.UnknownLabel != "" {
			e.unknownLabel = s.UnknownLabel
		}
	}
	return e, nil
}

// Threshold returns the confidence below which results are unknown.
func (e *Engine) Threshold() float64 { return e.threshold }

// Recognize decodes the image at path and identifies the face in it.
func (e *Engine) Recognize(ctx context.Context, path string) Result {
	start := time.Now()
	img, err := faceimage.Decode(path)
	if err != nil {
		return e.finish(errorResult(err), start)
	}
	return e.finish(e.recognize(ctx, img), start)
}

// RecognizeImage identifies the face in an already decoded image.
func (e *Engine) RecognizeImage(ctx context.Context, img image.Image) Result {
	return e.finish(e.recognize(ctx, img), time.Now())
}

// Loaded returns the version held in memory, if any.
func (e *Engine) Loaded() (version string, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.loaded == nil {
		return "", false
	}
	return e.loaded.Version, true
}

func (e *Engine) recognize(ctx context.Context, img image.Image) Result {
	if err := ctx.Err(); err != nil {
		return errorResult(err)
	}

	model, err := e.model()
	if err != nil {
		return errorResult(err)
	}

	faces, err := e.detector.Detect(img)
	if err != nil {
		return errorResult(errors.New(err).
			Category(errors.CategoryDetection).
			Build())
	}
	switch len(faces) {
	case 0:
		return errorResult(errors.New(ErrNoFaceDetected).
			Category(errors.CategoryDetection).
			Build())
	case 1:
	default:
		r := errorResult(errors.New(ErrMultipleFaces).
			Category(errors.CategoryDetection).
			Context("faces", len(faces)).
			Build())
		r.Faces = len(faces)
		return r
	}

	box := faces[0].Box.Intersect(img.Bounds())
	result, err := e.classify(ctx, model, img, faces[0].Box)
	if err != nil {
		r := errorResult(err)
		r.Box, r.Faces, r.ModelVersion = &box, 1, model.Version
		return r
	}
	result.Box, result.Faces, result.ModelVersion = &box, 1, model.Version
	return result
}

// classify runs the backbone and head over one face and applies the
// confidence policy.
func (e *Engine) classify(ctx context.Context, model *artifacts.Model, img image.Image, box image.Rectangle) (Result, error) {
	face, err := faceimage.Crop(img, faceimage.Square(box))
	if err != nil {
		return Result{}, err
	}
	tensor, err := faceimage.Tensor(face, model.Meta.InputSize, model.Meta.Normalization)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	extractStart := time.Now()
	featureMap, err := e.backbone.Extract(tensor)
	if err != nil {
		return Result{}, errors.New(err).
			Category(errors.CategoryRecognition).
			Context("operation", "extract").
			Build()
	}
	e.metrics.RecordDuration(metrics.OpFeatureExtract, time.Since(extractStart).Seconds())

	probs, err := model.Classifier.Predict(model.Classifier.Pool(featureMap))
	if err != nil {
		return Result{}, err
	}
	idx, confidence := classifier.Argmax(probs)
	confidence = min(max(confidence, 0), 1)

	if confidence < e.threshold {
		return Result{Status: StatusUnknown, Label: e.unknownLabel, Confidence: confidence}, nil
	}

	label, ok := model.Labels.At(idx)
	if !ok {
		return Result{}, errors.New(fmt.Errorf("%w: prediction index %d outside label index of %d entries",
			artifacts.ErrCorruptArtifact, idx, model.Labels.Len())).
			Category(errors.CategoryArtifact).
			ModelContext(model.Version, model.Classifier.NumClasses()).
			Build()
	}
	return Result{
		Status:     StatusIdentified,
		Label:      label.Name,
		PersonID:   label.ID,
		Confidence: confidence,
	}, nil
}

// model returns the published model, loading it when CURRENT has moved.
func (e *Engine) model() (*artifacts.Model, error) {
	version, err := e.store.CurrentVersion()
	if err != nil {
		if errors.Is(err, artifacts.ErrModelNotTrained) {
			e.drop()
		}
		return nil, err
	}

	return e.modelAt(version)
}

// modelAt returns the model published as version. When a newer publish
// prunes version before it is loaded, the load follows CURRENT instead.
func (e *Engine) modelAt(version string) (*artifacts.Model, error) {
	var lastErr error
	for range maxLoadAttempts {
		e.mu.RLock()
		current := e.loaded
		e.mu.RUnlock()
		if current != nil && current.Version == version {
			return current, nil
		}

		v, err, _ := e.loads.Do(version, func() (any, error) {
			return e.load(version)
		})
		if err == nil {
			return v.(*artifacts.Model), nil
		}
		if !errors.Is(err, errSuperseded) {
			return nil, err
		}
		lastErr = err
		getLogger().Debug("model version replaced while loading", logger.String("version", version))
		latest, err := e.store.CurrentVersion()
		if err != nil {
			return nil, err
		}
		version = latest
	}
	return nil, errors.New(fmt.Errorf("model version kept changing while loading: %w", lastErr)).
		Category(errors.CategoryArtifact).
		Build()
}

func (e *Engine) load(version string) (*artifacts.Model, error) {
	e.mu.RLock()
	current := e.loaded
	e.mu.RUnlock()
	if current != nil && current.Version == version {
		return current, nil
	}

	start := time.Now()
	model, err := e.store.Load(version)
	if err == nil {
		if cerr := model.Meta.CompatibleWith(e.backbone); cerr != nil {
			err = errors.New(fmt.Errorf("%w: %w", artifacts.ErrCorruptArtifact, cerr)).
				Category(errors.CategoryArtifact).
				ModelContext(version, model.Classifier.NumClasses()).
				Build()
		}
	}
	if err != nil {
		if latest, verr := e.store.CurrentVersion(); verr == nil && latest != version {
			return nil, fmt.Errorf("%w: %s replaced by %s", errSuperseded, version, latest)
		}
		e.metrics.RecordError(metrics.OpModelLoad, kindOf(err))
		getLogger().Error("failed to load model", logger.String("version", version), logger.Error(err))
		return nil, err
	}

	e.mu.Lock()
	e.loaded = model
	e.mu.Unlock()

	e.metrics.RecordOperation(metrics.OpModelLoad, metrics.StatusSuccess)
	e.metrics.RecordDuration(metrics.OpModelLoad, time.Since(start).Seconds())
	e.metrics.SetModelLoaded(model.Classifier.NumClasses())
	getLogger().Info("model loaded",
		logger.String("version", version),
		logger.Int("classes", model.Classifier.NumClasses()),
		logger.Duration("duration", time.Since(start)))
	return model, nil
}

func (e *Engine) drop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded != nil {
		e.loaded = nil
		e.metrics.SetModelLoaded(0)
	}
}

// finish records metrics for a completed call.
func (e *Engine) finish(r Result, start time.Time) Result {
	e.metrics.RecordDuration(metrics.OpRecognition, time.Since(start).Seconds())
	switch r.Status {
	case StatusError:
		e.metrics.RecordError(metrics.OpRecognition, r.Kind)
		getLogger().Debug("recognition failed", logger.String("kind", r.Kind), logger.Error(r.Err))
	case StatusIdentified:
		e.metrics.RecordOperation(metrics.OpRecognition, metrics.StatusIdentified)
		e.metrics.ObserveConfidence(metrics.StatusIdentified, r.Confidence)
	case StatusUnknown:
		e.metrics.RecordOperation(metrics.OpRecognition, metrics.StatusUnknown)
		e.metrics.ObserveConfidence(metrics.StatusUnknown, r.Confidence)
	}
	return r
}
