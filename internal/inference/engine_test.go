package inference

import (
	"bytes"
	"context"
	"encoding/gob"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/faceid/internal/artifacts"
	"github.com/tphakala/faceid/internal/classifier"
	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/detector"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/faceimage"
	"github.com/tphakala/faceid/internal/observability/metrics"
)

type fakeBackbone struct {
	name  string
	calls atomic.Int32
}

func (f *fakeBackbone) Name() string                           { return f.name }
func (f *fakeBackbone) InputSize() int                         { return 8 }
func (f *fakeBackbone) Normalization() faceimage.Normalization { return faceimage.NormalizeUnit }
func (f *fakeBackbone) FeatureShape() []int                    { return []int{1, 1, 2} }
func (f *fakeBackbone) Close() error                           { return nil }

func (f *fakeBackbone) Extract(input []float32) ([]float32, error) {
	f.calls.Add(1)
	return []float32{input[0], input[1]}, nil
}

type fakeDetector struct {
	faces []detector.Face
	calls atomic.Int32
}

func (d *fakeDetector) Detect(image.Image) ([]detector.Face, error) {
	d.calls.Add(1)
	return d.faces, nil
}

func oneFace() *fakeDetector {
	return &fakeDetector{faces: []detector.Face{{Box: image.Rect(4, 4, 20, 20), Score: 9}}}
}

var people = []artifacts.Label{
	{ID: "p-ada", Name: "Ada"},
	{ID: "p-bob", Name: "Bob"},
	{ID: "p-cyd", Name: "Cyd"},
}

// gob forms of the head weights, matched structurally by the decoder
type testLayer struct {
	In, Out int
	W, B    []float32
}

type testWeights struct {
	FormatVersion int
	Layers        []testLayer
}

// headFor returns a linear head whose output distribution puts confidence
// on class top regardless of input, spreading the rest evenly.
func headFor(t *testing.T, backboneName string, top int, confidence float64) *classifier.Classifier {
	t.Helper()
	n := len(people)
	meta := classifier.Metadata{
		FormatVersion: classifier.FormatVersion,
		Backbone:      backboneName,
		InputSize:     8,
		Channels:      faceimage.Channels,
		FeatureShape:  []int{1, 1, 2},
		NumClasses:    n,
		Normalization: faceimage.NormalizeUnit,
		Hidden:        []int{},
		Dropout:       []float64{},
		LearningRate:  0.01,
		CreatedAt:     time.Now().UTC(),
	}
	bias := make([]float32, n)
	for i := range bias {
		p := (1 - confidence) / float64(n-1)
		if i == top {
			p = confidence
		}
		bias[i] = float32(math.Log(p))
	}

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(&testWeights{
		FormatVersion: classifier.FormatVersion,
		Layers:        []testLayer{{In: 2, Out: n, W: make([]float32, 2*n), B: bias}},
	}))
	c, err := classifier.Restore(meta, &buf)
	require.NoError(t, err)
	return c
}

func publish(t *testing.T, store *artifacts.Store, c *classifier.Classifier) string {
	t.Helper()
	res, err := store.Save(c, artifacts.NewLabelIndex(people...), artifacts.History{Timestamp: time.Now()})
	require.NoError(t, err)
	return res.Version
}

type fixture struct {
	store    *artifacts.Store
	backbone *fakeBackbone
	detector *fakeDetector
	engine   *Engine
	metrics  *metrics.RecognitionMetrics
}

func newFixture(t *testing.T, det *fakeDetector, settings *conf.RecognitionSettings) *fixture {
	t.Helper()
	dir := t.TempDir()
	m, err := metrics.NewRecognitionMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	f := &fixture{
		store:    artifacts.NewStore(filepath.Join(dir, "model"), filepath.Join(dir, "history.json")),
		backbone: &fakeBackbone{name: "fake"},
		detector: det,
		metrics:  m,
	}
	f.engine, err = New(Deps{
		Settings:  settings,
		Artifacts: f.store,
		Backbone:  f.backbone,
		Detector:  f.detector,
		Metrics:   m,
	})
	require.NoError(t, err)
	return f
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := range 32 {
		for x := range 32 {
			img.Set(x, y, color.RGBA{R: 120, G: 80, B: 60, A: 255})
		}
	}
	return img
}

func TestRecognize_NotTrained(t *testing.T) {
	f := newFixture(t, oneFace(), nil)

	r := f.engine.RecognizeImage(t.Context(), testImage())

	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, KindNotTrained, r.Kind)
	require.ErrorIs(t, r.Err, artifacts.ErrModelNotTrained)
	assert.NotEmpty(t, r.Reason)
	assert.Zero(t, f.backbone.calls.Load())
}

func TestRecognize_BelowThresholdIsUnknown(t *testing.T) {
	f := newFixture(t, oneFace(), nil)
	publish(t, f.store, headFor(t, "fake", 1, 0.42))

	r := f.engine.RecognizeImage(t.Context(), testImage())

	require.NoError(t, r.Err)
	assert.Equal(t, StatusUnknown, r.Status)
	assert.Equal(t, DefaultUnknownLabel, r.Label)
	assert.Empty(t, r.PersonID)
	assert.InDelta(t, 0.42, r.Confidence, 1e-5)
	require.NotNil(t, r.Box)
	assert.Equal(t, image.Rect(4, 4, 20, 20), *r.Box)
	assert.True(t, r.OK())
}

func TestRecognize_AboveThresholdMapsLabel(t *testing.T) {
	f := newFixture(t, oneFace(), nil)
	version := publish(t, f.store, headFor(t, "fake", 1, 0.91))

	r := f.engine.RecognizeImage(t.Context(), testImage())

	require.NoError(t, r.Err)
	assert.Equal(t, StatusIdentified, r.Status)
	assert.Equal(t, "Bob", r.Label)
	assert.Equal(t, "p-bob", r.PersonID)
	assert.InDelta(t, 0.91, r.Confidence, 1e-5)
	assert.Equal(t, version, r.ModelVersion)
	assert.Equal(t, 1, r.Faces)

	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.OperationsTotal.WithLabelValues(metrics.OpRecognition, metrics.StatusIdentified)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ModelLoadedGauge), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(f.metrics.ModelClassesGauge), 0)
}

func TestRecognize_ThresholdIsConfigurable(t *testing.T) {
	f := newFixture(t, oneFace(), &conf.RecognitionSettings{Threshold: 0.4, UnknownLabel: "stranger"})
	publish(t, f.store, headFor(t, "fake", 2, 0.42))

	r := f.engine.RecognizeImage(t.Context(), testImage())
	assert.Equal(t, StatusIdentified, r.Status)
	assert.Equal(t, "Cyd", r.Label)
	assert.InDelta(t, 0.4, f.engine.Threshold(), 0)

	f2 := newFixture(t, oneFace(), &conf.RecognitionSettings{Threshold: 0.5, UnknownLabel: "stranger"})
	publish(t, f2.store, headFor(t, "fake", 2, 0.42))
	r = f2.engine.RecognizeImage(t.Context(), testImage())
	assert.Equal(t, StatusUnknown, r.Status)
	assert.Equal(t, "stranger", r.Label)
}

func TestRecognize_ZeroThresholdIsHonoured(t *testing.T) {
	f := newFixture(t, oneFace(), &conf.RecognitionSettings{Threshold: 0})
	publish(t, f.store, headFor(t, "fake", 2, 0.34))

	r := f.engine.RecognizeImage(t.Context(), testImage())

	assert.Zero(t, f.engine.Threshold())
	assert.Equal(t, StatusIdentified, r.Status)
	assert.Equal(t, "Cyd", r.Label)
	assert.Equal(t, DefaultUnknownLabel, f.engine.unknownLabel)
}

func TestModelAt_FollowsPublishThatPrunedVersion(t *testing.T) {
	f := newFixture(t, oneFace(), nil)
	first := publish(t, f.store, headFor(t, "fake", 0, 0.9))
	stale, err := f.store.CurrentVersion()
	require.NoError(t, err)
	require.Equal(t, first, stale)

	// A second publish prunes the version read above before it is loaded.
	second := publish(t, f.store, headFor(t, "fake", 1, 0.9))
	require.NoDirExists(t, filepath.Join(f.store.Dir(), first))

	model, err := f.engine.modelAt(stale)
	require.NoError(t, err)
	assert.Equal(t, second, model.Version)
	assert.InDelta(t, 0, testutil.ToFloat64(f.metrics.ErrorsTotal.WithLabelValues(metrics.OpModelLoad, KindCorrupt)), 0)

	r := f.engine.RecognizeImage(t.Context(), testImage())
	require.NoError(t, r.Err)
	assert.Equal(t, StatusIdentified, r.Status)
	assert.Equal(t, "Bob", r.Label)
	assert.Equal(t, second, r.ModelVersion)
}

func TestRecognize_ZeroFacesNeverClassifies(t *testing.T) {
	f := newFixture(t, &fakeDetector{}, nil)
	publish(t, f.store, headFor(t, "fake", 0, 0.99))

	r := f.engine.RecognizeImage(t.Context(), testImage())

	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, KindNoFace, r.Kind)
	require.ErrorIs(t, r.Err, ErrNoFaceDetected)
	assert.Empty(t, r.Label)
	assert.Zero(t, r.Confidence)
	assert.Zero(t, f.backbone.calls.Load())
	assert.Equal(t, int32(1), f.detector.calls.Load())
}

func TestRecognize_MultipleFaces(t *testing.T) {
	det := &fakeDetector{faces: []detector.Face{
		{Box: image.Rect(0, 0, 10, 10)},
		{Box: image.Rect(16, 16, 30, 30)},
	}}
	f := newFixture(t, det, nil)
	publish(t, f.store, headFor(t, "fake", 0, 0.99))

	r := f.engine.RecognizeImage(t.Context(), testImage())

	assert.Equal(t, KindMultipleFaces, r.Kind)
	require.ErrorIs(t, r.Err, ErrMultipleFaces)
	assert.Equal(t, 2, r.Faces)
	assert.Zero(t, f.backbone.calls.Load())
}

func TestRecognize_ReloadsNewVersion(t *testing.T) {
	f := newFixture(t, oneFace(), nil)
	first := publish(t, f.store, headFor(t, "fake", 0, 0.9))

	r := f.engine.RecognizeImage(t.Context(), testImage())
	assert.Equal(t, "Ada", r.Label)
	loaded, ok := f.engine.Loaded()
	require.True(t, ok)
	assert.Equal(t, first, loaded)

	second := publish(t, f.store, headFor(t, "fake", 2, 0.9))
	require.NotEqual(t, first, second)

	r = f.engine.RecognizeImage(t.Context(), testImage())
	assert.Equal(t, "Cyd", r.Label)
	assert.Equal(t, second, r.ModelVersion)
}

func TestRecognize_BackboneMismatchIsCorrupt(t *testing.T) {
	f := newFixture(t, oneFace(), nil)
	publish(t, f.store, headFor(t, "other", 0, 0.9))

	r := f.engine.RecognizeImage(t.Context(), testImage())

	assert.Equal(t, KindCorrupt, r.Kind)
	require.ErrorIs(t, r.Err, artifacts.ErrCorruptArtifact)
	_, ok := f.engine.Loaded()
	assert.False(t, ok)
}

func TestRecognize_FromPath(t *testing.T) {
	f := newFixture(t, oneFace(), nil)
	publish(t, f.store, headFor(t, "fake", 0, 0.8))

	dir := t.TempDir()
	good := filepath.Join(dir, "face.png")
	out, err := os.Create(good)
	require.NoError(t, err)
	require.NoError(t, png.Encode(out, testImage()))
	require.NoError(t, out.Close())

	r := f.engine.Recognize(t.Context(), good)
	assert.Equal(t, StatusIdentified, r.Status)
	assert.Equal(t, "Ada", r.Label)

	bad := filepath.Join(dir, "broken.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o600))
	r = f.engine.Recognize(t.Context(), bad)
	assert.Equal(t, KindDecode, r.Kind)

	r = f.engine.Recognize(t.Context(), filepath.Join(dir, "missing.png"))
	assert.Equal(t, KindDecode, r.Kind)
}

func TestRecognize_CancelledContext(t *testing.T) {
	f := newFixture(t, oneFace(), nil)
	publish(t, f.store, headFor(t, "fake", 0, 0.8))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	r := f.engine.RecognizeImage(ctx, testImage())
	assert.Equal(t, KindCancelled, r.Kind)
	assert.True(t, errors.Is(r.Err, context.Canceled))
}

func TestRecognize_Concurrent(t *testing.T) {
	f := newFixture(t, oneFace(), nil)
	publish(t, f.store, headFor(t, "fake", 1, 0.95))

	var wg sync.WaitGroup
	results := make([]Result, 16)
	for i := range results {
		wg.Go(func() {
			results[i] = f.engine.RecognizeImage(context.Background(), testImage())
		})
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, StatusIdentified, r.Status)
		assert.Equal(t, "Bob", r.Label)
		assert.GreaterOrEqual(t, r.Confidence, 0.0)
		assert.LessOrEqual(t, r.Confidence, 1.0)
	}
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.OperationsTotal.WithLabelValues(metrics.OpModelLoad, metrics.StatusSuccess)), 0)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	_, err = New(Deps{Artifacts: artifacts.NewStore(t.TempDir(), ""), Backbone: &fakeBackbone{}})
	require.Error(t, err)
}
