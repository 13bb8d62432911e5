package faceid

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/faceid/internal/artifacts"
	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/detector"
	"github.com/tphakala/faceid/internal/faceimage"
	"github.com/tphakala/faceid/internal/identity"
	"github.com/tphakala/faceid/internal/inference"
	"github.com/tphakala/faceid/internal/observability"
	"github.com/tphakala/faceid/internal/training"
)

const waitFor = 20 * time.Second

// meanBackbone reports scaled channel means of its input.
type meanBackbone struct{}

func (meanBackbone) Name() string                           { return "mean" }
func (meanBackbone) InputSize() int                         { return 8 }
func (meanBackbone) Normalization() faceimage.Normalization { return faceimage.NormalizeUnit }
func (meanBackbone) FeatureShape() []int                    { return []int{1, 1, 3} }
func (meanBackbone) Close() error                           { return nil }

func (meanBackbone) Extract(in []float32) ([]float32, error) {
	out := make([]float32, 3)
	for i, v := range in {
		out[i%3] += v
	}
	n := float32(len(in) / 3)
	for c := range out {
		out[c] = out[c]/n*4 - 2
	}
	return out, nil
}

type centreDetector struct{}

func (centreDetector) Detect(img image.Image) ([]detector.Face, error) {
	return []detector.Face{{Box: image.Rect(2, 2, 14, 14), Score: 8}}, nil
}

var palette = map[string]color.RGBA{
	"red":  {R: 230, G: 20, B: 20, A: 255},
	"blue": {R: 20, G: 20, B: 230, A: 255},
}

func writeSolid(t *testing.T, path string, c color.RGBA) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := range 16 {
		for x := range 16 {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func twoPeople(t *testing.T) *identity.MemoryRepository {
	t.Helper()
	dir := t.TempDir()
	var records []identity.Record
	for i, name := range []string{"red", "blue"} {
		rec := identity.Record{ID: string(rune('1' + i)), Name: name}
		for j := range 5 {
			c := palette[name]
			c.G += uint8(j * 4)
			rec.ImagePaths = append(rec.ImagePaths, writeSolid(t, filepath.Join(dir, name+string(rune('a'+j))+".png"), c))
		}
		records = append(records, rec)
	}
	return identity.NewMemoryRepository(records...)
}

func testSettings(t *testing.T, dir string) *conf.Settings {
	t.Helper()
	return &conf.Settings{
		Storage: conf.StorageSettings{
			ModelDir:   filepath.Join(dir, "model"),
			ScratchDir: filepath.Join(dir, "scratch"),
		},
		Training: conf.TrainingSettings{
			Epochs:          30,
			ValidationSplit: 0.2,
			BatchSize:       4,
			LearningRate:    0.01,
			Seed:            11,
			Workers:         2,
			Head:            conf.HeadSettings{Hidden: []int{8}, Dropout: []float64{0}},
			Augmentation:    conf.AugmentationSettings{Mode: training.AugmentOff},
		},
		Recognition: conf.RecognitionSettings{Threshold: 0.01, UnknownLabel: "Unknown person"},
	}
}

func newService(t *testing.T, settings *conf.Settings, repo identity.Repository, m *observability.Metrics) *Service {
	t.Helper()
	svc, err := New(settings, Deps{
		Repository: repo,
		Backbone:   meanBackbone{},
		Detector:   centreDetector{},
		Metrics:    m,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, svc.Close(ctx))
	})
	return svc
}

func waitTerminal(t *testing.T, svc *Service, runID string) training.Status {
	t.Helper()
	var st training.Status
	require.Eventually(t, func() bool {
		st = svc.TrainingStatus()
		return st.RunID == runID && st.Terminal()
	}, waitFor, 5*time.Millisecond)
	return st
}

func TestService_TrainThenRecognize(t *testing.T) {
	dir := t.TempDir()
	svc := newService(t, testSettings(t, dir), twoPeople(t), nil)
	svc.Start()

	r := svc.Recognize(t.Context(), writeSolid(t, filepath.Join(dir, "probe.png"), palette["red"]))
	assert.Equal(t, inference.KindNotTrained, r.Kind)

	res := svc.StartTraining(0)
	require.True(t, res.Accepted, res.Reason)
	st := waitTerminal(t, svc, res.RunID)
	require.Equal(t, training.StateIdle, st.State, st.Error)
	assert.Equal(t, 30, st.TotalEpochs)

	r = svc.Recognize(t.Context(), writeSolid(t, filepath.Join(dir, "red.png"), palette["red"]))
	require.Equal(t, inference.StatusIdentified, r.Status, r.Reason)
	assert.Equal(t, "red", r.Label)
	assert.Equal(t, "1", r.PersonID)

	r = svc.Recognize(t.Context(), writeSolid(t, filepath.Join(dir, "blue.png"), palette["blue"]))
	assert.Equal(t, "blue", r.Label)
	assert.GreaterOrEqual(t, r.Confidence, 0.0)
	assert.LessOrEqual(t, r.Confidence, 1.0)
}

func TestService_StatsAndHistory(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings(t, dir)
	repo := twoPeople(t)
	svc := newService(t, settings, repo, nil)

	stats, err := svc.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Persons)
	assert.Equal(t, int64(10), stats.Images)
	assert.False(t, stats.Trained)
	_, ok := svc.TrainingHistory()
	assert.False(t, ok)

	res := svc.StartTraining(3)
	require.True(t, res.Accepted)
	waitTerminal(t, svc, res.RunID)

	stats, err = svc.Stats(t.Context())
	require.NoError(t, err)
	assert.True(t, stats.Trained)
	assert.NotEmpty(t, stats.ModelVersion)
	assert.Equal(t, 2, stats.Classes)
	assert.False(t, stats.LastTrained.IsZero())

	// a fresh service only has the history file
	other := newService(t, settings, repo, nil)
	h, ok := other.TrainingHistory()
	require.True(t, ok)
	assert.Equal(t, res.RunID, h.RunID)
	assert.Equal(t, stats.ModelVersion, h.Version)
}

func TestService_AutoTrainWhenNoModel(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings(t, dir)
	settings.Training.AutoTrain = true
	settings.Training.Epochs = 2
	svc := newService(t, settings, twoPeople(t), nil)

	svc.Start()
	st := svc.TrainingStatus()
	require.NotEmpty(t, st.RunID, "automatic training starts synchronously")
	st = waitTerminal(t, svc, st.RunID)
	assert.Equal(t, training.StateIdle, st.State)

	// a model now exists, so a second service does not train again
	again := newService(t, settings, twoPeople(t), nil)
	again.Start()
	assert.Empty(t, again.TrainingStatus().RunID)
}

func TestService_AutoTrainReportsFailure(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings(t, dir)
	settings.Training.AutoTrain = true
	svc := newService(t, settings, identity.NewMemoryRepository(), nil)

	svc.Start()
	st := waitTerminal(t, svc, svc.TrainingStatus().RunID)
	assert.Equal(t, training.StateFailed, st.State)
	assert.Equal(t, training.MsgInsufficientPeople, st.Message)

	r := svc.RecognizeImage(t.Context(), image.NewRGBA(image.Rect(0, 0, 16, 16)))
	assert.ErrorIs(t, r.Err, artifacts.ErrModelNotTrained)
}

func TestService_MetricsBridge(t *testing.T) {
	m, err := observability.NewMetrics()
	require.NoError(t, err)

	dir := t.TempDir()
	svc := newService(t, testSettings(t, dir), twoPeople(t), m)
	svc.Start()

	res := svc.StartTraining(3)
	require.True(t, res.Accepted)
	waitTerminal(t, svc, res.RunID)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Training.ProgressGauge) == 100 &&
			testutil.ToFloat64(m.Training.StateGauge.WithLabelValues("idle")) == 1
	}, waitFor, 5*time.Millisecond)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Training.DatasetClasses), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Training.RunsTotal.WithLabelValues("success")), 0)
}

func TestNew_RequiresSettings(t *testing.T) {
	_, err := New(nil, Deps{})
	require.Error(t, err)

	_, err = New(testSettings(t, t.TempDir()), Deps{Backbone: meanBackbone{}, Detector: centreDetector{}})
	require.Error(t, err, "repository is required")
}
