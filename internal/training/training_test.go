package training

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/faceid/internal/artifacts"
	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/detector"
	"github.com/tphakala/faceid/internal/faceimage"
	"github.com/tphakala/faceid/internal/identity"
	"github.com/tphakala/faceid/internal/logger"
)

const waitFor = 15 * time.Second

// colorBackbone reports the mean of each channel, so solid-colour images of
// different people are linearly separable.
type colorBackbone struct {
	gate   chan struct{}
	panics bool
	calls  atomic.Int32
}

func (b *colorBackbone) Name() string                           { return "color" }
func (b *colorBackbone) InputSize() int                         { return 8 }
func (b *colorBackbone) Normalization() faceimage.Normalization { return faceimage.NormalizeUnit }
func (b *colorBackbone) FeatureShape() []int                    { return []int{1, 1, 3} }
func (b *colorBackbone) Close() error                           { return nil }

func (b *colorBackbone) Extract(in []float32) ([]float32, error) {
	b.calls.Add(1)
	if b.gate != nil {
		<-b.gate
	}
	if b.panics {
		panic("interpreter exploded")
	}
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

func (b *colorBackbone) open() { close(b.gate) }

type boxDetector struct{ calls atomic.Int32 }

func (d *boxDetector) Detect(img image.Image) ([]detector.Face, error) {
	d.calls.Add(1)
	return []detector.Face{{Box: image.Rect(2, 2, 12, 12), Score: 10}}, nil
}

var palette = []color.RGBA{
	{R: 230, G: 20, B: 20, A: 255},
	{R: 20, G: 230, B: 20, A: 255},
	{R: 20, G: 20, B: 230, A: 255},
}

func writeSolid(t *testing.T, path string, c color.RGBA, jitter uint8) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := range 16 {
		for x := range 16 {
			img.SetRGBA(x, y, color.RGBA{R: c.R - jitter, G: c.G + jitter, B: c.B, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func people(t *testing.T, n, images int) []identity.Record {
	t.Helper()
	dir := t.TempDir()
	var records []identity.Record
	for p := range n {
		rec := identity.Record{ID: string(rune('1' + p)), Name: []string{"alice", "bob", "carol"}[p]}
		for i := range images {
			path := filepath.Join(dir, rec.Name+"_"+string(rune('a'+i))+".png")
			rec.ImagePaths = append(rec.ImagePaths, writeSolid(t, path, palette[p], uint8(i*3)))
		}
		records = append(records, rec)
	}
	return records
}

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	dir := t.TempDir()
	return &conf.Settings{
		Storage: conf.StorageSettings{
			ModelDir:   filepath.Join(dir, "model"),
			ScratchDir: filepath.Join(dir, "scratch"),
		},
		Training: conf.TrainingSettings{
			Epochs:          6,
			ValidationSplit: 0.2,
			BatchSize:       4,
			LearningRate:    0.01,
			Seed:            3,
			Workers:         2,
			Head:            conf.HeadSettings{Hidden: []int{8}, Dropout: []float64{0}},
			Augmentation: conf.AugmentationSettings{
				Mode:            AugmentOff,
				Variants:        2,
				RotationRange:   10,
				BrightnessRange: []float64{0.9, 1.1},
				FillMode:        "nearest",
			},
		},
	}
}

type harness struct {
	o        *Orchestrator
	settings *conf.Settings
	store    *artifacts.Store
	backbone *colorBackbone
	repo     *identity.MemoryRepository
}

func newHarness(t *testing.T, settings *conf.Settings, records []identity.Record, bb *colorBackbone, det detector.Detector) *harness {
	t.Helper()
	if bb == nil {
		bb = &colorBackbone{}
	}
	repo := identity.NewMemoryRepository(records...)
	store := artifacts.NewStore(settings.Storage.ModelDir, settings.Storage.HistoryPath())
	o, err := New(Deps{
		Settings:   settings,
		Repository: repo,
		Backbone:   bb,
		Detector:   det,
		Artifacts:  store,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, o.Close(ctx))
	})
	return &harness{o: o, settings: settings, store: store, backbone: bb, repo: repo}
}

func (h *harness) waitTerminal(t *testing.T, runID string) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		st = h.o.Store().Snapshot()
		return st.RunID == runID && st.Terminal()
	}, waitFor, 5*time.Millisecond)
	return st
}

func assertScratchEmpty(t *testing.T, settings *conf.Settings) {
	t.Helper()
	entries, err := os.ReadDir(settings.Storage.TrainingScratchDir())
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t, testSettings(t), people(t, 3, 5), nil, nil)

	res := h.o.Start(0)
	require.True(t, res.Accepted, res.Reason)
	require.NotEmpty(t, res.RunID)

	st := h.waitTerminal(t, res.RunID)
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.IsTraining)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, MsgCompleted, st.Message)
	assert.Empty(t, st.Error)
	assert.Equal(t, 6, st.TotalEpochs)
	assert.Equal(t, 6, st.CurrentEpoch)
	assert.GreaterOrEqual(t, st.BestAccuracy, st.CurrentAccuracy)

	hist, ok := h.o.Store().History()
	require.True(t, ok)
	assert.Equal(t, res.RunID, hist.RunID)
	assert.Equal(t, 3, hist.Classes)
	assert.Equal(t, 15, hist.Images)
	assert.Len(t, hist.Epochs.Accuracy, 6)
	assert.NotEmpty(t, hist.Version)

	version, err := h.store.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, hist.Version, version)

	model, err := h.store.LoadCurrent()
	require.NoError(t, err)
	assert.Equal(t, []artifacts.Label{{ID: "1", Name: "alice"}, {ID: "2", Name: "bob"}, {ID: "3", Name: "carol"}}, model.Labels.Labels)

	onDisk, ok, err := h.store.ReadHistory()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.RunID, onDisk.RunID)

	assertScratchEmpty(t, h.settings)
}

// tracingRepository records the trace ID of each listing context.
type tracingRepository struct {
	identity.Repository
	traceIDs chan string
}

func (r *tracingRepository) ListIdentitiesWithImages(ctx context.Context) ([]identity.Record, error) {
	id, _ := ctx.Value(logger.TraceIDKey).(string)
	r.traceIDs <- id
	return r.Repository.ListIdentitiesWithImages(ctx)
}

func TestRun_ContextCarriesRunID(t *testing.T) {
	settings := testSettings(t)
	repo := &tracingRepository{
		Repository: identity.NewMemoryRepository(people(t, 2, 3)...),
		traceIDs:   make(chan string, 1),
	}
	o, err := New(Deps{
		Settings:   settings,
		Repository: repo,
		Backbone:   &colorBackbone{},
		Artifacts:  artifacts.NewStore(settings.Storage.ModelDir, settings.Storage.HistoryPath()),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, o.Close(ctx))
	})

	res := o.Start(1)
	require.True(t, res.Accepted, res.Reason)
	select {
	case id := <-repo.traceIDs:
		assert.Equal(t, res.RunID, id)
	case <-time.After(waitFor):
		t.Fatal("repository was never queried")
	}
	require.Eventually(t, func() bool {
		st := o.Store().Snapshot()
		return st.RunID == res.RunID && st.Terminal()
	}, waitFor, 5*time.Millisecond)
}

func TestRun_ProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, testSettings(t), people(t, 2, 4), nil, nil)
	updates, cancel := h.o.Store().Subscribe()
	defer cancel()

	res := h.o.Start(5)
	require.True(t, res.Accepted)

	var seen []Status
	timeout := time.After(waitFor)
	for done := false; !done; {
		select {
		case st := <-updates:
			seen = append(seen, st)
			done = st.Terminal()
		case <-timeout:
			t.Fatal("no terminal status")
		}
	}

	last := seen[len(seen)-1]
	assert.Equal(t, 100, last.Progress)
	for i, st := range seen {
		if i > 0 {
			assert.GreaterOrEqual(t, st.Progress, seen[i-1].Progress)
		}
		if i < len(seen)-1 {
			assert.LessOrEqual(t, st.Progress, 99, "100 is reserved for a saved model")
		}
	}
}

func TestStart_SingleFlight(t *testing.T) {
	bb := &colorBackbone{gate: make(chan struct{})}
	h := newHarness(t, testSettings(t), people(t, 2, 3), bb, nil)

	first := h.o.Start(2)
	require.True(t, first.Accepted)
	require.Eventually(t, func() bool { return bb.calls.Load() > 0 }, waitFor, time.Millisecond)

	before := h.o.Store().Snapshot()
	second := h.o.Start(2)
	assert.False(t, second.Accepted)
	assert.Equal(t, ReasonInProgress, second.Reason)

	after := h.o.Store().Snapshot()
	assert.Equal(t, first.RunID, after.RunID)
	assert.Equal(t, before.State, after.State)
	assert.True(t, after.IsTraining)

	bb.open()
	st := h.waitTerminal(t, first.RunID)
	assert.Equal(t, StateIdle, st.State)
}

func TestStart_LockedByAnotherProcess(t *testing.T) {
	settings := testSettings(t)
	h := newHarness(t, settings, people(t, 2, 3), nil, nil)

	require.NoError(t, os.MkdirAll(settings.Storage.ModelDir, 0o755))
	other := flock.New(h.store.LockPath())
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = other.Unlock() }()

	res := h.o.Start(1)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonLocked, res.Reason)
	assert.False(t, h.o.Store().Snapshot().IsTraining)
}

func TestRun_SingleIdentityFailsBeforeBuilding(t *testing.T) {
	h := newHarness(t, testSettings(t), people(t, 1, 3), nil, nil)

	res := h.o.Start(3)
	require.True(t, res.Accepted)
	st := h.waitTerminal(t, res.RunID)

	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, MsgInsufficientPeople, st.Message)
	assert.NotEmpty(t, st.Error)
	assert.Zero(t, h.backbone.calls.Load())
	assert.Less(t, st.Progress, 100)

	_, err := h.store.CurrentVersion()
	require.ErrorIs(t, err, artifacts.ErrModelNotTrained)
	_, ok := h.o.Store().History()
	assert.False(t, ok)
}

func TestRun_UnreadableImagesRemoveScratch(t *testing.T) {
	settings := testSettings(t)
	records := []identity.Record{
		{ID: "1", Name: "a", ImagePaths: []string{"/missing/1.png"}},
		{ID: "2", Name: "b", ImagePaths: []string{"/missing/2.png"}},
	}
	h := newHarness(t, settings, records, nil, nil)

	res := h.o.Start(2)
	require.True(t, res.Accepted)
	st := h.waitTerminal(t, res.RunID)

	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, MsgDataPreparation, st.Message)
	assertScratchEmpty(t, settings)
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	bb := &colorBackbone{panics: true}
	h := newHarness(t, testSettings(t), people(t, 2, 3), bb, nil)

	res := h.o.Start(2)
	require.True(t, res.Accepted)
	st := h.waitTerminal(t, res.RunID)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, MsgPanicked, st.Message)
	assertScratchEmpty(t, h.settings)

	// a failed run behaves like idle for the next start
	bb.panics = false
	again := h.o.Start(2)
	require.True(t, again.Accepted, again.Reason)
	st = h.waitTerminal(t, again.RunID)
	assert.Equal(t, StateIdle, st.State)
}

func TestClose_CancelsRun(t *testing.T) {
	bb := &colorBackbone{gate: make(chan struct{})}
	settings := testSettings(t)
	repo := identity.NewMemoryRepository(people(t, 2, 3)...)
	o, err := New(Deps{
		Settings:   settings,
		Repository: repo,
		Backbone:   bb,
		Artifacts:  artifacts.NewStore(settings.Storage.ModelDir, settings.Storage.HistoryPath()),
	})
	require.NoError(t, err)

	res := o.Start(50)
	require.True(t, res.Accepted)
	require.Eventually(t, func() bool { return bb.calls.Load() > 0 }, waitFor, time.Millisecond)

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		closed <- o.Close(ctx)
	}()
	require.Eventually(t, func() bool { return o.exec.ctx.Err() != nil }, waitFor, time.Millisecond)
	bb.open()
	require.NoError(t, <-closed)

	st := o.Store().Snapshot()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, MsgCancelled, st.Message)
	assert.Equal(t, "training cancelled", st.Error)
	assertScratchEmpty(t, settings)

	assert.Equal(t, ReasonClosed, o.Start(1).Reason)
}

func TestRun_AugmentationModes(t *testing.T) {
	for _, mode := range []string{AugmentOffline, AugmentOnline} {
		t.Run(mode, func(t *testing.T) {
			settings := testSettings(t)
			settings.Training.Augmentation.Mode = mode
			settings.Training.Epochs = 3
			h := newHarness(t, settings, people(t, 2, 3), nil, nil)

			res := h.o.Start(0)
			require.True(t, res.Accepted)
			st := h.waitTerminal(t, res.RunID)
			require.Equal(t, StateIdle, st.State, st.Error)

			// 4 training and 2 validation images. Offline adds 2 variants
			// per training image; online extracts every training image
			// once per epoch for 3 epochs.
			assert.Equal(t, int32(4*3+2), h.backbone.calls.Load())
		})
	}
}

func TestRun_CropsFaces(t *testing.T) {
	settings := testSettings(t)
	settings.Training.CropFaces = true
	det := &boxDetector{}
	h := newHarness(t, settings, people(t, 2, 3), nil, det)

	res := h.o.Start(2)
	require.True(t, res.Accepted)
	st := h.waitTerminal(t, res.RunID)
	require.Equal(t, StateIdle, st.State, st.Error)
	assert.Equal(t, int32(6), det.calls.Load())
}

func TestEpochProgress(t *testing.T) {
	assert.Equal(t, 0, epochProgress(0, 10))
	assert.Equal(t, 50, epochProgress(5, 10))
	assert.Equal(t, 99, epochProgress(10, 10))
	assert.Equal(t, 33, epochProgress(1, 3))
	assert.Equal(t, 0, epochProgress(1, 0))
}

func TestSeedFor(t *testing.T) {
	assert.Equal(t, uint64(9), seedFor(9, "run"))
	assert.Equal(t, seedFor(0, "run-a"), seedFor(0, "run-a"))
	assert.NotEqual(t, seedFor(0, "run-a"), seedFor(0, "run-b"))
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}
