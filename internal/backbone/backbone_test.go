package backbone

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/faceid/internal/faceimage"
	"github.com/tphakala/faceid/internal/observability/metrics"
)

type fakeBackbone struct {
	calls  atomic.Int32
	closed bool
}

func (f *fakeBackbone) Name() string                           { return "fake" }
func (f *fakeBackbone) InputSize() int                         { return 2 }
func (f *fakeBackbone) Normalization() faceimage.Normalization { return faceimage.NormalizeUnit }
func (f *fakeBackbone) FeatureShape() []int                    { return []int{1, 1, 2} }
func (f *fakeBackbone) Close() error {
	f.closed = true
	return nil
}

func (f *fakeBackbone) Extract(input []float32) ([]float32, error) {
	f.calls.Add(1)
	var sum float32
	for _, v := range input {
		sum += v
	}
	return []float32{sum, float32(len(input))}, nil
}

type countingRecorder struct{ hits, misses int }

func (c *countingRecorder) RecordOperation(_, status string) {
	switch status {
	case metrics.StatusHit:
		c.hits++
	case metrics.StatusMiss:
		c.misses++
	}
}

func (c *countingRecorder) RecordDuration(string, float64) {}
func (c *countingRecorder) RecordError(string, string)     {}

func TestPool(t *testing.T) {
	// 2x2 map with 3 channels, position-major
	features := []float32{
		1, 10, 100,
		3, 20, 200,
		5, 30, 300,
		7, 40, 400,
	}
	got := Pool(features, []int{2, 2, 3})
	assert.InDeltaSlice(t, []float32{4, 25, 250}, got, 1e-6)

	vec := []float32{0.5, 0.25}
	pooled := Pool(vec, []int{2})
	assert.Equal(t, vec, pooled)
	pooled[0] = 9
	assert.InDelta(t, 0.5, vec[0], 0, "pooling a vector must copy")

	assert.Nil(t, Pool(features, nil))
}

func TestFeatureDimAndInputLen(t *testing.T) {
	f := &fakeBackbone{}
	assert.Equal(t, 2, FeatureDim(f))
	assert.Equal(t, 2*2*faceimage.Channels, InputLen(f))
}

func TestCached_HitAndMiss(t *testing.T) {
	inner := &fakeBackbone{}
	rec := &countingRecorder{}
	c := NewCached(inner, 0, rec)

	a := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	b := []float32{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}

	first, err := c.Extract(a)
	require.NoError(t, err)
	second, err := c.Extract(a)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())

	_, err = c.Extract(b)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 2, rec.misses)

	// callers may mutate the returned slice without poisoning the cache
	second[0] = -1
	third, err := c.Extract(a)
	require.NoError(t, err)
	assert.InDelta(t, 78, third[0], 1e-6)

	require.NoError(t, c.Close())
	assert.True(t, inner.closed)
	assert.Equal(t, 0, c.Len())
}

func TestCached_Expiry(t *testing.T) {
	inner := &fakeBackbone{}
	c := NewCached(inner, 20*time.Millisecond, nil)
	t.Cleanup(func() { _ = c.Close() })

	input := []float32{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	_, err := c.Extract(input)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = c.Extract(input)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestTensorKey(t *testing.T) {
	assert.Equal(t, tensorKey([]float32{1, 2}), tensorKey([]float32{1, 2}))
	assert.NotEqual(t, tensorKey([]float32{1, 2}), tensorKey([]float32{2, 1}))
	assert.Len(t, tensorKey(nil), 64)
}

func TestThreadCount(t *testing.T) {
	assert.Positive(t, threadCount(0))
	assert.Equal(t, 1, threadCount(1))
	assert.LessOrEqual(t, threadCount(1<<20), 1<<20)
}
