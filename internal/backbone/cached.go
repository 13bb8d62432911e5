package backbone

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/faceid/internal/faceimage"
	"github.com/tphakala/faceid/internal/observability/metrics"
)

// Cached memoizes backbone features by input tensor content. Repeated
// extraction of the same preprocessed image, as happens when a training run
// restarts over unchanged identities, skips the interpreter.
type Cached struct {
	inner    Backbone
	cache    *cache.Cache
	recorder metrics.Recorder
}

// NewCached wraps inner with a feature cache whose entries expire after ttl.
// A nil recorder disables hit and miss accounting.
func NewCached(inner Backbone, ttl time.Duration, recorder metrics.Recorder) *Cached {
	if recorder == nil {
		recorder = metrics.NewNoOpRecorder()
	}
	return &Cached{
		inner:    inner,
		cache:    cache.New(ttl, 2*ttl),
		recorder: recorder,
	}
}

// Extract returns cached features for input or computes and stores them.
func (c *Cached) Extract(input []float32) ([]float32, error) {
	key := tensorKey(input)
	if v, found := c.cache.Get(key); found {
		if features, ok := v.([]float32); ok {
			c.recorder.RecordOperation(metrics.OpFeatureCache, metrics.StatusHit)
			return append([]float32(nil), features...), nil
		}
	}
	c.recorder.RecordOperation(metrics.OpFeatureCache, metrics.StatusMiss)

	features, err := c.inner.Extract(input)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]float32(nil), features...), cache.DefaultExpiration)
	return features, nil
}

// Len returns the number of cached feature maps, expired ones included.
func (c *Cached) Len() int { return c.cache.ItemCount() }

// Name returns the wrapped backbone's name.
func (c *Cached) Name() string { return c.inner.Name() }

// InputSize returns the wrapped backbone's input size.
func (c *Cached) InputSize() int { return c.inner.InputSize() }

// Normalization returns the wrapped backbone's normalization.
func (c *Cached) Normalization() faceimage.Normalization { return c.inner.Normalization() }

// FeatureShape returns the wrapped backbone's feature shape.
func (c *Cached) FeatureShape() []int { return c.inner.FeatureShape() }

// Close flushes the cache and closes the wrapped backbone.
func (c *Cached) Close() error {
	c.cache.Flush()
	return c.inner.Close()
}

func tensorKey(input []float32) string {
	h := sha256.New()
	buf := make([]byte, 0, 4*1024)
	for i, v := range input {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		if len(buf) == cap(buf) || i == len(input)-1 {
			h.Write(buf)
			buf = buf[:0]
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
