// Package classifier implements the trainable classification head that sits
// on top of a frozen backbone: global average pooling, a stack of dense ReLU
// layers with dropout, and a softmax output sized to the class count.
//
// Only the head is trained. Backbone weights are never updated, and
// training fits the dense layers to the features the backbone extracts.
package classifier

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/tphakala/faceid/internal/backbone"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/faceimage"
	"github.com/tphakala/faceid/internal/logger"
)

// FormatVersion is written into model metadata and checked on load.
const FormatVersion = 1

// Adam defaults.
const (
	DefaultLearningRate = 1e-4
	AdamBeta1           = 0.9
	AdamBeta2           = 0.999
	AdamEpsilon         = 1e-7
)

// ErrBuild is returned when a classifier cannot be constructed.
var ErrBuild = errors.NewStd("model build failed")

// DefaultHidden and DefaultDropout describe the standard head.
var (
	DefaultHidden  = []int{512, 256}
	DefaultDropout = []float64{0.5, 0.3}
)

// BuildOptions describes the backbone the head attaches to and the head
// hyperparameters.
type BuildOptions struct {
	Backbone      string
	InputSize     int
	FeatureShape  []int
	Normalization faceimage.Normalization
	Hidden        []int
	Dropout       []float64
	LearningRate  float64
	Seed          uint64
}

// OptionsFor fills backbone fields of BuildOptions from a live backbone.
func OptionsFor(b backbone.Backbone) BuildOptions {
	return BuildOptions{
		Backbone:      b.Name(),
		InputSize:     b.InputSize(),
		FeatureShape:  b.FeatureShape(),
		Normalization: b.Normalization(),
	}
}

// Metadata is the architecture record persisted next to the weights.
type Metadata struct {
	FormatVersion int                     `yaml:"format_version"`
	Backbone      string                  `yaml:"backbone"`
	InputSize     int                     `yaml:"input_size"`
	Channels      int                     `yaml:"channels"`
	FeatureShape  []int                   `yaml:"feature_shape,flow"`
	NumClasses    int                     `yaml:"num_classes"`
	Normalization faceimage.Normalization `yaml:"normalization"`
	Hidden        []int                   `yaml:"hidden,flow"`
	Dropout       []float64               `yaml:"dropout,flow"`
	LearningRate  float64                 `yaml:"learning_rate"`
	CreatedAt     time.Time               `yaml:"created_at"`
}

// FeatureDim is the width of the pooled feature vector.
func (m *Metadata) FeatureDim() int {
	if len(m.FeatureShape) == 0 {
		return 0
	}
	return m.FeatureShape[len(m.FeatureShape)-1]
}

// CompatibleWith reports whether a model built with m can run on b.
func (m *Metadata) CompatibleWith(b backbone.Backbone) error {
	switch {
	case m.Backbone != b.Name():
		return fmt.Errorf("model was built for backbone %q, running %q", m.Backbone, b.Name())
	case m.InputSize != b.InputSize():
		return fmt.Errorf("model input size %d does not match backbone input size %d", m.InputSize, b.InputSize())
	case !slices.Equal(m.FeatureShape, b.FeatureShape()):
		return fmt.Errorf("model feature shape %v does not match backbone feature shape %v", m.FeatureShape, b.FeatureShape())
	case m.Normalization != b.Normalization():
		return fmt.Errorf("model normalization %q does not match backbone normalization %q", m.Normalization, b.Normalization())
	}
	return nil
}

// dense is a fully connected layer with weights stored output-major:
// W[o*in+i] connects input i to output o.
type dense struct {
	in, out int
	w, b    []float32

	// Adam moments
	mw, vw []float32
	mb, vb []float32
}

func newDense(in, out int, rng *rand.Rand) *dense {
	d := &dense{in: in, out: out, w: make([]float32, in*out), b: make([]float32, out)}
	limit := math.Sqrt(6 / float64(in))
	for i := range d.w {
		d.w[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	d.initMoments()
	return d
}

func (d *dense) initMoments() {
	d.mw = make([]float32, len(d.w))
	d.vw = make([]float32, len(d.w))
	d.mb = make([]float32, len(d.b))
	d.vb = make([]float32, len(d.b))
}

func (d *dense) forward(x, z []float32) {
	for o := range d.out {
		row := d.w[o*d.in : (o+1)*d.in]
		sum := d.b[o]
		for i, v := range x {
			sum += row[i] * v
		}
		z[o] = sum
	}
}

// Classifier is a trained or trainable head. Predict is safe for concurrent
// use; TrainBatch is not and must not overlap with Predict.
type Classifier struct {
	meta   Metadata
	layers []*dense
	step   int
}

// Build creates an untrained classifier for numClasses identities.
func Build(numClasses int, opts BuildOptions) (*Classifier, Metadata, error) {
	hidden := opts.Hidden
	if hidden == nil {
		hidden = DefaultHidden
	}
	dropout := opts.Dropout
	if dropout == nil {
		dropout = DefaultDropout
	}
	lr := opts.LearningRate
	if lr <= 0 {
		lr = DefaultLearningRate
	}

	meta := Metadata{
		FormatVersion: FormatVersion,
		Backbone:      opts.Backbone,
		InputSize:     opts.InputSize,
		Channels:      faceimage.Channels,
		FeatureShape:  slices.Clone(opts.FeatureShape),
		NumClasses:    numClasses,
		Normalization: opts.Normalization,
		Hidden:        slices.Clone(hidden),
		Dropout:       slices.Clone(dropout),
		LearningRate:  lr,
		CreatedAt:     time.Now().UTC(),
	}
	if err := meta.validate(); err != nil {
		return nil, Metadata{}, err
	}

	rng := rand.New(rand.NewPCG(opts.Seed, 0x5eed))
	c := &Classifier{meta: meta}
	in := meta.FeatureDim()
	for _, width := range hidden {
		c.layers = append(c.layers, newDense(in, width, rng))
		in = width
	}
	c.layers = append(c.layers, newDense(in, numClasses, rng))

	getLogger().Debug("classifier built",
		logger.String("backbone", meta.Backbone),
		logger.Int("feature_dim", meta.FeatureDim()),
		logger.Any("hidden", meta.Hidden),
		logger.Int("classes", numClasses),
		logger.Int("parameters", c.ParameterCount()))

	return c, meta, nil
}

func (m *Metadata) validate() error {
	fail := func(format string, args ...any) error {
		return errors.New(fmt.Errorf("%w: %s", ErrBuild, fmt.Sprintf(format, args...))).
			Category(errors.CategoryModelBuild).
			Context("num_classes", m.NumClasses).
			Context("backbone", m.Backbone).
			Build()
	}
	switch {
	case m.NumClasses < 2:
		return fail("need at least 2 classes, got %d", m.NumClasses)
	case m.FeatureDim() <= 0:
		return fail("backbone feature shape %v has no channels", m.FeatureShape)
	case m.InputSize <= 0:
		return fail("invalid input size %d", m.InputSize)
	case len(m.Hidden) != len(m.Dropout):
		return fail("%d hidden layers but %d dropout rates", len(m.Hidden), len(m.Dropout))
	}
	for i, w := range m.Hidden {
		if w <= 0 {
			return fail("hidden layer %d has width %d", i, w)
		}
		if m.Dropout[i] < 0 || m.Dropout[i] >= 1 {
			return fail("dropout %d must be in [0, 1), got %g", i, m.Dropout[i])
		}
	}
	return nil
}

// Metadata returns the classifier's architecture record.
func (c *Classifier) Metadata() Metadata {
	m := c.meta
	m.FeatureShape = slices.Clone(c.meta.FeatureShape)
	m.Hidden = slices.Clone(c.meta.Hidden)
	m.Dropout = slices.Clone(c.meta.Dropout)
	return m
}

// NumClasses is the output width.
func (c *Classifier) NumClasses() int { return c.meta.NumClasses }

// ParameterCount returns the number of trainable weights and biases.
func (c *Classifier) ParameterCount() int {
	n := 0
	for _, l := range c.layers {
		n += len(l.w) + len(l.b)
	}
	return n
}

// Pool applies global average pooling to a raw backbone feature map.
func (c *Classifier) Pool(featureMap []float32) []float32 {
	return backbone.Pool(featureMap, c.meta.FeatureShape)
}

// Predict returns the softmax distribution over classes for a pooled
// feature vector.
func (c *Classifier) Predict(features []float32) ([]float32, error) {
	if len(features) != c.meta.FeatureDim() {
		return nil, errors.Newf("feature vector has %d values, want %d", len(features), c.meta.FeatureDim()).
			Category(errors.CategoryRecognition).
			Build()
	}
	x := features
	for i, l := range c.layers {
		z := make([]float32, l.out)
		l.forward(x, z)
		if i < len(c.layers)-1 {
			relu(z)
		}
		x = z
	}
	softmax(x)
	return x, nil
}

// Argmax returns the index and value of the largest probability.
func Argmax(probs []float32) (int, float64) {
	best, bestP := -1, math.Inf(-1)
	for i, p := range probs {
		if float64(p) > bestP {
			best, bestP = i, float64(p)
		}
	}
	return best, bestP
}

func relu(z []float32) {
	for i, v := range z {
		if v < 0 {
			z[i] = 0
		}
	}
}

func softmax(z []float32) {
	maxZ := float32(math.Inf(-1))
	for _, v := range z {
		maxZ = max(maxZ, v)
	}
	var sum float64
	for i, v := range z {
		e := math.Exp(float64(v - maxZ))
		z[i] = float32(e)
		sum += e
	}
	for i := range z {
		z[i] = float32(float64(z[i]) / sum)
	}
}
