// Package backbone wraps the frozen pretrained feature extractor that every
// classifier is built on.
package backbone

import (
	"github.com/tphakala/faceid/internal/faceimage"
)

// Backbone turns a preprocessed image tensor into a feature map.
//
// The input is an HWC float32 tensor of InputSize x InputSize x 3 in the
// backbone's Normalization. The output is the flattened feature map with
// the layout described by FeatureShape.
type Backbone interface {
	Name() string
	InputSize() int
	Normalization() faceimage.Normalization
	FeatureShape() []int
	Extract(input []float32) ([]float32, error)
	Close() error
}

// FeatureDim returns the channel count of a backbone's feature map, which is
// the width of the globally pooled feature vector.
func FeatureDim(b Backbone) int {
	shape := b.FeatureShape()
	if len(shape) == 0 {
		return 0
	}
	return shape[len(shape)-1]
}

// InputLen is the number of float32 values one input tensor holds.
func InputLen(b Backbone) int {
	return b.InputSize() * b.InputSize() * faceimage.Channels
}

// Pool averages a flattened feature map over its spatial positions. A map
// that is already a vector is returned as a copy.
func Pool(features []float32, shape []int) []float32 {
	if len(shape) == 0 {
		return nil
	}
	channels := shape[len(shape)-1]
	if channels <= 0 || len(features) < channels {
		return nil
	}
	positions := len(features) / channels

	out := make([]float32, channels)
	for p := range positions {
		row := features[p*channels : (p+1)*channels]
		for c, v := range row {
			out[c] += v
		}
	}
	if positions > 1 {
		inv := 1 / float32(positions)
		for c := range out {
			out[c] *= inv
		}
	}
	return out
}
