package classifier

import (
	"encoding/gob"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/tphakala/faceid/internal/errors"
)

// layerWeights is the gob form of one dense layer.
type layerWeights struct {
	In, Out int
	W, B    []float32
}

type weightsFile struct {
	FormatVersion int
	Layers        []layerWeights
}

// EncodeMetadata writes meta as YAML.
func EncodeMetadata(w io.Writer, meta *Metadata) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("encode model metadata: %w", err)
	}
	return enc.Close()
}

// DecodeMetadata reads YAML metadata and checks that it describes a
// buildable head.
func DecodeMetadata(r io.Reader) (Metadata, error) {
	var meta Metadata
	if err := yaml.NewDecoder(r).Decode(&meta); err != nil {
		return Metadata{}, fmt.Errorf("decode model metadata: %w", err)
	}
	if meta.FormatVersion != FormatVersion {
		return Metadata{}, fmt.Errorf("unsupported model format version %d", meta.FormatVersion)
	}
	if err := meta.validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// WriteWeights serializes the layer parameters with encoding/gob.
func (c *Classifier) WriteWeights(w io.Writer) error {
	file := weightsFile{FormatVersion: FormatVersion}
	for _, l := range c.layers {
		file.Layers = append(file.Layers, layerWeights{In: l.in, Out: l.out, W: l.w, B: l.b})
	}
	if err := gob.NewEncoder(w).Encode(&file); err != nil {
		return fmt.Errorf("encode model weights: %w", err)
	}
	return nil
}

// Restore rebuilds a classifier from metadata and serialized weights. Every
// layer shape is checked against meta.
func Restore(meta Metadata, r io.Reader) (*Classifier, error) {
	var file weightsFile
	if err := gob.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode model weights: %w", err)
	}
	if file.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported weights format version %d", file.FormatVersion)
	}

	widths := append(append([]int{meta.FeatureDim()}, meta.Hidden...), meta.NumClasses)
	if len(file.Layers) != len(widths)-1 {
		return nil, errors.Newf("weights have %d layers, metadata describes %d", len(file.Layers), len(widths)-1).
			Category(errors.CategoryArtifact).
			Build()
	}

	c := &Classifier{meta: meta}
	for i, lw := range file.Layers {
		in, out := widths[i], widths[i+1]
		if lw.In != in || lw.Out != out || len(lw.W) != in*out || len(lw.B) != out {
			return nil, errors.Newf("layer %d shape %dx%d does not match metadata %dx%d", i, lw.In, lw.Out, in, out).
				Category(errors.CategoryArtifact).
				Context("layer", i).
				Build()
		}
		d := &dense{in: in, out: out, w: lw.W, b: lw.B}
		d.initMoments()
		c.layers = append(c.layers, d)
	}
	return c, nil
}
