// Package augment produces randomised variants of training images.
//
// A Pipeline is stateless once built. All randomness comes from the
// *rand.Rand handed to Apply, so the offline expansion (Variants) and the
// online feed used during training share one transform path and never
// share generator state across images.
package augment

import (
	"fmt"
	"image"
	"image/color"
	"iter"
	"math"
	"math/rand/v2"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/faceimage"
)

// FillMode controls how pixels mapped from outside the source are filled.
type FillMode string

const (
	FillNearest  FillMode = "nearest"  // aaaa|abcd|dddd
	FillConstant FillMode = "constant" // kkkk|abcd|kkkk
	FillReflect  FillMode = "reflect"  // dcba|abcd|dcba
	FillWrap     FillMode = "wrap"     // abcd|abcd|abcd
)

// DefaultVariants is the number of variants produced per image.
const DefaultVariants = 10

// Config holds the augmentation ranges.
type Config struct {
	RotationRange    float64    // degrees, angle drawn from [-r, r]
	WidthShiftRange  float64    // fraction of width
	HeightShiftRange float64    // fraction of height
	BrightnessRange  [2]float64 // multiplier drawn from [min, max]; zero value disables
	ZoomRange        float64    // scale drawn from [1-z, 1+z]
	HorizontalFlip   bool
	FillMode         FillMode
	FillColor        color.RGBA // used by FillConstant
	Variants         int
}

// FromSettings converts configuration settings to a Config.
func FromSettings(s *conf.AugmentationSettings) Config {
	cfg := Config{
		RotationRange:    s.RotationRange,
		WidthShiftRange:  s.WidthShiftRange,
		HeightShiftRange: s.HeightShiftRange,
		ZoomRange:        s.ZoomRange,
		HorizontalFlip:   s.HorizontalFlip,
		FillMode:         FillMode(s.FillMode),
		FillColor:        color.RGBA{A: 255},
		Variants:         s.Variants,
	}
	if len(s.BrightnessRange) == 2 {
		cfg.BrightnessRange = [2]float64{s.BrightnessRange[0], s.BrightnessRange[1]}
	}
	return cfg
}

// Pipeline applies random geometric and photometric transforms.
type Pipeline struct {
	cfg Config
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Variants <= 0 {
		cfg.Variants = DefaultVariants
	}
	if cfg.FillMode == "" {
		cfg.FillMode = FillNearest
	}
	switch cfg.FillMode {
	case FillNearest, FillConstant, FillReflect, FillWrap:
	default:
		return nil, errors.Newf("unsupported fill mode %q", cfg.FillMode).
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.ZoomRange < 0 || cfg.ZoomRange >= 1 {
		return nil, errors.Newf("zoom range %v must be in [0, 1)", cfg.ZoomRange).
			Category(errors.CategoryValidation).
			Build()
	}
	if b := cfg.BrightnessRange; b != [2]float64{} && (b[0] <= 0 || b[0] > b[1]) {
		return nil, errors.Newf("brightness range %v must satisfy 0 < min <= max", b).
			Category(errors.CategoryValidation).
			Build()
	}
	return &Pipeline{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Variants returns a finite, lazy sequence of Config.Variants augmented
// copies of img. Variant i is generated from a PCG source seeded with
// (seed, i), so ranging over the sequence again yields identical images.
func (p *Pipeline) Variants(img image.Image, seed uint64) iter.Seq[image.Image] {
	return func(yield func(image.Image) bool) {
		base := faceimage.ToRGBA(img)
		for i := range p.cfg.Variants {
			rng := rand.New(rand.NewPCG(seed, uint64(i)))
			if !yield(p.Apply(base, rng)) {
				return
			}
		}
	}
}

// Apply returns one randomly transformed copy of img.
func (p *Pipeline) Apply(img image.Image, rng *rand.Rand) *image.RGBA {
	return transform(faceimage.ToRGBA(img), p.draw(rng), p.cfg.FillMode, p.cfg.FillColor)
}

// params is one concrete draw of the random transform.
type params struct {
	angle      float64 // radians
	tx, ty     float64 // pixels
	zoom       float64
	flip       bool
	brightness float64
}

// draw samples transform parameters in a fixed order.
func (p *Pipeline) draw(rng *rand.Rand) params {
	uniform := func(lo, hi float64) float64 {
		if hi <= lo {
			return lo
		}
		return lo + rng.Float64()*(hi-lo)
	}

	c := p.cfg
	pr := params{zoom: 1, brightness: 1}
	pr.angle = uniform(-c.RotationRange, c.RotationRange) * math.Pi / 180
	pr.tx = uniform(-c.WidthShiftRange, c.WidthShiftRange)
	pr.ty = uniform(-c.HeightShiftRange, c.HeightShiftRange)
	pr.zoom = uniform(1-c.ZoomRange, 1+c.ZoomRange)
	if c.HorizontalFlip {
		pr.flip = rng.IntN(2) == 1
	}
	if c.BrightnessRange != [2]float64{} {
		pr.brightness = uniform(c.BrightnessRange[0], c.BrightnessRange[1])
	}
	return pr
}

// inverse returns the destination-to-source matrix for pr on a w x h image,
// in pixel-centre coordinates where pixel x spans [x, x+1).
// Shifts are fractions here and scaled to pixels.
func (pr params) inverse(w, h int) f64.Aff3 {
	cx, cy := float64(w)/2, float64(h)/2
	tx, ty := pr.tx*float64(w), pr.ty*float64(h)
	cos, sin := math.Cos(pr.angle), math.Sin(pr.angle)
	inv := 1 / pr.zoom

	// src = c + inv * R(-angle) * (dst - c - t)
	a, b := inv*cos, inv*sin
	d, e := -inv*sin, inv*cos
	ox, oy := -cx-tx, -cy-ty
	m := f64.Aff3{
		a, b, a*ox + b*oy + cx,
		d, e, d*ox + e*oy + cy,
	}
	if pr.flip {
		// mirror the sampled source column
		m[0], m[1], m[2] = -m[0], -m[1], float64(w)-m[2]
	}
	return m
}

// invert returns the inverse of the affine m. Transforms built from
// params always have a non-zero determinant.
func invert(m f64.Aff3) f64.Aff3 {
	det := m[0]*m[4] - m[1]*m[3]
	return f64.Aff3{
		m[4] / det, -m[1] / det, (m[1]*m[5] - m[4]*m[2]) / det,
		-m[3] / det, m[0] / det, (m[3]*m[2] - m[0]*m[5]) / det,
	}
}

func transform(src *image.RGBA, pr params, mode FillMode, fill color.RGBA) *image.RGBA {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	d2s := pr.inverse(w, h)
	padded := pad(src, reach(d2s, w, h), mode, fill)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Transform(dst, invert(d2s), padded, padded.Bounds(), draw.Src, nil)
	if pr.brightness != 1 {
		brighten(dst, pr.brightness)
	}
	return dst
}

// reach returns how many pixels beyond any edge of a w x h source the
// destination samples through d2s, plus one for the bilinear neighbour.
func reach(d2s f64.Aff3, w, h int) int {
	fw, fh := float64(w), float64(h)
	var out float64
	for _, p := range [4][2]float64{{0, 0}, {fw, 0}, {0, fh}, {fw, fh}} {
		sx := d2s[0]*p[0] + d2s[1]*p[1] + d2s[2]
		sy := d2s[3]*p[0] + d2s[4]*p[1] + d2s[5]
		out = max(out, -sx, sx-fw, -sy, sy-fh)
	}
	return int(math.Ceil(out)) + 1
}

// pad returns src surrounded by n pixels on every side, filled according
// to mode. The result keeps src's pixels at [0, w) x [0, h).
func pad(src *image.RGBA, n int, mode FillMode, fill color.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(image.Rect(-n, -n, w+n, h+n))
	for y := -n; y < h+n; y++ {
		py, oky := resolve(y, h, mode)
		for x := -n; x < w+n; x++ {
			px, okx := resolve(x, w, mode)
			if okx && oky {
				out.SetRGBA(x, y, src.RGBAAt(b.Min.X+px, b.Min.Y+py))
			} else {
				out.SetRGBA(x, y, fill)
			}
		}
	}
	return out
}

// brighten scales the colour channels of img in place. Alpha is kept.
func brighten(img *image.RGBA, factor float64) {
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = scaleChannel(img.Pix[i+0], factor)
		img.Pix[i+1] = scaleChannel(img.Pix[i+1], factor)
		img.Pix[i+2] = scaleChannel(img.Pix[i+2], factor)
	}
}

// resolve maps index i into [0, n) according to mode. The bool is false
// when the constant fill colour must be used instead.
func resolve(i, n int, mode FillMode) (int, bool) {
	if i >= 0 && i < n {
		return i, true
	}
	switch mode {
	case FillConstant:
		return 0, false
	case FillWrap:
		return ((i % n) + n) % n, true
	case FillReflect:
		period := 2 * n
		m := ((i % period) + period) % period
		if m >= n {
			m = period - 1 - m
		}
		return m, true
	default:
		return min(max(i, 0), n-1), true
	}
}

func scaleChannel(v uint8, factor float64) uint8 {
	return uint8(min(max(math.Round(float64(v)*factor), 0), 255))
}

// String implements fmt.Stringer for log output.
func (c Config) String() string {
	return fmt.Sprintf("rotation=%v shift=%v/%v zoom=%v flip=%v brightness=%v fill=%s variants=%d",
		c.RotationRange, c.WidthShiftRange, c.HeightShiftRange, c.ZoomRange,
		c.HorizontalFlip, c.BrightnessRange, c.FillMode, c.Variants)
}
