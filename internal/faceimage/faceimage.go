// Package faceimage holds the image handling shared by training and
// inference: decoding, face cropping, resizing and tensor normalisation.
// Training and recognition must go through the same Tensor call so the
// classifier sees identically prepared input.
package faceimage

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/tphakala/faceid/internal/errors"
)

// Normalization selects how 8-bit channels are mapped to float input.
type Normalization string

const (
	// NormalizeMobileNet maps [0,255] to [-1,1].
	NormalizeMobileNet Normalization = "mobilenet"
	// NormalizeUnit maps [0,255] to [0,1].
	NormalizeUnit Normalization = "unit"
)

// Channels is the number of colour channels in every tensor, in RGB order.
const Channels = 3

// Decode reads and decodes an image file.
func Decode(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(fmt.Errorf("read image file: %w", err)).
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
	}
	return DecodeBytes(data)
}

// DecodeBytes decodes an in-memory image.
func DecodeBytes(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to decode image: %w", err)).
			Category(errors.CategoryImageDecode).
			FileContext("", int64(len(data))).
			Build()
	}
	return img, nil
}

// Crop returns the part of img inside rect, clamped to the image bounds.
// The result is a copy with origin (0,0).
func Crop(img image.Image, rect image.Rectangle) (*image.RGBA, error) {
	r := rect.Intersect(img.Bounds())
	if r.Empty() {
		return nil, errors.Newf("crop %v lies outside image bounds %v", rect, img.Bounds()).
			Category(errors.CategoryValidation).
			Build()
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, nil
}

// Resize scales img to a size x size square with bilinear filtering.
func Resize(img image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToRGBA returns img as *image.RGBA with origin (0,0), copying if needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Tensor resizes img to size x size and returns it as HWC float32 RGB
// values normalised according to norm.
func Tensor(img image.Image, size int, norm Normalization) ([]float32, error) {
	if size <= 0 {
		return nil, errors.Newf("invalid tensor size %d", size).
			Category(errors.CategoryValidation).
			Build()
	}

	var scale, offset float32
	switch norm {
	case NormalizeMobileNet, "":
		scale, offset = 1.0/127.5, -1
	case NormalizeUnit:
		scale, offset = 1.0/255, 0
	default:
		return nil, errors.Newf("unknown normalization %q", norm).
			Category(errors.CategoryValidation).
			Build()
	}

	src := img
	if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
		src = Resize(img, size)
	}
	rgba := ToRGBA(src)

	out := make([]float32, 0, size*size*Channels)
	for y := range size {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+size*4]
		for x := range size {
			p := row[x*4 : x*4+4]
			out = append(out,
				float32(p[0])*scale+offset,
				float32(p[1])*scale+offset,
				float32(p[2])*scale+offset,
			)
		}
	}
	return out, nil
}

// Square expands rect to a square around its centre, as face boxes are fed
// to a square network input.
func Square(rect image.Rectangle) image.Rectangle {
	w, h := rect.Dx(), rect.Dy()
	side := max(w, h)
	cx := rect.Min.X + w/2
	cy := rect.Min.Y + h/2
	return image.Rect(cx-side/2, cy-side/2, cx-side/2+side, cy-side/2+side)
}
