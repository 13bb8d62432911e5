package faceimage

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/faceid/internal/errors"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(8, 6, color.RGBA{R: 255, A: 255})))

	path := filepath.Join(t.TempDir(), "face.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	img, err := Decode(path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())

	_, err = Decode(filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))

	_, err = DecodeBytes([]byte("not an image"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryImageDecode))
}

func TestCrop_ClampsToBounds(t *testing.T) {
	img := solid(10, 10, color.RGBA{G: 200, A: 255})

	out, err := Crop(img, image.Rect(5, 5, 20, 20))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 5, 5), out.Bounds())

	_, err = Crop(img, image.Rect(20, 20, 30, 30))
	require.Error(t, err)
}

func TestTensor_Normalization(t *testing.T) {
	img := solid(4, 4, color.RGBA{R: 255, G: 0, B: 51, A: 255})

	mobile, err := Tensor(img, 4, NormalizeMobileNet)
	require.NoError(t, err)
	require.Len(t, mobile, 4*4*Channels)
	assert.InDelta(t, 1.0, mobile[0], 1e-6)
	assert.InDelta(t, -1.0, mobile[1], 1e-6)
	assert.InDelta(t, -0.6, mobile[2], 1e-6)

	unit, err := Tensor(img, 2, NormalizeUnit)
	require.NoError(t, err)
	require.Len(t, unit, 2*2*Channels)
	assert.InDelta(t, 1.0, unit[0], 0.01)
	assert.InDelta(t, 0.2, unit[2], 0.01)

	_, err = Tensor(img, 4, "imagenet")
	require.Error(t, err)
	_, err = Tensor(img, 0, NormalizeUnit)
	require.Error(t, err)
}

func TestTensor_NonZeroOrigin(t *testing.T) {
	img := solid(6, 6, color.RGBA{B: 255, A: 255})
	sub := img.SubImage(image.Rect(2, 2, 6, 6))

	out, err := Tensor(sub, 4, NormalizeUnit)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, out[len(out)-1], 1e-6)
}

func TestSquare(t *testing.T) {
	sq := Square(image.Rect(10, 20, 30, 60))
	assert.Equal(t, sq.Dx(), sq.Dy())
	assert.Equal(t, 40, sq.Dx())
	assert.Equal(t, image.Pt(20, 40), image.Pt((sq.Min.X+sq.Max.X)/2, (sq.Min.Y+sq.Max.Y)/2))
}
