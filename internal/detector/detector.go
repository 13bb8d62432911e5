// Package detector finds faces in images.
package detector

import (
	"image"
	"slices"
)

// Face is one detected face.
type Face struct {
	Box   image.Rectangle
	Score float64
}

// Detector locates faces in an image.
// Implementations must be safe for concurrent use.
type Detector interface {
	Detect(img image.Image) ([]Face, error)
}

// Largest returns the face with the biggest box area. ok is false when
// faces is empty.
func Largest(faces []Face) (face Face, ok bool) {
	if len(faces) == 0 {
		return Face{}, false
	}
	return slices.MaxFunc(faces, func(a, b Face) int {
		return area(a.Box) - area(b.Box)
	}), true
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b image.Rectangle) float64 {
	inter := area(a.Intersect(b))
	if inter == 0 {
		return 0
	}
	return float64(inter) / float64(area(a)+area(b)-inter)
}

func area(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}
