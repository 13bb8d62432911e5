package detector

import (
	"cmp"
	"fmt"
	"image"
	"os"
	"slices"

	pigo "github.com/esimov/pigo/core"
	"golang.org/x/image/draw"

	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/logger"
)

// Pigo detects frontal faces with a pixel-intensity-comparison cascade.
type Pigo struct {
	classifier *pigo.Pigo
	settings   conf.DetectorSettings
	log        logger.Logger
}

// NewPigo loads the cascade file named in settings.
func NewPigo(settings *conf.DetectorSettings) (*Pigo, error) {
	cascade, err := os.ReadFile(settings.CascadePath)
	if err != nil {
		return nil, errors.New(fmt.Errorf("read face cascade: %w", err)).
			Category(errors.CategoryModelLoad).
			Context("cascade", settings.CascadePath).
			Build()
	}

	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, errors.New(fmt.Errorf("unpack face cascade: %w", err)).
			Category(errors.CategoryModelLoad).
			Context("cascade", settings.CascadePath).
			Build()
	}

	log := getLogger()
	log.Info("face detector loaded",
		logger.String("cascade", settings.CascadePath),
		logger.Int("min_size", settings.MinSize),
		logger.Int("max_size", settings.MaxSize))

	return &Pigo{classifier: classifier, settings: *settings, log: log}, nil
}

// Detect implements Detector. Overlapping detections are clustered and
// detections below the quality threshold are dropped.
func (p *Pigo) Detect(img image.Image) ([]Face, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, errors.NewStd("empty image")
	}

	nrgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, b.Min, draw.Src)
	pixels := pigo.RgbToGrayscale(nrgba)

	rows, cols := b.Dy(), b.Dx()
	maxSize := min(p.settings.MaxSize, max(rows, cols))
	params := pigo.CascadeParams{
		MinSize:     p.settings.MinSize,
		MaxSize:     maxSize,
		ShiftFactor: p.settings.ShiftFactor,
		ScaleFactor: p.settings.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := p.classifier.RunCascade(params, 0)
	dets = p.classifier.ClusterDetections(dets, p.settings.IoUThreshold)

	faces := make([]Face, 0, len(dets))
	for _, d := range dets {
		if float64(d.Q) < p.settings.QualityThreshold {
			continue
		}
		faces = append(faces, Face{Box: detectionBox(d.Row, d.Col, d.Scale).Add(b.Min), Score: float64(d.Q)})
	}
	slices.SortFunc(faces, func(x, y Face) int {
		return cmp.Compare(y.Score, x.Score)
	})

	p.log.Trace("faces detected",
		logger.Int("raw", len(dets)),
		logger.Int("accepted", len(faces)))
	return faces, nil
}

// detectionBox converts a pigo centre and scale into a rectangle.
func detectionBox(row, col, scale int) image.Rectangle {
	half := scale / 2
	return image.Rect(col-half, row-half, col-half+scale, row-half+scale)
}
