package training

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"math/rand/v2"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/faceid/internal/augment"
	"github.com/tphakala/faceid/internal/backbone"
	"github.com/tphakala/faceid/internal/dataset"
	"github.com/tphakala/faceid/internal/detector"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/faceimage"
	"github.com/tphakala/faceid/internal/logger"
)

// Augmentation modes.
const (
	AugmentOffline = "offline"
	AugmentOnline  = "online"
	AugmentOff     = "off"
)

// preparer turns staged samples into pooled backbone features.
type preparer struct {
	backbone  backbone.Backbone
	detector  detector.Detector // nil disables face cropping
	augmenter *augment.Pipeline // nil disables augmentation
	mode      string
	workers   int
	log       logger.Logger
}

// featureSet is a fixed set of pooled features with class labels.
type featureSet struct {
	features [][]float32
	labels   []int
}

func (f *featureSet) len() int { return len(f.labels) }

// feed yields the training features for one epoch.
type feed interface {
	epoch(ctx context.Context, epoch int) (*featureSet, error)
	size() int
}

// staticFeed returns the same features every epoch.
type staticFeed struct{ set *featureSet }

func (f staticFeed) epoch(context.Context, int) (*featureSet, error) { return f.set, nil }
func (f staticFeed) size() int                                       { return f.set.len() }

// onlineFeed draws one fresh augmentation per sample per epoch.
type onlineFeed struct {
	p      *preparer
	images []*image.RGBA
	labels []int
	seed   uint64
}

func (f *onlineFeed) size() int { return len(f.labels) }

func (f *onlineFeed) epoch(ctx context.Context, epoch int) (*featureSet, error) {
	set := &featureSet{features: make([][]float32, len(f.images)), labels: f.labels}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.p.workers)
	for i, img := range f.images {
		g.Go(recovered(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(f.seed^uint64(epoch), uint64(i)))
			feat, err := f.p.features(f.p.augmenter.Apply(img, rng))
			if err != nil {
				return err
			}
			set.features[i] = feat
			return nil
		}))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return set, nil
}

// load decodes each sample, crops it to the detected face and resizes it
// to the backbone input. Work is spread over p.workers goroutines.
func (p *preparer) load(ctx context.Context, samples []dataset.Sample) ([]*image.RGBA, error) {
	out := make([]*image.RGBA, len(samples))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, s := range samples {
		g.Go(recovered(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := p.loadOne(s.Path)
			if err != nil {
				return err
			}
			out[i] = img
			return nil
		}))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *preparer) loadOne(path string) (*image.RGBA, error) {
	img, err := faceimage.Decode(path)
	if err != nil {
		return nil, prepError(err, path)
	}
	if p.detector != nil {
		img, err = p.cropFace(img, path)
		if err != nil {
			return nil, prepError(err, path)
		}
	}
	return faceimage.Resize(img, p.backbone.InputSize()), nil
}

// cropFace crops to the largest detected face. Images without a detectable
// face are used whole.
func (p *preparer) cropFace(img image.Image, path string) (image.Image, error) {
	faces, err := p.detector.Detect(img)
	if err != nil {
		return nil, err
	}
	face, ok := detector.Largest(faces)
	if !ok {
		p.log.Debug("no face found in training image, using whole image", logger.String("path", path))
		return img, nil
	}
	return faceimage.Crop(img, faceimage.Square(face.Box))
}

// features converts a face image into a pooled feature vector.
func (p *preparer) features(img image.Image) ([]float32, error) {
	tensor, err := faceimage.Tensor(img, p.backbone.InputSize(), p.backbone.Normalization())
	if err != nil {
		return nil, err
	}
	fm, err := p.backbone.Extract(tensor)
	if err != nil {
		return nil, err
	}
	return backbone.Pool(fm, p.backbone.FeatureShape()), nil
}

// extract computes features for images, expanding each image by the
// augmentation variants when expand is set.
func (p *preparer) extract(ctx context.Context, images []*image.RGBA, labels []int, expand bool, seed uint64) (*featureSet, error) {
	perImage := 1
	if expand {
		perImage += p.augmenter.Config().Variants
	}
	feats := make([][][]float32, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, img := range images {
		g.Go(recovered(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			local := make([][]float32, 0, perImage)
			f, err := p.features(img)
			if err != nil {
				return err
			}
			local = append(local, f)
			if expand {
				for variant := range p.augmenter.Variants(img, seed+uint64(i)) {
					if err := gctx.Err(); err != nil {
						return err
					}
					f, err := p.features(variant)
					if err != nil {
						return err
					}
					local = append(local, f)
				}
			}
			feats[i] = local
			return nil
		}))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := &featureSet{}
	for i, local := range feats {
		for _, f := range local {
			set.features = append(set.features, f)
			set.labels = append(set.labels, labels[i])
		}
	}
	return set, nil
}

// prepare builds the training feed and the validation set.
func (p *preparer) prepare(ctx context.Context, train, val []dataset.Sample, seed uint64) (feed, *featureSet, error) {
	trainImages, err := p.load(ctx, train)
	if err != nil {
		return nil, nil, err
	}
	valImages, err := p.load(ctx, val)
	if err != nil {
		return nil, nil, err
	}

	trainLabels := labelsOf(train)
	valSet, err := p.extract(ctx, valImages, labelsOf(val), false, seed)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case p.augmenter != nil && p.mode == AugmentOnline:
		return &onlineFeed{p: p, images: trainImages, labels: trainLabels, seed: seed}, valSet, nil
	default:
		expand := p.augmenter != nil && p.mode == AugmentOffline
		set, err := p.extract(ctx, trainImages, trainLabels, expand, seed)
		if err != nil {
			return nil, nil, err
		}
		return staticFeed{set: set}, valSet, nil
	}
}

func labelsOf(samples []dataset.Sample) []int {
	labels := make([]int, len(samples))
	for i, s := range samples {
		labels[i] = s.Class
	}
	return labels
}

func prepError(err error, path string) error {
	return errors.New(fmt.Errorf("%w: %s: %w", dataset.ErrDataPreparation, path, err)).
		Category(errors.CategoryDataset).
		FileContext(path, 0).
		Build()
}

// recovered converts a panic in an errgroup worker into an error.
func recovered(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				getLogger().Error("training worker panicked",
					logger.String("panic", fmt.Sprint(r)),
					logger.String("stack", string(debug.Stack())))
				err = errPanic(r)
			}
		}()
		return fn()
	}
}

// seedFor derives a deterministic per-run seed from the run id when no
// seed is configured.
func seedFor(configured uint64, runID string) uint64 {
	if configured != 0 {
		return configured
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	return h.Sum64()
}
