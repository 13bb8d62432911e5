package training

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/tphakala/faceid/internal/artifacts"
	"github.com/tphakala/faceid/internal/classifier"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/logger"
	"github.com/tphakala/faceid/internal/observability/metrics"
)

// maxRunningProgress is the highest progress reported before the model is
// saved.
const maxRunningProgress = 99

// epochProgress maps a finished epoch to a progress percentage.
func epochProgress(epoch, total int) int {
	if total <= 0 {
		return 0
	}
	return min(epoch*100/total, maxRunningProgress)
}

// fitResult is the outcome of the epoch loop.
type fitResult struct {
	curves       artifacts.EpochHistory
	bestAccuracy float64
	final        classifier.BatchResult
	finalVal     classifier.BatchResult
}

// fit trains c for the given number of epochs over shuffled mini-batches.
// The context is checked between batches.
func (o *Orchestrator) fit(ctx context.Context, c *classifier.Classifier, train feed, val *featureSet, epochs int, seed uint64) (*fitResult, error) {
	batchSize := max(o.settings.Training.BatchSize, 1)
	rng := rand.New(rand.NewPCG(seed, 0xf17))
	res := &fitResult{}
	log := o.log

	for epoch := 1; epoch <= epochs; epoch++ {
		start := time.Now()

		set, err := train.epoch(ctx, epoch)
		if err != nil {
			return nil, err
		}

		var trainRes classifier.BatchResult
		perm := rng.Perm(set.len())
		xs := make([][]float32, 0, batchSize)
		ys := make([]int, 0, batchSize)
		for b := 0; b < len(perm); b += batchSize {
			if err := ctx.Err(); err != nil {
				return nil, cancelled(err)
			}
			xs, ys = xs[:0], ys[:0]
			for _, idx := range perm[b:min(b+batchSize, len(perm))] {
				xs = append(xs, set.features[idx])
				ys = append(ys, set.labels[idx])
			}
			br, err := c.TrainBatch(xs, ys, rng)
			if err != nil {
				return nil, errors.New(err).
					Category(errors.CategoryTraining).
					Context("epoch", epoch).
					Build()
			}
			trainRes.Add(br)
		}

		var valRes classifier.BatchResult
		if val.len() > 0 {
			valRes, err = c.Evaluate(val.features, val.labels)
			if err != nil {
				return nil, err
			}
		}

		res.curves.Accuracy = append(res.curves.Accuracy, trainRes.Accuracy())
		res.curves.Loss = append(res.curves.Loss, trainRes.Loss)
		res.curves.ValAccuracy = append(res.curves.ValAccuracy, valRes.Accuracy())
		res.curves.ValLoss = append(res.curves.ValLoss, valRes.Loss)
		res.bestAccuracy = max(res.bestAccuracy, trainRes.Accuracy())
		res.final, res.finalVal = trainRes, valRes

		o.store.update(func(s *Status) {
			s.CurrentEpoch = epoch
			s.Progress = max(s.Progress, epochProgress(epoch, epochs))
			s.CurrentAccuracy = trainRes.Accuracy()
			s.BestAccuracy = max(s.BestAccuracy, trainRes.Accuracy())
			s.ValAccuracy = valRes.Accuracy()
			s.Loss = trainRes.Loss
			s.Message = "Training model"
		})

		elapsed := time.Since(start)
		o.recorder.RecordDuration(metrics.OpEpoch, elapsed.Seconds())
		log.Debug("epoch finished",
			logger.Int("epoch", epoch),
			logger.Int("epochs", epochs),
			logger.Float64("loss", trainRes.Loss),
			logger.Float64("accuracy", trainRes.Accuracy()),
			logger.Float64("val_loss", valRes.Loss),
			logger.Float64("val_accuracy", valRes.Accuracy()),
			logger.Duration("duration", elapsed))
	}
	return res, nil
}

func cancelled(err error) error {
	return errors.New(err).
		Category(errors.CategoryCancellation).
		Build()
}
