package classifier

import (
	"math"
	"math/rand/v2"

	"github.com/tphakala/faceid/internal/errors"
)

// crossEntropyFloor keeps log(p) finite for saturated predictions.
const crossEntropyFloor = 1e-7

// BatchResult summarizes one optimizer step or one evaluation pass.
type BatchResult struct {
	Loss    float64 // mean categorical cross-entropy
	Correct int     // samples whose argmax matched the label
	Samples int
}

// Accuracy returns Correct/Samples, 0 for an empty result.
func (r BatchResult) Accuracy() float64 {
	if r.Samples == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Samples)
}

// Add accumulates another result, weighting losses by sample count.
func (r *BatchResult) Add(o BatchResult) {
	total := r.Samples + o.Samples
	if total == 0 {
		return
	}
	r.Loss = (r.Loss*float64(r.Samples) + o.Loss*float64(o.Samples)) / float64(total)
	r.Correct += o.Correct
	r.Samples = total
}

// gradients mirrors the layer parameters.
type gradients struct {
	w, b [][]float32
}

func (c *Classifier) newGradients() *gradients {
	g := &gradients{w: make([][]float32, len(c.layers)), b: make([][]float32, len(c.layers))}
	for i, l := range c.layers {
		g.w[i] = make([]float32, len(l.w))
		g.b[i] = make([]float32, len(l.b))
	}
	return g
}

// TrainBatch runs one Adam step over a mini-batch of pooled feature vectors
// and their class indices. Dropout masks are drawn from rng.
func (c *Classifier) TrainBatch(features [][]float32, labels []int, rng *rand.Rand) (BatchResult, error) {
	if err := c.checkBatch(features, labels); err != nil {
		return BatchResult{}, err
	}
	if len(features) == 0 {
		return BatchResult{}, nil
	}

	grads := c.newGradients()
	var res BatchResult
	n := len(c.layers)

	// per-sample scratch
	acts := make([][]float32, n+1)
	masks := make([][]float32, n)
	for i, l := range c.layers {
		acts[i+1] = make([]float32, l.out)
		masks[i] = make([]float32, l.out)
	}

	for s, x := range features {
		acts[0] = x

		for i, l := range c.layers {
			z := acts[i+1]
			l.forward(acts[i], z)
			if i == n-1 {
				softmax(z)
				continue
			}
			keep := 1 - c.meta.Dropout[i]
			scale := float32(1 / keep)
			for o, v := range z {
				m := float32(0)
				if v > 0 && (keep >= 1 || rng.Float64() < keep) {
					m = scale
				}
				masks[i][o] = m
				z[o] = v * m
			}
		}

		probs := acts[n]
		label := labels[s]
		res.Loss -= math.Log(math.Max(float64(probs[label]), crossEntropyFloor))
		if idx, _ := Argmax(probs); idx == label {
			res.Correct++
		}

		// softmax with cross-entropy: dL/dz = p - onehot
		delta := make([]float32, len(probs))
		copy(delta, probs)
		delta[label]--

		for i := n - 1; i >= 0; i-- {
			l := c.layers[i]
			in := acts[i]
			gw, gb := grads.w[i], grads.b[i]
			var prev []float32
			if i > 0 {
				prev = make([]float32, l.in)
			}
			for o, d := range delta {
				if d == 0 {
					continue
				}
				gb[o] += d
				row := l.w[o*l.in : (o+1)*l.in]
				grow := gw[o*l.in : (o+1)*l.in]
				for j, v := range in {
					grow[j] += d * v
					if prev != nil {
						prev[j] += d * row[j]
					}
				}
			}
			if i > 0 {
				// through dropout and ReLU of the previous hidden layer
				for j := range prev {
					prev[j] *= masks[i-1][j]
				}
				delta = prev
			}
		}
	}

	res.Samples = len(features)
	res.Loss /= float64(res.Samples)
	c.adamStep(grads, float32(res.Samples))
	return res, nil
}

func (c *Classifier) adamStep(g *gradients, batch float32) {
	c.step++
	lr := c.meta.LearningRate
	bc1 := 1 - math.Pow(AdamBeta1, float64(c.step))
	bc2 := 1 - math.Pow(AdamBeta2, float64(c.step))
	alpha := float32(lr * math.Sqrt(bc2) / bc1)
	b1, b2 := float32(AdamBeta1), float32(AdamBeta2)
	eps := float32(AdamEpsilon)

	update := func(p, m, v, grad []float32) {
		for i := range p {
			gi := grad[i] / batch
			m[i] = b1*m[i] + (1-b1)*gi
			v[i] = b2*v[i] + (1-b2)*gi*gi
			p[i] -= alpha * m[i] / (float32(math.Sqrt(float64(v[i]))) + eps)
		}
	}
	for i, l := range c.layers {
		update(l.w, l.mw, l.vw, g.w[i])
		update(l.b, l.mb, l.vb, g.b[i])
	}
}

// Evaluate computes loss and accuracy without dropout or weight updates.
func (c *Classifier) Evaluate(features [][]float32, labels []int) (BatchResult, error) {
	if err := c.checkBatch(features, labels); err != nil {
		return BatchResult{}, err
	}
	var res BatchResult
	for s, x := range features {
		probs, err := c.Predict(x)
		if err != nil {
			return BatchResult{}, err
		}
		res.Loss -= math.Log(math.Max(float64(probs[labels[s]]), crossEntropyFloor))
		if idx, _ := Argmax(probs); idx == labels[s] {
			res.Correct++
		}
	}
	res.Samples = len(features)
	if res.Samples > 0 {
		res.Loss /= float64(res.Samples)
	}
	return res, nil
}

func (c *Classifier) checkBatch(features [][]float32, labels []int) error {
	if len(features) != len(labels) {
		return errors.Newf("batch has %d feature vectors but %d labels", len(features), len(labels)).
			Category(errors.CategoryTraining).
			Build()
	}
	dim := c.meta.FeatureDim()
	for i, x := range features {
		if len(x) != dim {
			return errors.Newf("sample %d has %d features, want %d", i, len(x), dim).
				Category(errors.CategoryTraining).
				Build()
		}
		if labels[i] < 0 || labels[i] >= c.meta.NumClasses {
			return errors.Newf("sample %d has label %d outside [0, %d)", i, labels[i], c.meta.NumClasses).
				Category(errors.CategoryTraining).
				Build()
		}
	}
	return nil
}
