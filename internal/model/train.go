package model

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/eyestate/eyestate-api/internal/dataset"
	"github.com/eyestate/eyestate-api/internal/preprocess"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
	probEpsilon = 1e-7
)

// adam holds first and second moment estimates for every parameter.
type adam struct {
	lr   float64
	step int
	m, v [][]float64
}

func newAdam(lr float64, params [][]float64) *adam {
	a := &adam{lr: lr}
	for _, p := range params {
		a.m = append(a.m, make([]float64, len(p)))
		a.v = append(a.v, make([]float64, len(p)))
	}
	return a
}

func (a *adam) update(params, grads [][]float64) {
	a.step++
	c1 := 1 - math.Pow(adamBeta1, float64(a.step))
	c2 := 1 - math.Pow(adamBeta2, float64(a.step))
	for k, p := range params {
		g, m, v := grads[k], a.m[k], a.v[k]
		for i := range p {
			m[i] = adamBeta1*m[i] + (1-adamBeta1)*g[i]
			v[i] = adamBeta2*v[i] + (1-adamBeta2)*g[i]*g[i]
			p[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + adamEpsilon)
		}
	}
}

// params returns views over every weight and bias, in persistence order.
func (n *Network) params() []*mat.Dense {
	out := make([]*mat.Dense, 0, 2*len(n.layers))
	for _, l := range n.layers {
		out = append(out, l.w, l.b)
	}
	return out
}

func rawData(ms []*mat.Dense) [][]float64 {
	out := make([][]float64, len(ms))
	for i, m := range ms {
		out[i] = m.RawMatrix().Data
	}
	return out
}

// Fit trains n for the given number of epochs, each covering
// train.StepsPerEpoch batches, and scores val after every epoch when given.
func (n *Network) Fit(ctx context.Context, train, val BatchSource, epochs int) (*History, error) {
	if epochs < 1 {
		return nil, errors.Errorf("epochs must be positive, got %d", epochs)
	}
	steps := train.StepsPerEpoch()
	if steps < 1 {
		return nil, errors.New("training source yields no batches")
	}

	opt := newAdam(n.learningRate, rawData(n.params()))
	history := &History{}
	for epoch := 0; epoch < epochs; epoch++ {
		var lossSum, correct float64
		var seen int
		for step := 0; step < steps; step++ {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			batch, err := train.Next(ctx)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d step %d", epoch+1, step)
			}
			x, y, err := batchMatrix(batch)
			if err != nil {
				return history, err
			}
			loss, hits := n.trainStep(opt, x, y)
			lossSum += loss * float64(len(y))
			correct += hits
			seen += len(y)
		}

		stats := EpochStats{
			Epoch:    epoch + 1,
			Loss:     lossSum / float64(seen),
			Accuracy: correct / float64(seen),
		}
		if val != nil {
			vloss, vacc, err := n.score(ctx, val)
			if err != nil {
				return history, errors.Wrapf(err, "validating epoch %d", epoch+1)
			}
			stats.ValLoss, stats.ValAccuracy = vloss, vacc
		}
		history.Epochs = append(history.Epochs, stats)
		n.logger.Info("epoch finished",
			zap.Int("epoch", stats.Epoch),
			zap.Int("epochs", epochs),
			zap.Float64("loss", stats.Loss),
			zap.Float64("accuracy", stats.Accuracy),
			zap.Float64("val_loss", stats.ValLoss),
			zap.Float64("val_accuracy", stats.ValAccuracy))
	}
	return history, nil
}

// trainStep runs one forward and backward pass and applies an Adam update.
// It returns the mean loss and the number of correct predictions before the update.
func (n *Network) trainStep(opt *adam, x *mat.Dense, y []float64) (float64, float64) {
	acts, pre := n.forward(x)
	out := acts[len(acts)-1]
	rows := len(y)

	loss, hits := lossAndHits(out, y)

	// sigmoid output with binary cross-entropy gives dL/dz = (p - y) / n
	dz := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		dz.Set(i, 0, (out.At(i, 0)-y[i])/float64(rows))
	}

	grads := make([]*mat.Dense, 2*len(n.layers))
	for l := len(n.layers) - 1; l >= 0; l-- {
		gw := new(mat.Dense)
		gw.Mul(acts[l].T(), dz)

		_, cols := dz.Dims()
		gb := mat.NewDense(1, cols, nil)
		for j := 0; j < cols; j++ {
			gb.Set(0, j, mat.Sum(dz.ColView(j)))
		}
		grads[2*l], grads[2*l+1] = gw, gb

		if l == 0 {
			break
		}
		da := new(mat.Dense)
		da.Mul(dz, n.layers[l].w.T())
		act := n.layers[l-1].activation
		z, a := pre[l-1], acts[l]
		da.Apply(func(i, j int, v float64) float64 {
			return v * derivative(act, z.At(i, j), a.At(i, j))
		}, da)
		dz = da
	}

	opt.update(rawData(n.params()), rawData(grads))
	return loss, hits
}

// score computes mean loss and accuracy over one pass of src.
func (n *Network) score(ctx context.Context, src BatchSource) (float64, float64, error) {
	var lossSum, correct float64
	var seen int
	for step := 0; step < src.StepsPerEpoch(); step++ {
		batch, err := src.Next(ctx)
		if err != nil {
			return 0, 0, err
		}
		x, y, err := batchMatrix(batch)
		if err != nil {
			return 0, 0, err
		}
		acts, _ := n.forward(x)
		loss, hits := lossAndHits(acts[len(acts)-1], y)
		lossSum += loss * float64(len(y))
		correct += hits
		seen += len(y)
	}
	if seen == 0 {
		return 0, 0, nil
	}
	return lossSum / float64(seen), correct / float64(seen), nil
}

// BinaryCrossEntropy is the mean loss of probabilities p against labels y.
func BinaryCrossEntropy(p, y []float64) float64 {
	if len(p) == 0 {
		return 0
	}
	var sum float64
	for i := range p {
		q := math.Min(math.Max(p[i], probEpsilon), 1-probEpsilon)
		sum -= y[i]*math.Log(q) + (1-y[i])*math.Log(1-q)
	}
	return sum / float64(len(p))
}

func lossAndHits(out *mat.Dense, y []float64) (float64, float64) {
	p := make([]float64, len(y))
	var hits float64
	for i := range y {
		p[i] = out.At(i, 0)
		if (p[i] >= 0.5) == (y[i] >= 0.5) {
			hits++
		}
	}
	return BinaryCrossEntropy(p, y), hits
}

func batchMatrix(b *dataset.Batch) (*mat.Dense, []float64, error) {
	if b == nil {
		return nil, nil, errors.New("nil batch")
	}
	data, n, err := preprocess.CheckTensor(b.Images)
	if err != nil {
		return nil, nil, err
	}
	if n != len(b.Labels) {
		return nil, nil, errors.Errorf("batch has %d images and %d labels", n, len(b.Labels))
	}
	y := make([]float64, n)
	for i, v := range b.Labels {
		y[i] = float64(v)
	}
	return toMatrix(data, n), y, nil
}
