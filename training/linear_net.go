package training

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// BatchFeed fills caller-owned data and label slices with the next batch.
// async.PrefetchingLoader satisfies it.
type BatchFeed interface {
	Forward(ctx context.Context, data, label []float64) error
}

// LinearNet is an affine regressor y = w.x + b with a squared-error loss,
// reading its samples from a BatchFeed
type LinearNet struct {
	feed      BatchFeed
	batchSize int
	inputs    int

	weight *Param
	bias   *Param

	data  []float64
	label []float64
}

// NewLinearNet creates a linear model over samples of the given size. Weights
// are drawn from a uniform distribution in [-0.01, 0.01) using seed.
func NewLinearNet(feed BatchFeed, batchSize, inputs int, seed int64) (*LinearNet, error) {
	if feed == nil {
		return nil, errors.New("batch feed cannot be nil")
	}
	if batchSize <= 0 || inputs <= 0 {
		return nil, errors.Errorf("batch size and inputs must be positive, got %d and %d", batchSize, inputs)
	}

	net := &LinearNet{
		feed:      feed,
		batchSize: batchSize,
		inputs:    inputs,
		weight:    NewParam("weight", 1, inputs),
		bias:      NewParam("bias", 1),
		data:      make([]float64, batchSize*inputs),
		label:     make([]float64, batchSize),
	}

	rng := rand.New(rand.NewSource(seed))
	for i := range net.weight.Data {
		net.weight.Data[i] = (rng.Float64()*2 - 1) * 0.01
	}
	return net, nil
}

// Params returns the weight and bias
func (n *LinearNet) Params() []*Param {
	return []*Param{n.weight, n.bias}
}

// ForwardBackward pulls one batch, computes the mean of (y - t)^2 / 2 and adds
// its gradient into the parameter diffs
func (n *LinearNet) ForwardBackward(ctx context.Context) (float64, error) {
	if err := n.feed.Forward(ctx, n.data, n.label); err != nil {
		return 0, errors.Wrap(err, "failed to read batch")
	}

	w, b := n.weight.Data[:n.inputs], n.bias.Data[0]
	dw := n.weight.Diff[:n.inputs]
	scale := 1 / float64(n.batchSize)

	var loss, db float64
	for i := 0; i < n.batchSize; i++ {
		x := n.data[i*n.inputs : (i+1)*n.inputs]
		r := floats.Dot(w, x) + b - n.label[i]
		loss += r * r
		floats.AddScaled(dw, r*scale, x)
		db += r * scale
	}
	n.bias.Diff[0] += db

	return loss * scale / 2, nil
}

// Predict returns w.x + b for one sample
func (n *LinearNet) Predict(x []float64) float64 {
	return floats.Dot(n.weight.Data[:n.inputs], x) + n.bias.Data[0]
}
