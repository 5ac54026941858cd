package optimizer

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// SGDOptimizerState holds SGD hyperparameters and momentum history
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate_ float64
	Momentum      float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay   float64 // L2 regularization coefficient
	Nesterov      bool    // Whether to use Nesterov momentum

	MomentumBuffers [][]float64 // velocity per tensor (only if momentum > 0)
	scratch         [][]float64
	sizes           []int

	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer for weights of the given shapes
func NewSGDOptimizer(config SGDConfig, weightShapes [][]int) (*SGDOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, errors.New("nesterov momentum requires a non-zero momentum")
	}

	scratch, sizes, err := allocateState(weightShapes)
	if err != nil {
		return nil, err
	}

	sgd := &SGDOptimizerState{
		LearningRate_: config.LearningRate,
		Momentum:      config.Momentum,
		WeightDecay:   config.WeightDecay,
		Nesterov:      config.Nesterov,
		scratch:       scratch,
		sizes:         sizes,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers, _, _ = allocateState(weightShapes)
	}
	return sgd, nil
}

// Step performs w -= lr * (g + wd*w), with optional (Nesterov) momentum
func (sgd *SGDOptimizerState) Step(weights, gradients [][]float64) error {
	if err := validateShapes(weights, gradients, sgd.sizes); err != nil {
		return errors.Wrap(err, "SGD step")
	}

	sgd.StepCount++

	for i := range weights {
		w, grad := weights[i], gradients[i]

		if sgd.WeightDecay != 0 {
			floats.AddScaledTo(sgd.scratch[i], grad, sgd.WeightDecay, w)
			grad = sgd.scratch[i]
		}

		if sgd.Momentum > 0 {
			v := sgd.MomentumBuffers[i]
			floats.Scale(sgd.Momentum, v)
			floats.Add(v, grad)
			if sgd.Nesterov {
				floats.AddScaledTo(sgd.scratch[i], grad, sgd.Momentum, v)
				grad = sgd.scratch[i]
			} else {
				grad = v
			}
		}

		floats.AddScaled(w, -sgd.LearningRate_, grad)
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LearningRate_ = newLR
}

// LearningRate returns the current learning rate
func (sgd *SGDOptimizerState) LearningRate() float64 {
	return sgd.LearningRate_
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}
