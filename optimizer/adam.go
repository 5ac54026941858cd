package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// AdamOptimizerState holds Adam hyperparameters and moment estimates
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate_ float64
	Beta1         float64 // Momentum decay (typically 0.9)
	Beta2         float64 // RMSprop decay (typically 0.999)
	Epsilon       float64 // Small constant to prevent division by zero
	WeightDecay   float64 // L2 regularization strength

	MomentumBuffers [][]float64 // First moment
	VarianceBuffers [][]float64 // Second moment
	sizes           []int

	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer for weights of the given shapes
func NewAdamOptimizer(config AdamConfig, weightShapes [][]int) (*AdamOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}

	m, sizes, err := allocateState(weightShapes)
	if err != nil {
		return nil, err
	}
	v, _, _ := allocateState(weightShapes)

	return &AdamOptimizerState{
		LearningRate_:   config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: m,
		VarianceBuffers: v,
		sizes:           sizes,
	}, nil
}

// Step performs a bias-corrected Adam update
func (adam *AdamOptimizerState) Step(weights, gradients [][]float64) error {
	if err := validateShapes(weights, gradients, adam.sizes); err != nil {
		return errors.Wrap(err, "Adam step")
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	c1 := 1 - math.Pow(adam.Beta1, t)
	c2 := 1 - math.Pow(adam.Beta2, t)

	for i := range weights {
		w, grad := weights[i], gradients[i]
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		for j := range w {
			g := grad[j] + adam.WeightDecay*w[j]
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			w[j] -= adam.LearningRate_ * (m[j] / c1) / (math.Sqrt(v[j]/c2) + adam.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate_ = newLR
}

// LearningRate returns the current learning rate
func (adam *AdamOptimizerState) LearningRate() float64 {
	return adam.LearningRate_
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}
