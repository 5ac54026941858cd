package optimizer

import "github.com/pkg/errors"

// Optimizer applies an update rule to a model's weights given its gradients.
// weights and gradients are parallel lists of flat parameter arrays; weights
// are updated in place and gradients are left untouched.
type Optimizer interface {
	// Step performs a single optimization step
	Step(weights, gradients [][]float64) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// LearningRate returns the learning rate used by the next step
	LearningRate() float64
}

// validateShapes checks that weights, gradients and optimizer state line up
func validateShapes(weights, gradients [][]float64, sizes []int) error {
	if len(weights) != len(gradients) {
		return errors.Errorf("gradient count (%d) doesn't match weight count (%d)", len(gradients), len(weights))
	}
	if len(weights) != len(sizes) {
		return errors.Errorf("optimizer tracks %d tensors, got %d", len(sizes), len(weights))
	}
	for i := range weights {
		if len(weights[i]) != sizes[i] || len(gradients[i]) != sizes[i] {
			return errors.Errorf("tensor %d: weight %d, gradient %d, expected %d elements",
				i, len(weights[i]), len(gradients[i]), sizes[i])
		}
	}
	return nil
}

func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func allocateState(weightShapes [][]int) ([][]float64, []int, error) {
	if len(weightShapes) == 0 {
		return nil, nil, errors.New("no weight shapes provided")
	}
	state := make([][]float64, len(weightShapes))
	sizes := make([]int, len(weightShapes))
	for i, shape := range weightShapes {
		n := calculateTensorSize(shape)
		if n <= 0 {
			return nil, nil, errors.Errorf("weight %d has invalid shape %v", i, shape)
		}
		sizes[i] = n
		state[i] = make([]float64, n)
	}
	return state, sizes, nil
}
