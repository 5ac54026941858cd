package training

import (
	"math"

	"github.com/pkg/errors"
)

// LRScheduler computes the learning rate for an iteration.
// Schedulers are stateless: the rate depends only on the iteration.
type LRScheduler interface {
	// GetLR returns the learning rate for the given iteration
	GetLR(iter int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// FixedLRScheduler keeps the base learning rate
type FixedLRScheduler struct{}

func (s *FixedLRScheduler) GetLR(iter int, baseLR float64) float64 {
	return baseLR
}

func (s *FixedLRScheduler) GetName() string {
	return "fixed"
}

// StepLRScheduler multiplies the rate by Gamma every StepSize iterations
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) (*StepLRScheduler, error) {
	if stepSize <= 0 {
		return nil, errors.Errorf("step size must be positive, got %d", stepSize)
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}, nil
}

func (s *StepLRScheduler) GetLR(iter int, baseLR float64) float64 {
	times := iter / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "step"
}

// ExponentialLRScheduler returns baseLR * gamma^iter
type ExponentialLRScheduler struct {
	Gamma float64
}

func (s *ExponentialLRScheduler) GetLR(iter int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(iter))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "exp"
}

// InvLRScheduler returns baseLR * (1 + gamma*iter)^-power
type InvLRScheduler struct {
	Gamma float64
	Power float64
}

func (s *InvLRScheduler) GetLR(iter int, baseLR float64) float64 {
	return baseLR * math.Pow(1+s.Gamma*float64(iter), -s.Power)
}

func (s *InvLRScheduler) GetName() string {
	return "inv"
}

// PolyLRScheduler decays polynomially to zero at MaxIter
type PolyLRScheduler struct {
	MaxIter int
	Power   float64
}

// NewPolyLRScheduler creates a polynomial decay scheduler
func NewPolyLRScheduler(maxIter int, power float64) (*PolyLRScheduler, error) {
	if maxIter <= 0 {
		return nil, errors.Errorf("max iter must be positive for poly policy, got %d", maxIter)
	}
	return &PolyLRScheduler{MaxIter: maxIter, Power: power}, nil
}

func (s *PolyLRScheduler) GetLR(iter int, baseLR float64) float64 {
	if iter >= s.MaxIter {
		return 0
	}
	return baseLR * math.Pow(1-float64(iter)/float64(s.MaxIter), s.Power)
}

func (s *PolyLRScheduler) GetName() string {
	return "poly"
}

// NewScheduler builds the scheduler named by config.LRPolicy
func NewScheduler(config SolverConfig) (LRScheduler, error) {
	switch config.LRPolicy {
	case "", "fixed":
		return &FixedLRScheduler{}, nil
	case "step":
		return NewStepLRScheduler(config.StepSize, config.Gamma)
	case "exp":
		return &ExponentialLRScheduler{Gamma: config.Gamma}, nil
	case "inv":
		return &InvLRScheduler{Gamma: config.Gamma, Power: config.Power}, nil
	case "poly":
		return NewPolyLRScheduler(config.MaxIter, config.Power)
	default:
		return nil, errors.Errorf("unknown learning rate policy %q", config.LRPolicy)
	}
}
