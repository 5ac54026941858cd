package training

import (
	"context"
	"log"

	"github.com/pkg/errors"
	"github.com/tsawler/go-dataparallel/memory"
	"github.com/tsawler/go-dataparallel/optimizer"
)

// Net computes a loss and the gradients of its learnable parameters
type Net interface {
	// Params returns the learnable parameters in a fixed order
	Params() []*Param

	// ForwardBackward runs one forward and backward pass, accumulating
	// gradients into each Param's Diff, and returns the loss
	ForwardBackward(ctx context.Context) (float64, error)
}

// Callback hooks into each solver iteration
type Callback interface {
	// OnStart runs before the forward pass
	OnStart(ctx context.Context) error

	// OnGradientsReady runs after the backward pass, before the update
	OnGradientsReady(ctx context.Context) error
}

// SolverConfig holds configuration for the solver
type SolverConfig struct {
	BaseLR     float64
	LRPolicy   string // fixed, step, exp, inv or poly
	Gamma      float64
	Power      float64
	StepSize   int
	MaxIter    int
	RandomSeed int64 // negative means unseeded
	Display    int   // Log the loss every N iterations (0 = never)
}

// DefaultSolverConfig returns a fixed-rate configuration
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		BaseLR:     0.01,
		LRPolicy:   "fixed",
		Gamma:      0.1,
		Power:      1,
		StepSize:   1000,
		MaxIter:    10000,
		RandomSeed: -1,
	}
}

// Solver drives a Net through training iterations
type Solver struct {
	net         Net
	optimizer   optimizer.Optimizer
	scheduler   LRScheduler
	config      SolverConfig
	device      memory.Device
	callbacks   []Callback
	applyUpdate bool

	iter int
	loss float64
}

// NewSolver creates a solver. opt may be nil for replicas that never apply
// updates themselves.
func NewSolver(net Net, opt optimizer.Optimizer, config SolverConfig, device memory.Device) (*Solver, error) {
	if net == nil {
		return nil, errors.New("net cannot be nil")
	}
	if opt != nil && config.BaseLR <= 0 {
		return nil, errors.Errorf("base learning rate must be positive, got %g", config.BaseLR)
	}
	scheduler, err := NewScheduler(config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create learning rate scheduler")
	}

	return &Solver{
		net:         net,
		optimizer:   opt,
		scheduler:   scheduler,
		config:      config,
		device:      device,
		applyUpdate: opt != nil,
	}, nil
}

// AddCallback registers a hook run on every iteration, in registration order
func (s *Solver) AddCallback(cb Callback) {
	s.callbacks = append(s.callbacks, cb)
}

// RemoveCallback unregisters cb and reports whether it was registered
func (s *Solver) RemoveCallback(cb Callback) bool {
	for i, registered := range s.callbacks {
		if registered == cb {
			s.callbacks = append(s.callbacks[:i:i], s.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

// SetApplyUpdate controls whether Step applies the optimizer update
func (s *Solver) SetApplyUpdate(apply bool) {
	s.applyUpdate = apply
}

// ApplyUpdateEnabled reports whether Step applies the optimizer update
func (s *Solver) ApplyUpdateEnabled() bool {
	return s.applyUpdate
}

// Step runs iters iterations. Each iteration runs the OnStart hooks, zeroes
// the gradients, runs the net, runs the OnGradientsReady hooks and applies the
// update when enabled.
func (s *Solver) Step(ctx context.Context, iters int) error {
	if s.applyUpdate && s.optimizer == nil {
		return errors.New("solver has no optimizer to apply updates with")
	}

	stop := s.iter + iters
	for s.iter < stop {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "solver stopped at iteration %d", s.iter)
		}

		for _, cb := range s.callbacks {
			if err := cb.OnStart(ctx); err != nil {
				return errors.Wrapf(err, "iteration %d", s.iter)
			}
		}

		for _, p := range s.net.Params() {
			clear(p.Diff)
		}

		loss, err := s.net.ForwardBackward(ctx)
		if err != nil {
			return errors.Wrapf(err, "iteration %d: forward/backward failed", s.iter)
		}
		s.loss = loss

		for _, cb := range s.callbacks {
			if err := cb.OnGradientsReady(ctx); err != nil {
				return errors.Wrapf(err, "iteration %d", s.iter)
			}
		}

		if s.applyUpdate {
			if err := s.update(); err != nil {
				return errors.Wrapf(err, "iteration %d: update failed", s.iter)
			}
		}

		if s.config.Display > 0 && s.iter%s.config.Display == 0 {
			log.Printf("Iteration %d (%s), loss = %g", s.iter, s.device, loss)
		}
		s.iter++
	}
	return nil
}

func (s *Solver) update() error {
	params := s.net.Params()
	weights := make([][]float64, len(params))
	grads := make([][]float64, len(params))
	for i, p := range params {
		weights[i] = p.Data
		grads[i] = p.Diff
	}
	s.optimizer.UpdateLearningRate(s.scheduler.GetLR(s.iter, s.config.BaseLR))
	return s.optimizer.Step(weights, grads)
}

// Restore sets the iteration counter, used when resuming from a snapshot
func (s *Solver) Restore(iter int) error {
	if iter < 0 {
		return errors.Errorf("iteration must not be negative, got %d", iter)
	}
	s.iter = iter
	return nil
}

// Optimizer returns the update rule, nil for replicas
func (s *Solver) Optimizer() optimizer.Optimizer {
	return s.optimizer
}

// LearningRate returns the rate the schedule gives for the current iteration
func (s *Solver) LearningRate() float64 {
	return s.scheduler.GetLR(s.iter, s.config.BaseLR)
}

// Iter returns the number of completed iterations
func (s *Solver) Iter() int {
	return s.iter
}

// Device returns the device this solver computes on
func (s *Solver) Device() memory.Device {
	return s.device
}

// Net returns the solver's net
func (s *Solver) Net() Net {
	return s.net
}

// Loss returns the loss of the most recent iteration
func (s *Solver) Loss() float64 {
	return s.loss
}

// Config returns the solver configuration
func (s *Solver) Config() SolverConfig {
	return s.config
}

// Scheduler returns the learning rate scheduler
func (s *Solver) Scheduler() LRScheduler {
	return s.scheduler
}

// WeightShapes returns the shapes of the net's parameters, in order, for
// building an optimizer
func WeightShapes(net Net) [][]int {
	params := net.Params()
	shapes := make([][]int, len(params))
	for i, p := range params {
		shapes[i] = append([]int(nil), p.Shape...)
	}
	return shapes
}
