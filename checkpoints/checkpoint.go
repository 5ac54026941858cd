// Package checkpoints snapshots a solver's parameters, progress and optimizer
// history so training can be resumed.
package checkpoints

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-dataparallel/optimizer"
	"github.com/tsawler/go-dataparallel/training"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a complete solver state: weights, optimizer history
// and training progress
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	Iter         int     `json:"iter"`
	LearningRate float64 `json:"learning_rate"`
	Loss         float64 `json:"loss"`
}

// OptimizerState captures optimizer history (momentum, variance)
type OptimizerState struct {
	Type      string            `json:"type"` // "SGD" or "Adam"
	StepCount uint64            `json:"step_count"`
	StateData []OptimizerTensor `json:"state_data"`
}

// OptimizerTensor is one history buffer of the optimizer
type OptimizerTensor struct {
	Index     int       `json:"index"` // parameter the buffer belongs to
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum" or "variance"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint writes checkpoint to path
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-dataparallel"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatProto:
		if err := os.WriteFile(path, checkpoint.Marshal(), 0o644); err != nil {
			return errors.Wrap(err, "failed to write checkpoint file")
		}
		return nil
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// LoadCheckpoint reads a checkpoint from path
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatProto:
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read checkpoint file")
		}
		return UnmarshalCheckpoint(b)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return &checkpoint, nil
}

// FromSolver snapshots the solver's parameters, progress and optimizer history
func FromSolver(solver *training.Solver) *Checkpoint {
	cp := &Checkpoint{
		TrainingState: TrainingState{
			Iter:         solver.Iter(),
			LearningRate: solver.LearningRate(),
			Loss:         solver.Loss(),
		},
	}
	for _, p := range solver.Net().Params() {
		cp.Weights = append(cp.Weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
		})
	}
	cp.OptimizerState = captureOptimizer(solver.Optimizer())
	return cp
}

// RestoreSolver loads the checkpoint's weights, iteration and optimizer
// history into solver. Parameters are matched by position and must have the
// same shapes.
func RestoreSolver(solver *training.Solver, cp *Checkpoint) error {
	params := solver.Net().Params()
	if len(params) != len(cp.Weights) {
		return errors.Errorf("weight count mismatch: %d weights, %d parameters", len(cp.Weights), len(params))
	}
	for i, p := range params {
		w := cp.Weights[i]
		if !sameShape(p.Shape, w.Shape) {
			return errors.Errorf("shape mismatch for weight %s: parameter %v vs checkpoint %v", w.Name, p.Shape, w.Shape)
		}
		if len(w.Data) != len(p.Data) {
			return errors.Errorf("weight %s holds %d values, parameter needs %d", w.Name, len(w.Data), len(p.Data))
		}
	}

	if cp.OptimizerState != nil && solver.Optimizer() != nil {
		if err := restoreOptimizer(solver.Optimizer(), cp.OptimizerState); err != nil {
			return err
		}
	}
	for i, p := range params {
		copy(p.Data, cp.Weights[i].Data)
	}
	return solver.Restore(cp.TrainingState.Iter)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func captureOptimizer(opt optimizer.Optimizer) *OptimizerState {
	switch o := opt.(type) {
	case *optimizer.SGDOptimizerState:
		state := &OptimizerState{Type: "SGD", StepCount: o.StepCount}
		for i, m := range o.MomentumBuffers {
			state.StateData = append(state.StateData, OptimizerTensor{Index: i, Data: append([]float64(nil), m...), StateType: "momentum"})
		}
		return state
	case *optimizer.AdamOptimizerState:
		state := &OptimizerState{Type: "Adam", StepCount: o.StepCount}
		for i, m := range o.MomentumBuffers {
			state.StateData = append(state.StateData, OptimizerTensor{Index: i, Data: append([]float64(nil), m...), StateType: "momentum"})
		}
		for i, v := range o.VarianceBuffers {
			state.StateData = append(state.StateData, OptimizerTensor{Index: i, Data: append([]float64(nil), v...), StateType: "variance"})
		}
		return state
	default:
		return nil
	}
}

func restoreOptimizer(opt optimizer.Optimizer, state *OptimizerState) error {
	var buffers map[string][][]float64
	var steps *uint64

	switch o := opt.(type) {
	case *optimizer.SGDOptimizerState:
		if state.Type != "SGD" {
			return errors.Errorf("checkpoint holds %s state, solver uses SGD", state.Type)
		}
		buffers = map[string][][]float64{"momentum": o.MomentumBuffers}
		steps = &o.StepCount
	case *optimizer.AdamOptimizerState:
		if state.Type != "Adam" {
			return errors.Errorf("checkpoint holds %s state, solver uses Adam", state.Type)
		}
		buffers = map[string][][]float64{"momentum": o.MomentumBuffers, "variance": o.VarianceBuffers}
		steps = &o.StepCount
	default:
		return errors.Errorf("cannot restore state into %T", opt)
	}

	for _, t := range state.StateData {
		bufs, ok := buffers[t.StateType]
		if !ok || t.Index < 0 || t.Index >= len(bufs) {
			return errors.Errorf("unexpected %s buffer for parameter %d", t.StateType, t.Index)
		}
		if len(bufs[t.Index]) != len(t.Data) {
			return errors.Errorf("%s buffer %d holds %d values, optimizer needs %d",
				t.StateType, t.Index, len(t.Data), len(bufs[t.Index]))
		}
	}
	for _, t := range state.StateData {
		copy(buffers[t.StateType][t.Index], t.Data)
	}
	*steps = state.StepCount
	return nil
}
