package checkpoints

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the checkpoint message and its nested messages
const (
	checkpointWeight    protowire.Number = 1
	checkpointTraining  protowire.Number = 2
	checkpointOptimizer protowire.Number = 3
	checkpointMetadata  protowire.Number = 4

	weightName  protowire.Number = 1
	weightShape protowire.Number = 2
	weightData  protowire.Number = 3

	trainingIter protowire.Number = 1
	trainingLR   protowire.Number = 2
	trainingLoss protowire.Number = 3

	optimizerType  protowire.Number = 1
	optimizerSteps protowire.Number = 2
	optimizerState protowire.Number = 3

	stateIndex protowire.Number = 1
	stateData  protowire.Number = 2
	stateType  protowire.Number = 3

	metaVersion     protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaCreatedAt   protowire.Number = 3
	metaDescription protowire.Number = 4
	metaTags        protowire.Number = 5
)

// Marshal encodes the checkpoint in protobuf wire format
func (cp *Checkpoint) Marshal() []byte {
	var b []byte
	for _, w := range cp.Weights {
		var m []byte
		m = appendString(m, weightName, w.Name)
		m = appendPackedInts(m, weightShape, w.Shape)
		m = appendPackedDoubles(m, weightData, w.Data)
		b = appendMessage(b, checkpointWeight, m)
	}

	var ts []byte
	ts = appendVarint(ts, trainingIter, uint64(cp.TrainingState.Iter))
	ts = appendDouble(ts, trainingLR, cp.TrainingState.LearningRate)
	ts = appendDouble(ts, trainingLoss, cp.TrainingState.Loss)
	b = appendMessage(b, checkpointTraining, ts)

	if state := cp.OptimizerState; state != nil {
		var m []byte
		m = appendString(m, optimizerType, state.Type)
		m = appendVarint(m, optimizerSteps, state.StepCount)
		for _, t := range state.StateData {
			var st []byte
			st = appendVarint(st, stateIndex, uint64(t.Index))
			st = appendPackedDoubles(st, stateData, t.Data)
			st = appendString(st, stateType, t.StateType)
			m = appendMessage(m, optimizerState, st)
		}
		b = appendMessage(b, checkpointOptimizer, m)
	}

	var md []byte
	md = appendString(md, metaVersion, cp.Metadata.Version)
	md = appendString(md, metaFramework, cp.Metadata.Framework)
	if !cp.Metadata.CreatedAt.IsZero() {
		md = appendVarint(md, metaCreatedAt, uint64(cp.Metadata.CreatedAt.UnixNano()))
	}
	md = appendString(md, metaDescription, cp.Metadata.Description)
	for _, tag := range cp.Metadata.Tags {
		md = protowire.AppendTag(md, metaTags, protowire.BytesType)
		md = protowire.AppendString(md, tag)
	}
	b = appendMessage(b, checkpointMetadata, md)
	return b
}

// UnmarshalCheckpoint decodes a checkpoint from protobuf wire format.
// Unknown fields are skipped.
func UnmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case checkpointWeight:
			w, err := unmarshalWeight(v)
			if err != nil {
				return errors.Wrapf(err, "weight %d", len(cp.Weights))
			}
			cp.Weights = append(cp.Weights, w)
		case checkpointTraining:
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				switch {
				case num == trainingIter && typ == protowire.VarintType:
					cp.TrainingState.Iter = int(decodeVarint(v))
				case num == trainingLR && typ == protowire.Fixed64Type:
					cp.TrainingState.LearningRate = decodeDouble(v)
				case num == trainingLoss && typ == protowire.Fixed64Type:
					cp.TrainingState.Loss = decodeDouble(v)
				}
				return nil
			})
		case checkpointOptimizer:
			state, err := unmarshalOptimizer(v)
			if err != nil {
				return errors.Wrap(err, "optimizer state")
			}
			cp.OptimizerState = state
		case checkpointMetadata:
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				switch {
				case num == metaVersion && typ == protowire.BytesType:
					cp.Metadata.Version = string(v)
				case num == metaFramework && typ == protowire.BytesType:
					cp.Metadata.Framework = string(v)
				case num == metaCreatedAt && typ == protowire.VarintType:
					cp.Metadata.CreatedAt = time.Unix(0, int64(decodeVarint(v)))
				case num == metaDescription && typ == protowire.BytesType:
					cp.Metadata.Description = string(v)
				case num == metaTags && typ == protowire.BytesType:
					cp.Metadata.Tags = append(cp.Metadata.Tags, string(v))
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return cp, nil
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == weightName && typ == protowire.BytesType:
			w.Name = string(v)
		case num == weightShape && typ == protowire.BytesType:
			dims, err := decodePackedInts(v)
			if err != nil {
				return err
			}
			w.Shape = append(w.Shape, dims...)
		case num == weightData && typ == protowire.BytesType:
			vals, err := decodePackedDoubles(v)
			if err != nil {
				return err
			}
			w.Data = append(w.Data, vals...)
		}
		return nil
	})
	return w, err
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	state := &OptimizerState{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == optimizerType && typ == protowire.BytesType:
			state.Type = string(v)
		case num == optimizerSteps && typ == protowire.VarintType:
			state.StepCount = decodeVarint(v)
		case num == optimizerState && typ == protowire.BytesType:
			var t OptimizerTensor
			err := walk(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				switch {
				case num == stateIndex && typ == protowire.VarintType:
					t.Index = int(decodeVarint(v))
				case num == stateData && typ == protowire.BytesType:
					vals, err := decodePackedDoubles(v)
					if err != nil {
						return err
					}
					t.Data = append(t.Data, vals...)
				case num == stateType && typ == protowire.BytesType:
					t.StateType = string(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			state.StateData = append(state.StateData, t)
		}
		return nil
	})
	return state, err
}

// walk calls fn for every field of a message. For length-delimited fields v
// is the payload; for scalar fields v is the raw encoded value.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return errors.Wrapf(protowire.ParseError(m), "field %d", num)
		}
		v := b[:m]
		if typ == protowire.BytesType {
			v, _ = protowire.ConsumeBytes(v)
		}
		if err := fn(num, typ, v); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func decodeVarint(v []byte) uint64 {
	x, _ := protowire.ConsumeVarint(v)
	return x
}

func decodeDouble(v []byte) float64 {
	x, _ := protowire.ConsumeFixed64(v)
	return math.Float64frombits(x)
}

func decodePackedInts(b []byte) ([]int, error) {
	var vals []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		vals = append(vals, int(int64(v)))
		b = b[n:]
	}
	return vals, nil
}

func decodePackedDoubles(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, errors.Errorf("packed double length %d is not a multiple of 8", len(b))
	}
	vals := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		vals = append(vals, math.Float64frombits(v))
		b = b[n:]
	}
	return vals, nil
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedInts(b []byte, num protowire.Number, vals []int) []byte {
	if len(vals) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	return appendMessage(b, num, packed)
}

func appendPackedDoubles(b []byte, num protowire.Number, vals []float64) []byte {
	if len(vals) == 0 {
		return b
	}
	packed := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendMessage(b, num, packed)
}
