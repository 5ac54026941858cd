package parallel

import (
	"github.com/pkg/errors"
	"github.com/tsawler/go-dataparallel/memory"
	"github.com/tsawler/go-dataparallel/training"
)

// Params holds every learnable parameter of a net in two contiguous buffers
// on one device: one for values and one for gradients. Offsets are identical
// on every replica so whole-model transfers are single copies.
type Params struct {
	device  memory.Device
	size    int
	offsets []int
	shapes  [][]int
	data    *memory.Buffer
	diff    *memory.Buffer
}

// NewParams sizes the buffers from the root net's parameters, copies the
// root's values into data and zeroes diff
func NewParams(root []*training.Param, device memory.Device, mm *memory.MemoryManager) (*Params, error) {
	if len(root) == 0 {
		return nil, errors.New("net has no learnable parameters")
	}
	if mm == nil {
		return nil, errors.New("memory manager is required")
	}

	p := &Params{
		device:  device,
		offsets: make([]int, len(root)),
		shapes:  make([][]int, len(root)),
	}
	for i, param := range root {
		n := param.Count()
		if n <= 0 {
			return nil, errors.Errorf("parameter %s has no elements", param)
		}
		if len(param.Data) != n {
			return nil, errors.Errorf("parameter %s holds %d values, shape implies %d", param, len(param.Data), n)
		}
		p.offsets[i] = p.size
		p.shapes[i] = append([]int(nil), param.Shape...)
		p.size += n
	}

	var err error
	if p.data, err = mm.NewBuffer(p.size, device); err != nil {
		return nil, errors.Wrapf(err, "failed to allocate parameter data on %s", device)
	}
	if p.diff, err = mm.NewBuffer(p.size, device); err != nil {
		p.data.Release()
		return nil, errors.Wrapf(err, "failed to allocate parameter diff on %s", device)
	}

	data := p.data.Float64s()
	for i, param := range root {
		copy(data[p.offsets[i]:], param.Data)
	}
	return p, nil
}

// Configure points each parameter of a replica at its region of the flat
// buffers. Shapes must match the root's.
func (p *Params) Configure(params []*training.Param) error {
	if len(params) != len(p.shapes) {
		return errors.Errorf("replica has %d parameters, root has %d", len(params), len(p.shapes))
	}
	for i, param := range params {
		if !sameShape(param.Shape, p.shapes[i]) {
			return errors.Errorf("parameter %d: replica shape %v, root shape %v", i, param.Shape, p.shapes[i])
		}
	}

	data, diff := p.data.Float64s(), p.diff.Float64s()
	for i, param := range params {
		lo, hi := p.offsets[i], p.offsets[i]+param.Count()
		param.Data = data[lo:hi:hi]
		param.Diff = diff[lo:hi:hi]
	}
	return nil
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

// detach gives each parameter its own copy of its current values and
// gradients so the flat buffers can be released
func detach(params []*training.Param) {
	for _, param := range params {
		param.Data = append([]float64(nil), param.Data...)
		param.Diff = append([]float64(nil), param.Diff...)
	}
}

// Size returns the total number of elements across all parameters
func (p *Params) Size() int {
	return p.size
}

// Offsets returns the start of each parameter within the flat buffers
func (p *Params) Offsets() []int {
	return append([]int(nil), p.offsets...)
}

// Device returns the device holding the buffers
func (p *Params) Device() memory.Device {
	return p.device
}

// Data returns the parameter values buffer
func (p *Params) Data() *memory.Buffer {
	return p.data
}

// Diff returns the gradient buffer
func (p *Params) Diff() *memory.Buffer {
	return p.diff
}

// Release returns both buffers to the memory manager
func (p *Params) Release() {
	if p.data != nil {
		p.data.Release()
		p.data = nil
	}
	if p.diff != nil {
		p.diff.Release()
		p.diff = nil
	}
}
