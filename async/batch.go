package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-dataparallel/memory"
)

// BatchState names the single owner a Batch has at any instant
type BatchState int

const (
	Free      BatchState = iota // in the free queue
	Producing                   // held by the prefetch worker
	Full                        // in the full queue
	Consuming                   // held by the consumer
)

func (s BatchState) String() string {
	switch s {
	case Free:
		return "free"
	case Producing:
		return "producing"
	case Full:
		return "full"
	case Consuming:
		return "consuming"
	default:
		return fmt.Sprintf("BatchState(%d)", int(s))
	}
}

// Batch is a reusable sample/label buffer pair. Its identity is its slot in
// the pool; contents are overwritten every cycle.
type Batch struct {
	Data  *memory.Buffer // host-side transformed samples
	Label *memory.Buffer // host-side labels, nil when labels are not produced

	// Copies resident on the consuming accelerator, nil on the host
	DeviceData  *memory.Buffer
	DeviceLabel *memory.Buffer

	Slot int    // position in the pool, fixed for the batch's lifetime
	ID   uint64 // sequence number of the contents currently held

	state BatchState
}

// State returns the batch's current owner
func (b *Batch) State() BatchState {
	return b.state
}

// InputData returns the sample buffer the consumer should read from
func (b *Batch) InputData() *memory.Buffer {
	if b.DeviceData != nil {
		return b.DeviceData
	}
	return b.Data
}

// InputLabel returns the label buffer the consumer should read from
func (b *Batch) InputLabel() *memory.Buffer {
	if b.DeviceLabel != nil {
		return b.DeviceLabel
	}
	return b.Label
}

// Census counts batches per owner
type Census struct {
	Free      int
	Producing int
	Full      int
	Consuming int
}

// Total returns the number of batches accounted for
func (c Census) Total() int {
	return c.Free + c.Producing + c.Full + c.Consuming
}

// BatchPool owns a fixed set of batches cycling free -> full -> free. Queue
// hand-off is the only synchronization on batch contents: whoever popped a
// batch owns it until pushing it on.
type BatchPool struct {
	batches []*Batch
	free    *BlockingQueue[*Batch]
	full    *BlockingQueue[*Batch]

	mu     sync.Mutex // guards batch states and census
	census Census
}

// NewBatchPool allocates count batches with dataLen samples and labelLen
// labels each (labelLen 0 disables labels). When device is an accelerator
// every batch also gets device-resident copies.
func NewBatchPool(mm *memory.MemoryManager, count, dataLen, labelLen int, device memory.Device) (*BatchPool, error) {
	if mm == nil {
		return nil, errors.New("memory manager is required")
	}
	if count < 2 {
		return nil, errors.Errorf("batch pool needs at least 2 batches, got %d", count)
	}
	if dataLen <= 0 {
		return nil, errors.Errorf("batch data length must be positive, got %d", dataLen)
	}

	pool := &BatchPool{
		batches: make([]*Batch, 0, count),
		free:    NewBlockingQueue[*Batch](),
		full:    NewBlockingQueue[*Batch](),
	}

	for i := 0; i < count; i++ {
		batch, err := newBatch(mm, i, dataLen, labelLen, device)
		if err != nil {
			pool.Release()
			return nil, errors.Wrapf(err, "failed to allocate batch %d", i)
		}
		pool.batches = append(pool.batches, batch)
		pool.free.Push(batch)
		pool.census.Free++
	}

	return pool, nil
}

func newBatch(mm *memory.MemoryManager, slot, dataLen, labelLen int, device memory.Device) (*Batch, error) {
	b := &Batch{Slot: slot, state: Free}
	host := memory.CPUDevice()

	var err error
	if b.Data, err = mm.NewBuffer(dataLen, host); err != nil {
		return nil, err
	}
	if labelLen > 0 {
		if b.Label, err = mm.NewBuffer(labelLen, host); err != nil {
			b.release()
			return nil, err
		}
	}
	if device.IsAccelerator() {
		if b.DeviceData, err = mm.NewBuffer(dataLen, device); err != nil {
			b.release()
			return nil, err
		}
		if labelLen > 0 {
			if b.DeviceLabel, err = mm.NewBuffer(labelLen, device); err != nil {
				b.release()
				return nil, err
			}
		}
	}
	return b, nil
}

func (b *Batch) release() {
	for _, buf := range []*memory.Buffer{b.Data, b.Label, b.DeviceData, b.DeviceLabel} {
		if buf != nil {
			buf.Release()
		}
	}
}

func (p *BatchPool) transition(b *Batch, from, to BatchState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.state != from {
		return errors.Errorf("batch %d is %s, expected %s", b.Slot, b.state, from)
	}
	b.state = to
	p.adjust(from, -1)
	p.adjust(to, 1)
	return nil
}

func (p *BatchPool) adjust(s BatchState, delta int) {
	switch s {
	case Free:
		p.census.Free += delta
	case Producing:
		p.census.Producing += delta
	case Full:
		p.census.Full += delta
	case Consuming:
		p.census.Consuming += delta
	}
}

// AcquireFree pops a free batch for filling, blocking until one is returned
func (p *BatchPool) AcquireFree(ctx context.Context) (*Batch, error) {
	b, err := p.free.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.transition(b, Free, Producing); err != nil {
		return nil, err
	}
	return b, nil
}

// PublishFull hands a filled batch to the consumer side
func (p *BatchPool) PublishFull(b *Batch) error {
	if err := p.transition(b, Producing, Full); err != nil {
		return err
	}
	p.full.Push(b)
	return nil
}

// Abandon returns a batch the producer could not fill to the free queue
func (p *BatchPool) Abandon(b *Batch) error {
	if err := p.transition(b, Producing, Free); err != nil {
		return err
	}
	p.free.Push(b)
	return nil
}

// AcquireFull pops the oldest filled batch, blocking until one is published
func (p *BatchPool) AcquireFull(ctx context.Context) (*Batch, error) {
	b, err := p.full.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.transition(b, Full, Consuming); err != nil {
		return nil, err
	}
	return b, nil
}

// Recycle returns a consumed batch to the free queue
func (p *BatchPool) Recycle(b *Batch) error {
	if err := p.transition(b, Consuming, Free); err != nil {
		return err
	}
	p.free.Push(b)
	return nil
}

// Census returns a consistent snapshot of batch ownership
func (p *BatchPool) Census() Census {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.census
}

// Size returns the number of batches in the pool
func (p *BatchPool) Size() int {
	return len(p.batches)
}

// Release frees every batch's memory. The pool must not be used afterwards.
func (p *BatchPool) Release() {
	for _, b := range p.batches {
		b.release()
	}
	p.batches = nil
}
