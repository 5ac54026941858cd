package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Buffer is a device-resident array of float64 elements with reference
// counting. Its backing storage comes from the owning MemoryManager's pools.
type Buffer struct {
	data       []float64 // pooled backing slice, len == pool tier size
	length     int       // logical element count
	device     Device
	refCount   *int32
	pooled     bool
	generation uint64 // for debugging use-after-free
	manager    *MemoryManager
}

// Global generation counter for debugging
var globalGeneration uint64

// Retain increments the reference count and returns the same buffer
func (b *Buffer) Retain() *Buffer {
	if b.refCount == nil {
		panic("buffer already released")
	}
	atomic.AddInt32(b.refCount, 1)
	return b
}

// Release decrements the reference count and returns storage to the pool when it reaches 0
func (b *Buffer) Release() {
	if b.refCount == nil {
		return
	}

	if atomic.AddInt32(b.refCount, -1) == 0 {
		if b.pooled && b.manager != nil {
			b.manager.returnStorage(b.data, b.device)
		}
		b.data = nil
		b.refCount = nil
	}
}

// Len returns the logical number of elements
func (b *Buffer) Len() int {
	return b.length
}

// Device returns the device the buffer lives on
func (b *Buffer) Device() Device {
	return b.device
}

// Float64s exposes the buffer contents. Only the current owner of the buffer
// may read or write the returned slice.
func (b *Buffer) Float64s() []float64 {
	if b.data == nil {
		panic("buffer data is nil - buffer may have been released")
	}
	return b.data[:b.length]
}

// Released reports whether the storage has been returned
func (b *Buffer) Released() bool {
	return b.refCount == nil
}

// Zero clears the buffer contents
func (b *Buffer) Zero() {
	clear(b.Float64s())
}

// CopyFrom copies src into b. Both buffers must be live and the same length.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if src == nil {
		return errors.New("source buffer is nil")
	}
	if b.data == nil {
		return errors.New("destination buffer has been released")
	}
	if src.data == nil {
		return errors.New("source buffer has been released")
	}
	if b.length != src.length {
		return errors.Wrapf(ErrSizeMismatch, "dst %d elements vs src %d elements", b.length, src.length)
	}
	copy(b.data[:b.length], src.data[:src.length])
	return nil
}

// RefCount returns the current reference count (for debugging)
func (b *Buffer) RefCount() int32 {
	if b.refCount == nil {
		return 0
	}
	return atomic.LoadInt32(b.refCount)
}

// String returns a string representation for debugging
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer{len=%d, device=%s, refs=%d, gen=%d}",
		b.length, b.device, b.RefCount(), b.generation)
}
