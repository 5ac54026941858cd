package memory

import (
	"sync"

	"github.com/pkg/errors"
)

type copyOp struct {
	dst *Buffer
	src *Buffer
}

// Stream is an ordered, non-blocking transfer queue bound to one device.
// Copies enqueued with CopyAsync run in order on the stream's own goroutine;
// Synchronize waits for all of them.
type Stream struct {
	device  Device
	ops     chan copyOp
	pending sync.WaitGroup
	done    chan struct{}

	mu     sync.Mutex // guards closed and sends on ops
	closed bool

	errMu sync.Mutex
	err   error
}

// NewStream creates a transfer stream for device
func NewStream(device Device) *Stream {
	s := &Stream{
		device: device,
		ops:    make(chan copyOp, 16),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Stream) run() {
	defer close(s.done)
	for op := range s.ops {
		if err := op.dst.CopyFrom(op.src); err != nil {
			s.errMu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.errMu.Unlock()
		}
		s.pending.Done()
	}
}

// Device returns the device the stream is bound to
func (s *Stream) Device() Device {
	return s.device
}

// CopyAsync enqueues a copy of src into dst. The destination must live on the
// stream's device. Neither buffer may be touched until Synchronize returns.
func (s *Stream) CopyAsync(dst, src *Buffer) error {
	if dst == nil || src == nil {
		return errors.New("copy buffers cannot be nil")
	}
	if dst.Device() != s.device {
		return errors.Wrapf(ErrDeviceMismatch, "stream on %s, destination on %s", s.device, dst.Device())
	}
	if dst.Len() != src.Len() {
		return errors.Wrapf(ErrSizeMismatch, "dst %d elements vs src %d elements", dst.Len(), src.Len())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream is closed")
	}
	s.pending.Add(1)
	s.ops <- copyOp{dst: dst, src: src}
	return nil
}

// Synchronize blocks until every enqueued copy has completed and returns the
// first transfer error since the previous Synchronize.
func (s *Stream) Synchronize() error {
	s.pending.Wait()

	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	if err != nil {
		return errors.Wrapf(err, "transfer on %s failed", s.device)
	}
	return nil
}

// Close drains the stream and stops its goroutine
func (s *Stream) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ops)
	}
	s.mu.Unlock()
	<-s.done
}

// PeerCopy copies src into dst directly between two devices
func PeerCopy(dst, src *Buffer) error {
	if dst == nil || src == nil {
		return errors.New("peer copy buffers cannot be nil")
	}
	if err := dst.CopyFrom(src); err != nil {
		return errors.Wrapf(err, "peer copy %s -> %s", src.Device(), dst.Device())
	}
	return nil
}
