package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrOutOfMemory is returned when a device has no capacity left for an allocation
	ErrOutOfMemory = errors.New("device out of memory")
	// ErrSizeMismatch is returned when a copy's source and destination differ in length
	ErrSizeMismatch = errors.New("buffer size mismatch")
	// ErrDeviceMismatch is returned when an operation receives a buffer from the wrong device
	ErrDeviceMismatch = errors.New("buffer device mismatch")
)

// BufferPool manages a pool of backing slices of a specific size
type BufferPool struct {
	buffers    chan []float64 // Available slices
	maxSize    int            // Pool size limit
	bufferSize int            // Fixed element count for this pool
	device     Device
	allocated  int          // Current number of allocated slices
	mutex      sync.RWMutex // Protects allocated counter
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(bufferSize int, maxSize int, device Device) *BufferPool {
	return &BufferPool{
		buffers:    make(chan []float64, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
		device:     device,
	}
}

// Get retrieves a slice from the pool or allocates a new one
func (bp *BufferPool) Get() []float64 {
	select {
	case buffer := <-bp.buffers:
		return buffer
	default:
		bp.mutex.Lock()
		bp.allocated++
		bp.mutex.Unlock()
		return make([]float64, bp.bufferSize)
	}
}

// Return puts a slice back into the pool
func (bp *BufferPool) Return(buffer []float64) {
	if buffer == nil {
		return
	}

	select {
	case bp.buffers <- buffer:
	default:
		// Pool is full, let the slice go
		bp.mutex.Lock()
		bp.allocated--
		bp.mutex.Unlock()
	}
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() (available int, allocated int, maxSize int) {
	bp.mutex.RLock()
	defer bp.mutex.RUnlock()
	return len(bp.buffers), bp.allocated, bp.maxSize
}

// PoolKey represents a key for the buffer pool map
type PoolKey struct {
	Size   int
	Device Device
}

// MemoryManager hands out pooled buffers per device and enforces optional
// per-device capacity limits. It stands in for the accelerator runtime's
// allocator: buffers on different devices never share storage.
type MemoryManager struct {
	pools      map[PoolKey]*BufferPool
	poolsMutex sync.RWMutex

	// Pool size tiers (in elements)
	poolSizes []int

	usageMutex sync.Mutex
	capacity   map[Device]int // elements; missing or 0 means unlimited
	inUse      map[Device]int
}

// Default pool sizes in elements: 256 up to 16M, growing by 4x
var defaultPoolSizes = []int{
	256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216,
}

// NewMemoryManager creates a new memory manager
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		pools:     make(map[PoolKey]*BufferPool),
		poolSizes: defaultPoolSizes,
		capacity:  make(map[Device]int),
		inUse:     make(map[Device]int),
	}
}

// SetCapacity limits the number of elements that may be live on a device at once
func (mm *MemoryManager) SetCapacity(device Device, elements int) {
	mm.usageMutex.Lock()
	defer mm.usageMutex.Unlock()
	mm.capacity[device] = elements
}

// InUse returns the number of pooled elements currently held by live buffers on a device
func (mm *MemoryManager) InUse(device Device) int {
	mm.usageMutex.Lock()
	defer mm.usageMutex.Unlock()
	return mm.inUse[device]
}

// NewBuffer allocates a zeroed buffer of n elements on device
func (mm *MemoryManager) NewBuffer(n int, device Device) (*Buffer, error) {
	if n <= 0 {
		return nil, errors.Errorf("buffer length must be positive, got %d", n)
	}

	poolSize := mm.findPoolSize(n)

	mm.usageMutex.Lock()
	if limit := mm.capacity[device]; limit > 0 && mm.inUse[device]+poolSize > limit {
		used := mm.inUse[device]
		mm.usageMutex.Unlock()
		return nil, errors.Wrapf(ErrOutOfMemory, "%s: requested %d elements, %d of %d in use",
			device, poolSize, used, limit)
	}
	mm.inUse[device] += poolSize
	mm.usageMutex.Unlock()

	data := mm.getOrCreatePool(PoolKey{Size: poolSize, Device: device}).Get()
	clear(data[:n])

	refCount := int32(1)
	return &Buffer{
		data:       data,
		length:     n,
		device:     device,
		refCount:   &refCount,
		pooled:     true,
		generation: atomic.AddUint64(&globalGeneration, 1),
		manager:    mm,
	}, nil
}

// returnStorage returns a buffer's backing slice to its pool
func (mm *MemoryManager) returnStorage(data []float64, device Device) {
	key := PoolKey{Size: len(data), Device: device}

	mm.poolsMutex.RLock()
	pool, exists := mm.pools[key]
	mm.poolsMutex.RUnlock()

	if exists {
		pool.Return(data)
	}

	mm.usageMutex.Lock()
	mm.inUse[device] -= len(data)
	mm.usageMutex.Unlock()
}

// findPoolSize finds the smallest pool size that can accommodate the request
func (mm *MemoryManager) findPoolSize(size int) int {
	for _, poolSize := range mm.poolSizes {
		if poolSize >= size {
			return poolSize
		}
	}
	// If size is larger than largest pool, use the requested size
	return size
}

// getOrCreatePool gets an existing pool or creates a new one
func (mm *MemoryManager) getOrCreatePool(key PoolKey) *BufferPool {
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[key]
	mm.poolsMutex.RUnlock()

	if exists {
		return pool
	}

	mm.poolsMutex.Lock()
	defer mm.poolsMutex.Unlock()

	// Double-check after acquiring write lock
	if pool, exists := mm.pools[key]; exists {
		return pool
	}

	pool = NewBufferPool(key.Size, calculateMaxPoolSize(key.Size), key.Device)
	mm.pools[key] = pool
	return pool
}

// calculateMaxPoolSize determines the maximum number of slices kept for a pool
func calculateMaxPoolSize(bufferSize int) int {
	// Smaller buffers get larger pools
	switch {
	case bufferSize <= 1024:
		return 100
	case bufferSize <= 16384:
		return 50
	case bufferSize <= 262144:
		return 20
	case bufferSize <= 4194304:
		return 10
	default:
		return 5
	}
}

// Stats returns memory manager statistics
func (mm *MemoryManager) Stats() map[PoolKey]string {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	stats := make(map[PoolKey]string)
	for key, pool := range mm.pools {
		available, allocated, maxSize := pool.Stats()
		stats[key] = fmt.Sprintf("available=%d, allocated=%d, max=%d",
			available, allocated, maxSize)
	}

	return stats
}
