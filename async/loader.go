package async

import (
	"context"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tsawler/go-dataparallel/dataset"
	"github.com/tsawler/go-dataparallel/memory"
	"github.com/tsawler/go-dataparallel/transform"
)

// Setup errors. These are configuration errors: they are reported before any
// goroutine starts and are never retried.
var (
	ErrInvalidShape = errors.New("sample channels, height and width must be positive")
	ErrCropTooLarge = errors.New("crop size exceeds sample height or width")
	ErrMeanTooSmall = errors.New("mean is smaller than the sample")
)

// LoaderConfig holds configuration for the prefetching loader
type LoaderConfig struct {
	BatchSize     int           // Samples per batch
	PrefetchCount int           // Batches cycling between producer and consumer (default: 3, minimum 2)
	Device        memory.Device // Where the consumer reads batches from
	OutputLabels  bool          // Whether batches carry a label buffer

	// Sample shape; when all zero it is taken from the first datum of the source
	Channels int
	Height   int
	Width    int

	Transform transform.Config
	Mean      *dataset.Blob // Precomputed mean; takes precedence over Transform.MeanFile
	Seed      int64         // Seed for the transformer's random state
}

// DefaultLoaderConfig returns a host-side configuration with triple buffering
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		BatchSize:     32,
		PrefetchCount: 3,
		Device:        memory.CPUDevice(),
		OutputLabels:  true,
		Transform:     transform.DefaultConfig(),
	}
}

// PrefetchingLoader loads and transforms batches on a background worker
// while the consumer reads previously prepared ones.
type PrefetchingLoader struct {
	source      dataset.Source
	transformer transform.Transformer
	memory      *memory.MemoryManager
	config      LoaderConfig

	// Fixed at Setup
	channels, height, width int // sample shape
	outC, outH, outW        int // transformed sample shape
	mean                    *dataset.Blob
	pool                    *BatchPool
	stream                  *memory.Stream
	pending                 *dataset.Datum // datum read during shape inference, produced first

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mutex        sync.Mutex
	isSetup      bool
	isRunning    bool
	batchCounter uint64 // atomic

	errMutex sync.Mutex
	err      error // first fatal worker error
}

// NewPrefetchingLoader creates a loader. transformer may be nil, in which case a
// DataTransformer is built from config.Transform.
func NewPrefetchingLoader(source dataset.Source, transformer transform.Transformer, mm *memory.MemoryManager, config LoaderConfig) (*PrefetchingLoader, error) {
	if source == nil {
		return nil, errors.New("data source cannot be nil")
	}
	if mm == nil {
		return nil, errors.New("memory manager is required")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.PrefetchCount == 0 {
		config.PrefetchCount = 3
	}
	if config.PrefetchCount < 2 {
		return nil, errors.Errorf("prefetch count must be at least 2, got %d", config.PrefetchCount)
	}
	if transformer == nil {
		transformer = transform.NewDataTransformer(config.Transform, config.Seed)
	}

	return &PrefetchingLoader{
		source:      source,
		transformer: transformer,
		memory:      mm,
		config:      config,
	}, nil
}

// Setup validates the sample shape, crop and mean, then allocates the batch
// pool. It starts no goroutines; on error nothing needs cleaning up.
func (pl *PrefetchingLoader) Setup() error {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()
	return pl.setupLocked()
}

func (pl *PrefetchingLoader) setupLocked() error {
	if pl.isSetup {
		return nil
	}

	c, h, w := pl.config.Channels, pl.config.Height, pl.config.Width
	if c == 0 && h == 0 && w == 0 {
		if pl.pending == nil {
			first, err := pl.source.Next()
			if err != nil {
				return errors.Wrap(err, "failed to read first datum for shape inference")
			}
			pl.pending = first
		}
		c, h, w = pl.pending.Channels, pl.pending.Height, pl.pending.Width
	}
	if c <= 0 || h <= 0 || w <= 0 {
		return errors.Wrapf(ErrInvalidShape, "got %dx%dx%d", c, h, w)
	}

	crop := pl.config.Transform.CropSize
	if crop > 0 && (crop > h || crop > w) {
		return errors.Wrapf(ErrCropTooLarge, "crop %d, sample %dx%d", crop, h, w)
	}

	mean := pl.config.Mean
	if mean == nil && pl.config.Transform.MeanFile != "" {
		loaded, err := dataset.LoadMean(pl.config.Transform.MeanFile)
		if err != nil {
			return err
		}
		mean = loaded
	}
	if mean != nil {
		if mean.Num < 1 || mean.Channels < c || mean.Height < h || mean.Width < w {
			return errors.Wrapf(ErrMeanTooSmall, "mean %dx%dx%dx%d, sample %dx%dx%d",
				mean.Num, mean.Channels, mean.Height, mean.Width, c, h, w)
		}
	} else {
		mean = dataset.NewBlob(1, c, h, w)
	}

	pl.channels, pl.height, pl.width = c, h, w
	pl.outC, pl.outH, pl.outW = pl.transformer.OutputShape(c, h, w)
	pl.mean = mean

	labelLen := 0
	if pl.config.OutputLabels {
		labelLen = pl.config.BatchSize
	}
	pool, err := NewBatchPool(pl.memory, pl.config.PrefetchCount, pl.config.BatchSize*pl.outC*pl.outH*pl.outW, labelLen, pl.config.Device)
	if err != nil {
		return errors.Wrap(err, "failed to create batch pool")
	}
	pl.pool = pool

	if pl.config.Device.IsAccelerator() {
		pl.stream = memory.NewStream(pl.config.Device)
	}

	pl.isSetup = true
	return nil
}

// Start sets up the loader if needed, seeds the transformer and launches the worker
func (pl *PrefetchingLoader) Start() error {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()

	if pl.isRunning {
		return errors.New("data loader is already running")
	}
	if err := pl.setupLocked(); err != nil {
		return err
	}

	pl.transformer.Seed(pl.config.Seed)
	pl.setErr(nil)
	pl.ctx, pl.cancel = context.WithCancel(context.Background())

	pl.wg.Add(1)
	go pl.worker(pl.ctx)

	pl.isRunning = true
	return nil
}

// Stop cancels the worker and waits for it to exit. Batches already published
// stay in the full queue and are served after a restart.
func (pl *PrefetchingLoader) Stop() error {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()

	if !pl.isRunning {
		return nil
	}

	pl.cancel()
	pl.wg.Wait()
	pl.isRunning = false
	return nil
}

// Close stops the loader and frees every batch
func (pl *PrefetchingLoader) Close() error {
	if err := pl.Stop(); err != nil {
		return err
	}

	pl.mutex.Lock()
	defer pl.mutex.Unlock()

	if pl.stream != nil {
		pl.stream.Close()
		pl.stream = nil
	}
	if pl.pool != nil {
		pl.pool.Release()
		pl.pool = nil
	}
	pl.isSetup = false
	return nil
}

// worker fills free batches until the context is cancelled or a fatal error occurs
func (pl *PrefetchingLoader) worker(ctx context.Context) {
	defer pl.wg.Done()

	if pl.config.Device.IsAccelerator() {
		// Transfers are issued from one OS thread bound to the device
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	log.Printf("Prefetch device %s", pl.config.Device)

	for ctx.Err() == nil {
		batch, err := pl.pool.AcquireFree(ctx)
		if err != nil {
			return
		}

		if err := pl.loadBatch(batch); err != nil {
			pl.fail(batch, err)
			return
		}

		if pl.stream != nil {
			if err := pl.stage(batch); err != nil {
				pl.fail(batch, err)
				return
			}
		}

		if err := pl.pool.PublishFull(batch); err != nil {
			pl.fail(batch, err)
			return
		}
	}
}

// loadBatch fills a batch from the source, one datum per slot
func (pl *PrefetchingLoader) loadBatch(batch *Batch) error {
	data := batch.Data.Float64s()
	var labels []float64
	if batch.Label != nil {
		labels = batch.Label.Float64s()
	}
	per := pl.outC * pl.outH * pl.outW

	for i := 0; i < pl.config.BatchSize; i++ {
		datum, err := pl.nextDatum()
		if err != nil {
			return errors.Wrap(err, "failed to load datum")
		}
		if datum.Channels != pl.channels || datum.Height != pl.height || datum.Width != pl.width {
			return errors.Wrapf(ErrInvalidShape, "datum %dx%dx%d differs from %dx%dx%d",
				datum.Channels, datum.Height, datum.Width, pl.channels, pl.height, pl.width)
		}
		if err := pl.transformer.Transform(datum, pl.mean, data[i*per:(i+1)*per]); err != nil {
			return errors.Wrap(err, "failed to transform datum")
		}
		if labels != nil {
			labels[i] = float64(datum.Label)
		}
	}

	batch.ID = atomic.AddUint64(&pl.batchCounter, 1) - 1
	return nil
}

func (pl *PrefetchingLoader) nextDatum() (*dataset.Datum, error) {
	if pl.pending != nil {
		d := pl.pending
		pl.pending = nil
		return d, nil
	}
	return pl.source.Next()
}

// stage copies a populated batch to the device and waits for the transfer so
// the batch is only published once resident where the consumer reads it
func (pl *PrefetchingLoader) stage(batch *Batch) error {
	if err := pl.stream.CopyAsync(batch.DeviceData, batch.Data); err != nil {
		return err
	}
	if batch.Label != nil {
		if err := pl.stream.CopyAsync(batch.DeviceLabel, batch.Label); err != nil {
			return err
		}
	}
	return pl.stream.Synchronize()
}

func (pl *PrefetchingLoader) fail(batch *Batch, err error) {
	log.Printf("Prefetch worker failed: %v", err)
	pl.setErr(err)
	_ = pl.pool.Abandon(batch)
	pl.cancel()
}

func (pl *PrefetchingLoader) setErr(err error) {
	pl.errMutex.Lock()
	defer pl.errMutex.Unlock()
	if err == nil || pl.err == nil {
		pl.err = err
	}
}

// Err returns the worker's fatal error, if any
func (pl *PrefetchingLoader) Err() error {
	pl.errMutex.Lock()
	defer pl.errMutex.Unlock()
	return pl.err
}

// GetBatch returns the next ready batch, blocking until one is available. The
// caller owns the batch until it hands it back with Recycle.
func (pl *PrefetchingLoader) GetBatch(ctx context.Context) (*Batch, error) {
	pl.mutex.Lock()
	if !pl.isSetup {
		pl.mutex.Unlock()
		return nil, errors.New("data loader has not been set up")
	}
	pool, loaderCtx := pl.pool, pl.ctx
	pl.mutex.Unlock()

	if loaderCtx == nil {
		// Never started: only already published batches can be served
		if b, ok := pool.full.TryPop(); ok {
			if err := pool.transition(b, Full, Consuming); err != nil {
				return nil, err
			}
			return b, nil
		}
		return nil, errors.Wrap(ErrStopped, "data loader has not been started")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(loaderCtx, cancel)
	defer stop()

	batch, err := pool.AcquireFull(ctx)
	if err != nil {
		if werr := pl.Err(); werr != nil {
			return nil, errors.Wrap(werr, "data loader error")
		}
		return nil, err
	}
	return batch, nil
}

// Recycle hands a consumed batch back to the producer
func (pl *PrefetchingLoader) Recycle(batch *Batch) error {
	pl.mutex.Lock()
	pool := pl.pool
	pl.mutex.Unlock()
	if pool == nil {
		return errors.New("data loader has been closed")
	}
	return pool.Recycle(batch)
}

// Forward copies the next ready batch into data (and label when produced),
// then returns the batch to the free queue.
func (pl *PrefetchingLoader) Forward(ctx context.Context, data, label []float64) error {
	batch, err := pl.GetBatch(ctx)
	if err != nil {
		return err
	}

	src := batch.InputData().Float64s()
	if len(data) != len(src) {
		_ = pl.Recycle(batch)
		return errors.Errorf("destination holds %d values, batch has %d", len(data), len(src))
	}
	copy(data, src)

	if lb := batch.InputLabel(); lb != nil && label != nil {
		ls := lb.Float64s()
		if len(label) != len(ls) {
			_ = pl.Recycle(batch)
			return errors.Errorf("label destination holds %d values, batch has %d", len(label), len(ls))
		}
		copy(label, ls)
	}

	return pl.Recycle(batch)
}

// DataShape returns the batch data shape (batch, channels, height, width).
// Valid after Setup.
func (pl *PrefetchingLoader) DataShape() []int {
	return []int{pl.config.BatchSize, pl.outC, pl.outH, pl.outW}
}

// LabelShape returns the batch label shape, nil when labels are not produced
func (pl *PrefetchingLoader) LabelShape() []int {
	if !pl.config.OutputLabels {
		return nil
	}
	return []int{pl.config.BatchSize}
}

// Pool exposes the batch pool for ownership inspection
func (pl *PrefetchingLoader) Pool() *BatchPool {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()
	return pl.pool
}

// Stats returns statistics about the data loader
func (pl *PrefetchingLoader) Stats() LoaderStats {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()

	stats := LoaderStats{
		IsRunning:       pl.isRunning,
		BatchesProduced: atomic.LoadUint64(&pl.batchCounter),
		PrefetchCount:   pl.config.PrefetchCount,
		Device:          pl.config.Device,
	}
	if pl.pool != nil {
		stats.Census = pl.pool.Census()
	}
	return stats
}

// LoaderStats provides statistics about the data loader
type LoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	PrefetchCount   int
	Device          memory.Device
	Census          Census
}
