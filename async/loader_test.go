package async

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-dataparallel/dataset"
	"github.com/tsawler/go-dataparallel/memory"
	"github.com/tsawler/go-dataparallel/transform"
)

// SequenceSource yields datums whose pixels and label all equal a running
// counter, optionally sleeping before each one to model slow I/O
type SequenceSource struct {
	channels, height, width int
	delay                   time.Duration
	next                    int64
	failAt                  int64 // 0 disables failure
}

func NewSequenceSource(c, h, w int) *SequenceSource {
	return &SequenceSource{channels: c, height: h, width: w}
}

func (s *SequenceSource) Next() (*dataset.Datum, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	n := atomic.AddInt64(&s.next, 1) - 1
	if s.failAt > 0 && n >= s.failAt {
		return nil, errors.New("disk read failed")
	}
	data := make([]byte, s.channels*s.height*s.width)
	for i := range data {
		data[i] = byte(n % 256)
	}
	return &dataset.Datum{Channels: s.channels, Height: s.height, Width: s.width, Data: data, Label: int32(n)}, nil
}

func newTestLoader(t *testing.T, src dataset.Source, batchSize, prefetch int, device memory.Device) *PrefetchingLoader {
	t.Helper()
	cfg := DefaultLoaderConfig()
	cfg.BatchSize = batchSize
	cfg.PrefetchCount = prefetch
	cfg.Device = device
	loader, err := NewPrefetchingLoader(src, nil, memory.NewMemoryManager(), cfg)
	if err != nil {
		t.Fatalf("NewPrefetchingLoader failed: %v", err)
	}
	return loader
}

// TestLoaderConfigValidation tests constructor checks
func TestLoaderConfigValidation(t *testing.T) {
	mm := memory.NewMemoryManager()
	src := NewSequenceSource(1, 2, 2)

	if _, err := NewPrefetchingLoader(nil, nil, mm, DefaultLoaderConfig()); err == nil {
		t.Error("Expected error for nil source")
	}
	if _, err := NewPrefetchingLoader(src, nil, nil, DefaultLoaderConfig()); err == nil {
		t.Error("Expected error for nil memory manager")
	}

	cfg := DefaultLoaderConfig()
	cfg.BatchSize = 0
	if _, err := NewPrefetchingLoader(src, nil, mm, cfg); err == nil {
		t.Error("Expected error for zero batch size")
	}

	cfg = DefaultLoaderConfig()
	cfg.PrefetchCount = 1
	if _, err := NewPrefetchingLoader(src, nil, mm, cfg); err == nil {
		t.Error("Expected error for single prefetch buffer")
	}

	cfg = DefaultLoaderConfig()
	cfg.PrefetchCount = 0
	loader, err := NewPrefetchingLoader(src, nil, mm, cfg)
	if err != nil {
		t.Fatalf("NewPrefetchingLoader failed: %v", err)
	}
	if loader.config.PrefetchCount != 3 {
		t.Errorf("Expected default prefetch count 3, got %d", loader.config.PrefetchCount)
	}
}

// TestLoaderSetupValidation tests the fail-fast shape, crop and mean checks
func TestLoaderSetupValidation(t *testing.T) {
	tests := []struct {
		name    string
		source  dataset.Source
		mutate  func(*LoaderConfig)
		wantErr error
	}{
		{
			name:    "zero_channels",
			source:  NewSequenceSource(0, 4, 4),
			wantErr: ErrInvalidShape,
		},
		{
			name:   "configured_zero_width",
			source: NewSequenceSource(1, 4, 4),
			mutate: func(c *LoaderConfig) {
				c.Channels, c.Height, c.Width = 1, 4, 0
			},
			wantErr: ErrInvalidShape,
		},
		{
			name:   "crop_exceeds_height",
			source: NewSequenceSource(1, 4, 8),
			mutate: func(c *LoaderConfig) {
				c.Transform.CropSize = 5
			},
			wantErr: ErrCropTooLarge,
		},
		{
			name:   "mean_too_small",
			source: NewSequenceSource(2, 4, 4),
			mutate: func(c *LoaderConfig) {
				c.Mean = dataset.NewBlob(1, 2, 3, 4)
			},
			wantErr: ErrMeanTooSmall,
		},
		{
			name:   "mean_fewer_channels",
			source: NewSequenceSource(3, 4, 4),
			mutate: func(c *LoaderConfig) {
				c.Mean = dataset.NewBlob(1, 1, 4, 4)
			},
			wantErr: ErrMeanTooSmall,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultLoaderConfig()
			cfg.BatchSize = 2
			if test.mutate != nil {
				test.mutate(&cfg)
			}
			loader, err := NewPrefetchingLoader(test.source, nil, memory.NewMemoryManager(), cfg)
			if err != nil {
				t.Fatalf("NewPrefetchingLoader failed: %v", err)
			}

			err = loader.Start()
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Expected %v, got %v", test.wantErr, err)
			}
			if loader.Stats().IsRunning {
				t.Error("No worker may start after a setup failure")
			}
			if loader.Pool() != nil {
				t.Error("No batches may be allocated after a setup failure")
			}
		})
	}
}

// TestLoaderZeroMean tests that a missing mean becomes a zero blob of the sample's shape
func TestLoaderZeroMean(t *testing.T) {
	loader := newTestLoader(t, NewSequenceSource(2, 3, 4), 1, 2, memory.CPUDevice())
	if err := loader.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer loader.Close()

	m := loader.mean
	if m.Num != 1 || m.Channels != 2 || m.Height != 3 || m.Width != 4 {
		t.Errorf("Unexpected mean shape %dx%dx%dx%d", m.Num, m.Channels, m.Height, m.Width)
	}
	for _, v := range m.Data {
		if v != 0 {
			t.Fatalf("Mean should be zero, found %v", v)
		}
	}

	shape := loader.DataShape()
	want := []int{1, 2, 3, 4}
	for i := range want {
		if shape[i] != want[i] {
			t.Errorf("DataShape[%d] = %d, expected %d", i, shape[i], want[i])
		}
	}
}

// TestLoaderMeanFile tests loading the mean from a BlobProto file and subtracting it
func TestLoaderMeanFile(t *testing.T) {
	mean := dataset.NewBlob(1, 1, 2, 2)
	for i := range mean.Data {
		mean.Data[i] = 1
	}
	path := filepath.Join(t.TempDir(), "mean.binaryproto")
	if err := dataset.SaveMean(path, mean); err != nil {
		t.Fatalf("SaveMean failed: %v", err)
	}

	cfg := DefaultLoaderConfig()
	cfg.BatchSize = 1
	cfg.Transform.MeanFile = path
	loader, err := NewPrefetchingLoader(NewSequenceSource(1, 2, 2), nil, memory.NewMemoryManager(), cfg)
	if err != nil {
		t.Fatalf("NewPrefetchingLoader failed: %v", err)
	}
	if err := loader.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loader.Close()

	data := make([]float64, 4)
	label := make([]float64, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Second datum has pixel value 1, so mean subtraction yields zeros
	for i := 0; i < 2; i++ {
		if err := loader.Forward(ctx, data, label); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		for _, v := range data {
			if v != float64(i)-1 {
				t.Errorf("Batch %d: expected %v, got %v", i, float64(i)-1, v)
			}
		}
	}
}

// TestLoaderOrderScenario tests that with three buffers the consumer observes
// samples in source order regardless of producer speed
func TestLoaderOrderScenario(t *testing.T) {
	for _, delay := range []time.Duration{0, 2 * time.Millisecond} {
		src := NewSequenceSource(1, 2, 2)
		src.delay = delay
		loader := newTestLoader(t, src, 1, 3, memory.CPUDevice())
		if err := loader.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		data := make([]float64, 4)
		label := make([]float64, 1)
		for want := 0; want < 4; want++ {
			if err := loader.Forward(ctx, data, label); err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if label[0] != float64(want) {
				t.Errorf("delay %v: expected sample %d, got %v", delay, want, label[0])
			}
			if data[0] != float64(want) {
				t.Errorf("delay %v: expected pixel %d, got %v", delay, want, data[0])
			}
		}
		cancel()
		if err := loader.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}
}

// TestLoaderInferredShapeKeepsFirstDatum tests that the datum read for shape
// inference is still delivered first
func TestLoaderInferredShapeKeepsFirstDatum(t *testing.T) {
	src := NewSequenceSource(1, 1, 1)
	loader := newTestLoader(t, src, 2, 2, memory.CPUDevice())
	if err := loader.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	batch, err := loader.GetBatch(ctx)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	labels := batch.InputLabel().Float64s()
	if labels[0] != 0 || labels[1] != 1 {
		t.Errorf("Expected labels [0 1], got %v", labels)
	}
	if batch.ID != 0 {
		t.Errorf("Expected batch ID 0, got %d", batch.ID)
	}
	if err := loader.Recycle(batch); err != nil {
		t.Fatalf("Recycle failed: %v", err)
	}
}

// TestLoaderSetupRetryKeepsFirstDatum tests that a failed setup does not
// consume another datum when retried
func TestLoaderSetupRetryKeepsFirstDatum(t *testing.T) {
	src := NewSequenceSource(1, 4, 4)
	cfg := DefaultLoaderConfig()
	cfg.BatchSize = 2
	cfg.Transform.CropSize = 5
	loader, err := NewPrefetchingLoader(src, nil, memory.NewMemoryManager(), cfg)
	if err != nil {
		t.Fatalf("NewPrefetchingLoader failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := loader.Setup(); !errors.Is(err, ErrCropTooLarge) {
			t.Fatalf("Setup %d: expected ErrCropTooLarge, got %v", i, err)
		}
	}
	if read := atomic.LoadInt64(&src.next); read != 1 {
		t.Errorf("Expected 1 datum read for shape inference, got %d", read)
	}
	if loader.pending == nil || loader.pending.Label != 0 {
		t.Errorf("Expected first datum to stay pending, got %+v", loader.pending)
	}
}

// TestLoaderDeviceStaging tests that accelerator batches are served from device memory
func TestLoaderDeviceStaging(t *testing.T) {
	dev := memory.GPUDevice(1)
	loader := newTestLoader(t, NewSequenceSource(1, 2, 2), 2, 2, dev)
	if err := loader.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		batch, err := loader.GetBatch(ctx)
		if err != nil {
			t.Fatalf("GetBatch failed: %v", err)
		}
		if batch.InputData().Device() != dev {
			t.Errorf("Batch data on %s, expected %s", batch.InputData().Device(), dev)
		}
		got := batch.InputData().Float64s()
		host := batch.Data.Float64s()
		for j := range got {
			if got[j] != host[j] {
				t.Fatalf("Device copy differs from host at %d: %v vs %v", j, got[j], host[j])
			}
		}
		if batch.InputLabel().Float64s()[0] != float64(2*i) {
			t.Errorf("Batch %d: expected first label %d, got %v", i, 2*i, batch.InputLabel().Float64s()[0])
		}
		if err := loader.Recycle(batch); err != nil {
			t.Fatalf("Recycle failed: %v", err)
		}
	}
}

// TestLoaderCensusInvariant samples ownership while producer and consumer run
func TestLoaderCensusInvariant(t *testing.T) {
	const buffers = 4
	loader := newTestLoader(t, NewSequenceSource(1, 4, 4), 3, buffers, memory.CPUDevice())
	if err := loader.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loader.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if c := loader.Pool().Census(); c.Total() != buffers {
				t.Errorf("Census %+v does not sum to %d", c, buffers)
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data := make([]float64, 3*16)
	label := make([]float64, 3)
	for i := 0; i < 200; i++ {
		if err := loader.Forward(ctx, data, label); err != nil {
			t.Fatalf("Forward %d failed: %v", i, err)
		}
		if label[0] != float64(3*i) {
			t.Fatalf("Batch %d: expected first label %d, got %v", i, 3*i, label[0])
		}
	}
	close(stop)
	wg.Wait()
}

// TestLoaderWorkerError tests that a source failure reaches the consumer
func TestLoaderWorkerError(t *testing.T) {
	src := NewSequenceSource(1, 1, 1)
	src.failAt = 3
	loader := newTestLoader(t, src, 2, 2, memory.CPUDevice())
	if err := loader.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First batch (samples 0,1) is good
	if err := loader.Forward(ctx, make([]float64, 2), make([]float64, 2)); err != nil {
		t.Fatalf("First Forward failed: %v", err)
	}

	err := loader.Forward(ctx, make([]float64, 2), make([]float64, 2))
	if err == nil {
		t.Fatal("Expected worker error")
	}
	if loader.Err() == nil {
		t.Error("Loader should record the worker error")
	}
	if c := loader.Pool().Census(); c.Total() != 2 || c.Producing != 0 {
		t.Errorf("Failed batch should be returned to the free queue, census %+v", c)
	}
}

// TestLoaderStopUnblocksWorker tests shutdown while the producer waits for free buffers
func TestLoaderStopUnblocksWorker(t *testing.T) {
	loader := newTestLoader(t, NewSequenceSource(1, 1, 1), 1, 2, memory.CPUDevice())
	if err := loader.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := loader.Start(); err == nil {
		t.Error("Second Start should fail while running")
	}

	// Let the worker fill both buffers and block on the free queue
	deadline := time.Now().Add(5 * time.Second)
	for loader.Pool().Census().Full != 2 {
		if time.Now().After(deadline) {
			t.Fatal("Worker never filled the pool")
		}
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		loader.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Published batches remain available after stop
	data := make([]float64, 1)
	label := make([]float64, 1)
	if err := loader.Forward(context.Background(), data, label); err != nil {
		t.Fatalf("Forward after Stop failed: %v", err)
	}
	if label[0] != 0 {
		t.Errorf("Expected sample 0, got %v", label[0])
	}

	if err := loader.Stop(); err != nil {
		t.Errorf("Stop should be idempotent: %v", err)
	}
	if err := loader.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

// TestLoaderConsumerCancel tests that a consumer waiting on an empty pool observes its context
func TestLoaderConsumerCancel(t *testing.T) {
	src := NewSequenceSource(1, 1, 1)
	src.delay = time.Second
	cfg := DefaultLoaderConfig()
	cfg.BatchSize = 1
	cfg.Channels, cfg.Height, cfg.Width = 1, 1, 1
	loader, err := NewPrefetchingLoader(src, nil, memory.NewMemoryManager(), cfg)
	if err != nil {
		t.Fatalf("NewPrefetchingLoader failed: %v", err)
	}
	if err := loader.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := loader.GetBatch(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

// TestLoaderForwardSizeMismatch tests destination validation
func TestLoaderForwardSizeMismatch(t *testing.T) {
	loader := newTestLoader(t, NewSequenceSource(1, 2, 2), 1, 2, memory.CPUDevice())
	if err := loader.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := loader.Forward(ctx, make([]float64, 3), nil); err == nil {
		t.Error("Expected error for short destination")
	}
	if c := loader.Pool().Census(); c.Consuming != 0 {
		t.Errorf("Batch should be recycled after a failed copy, census %+v", c)
	}
}

// TestLoaderCustomTransformer tests that a caller-supplied transformer is used
func TestLoaderCustomTransformer(t *testing.T) {
	cfg := DefaultLoaderConfig()
	cfg.BatchSize = 1
	cfg.Transform = transform.Config{CropSize: 1, Phase: transform.Test}
	tf := transform.NewDataTransformer(cfg.Transform, 7)

	loader, err := NewPrefetchingLoader(NewSequenceSource(1, 3, 3), tf, memory.NewMemoryManager(), cfg)
	if err != nil {
		t.Fatalf("NewPrefetchingLoader failed: %v", err)
	}
	if err := loader.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loader.Close()

	shape := loader.DataShape()
	if shape[2] != 1 || shape[3] != 1 {
		t.Errorf("Expected cropped 1x1 output, got %v", shape)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := loader.Forward(ctx, make([]float64, 1), make([]float64, 1)); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if st := loader.Stats(); st.BatchesProduced == 0 || !st.IsRunning {
		t.Errorf("Unexpected stats %+v", st)
	}
}
