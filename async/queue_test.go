package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// TestBlockingQueueFIFO tests push order is pop order
func TestBlockingQueueFIFO(t *testing.T) {
	q := NewBlockingQueue[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	if q.Size() != 5 {
		t.Errorf("Expected size 5, got %d", q.Size())
	}

	for i := 0; i < 5; i++ {
		v, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if v != i {
			t.Errorf("Expected %d, got %d", i, v)
		}
	}

	if _, ok := q.TryPop(); ok {
		t.Error("TryPop on empty queue should fail")
	}
}

// TestBlockingQueuePopBlocks tests that Pop waits for a later Push
func TestBlockingQueuePopBlocks(t *testing.T) {
	q := NewBlockingQueue[string]()
	result := make(chan string, 1)

	go func() {
		v, err := q.Pop(context.Background())
		if err != nil {
			t.Errorf("Pop failed: %v", err)
		}
		result <- v
	}()

	select {
	case <-result:
		t.Fatal("Pop returned before any push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("hello")

	select {
	case v := <-result:
		if v != "hello" {
			t.Errorf("Expected hello, got %s", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake after push")
	}
}

// TestBlockingQueueCancel tests that a blocked Pop observes the stop signal
func TestBlockingQueueCancel(t *testing.T) {
	q := NewBlockingQueue[int]()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		_, err := q.Pop(ctx)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Expected ErrStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not observe cancellation")
	}
}

// TestBlockingQueueConcurrent tests one producer and several consumers
func TestBlockingQueueConcurrent(t *testing.T) {
	q := NewBlockingQueue[int]()
	const items = 2000
	const consumers = 4

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < items/consumers; i++ {
				v, err := q.Pop(ctx)
				if err != nil {
					t.Errorf("Pop failed: %v", err)
					return
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < items; i++ {
		q.Push(i)
	}
	wg.Wait()

	if len(seen) != items {
		t.Errorf("Expected %d distinct items, got %d", items, len(seen))
	}
}

// TestBlockingQueueSingleConsumerOrder tests FIFO across goroutines
func TestBlockingQueueSingleConsumerOrder(t *testing.T) {
	q := NewBlockingQueue[int]()
	const items = 1000

	go func() {
		for i := 0; i < items; i++ {
			q.Push(i)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < items; i++ {
		v, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if v != i {
			t.Fatalf("Expected %d, got %d", i, v)
		}
	}
}
