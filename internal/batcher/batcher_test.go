package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestProcessConservation(t *testing.T) {
	t.Parallel()

	p := New[int](Config{
		MinBatchSize:         2,
		MaxBatchSize:         10,
		MaxConcurrentBatches: 3,
	}, zap.NewNop())

	items := make([]int, 57)
	for i := range items {
		items[i] = i
	}

	var calls atomic.Int64
	result, err := p.Process(context.Background(), items, func(ctx context.Context, item int) error {
		calls.Add(1)
		if item%5 == 0 {
			return errors.New("divisible by five")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if result.Processed+result.Failed != len(items) {
		t.Fatalf("processed(%d)+failed(%d) != %d", result.Processed, result.Failed, len(items))
	}
	if calls.Load() != int64(len(items)) {
		t.Fatalf("item calls = %d, want %d", calls.Load(), len(items))
	}
	if result.Failed != 12 {
		t.Fatalf("failed = %d, want 12", result.Failed)
	}
	if len(result.Errors) != 12 {
		t.Fatalf("errors = %d, want 12", len(result.Errors))
	}
	if result.BatchesProcessed == 0 {
		t.Fatal("no batches recorded")
	}
}

func TestProcessBatchSizesStayClamped(t *testing.T) {
	t.Parallel()

	cfg := Config{
		MinBatchSize:         3,
		MaxBatchSize:         7,
		MaxConcurrentBatches: 1,
		AdaptiveSizing:       true,
		TargetBatchTime:      time.Millisecond,
	}
	p := New[string](cfg, zap.NewNop())
	// Absurd memory estimates push the sizing in both directions.
	p.estimateSize = func(string) int { return 1 }
	p.readMem = func() (uint64, uint64) { return 0, 1 << 40 }

	items := make([]string, 100)
	var mu sync.Mutex
	var sizes []int
	var current int

	_, err := p.Process(context.Background(), items, func(ctx context.Context, item string) error {
		mu.Lock()
		current++
		mu.Unlock()
		return nil
	}, func(processed, failed, total int) {
		mu.Lock()
		sizes = append(sizes, current)
		current = 0
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// Sequential execution: progress fires per batch, current counts one
	// batch's items.
	for i, size := range sizes {
		if size < cfg.MinBatchSize && i != len(sizes)-1 {
			t.Fatalf("batch %d size %d below min %d", i, size, cfg.MinBatchSize)
		}
		if size > cfg.MaxBatchSize {
			t.Fatalf("batch %d size %d above max %d", i, size, cfg.MaxBatchSize)
		}
	}
}

func TestProcessPanicIsolation(t *testing.T) {
	t.Parallel()

	p := New[int](Config{
		MinBatchSize:         1,
		MaxBatchSize:         4,
		MaxConcurrentBatches: 1,
	}, zap.NewNop())

	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	result, err := p.Process(context.Background(), items, func(ctx context.Context, item int) error {
		if item == 3 {
			panic("boom")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if result.Processed+result.Failed != len(items) {
		t.Fatalf("processed(%d)+failed(%d) != %d", result.Processed, result.Failed, len(items))
	}
	if result.Failed != 1 {
		t.Fatalf("failed = %d, want 1 (panic isolated to one item)", result.Failed)
	}

	found := false
	for _, e := range result.Errors {
		if e != nil && len(e.Error()) > 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("panic error not captured")
	}
}

func TestProcessEmptyInput(t *testing.T) {
	t.Parallel()

	p := New[int](Config{}, zap.NewNop())
	result, err := p.Process(context.Background(), nil, func(ctx context.Context, item int) error {
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Processed != 0 || result.Failed != 0 || result.BatchesProcessed != 0 {
		t.Fatalf("unexpected result for empty input: %+v", result)
	}
}

func TestProcessNilProcessor(t *testing.T) {
	t.Parallel()

	p := New[int](Config{}, zap.NewNop())
	if _, err := p.Process(context.Background(), []int{1}, nil, nil); err == nil {
		t.Fatal("Process() with nil item func should error")
	}
}

func TestInitialBatchSizeFromMemoryBudget(t *testing.T) {
	t.Parallel()

	p := New[int](Config{
		MinBatchSize:         1,
		MaxBatchSize:         1000,
		TargetMemoryFraction: 0.5,
	}, zap.NewNop())
	p.estimateSize = func(int) int { return 100 }
	p.readMem = func() (uint64, uint64) { return 0, 10_000 }

	items := make([]int, 50)
	// 0.5 * 10000 / 100 = 50
	if got := p.initialBatchSize(items); got != 50 {
		t.Fatalf("initialBatchSize() = %d, want 50", got)
	}

	// Exhausted budget clamps to the minimum.
	p.readMem = func() (uint64, uint64) { return 10_000, 10_000 }
	if got := p.initialBatchSize(items); got != 1 {
		t.Fatalf("initialBatchSize() under pressure = %d, want min 1", got)
	}
}

func TestRetuneShrinkAndGrow(t *testing.T) {
	t.Parallel()

	p := New[int](Config{
		MinBatchSize:    2,
		MaxBatchSize:    100,
		TargetBatchTime: time.Second,
		AdaptiveSizing:  true,
	}, zap.NewNop())

	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }

	slow := newMetricsWindow(5)
	for i := 0; i < 5; i++ {
		slow.record(batchMetric{size: 10, duration: 4 * time.Second, efficiency: 0.25})
	}
	next, changed := p.retune(10, slow, 0, 1000, time.Time{})
	if !changed || next != 8 {
		t.Fatalf("retune(slow) = %d changed=%v, want 8 true", next, changed)
	}

	fast := newMetricsWindow(5)
	for i := 0; i < 5; i++ {
		fast.record(batchMetric{size: 10, duration: time.Millisecond, efficiency: 5})
	}
	next, changed = p.retune(10, fast, 0, 1000, time.Time{})
	if !changed || next != 12 {
		t.Fatalf("retune(fast) = %d changed=%v, want 12 true", next, changed)
	}

	// High memory pressure shrinks even when fast.
	next, changed = p.retune(10, fast, 900, 1000, time.Time{})
	if !changed || next != 8 {
		t.Fatalf("retune(pressure) = %d changed=%v, want 8 true", next, changed)
	}

	// Cool-down suppresses consecutive resizes.
	recent := now.Add(-time.Second)
	if _, changed = p.retune(10, fast, 0, 1000, recent); changed {
		t.Fatal("retune() inside cool-down should not resize")
	}
}

func TestProcessContextCancellationConservesTotals(t *testing.T) {
	t.Parallel()

	p := New[int](Config{
		MinBatchSize:         1,
		MaxBatchSize:         1,
		MaxConcurrentBatches: 1,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	items := make([]int, 20)

	var processedItems atomic.Int64
	result, err := p.Process(ctx, items, func(ctx context.Context, item int) error {
		if processedItems.Add(1) == 5 {
			cancel()
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if result.Processed+result.Failed != len(items) {
		t.Fatalf("processed(%d)+failed(%d) != %d after cancel", result.Processed, result.Failed, len(items))
	}
	if result.Failed == 0 {
		t.Fatal("cancellation should fail undispatched items")
	}
}

func TestEstimateItemSize(t *testing.T) {
	t.Parallel()

	type payload struct {
		Name string `json:"name"`
	}
	small := estimateItemSize(payload{Name: "x"})
	large := estimateItemSize(payload{Name: fmt.Sprintf("%01000d", 1)})
	if small <= 0 || large <= small {
		t.Fatalf("estimate sizes small=%d large=%d, want 0 < small < large", small, large)
	}
}
