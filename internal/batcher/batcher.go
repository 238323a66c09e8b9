package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMinBatchSize   = 1
	defaultMaxBatchSize   = 100
	defaultMemoryFraction = 0.1
	defaultTargetTime     = 5 * time.Second
	defaultConcurrency    = 4
	defaultWindowSize     = 20
	defaultCooldown       = 2 * time.Second

	sampleCount    = 10
	retuneInterval = 5
	shrinkFactor   = 0.8
	growFactor     = 1.2

	// itemOverheadFactor inflates the serialized size estimate to account
	// for in-memory representation overhead.
	itemOverheadFactor = 3

	highMemoryPressure = 0.8
	lowMemoryPressure  = 0.6
	lowEfficiency      = 0.5
	highEfficiency     = 1.0
)

// Config tunes the adaptive batching engine.
type Config struct {
	MinBatchSize         int
	MaxBatchSize         int
	TargetMemoryFraction float64
	TargetBatchTime      time.Duration
	MaxConcurrentBatches int
	AdaptiveSizing       bool
	// MemoryBudget caps the heap the batcher sizes against. Zero derives
	// a budget from current runtime stats.
	MemoryBudget uint64
}

func (c Config) withDefaults() Config {
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = defaultMinBatchSize
	}
	if c.MaxBatchSize < c.MinBatchSize {
		c.MaxBatchSize = defaultMaxBatchSize
		if c.MaxBatchSize < c.MinBatchSize {
			c.MaxBatchSize = c.MinBatchSize
		}
	}
	if c.TargetMemoryFraction <= 0 || c.TargetMemoryFraction > 1 {
		c.TargetMemoryFraction = defaultMemoryFraction
	}
	if c.TargetBatchTime <= 0 {
		c.TargetBatchTime = defaultTargetTime
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = defaultConcurrency
	}
	return c
}

// ItemFunc processes a single item. A returned error fails the item only.
type ItemFunc[T any] func(ctx context.Context, item T) error

// ProgressFunc observes cumulative progress after each batch.
type ProgressFunc func(processed, failed, total int)

// Result summarizes one Process run.
type Result struct {
	Processed        int
	Failed           int
	TotalTime        time.Duration
	BatchesProcessed int
	AvgBatchSize     float64
	Throughput       float64
	Errors           []error
}

// Processor chunks a list of items into adaptively sized batches and
// executes them with bounded concurrency. Batch size follows a trailing
// metrics window: shrink under memory pressure or slow throughput, grow
// when efficiency is high and memory is ample, with a cool-down between
// consecutive size changes.
type Processor[T any] struct {
	cfg    Config
	logger *zap.Logger

	// Injected for deterministic tests.
	estimateSize func(T) int
	readMem      func() (heapAlloc, budget uint64)
	now          func() time.Time
}

func New[T any](cfg Config, logger *zap.Logger) *Processor[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	p := &Processor[T]{
		cfg:          cfg,
		logger:       logger,
		estimateSize: estimateItemSize[T],
		now:          time.Now,
	}
	p.readMem = func() (uint64, uint64) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		budget := cfg.MemoryBudget
		if budget == 0 {
			budget = m.Sys
		}
		return m.HeapAlloc, budget
	}

	return p
}

// Process runs every item through fn. It never aborts on item failures;
// Processed+Failed always equals len(items).
func (p *Processor[T]) Process(ctx context.Context, items []T, fn ItemFunc[T], progress ProgressFunc) (Result, error) {
	if fn == nil {
		return Result{}, fmt.Errorf("item processor is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	total := len(items)
	if total == 0 {
		return Result{}, nil
	}

	start := p.now()
	batchSize := p.initialBatchSize(items)
	window := newMetricsWindow(defaultWindowSize)
	sem := semaphore.NewWeighted(int64(p.cfg.MaxConcurrentBatches))

	var (
		mu          sync.Mutex
		wg          sync.WaitGroup
		processed   int
		failed      int
		batches     int
		sizeSum     int
		errs        []error
		sinceRetune int
		lastResize  time.Time
		canceledAt  = -1
	)

	for offset := 0; offset < total; {
		mu.Lock()
		size := batchSize
		mu.Unlock()
		if size > total-offset {
			size = total - offset
		}
		chunk := items[offset : offset+size]
		offset += size

		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone: everything not yet dispatched fails.
			canceledAt = offset - size
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(chunk []T) {
			defer wg.Done()
			defer sem.Release(1)

			memBefore, _ := p.readMem()
			batchStart := p.now()
			okCount, failCount, batchErrs := p.executeBatch(ctx, chunk, fn)
			elapsed := p.now().Sub(batchStart)
			memAfter, budget := p.readMem()

			metric := batchMetric{
				size:        len(chunk),
				duration:    elapsed,
				memoryDelta: int64(memAfter) - int64(memBefore),
				throughput:  throughputOf(len(chunk), elapsed),
				efficiency:  p.efficiencyOf(elapsed),
			}

			mu.Lock()
			processed += okCount
			failed += failCount
			errs = append(errs, batchErrs...)
			batches++
			sizeSum += len(chunk)
			window.record(metric)
			sinceRetune++
			if p.cfg.AdaptiveSizing && sinceRetune >= retuneInterval {
				sinceRetune = 0
				if next, changed := p.retune(batchSize, window, memAfter, budget, lastResize); changed {
					p.logger.Debug("batch size retuned",
						zap.Int("from", batchSize),
						zap.Int("to", next),
					)
					batchSize = next
					lastResize = p.now()
				}
			}
			doneProcessed, doneFailed := processed, failed
			mu.Unlock()

			if progress != nil {
				progress(doneProcessed, doneFailed, total)
			}
		}(chunk)
	}

	wg.Wait()

	if canceledAt >= 0 {
		// Undispatched items count as failed so the totals stay conserved.
		mu.Lock()
		failed += total - canceledAt
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()

	result := Result{
		Processed:        processed,
		Failed:           failed,
		TotalTime:        p.now().Sub(start),
		BatchesProcessed: batches,
		Errors:           errs,
	}
	if batches > 0 {
		result.AvgBatchSize = float64(sizeSum) / float64(batches)
	}
	result.Throughput = throughputOf(total, result.TotalTime)

	return result, nil
}

// executeBatch isolates item failures. A panic escaping fn fails that item;
// a panic in the surrounding loop fails the whole batch.
func (p *Processor[T]) executeBatch(ctx context.Context, chunk []T, fn ItemFunc[T]) (processed, failed int, errs []error) {
	defer func() {
		if r := recover(); r != nil {
			failed = len(chunk)
			processed = 0
			errs = []error{fmt.Errorf("batch panic: %v", r)}
		}
	}()

	for i := range chunk {
		if err := p.runItem(ctx, chunk[i], fn); err != nil {
			failed++
			errs = append(errs, err)
			continue
		}
		processed++
	}

	return processed, failed, errs
}

func (p *Processor[T]) runItem(ctx context.Context, item T, fn ItemFunc[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item panic: %v", r)
		}
	}()
	return fn(ctx, item)
}

// initialBatchSize samples the first items to estimate per-item footprint
// and sizes the first batch against the memory budget.
func (p *Processor[T]) initialBatchSize(items []T) int {
	n := len(items)
	if n > sampleCount {
		n = sampleCount
	}

	var totalBytes int
	for i := 0; i < n; i++ {
		totalBytes += p.estimateSize(items[i])
	}
	perItem := totalBytes / n
	if perItem <= 0 {
		perItem = 1
	}

	heapAlloc, budget := p.readMem()
	available := int64(budget) - int64(heapAlloc)
	if available < 0 {
		available = 0
	}

	size := int(p.cfg.TargetMemoryFraction * float64(available) / float64(perItem))
	return p.clamp(size)
}

// retune decides the next batch size from the trailing window.
func (p *Processor[T]) retune(current int, window *metricsWindow, heapAlloc, budget uint64, lastResize time.Time) (int, bool) {
	if !lastResize.IsZero() && p.now().Sub(lastResize) < defaultCooldown {
		return current, false
	}

	_, avgEfficiency := window.averages()
	pressure := 0.0
	if budget > 0 {
		pressure = float64(heapAlloc) / float64(budget)
	}

	next := current
	switch {
	case pressure > highMemoryPressure || avgEfficiency < lowEfficiency:
		next = int(float64(current) * shrinkFactor)
	case avgEfficiency > highEfficiency && pressure < lowMemoryPressure:
		next = int(float64(current) * growFactor)
		if next == current {
			next = current + 1
		}
	}

	next = p.clamp(next)
	return next, next != current
}

func (p *Processor[T]) clamp(size int) int {
	if size < p.cfg.MinBatchSize {
		return p.cfg.MinBatchSize
	}
	if size > p.cfg.MaxBatchSize {
		return p.cfg.MaxBatchSize
	}
	return size
}

func (p *Processor[T]) efficiencyOf(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return highEfficiency
	}
	return float64(p.cfg.TargetBatchTime) / float64(elapsed)
}

func throughputOf(count int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(count) / elapsed.Seconds()
}

// estimateItemSize approximates an item's in-memory footprint from its
// serialized size.
func estimateItemSize[T any](item T) int {
	data, err := json.Marshal(item)
	if err != nil {
		return 64
	}
	return len(data) * itemOverheadFactor
}
