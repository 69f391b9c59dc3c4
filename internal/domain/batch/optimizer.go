// Package batch provides bounded-concurrency batch execution with adaptive
// batch sizing for large catalogs.
package batch

import (
	"context"
	"sync"
	"time"

	"possync/pkg/logger"
)

// Config controls the pipeline shape.
type Config struct {
	// InitialBatchSize seeds the adaptive size. The size is clamped to
	// [InitialBatchSize/2, InitialBatchSize*2] for the whole execution.
	InitialBatchSize int

	// Concurrency is the fixed consumer pool size.
	Concurrency int

	// QueueDepth bounds the producer/consumer channel.
	QueueDepth int
}

// DefaultConfig returns defaults suitable for catalog submission batches.
func DefaultConfig() Config {
	return Config{
		InitialBatchSize: 50,
		Concurrency:      4,
		QueueDepth:       8,
	}
}

// Operation executes one batch and reports how many items succeeded.
// A returned error fails the whole batch.
type Operation[T any] func(ctx context.Context, items []T) (succeeded int, err error)

// sample records one executed batch for the tuning window.
type sample struct {
	size      int
	elapsed   time.Duration
	total     int
	succeeded int
}

func (s sample) throughput() float64 {
	if s.elapsed <= 0 {
		return float64(s.total) * float64(time.Second)
	}
	return float64(s.total) / s.elapsed.Seconds()
}

func (s sample) successRate() float64 {
	if s.total == 0 {
		return 1
	}
	return float64(s.succeeded) / float64(s.total)
}

// Summary reports one execution.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Batches   int `json:"batches"`

	// FinalBatchSize is the adaptive size after the last adjustment.
	FinalBatchSize int `json:"finalBatchSize"`

	// OptimalBatchSize is the size that achieved the highest throughput
	// among batches with a success rate above 90%.
	OptimalBatchSize int `json:"optimalBatchSize"`
}

// Tuning thresholds.
const (
	windowSize         = 3
	highThroughput     = 10.0 // items/sec
	lowThroughput      = 5.0
	highSuccessRate    = 0.95
	poorSuccessRate    = 0.80
	optimalSuccessRate = 0.90
	growFactor         = 1.25
	shrinkFactor       = 0.75
)

// Optimizer runs a producer/consumer pipeline over a work list, tuning the
// batch size from a rolling window of observed throughput and success rate.
// An Optimizer is single-use per Execute call but safe for the internal
// concurrency it creates.
type Optimizer[T any] struct {
	cfg Config

	mu          sync.Mutex
	currentSize int
	window      []sample
	history     []sample
}

// NewOptimizer creates an adaptive batch optimizer.
func NewOptimizer[T any](cfg Config) *Optimizer[T] {
	if cfg.InitialBatchSize <= 0 {
		cfg.InitialBatchSize = DefaultConfig().InitialBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	return &Optimizer[T]{
		cfg:         cfg,
		currentSize: cfg.InitialBatchSize,
	}
}

// Execute chunks items into batches and runs op over them with the fixed
// consumer pool. Individual batch failures do not stop the pipeline; the
// summary accounts for them. Cancellation stops production of new batches.
func (o *Optimizer[T]) Execute(ctx context.Context, items []T, op Operation[T]) (*Summary, error) {
	if len(items) == 0 {
		return &Summary{FinalBatchSize: o.currentSize, OptimalBatchSize: o.currentSize}, nil
	}

	batches := make(chan []T, o.cfg.QueueDepth)

	// Producer: chunk by the current adaptive size, re-read per chunk so
	// consumer feedback influences later batches.
	go func() {
		defer close(batches)
		offset := 0
		for offset < len(items) {
			size := o.batchSize()
			end := offset + size
			if end > len(items) {
				end = len(items)
			}
			select {
			case <-ctx.Done():
				return
			case batches <- items[offset:end]:
			}
			offset = end
		}
	}()

	var (
		wg       sync.WaitGroup
		resultMu sync.Mutex
		summary  Summary
	)
	for i := 0; i < o.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range batches {
				if ctx.Err() != nil {
					return
				}
				started := time.Now()
				succeeded, err := op(ctx, chunk)
				elapsed := time.Since(started)
				if err != nil {
					succeeded = 0
					logger.Warn(ctx, "batch failed",
						"size", len(chunk),
						"error", err,
					)
				}

				o.recordSample(sample{
					size:      len(chunk),
					elapsed:   elapsed,
					total:     len(chunk),
					succeeded: succeeded,
				})

				resultMu.Lock()
				summary.Processed += len(chunk)
				summary.Succeeded += succeeded
				summary.Failed += len(chunk) - succeeded
				summary.Batches++
				resultMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	summary.FinalBatchSize = o.batchSize()
	summary.OptimalBatchSize = o.optimalSize()
	return &summary, nil
}

func (o *Optimizer[T]) batchSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentSize
}

// recordSample appends the sample and retunes the batch size from the rolling
// window of the last batches.
func (o *Optimizer[T]) recordSample(s sample) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.history = append(o.history, s)
	o.window = append(o.window, s)
	if len(o.window) > windowSize {
		o.window = o.window[len(o.window)-windowSize:]
	}
	if len(o.window) < windowSize {
		return
	}

	var totalItems, totalSucceeded int
	var totalElapsed time.Duration
	for _, w := range o.window {
		totalItems += w.total
		totalSucceeded += w.succeeded
		totalElapsed += w.elapsed
	}
	// Sub-resolution timings read as instantaneous, not as stalled.
	throughput := highThroughput + 1
	if totalElapsed > 0 {
		throughput = float64(totalItems) / totalElapsed.Seconds()
	}
	successRate := 1.0
	if totalItems > 0 {
		successRate = float64(totalSucceeded) / float64(totalItems)
	}

	next := o.currentSize
	switch {
	case throughput > highThroughput && successRate > highSuccessRate:
		next = int(float64(o.currentSize) * growFactor)
	case throughput < lowThroughput || successRate < poorSuccessRate:
		next = int(float64(o.currentSize) * shrinkFactor)
	}
	o.currentSize = clamp(next, o.cfg.InitialBatchSize/2, o.cfg.InitialBatchSize*2)
}

// optimalSize picks the best-performing observed size for reporting.
func (o *Optimizer[T]) optimalSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	best := o.currentSize
	bestThroughput := -1.0
	for _, s := range o.history {
		if s.successRate() <= optimalSuccessRate {
			continue
		}
		if tp := s.throughput(); tp > bestThroughput {
			bestThroughput = tp
			best = s.size
		}
	}
	return best
}

func clamp(v, lo, hi int) int {
	if lo < 1 {
		lo = 1
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
