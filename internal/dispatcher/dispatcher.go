// Package dispatcher runs chunk processing on a bounded worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
)

var (
	// ErrOverloaded is returned by Submit when the queue is full.
	ErrOverloaded = errors.New("dispatcher queue is full")
	// ErrClosed is returned by Submit after Stop.
	ErrClosed = errors.New("dispatcher is closed")
)

// Processor handles one chunk end to end.
type Processor interface {
	Process(ctx context.Context, chunk *model.Chunk) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, chunk *model.Chunk) error

func (f ProcessorFunc) Process(ctx context.Context, chunk *model.Chunk) error {
	return f(ctx, chunk)
}

// Stats reports the dispatcher counters.
type Stats struct {
	Backlog   int    `json:"backlog"`
	InFlight  int64  `json:"in_flight"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Dispatcher owns a fixed pool of workers reading from a bounded queue.
type Dispatcher struct {
	processor Processor
	logger    *zap.Logger

	queue      chan *model.Chunk
	numWorkers int
	workerWg   sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	inFlight  atomic.Int64
	processed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a dispatcher. Call Start to launch the workers.
func New(cfg config.DispatcherConfig, processor Processor, logger *zap.Logger) *Dispatcher {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = numWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		processor:  processor,
		logger:     logger.Named("dispatcher"),
		queue:      make(chan *model.Chunk, queueSize),
		closing:    make(chan struct{}),
		numWorkers: numWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	d.workerWg.Add(d.numWorkers)
	for i := 0; i < d.numWorkers; i++ {
		go d.worker(i)
	}
	d.logger.Info("Dispatcher started", zap.Int("workers", d.numWorkers), zap.Int("queue_size", cap(d.queue)))
}

// Submit enqueues a chunk without waiting.
func (d *Dispatcher) Submit(chunk *model.Chunk) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.rejected.Add(1)
		return ErrClosed
	}

	select {
	case d.queue <- chunk:
		metrics.DispatcherBacklog.Set(float64(len(d.queue)))
		return nil
	default:
		d.rejected.Add(1)
		return ErrOverloaded
	}
}

// SubmitWait enqueues a chunk, waiting for queue space. It fails with
// ErrClosed once Stop is called and with ctx.Err when ctx ends first.
func (d *Dispatcher) SubmitWait(ctx context.Context, chunk *model.Chunk) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.rejected.Add(1)
		return ErrClosed
	}

	select {
	case d.queue <- chunk:
		metrics.DispatcherBacklog.Set(float64(len(d.queue)))
		return nil
	case <-d.closing:
		d.rejected.Add(1)
		return ErrClosed
	case <-ctx.Done():
		d.rejected.Add(1)
		return ctx.Err()
	}
}

// Blocking returns a view of d whose Submit waits for queue space. Replays
// use it so a file is never read faster than it is processed.
func (d *Dispatcher) Blocking() BlockingSubmitter {
	return BlockingSubmitter{d: d}
}

// BlockingSubmitter submits through SubmitWait.
type BlockingSubmitter struct {
	d *Dispatcher
}

func (b BlockingSubmitter) Submit(chunk *model.Chunk) error {
	return b.d.SubmitWait(context.Background(), chunk)
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Backlog:   len(d.queue),
		InFlight:  d.inFlight.Load(),
		Processed: d.processed.Load(),
		Failed:    d.failed.Load(),
		Rejected:  d.rejected.Load(),
	}
}

// Stop closes the queue and waits for the workers to drain it. If ctx
// expires first the in-flight chunks are cancelled and ctx.Err is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	// Release blocked SubmitWait callers before taking the write lock.
	d.closeOnce.Do(func() { close(d.closing) })
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("Dispatcher stopped", zap.Uint64("processed", d.processed.Load()), zap.Uint64("failed", d.failed.Load()))
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		d.logger.Warn("Dispatcher drain timed out, in-flight chunks were cancelled")
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.workerWg.Done()
	for chunk := range d.queue {
		metrics.DispatcherBacklog.Set(float64(len(d.queue)))
		d.run(id, chunk)
	}
}

func (d *Dispatcher) run(id int, chunk *model.Chunk) {
	d.inFlight.Add(1)
	metrics.DispatcherInFlight.Inc()
	start := time.Now()

	err := d.safeProcess(chunk)

	d.inFlight.Add(-1)
	metrics.DispatcherInFlight.Dec()
	elapsed := time.Since(start)

	if err != nil {
		d.failed.Add(1)
		metrics.ChunkDuration.WithLabelValues("failed").Observe(elapsed.Seconds())
		d.logger.Error("Chunk processing failed",
			zap.Int("worker", id), zap.Uint64("chunk_index", chunk.Index), zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	d.processed.Add(1)
	metrics.ChunkDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
	d.logger.Debug("Chunk processed", zap.Int("worker", id), zap.Uint64("chunk_index", chunk.Index), zap.Duration("elapsed", elapsed))
}

func (d *Dispatcher) safeProcess(chunk *model.Chunk) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing chunk %d: %v", chunk.Index, r)
			d.logger.Error("Recovered from panic", zap.Uint64("chunk_index", chunk.Index), zap.ByteString("stack", debug.Stack()))
		}
	}()
	return d.processor.Process(d.ctx, chunk)
}
