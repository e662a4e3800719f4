// Package pool provides the bounded worker pool that executes background
// graph runs.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is a unit of background work, typically one graph run.
type Task func(ctx context.Context)

// WorkerPool runs tasks on a bounded set of goroutines. Submissions beyond
// the queue capacity are rejected rather than queued unboundedly, so a
// burst of async run requests cannot pile up behind a slow graph.
type WorkerPool struct {
	maxWorkers  int
	queue       chan Task
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	closeMu     sync.RWMutex
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

// Config configures the worker pool.
type Config struct {
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// PanicHandler receives recovered panics from tasks.
	PanicHandler func(any) `yaml:"-" json:"-"`
}

// DefaultConfig returns sensible defaults for background run execution.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  16,
		QueueSize:   64,
		IdleTimeout: 60 * time.Second,
	}
}

// New creates a worker pool. Workers are spawned lazily on submission and
// exit after sitting idle past the configured timeout.
func New(config Config) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &WorkerPool{
		maxWorkers:   config.MaxWorkers,
		queue:        make(chan Task, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Submit enqueues a task for background execution. It never blocks: when
// the queue is full and no worker slot is free it returns ErrPoolFull.
// Tasks run with a background context since the submitting request has
// usually completed by the time the task executes.
func (p *WorkerPool) Submit(task Task) error {
	// The read lock makes the closed check and the queue send atomic with
	// respect to Close, so a submission racing shutdown cannot hit a
	// closed channel.
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)

	select {
	case p.queue <- task:
		p.ensureWorker()
		return nil
	default:
		if p.trySpawnWorker() {
			select {
			case p.queue <- task:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *WorkerPool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil && p.panicHandler != nil {
			p.panicHandler(r)
		}
	}()
	task(ctx)
}

func (p *WorkerPool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *WorkerPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			p.run(context.Background(), task)
			p.activeCount.Add(-1)
			p.completed.Add(1)

			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// Keep one worker resident so the next submission is cheap.
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

// Close stops accepting tasks and waits for in-flight runs to finish.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}

	p.closeMu.Lock()
	close(p.queue)
	p.closeMu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
}
