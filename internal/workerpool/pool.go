// Package workerpool bounds how many IPC connections are served at once.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/wingetdash/fleet/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Workers  int
	Active   int64
	Queued   int
	Rejected uint64
}

// Pool is a bounded goroutine pool with a fixed-size task queue. Submit never
// blocks: when every worker is busy and the queue is full the task is refused,
// which lets callers such as an accept loop shed load instead of stalling.
type Pool struct {
	name       string
	maxWorkers int
	queue      chan Task
	wg         sync.WaitGroup
	accepting  atomic.Bool
	active     atomic.Int64
	rejected   atomic.Uint64
	closeOnce  sync.Once
}

// NewNamed creates a pool of maxWorkers goroutines with a queue of queueSize.
// name tags the pool's log lines.
func NewNamed(name string, maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		name:       name,
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "pool", name, "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task. Returns false if the pool is stopped or the queue is full.
// wg.Add is called before the enqueue so Shutdown cannot miss the task.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		p.rejected.Add(1)
		log.Warn("worker pool queue full, task rejected", "pool", p.name)
		return false
	}
}

// Stats reports current load.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:  p.maxWorkers,
		Active:   p.active.Load(),
		Queued:   len(p.queue),
		Rejected: p.rejected.Load(),
	}
}

// Shutdown stops accepting tasks and waits for queued and running ones until
// ctx is done. Workers exit afterwards either way.
func (p *Pool) Shutdown(ctx context.Context) {
	p.accepting.Store(false)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained", "pool", p.name)
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pool", p.name, "active", p.active.Load())
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.runTask(task)
	}
}

// runTask executes a single task with panic recovery. wg.Done is called here
// to match the wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	p.active.Add(1)
	defer p.wg.Done()
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
