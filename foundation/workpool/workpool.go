// Package workpool provides a fixed set of goroutines draining a bounded
// job queue. Both the goroutine count and the queue limit can be changed
// while the pool is running.
package workpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/ferrumserver/ferrum/foundation/invariant"
)

// EventHandler defines a function that is called when events occur
// in the processing of jobs.
type EventHandler func(v string, args ...any)

// Job represents a unit of work waiting in the queue.
type Job struct {
	Name string
	Run  func()
}

// Stats is a point in time snapshot of pool activity.
type Stats struct {
	Threads    int    `json:"threads"`
	Active     int    `json:"active"`
	QueueDepth int    `json:"queue_depth"`
	QueueLimit int    `json:"queue_limit"`
	Submitted  uint64 `json:"submitted"`
	Completed  uint64 `json:"completed"`
	Rejected   uint64 `json:"rejected"`
}

// =============================================================================

// Pool runs submitted jobs on a bounded set of goroutines. Submissions
// never block: when the queue is at its limit the job is refused and the
// caller decides how to retry.
type Pool struct {
	evHandler EventHandler
	wg        sync.WaitGroup

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []Job
	queueLimit int
	threads    int
	workers    int
	active     int
	submitted  uint64
	completed  uint64
	rejected   uint64
	shutdown   bool
}

// New constructs a pool with the specified goroutine count and queue limit
// and starts the goroutines.
func New(threads int, queueLimit int, evHandler EventHandler) (*Pool, error) {
	if threads < 1 {
		return nil, fmt.Errorf("thread count must be at least 1, got %d", threads)
	}
	if queueLimit < 1 {
		return nil, fmt.Errorf("queue limit must be at least 1, got %d", queueLimit)
	}

	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}

	p := Pool{
		evHandler:  ev,
		queueLimit: queueLimit,
		threads:    threads,
	}
	p.cond = sync.NewCond(&p.mu)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	p.mu.Lock()
	for i := 0; i < threads; i++ {
		p.workers++
		p.wg.Add(1)
		go func() {
			hasStarted <- true
			p.worker()
		}()
	}
	p.mu.Unlock()

	for i := 0; i < threads; i++ {
		<-hasStarted
	}

	p.evHandler("workpool: new: started: threads[%d] queueLimit[%d]", threads, queueLimit)

	return &p, nil
}

// Submit places a job on the queue. It reports false when the queue is at
// its limit or the pool is shutting down. The job is refused, not queued.
func (p *Pool) Submit(name string, fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return false
	}

	if len(p.queue) >= p.queueLimit {
		p.rejected++
		return false
	}

	p.queue = append(p.queue, Job{Name: name, Run: fn})
	p.submitted++
	p.cond.Signal()

	return true
}

// Resize changes the number of goroutines draining the queue. Growing
// starts new goroutines immediately. Shrinking retires goroutines as they
// come back for their next job.
func (p *Pool) Resize(threads int) error {
	if threads < 1 {
		return fmt.Errorf("thread count must be at least 1, got %d", threads)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return fmt.Errorf("pool is shut down")
	}

	p.evHandler("workpool: resize: threads[%d] -> threads[%d]", p.threads, threads)
	p.threads = threads

	for p.workers < p.threads {
		p.workers++
		p.wg.Add(1)
		go p.worker()
	}

	// Wake any idle goroutines so extra ones can retire.
	p.cond.Broadcast()

	return nil
}

// SetQueueLimit changes the maximum number of jobs allowed to wait in the
// queue. Jobs already queued above a lowered limit stay queued; only new
// submissions are measured against the limit.
func (p *Pool) SetQueueLimit(n int) error {
	if n < 1 {
		return fmt.Errorf("queue limit must be at least 1, got %d", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.evHandler("workpool: setqueuelimit: limit[%d] -> limit[%d]", p.queueLimit, n)
	p.queueLimit = n

	return nil
}

// Shutdown stops accepting jobs and waits up to the specified timeout for
// queued and in flight jobs to finish. It reports whether the pool fully
// drained. Goroutines still running a job at the timeout keep running.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	p.evHandler("workpool: shutdown: started: timeout[%v]", timeout)
	defer p.evHandler("workpool: shutdown: completed")

	p.mu.Lock()
	p.shutdown = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true

	case <-time.After(timeout):
		p.mu.Lock()
		depth := len(p.queue)
		active := p.active
		p.mu.Unlock()
		p.evHandler("workpool: shutdown: timeout: still active[%d] queued[%d]", active, depth)
		return false
	}
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Threads:    p.threads,
		Active:     p.active,
		QueueDepth: len(p.queue),
		QueueLimit: p.queueLimit,
		Submitted:  p.submitted,
		Completed:  p.completed,
		Rejected:   p.rejected,
	}
}

// Active returns the number of jobs currently being run.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.active
}

// QueueDepth returns the number of jobs waiting in the queue.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.queue)
}

// =============================================================================

// worker drains the queue until it is told to retire. Retirement happens
// when the pool shrank below the current goroutine count or when shutdown
// was signaled and the queue is empty.
func (p *Pool) worker() {
	defer p.wg.Done()

	p.mu.Lock()
	for {
		if p.workers > p.threads && !p.shutdown {
			p.workers = invariant.Clamp(p.workers-1, "workpool.workers")
			p.mu.Unlock()
			return
		}

		if p.shutdown && len(p.queue) == 0 {
			p.workers = invariant.Clamp(p.workers-1, "workpool.workers")
			p.mu.Unlock()
			return
		}

		if len(p.queue) == 0 {
			p.cond.Wait()
			continue
		}

		job := p.queue[0]
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		job.Run()

		p.mu.Lock()
		p.active = invariant.Clamp(p.active-1, "workpool.active")
		p.completed++
	}
}
