package pool

import (
	"sync"
	"sync/atomic"
)

// Task is a single-shot unit of work. The pool never looks inside it.
type Task func()

type jobKind int

const (
	// jobRun carries a Task for whichever worker dequeues it.
	jobRun jobKind = iota
	// jobTerminate retires the worker that dequeues it.
	jobTerminate
)

type job struct {
	kind jobKind
	task Task
}

// queue is an unbounded FIFO shared by every worker. Each job is handed to exactly one consumer.
// The busy counter is bumped in the same critical section that removes a run job,
// so queued+busy never loses a task in between.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []job
	runs   int
	closed bool
	busy   *atomic.Int64
}

// newQueue shares busy with the pool so snapshots and Stats read one counter.
func newQueue(busy *atomic.Int64) *queue {
	q := &queue{busy: busy}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends jobs in order and wakes one waiting worker per job.
func (q *queue) push(jobs ...job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrPoolClosed
	}
	for _, j := range jobs {
		q.items = append(q.items, j)
		if j.kind == jobRun {
			q.runs++
		}
		q.cond.Signal()
	}
	return nil
}

// pop blocks until a job is available or the queue is closed.
// Run jobs come back with a busy guard the caller must release.
func (q *queue) pop() (job, *busyGuard, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return job{}, nil, false
	}

	j := q.items[0]
	q.items[0] = job{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}

	if j.kind != jobRun {
		return j, nil, true
	}
	q.runs--
	return j, acquireBusy(q.busy), true
}

// snapshot reports queued run jobs and busy workers as one consistent pair.
func (q *queue) snapshot() (queued, busy int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runs, int(q.busy.Load())
}

// close drops whatever is still queued and wakes every waiting worker.
func (q *queue) close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	q.items = nil
	q.runs = 0
	q.cond.Broadcast()
	return true
}

// busyGuard marks one worker busy for as long as it is held.
type busyGuard struct {
	counter *atomic.Int64
	once    sync.Once
}

func acquireBusy(counter *atomic.Int64) *busyGuard {
	counter.Add(1)
	return &busyGuard{counter: counter}
}

// release is safe to call from a deferred function on any exit path; only the first call counts.
func (g *busyGuard) release() {
	g.once.Do(func() {
		g.counter.Add(-1)
	})
}
