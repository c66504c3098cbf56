// Package pool runs tasks on an elastic set of long-lived worker goroutines.
// The pool keeps a standing reserve of idle workers, grows on demand up to a hard
// ceiling and sheds surplus idle workers by queueing termination jobs.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/matveynator/chicha-relay/pkg/metrics"
)

// WorkerPool schedules tasks under a bounded-but-elastic capacity policy.
// live workers never exceed maxWorkers; the scaling check runs inline on every Execute.
type WorkerPool struct {
	name           string
	maxWorkers     int
	maxIdleWorkers int

	queue  *queue
	busy   atomic.Int64
	nextID atomic.Uint64

	mu                  sync.Mutex
	workers             map[uint64]*worker
	pendingTerminations int
	closed              bool

	executed atomic.Uint64
	panicked atomic.Uint64
	spawned  atomic.Uint64
	retired  atomic.Uint64

	logger  logrus.FieldLogger
	metrics *metrics.Pool
}

// Option configures optional WorkerPool settings.
type Option func(*WorkerPool)

// WithName labels the pool in log lines and stats.
func WithName(name string) Option {
	return func(p *WorkerPool) {
		p.name = name
	}
}

// WithLogger routes pool and worker lifecycle logs to logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(p *WorkerPool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics publishes pool gauges and counters to m.
func WithMetrics(m *metrics.Pool) Option {
	return func(p *WorkerPool) {
		p.metrics = m
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Name                string `json:"name"`
	MaxWorkers          int    `json:"max_workers"`
	MaxIdleWorkers      int    `json:"max_idle_workers"`
	Live                int    `json:"live"`
	Busy                int    `json:"busy"`
	Idle                int    `json:"idle"`
	Queued              int    `json:"queued"`
	PendingTerminations int    `json:"pending_terminations"`
	Executed            uint64 `json:"executed"`
	Panicked            uint64 `json:"panicked"`
	Spawned             uint64 `json:"spawned"`
	Retired             uint64 `json:"retired"`
}

// New builds a pool capped at maxWorkers that keeps maxIdleWorkers workers standing by.
// maxIdleWorkers workers are started before New returns.
func New(maxWorkers, maxIdleWorkers int, opts ...Option) (*WorkerPool, error) {
	if maxWorkers <= 0 {
		return nil, fmt.Errorf("%w: maximum workers must be positive, got %d", ErrInvalidSize, maxWorkers)
	}
	if maxIdleWorkers < 0 {
		return nil, fmt.Errorf("%w: idle workers cannot be negative, got %d", ErrInvalidSize, maxIdleWorkers)
	}
	if maxIdleWorkers > maxWorkers {
		return nil, fmt.Errorf("%w: idle workers (%d) cannot exceed maximum workers (%d)", ErrInvalidSize, maxIdleWorkers, maxWorkers)
	}

	p := &WorkerPool{
		name:           "pool",
		maxWorkers:     maxWorkers,
		maxIdleWorkers: maxIdleWorkers,
		workers:        make(map[uint64]*worker, maxWorkers),
		logger:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithField("pool", p.name)
	p.queue = newQueue(&p.busy)

	p.mu.Lock()
	for range maxIdleWorkers {
		p.spawnLocked()
	}
	p.observeLocked()
	p.mu.Unlock()

	p.logger.Infof("Pool created with max=%d idle=%d", maxWorkers, maxIdleWorkers)
	return p, nil
}

// Execute queues task for the next free worker and then rebalances the pool.
// It fails only after Close, when no worker will ever consume the queue again.
func (p *WorkerPool) Execute(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	if err := p.queue.push(job{kind: jobRun, task: task}); err != nil {
		return err
	}
	p.scale()
	return nil
}

// scale tops idle capacity up to maxIdleWorkers or sheds it when it exceeds twice that.
// The counts are a snapshot; concurrent submitters may act on slightly stale numbers.
func (p *WorkerPool) scale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	queued, busy := p.queue.snapshot()
	live := len(p.workers)
	idle := live - p.pendingTerminations - busy - queued

	switch {
	case idle < p.maxIdleWorkers:
		spawn := min(p.maxIdleWorkers-idle, p.maxWorkers-live)
		if spawn <= 0 {
			break
		}
		p.logger.Debugf("Spawning %d worker(s): live=%d busy=%d queued=%d", spawn, live, busy, queued)
		for range spawn {
			p.spawnLocked()
		}
	case idle > 2*p.maxIdleWorkers:
		excess := idle - p.maxIdleWorkers
		jobs := make([]job, excess)
		for i := range jobs {
			jobs[i] = job{kind: jobTerminate}
		}
		if err := p.queue.push(jobs...); err != nil {
			return
		}
		p.pendingTerminations += excess
		if p.metrics != nil {
			p.metrics.TerminationsQueued.Add(float64(excess))
		}
		p.logger.Infof("Sending %d termination request(s): live=%d idle=%d", excess, live, idle)
	}
	p.observeLocked()
}

// spawnLocked registers and starts one worker. p.mu must be held so the live count stays exact.
func (p *WorkerPool) spawnLocked() {
	id := p.nextID.Add(1)
	w := &worker{id: id, pool: p, logger: p.logger.WithField("worker", id)}
	p.workers[id] = w
	p.spawned.Add(1)
	if p.metrics != nil {
		p.metrics.WorkersSpawned.Inc()
	}
	go w.run()
}

// retire drops a worker from bookkeeping. terminated marks exits caused by a termination job.
func (p *WorkerPool) retire(id uint64, terminated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[id]; !ok {
		return
	}
	delete(p.workers, id)
	if terminated && p.pendingTerminations > 0 {
		p.pendingTerminations--
	}
	p.retired.Add(1)
	if p.metrics != nil {
		p.metrics.WorkersRetired.Inc()
	}
	p.observeLocked()
}

// taskDone counts a finished task. It runs after the busy guard is released.
func (p *WorkerPool) taskDone(panicked bool) {
	p.executed.Add(1)
	if panicked {
		p.panicked.Add(1)
	}
	if p.metrics == nil {
		return
	}
	p.metrics.TasksExecuted.Inc()
	if panicked {
		p.metrics.TaskPanics.Inc()
	}
	queued, busy := p.queue.snapshot()
	p.metrics.BusyWorkers.Set(float64(busy))
	p.metrics.QueuedTasks.Set(float64(queued))
}

// observeLocked copies the current counts into the gauges. p.mu must be held.
func (p *WorkerPool) observeLocked() {
	if p.metrics == nil {
		return
	}
	queued, busy := p.queue.snapshot()
	p.metrics.LiveWorkers.Set(float64(len(p.workers)))
	p.metrics.BusyWorkers.Set(float64(busy))
	p.metrics.QueuedTasks.Set(float64(queued))
}

// Stats returns the current counts.
func (p *WorkerPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	queued, busy := p.queue.snapshot()
	live := len(p.workers)
	return Stats{
		Name:                p.name,
		MaxWorkers:          p.maxWorkers,
		MaxIdleWorkers:      p.maxIdleWorkers,
		Live:                live,
		Busy:                busy,
		Idle:                live - busy,
		Queued:              queued,
		PendingTerminations: p.pendingTerminations,
		Executed:            p.executed.Load(),
		Panicked:            p.panicked.Load(),
		Spawned:             p.spawned.Load(),
		Retired:             p.retired.Load(),
	}
}

// Close stops accepting tasks and discards queued ones. Idle workers exit at once,
// busy workers after their current task. Close does not wait for them.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.pendingTerminations = 0
	p.mu.Unlock()

	if p.queue.close() {
		p.logger.Info("Pool closed")
	}
}
