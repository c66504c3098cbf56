package pool

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

type worker struct {
	id     uint64
	pool   *WorkerPool
	logger logrus.FieldLogger
}

// run pulls jobs until it dequeues a termination job or the queue closes.
func (w *worker) run() {
	w.logger.Debug("Worker waiting for tasks")
	for {
		j, guard, ok := w.pool.queue.pop()
		if !ok {
			w.pool.retire(w.id, false)
			w.logger.Debug("Worker shutting down: queue closed")
			return
		}
		if j.kind == jobTerminate {
			w.pool.retire(w.id, true)
			w.logger.Info("Worker retired to shed idle capacity")
			return
		}
		w.execute(j.task, guard)
	}
}

// execute runs one task. A panic is contained here: the busy slot is released and the worker keeps serving.
func (w *worker) execute(task Task, guard *busyGuard) {
	panicked := false
	defer func() {
		guard.release()
		w.pool.taskDone(panicked)
	}()
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			w.logger.WithField("stack", string(debug.Stack())).Errorf("Task panicked: %v", r)
		}
	}()

	w.logger.Debug("Worker got a task")
	task()
	w.logger.Debug("Worker finished a task")
}
