package pool

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matveynator/chicha-relay/pkg/metrics"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestPool(t *testing.T, maxWorkers, maxIdle int, opts ...Option) *WorkerPool {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithName(t.Name())}, opts...)
	p, err := New(maxWorkers, maxIdle, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func trackMax(current int32, peak *atomic.Int32) {
	for {
		seen := peak.Load()
		if current <= seen || peak.CompareAndSwap(seen, current) {
			return
		}
	}
}

func TestNewRejectsInvalidSizes(t *testing.T) {
	cases := []struct {
		name    string
		max     int
		maxIdle int
	}{
		{"zero max", 0, 0},
		{"negative max", -1, 0},
		{"idle above max", 2, 3},
		{"negative idle", 2, -1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.max, tc.maxIdle, WithLogger(quietLogger()))
			assert.ErrorIs(t, err, ErrInvalidSize)
			assert.Nil(t, p)
		})
	}
}

func TestNewStartsIdleWorkers(t *testing.T) {
	p := newTestPool(t, 4, 2)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Live)
	assert.Equal(t, 0, stats.Busy)
	assert.Equal(t, 4, stats.MaxWorkers)
	assert.Equal(t, 2, stats.MaxIdleWorkers)
}

func TestExecuteRejectsNilTask(t *testing.T) {
	p := newTestPool(t, 1, 1)
	assert.ErrorIs(t, p.Execute(nil), ErrNilTask)
}

func TestEveryTaskRunsExactlyOnce(t *testing.T) {
	const submissions = 2000
	p := newTestPool(t, 8, 2)

	var runs [submissions]atomic.Int32
	var wg sync.WaitGroup
	wg.Add(submissions)

	var submitters sync.WaitGroup
	for s := range 4 {
		submitters.Add(1)
		go func(offset int) {
			defer submitters.Done()
			for i := offset; i < submissions; i += 4 {
				assert.NoError(t, p.Execute(func() {
					defer wg.Done()
					runs[i].Add(1)
				}))
			}
		}(s)
	}
	submitters.Wait()
	wg.Wait()

	for i := range runs {
		require.Equal(t, int32(1), runs[i].Load(), "task %d", i)
	}
	assert.Eventually(t, func() bool {
		return p.Stats().Executed == submissions
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLiveWorkersNeverExceedMax(t *testing.T) {
	const maxWorkers = 3
	p := newTestPool(t, maxWorkers, 2)

	release := make(chan struct{})
	var running, peak atomic.Int32
	var wg sync.WaitGroup

	stop := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			assert.LessOrEqual(t, p.Stats().Live, maxWorkers)
			time.Sleep(time.Millisecond)
		}
	}()

	for range 30 {
		wg.Add(1)
		go func() {
			assert.NoError(t, p.Execute(func() {
				defer wg.Done()
				trackMax(running.Add(1), &peak)
				<-release
				running.Add(-1)
			}))
		}()
	}

	assert.Eventually(t, func() bool {
		return running.Load() == maxWorkers
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	close(stop)
	sampler.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(maxWorkers))
	assert.LessOrEqual(t, p.Stats().Live, maxWorkers)
}

func TestBusyCounterSurvivesPanics(t *testing.T) {
	const tasks = 40
	p := newTestPool(t, 8, 2)

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(tasks)
	for i := range tasks {
		fail := i%2 == 0
		require.NoError(t, p.Execute(func() {
			defer wg.Done()
			<-release
			if fail {
				panic("task failed on purpose")
			}
		}))
	}

	assert.Eventually(t, func() bool {
		return p.Stats().Busy == 8
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()

	assert.Eventually(t, func() bool {
		stats := p.Stats()
		return stats.Busy == 0 && stats.Executed == tasks
	}, 2*time.Second, 5*time.Millisecond)
	stats := p.Stats()
	assert.Equal(t, uint64(tasks/2), stats.Panicked)
	assert.Equal(t, 8, stats.Live, "panicking tasks must not kill their workers")
}

func TestWorkerKeepsServingAfterPanic(t *testing.T) {
	p := newTestPool(t, 1, 1)

	require.NoError(t, p.Execute(func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, p.Execute(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task after panic never ran")
	}
	assert.Equal(t, 1, p.Stats().Live)
}

func TestThirdTaskWaitsForFreeSlot(t *testing.T) {
	p := newTestPool(t, 2, 1)

	started := make(chan int, 3)
	release := make(chan struct{}, 3)
	for i := range 3 {
		require.NoError(t, p.Execute(func() {
			started <- i
			<-release
		}))
	}

	first, second := <-started, <-started
	assert.ElementsMatch(t, []int{0, 1}, []int{first, second})

	select {
	case id := <-started:
		t.Fatalf("task %d started while both workers were busy", id)
	case <-time.After(150 * time.Millisecond):
	}
	stats := p.Stats()
	assert.Equal(t, 2, stats.Live)
	assert.Equal(t, 2, stats.Busy)
	assert.Equal(t, 1, stats.Queued)

	release <- struct{}{}
	select {
	case id := <-started:
		assert.Equal(t, 2, id)
	case <-time.After(2 * time.Second):
		t.Fatal("queued task never started after a slot freed")
	}

	release <- struct{}{}
	release <- struct{}{}
	assert.Eventually(t, func() bool {
		return p.Stats().Busy == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, p.Stats().Live, 2)
}

func TestIdleWorkersConverge(t *testing.T) {
	const maxIdle = 1
	p := newTestPool(t, 8, maxIdle)

	release := make(chan struct{})
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		require.NoError(t, p.Execute(func() {
			defer wg.Done()
			<-release
		}))
	}

	// Demand of six plus one standing idle worker.
	assert.Eventually(t, func() bool {
		return p.Stats().Live == 7
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()
	assert.Eventually(t, func() bool {
		return p.Stats().Busy == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		_ = p.Execute(func() {})
		stats := p.Stats()
		return stats.Live <= 2*maxIdle && stats.PendingTerminations == 0
	}, 3*time.Second, 10*time.Millisecond)

	stats := p.Stats()
	assert.GreaterOrEqual(t, stats.Live, maxIdle)
	assert.Positive(t, stats.Retired)
}

func TestNoWorkersAreShedWhileBacklogged(t *testing.T) {
	p := newTestPool(t, 4, 0)

	release := make(chan struct{})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		require.NoError(t, p.Execute(func() {
			defer wg.Done()
			<-release
		}))
	}

	assert.Eventually(t, func() bool {
		stats := p.Stats()
		return stats.Live == 4 && stats.Busy == 4 && stats.Queued == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, p.Stats().PendingTerminations)

	close(release)
	wg.Wait()
}

func TestExecuteAfterClose(t *testing.T) {
	p := newTestPool(t, 4, 3)
	p.Close()
	p.Close()

	assert.ErrorIs(t, p.Execute(func() {}), ErrPoolClosed)
	assert.Eventually(t, func() bool {
		return p.Stats().Live == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoolPublishesMetrics(t *testing.T) {
	m := metrics.New("pooltest")
	p := newTestPool(t, 4, 2, WithMetrics(m.Pool))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Pool.LiveWorkers))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Pool.WorkersSpawned))

	done := make(chan struct{})
	require.NoError(t, p.Execute(func() { close(done) }))
	<-done
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Pool.TasksExecuted) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
