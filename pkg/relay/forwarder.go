// Package relay copies bytes between a client socket and its backend socket.
// Each direction is its own loop; whichever loop stops first tears the other down.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matveynator/chicha-relay/pkg/metrics"
	"github.com/matveynator/chicha-relay/pkg/pool"
)

// DefaultBufferSize matches a typical Ethernet MTU.
const DefaultBufferSize = 1500

// Executor runs a task on some other goroutine. *pool.WorkerPool satisfies it.
type Executor interface {
	Execute(task pool.Task) error
}

// Forwarder relays one connection pair at a time per call to Forward.
type Forwarder struct {
	bufferSize int
	logger     logrus.FieldLogger
	metrics    *metrics.Relay
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithBufferSize sets the per-direction read chunk size.
func WithBufferSize(size int) Option {
	return func(f *Forwarder) {
		if size > 0 {
			f.bufferSize = size
		}
	}
}

// WithLogger sets the logger used for per-direction close reasons.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics records byte counts, active connections and durations in m.
func WithMetrics(m *metrics.Relay) Option {
	return func(f *Forwarder) {
		f.metrics = m
	}
}

// NewForwarder returns a Forwarder with MTU-sized buffers unless overridden.
func NewForwarder(opts ...Option) *Forwarder {
	f := &Forwarder{
		bufferSize: DefaultBufferSize,
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// connectionState is shared by the two loops of one proxied connection.
type connectionState struct {
	connected atomic.Bool
	// claimed is set by whichever side first takes ownership of the pooled
	// direction: its task when a worker runs it, or the inline direction when
	// it exits first. The loser does nothing.
	claimed   atomic.Bool
	near, far net.Conn
	started   time.Time

	mu        sync.Mutex
	result    Result
	remaining int
	done      chan Result
}

// disconnect stops both loops at their next check.
func (s *connectionState) disconnect() {
	s.connected.Store(false)
}

// Forward relays near (client side) and far (backend side) until either side stops.
// near→far is handed to exec, far→near runs on the calling goroutine, so Forward
// returns once the far→near loop has exited. If near→far has not started by then it
// is abandoned and reported as ReasonNotStarted. The returned channel yields the
// combined result after both directions are accounted for; callers may ignore it.
// Cancelling ctx closes both sockets.
func (f *Forwarder) Forward(ctx context.Context, near, far net.Conn, exec Executor, id string) <-chan Result {
	state := &connectionState{
		near:      near,
		far:       far,
		started:   time.Now(),
		remaining: 2,
		done:      make(chan Result, 1),
	}
	state.connected.Store(true)
	state.result.ID = id

	logger := f.logger.WithField("conn", id)
	if f.metrics != nil {
		f.metrics.ActiveConnections.Inc()
	}

	stop := context.AfterFunc(ctx, func() {
		state.disconnect()
		closeQuietly(near, logger)
		closeQuietly(far, logger)
	})

	upstreamLog := logger.WithField("direction", Upstream.String())
	err := exec.Execute(func() {
		if !state.claimed.CompareAndSwap(false, true) {
			return
		}
		f.finish(state, f.pipe(state, near, far, Upstream, upstreamLog), stop, logger)
	})
	if err != nil {
		logger.Errorf("Failed to schedule %s forwarding: %v", Upstream, err)
		state.disconnect()
		closeQuietly(near, logger)
		closeQuietly(far, logger)
		f.finish(state, DirectionResult{Direction: Upstream, Reason: ReasonNotStarted, Err: err}, stop, logger)
		f.finish(state, DirectionResult{Direction: Downstream, Reason: ReasonNotStarted, Err: err}, stop, logger)
		return state.done
	}

	downstreamLog := logger.WithField("direction", Downstream.String())
	f.finish(state, f.pipe(state, far, near, Downstream, downstreamLog), stop, logger)

	// A queued task that no worker picked up (pool saturated or closed) would
	// otherwise leave far open and the result undelivered.
	if state.claimed.CompareAndSwap(false, true) {
		upstreamLog.Warn("Forwarding never started; closing the connection")
		f.finish(state, DirectionResult{Direction: Upstream, Reason: ReasonNotStarted}, stop, logger)
	}
	return state.done
}

// pipe runs one forwarding loop and then tears the connection down from its side.
func (f *Forwarder) pipe(state *connectionState, sender, receiver net.Conn, dir Direction, logger logrus.FieldLogger) DirectionResult {
	res := f.copyLoop(state, sender, receiver, dir)

	switch res.Reason {
	case ReasonSenderClosed:
		logger.Infof("Connection closed by the sender after %d byte(s)", res.Bytes)
	case ReasonReceiverRejected:
		logger.Warn("The receiver is no longer accepting data")
	case ReasonReadError:
		logger.Warnf("Failed to read data from the sender: %v", res.Err)
	case ReasonWriteError:
		logger.Warnf("Error writing to the receiver: %v", res.Err)
	case ReasonCancelled:
		logger.Debugf("Stopped after the opposite direction closed (%d byte(s))", res.Bytes)
	}

	// Reads have no interrupt of their own; closing the receiver is what
	// unblocks the opposite loop, which reads from this same socket.
	state.disconnect()
	closeQuietly(receiver, logger)
	return res
}

// copyLoop moves bytes from sender to receiver until either fails or the connection is torn down.
func (f *Forwarder) copyLoop(state *connectionState, sender, receiver net.Conn, dir Direction) DirectionResult {
	res := DirectionResult{Direction: dir, Reason: ReasonCancelled}
	buf := make([]byte, f.bufferSize)

	for state.connected.Load() {
		n, readErr := sender.Read(buf)
		if n > 0 {
			written, writeErr := receiver.Write(buf[:n])
			res.Bytes += int64(written)
			if f.metrics != nil && written > 0 {
				f.metrics.BytesForwarded.WithLabelValues(dir.String()).Add(float64(written))
			}
			if writeErr != nil {
				return classify(state, res, ReasonWriteError, writeErr)
			}
			if written == 0 {
				res.Reason = ReasonReceiverRejected
				return res
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				res.Reason = ReasonSenderClosed
				return res
			}
			return classify(state, res, ReasonReadError, readErr)
		}
		if n == 0 {
			res.Reason = ReasonSenderClosed
			return res
		}
	}
	return res
}

// classify separates genuine I/O failures from the errors produced by our own teardown.
func classify(state *connectionState, res DirectionResult, reason CloseReason, err error) DirectionResult {
	if !state.connected.Load() && errors.Is(err, net.ErrClosed) {
		res.Reason = ReasonCancelled
		return res
	}
	res.Reason = reason
	res.Err = err
	return res
}

// finish records one direction's result; the second call closes out the connection.
func (f *Forwarder) finish(state *connectionState, res DirectionResult, stop func() bool, logger logrus.FieldLogger) {
	state.mu.Lock()
	if res.Direction == Upstream {
		state.result.Upstream = res
	} else {
		state.result.Downstream = res
	}
	state.remaining--
	last := state.remaining == 0
	result := state.result
	state.mu.Unlock()

	if !last {
		return
	}

	stop()
	closeQuietly(state.near, logger)
	closeQuietly(state.far, logger)

	result.Duration = time.Since(state.started)
	if f.metrics != nil {
		f.metrics.ActiveConnections.Dec()
		f.metrics.ConnectionDuration.Observe(result.Duration.Seconds())
	}
	logger.Infof("Connection finished after %s: %d byte(s) up, %d byte(s) down",
		result.Duration.Round(time.Millisecond), result.Upstream.Bytes, result.Downstream.Bytes)
	state.done <- result
}

// closeQuietly shuts a socket down in both directions. Losing the race against the
// opposite loop yields net.ErrClosed, which is expected and only logged at debug level.
func closeQuietly(conn net.Conn, logger logrus.FieldLogger) {
	if err := conn.Close(); err != nil {
		logger.Debugf("Failed to close stream: %v", err)
	}
}
