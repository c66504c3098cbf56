// Package proxy accepts clients and hands each one, paired with a fresh backend
// connection, to the worker pool.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/matveynator/chicha-relay/pkg/config"
	"github.com/matveynator/chicha-relay/pkg/metrics"
	"github.com/matveynator/chicha-relay/pkg/relay"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Dialer opens backend connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Relay is the listener/dispatcher for one listen port and one backend.
type Relay struct {
	listenAddr  string
	backendAddr string
	dialTimeout time.Duration

	exec      relay.Executor
	forwarder *relay.Forwarder
	dialer    Dialer
	logger    logrus.FieldLogger
	metrics   *metrics.Relay
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger for accept, dial and connection events.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records accept, dial and forwarding metrics in m.
func WithMetrics(m *metrics.Relay) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithDialer replaces the net.Dialer used for backend connections.
func WithDialer(d Dialer) Option {
	return func(r *Relay) {
		r.dialer = d
	}
}

// NewRelay builds a dispatcher that submits connection tasks to exec.
func NewRelay(cfg config.Config, exec relay.Executor, opts ...Option) *Relay {
	r := &Relay{
		listenAddr:  cfg.ListenAddr(),
		backendAddr: cfg.BackendAddr(),
		dialTimeout: cfg.DialTimeout,
		exec:        exec,
		dialer:      &net.Dialer{KeepAlive: 30 * time.Second},
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.forwarder = relay.NewForwarder(
		relay.WithBufferSize(cfg.BufferSize),
		relay.WithLogger(r.logger),
		relay.WithMetrics(r.metrics),
	)
	return r
}

// ListenAndServe binds the listen port on every interface and serves until ctx is cancelled.
func (r *Relay) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", r.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to start relay on %s: %w", r.listenAddr, err)
	}
	return r.Serve(ctx, listener)
}

// Serve accepts clients from listener until ctx is cancelled or the listener is closed.
// Accept failures are logged and retried; they never stop the loop.
func (r *Relay) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()
	defer listener.Close()

	r.logger.Infof("TCP relay started on %s forwarding to %s", listener.Addr(), r.backendAddr)

	var delay time.Duration
	for {
		client, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Infof("TCP relay on %s stopped", listener.Addr())
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener %s closed: %w", listener.Addr(), err)
			}
			if r.metrics != nil {
				r.metrics.AcceptErrors.Inc()
			}

			delay = nextAcceptDelay(delay)
			r.logger.Warnf("Error accepting TCP connection on %s: %v; retrying in %s", listener.Addr(), err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}

		delay = 0
		r.dispatch(ctx, client)
	}
}

// nextAcceptDelay doubles the pause after each consecutive accept failure, capped at maxAcceptDelay.
func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(prev*2, maxAcceptDelay)
}

// dispatch dials the backend for one client and submits the relay task. It never waits for the task.
func (r *Relay) dispatch(ctx context.Context, client net.Conn) {
	id := uuid.NewString()
	logger := r.logger.WithFields(logrus.Fields{
		"conn":   id,
		"client": client.RemoteAddr().String(),
	})
	if r.metrics != nil {
		r.metrics.ConnectionsAccepted.Inc()
	}
	logger.Info("New client connecting to backend")

	dialCtx := ctx
	if r.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, r.dialTimeout)
		defer cancel()
	}

	backend, err := r.dialer.DialContext(dialCtx, "tcp", r.backendAddr)
	if err != nil {
		if r.metrics != nil {
			r.metrics.DialFailures.Inc()
		}
		logger.Errorf("Failed to connect to backend %s: %v", r.backendAddr, err)
		if err := client.Close(); err != nil {
			logger.Debugf("Failed to close client: %v", err)
		}
		return
	}

	err = r.exec.Execute(func() {
		r.forwarder.Forward(ctx, client, backend, r.exec, id)
	})
	if err != nil {
		logger.Errorf("Failed to schedule connection: %v", err)
		client.Close()
		backend.Close()
	}
}
