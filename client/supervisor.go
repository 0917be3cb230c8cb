package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/metrics"
	"github.com/c0deZ3R0/recordsync/records"
)

// State is the connection state of one supervised channel.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateReconnecting
	// StateFailed is terminal: MaxAttempts consecutive attempts failed.
	StateFailed
	// StateStopped is terminal: Stop was called or the context ended.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConnectionStatus represents the state of one supervised channel
type ConnectionStatus struct {
	Channel           string
	State             State
	LastConnected     time.Time
	ReconnectAttempts int
	Error             error
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	// Backoff paces reconnection attempts. Defaults to ConstantBackoff.
	Backoff BackoffStrategy

	// MaxAttempts caps consecutive failed attempts; 0 retries forever.
	MaxAttempts int

	// Refetch runs after every successful connection, before any event
	// from that connection is handled.
	Refetch func(ctx context.Context) error

	// Handle receives every envelope in arrival order, one at a time.
	Handle func(channel string, env records.Envelope)

	// OnStateChange observes every transition.
	OnStateChange func(status ConnectionStatus)

	Logger  *logging.Logger
	Metrics metrics.Collector
}

// Supervisor keeps one delivery channel for one resource type connected,
// reconnecting after failures and refetching after every connection to
// close the gap of missed events.
type Supervisor struct {
	resource records.ResourceType
	dialer   Dialer
	opts     SupervisorOptions
	logger   *logging.Logger
	metrics  metrics.Collector

	mu     sync.RWMutex
	status ConnectionStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a supervisor in StateIdle.
func NewSupervisor(rt records.ResourceType, dialer Dialer, opts SupervisorOptions) *Supervisor {
	if opts.Backoff == nil {
		opts.Backoff = &ConstantBackoff{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent(logging.Component(component))
	}
	return &Supervisor{
		resource: rt,
		dialer:   dialer,
		opts:     opts,
		logger:   logger.WithResource(string(rt)).WithChannel(dialer.Channel()),
		metrics:  metrics.OrNoOp(opts.Metrics),
		status:   ConnectionStatus{Channel: dialer.Channel(), State: StateIdle},
	}
}

// Start launches the supervision loop. It is a no-op when already started.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop cancels any connection or pending reconnection and waits for the
// loop to exit. Safe to call at any time, more than once.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()
	if cancel == nil {
		s.setState(StateStopped, nil)
		return
	}
	cancel()
	<-done
}

// Done is closed when the loop has exited. Nil before Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Status returns the current connection status.
func (s *Supervisor) Status() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Supervisor) setState(state State, err error) {
	s.mu.Lock()
	if s.status.State == StateStopped || s.status.State == StateFailed {
		s.mu.Unlock()
		return
	}
	s.status.State = state
	s.status.Error = err
	if state == StateConnected {
		s.status.LastConnected = time.Now()
		s.status.ReconnectAttempts = 0
	}
	status := s.status
	s.mu.Unlock()

	s.logger.Debug("channel state changed", slog.String("state", state.String()))
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(status)
	}
}

func (s *Supervisor) setAttempts(n int) {
	s.mu.Lock()
	s.status.ReconnectAttempts = n
	s.mu.Unlock()
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateStopped, nil)

	channel := s.dialer.Channel()
	attempt := 0
	connectedOnce := false

	for {
		if connectedOnce || attempt > 0 {
			s.setState(StateReconnecting, nil)
			s.metrics.ReconnectAttempt(channel, string(s.resource))
		} else {
			s.setState(StateConnecting, nil)
		}

		stream, err := s.dialer.Dial(ctx, s.resource)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			s.setAttempts(attempt)
			s.logger.LogError(ctx, err, "channel connection failed", slog.Int("attempt", attempt))
			if s.opts.MaxAttempts > 0 && attempt >= s.opts.MaxAttempts {
				s.setState(StateFailed, err)
				return
			}
			s.setState(StateDisconnected, err)
			if !s.wait(ctx, s.opts.Backoff.NextDelay(attempt-1)) {
				return
			}
			continue
		}

		attempt = 0
		connectedOnce = true
		s.opts.Backoff.Reset()
		s.setState(StateConnected, nil)

		err = s.consume(ctx, stream)
		if ctx.Err() != nil {
			stream.Close()
			return
		}
		s.setState(StateDisconnecting, err)
		stream.Close()
		s.setState(StateDisconnected, err)
		if err != nil && !errors.Is(err, io.EOF) {
			s.logger.LogError(ctx, err, "channel disconnected")
		} else {
			s.logger.Info("channel closed by server")
		}
		if !s.wait(ctx, s.opts.Backoff.NextDelay(0)) {
			return
		}
	}
}

// consume refetches, then handles envelopes until the stream fails.
func (s *Supervisor) consume(ctx context.Context, stream EventStream) error {
	if s.opts.Refetch != nil {
		if err := s.opts.Refetch(ctx); err != nil && ctx.Err() == nil {
			s.logger.LogError(ctx, err, "refetch after connect failed")
		}
	}
	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if syncErrors.KindOf(err) == syncErrors.KindInvalid {
				s.logger.LogError(ctx, err, "skipping malformed message")
				continue
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.opts.Handle != nil {
			s.opts.Handle(s.dialer.Channel(), env)
		}
	}
}

// wait sleeps for d unless ctx ends first.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
