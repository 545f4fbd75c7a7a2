// Package service provides the lifecycle framework every runtime service is
// built on.
//
// A service embeds [*Base], which owns status transitions, tracked bus
// subscriptions, safe emission, and status reporting. Concrete services supply
// a [Hooks] pair: Setup runs during start (register subscriptions, open
// resources) and Teardown runs during stop. The framework guarantees the
// error discipline: Setup failure transitions to ERROR and publishes a
// service-error event; Teardown failure is logged and the service still
// reaches STOPPED.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/payload"
)

// Status is the lifecycle state of a service.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusRunning      Status = "RUNNING"
	StatusDegraded     Status = "DEGRADED"
	StatusStopping     Status = "STOPPING"
	StatusStopped      Status = "STOPPED"
	StatusError        Status = "ERROR"
)

// DefaultGracePeriod is the pause between Setup completing and the service
// being marked RUNNING, giving subscriptions time to settle before dependent
// services start emitting.
const DefaultGracePeriod = 250 * time.Millisecond

// Service is the contract the composition root manages.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() Status
}

// Hooks are the service-specific start and stop callbacks.
type Hooks struct {
	// Setup registers subscriptions and acquires resources. Called once per
	// successful Start, before the grace period. May be nil.
	Setup func(ctx context.Context) error

	// Teardown releases resources. Called once per Stop, before subscriptions
	// are removed. May be nil. A returned error is logged, never propagated:
	// a service always reaches STOPPED.
	Teardown func(ctx context.Context) error
}

// Option configures a [Base] during construction.
type Option func(*Base)

// WithGracePeriod overrides the post-setup settle delay. Zero disables it,
// which tests use to keep start-up instant.
func WithGracePeriod(d time.Duration) Option {
	return func(b *Base) { b.grace = d }
}

// Base implements the shared service machinery. Embed a *Base and set Hooks
// via [New].
type Base struct {
	name  string
	bus   *bus.Bus
	hooks Hooks
	grace time.Duration

	mu         sync.Mutex
	status     Status
	subs       []bus.Subscription
	errCount   int
	lastUpdate time.Time
}

// New creates the lifecycle base for a named service.
func New(name string, b *bus.Bus, hooks Hooks, opts ...Option) *Base {
	base := &Base{
		name:   name,
		bus:    b,
		hooks:  hooks,
		grace:  DefaultGracePeriod,
		status: StatusInitializing,
	}
	for _, o := range opts {
		o(base)
	}
	return base
}

// Name returns the unique service name.
func (s *Base) Name() string { return s.name }

// Bus returns the event bus the service is attached to.
func (s *Base) Bus() *bus.Bus { return s.bus }

// Status returns the current lifecycle state.
func (s *Base) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ErrorCount returns the number of errors this service has reported.
func (s *Base) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errCount
}

// Start brings the service to RUNNING: Setup, grace period, status event.
// Calling Start on a RUNNING service is a no-op.
func (s *Base) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusRunning {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusInitializing
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	s.EmitStatus(ctx, StatusInitializing, "")

	if s.hooks.Setup != nil {
		if err := s.hooks.Setup(ctx); err != nil {
			s.setStatus(StatusError)
			s.EmitStatus(ctx, StatusError, err.Error())
			s.ReportError(ctx, payload.ErrKindFatal, fmt.Errorf("start: %w", err))
			return fmt.Errorf("service %s: start: %w", s.name, err)
		}
	}

	// Let subscriptions settle before dependents start emitting.
	if s.grace > 0 {
		select {
		case <-ctx.Done():
			s.setStatus(StatusError)
			return fmt.Errorf("service %s: start: %w", s.name, ctx.Err())
		case <-time.After(s.grace):
		}
	}

	s.setStatus(StatusRunning)
	s.EmitStatus(ctx, StatusRunning, "")
	return nil
}

// Stop brings the service to STOPPED, releasing subscriptions. It never
// returns an error: Teardown failures are logged and the service is forced to
// STOPPED. Calling Stop on a STOPPED service is a no-op.
func (s *Base) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusStopped || s.status == StatusStopping {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStopping
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	s.EmitStatus(ctx, StatusStopping, "")

	if s.hooks.Teardown != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("teardown panic, forcing STOPPED", "service", s.name, "panic", r)
				}
			}()
			if err := s.hooks.Teardown(ctx); err != nil {
				slog.Error("teardown failed, forcing STOPPED", "service", s.name, "err", err)
			}
		}()
	}

	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}

	s.setStatus(StatusStopped)
	s.EmitStatus(ctx, StatusStopped, "")
	return nil
}

// Subscribe registers a tracked bus subscription that is released on Stop.
func (s *Base) Subscribe(topic string, h bus.Handler) error {
	sub, err := s.bus.Subscribe(topic, h)
	if err != nil {
		return fmt.Errorf("service %s: subscribe %s: %w", s.name, topic, err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

// Subscriptions returns the number of live subscriptions held.
func (s *Base) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Emit stamps pl with the service name and publishes it. Stampable payloads
// embed [payload.Base]; dicts and foreign types pass through unchanged.
func (s *Base) Emit(ctx context.Context, topic string, pl any) error {
	if st, ok := pl.(interface{ Stamp(string) *payload.Base }); ok {
		st.Stamp(s.name)
	}
	return s.bus.Emit(ctx, topic, pl)
}

// EmitStatus publishes a service status update event.
func (s *Base) EmitStatus(ctx context.Context, status Status, message string) {
	pl := &payload.ServiceStatus{
		Service: s.name,
		Status:  string(status),
		Message: message,
	}
	pl.Stamp(s.name)
	if err := s.bus.Emit(ctx, bus.TopicServiceStatus, pl); err != nil {
		slog.Warn("status emit failed", "service", s.name, "err", err)
	}
}

// MarkDegraded transitions a running service to DEGRADED, used when a
// collaborator fails but the service remains responsive.
func (s *Base) MarkDegraded(ctx context.Context, reason string) {
	s.setStatus(StatusDegraded)
	s.EmitStatus(ctx, StatusDegraded, reason)
}

// MarkRunning restores RUNNING after a DEGRADED period.
func (s *Base) MarkRunning(ctx context.Context) {
	s.setStatus(StatusRunning)
	s.EmitStatus(ctx, StatusRunning, "")
}

// ReportError increments the error counter and publishes a classified
// service-error event.
func (s *Base) ReportError(ctx context.Context, kind string, err error) {
	s.mu.Lock()
	s.errCount++
	s.mu.Unlock()

	pl := &payload.ServiceError{
		Service: s.name,
		Kind:    kind,
		Message: err.Error(),
	}
	pl.Stamp(s.name)
	if emitErr := s.bus.Emit(ctx, bus.TopicServiceError, pl); emitErr != nil {
		slog.Warn("error report emit failed", "service", s.name, "err", emitErr)
	}
}

func (s *Base) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.lastUpdate = time.Now()
	s.mu.Unlock()
}
