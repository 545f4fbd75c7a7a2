// Package bus implements the in-process publish/subscribe event bus at the
// heart of the droid runtime.
//
// Services never call each other directly; they exchange typed payloads over
// topic-addressed event streams. The bus guarantees that a subscription is
// visible before Subscribe returns, dispatches to handlers in insertion order,
// isolates handler failures from one another, and bounds every handler
// invocation with a per-handler timeout so one stuck subscriber can never
// stall the runtime.
//
// Payloads are validated against the schema registered for their topic (see
// [github.com/rexworks/cantina/internal/payload]); validation failures are
// logged and the raw dict is delivered anyway, so a schema mistake degrades
// observability rather than silencing an event stream.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rexworks/cantina/internal/payload"
)

// ErrBadTopic is returned by Emit and Subscribe for topics outside the
// enumerated topic set.
var ErrBadTopic = errors.New("bus: unknown topic")

const (
	// DefaultHandlerTimeout bounds a single handler invocation during Emit.
	DefaultHandlerTimeout = 2 * time.Second

	// suspectThreshold is the number of consecutive handler timeouts after
	// which a handler is marked suspect. Suspect handlers keep receiving
	// events; the flag exists for diagnostics and status reporting.
	suspectThreshold = 3
)

// Event is what subscribers receive: the topic and the dict view of the payload.
type Event struct {
	Topic   string
	Payload payload.Dict
}

// Handler processes one event. The supplied context carries the per-handler
// timeout; handlers performing I/O must respect its cancellation. A returned
// error is logged and reported on the service-error topic but never prevents
// other handlers from receiving the event.
type Handler func(ctx context.Context, evt Event) error

// Subscription identifies one registered (topic, handler) pair. The token is
// assigned at registration time and is the only reliable handle for removal —
// function values have no usable equality in Go.
type Subscription struct {
	ID    string
	Topic string
}

// entry is the internal registration record for one handler.
type entry struct {
	id    string
	topic string
	fn    Handler
	fnPtr uintptr // used for Subscribe idempotence on identical function values

	removed             chan struct{} // closed on unsubscribe
	removeOnce          sync.Once
	consecutiveTimeouts int
	suspect             bool
	statMu              sync.Mutex
}

func (e *entry) isRemoved() bool {
	select {
	case <-e.removed:
		return true
	default:
		return false
	}
}

// Option configures a [Bus] during construction.
type Option func(*Bus)

// WithHandlerTimeout overrides the per-handler emit timeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.handlerTimeout = d
		}
	}
}

// WithPropagateErrors makes Emit return the first handler error after all
// handlers have been attempted. Intended for test harnesses; production code
// leaves this off so handler failures stay isolated.
func WithPropagateErrors() Option {
	return func(b *Bus) { b.propagateErrors = true }
}

// WithRegistry injects a payload registry instead of the default bindings.
func WithRegistry(r *payload.Registry) Option {
	return func(b *Bus) { b.registry = r }
}

// Bus is the topic-addressed dispatcher. All exported methods are safe for
// concurrent use.
type Bus struct {
	registry        *payload.Registry
	handlerTimeout  time.Duration
	propagateErrors bool

	mu     sync.RWMutex
	topics map[string][]*entry
	byID   map[string]*entry
}

// New creates a [Bus] with the default payload schema bindings.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlerTimeout: DefaultHandlerTimeout,
		topics:         make(map[string][]*entry),
		byID:           make(map[string]*entry),
	}
	for _, o := range opts {
		o(b)
	}
	if b.registry == nil {
		b.registry = DefaultRegistry()
	}
	return b
}

// Registry returns the payload registry the bus validates against.
func (b *Bus) Registry() *payload.Registry { return b.registry }

// Subscribe registers handler for topic. When Subscribe returns, the handler
// is atomically part of the topic's dispatch set: any Emit that begins
// afterwards will observe it.
//
// Subscribing the same function value to the same topic twice returns the
// existing subscription instead of registering a duplicate. Distinct closures
// are always distinct handlers, even if textually identical.
func (b *Bus) Subscribe(topic string, handler Handler) (Subscription, error) {
	if !KnownTopic(topic) {
		return Subscription{}, fmt.Errorf("%w: %s", ErrBadTopic, topic)
	}
	if handler == nil {
		return Subscription{}, errors.New("bus: nil handler")
	}

	ptr := reflect.ValueOf(handler).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.topics[topic] {
		if e.fnPtr == ptr && !e.isRemoved() {
			return Subscription{ID: e.id, Topic: topic}, nil
		}
	}

	e := &entry{
		id:      uuid.NewString(),
		topic:   topic,
		fn:      handler,
		fnPtr:   ptr,
		removed: make(chan struct{}),
	}
	b.topics[topic] = append(b.topics[topic], e)
	b.byID[e.id] = e
	return Subscription{ID: e.id, Topic: topic}, nil
}

// Unsubscribe removes a subscription. Idempotent: removing an unknown or
// already-removed subscription is a no-op. A removed handler never fires for
// emits that begin after Unsubscribe returns; at most one in-flight delivery
// may race with removal.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.byID[sub.ID]
	if !ok {
		return
	}
	e.removeOnce.Do(func() { close(e.removed) })
	delete(b.byID, sub.ID)

	list := b.topics[e.topic]
	for i, cand := range list {
		if cand.id == e.id {
			b.topics[e.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// SubscriberCount returns the number of live subscriptions for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Emit validates pl against the topic's schema and delivers the dict view to
// every subscriber in insertion order. Emit returns once all handlers have
// completed or timed out; handler errors and timeouts are logged and reported
// on the service-error topic but are not returned unless the bus was built
// with [WithPropagateErrors].
func (b *Bus) Emit(ctx context.Context, topic string, pl any) error {
	if !KnownTopic(topic) {
		slog.Error("emit on unknown topic", "topic", topic)
		return fmt.Errorf("%w: %s", ErrBadTopic, topic)
	}

	dict, err := b.registry.Convert(topic, pl)
	if err != nil {
		slog.Warn("payload conversion failed, emitting empty dict", "topic", topic, "err", err)
		dict = payload.Dict{}
	}
	if _, ok := dict["timestamp"]; !ok {
		dict["timestamp"] = time.Now().Format(time.RFC3339Nano)
	}

	b.mu.RLock()
	snapshot := make([]*entry, len(b.topics[topic]))
	copy(snapshot, b.topics[topic])
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: dict}

	var firstErr error
	for _, e := range snapshot {
		if e.isRemoved() {
			continue
		}
		if err := b.invoke(ctx, e, evt); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if b.propagateErrors {
		return firstErr
	}
	return nil
}

// invoke runs a single handler with the per-handler timeout and full panic
// isolation. Failures are logged and reported; the returned error is only
// consumed by the propagate-errors test path.
func (b *Bus) invoke(ctx context.Context, e *entry, evt Event) error {
	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- e.fn(hctx, evt)
	}()

	select {
	case err := <-done:
		b.recordOutcome(e, false)
		if err != nil {
			slog.Error("handler failed", "topic", evt.Topic, "subscription", e.id, "err", err)
			b.reportHandlerError(ctx, evt.Topic, err)
			return err
		}
		return nil

	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			b.recordOutcome(e, true)
			slog.Warn("handler timed out",
				"topic", evt.Topic, "subscription", e.id, "timeout", b.handlerTimeout)
			b.reportHandlerError(ctx, evt.Topic, fmt.Errorf("handler timeout after %s", b.handlerTimeout))
			return fmt.Errorf("bus: handler timeout on %s", evt.Topic)
		}
		// Parent context cancelled: the emit itself is being torn down.
		return hctx.Err()
	}
}

// recordOutcome tracks consecutive timeouts and marks a handler suspect after
// the threshold is crossed.
func (b *Bus) recordOutcome(e *entry, timedOut bool) {
	e.statMu.Lock()
	defer e.statMu.Unlock()

	if !timedOut {
		e.consecutiveTimeouts = 0
		return
	}
	e.consecutiveTimeouts++
	if e.consecutiveTimeouts >= suspectThreshold && !e.suspect {
		e.suspect = true
		slog.Warn("handler marked suspect after consecutive timeouts",
			"topic", e.topic, "subscription", e.id, "timeouts", e.consecutiveTimeouts)
	}
}

// Suspect reports whether the subscription has been marked suspect.
func (b *Bus) Suspect(sub Subscription) bool {
	b.mu.RLock()
	e, ok := b.byID[sub.ID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	e.statMu.Lock()
	defer e.statMu.Unlock()
	return e.suspect
}

// reportHandlerError publishes a service-error event for a failed handler.
// Errors raised by service-error subscribers themselves are only logged —
// this is the recursion stop.
func (b *Bus) reportHandlerError(ctx context.Context, topic string, err error) {
	if topic == TopicServiceError {
		return
	}
	pl := &payload.ServiceError{
		Service: "bus",
		Kind:    payload.ErrKindHandler,
		Message: err.Error(),
		Topic:   topic,
	}
	pl.Stamp("bus")
	// Ignore the result: a failing error report must not fail the emit.
	_ = b.Emit(ctx, TopicServiceError, pl)
}
