package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrTxClosed is returned when emitting on a transaction that has already
// been committed or discarded.
var ErrTxClosed = errors.New("bus: transaction already closed")

// Tx buffers emissions so that a multi-event state change becomes visible to
// subscribers as one atomic sequence in declared order. Mode transitions and
// plan start/end use this to keep their event pairs adjacent even when other
// emitters are active.
//
// A Tx is not safe for concurrent use; it is meant to be built and committed
// within a single handler or method body. The one rule callers must follow:
// never hold a lock across Commit, because Commit awaits every subscriber.
type Tx struct {
	bus *Bus

	mu     sync.Mutex
	events []txEvent
	closed bool
}

type txEvent struct {
	topic string
	pl    any
}

// Transaction starts a new buffered emission context.
func (b *Bus) Transaction() *Tx {
	return &Tx{bus: b}
}

// Emit buffers an event for the commit. Topic validity is checked immediately
// so a typo fails at the buffering site, not at flush time.
func (t *Tx) Emit(topic string, pl any) error {
	if !KnownTopic(topic) {
		return errors.Join(ErrBadTopic, errors.New(topic))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTxClosed
	}
	t.events = append(t.events, txEvent{topic: topic, pl: pl})
	return nil
}

// Commit flushes all buffered events in declared order. Each event is fully
// delivered (all subscribers attempted) before the next one begins, so
// subscribers observe the sequence exactly as declared. Commit closes the
// transaction; further Emit calls fail with [ErrTxClosed].
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTxClosed
	}
	t.closed = true
	events := t.events
	t.events = nil
	t.mu.Unlock()

	var firstErr error
	for _, ev := range events {
		if err := t.bus.Emit(ctx, ev.topic, ev.pl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Discard drops all buffered events and closes the transaction.
func (t *Tx) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.events = nil
}
