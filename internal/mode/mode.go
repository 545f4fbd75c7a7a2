// Package mode implements the top-level mode state machine.
//
// The droid is always in exactly one of three modes: IDLE (dormant), AMBIENT
// (scripted show, no microphone), or INTERACTIVE (microphone and dialog
// active). Transitions happen only through mode-request events, are validated
// against the transition table, and are serialized by a single-writer mutex so
// no two transitions overlap. Each accepted request produces exactly one
// mode-change event; side effects (starting capture, cancelling plans, releasing
// ducks) belong to the services that subscribe to that event.
package mode

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/internal/service"
)

// Mode is one of the three top-level system states.
type Mode string

const (
	Idle        Mode = "IDLE"
	Ambient     Mode = "AMBIENT"
	Interactive Mode = "INTERACTIVE"
)

// valid reports whether m names a known mode.
func (m Mode) valid() bool {
	switch m {
	case Idle, Ambient, Interactive:
		return true
	}
	return false
}

// transitions is the allowed transition table. Any mode may drop to IDLE;
// same-mode requests are handled separately as no-ops.
var transitions = map[Mode]map[Mode]bool{
	Idle:        {Ambient: true, Interactive: true},
	Ambient:     {Interactive: true, Idle: true},
	Interactive: {Ambient: true, Idle: true},
}

// Option configures a [Manager] during construction.
type Option func(*Manager)

// WithGracePeriod forwards the service grace period option.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		m.svcOpts = append(m.svcOpts, service.WithGracePeriod(d))
	}
}

// Manager is the mode state machine service.
type Manager struct {
	*service.Base

	svcOpts []service.Option

	// writeMu serializes transitions end to end, including the mode-change
	// emission, so subscribers never observe interleaved transitions. It is
	// never held by bus handlers other than the transition path.
	writeMu sync.Mutex

	mu      sync.RWMutex
	current Mode
}

// New creates the mode manager, starting in IDLE.
func New(b *bus.Bus, opts ...Option) *Manager {
	m := &Manager{current: Idle}
	for _, o := range opts {
		o(m)
	}
	m.Base = service.New("mode", b, service.Hooks{Setup: m.setup}, m.svcOpts...)
	return m
}

func (m *Manager) setup(context.Context) error {
	return m.Subscribe(bus.TopicModeRequest, m.onRequest)
}

// Current returns the current mode.
func (m *Manager) Current() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// onRequest handles one mode transition request.
func (m *Manager) onRequest(ctx context.Context, evt bus.Event) error {
	raw, _ := evt.Payload["mode"].(string)
	target := Mode(raw)
	if !target.valid() {
		err := fmt.Errorf("mode: invalid target mode %q", raw)
		m.ReportError(ctx, payload.ErrKindValidation, err)
		return err
	}
	return m.Request(ctx, target)
}

// Request performs the transition to target. Same-mode requests are no-ops.
// Disallowed transitions are rejected with a service-error event and the
// current mode is preserved. The transition is atomic with respect to other
// requests: the mode-change event for one transition is fully delivered
// before the next transition begins.
func (m *Manager) Request(ctx context.Context, target Mode) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	from := m.current
	m.mu.RUnlock()

	if from == target {
		return nil
	}
	if !transitions[from][target] {
		err := fmt.Errorf("mode: transition %s -> %s is not allowed", from, target)
		m.ReportError(ctx, payload.ErrKindValidation, err)
		return err
	}

	m.mu.Lock()
	m.current = target
	m.mu.Unlock()

	// The change event and the console confirmation flush through one
	// transaction so subscribers observe them adjacent and in order.
	tx := m.Bus().Transaction()
	change := &payload.ModeChange{From: string(from), To: string(target)}
	change.Stamp(m.Name())
	if err := tx.Emit(bus.TopicModeChange, change); err != nil {
		tx.Discard()
		return err
	}
	confirm := &payload.CLIResponse{Message: engagedMessage(target)}
	confirm.Stamp(m.Name())
	if err := tx.Emit(bus.TopicCLIResponse, confirm); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit(ctx)
}

// engagedMessage is the console confirmation for a completed transition,
// e.g. "Interactive mode engaged."
func engagedMessage(target Mode) string {
	s := strings.ToLower(string(target))
	return strings.ToUpper(s[:1]) + s[1:] + " mode engaged."
}
