// Package memory implements the shared working memory of the runtime.
//
// Memory is a small set of typed slots mutated only by this service, either in
// response to bus events (mode changes, playback state, detected intents) or
// through explicit Set/AppendChat calls from the planner. Every mutation emits
// a memory-updated event. Readers get point-in-time snapshots and never block
// writers; WaitFor turns a predicate over the snapshot into an awaitable.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/internal/service"
)

// Well-known slot keys.
const (
	KeyMode         = "mode"
	KeyMusicPlaying = "music_playing"
	KeyCurrentTrack = "current_track"
	KeyLastIntent   = "last_intent"
)

// DefaultChatLimit bounds the chat history ring.
const DefaultChatLimit = 10

// ChatEntry is one turn of the conversation history.
type ChatEntry struct {
	Role string    `json:"role"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Snapshot is a point-in-time copy of the working memory, safe to read after
// the store has moved on.
type Snapshot struct {
	Slots map[string]any
	Chat  []ChatEntry
}

// Option configures a [Store] during construction.
type Option func(*Store)

// WithChatLimit overrides the chat history ring size.
func WithChatLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chatLimit = n
		}
	}
}

// WithGracePeriod forwards the service grace period option.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Store) { s.svcOpts = append(s.svcOpts, service.WithGracePeriod(d)) }
}

// waiter is one parked WaitFor call.
type waiter struct {
	pred func(Snapshot) bool
	ch   chan struct{}
}

// Store is the working-memory service. All exported methods are safe for
// concurrent use.
type Store struct {
	*service.Base

	chatLimit int
	svcOpts   []service.Option

	mu      sync.Mutex
	slots   map[string]any
	chat    []ChatEntry
	waiters map[*waiter]struct{}
}

// New creates the memory store service attached to b.
func New(b *bus.Bus, opts ...Option) *Store {
	s := &Store{
		chatLimit: DefaultChatLimit,
		slots:     make(map[string]any),
		waiters:   make(map[*waiter]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.Base = service.New("memory", b, service.Hooks{Setup: s.setup}, s.svcOpts...)
	return s
}

func (s *Store) setup(context.Context) error {
	if err := s.Subscribe(bus.TopicModeChange, s.onModeChange); err != nil {
		return err
	}
	if err := s.Subscribe(bus.TopicMusicPlaybackStarted, s.onPlaybackStarted); err != nil {
		return err
	}
	if err := s.Subscribe(bus.TopicMusicPlaybackStopped, s.onPlaybackStopped); err != nil {
		return err
	}
	return s.Subscribe(bus.TopicIntentDetected, s.onIntent)
}

// ─── bus handlers ───

func (s *Store) onModeChange(ctx context.Context, evt bus.Event) error {
	mode, _ := evt.Payload["to"].(string)
	if mode == "" {
		return fmt.Errorf("memory: mode change without 'to' field")
	}
	return s.Set(ctx, KeyMode, mode)
}

func (s *Store) onPlaybackStarted(ctx context.Context, evt bus.Event) error {
	if err := s.Set(ctx, KeyMusicPlaying, true); err != nil {
		return err
	}
	return s.Set(ctx, KeyCurrentTrack, evt.Payload["track"])
}

func (s *Store) onPlaybackStopped(ctx context.Context, evt bus.Event) error {
	if err := s.Set(ctx, KeyMusicPlaying, false); err != nil {
		return err
	}
	return s.Set(ctx, KeyCurrentTrack, nil)
}

func (s *Store) onIntent(ctx context.Context, evt bus.Event) error {
	return s.Set(ctx, KeyLastIntent, evt.Payload["intent_name"])
}

// ─── mutation API ───

// Set writes a slot and emits a memory-updated event. Waiters whose predicate
// becomes true are released.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	s.slots[key] = value
	snap := s.snapshotLocked()
	s.notifyLocked(snap)
	s.mu.Unlock()

	pl := &payload.MemoryUpdated{Key: key, Value: value}
	return s.Emit(ctx, bus.TopicMemoryUpdated, pl)
}

// AppendChat appends one turn to the bounded chat history ring, dropping the
// oldest entry when full, and emits a memory-updated event.
func (s *Store) AppendChat(ctx context.Context, role, text string) error {
	entry := ChatEntry{Role: role, Text: text, At: time.Now()}

	s.mu.Lock()
	s.chat = append(s.chat, entry)
	if len(s.chat) > s.chatLimit {
		s.chat = s.chat[len(s.chat)-s.chatLimit:]
	}
	snap := s.snapshotLocked()
	s.notifyLocked(snap)
	s.mu.Unlock()

	pl := &payload.MemoryUpdated{Key: "chat_history", Value: text}
	return s.Emit(ctx, bus.TopicMemoryUpdated, pl)
}

// ─── read API ───

// Get returns a slot value and whether it is set.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.slots[key]
	return v, ok
}

// GetString returns a string-typed slot, or "" when unset or mistyped.
func (s *Store) GetString(key string) string {
	v, _ := s.Get(key)
	str, _ := v.(string)
	return str
}

// GetBool returns a bool-typed slot, or false when unset or mistyped.
func (s *Store) GetBool(key string) bool {
	v, _ := s.Get(key)
	b, _ := v.(bool)
	return b
}

// Chat returns a copy of the chat history, oldest first.
func (s *Store) Chat() []ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatEntry, len(s.chat))
	copy(out, s.chat)
	return out
}

// SnapshotNow returns a point-in-time copy of all slots and the chat ring.
func (s *Store) SnapshotNow() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// WaitFor blocks until pred is true for some memory snapshot, or ctx expires.
// pred is evaluated immediately and again after every mutation; it must be
// fast and side-effect free.
func (s *Store) WaitFor(ctx context.Context, pred func(Snapshot) bool) error {
	s.mu.Lock()
	if pred(s.snapshotLocked()) {
		s.mu.Unlock()
		return nil
	}
	w := &waiter{pred: pred, ch: make(chan struct{})}
	s.waiters[w] = struct{}{}
	s.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, w)
		s.mu.Unlock()
		return fmt.Errorf("memory: wait_for: %w", ctx.Err())
	}
}

// snapshotLocked copies the slots and chat; callers hold s.mu.
func (s *Store) snapshotLocked() Snapshot {
	slots := make(map[string]any, len(s.slots))
	for k, v := range s.slots {
		slots[k] = v
	}
	chat := make([]ChatEntry, len(s.chat))
	copy(chat, s.chat)
	return Snapshot{Slots: slots, Chat: chat}
}

// notifyLocked releases every waiter whose predicate now holds; callers hold
// s.mu. Predicates run under the lock, which is safe because they never touch
// the bus.
func (s *Store) notifyLocked(snap Snapshot) {
	for w := range s.waiters {
		if w.pred(snap) {
			close(w.ch)
			delete(s.waiters, w)
		}
	}
}
