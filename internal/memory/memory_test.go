package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rexworks/cantina/internal/bus"
)

func newStarted(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := New(b, WithGracePeriod(0))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, b
}

func TestSetAndGet(t *testing.T) {
	s, _ := newStarted(t)
	ctx := context.Background()

	if err := s.Set(ctx, KeyMode, "AMBIENT"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := s.GetString(KeyMode); got != "AMBIENT" {
		t.Errorf("mode = %q, want %q", got, "AMBIENT")
	}
	if _, ok := s.Get("nonexistent"); ok {
		t.Error("Get on unset key: ok = true, want false")
	}
}

func TestSetEmitsMemoryUpdated(t *testing.T) {
	s, b := newStarted(t)
	ctx := context.Background()

	var got []bus.Event
	if _, err := b.Subscribe(bus.TopicMemoryUpdated, func(_ context.Context, evt bus.Event) error {
		got = append(got, evt)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := s.Set(ctx, KeyMusicPlaying, true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("memory updated events = %d, want 1", len(got))
	}
	if key := got[0].Payload["key"]; key != KeyMusicPlaying {
		t.Errorf("key = %v, want %q", key, KeyMusicPlaying)
	}
}

func TestChatRingBounded(t *testing.T) {
	b := bus.New()
	s := New(b, WithGracePeriod(0), WithChatLimit(3))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	ctx := context.Background()
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		if err := s.AppendChat(ctx, "user", text); err != nil {
			t.Fatalf("AppendChat: %v", err)
		}
	}

	chat := s.Chat()
	if len(chat) != 3 {
		t.Fatalf("chat length = %d, want 3", len(chat))
	}
	if chat[0].Text != "three" || chat[2].Text != "five" {
		t.Errorf("chat = [%s %s %s], want oldest dropped", chat[0].Text, chat[1].Text, chat[2].Text)
	}
}

func TestModeChangeEventUpdatesSlot(t *testing.T) {
	s, b := newStarted(t)
	ctx := context.Background()

	err := b.Emit(ctx, bus.TopicModeChange, map[string]any{
		"from": "IDLE", "to": "INTERACTIVE", "source": "mode",
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got := s.GetString(KeyMode); got != "INTERACTIVE" {
		t.Errorf("mode slot = %q, want %q", got, "INTERACTIVE")
	}
}

func TestPlaybackEventsUpdateSlots(t *testing.T) {
	s, b := newStarted(t)
	ctx := context.Background()

	err := b.Emit(ctx, bus.TopicMusicPlaybackStarted, map[string]any{
		"source": "music",
		"track":  map[string]any{"track_id": "t1", "title": "Cantina Band"},
	})
	if err != nil {
		t.Fatalf("Emit started: %v", err)
	}
	if !s.GetBool(KeyMusicPlaying) {
		t.Error("music_playing = false after playback started")
	}
	if v, ok := s.Get(KeyCurrentTrack); !ok || v == nil {
		t.Error("current_track not set after playback started")
	}

	err = b.Emit(ctx, bus.TopicMusicPlaybackStopped, map[string]any{
		"source": "music",
		"track":  map[string]any{"track_id": "t1", "title": "Cantina Band"},
	})
	if err != nil {
		t.Fatalf("Emit stopped: %v", err)
	}
	if s.GetBool(KeyMusicPlaying) {
		t.Error("music_playing = true after playback stopped")
	}
}

func TestWaitFor_ImmediateAndDeferred(t *testing.T) {
	s, _ := newStarted(t)
	ctx := context.Background()

	// Predicate already true: returns without blocking.
	if err := s.Set(ctx, KeyMode, "AMBIENT"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.WaitFor(ctx, func(snap Snapshot) bool {
		return snap.Slots[KeyMode] == "AMBIENT"
	}); err != nil {
		t.Fatalf("WaitFor (immediate): %v", err)
	}

	// Predicate becomes true after a later mutation.
	done := make(chan error, 1)
	go func() {
		done <- s.WaitFor(ctx, func(snap Snapshot) bool {
			return snap.Slots[KeyMusicPlaying] == true
		})
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Set(ctx, KeyMusicPlaying, true); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitFor (deferred): %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not return after predicate became true")
	}
}

func TestWaitFor_Timeout(t *testing.T) {
	s, _ := newStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.WaitFor(ctx, func(Snapshot) bool { return false })
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s, _ := newStarted(t)
	ctx := context.Background()

	if err := s.Set(ctx, KeyMode, "IDLE"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	snap := s.SnapshotNow()
	snap.Slots[KeyMode] = "mutated"

	if got := s.GetString(KeyMode); got != "IDLE" {
		t.Errorf("store mutated through snapshot: mode = %q", got)
	}
}
