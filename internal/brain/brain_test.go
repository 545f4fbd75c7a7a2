package brain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/memory"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/pkg/provider/llm"
	llmmock "github.com/rexworks/cantina/pkg/provider/llm/mock"
)

// recorder captures events per topic.
type recorder struct {
	mu     sync.Mutex
	events map[string][]bus.Event
}

func record(t *testing.T, b *bus.Bus, topics ...string) *recorder {
	t.Helper()
	r := &recorder{events: map[string][]bus.Event{}}
	for _, topic := range topics {
		topic := topic
		if _, err := b.Subscribe(topic, func(_ context.Context, evt bus.Event) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events[topic] = append(r.events[topic], evt)
			return nil
		}); err != nil {
			t.Fatalf("Subscribe %s: %v", topic, err)
		}
	}
	return r
}

func (r *recorder) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[topic])
}

func (r *recorder) last(topic string) (bus.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evts := r.events[topic]
	if len(evts) == 0 {
		return bus.Event{}, false
	}
	return evts[len(evts)-1], true
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newStartedBrain(t *testing.T, provider llm.Provider) (*Brain, *bus.Bus, *memory.Store) {
	t.Helper()
	b := bus.New()
	mem := memory.New(b, memory.WithGracePeriod(0))
	if err := mem.Start(context.Background()); err != nil {
		t.Fatalf("start memory: %v", err)
	}
	t.Cleanup(func() { _ = mem.Stop(context.Background()) })

	br := New(b, provider, mem, WithGracePeriod(0))
	if err := br.Start(context.Background()); err != nil {
		t.Fatalf("start brain: %v", err)
	}
	t.Cleanup(func() { _ = br.Stop(context.Background()) })
	return br, b, mem
}

func finalTranscript(t *testing.T, b *bus.Bus, convID, text string) {
	t.Helper()
	pl := &payload.Transcript{SessionID: "sess-1", Text: text}
	pl.ConversationID = convID
	pl.Stamp("test")
	if err := b.Emit(context.Background(), bus.TopicTranscriptionFinal, pl); err != nil {
		t.Fatalf("Emit transcript: %v", err)
	}
}

func TestTranscriptToolCallBecomesIntentAndCommand(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			ToolCalls: []llm.ToolCall{{
				ID:        "call-1",
				Name:      "play_music",
				Arguments: `{"track":"funky"}`,
			}},
		},
	}
	_, b, _ := newStartedBrain(t, p)
	r := record(t, b, bus.TopicIntentDetected, bus.TopicMusicCommand)

	finalTranscript(t, b, "conv-1", "play something funky")

	waitFor(t, func() bool { return r.count(bus.TopicMusicCommand) == 1 }, "no music command")

	evt, _ := r.last(bus.TopicIntentDetected)
	if evt.Payload["intent_name"] != "play_music" {
		t.Errorf("intent = %v, want play_music", evt.Payload["intent_name"])
	}
	if evt.Payload["conversation_id"] != "conv-1" {
		t.Errorf("intent conversation_id = %v, want conv-1", evt.Payload["conversation_id"])
	}

	evt, _ = r.last(bus.TopicMusicCommand)
	if evt.Payload["action"] != "play" || evt.Payload["track_query"] != "funky" {
		t.Errorf("music command = %v", evt.Payload)
	}
	if evt.Payload["conversation_id"] != "conv-1" {
		t.Errorf("command conversation_id = %v, want conv-1", evt.Payload["conversation_id"])
	}

	// The dialog turn offered the tool set.
	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(calls))
	}
	if len(calls[0].Req.Tools) == 0 {
		t.Error("dialog turn should offer the tool set")
	}
}

func TestPlaybackStartedTriggersIntroPlan(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "play_music", Arguments: `{"track":"cantina"}`}}},
			{Content: "Here comes the Cantina Band, folks!"},
		},
	}
	_, b, _ := newStartedBrain(t, p)
	r := record(t, b, bus.TopicMusicCommand, bus.TopicPlanReady)

	finalTranscript(t, b, "conv-2", "play the cantina band")
	waitFor(t, func() bool { return r.count(bus.TopicMusicCommand) == 1 }, "no music command")

	started := &payload.PlaybackState{
		Track: payload.Track{TrackID: "cantina_band.mp3", Title: "cantina band", Provider: "local"},
	}
	started.ConversationID = "conv-2"
	started.Stamp("music")
	if err := b.Emit(context.Background(), bus.TopicMusicPlaybackStarted, started); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, func() bool { return r.count(bus.TopicPlanReady) == 1 }, "no intro plan")
	evt, _ := r.last(bus.TopicPlanReady)
	if evt.Payload["layer"] != payload.LayerForeground {
		t.Errorf("plan layer = %v, want foreground", evt.Payload["layer"])
	}
	steps, _ := evt.Payload["steps"].([]any)
	if len(steps) != 1 {
		t.Fatalf("plan steps = %d, want 1", len(steps))
	}
	step, _ := steps[0].(map[string]any)
	if step["type"] != payload.StepSpeak || step["text"] != "Here comes the Cantina Band, folks!" {
		t.Errorf("speak step = %v", step)
	}

	// The intro request must not offer tools.
	calls := p.Calls()
	if len(calls) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(calls))
	}
	if len(calls[1].Req.Tools) != 0 {
		t.Error("intro request should not carry tools")
	}
}

func TestUnmatchedPlaybackIsIgnored(t *testing.T) {
	p := &llmmock.Provider{}
	_, b, _ := newStartedBrain(t, p)
	r := record(t, b, bus.TopicPlanReady)

	started := &payload.PlaybackState{
		Track: payload.Track{TrackID: "x.mp3", Title: "x", Provider: "local"},
	}
	started.ConversationID = "conv-unknown"
	started.Stamp("music")
	if err := b.Emit(context.Background(), bus.TopicMusicPlaybackStarted, started); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if r.count(bus.TopicPlanReady) != 0 {
		t.Error("playback without a pending intent must not produce a plan")
	}
	if len(p.Calls()) != 0 {
		t.Error("no model call expected for unmatched playback")
	}
}

func TestContentReplyBecomesSpeakPlan(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Well hello there, traveler!"},
	}
	_, b, mem := newStartedBrain(t, p)
	r := record(t, b, bus.TopicPlanReady)

	finalTranscript(t, b, "conv-3", "hello rex")

	waitFor(t, func() bool { return r.count(bus.TopicPlanReady) == 1 }, "no speak plan")
	evt, _ := r.last(bus.TopicPlanReady)
	steps, _ := evt.Payload["steps"].([]any)
	step, _ := steps[0].(map[string]any)
	if step["text"] != "Well hello there, traveler!" {
		t.Errorf("speak text = %v", step["text"])
	}

	// Both sides of the turn land in the chat ring.
	waitFor(t, func() bool { return len(mem.Chat()) == 2 }, "chat history incomplete")
	chat := mem.Chat()
	if chat[0].Role != "user" || chat[1].Role != "assistant" {
		t.Errorf("chat roles = %s/%s, want user/assistant", chat[0].Role, chat[1].Role)
	}
}

func TestUnknownIntentReported(t *testing.T) {
	p := &llmmock.Provider{}
	_, b, _ := newStartedBrain(t, p)
	r := record(t, b, bus.TopicServiceError)

	intent := &payload.IntentDetected{IntentName: "dance_party"}
	intent.Stamp("test")
	if err := b.Emit(context.Background(), bus.TopicIntentDetected, intent); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, func() bool { return r.count(bus.TopicServiceError) >= 1 }, "no service error")
}

func TestDJShowControl(t *testing.T) {
	p := &llmmock.Provider{}
	_, b, _ := newStartedBrain(t, p)
	r := record(t, b, bus.TopicMusicCommand, bus.TopicEyeCommand)

	dj := func(action string, auto bool) {
		pl := &payload.DJCommand{Action: action, AutoTransition: auto}
		pl.Stamp("test")
		if err := b.Emit(context.Background(), bus.TopicDJCommand, pl); err != nil {
			t.Fatalf("Emit dj %s: %v", action, err)
		}
	}
	stopped := func() {
		pl := &payload.PlaybackState{Track: payload.Track{TrackID: "t", Title: "t", Provider: "local"}}
		pl.Stamp("music")
		if err := b.Emit(context.Background(), bus.TopicMusicPlaybackStopped, pl); err != nil {
			t.Fatalf("Emit stopped: %v", err)
		}
	}

	dj("start", true)
	if r.count(bus.TopicMusicCommand) != 1 {
		t.Fatalf("commands = %d, want 1 play after start", r.count(bus.TopicMusicCommand))
	}
	evt, _ := r.last(bus.TopicMusicCommand)
	if evt.Payload["action"] != "play" {
		t.Errorf("start command = %v, want play", evt.Payload["action"])
	}
	if r.count(bus.TopicEyeCommand) != 1 {
		t.Errorf("eye commands = %d, want 1 (dj pattern)", r.count(bus.TopicEyeCommand))
	}

	// A track ending auto-advances the show.
	stopped()
	evt, _ = r.last(bus.TopicMusicCommand)
	if evt.Payload["action"] != "next" {
		t.Errorf("auto-transition command = %v, want next", evt.Payload["action"])
	}

	// Stop ends the show; the resulting stopped event must not restart it.
	dj("stop", false)
	n := r.count(bus.TopicMusicCommand)
	stopped()
	if r.count(bus.TopicMusicCommand) != n {
		t.Error("stopped event after dj stop must not emit further commands")
	}
}

func TestModelFailureReported(t *testing.T) {
	p := &llmmock.Provider{CompleteErr: errors.New("backend down")}
	_, b, _ := newStartedBrain(t, p)
	r := record(t, b, bus.TopicServiceError, bus.TopicIntentDetected)

	finalTranscript(t, b, "conv-4", "play something")

	waitFor(t, func() bool { return r.count(bus.TopicServiceError) >= 1 }, "no service error")
	if r.count(bus.TopicIntentDetected) != 0 {
		t.Error("failed turn must not emit intents")
	}
}
