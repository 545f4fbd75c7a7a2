package timeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/payload"
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

// countWhere counts events on topic whose payload field equals val.
func (r *recorder) countWhere(topic, key, val string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events[topic] {
		if evt.Payload[key] == val {
			n++
		}
	}
	return n
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
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newStartedExecutor(t *testing.T, opts ...Option) (*Executor, *bus.Bus) {
	t.Helper()
	b := bus.New()
	opts = append([]Option{WithGracePeriod(0)}, opts...)
	e := New(b, opts...)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e, b
}

func submit(t *testing.T, b *bus.Bus, planID, layer string, steps ...payload.PlanStep) {
	t.Helper()
	pl := &payload.PlanReady{PlanID: planID, Layer: layer, Steps: steps}
	pl.Stamp("test")
	if err := b.Emit(context.Background(), bus.TopicPlanReady, pl); err != nil {
		t.Fatalf("Emit plan %s: %v", planID, err)
	}
}

func TestPlanRunsStepsInOrder(t *testing.T) {
	_, b := newStartedExecutor(t)
	r := record(t, b,
		bus.TopicPlanStarted, bus.TopicPlanEnded,
		bus.TopicStepReady, bus.TopicStepExecuted,
		bus.TopicEyeCommand, bus.TopicMusicCommand,
	)

	submit(t, b, "plan-1", payload.LayerAmbient,
		payload.PlanStep{ID: "s1", Type: payload.StepEyePattern, Pattern: "idle"},
		payload.PlanStep{ID: "s2", Type: payload.StepPlayMusic, ClipID: "cantina band"},
		payload.PlanStep{ID: "s3", Type: payload.StepDelay, DelaySeconds: 0.01},
	)

	waitFor(t, func() bool { return r.countWhere(bus.TopicPlanEnded, "plan_id", "plan-1") == 1 },
		"plan did not end")

	if r.count(bus.TopicPlanStarted) != 1 {
		t.Errorf("plan-started events = %d, want 1", r.count(bus.TopicPlanStarted))
	}
	if got := r.count(bus.TopicStepExecuted); got != 3 {
		t.Errorf("executed steps = %d, want 3", got)
	}
	evt, _ := r.last(bus.TopicEyeCommand)
	if evt.Payload["pattern"] != "idle" {
		t.Errorf("eye pattern = %v, want idle", evt.Payload["pattern"])
	}
	evt, _ = r.last(bus.TopicMusicCommand)
	if evt.Payload["action"] != "play" || evt.Payload["track_query"] != "cantina band" {
		t.Errorf("music command = %v", evt.Payload)
	}
}

func TestSpeakStepDucksAndAwaitsSynthesis(t *testing.T) {
	_, b := newStartedExecutor(t)
	r := record(t, b,
		bus.TopicDuckingStart, bus.TopicDuckingStop,
		bus.TopicSynthesisRequest, bus.TopicStepExecuted, bus.TopicPlanEnded,
	)

	// Fake speech service: answer every synthesis request after a beat.
	if _, err := b.Subscribe(bus.TopicSynthesisRequest, func(_ context.Context, evt bus.Event) error {
		reqID, _ := evt.Payload["request_id"].(string)
		go func() {
			time.Sleep(30 * time.Millisecond)
			pl := &payload.SynthesisState{RequestID: reqID, Success: true}
			pl.Stamp("fake-speech")
			_ = b.Emit(context.Background(), bus.TopicSynthesisEnded, pl)
		}()
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	submit(t, b, "plan-speak", payload.LayerForeground,
		payload.PlanStep{ID: "s1", Type: payload.StepSpeak, Text: "Hello there!"},
	)

	waitFor(t, func() bool { return r.count(bus.TopicPlanEnded) == 1 }, "plan did not end")
	if r.count(bus.TopicStepExecuted) != 1 {
		t.Errorf("executed steps = %d, want 1", r.count(bus.TopicStepExecuted))
	}
	if r.count(bus.TopicDuckingStart) != 1 || r.count(bus.TopicDuckingStop) != 1 {
		t.Errorf("duck start/stop = %d/%d, want 1/1",
			r.count(bus.TopicDuckingStart), r.count(bus.TopicDuckingStop))
	}
	evt, _ := r.last(bus.TopicSynthesisRequest)
	if evt.Payload["text"] != "Hello there!" {
		t.Errorf("synthesis text = %v", evt.Payload["text"])
	}
}

func TestSpeakTimeoutFailsStepAndReleasesDuck(t *testing.T) {
	_, b := newStartedExecutor(t, WithSpeakTimeout(50*time.Millisecond))
	r := record(t, b,
		bus.TopicDuckingStop, bus.TopicStepFailed, bus.TopicStepExecuted, bus.TopicPlanEnded,
	)

	// No speech service answers: the speak step times out, the duck is still
	// released, and the plan carries on with the next step.
	submit(t, b, "plan-timeout", payload.LayerForeground,
		payload.PlanStep{ID: "s1", Type: payload.StepSpeak, Text: "anyone?"},
		payload.PlanStep{ID: "s2", Type: payload.StepEyePattern, Pattern: "sad"},
	)

	waitFor(t, func() bool { return r.count(bus.TopicPlanEnded) == 1 }, "plan did not end")
	if r.countWhere(bus.TopicStepFailed, "step_id", "s1") != 1 {
		t.Error("speak step should fail on timeout")
	}
	if r.countWhere(bus.TopicStepExecuted, "step_id", "s2") != 1 {
		t.Error("plan should continue past the failed step")
	}
	if r.count(bus.TopicDuckingStop) != 1 {
		t.Errorf("duck stops = %d, want 1 (duck released on timeout)", r.count(bus.TopicDuckingStop))
	}
}

func TestOverridePreemptsLowerLayers(t *testing.T) {
	_, b := newStartedExecutor(t)
	r := record(t, b,
		bus.TopicStepCancelled, bus.TopicStepExecuted, bus.TopicPlanEnded,
	)

	submit(t, b, "plan-fg", payload.LayerForeground,
		payload.PlanStep{ID: "long", Type: payload.StepDelay, DelaySeconds: 10},
	)
	submit(t, b, "plan-ovr", payload.LayerOverride,
		payload.PlanStep{ID: "urgent", Type: payload.StepEyePattern, Pattern: "alert"},
	)

	waitFor(t, func() bool { return r.countWhere(bus.TopicPlanEnded, "plan_id", "plan-ovr") == 1 },
		"override plan did not run")
	waitFor(t, func() bool { return r.countWhere(bus.TopicPlanEnded, "plan_id", "plan-fg") == 1 },
		"preempted plan did not end")

	if r.countWhere(bus.TopicStepCancelled, "step_id", "long") != 1 {
		t.Error("in-flight foreground step should be cancelled")
	}
	evt, _ := r.last(bus.TopicStepCancelled)
	if evt.Payload["reason"] != "preempted" {
		t.Errorf("cancel reason = %v, want preempted", evt.Payload["reason"])
	}
	if r.countWhere(bus.TopicStepExecuted, "step_id", "urgent") != 1 {
		t.Error("override step should execute")
	}
}

func TestOverrideInterruptsAmbientAndResumes(t *testing.T) {
	_, b := newStartedExecutor(t)
	r := record(t, b,
		bus.TopicStepReady, bus.TopicStepExecuted, bus.TopicStepCancelled, bus.TopicPlanEnded,
	)

	submit(t, b, "plan-amb", payload.LayerAmbient,
		payload.PlanStep{ID: "a1", Type: payload.StepDelay, DelaySeconds: 0.01},
		payload.PlanStep{ID: "a2", Type: payload.StepDelay, DelaySeconds: 10},
		payload.PlanStep{ID: "a3", Type: payload.StepEyePattern, Pattern: "idle"},
	)
	waitFor(t, func() bool { return r.countWhere(bus.TopicStepReady, "step_id", "a2") == 1 },
		"ambient did not reach its long step")

	submit(t, b, "plan-ovr", payload.LayerOverride,
		payload.PlanStep{ID: "urgent", Type: payload.StepEyePattern, Pattern: "alert"},
	)

	waitFor(t, func() bool { return r.countWhere(bus.TopicPlanEnded, "plan_id", "plan-ovr") == 1 },
		"override plan did not run")

	// The ambient run survives the override: only its in-flight step is
	// cancelled, and the remaining steps run once the override layer clears.
	waitFor(t, func() bool { return r.countWhere(bus.TopicPlanEnded, "plan_id", "plan-amb") == 1 },
		"ambient plan did not resume after the override ended")
	if r.countWhere(bus.TopicStepCancelled, "step_id", "a2") != 1 {
		t.Error("ambient in-flight step should be cancelled by the override")
	}
	evt, _ := r.last(bus.TopicStepCancelled)
	if evt.Payload["reason"] != "preempted" {
		t.Errorf("cancel reason = %v, want preempted", evt.Payload["reason"])
	}
	if r.countWhere(bus.TopicStepExecuted, "step_id", "a3") != 1 {
		t.Error("ambient should finish its remaining steps after resuming")
	}
	if r.countWhere(bus.TopicPlanEnded, "plan_id", "plan-amb") != 1 {
		t.Errorf("ambient plan-ended events = %d, want exactly 1",
			r.countWhere(bus.TopicPlanEnded, "plan_id", "plan-amb"))
	}
}

func TestForegroundPausesAmbientAndResumes(t *testing.T) {
	_, b := newStartedExecutor(t)
	r := record(t, b, bus.TopicPlanEnded, bus.TopicStepExecuted)

	submit(t, b, "plan-amb", payload.LayerAmbient,
		payload.PlanStep{ID: "a1", Type: payload.StepDelay, DelaySeconds: 0.01},
		payload.PlanStep{ID: "a2", Type: payload.StepDelay, DelaySeconds: 0.01},
		payload.PlanStep{ID: "a3", Type: payload.StepDelay, DelaySeconds: 0.01},
	)
	// Foreground blocks on an event only this test emits.
	submit(t, b, "plan-fg", payload.LayerForeground,
		payload.PlanStep{ID: "f1", Type: payload.StepWaitForEvent, Event: bus.TopicDJCommand},
	)

	// The ambient plan would finish in ~30ms unpaused. Well past that, it
	// must still be parked behind the foreground layer.
	time.Sleep(200 * time.Millisecond)
	if r.countWhere(bus.TopicPlanEnded, "plan_id", "plan-amb") != 0 {
		t.Fatal("ambient plan finished while foreground was active")
	}

	// Release the foreground plan; ambient resumes from its cursor.
	dj := &payload.DJCommand{Action: "next"}
	dj.Stamp("test")
	if err := b.Emit(context.Background(), bus.TopicDJCommand, dj); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, func() bool { return r.countWhere(bus.TopicPlanEnded, "plan_id", "plan-fg") == 1 },
		"foreground plan did not end")
	waitFor(t, func() bool { return r.countWhere(bus.TopicPlanEnded, "plan_id", "plan-amb") == 1 },
		"ambient plan did not resume and finish")
	if got := r.countWhere(bus.TopicStepExecuted, "plan_id", "plan-amb"); got != 3 {
		t.Errorf("ambient executed steps = %d, want 3 (cursor retained)", got)
	}
}

func TestWaitForEventStep(t *testing.T) {
	_, b := newStartedExecutor(t)
	r := record(t, b, bus.TopicStepExecuted, bus.TopicPlanEnded)

	submit(t, b, "plan-wait", payload.LayerAmbient,
		payload.PlanStep{ID: "w1", Type: payload.StepWaitForEvent, Event: bus.TopicMusicPlaybackStarted},
	)

	time.Sleep(20 * time.Millisecond)
	pl := &payload.PlaybackState{Track: payload.Track{TrackID: "t", Title: "t", Provider: "local"}}
	pl.Stamp("test")
	if err := b.Emit(context.Background(), bus.TopicMusicPlaybackStarted, pl); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, func() bool { return r.count(bus.TopicPlanEnded) == 1 }, "plan did not end")
	if r.countWhere(bus.TopicStepExecuted, "step_id", "w1") != 1 {
		t.Error("wait step should execute once the event arrives")
	}
}

func TestWaitForEventUnknownTopicFails(t *testing.T) {
	_, b := newStartedExecutor(t)
	r := record(t, b, bus.TopicStepFailed, bus.TopicPlanEnded)

	submit(t, b, "plan-bad", payload.LayerAmbient,
		payload.PlanStep{ID: "w1", Type: payload.StepWaitForEvent, Event: "/no/such/topic"},
	)

	waitFor(t, func() bool { return r.count(bus.TopicPlanEnded) == 1 }, "plan did not end")
	if r.countWhere(bus.TopicStepFailed, "step_id", "w1") != 1 {
		t.Error("unknown awaited topic should fail the step")
	}
}

func TestNewPlanReplacesSameLayer(t *testing.T) {
	_, b := newStartedExecutor(t)
	r := record(t, b, bus.TopicStepCancelled, bus.TopicPlanEnded, bus.TopicStepExecuted)

	submit(t, b, "plan-old", payload.LayerAmbient,
		payload.PlanStep{ID: "old", Type: payload.StepDelay, DelaySeconds: 10},
	)
	submit(t, b, "plan-new", payload.LayerAmbient,
		payload.PlanStep{ID: "new", Type: payload.StepEyePattern, Pattern: "fresh"},
	)

	waitFor(t, func() bool { return r.countWhere(bus.TopicPlanEnded, "plan_id", "plan-new") == 1 },
		"replacement plan did not run")
	if r.countWhere(bus.TopicStepCancelled, "step_id", "old") != 1 {
		t.Error("replaced plan's in-flight step should be cancelled")
	}
	evt, _ := r.last(bus.TopicStepCancelled)
	if evt.Payload["reason"] != "replaced" {
		t.Errorf("cancel reason = %v, want replaced", evt.Payload["reason"])
	}
}

func TestInvalidPlanReported(t *testing.T) {
	_, b := newStartedExecutor(t)
	r := record(t, b, bus.TopicServiceError, bus.TopicPlanStarted)

	if err := b.Emit(context.Background(), bus.TopicPlanReady,
		payload.Dict{"layer": payload.LayerAmbient}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, func() bool { return r.count(bus.TopicServiceError) >= 1 }, "no service error")
	if r.count(bus.TopicPlanStarted) != 0 {
		t.Error("invalid plan must not start")
	}
}
