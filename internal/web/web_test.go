package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

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

func (r *recorder) last(topic string) (bus.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evts := r.events[topic]
	if len(evts) == 0 {
		return bus.Event{}, false
	}
	return evts[len(evts)-1], true
}

type fixture struct {
	bus    *bus.Bus
	bridge *Bridge
	ws     *websocket.Conn
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	b := bus.New()
	opts = append([]Option{WithGracePeriod(0)}, opts...)
	br := New(b, opts...)
	if err := br.Start(context.Background()); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	t.Cleanup(func() { _ = br.Stop(context.Background()) })

	srv := httptest.NewServer(br.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, strings.Replace(srv.URL, "http", "ws", 1), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })

	f := &fixture{bus: b, bridge: br, ws: ws}
	if env := f.read(t); env.Event != "connected" {
		t.Fatalf("first frame = %q, want connected", env.Event)
	}
	return f
}

func (f *fixture) send(t *testing.T, env Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.ws.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (f *fixture) read(t *testing.T) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, raw, err := f.ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return env
}

// await reads frames until one matches the wanted event name, returning the
// names of all frames skipped along the way.
func (f *fixture) await(t *testing.T, event string) (Envelope, []string) {
	t.Helper()
	var skipped []string
	for i := 0; i < 64; i++ {
		env := f.read(t)
		if env.Event == event {
			return env, skipped
		}
		skipped = append(skipped, env.Event)
	}
	t.Fatalf("event %q never arrived (saw %v)", event, skipped)
	return Envelope{}, nil
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

func TestConnectAnnouncesConnection(t *testing.T) {
	f := newFixture(t)
	if n := f.bridge.ConnectionCount(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
	_ = f
}

func TestMusicCommandReachesBusAndAcks(t *testing.T) {
	f := newFixture(t)
	r := record(t, f.bus, bus.TopicMusicCommand)

	f.send(t, Envelope{Event: "music_command", Data: map[string]any{
		"action":      "play",
		"track_query": "cantina",
	}})

	env, _ := f.await(t, "command_response")
	if env.Data["status"] != "ok" || env.Data["command"] != "music_command" {
		t.Errorf("ack = %v", env.Data)
	}

	waitFor(t, func() bool { return r.count(bus.TopicMusicCommand) == 1 }, "no bus command")
	evt, _ := r.last(bus.TopicMusicCommand)
	if evt.Payload["action"] != "play" || evt.Payload["track_query"] != "cantina" {
		t.Errorf("command payload = %v", evt.Payload)
	}
	if evt.Payload["source"] != "web" {
		t.Errorf("source = %v, want web", evt.Payload["source"])
	}
}

func TestInvalidMusicCommandRejectedWithoutEmit(t *testing.T) {
	f := newFixture(t)
	r := record(t, f.bus, bus.TopicMusicCommand)

	f.send(t, Envelope{Event: "music_command", Data: map[string]any{
		"action": "shuffle",
		"volume": 3.0,
	}})

	env, _ := f.await(t, "command_error")
	if env.Data["error_code"] != "VALIDATION_ERROR" {
		t.Errorf("error_code = %v, want VALIDATION_ERROR", env.Data["error_code"])
	}
	if msg, _ := env.Data["error"].(string); msg == "" {
		t.Error("error message missing")
	}
	if env.Data["retry_allowed"] != true {
		t.Errorf("retry_allowed = %v, want true", env.Data["retry_allowed"])
	}
	problems, _ := env.Data["validation_errors"].([]any)
	if len(problems) != 2 {
		t.Fatalf("validation_errors = %v, want action and volume entries", problems)
	}
	fields := map[string]string{}
	for _, p := range problems {
		entry, ok := p.(map[string]any)
		if !ok {
			t.Fatalf("validation entry = %T, want object with field and message", p)
		}
		field, _ := entry["field"].(string)
		msg, _ := entry["message"].(string)
		fields[field] = msg
	}
	if fields["action"] == "" || fields["volume"] == "" {
		t.Errorf("validation fields = %v, want action and volume", fields)
	}

	time.Sleep(50 * time.Millisecond)
	if r.count(bus.TopicMusicCommand) != 0 {
		t.Error("rejected command must not reach the bus")
	}
}

func TestVoiceCommandMapsToModeRequest(t *testing.T) {
	f := newFixture(t)
	r := record(t, f.bus, bus.TopicModeRequest)

	f.send(t, Envelope{Event: "voice_command", Data: map[string]any{"action": "start"}})
	f.await(t, "command_response")

	waitFor(t, func() bool { return r.count(bus.TopicModeRequest) == 1 }, "no mode request")
	evt, _ := r.last(bus.TopicModeRequest)
	if evt.Payload["mode"] != "INTERACTIVE" {
		t.Errorf("mode = %v, want INTERACTIVE", evt.Payload["mode"])
	}
}

func TestSystemCommandSetMode(t *testing.T) {
	f := newFixture(t)
	r := record(t, f.bus, bus.TopicModeRequest)

	f.send(t, Envelope{Event: "system_command", Data: map[string]any{
		"action": "set_mode",
		"mode":   "ambient",
	}})
	f.await(t, "command_response")

	waitFor(t, func() bool { return r.count(bus.TopicModeRequest) == 1 }, "no mode request")
	evt, _ := r.last(bus.TopicModeRequest)
	if evt.Payload["mode"] != "AMBIENT" {
		t.Errorf("mode = %v, want AMBIENT", evt.Payload["mode"])
	}
}

func TestSystemCommandRestartAnsweredNotSupported(t *testing.T) {
	f := newFixture(t)

	for _, action := range []string{"restart", "refresh_config"} {
		f.send(t, Envelope{Event: "system_command", Data: map[string]any{"action": action}})
		env, _ := f.await(t, "command_error")
		if env.Data["error_code"] != "NOT_SUPPORTED" {
			t.Errorf("%s: error_code = %v, want NOT_SUPPORTED", action, env.Data["error_code"])
		}
		if env.Data["retry_allowed"] != false {
			t.Errorf("%s: retry_allowed = %v, want false", action, env.Data["retry_allowed"])
		}
		if _, present := env.Data["validation_errors"]; present {
			t.Errorf("%s: recognised action must not report validation errors", action)
		}
	}
}

func TestSystemCommandUnknownActionRejected(t *testing.T) {
	f := newFixture(t)

	f.send(t, Envelope{Event: "system_command", Data: map[string]any{"action": "self_destruct"}})
	env, _ := f.await(t, "command_error")
	if env.Data["error_code"] != "VALIDATION_ERROR" {
		t.Errorf("error_code = %v, want VALIDATION_ERROR", env.Data["error_code"])
	}
	problems, _ := env.Data["validation_errors"].([]any)
	if len(problems) != 1 {
		t.Fatalf("validation_errors = %v, want one action entry", problems)
	}
	entry, _ := problems[0].(map[string]any)
	if entry["field"] != "action" {
		t.Errorf("field = %v, want action", entry["field"])
	}
}

func TestDJCommandCarriesAutoTransition(t *testing.T) {
	f := newFixture(t)
	r := record(t, f.bus, bus.TopicDJCommand)

	f.send(t, Envelope{Event: "dj_command", Data: map[string]any{
		"action":          "start",
		"auto_transition": true,
	}})
	f.await(t, "command_response")

	waitFor(t, func() bool { return r.count(bus.TopicDJCommand) == 1 }, "no dj command")
	evt, _ := r.last(bus.TopicDJCommand)
	if evt.Payload["auto_transition"] != true {
		t.Errorf("auto_transition = %v, want true", evt.Payload["auto_transition"])
	}
}

func TestUnknownEventRejected(t *testing.T) {
	f := newFixture(t)
	f.send(t, Envelope{Event: "dance_command", Data: map[string]any{}})
	env, _ := f.await(t, "command_error")
	if env.Data["error_code"] != "UNKNOWN_COMMAND" {
		t.Errorf("error_code = %v, want UNKNOWN_COMMAND", env.Data["error_code"])
	}
	if env.Data["retry_allowed"] != false {
		t.Errorf("retry_allowed = %v, want false", env.Data["retry_allowed"])
	}
}

func TestBusEventBroadcastToClient(t *testing.T) {
	f := newFixture(t)

	pl := &payload.ModeChange{From: "IDLE", To: "AMBIENT"}
	pl.Stamp("mode")
	if err := f.bus.Emit(context.Background(), bus.TopicModeChange, pl); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	env, _ := f.await(t, "system_mode_change")
	if env.Data["from"] != "IDLE" || env.Data["to"] != "AMBIENT" {
		t.Errorf("broadcast data = %v", env.Data)
	}
}

func TestConsecutiveDuplicatesCoalesced(t *testing.T) {
	f := newFixture(t)

	beat := func(reqID string) {
		pl := &payload.VoiceBeat{RequestID: reqID, Amplitude: 0.5}
		pl.Stamp("speech")
		if err := f.bus.Emit(context.Background(), bus.TopicVoiceBeat, pl); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	beat("a")
	beat("a") // identical modulo timestamp
	beat("b")

	sentinel := &payload.ModeChange{From: "IDLE", To: "AMBIENT"}
	sentinel.Stamp("mode")
	if err := f.bus.Emit(context.Background(), bus.TopicModeChange, sentinel); err != nil {
		t.Fatalf("Emit sentinel: %v", err)
	}

	_, skipped := f.await(t, "system_mode_change")
	beats := 0
	for _, name := range skipped {
		if name == "voice_beat" {
			beats++
		}
	}
	if beats != 2 {
		t.Errorf("beats delivered = %d, want 2 (duplicate coalesced)", beats)
	}
}

func TestPerTopicThrottle(t *testing.T) {
	f := newFixture(t, WithBroadcastRate(2))

	for i := 0; i < 10; i++ {
		pl := &payload.VoiceBeat{RequestID: "req", Amplitude: float64(i)}
		pl.Stamp("speech")
		if err := f.bus.Emit(context.Background(), bus.TopicVoiceBeat, pl); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	sentinel := &payload.ModeChange{From: "IDLE", To: "AMBIENT"}
	sentinel.Stamp("mode")
	if err := f.bus.Emit(context.Background(), bus.TopicModeChange, sentinel); err != nil {
		t.Fatalf("Emit sentinel: %v", err)
	}

	_, skipped := f.await(t, "system_mode_change")
	beats := 0
	for _, name := range skipped {
		if name == "voice_beat" {
			beats++
		}
	}
	if beats == 0 {
		t.Error("throttle must let some events through")
	}
	if beats > 4 {
		t.Errorf("beats delivered = %d, want throttled well below 10", beats)
	}
}
