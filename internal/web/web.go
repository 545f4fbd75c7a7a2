// Package web implements the websocket bridge between the dashboard and the
// event bus.
//
// The wire protocol is a JSON envelope {"event": <name>, "data": {...}} in
// both directions. Inbound command envelopes are validated field by field; a
// failing command is answered with a command_error carrying per-field detail
// and nothing reaches the bus. Outbound bus events are broadcast to every
// connected client, throttled per topic with a token bucket, with identical
// consecutive payloads coalesced and a bounded per-connection queue that
// sheds the oldest non-status message first under backpressure.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/internal/service"
)

const (
	// DefaultBroadcastRate is the per-topic outbound event budget per second.
	DefaultBroadcastRate = 4

	// maxQueue is the per-connection outbound queue bound.
	maxQueue = 256

	// writeTimeout bounds one websocket write.
	writeTimeout = 5 * time.Second
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Option configures a [Bridge] during construction.
type Option func(*Bridge)

// WithBroadcastRate overrides the per-topic outbound rate limit.
func WithBroadcastRate(perSecond float64) Option {
	return func(b *Bridge) {
		if perSecond > 0 {
			b.broadcastRate = perSecond
		}
	}
}

// WithGracePeriod forwards the service grace period option.
func WithGracePeriod(d time.Duration) Option {
	return func(b *Bridge) { b.svcOpts = append(b.svcOpts, service.WithGracePeriod(d)) }
}

// Bridge is the websocket bridge service. Mount [Bridge.Handler] on the
// runtime HTTP mux.
type Bridge struct {
	*service.Base

	broadcastRate float64
	svcOpts       []service.Option

	mu       sync.Mutex
	conns    map[string]*conn
	limiters map[string]*rate.Limiter
	lastSent map[string]string // topic → dedup key of last broadcast
}

// conn is one connected dashboard client.
type conn struct {
	id     string
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []Envelope
	dropped int
	signal  chan struct{}
}

// New creates the web bridge.
func New(b *bus.Bus, opts ...Option) *Bridge {
	br := &Bridge{
		broadcastRate: DefaultBroadcastRate,
		conns:         make(map[string]*conn),
		limiters:      make(map[string]*rate.Limiter),
		lastSent:      make(map[string]string),
	}
	for _, o := range opts {
		o(br)
	}
	br.Base = service.New("web", b, service.Hooks{Setup: br.setup, Teardown: br.teardown}, br.svcOpts...)
	return br
}

func (b *Bridge) setup(ctx context.Context) error {
	// Everything on the bus is dashboard-visible except the raw console
	// input stream, which is the dispatcher's alone.
	for _, topic := range bus.Topics() {
		if topic == bus.TopicCLICommand {
			continue
		}
		if err := b.Subscribe(topic, b.onBusEvent); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) teardown(ctx context.Context) error {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

// Handler returns the HTTP handler that upgrades connections.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(b.serveWS)
}

// ConnectionCount returns the number of connected clients.
func (b *Bridge) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Bridge) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The bridge binds to localhost in the default config; origin
		// checking is the deployment's concern.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		signal: make(chan struct{}, 1),
	}

	b.mu.Lock()
	b.conns[c.id] = c
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, c.id)
		b.mu.Unlock()
		cancel()
		_ = ws.CloseNow()
	}()

	go c.writeLoop()
	c.push(Envelope{Event: "connected", Data: map[string]any{"connection_id": c.id}})

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.push(errorEnvelope("PARSE_ERROR", "invalid JSON envelope", true, nil))
			continue
		}
		b.handleInbound(ctx, c, env)
	}
}

// ─── inbound commands ───

// problem is one field-level failure reported in a command_error envelope.
type problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (b *Bridge) handleInbound(ctx context.Context, c *conn, env Envelope) {
	var (
		topic    string
		pl       any
		problems []problem
	)

	switch env.Event {
	case "voice_command":
		topic, pl, problems = validateVoiceCommand(env.Data)
	case "music_command":
		topic, pl, problems = validateMusicCommand(env.Data)
	case "dj_command":
		topic, pl, problems = validateDJCommand(env.Data)
	case "system_command":
		b.handleSystemCommand(ctx, c, env.Data)
		return
	case "ping":
		c.push(Envelope{Event: "pong", Data: map[string]any{}})
		return
	default:
		c.push(errorEnvelope("UNKNOWN_COMMAND",
			fmt.Sprintf("unknown event %q", env.Event), false, nil))
		return
	}

	if len(problems) > 0 {
		c.push(errorEnvelope("VALIDATION_ERROR",
			fmt.Sprintf("invalid %s", env.Event), true, problems))
		return
	}

	if err := b.Emit(ctx, topic, pl); err != nil {
		c.push(errorEnvelope("INTERNAL_ERROR", err.Error(), true, nil))
		return
	}
	c.push(Envelope{Event: "command_response", Data: map[string]any{
		"status":  "ok",
		"command": env.Event,
	}})
}

// handleSystemCommand routes system_command actions. set_mode feeds the mode
// manager; restart and refresh_config are recognised actions the droid cannot
// perform from the dashboard, so they are answered with NOT_SUPPORTED instead
// of a validation failure.
func (b *Bridge) handleSystemCommand(ctx context.Context, c *conn, d map[string]any) {
	action, _ := d["action"].(string)
	switch action {
	case "set_mode":
		mode, _ := d["mode"].(string)
		switch strings.ToUpper(mode) {
		case "IDLE", "AMBIENT", "INTERACTIVE":
		default:
			c.push(errorEnvelope("VALIDATION_ERROR", "invalid system_command", true,
				[]problem{{Field: "mode", Message: "must be one of idle, ambient, interactive"}}))
			return
		}
		pl := &payload.ModeRequest{Mode: strings.ToUpper(mode)}
		if err := b.Emit(ctx, bus.TopicModeRequest, pl); err != nil {
			c.push(errorEnvelope("INTERNAL_ERROR", err.Error(), true, nil))
			return
		}
		c.push(Envelope{Event: "command_response", Data: map[string]any{
			"status":  "ok",
			"command": "system_command",
		}})
	case "restart", "refresh_config":
		c.push(errorEnvelope("NOT_SUPPORTED",
			fmt.Sprintf("%s is not available from the dashboard", action), false, nil))
	default:
		c.push(errorEnvelope("VALIDATION_ERROR", "invalid system_command", true,
			[]problem{{Field: "action", Message: "must be one of set_mode, restart, refresh_config"}}))
	}
}

func validateVoiceCommand(d map[string]any) (string, any, []problem) {
	action, _ := d["action"].(string)
	switch action {
	case "start":
		return bus.TopicModeRequest, &payload.ModeRequest{Mode: "INTERACTIVE"}, nil
	case "stop":
		return bus.TopicModeRequest, &payload.ModeRequest{Mode: "AMBIENT"}, nil
	default:
		return "", nil, []problem{{Field: "action", Message: `must be "start" or "stop"`}}
	}
}

func validateMusicCommand(d map[string]any) (string, any, []problem) {
	var problems []problem
	action, _ := d["action"].(string)
	switch action {
	case "play", "pause", "resume", "stop", "next", "queue", "list":
	default:
		problems = append(problems, problem{Field: "action", Message: "must be one of play, pause, resume, stop, next, queue, list"})
	}
	cmd := &payload.MusicCommand{Action: action}
	if q, ok := d["track_query"]; ok {
		s, isStr := q.(string)
		if !isStr {
			problems = append(problems, problem{Field: "track_query", Message: "must be a string"})
		}
		cmd.TrackQuery = s
	}
	if id, ok := d["track_id"]; ok {
		s, isStr := id.(string)
		if !isStr {
			problems = append(problems, problem{Field: "track_id", Message: "must be a string"})
		}
		cmd.TrackID = s
	}
	if v, ok := d["volume"]; ok {
		f, isNum := v.(float64)
		if !isNum || f < 0 || f > 1 {
			problems = append(problems, problem{Field: "volume", Message: "must be a number in [0, 1]"})
		} else {
			cmd.Volume = &f
		}
	}
	if action == "queue" && cmd.TrackQuery == "" && cmd.TrackID == "" {
		problems = append(problems, problem{Field: "track_query", Message: "required for queue"})
	}
	return bus.TopicMusicCommand, cmd, problems
}

func validateDJCommand(d map[string]any) (string, any, []problem) {
	action, _ := d["action"].(string)
	switch action {
	case "start", "stop", "next":
	default:
		return "", nil, []problem{{Field: "action", Message: "must be one of start, stop, next"}}
	}
	cmd := &payload.DJCommand{Action: action}
	if auto, ok := d["auto_transition"]; ok {
		flag, isBool := auto.(bool)
		if !isBool {
			return "", nil, []problem{{Field: "auto_transition", Message: "must be a boolean"}}
		}
		cmd.AutoTransition = flag
	}
	return bus.TopicDJCommand, cmd, nil
}

// errorEnvelope builds a command_error frame. retry reports whether the client
// may usefully resend after correcting the command.
func errorEnvelope(code, message string, retry bool, problems []problem) Envelope {
	data := map[string]any{
		"error":         message,
		"error_code":    code,
		"retry_allowed": retry,
	}
	if len(problems) > 0 {
		entries := make([]map[string]any, 0, len(problems))
		for _, p := range problems {
			entries = append(entries, map[string]any{"field": p.Field, "message": p.Message})
		}
		data["validation_errors"] = entries
	}
	return Envelope{Event: "command_error", Data: data}
}

// ─── outbound broadcast ───

func (b *Bridge) onBusEvent(_ context.Context, evt bus.Event) error {
	b.mu.Lock()
	if len(b.conns) == 0 {
		b.mu.Unlock()
		return nil
	}

	key := dedupKey(evt.Payload)
	if b.lastSent[evt.Topic] == key {
		// Identical consecutive payload: the dashboard already has it.
		b.mu.Unlock()
		return nil
	}
	lim := b.limiters[evt.Topic]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(b.broadcastRate), int(b.broadcastRate))
		b.limiters[evt.Topic] = lim
	}
	if !lim.Allow() {
		b.mu.Unlock()
		return nil
	}
	b.lastSent[evt.Topic] = key

	conns := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	env := Envelope{Event: eventName(evt.Topic), Data: evt.Payload}
	for _, c := range conns {
		c.push(env)
	}
	return nil
}

// eventName turns a topic path into a wire event name:
// /music/playback/started → music_playback_started.
func eventName(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", "_")
}

// dedupKey is the payload identity used for consecutive-duplicate
// coalescing. Timestamps differ on every emit and are excluded.
func dedupKey(d payload.Dict) string {
	cp := make(map[string]any, len(d))
	for k, v := range d {
		if k == "timestamp" {
			continue
		}
		cp[k] = v
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Sprintf("%v", d)
	}
	return string(raw)
}

// statusEvent reports whether an event must survive queue shedding.
func statusEvent(event string) bool {
	return strings.HasPrefix(event, "system_") || strings.HasPrefix(event, "command_") || event == "connected"
}

// ─── per-connection queue ───

// push enqueues an envelope, shedding the oldest non-status message when the
// queue is full.
func (c *conn) push(env Envelope) {
	c.mu.Lock()
	if len(c.queue) >= maxQueue {
		dropped := false
		for i, queued := range c.queue {
			if !statusEvent(queued.Event) {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			c.queue = c.queue[1:]
		}
		c.dropped++
	}
	c.queue = append(c.queue, env)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *conn) pop() (Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Envelope{}, false
	}
	env := c.queue[0]
	c.queue = c.queue[1:]
	return env, true
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.signal:
		}
		for {
			env, ok := c.pop()
			if !ok {
				break
			}
			raw, err := json.Marshal(env)
			if err != nil {
				slog.Warn("envelope marshal failed", "event", env.Event, "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err = c.ws.Write(wctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}
