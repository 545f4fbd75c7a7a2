// Package brain implements the dialog planner: the service that turns what
// the user said into structured intents and short in-persona plans.
//
// A final transcript goes to the language model with the tool set; each tool
// call the model makes becomes an intent event. The brain then forwards the
// intent's action as the matching command event and records the turn in
// working memory. When a play intent results in playback (matched by
// conversation id), the brain asks the model — without tools this time — for
// a one-line track introduction and submits it as a single speak step on the
// foreground layer.
//
// Spoken content only ever comes from model text, never from tool payloads.
package brain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/memory"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/internal/resilience"
	"github.com/rexworks/cantina/internal/service"
	"github.com/rexworks/cantina/pkg/provider/llm"
)

// DefaultPersona is the system prompt when the config does not supply one.
const DefaultPersona = "You are DJ R3X, the cheerful droid DJ of the cantina. " +
	"Keep replies to one or two short spoken sentences, in character, " +
	"and use the provided tools for any action the guest asks for."

// DefaultTurnTimeout bounds one model round trip.
const DefaultTurnTimeout = 15 * time.Second

// pendingTTL is how long a play intent waits for its playback event before
// the correlation is forgotten.
const pendingTTL = 30 * time.Second

// Option configures a [Brain] during construction.
type Option func(*Brain)

// WithPersona overrides the system prompt.
func WithPersona(p string) Option {
	return func(b *Brain) {
		if p != "" {
			b.persona = p
		}
	}
}

// WithBreaker replaces the default LLM circuit breaker.
func WithBreaker(br *resilience.Breaker) Option {
	return func(b *Brain) { b.breaker = br }
}

// WithTurnTimeout overrides the model round-trip deadline.
func WithTurnTimeout(d time.Duration) Option {
	return func(b *Brain) {
		if d > 0 {
			b.turnTimeout = d
		}
	}
}

// WithGracePeriod forwards the service grace period option.
func WithGracePeriod(d time.Duration) Option {
	return func(b *Brain) { b.svcOpts = append(b.svcOpts, service.WithGracePeriod(d)) }
}

// Brain is the dialog planner service.
type Brain struct {
	*service.Base

	llm         llm.Provider
	mem         *memory.Store
	breaker     *resilience.Breaker
	persona     string
	turnTimeout time.Duration
	svcOpts     []service.Option

	mu      sync.Mutex
	pending map[string]pendingIntent // conversation id → awaiting playback

	djMu     sync.Mutex
	djActive bool
	djAuto   bool
}

// pendingIntent is a play intent whose playback event has not arrived yet.
type pendingIntent struct {
	trackQuery string
	at         time.Time
}

// New creates the brain service.
func New(b *bus.Bus, provider llm.Provider, mem *memory.Store, opts ...Option) *Brain {
	br := &Brain{
		llm:         provider,
		mem:         mem,
		breaker:     resilience.New(resilience.Config{Name: "llm"}),
		persona:     DefaultPersona,
		turnTimeout: DefaultTurnTimeout,
		pending:     make(map[string]pendingIntent),
	}
	for _, o := range opts {
		o(br)
	}
	br.Base = service.New("brain", b, service.Hooks{Setup: br.setup}, br.svcOpts...)
	return br
}

func (b *Brain) setup(ctx context.Context) error {
	if err := b.Subscribe(bus.TopicTranscriptionFinal, b.onFinalTranscript); err != nil {
		return err
	}
	if err := b.Subscribe(bus.TopicIntentDetected, b.onIntent); err != nil {
		return err
	}
	if err := b.Subscribe(bus.TopicMusicPlaybackStarted, b.onPlaybackStarted); err != nil {
		return err
	}
	if err := b.Subscribe(bus.TopicMusicPlaybackStopped, b.onPlaybackStopped); err != nil {
		return err
	}
	return b.Subscribe(bus.TopicDJCommand, b.onDJCommand)
}

// ─── dialog turn ───

func (b *Brain) onFinalTranscript(ctx context.Context, evt bus.Event) error {
	text, _ := evt.Payload["text"].(string)
	convID, _ := evt.Payload["conversation_id"].(string)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	// A model round trip outlives the handler budget; run detached.
	go b.runTurn(convID, text)
	return nil
}

func (b *Brain) runTurn(convID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.turnTimeout)
	defer cancel()

	if b.mem != nil {
		_ = b.mem.AppendChat(ctx, "user", text)
	}

	req := llm.CompletionRequest{
		SystemPrompt: b.persona,
		Messages:     b.history(text),
		Tools:        toolDefinitions(),
	}
	var resp *llm.CompletionResponse
	err := b.breaker.Do(ctx, func(ctx context.Context) error {
		r, cerr := b.llm.Complete(ctx, req)
		resp = r
		return cerr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrBreakerOpen) {
			b.MarkDegraded(ctx, "llm breaker open")
		}
		b.ReportError(ctx, payload.ErrKindCollaborator, fmt.Errorf("brain: dialog turn: %w", err))
		return
	}
	if b.Status() == service.StatusDegraded && b.breaker.State() == resilience.StateClosed {
		b.MarkRunning(ctx)
	}
	if resp == nil {
		return
	}

	for _, call := range resp.ToolCalls {
		params := map[string]any{}
		if call.Arguments != "" {
			if jerr := json.Unmarshal([]byte(call.Arguments), &params); jerr != nil {
				b.ReportError(ctx, payload.ErrKindValidation,
					fmt.Errorf("brain: tool %s arguments: %w", call.Name, jerr))
				continue
			}
		}
		intent := &payload.IntentDetected{IntentName: call.Name, Parameters: params, Utterance: text}
		intent.ConversationID = convID
		if eerr := b.Emit(ctx, bus.TopicIntentDetected, intent); eerr != nil {
			slog.Warn("intent emit failed", "intent", call.Name, "err", eerr)
		}
	}

	if resp.Content != "" {
		if b.mem != nil {
			_ = b.mem.AppendChat(ctx, "assistant", resp.Content)
		}
		b.submitSpeakPlan(ctx, convID, resp.Content)
	}
}

// history builds the model message list from the chat ring plus the current
// user line.
func (b *Brain) history(current string) []llm.Message {
	var msgs []llm.Message
	if b.mem != nil {
		for _, entry := range b.mem.Chat() {
			if entry.Text == current && entry.Role == "user" {
				continue // the current line is appended explicitly below
			}
			msgs = append(msgs, llm.Message{Role: entry.Role, Content: entry.Text})
		}
	}
	return append(msgs, llm.Message{Role: "user", Content: current})
}

// ─── intent forwarding ───

func (b *Brain) onIntent(ctx context.Context, evt bus.Event) error {
	name, _ := evt.Payload["intent_name"].(string)
	convID, _ := evt.Payload["conversation_id"].(string)
	params, _ := evt.Payload["parameters"].(map[string]any)

	switch name {
	case "play_music":
		track, _ := params["track"].(string)
		if convID != "" {
			b.mu.Lock()
			b.pending[convID] = pendingIntent{trackQuery: track, at: time.Now()}
			b.expireLocked()
			b.mu.Unlock()
		}
		cmd := &payload.MusicCommand{Action: "play", TrackQuery: track}
		cmd.ConversationID = convID
		return b.Emit(ctx, bus.TopicMusicCommand, cmd)

	case "stop_music":
		cmd := &payload.MusicCommand{Action: "stop"}
		cmd.ConversationID = convID
		return b.Emit(ctx, bus.TopicMusicCommand, cmd)

	case "set_mode":
		mode, _ := params["mode"].(string)
		req := &payload.ModeRequest{Mode: strings.ToUpper(mode)}
		req.ConversationID = convID
		return b.Emit(ctx, bus.TopicModeRequest, req)

	case "eye_pattern":
		pattern, _ := params["pattern"].(string)
		cmd := &payload.EyeCommand{Action: "pattern", Pattern: pattern}
		cmd.ConversationID = convID
		return b.Emit(ctx, bus.TopicEyeCommand, cmd)

	default:
		err := fmt.Errorf("brain: unknown intent %q", name)
		b.ReportError(ctx, payload.ErrKindValidation, err)
		return err
	}
}

// expireLocked drops pending correlations past their TTL; callers hold b.mu.
func (b *Brain) expireLocked() {
	cutoff := time.Now().Add(-pendingTTL)
	for id, p := range b.pending {
		if p.at.Before(cutoff) {
			delete(b.pending, id)
		}
	}
}

// ─── track introduction ───

func (b *Brain) onPlaybackStarted(ctx context.Context, evt bus.Event) error {
	convID, _ := evt.Payload["conversation_id"].(string)
	if convID == "" {
		return nil
	}
	b.mu.Lock()
	_, ok := b.pending[convID]
	if ok {
		delete(b.pending, convID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	track, _ := evt.Payload["track"].(map[string]any)
	title, _ := track["title"].(string)
	go b.introduceTrack(convID, title)
	return nil
}

func (b *Brain) introduceTrack(convID, title string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.turnTimeout)
	defer cancel()

	req := llm.CompletionRequest{
		SystemPrompt: b.persona,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Now playing %q. Introduce it to the cantina in one short line.", title),
		}},
		// No tools: this is speech only.
	}
	var resp *llm.CompletionResponse
	err := b.breaker.Do(ctx, func(ctx context.Context) error {
		r, cerr := b.llm.Complete(ctx, req)
		resp = r
		return cerr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrBreakerOpen) {
			b.MarkDegraded(ctx, "llm breaker open")
		}
		b.ReportError(ctx, payload.ErrKindCollaborator, fmt.Errorf("brain: track intro: %w", err))
		return
	}
	if resp == nil {
		return
	}
	line := strings.TrimSpace(resp.Content)
	if line == "" {
		return
	}
	if b.mem != nil {
		_ = b.mem.AppendChat(ctx, "assistant", line)
	}
	b.submitSpeakPlan(ctx, convID, line)
}

// ─── DJ show control ───

// onDJCommand runs the ambient DJ show: start spins up music (with optional
// auto-transition between tracks), next skips, stop ends the show.
func (b *Brain) onDJCommand(ctx context.Context, evt bus.Event) error {
	action, _ := evt.Payload["action"].(string)
	switch action {
	case "start":
		auto, _ := evt.Payload["auto_transition"].(bool)
		b.djMu.Lock()
		b.djActive = true
		b.djAuto = auto
		b.djMu.Unlock()
		if err := b.Emit(ctx, bus.TopicEyeCommand, &payload.EyeCommand{Action: "pattern", Pattern: "dj"}); err != nil {
			slog.Warn("dj eye pattern emit failed", "err", err)
		}
		return b.Emit(ctx, bus.TopicMusicCommand, &payload.MusicCommand{Action: "play"})
	case "next":
		return b.Emit(ctx, bus.TopicMusicCommand, &payload.MusicCommand{Action: "next"})
	case "stop":
		// Clear the flag first so the resulting stopped event does not
		// auto-advance.
		b.djMu.Lock()
		b.djActive = false
		b.djMu.Unlock()
		return b.Emit(ctx, bus.TopicMusicCommand, &payload.MusicCommand{Action: "stop"})
	default:
		err := fmt.Errorf("brain: unknown dj action %q", action)
		b.ReportError(ctx, payload.ErrKindValidation, err)
		return err
	}
}

// onPlaybackStopped advances the DJ show to the next track when
// auto-transition is on.
func (b *Brain) onPlaybackStopped(ctx context.Context, _ bus.Event) error {
	b.djMu.Lock()
	advance := b.djActive && b.djAuto
	b.djMu.Unlock()
	if !advance {
		return nil
	}
	return b.Emit(ctx, bus.TopicMusicCommand, &payload.MusicCommand{Action: "next"})
}

// submitSpeakPlan emits a one-step foreground speak plan.
func (b *Brain) submitSpeakPlan(ctx context.Context, convID, text string) {
	plan := &payload.PlanReady{
		PlanID: uuid.NewString(),
		Layer:  payload.LayerForeground,
		Steps: []payload.PlanStep{{
			ID:   "speak-1",
			Type: payload.StepSpeak,
			Text: text,
		}},
	}
	plan.ConversationID = convID
	if err := b.Emit(ctx, bus.TopicPlanReady, plan); err != nil {
		slog.Warn("speak plan emit failed", "err", err)
	}
}

// toolDefinitions is the tool set offered on every dialog turn.
func toolDefinitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "play_music",
			Description: "Start playing a track from the cantina music library.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"track": map[string]any{
						"type":        "string",
						"description": "Track title or a rough description of it.",
					},
				},
				"required": []string{"track"},
			},
		},
		{
			Name:        "stop_music",
			Description: "Stop the music that is currently playing.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "set_mode",
			Description: "Switch the droid's interaction mode.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"mode": map[string]any{
						"type": "string",
						"enum": []string{"idle", "ambient", "interactive"},
					},
				},
				"required": []string{"mode"},
			},
		},
		{
			Name:        "eye_pattern",
			Description: "Change the droid's LED eye animation pattern.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string"},
				},
				"required": []string{"pattern"},
			},
		},
	}
}
