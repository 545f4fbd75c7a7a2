// Package payload defines the typed event payloads carried on the bus and the
// schema registry that validates them.
//
// Every payload embeds [Base], which carries the fields shared by all events:
// an emit timestamp, the emitting service name, and — for dialog-scoped events
// — a conversation id correlating transcript, intent, plan, and speech events
// of one dialog turn.
//
// Handlers always receive a generic dict view ([Dict]); typed payloads are
// converted through a JSON round-trip so that the wire shape and the in-memory
// shape cannot drift apart.
package payload

import (
	"encoding/json"
	"fmt"
	"time"
)

// Dict is the generic payload view delivered to subscribers.
type Dict = map[string]any

// Base carries the fields common to every bus payload.
type Base struct {
	// Timestamp is when the event was emitted. Filled by the emitting service;
	// the bus stamps it if left zero.
	Timestamp time.Time `json:"timestamp"`

	// Source is the name of the emitting service.
	Source string `json:"source"`

	// ConversationID correlates all events belonging to one dialog turn.
	// Empty for events outside a dialog scope.
	ConversationID string `json:"conversation_id,omitempty"`
}

// Stamp fills in Source and, if unset, Timestamp. Returns the receiver so the
// call can be chained at emit sites.
func (b *Base) Stamp(source string) *Base {
	b.Source = source
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now()
	}
	return b
}

// ToDict converts any payload value to its generic dict view via a JSON
// round-trip. A Dict passes through unchanged; nil becomes an empty Dict.
func ToDict(v any) (Dict, error) {
	switch d := v.(type) {
	case nil:
		return Dict{}, nil
	case Dict:
		return d, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("payload: marshal %T: %w", v, err)
	}
	var d Dict
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("payload: unmarshal %T: %w", v, err)
	}
	return d, nil
}

// ── CLI & commands ───────────────────────────────────────────────────────────

// CLICommand is the raw command line read from the console, split on
// whitespace. The dispatcher consumes it; no other service should.
type CLICommand struct {
	Base
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	RawInput string   `json:"raw_input"`
}

// CLIResponse is a human-readable message printed by the console.
type CLIResponse struct {
	Base
	Message string `json:"message"`
	IsError bool   `json:"is_error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// StandardCommand is the normalized command shape produced by the dispatcher
// and consumed by service-specific command handlers.
type StandardCommand struct {
	Base
	Command    string   `json:"command"`
	Subcommand string   `json:"subcommand,omitempty"`
	Args       []string `json:"args"`
	RawInput   string   `json:"raw_input"`
}

// ── System ───────────────────────────────────────────────────────────────────

// ModeRequest asks the mode manager to transition to Mode.
type ModeRequest struct {
	Base
	Mode string `json:"mode"`
}

// ModeChange announces a completed mode transition.
type ModeChange struct {
	Base
	From string `json:"from"`
	To   string `json:"to"`
}

// ServiceStatus reports a service lifecycle transition.
type ServiceStatus struct {
	Base
	Service string `json:"service"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ServiceError reports a classified error from a service or handler.
type ServiceError struct {
	Base
	Service string `json:"service"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Topic   string `json:"topic,omitempty"`
}

// Error kinds, mirroring the runtime error taxonomy.
const (
	ErrKindValidation   = "validation"
	ErrKindCollaborator = "collaborator"
	ErrKindTimeout      = "timeout"
	ErrKindResource     = "resource"
	ErrKindFatal        = "fatal"
	ErrKindHandler      = "handler"
)

// ── Voice & speech ───────────────────────────────────────────────────────────

// Transcript carries an interim or final ASR result. The topic distinguishes
// interim from final; exactly one final is emitted per capture session.
type Transcript struct {
	Base
	SessionID  string  `json:"session_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ListeningState marks the start or stop of a capture session.
type ListeningState struct {
	Base
	SessionID string `json:"session_id"`
}

// SynthesisRequest asks the speech coordinator to synthesise Text.
type SynthesisRequest struct {
	Base
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	VoiceID   string `json:"voice_id,omitempty"`
}

// SynthesisState marks the start or end of one synthesis request.
type SynthesisState struct {
	Base
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// VoiceBeat is an amplitude sample emitted during synthesis playback,
// throttled to at most 50 Hz by the emitter.
type VoiceBeat struct {
	Base
	RequestID string  `json:"request_id"`
	Amplitude float64 `json:"amplitude"`
}

// ── Dialog ───────────────────────────────────────────────────────────────────

// IntentDetected is the structured action extracted from an LLM tool call.
// The spoken response travels separately; intents never reach TTS directly.
type IntentDetected struct {
	Base
	IntentName string         `json:"intent_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Utterance  string         `json:"utterance,omitempty"`
}

// ── Music & audio ────────────────────────────────────────────────────────────

// Track describes one entry in the music library.
type Track struct {
	TrackID         string  `json:"track_id"`
	Title           string  `json:"title"`
	Artist          string  `json:"artist,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Provider        string  `json:"provider"`
	SourcePath      string  `json:"source_path,omitempty"`
}

// MusicCommand instructs the music coordinator.
type MusicCommand struct {
	Base
	Action     string   `json:"action"` // play, pause, resume, stop, next, queue, list
	TrackQuery string   `json:"track_query,omitempty"`
	TrackID    string   `json:"track_id,omitempty"`
	Volume     *float64 `json:"volume,omitempty"`
	Crossfade  bool     `json:"crossfade,omitempty"`
}

// PlaybackState announces a music playback state change. There are no
// periodic progress events; consumers derive progress from StartTimestamp,
// DurationSeconds, and PositionSeconds.
type PlaybackState struct {
	Base
	Track           Track   `json:"track"`
	StartTimestamp  float64 `json:"start_timestamp"`
	DurationSeconds float64 `json:"duration_seconds"`
	PositionSeconds float64 `json:"position_seconds,omitempty"`
}

// LibraryUpdated announces a music library rescan.
type LibraryUpdated struct {
	Base
	TrackCount int `json:"track_count"`
}

// DuckingCommand increments or decrements the music duck counter. The topic
// distinguishes start from stop.
type DuckingCommand struct {
	Base
	Reason string `json:"reason,omitempty"`
}

// ── Plans ────────────────────────────────────────────────────────────────────

// Plan layers in precedence order.
const (
	LayerAmbient    = "ambient"
	LayerForeground = "foreground"
	LayerOverride   = "override"
)

// Plan step types.
const (
	StepPlayMusic    = "play_music"
	StepSpeak        = "speak"
	StepWaitForEvent = "wait_for_event"
	StepDelay        = "delay"
	StepEyePattern   = "eye_pattern"
	StepMove         = "move"
)

// PlanStep is one atomic action within a plan. Type-specific fields are
// populated according to Type; the rest stay zero.
type PlanStep struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Text         string  `json:"text,omitempty"`          // speak
	ClipID       string  `json:"clip_id,omitempty"`       // play_music
	Event        string  `json:"event,omitempty"`         // wait_for_event: awaited topic
	DelaySeconds float64 `json:"delay_seconds,omitempty"` // delay
	Pattern      string  `json:"pattern,omitempty"`       // eye_pattern / move
}

// PlanReady submits a plan to the timeline executor.
type PlanReady struct {
	Base
	PlanID string     `json:"plan_id"`
	Layer  string     `json:"layer"`
	Steps  []PlanStep `json:"steps"`
}

// PlanEvent marks plan-level lifecycle transitions (started, ended).
type PlanEvent struct {
	Base
	PlanID string `json:"plan_id"`
	Layer  string `json:"layer"`
}

// StepEvent marks step-level lifecycle transitions (ready, executed,
// cancelled, failed).
type StepEvent struct {
	Base
	PlanID string `json:"plan_id"`
	StepID string `json:"step_id"`
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ── Memory ───────────────────────────────────────────────────────────────────

// MemoryUpdated announces a working-memory slot change.
type MemoryUpdated struct {
	Base
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// ── Hardware ─────────────────────────────────────────────────────────────────

// EyeCommand instructs the LED controller.
type EyeCommand struct {
	Base
	Action  string `json:"action"` // pattern, test, status
	Pattern string `json:"pattern,omitempty"`
}

// ── DJ show control ──────────────────────────────────────────────────────────

// DJCommand controls the ambient DJ show plan.
type DJCommand struct {
	Base
	Action         string `json:"action"` // start, stop, next
	AutoTransition bool   `json:"auto_transition,omitempty"`
}

// ── Debug ────────────────────────────────────────────────────────────────────

// DebugCommand adjusts debug service behaviour at runtime.
type DebugCommand struct {
	Base
	Action    string `json:"action"` // level, trace, performance
	Component string `json:"component,omitempty"`
	Value     string `json:"value,omitempty"`
}
