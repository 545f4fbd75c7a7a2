package bus

import (
	"fmt"

	"github.com/rexworks/cantina/internal/payload"
)

// DefaultRegistry builds the payload registry with every topic's schema bound.
// The bus uses this unless [WithRegistry] injects a replacement.
func DefaultRegistry() *payload.Registry {
	r := payload.NewRegistry()

	// CLI.
	r.Register(TopicCLICommand, payload.Schema{
		Name:     "CLICommand",
		Required: []string{"command", "raw_input"},
	})
	r.Register(TopicCLIResponse, payload.Schema{
		Name:     "CLIResponse",
		Required: []string{"message"},
	})

	// System.
	r.Register(TopicModeRequest, payload.Schema{
		Name:     "ModeRequest",
		Required: []string{"mode"},
		Check:    payload.OneOf("mode", "IDLE", "AMBIENT", "INTERACTIVE"),
	})
	r.Register(TopicModeChange, payload.Schema{
		Name:     "ModeChange",
		Required: []string{"from", "to"},
	})
	r.Register(TopicServiceStatus, payload.Schema{
		Name:     "ServiceStatus",
		Required: []string{"service", "status"},
	})
	r.Register(TopicServiceError, payload.Schema{
		Name:     "ServiceError",
		Required: []string{"service", "kind", "message"},
	})

	// Voice and speech.
	r.Register(TopicVoiceListeningStarted, payload.Schema{
		Name:     "ListeningState",
		Required: []string{"session_id"},
	})
	r.Register(TopicVoiceListeningStopped, payload.Schema{
		Name:     "ListeningState",
		Required: []string{"session_id"},
	})
	r.Register(TopicTranscriptionInterim, payload.Schema{
		Name:     "Transcript",
		Required: []string{"session_id", "text"},
	})
	r.Register(TopicTranscriptionFinal, payload.Schema{
		Name:     "Transcript",
		Required: []string{"session_id", "text"},
	})
	r.Register(TopicVoiceBeat, payload.Schema{
		Name:     "VoiceBeat",
		Required: []string{"request_id"},
	})
	r.Register(TopicSynthesisRequest, payload.Schema{
		Name:     "SynthesisRequest",
		Required: []string{"request_id", "text"},
	})
	r.Register(TopicSynthesisStarted, payload.Schema{
		Name:     "SynthesisState",
		Required: []string{"request_id"},
	})
	r.Register(TopicSynthesisEnded, payload.Schema{
		Name:     "SynthesisState",
		Required: []string{"request_id"},
	})

	// Dialog.
	r.Register(TopicIntentDetected, payload.Schema{
		Name:     "IntentDetected",
		Required: []string{"intent_name"},
	})

	// Music and audio.
	r.Register(TopicMusicCommand, payload.Schema{
		Name:     "MusicCommand",
		Required: []string{"action"},
		Check:    payload.OneOf("action", "play", "pause", "resume", "stop", "next", "queue", "list"),
	})
	for _, topic := range []string{
		TopicMusicPlaybackStarted,
		TopicMusicPlaybackPaused,
		TopicMusicPlaybackResumed,
		TopicMusicPlaybackStopped,
	} {
		r.Register(topic, payload.Schema{
			Name:     "PlaybackState",
			Required: []string{"track"},
		})
	}
	r.Register(TopicMusicLibraryUpdated, payload.Schema{
		Name: "LibraryUpdated",
	})
	r.Register(TopicDuckingStart, payload.Schema{Name: "DuckingCommand"})
	r.Register(TopicDuckingStop, payload.Schema{Name: "DuckingCommand"})

	// Plans.
	r.Register(TopicPlanReady, payload.Schema{
		Name:     "PlanReady",
		Required: []string{"plan_id", "layer", "steps"},
		Check: payload.AllChecks(
			payload.OneOf("layer", payload.LayerAmbient, payload.LayerForeground, payload.LayerOverride),
			checkPlanSteps,
		),
	})
	r.Register(TopicPlanStarted, payload.Schema{
		Name:     "PlanEvent",
		Required: []string{"plan_id", "layer"},
	})
	r.Register(TopicPlanEnded, payload.Schema{
		Name:     "PlanEvent",
		Required: []string{"plan_id", "layer"},
	})
	for _, topic := range []string{TopicStepReady, TopicStepExecuted, TopicStepCancelled, TopicStepFailed} {
		r.Register(topic, payload.Schema{
			Name:     "StepEvent",
			Required: []string{"plan_id", "step_id"},
		})
	}

	// Memory.
	r.Register(TopicMemoryUpdated, payload.Schema{
		Name:     "MemoryUpdated",
		Required: []string{"key"},
	})

	// Hardware.
	r.Register(TopicEyeCommand, payload.Schema{
		Name:     "EyeCommand",
		Required: []string{"action"},
		Check:    payload.OneOf("action", "pattern", "test", "status"),
	})

	// DJ show control.
	r.Register(TopicDJCommand, payload.Schema{
		Name:     "DJCommand",
		Required: []string{"action"},
		Check:    payload.OneOf("action", "start", "stop", "next"),
	})

	// Debug.
	r.Register(TopicDebugCommand, payload.Schema{
		Name:     "DebugCommand",
		Required: []string{"action"},
		Check:    payload.OneOf("action", "level", "trace", "performance"),
	})

	return r
}

// checkPlanSteps validates the steps list of a plan payload: every step needs
// an id and a recognised type.
func checkPlanSteps(d payload.Dict) error {
	raw, ok := d["steps"]
	if !ok {
		return nil
	}
	steps, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("field %q must be a list", "steps")
	}
	valid := map[string]struct{}{
		payload.StepPlayMusic:    {},
		payload.StepSpeak:        {},
		payload.StepWaitForEvent: {},
		payload.StepDelay:        {},
		payload.StepEyePattern:   {},
		payload.StepMove:         {},
	}
	for i, s := range steps {
		step, ok := s.(map[string]any)
		if !ok {
			return fmt.Errorf("steps[%d] must be an object", i)
		}
		id, _ := step["id"].(string)
		if id == "" {
			return fmt.Errorf("steps[%d].id is required", i)
		}
		typ, _ := step["type"].(string)
		if _, known := valid[typ]; !known {
			return fmt.Errorf("steps[%d].type %q is invalid", i, typ)
		}
	}
	return nil
}
