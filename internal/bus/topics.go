package bus

// Topic names are hierarchical, slash-delimited strings. Every topic that may
// appear on the bus is enumerated here; Emit rejects anything else. Grouping
// mirrors the owning subsystem.
const (
	// ── CLI ──────────────────────────────────────────────────────────────────

	// TopicCLICommand carries raw command lines read from the console.
	TopicCLICommand = "/cli/command"

	// TopicCLIResponse carries human-readable responses printed by the console.
	TopicCLIResponse = "/cli/response"

	// ── System ───────────────────────────────────────────────────────────────

	// TopicModeRequest asks the mode manager to transition to a new mode.
	TopicModeRequest = "/system/mode/set_request"

	// TopicModeChange announces a completed mode transition.
	TopicModeChange = "/system/mode/change"

	// TopicServiceStatus carries service lifecycle status updates.
	TopicServiceStatus = "/system/service/status"

	// TopicServiceError carries classified service errors.
	TopicServiceError = "/system/service/error"

	// ── Voice / speech ───────────────────────────────────────────────────────

	TopicVoiceListeningStarted = "/voice/listening/started"
	TopicVoiceListeningStopped = "/voice/listening/stopped"
	TopicTranscriptionInterim  = "/voice/transcription/interim"
	TopicTranscriptionFinal    = "/voice/transcription/final"
	TopicVoiceBeat             = "/voice/beat"

	TopicSynthesisRequest = "/speech/synthesis/request"
	TopicSynthesisStarted = "/speech/synthesis/started"
	TopicSynthesisEnded   = "/speech/synthesis/ended"

	// ── Dialog ───────────────────────────────────────────────────────────────

	// TopicIntentDetected carries structured intents extracted from LLM tool calls.
	TopicIntentDetected = "/dialog/intent/detected"

	// ── Music & audio ────────────────────────────────────────────────────────

	TopicMusicCommand         = "/music/command"
	TopicMusicPlaybackStarted = "/music/playback/started"
	TopicMusicPlaybackPaused  = "/music/playback/paused"
	TopicMusicPlaybackResumed = "/music/playback/resumed"
	TopicMusicPlaybackStopped = "/music/playback/stopped"
	TopicMusicLibraryUpdated  = "/music/library/updated"

	TopicDuckingStart = "/audio/ducking/start"
	TopicDuckingStop  = "/audio/ducking/stop"

	// ── Plans ────────────────────────────────────────────────────────────────

	TopicPlanReady     = "/plan/ready"
	TopicPlanStarted   = "/plan/started"
	TopicPlanEnded     = "/plan/ended"
	TopicStepReady     = "/plan/step/ready"
	TopicStepExecuted  = "/plan/step/executed"
	TopicStepCancelled = "/plan/step/cancelled"
	TopicStepFailed    = "/plan/step/failed"

	// ── Memory ───────────────────────────────────────────────────────────────

	TopicMemoryUpdated = "/memory/updated"

	// ── Hardware ─────────────────────────────────────────────────────────────

	TopicEyeCommand = "/eye/command"

	// ── DJ / ambient show control ────────────────────────────────────────────

	TopicDJCommand = "/dj/command"

	// ── Debug ────────────────────────────────────────────────────────────────

	TopicDebugCommand = "/debug/command"
)

// knownTopics is the closed set of topics accepted by Emit and Subscribe.
var knownTopics = map[string]struct{}{
	TopicCLICommand:            {},
	TopicCLIResponse:           {},
	TopicModeRequest:           {},
	TopicModeChange:            {},
	TopicServiceStatus:         {},
	TopicServiceError:          {},
	TopicVoiceListeningStarted: {},
	TopicVoiceListeningStopped: {},
	TopicTranscriptionInterim:  {},
	TopicTranscriptionFinal:    {},
	TopicVoiceBeat:             {},
	TopicSynthesisRequest:      {},
	TopicSynthesisStarted:      {},
	TopicSynthesisEnded:        {},
	TopicIntentDetected:        {},
	TopicMusicCommand:          {},
	TopicMusicPlaybackStarted:  {},
	TopicMusicPlaybackPaused:   {},
	TopicMusicPlaybackResumed:  {},
	TopicMusicPlaybackStopped:  {},
	TopicMusicLibraryUpdated:   {},
	TopicDuckingStart:          {},
	TopicDuckingStop:           {},
	TopicPlanReady:             {},
	TopicPlanStarted:           {},
	TopicPlanEnded:             {},
	TopicStepReady:             {},
	TopicStepExecuted:          {},
	TopicStepCancelled:         {},
	TopicStepFailed:            {},
	TopicMemoryUpdated:         {},
	TopicEyeCommand:            {},
	TopicDJCommand:             {},
	TopicDebugCommand:          {},
}

// KnownTopic reports whether topic is part of the enumerated topic set.
func KnownTopic(topic string) bool {
	_, ok := knownTopics[topic]
	return ok
}

// Topics returns a copy of the full topic set. Useful for wildcard-style
// subscribers such as the debug service.
func Topics() []string {
	out := make([]string, 0, len(knownTopics))
	for t := range knownTopics {
		out = append(out, t)
	}
	return out
}
