// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI) and presents
// a uniform request/response interface. Spoken lines are short in-persona
// utterances, so synthesis is whole-utterance: the caller sends the complete
// text and receives the full PCM clip plus a coarse amplitude envelope that
// drives mouth LED animation during playback.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// EnvelopeInterval is the spacing of amplitude envelope samples in
// milliseconds of audio time.
const EnvelopeInterval = 50

// Request describes one synthesis job.
type Request struct {
	// Text is the utterance to synthesise. Must be non-empty.
	Text string

	// Voice is the provider-specific voice identifier. Empty selects the
	// provider's default voice.
	Voice string

	// Speed adjusts speaking rate (0.5–2.0). Zero means provider default.
	Speed float64
}

// Result is a completed synthesis.
type Result struct {
	// Audio is the raw 16-bit little-endian PCM clip.
	Audio []byte

	// SampleRate is the sample rate of Audio in Hz.
	SampleRate int

	// Channels is the channel count of Audio.
	Channels int

	// Envelope is the normalised amplitude (0.0–1.0) sampled every
	// EnvelopeInterval milliseconds of audio. Drives beat events during
	// playback. May be nil when Audio is empty.
	Envelope []float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts req.Text into audio and waits for the full clip.
	// Returns an error if the request fails or ctx is cancelled first.
	Synthesize(ctx context.Context, req Request) (*Result, error)
}
