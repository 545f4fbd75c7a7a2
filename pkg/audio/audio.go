// Package audio defines the playback driver contracts for the runtime.
//
// The runtime never touches an audio device directly. Music playback goes
// through [Player] instances created by a [Driver]; synthesised speech clips
// go through a [Sink]. Real drivers (VLC, PortAudio, ALSA) live outside this
// repository; the mock subpackage provides scripted implementations for tests
// and for running the runtime headless.
package audio

import (
	"context"
	"time"
)

// Player controls playback of a single audio file. A Player is single-use for
// one Play call at a time; starting a new file replaces the current one.
//
// Implementations must be safe for concurrent use. Volume changes apply to
// the live output within one processing block (~tens of milliseconds).
type Player interface {
	// Play starts playback of the file at path from the beginning. It returns
	// once playback has started, not when it finishes; completion is observed
	// via Done. Returns an error if the file cannot be opened or decoded.
	Play(ctx context.Context, path string) error

	// Pause suspends playback, retaining the current position. Pausing a
	// stopped or already paused player is a no-op.
	Pause() error

	// Resume continues playback from the paused position. Resuming a player
	// that is not paused is a no-op.
	Resume() error

	// Stop halts playback and discards the current position. Stopping an idle
	// player is a no-op.
	Stop() error

	// SetVolume sets the playback gain in [0, 1]. Values outside the range
	// are clamped. Safe to call at any time, including while stopped.
	SetVolume(v float64) error

	// Volume returns the current playback gain in [0, 1].
	Volume() float64

	// Position returns the elapsed playback time of the current file, or zero
	// when idle.
	Position() time.Duration

	// Done returns a channel that is closed when the current file finishes
	// playing naturally (not on Stop). Each Play call installs a fresh
	// channel.
	Done() <-chan struct{}

	// Close releases the player's resources. The player must not be used
	// after Close.
	Close() error
}

// Sink plays raw PCM clips, used for synthesised speech output.
type Sink interface {
	// PlayClip plays a 16-bit little-endian PCM clip to completion. It blocks
	// until the clip finishes or ctx is cancelled.
	PlayClip(ctx context.Context, pcm []byte, sampleRate, channels int) error
}

// Driver creates players bound to an output device. The music coordinator
// holds two players for crossfading; implementations must support at least
// two concurrently active players.
type Driver interface {
	// NewPlayer creates an idle Player at full volume.
	NewPlayer() (Player, error)

	// Sink returns the speech clip sink for this device.
	Sink() Sink

	// Close releases the device. All players created by this driver become
	// unusable.
	Close() error
}
