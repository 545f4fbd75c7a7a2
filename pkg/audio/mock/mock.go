// Package mock provides scripted test doubles for the audio package
// contracts. The mock driver is also what cmd/cantinad falls back to when no
// real audio device is configured, so the runtime can run headless.
//
// Example:
//
//	drv := mock.NewDriver()
//	p, _ := drv.NewPlayer()
//	_ = p.Play(ctx, "cantina_band.mp3")
//	p.(*mock.Player).FinishTrack() // simulate natural end of track
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rexworks/cantina/pkg/audio"
)

// Driver is a mock implementation of audio.Driver.
type Driver struct {
	mu sync.Mutex

	// NewPlayerErr, if non-nil, is returned by every NewPlayer call.
	NewPlayerErr error

	// Players records every player created, in order.
	Players []*Player

	sink   *Sink
	closed bool
}

var _ audio.Driver = (*Driver)(nil)

// NewDriver creates a mock driver with an attached mock sink.
func NewDriver() *Driver {
	return &Driver{sink: &Sink{}}
}

// NewPlayer implements audio.Driver.
func (d *Driver) NewPlayer() (audio.Player, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("mock: driver is closed")
	}
	if d.NewPlayerErr != nil {
		return nil, d.NewPlayerErr
	}
	p := &Player{volume: 1.0, done: make(chan struct{})}
	d.Players = append(d.Players, p)
	return p, nil
}

// Sink implements audio.Driver.
func (d *Driver) Sink() audio.Sink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

// MockSink returns the concrete sink for inspection in tests.
func (d *Driver) MockSink() *Sink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

// Close implements audio.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// State is a mock player's playback state.
type State string

// Mock player states.
const (
	StateIdle    State = "idle"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
)

// Player is a mock implementation of audio.Player. It records every call and
// tracks a simple state machine; audio never actually plays. Use FinishTrack
// to simulate a track reaching its natural end.
type Player struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	// PlayCalls records the paths passed to Play, in order.
	PlayCalls []string

	// VolumeCalls records every value passed to SetVolume (before clamping).
	VolumeCalls []float64

	state    State
	path     string
	volume   float64
	position time.Duration
	done     chan struct{}
	finished bool
	closed   bool
}

var _ audio.Player = (*Player)(nil)

// Play implements audio.Player.
func (p *Player) Play(_ context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("mock: player is closed")
	}
	p.PlayCalls = append(p.PlayCalls, path)
	if p.PlayErr != nil {
		return p.PlayErr
	}
	p.state = StatePlaying
	p.path = path
	p.position = 0
	p.done = make(chan struct{})
	p.finished = false
	return nil
}

// Pause implements audio.Player.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePlaying {
		p.state = StatePaused
	}
	return nil
}

// Resume implements audio.Player.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePaused {
		p.state = StatePlaying
	}
	return nil
}

// Stop implements audio.Player.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateIdle
	p.path = ""
	p.position = 0
	return nil
}

// SetVolume implements audio.Player.
func (p *Player) SetVolume(v float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.VolumeCalls = append(p.VolumeCalls, v)
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.volume = v
	return nil
}

// Volume implements audio.Player.
func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Position implements audio.Player.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// Done implements audio.Player.
func (p *Player) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Close implements audio.Player.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.state = StateIdle
	return nil
}

// ─── test controls ───

// State returns the player's current state. Thread-safe.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Current returns the path of the file last passed to Play while the player
// is playing or paused, or "" when idle.
func (p *Player) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}

// SetPosition sets the reported playback position. Thread-safe.
func (p *Player) SetPosition(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = d
}

// FinishTrack simulates the current file reaching its natural end: the state
// returns to idle and the Done channel closes. No-op if nothing is playing or
// the track already finished.
func (p *Player) FinishTrack() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateIdle || p.finished {
		return
	}
	p.state = StateIdle
	p.path = ""
	p.finished = true
	close(p.done)
}

// PlayClipCall records a single invocation of Sink.PlayClip.
type PlayClipCall struct {
	// PCM is a copy of the clip bytes.
	PCM []byte
	// SampleRate and Channels describe the clip format.
	SampleRate int
	Channels   int
}

// Sink is a mock implementation of audio.Sink. PlayClip returns immediately
// unless BlockUntil is set.
type Sink struct {
	mu sync.Mutex

	// PlayClipErr, if non-nil, is returned by every PlayClip call.
	PlayClipErr error

	// BlockUntil, if non-nil, makes PlayClip block until the channel is
	// closed or ctx is cancelled. Simulates real clip playback time.
	BlockUntil chan struct{}

	// PlayClipCalls records every call to PlayClip in order.
	PlayClipCalls []PlayClipCall
}

var _ audio.Sink = (*Sink)(nil)

// PlayClip implements audio.Sink.
func (s *Sink) PlayClip(ctx context.Context, pcm []byte, sampleRate, channels int) error {
	s.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.PlayClipCalls = append(s.PlayClipCalls, PlayClipCall{PCM: cp, SampleRate: sampleRate, Channels: channels})
	err := s.PlayClipErr
	block := s.BlockUntil
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// PlayClipCallCount returns the number of PlayClip calls. Thread-safe.
func (s *Sink) PlayClipCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.PlayClipCalls)
}
