// Package music implements the music coordinator: the track library, the
// playback state machine, ducking, and crossfades.
//
// The coordinator owns the audio output for music. Playback state changes are
// the only events it emits — there are no periodic progress events, by
// design; every state event carries the start timestamp, duration, and
// position a consumer needs to derive progress locally.
package music

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/internal/service"
	"github.com/rexworks/cantina/pkg/audio"
)

// Playback states.
const (
	stateStopped = "stopped"
	statePlaying = "playing"
	statePaused  = "paused"
)

// rescanDebounce coalesces bursts of filesystem events into one rescan.
const rescanDebounce = 500 * time.Millisecond

// Option configures a [Coordinator] during construction.
type Option func(*Coordinator)

// WithDuckRatio sets the volume multiplier applied while ducked. Default 0.3.
func WithDuckRatio(r float64) Option {
	return func(c *Coordinator) {
		if r > 0 && r <= 1 {
			c.duckRatio = r
		}
	}
}

// WithCrossfade sets the crossfade ramp duration. Zero disables crossfading.
func WithCrossfade(d time.Duration) Option {
	return func(c *Coordinator) { c.crossfade = d }
}

// WithGracePeriod forwards the service grace period option.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) { c.svcOpts = append(c.svcOpts, service.WithGracePeriod(d)) }
}

// WithWatcher enables the fsnotify directory watcher that rescans the library
// when files change. Tests leave it off.
func WithWatcher() Option {
	return func(c *Coordinator) { c.watch = true }
}

// Coordinator is the music service.
type Coordinator struct {
	*service.Base

	library   *Library
	driver    audio.Driver
	duckRatio float64
	crossfade time.Duration
	watch     bool
	svcOpts   []service.Option

	mu          sync.Mutex
	active      audio.Player
	spare       audio.Player
	state       string
	track       payload.Track
	startedAt   time.Time
	baseVolume  float64
	duckCount   int
	crossfading bool
	queue       []payload.Track
	session     uint64 // increments per play; stale done-watchers check it

	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// New creates the music coordinator for the library at dir, playing through
// driver.
func New(b *bus.Bus, dir string, driver audio.Driver, opts ...Option) *Coordinator {
	c := &Coordinator{
		library:    NewLibrary(dir),
		driver:     driver,
		duckRatio:  0.3,
		crossfade:  2 * time.Second,
		state:      stateStopped,
		baseVolume: 1.0,
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.Base = service.New("music", b, service.Hooks{Setup: c.setup, Teardown: c.teardown}, c.svcOpts...)
	return c
}

// Library exposes the track registry, used by health checks and tests.
func (c *Coordinator) Library() *Library { return c.library }

func (c *Coordinator) setup(ctx context.Context) error {
	var err error
	if c.active, err = c.driver.NewPlayer(); err != nil {
		return fmt.Errorf("music: create player: %w", err)
	}
	if c.spare, err = c.driver.NewPlayer(); err != nil {
		return fmt.Errorf("music: create crossfade player: %w", err)
	}

	if n, err := c.library.Scan(); err != nil {
		// A missing directory degrades to an empty library; the droid still
		// talks and moves.
		slog.Warn("music library scan failed", "err", err)
	} else {
		slog.Info("music library scanned", "tracks", n)
		_ = c.Emit(ctx, bus.TopicMusicLibraryUpdated, &payload.LibraryUpdated{TrackCount: n})
	}

	if c.watch {
		if err := c.startWatcher(); err != nil {
			slog.Warn("music library watcher unavailable", "err", err)
		}
	}

	if err := c.Subscribe(bus.TopicMusicCommand, c.onCommand); err != nil {
		return err
	}
	if err := c.Subscribe(bus.TopicDuckingStart, c.onDuckStart); err != nil {
		return err
	}
	if err := c.Subscribe(bus.TopicDuckingStop, c.onDuckStop); err != nil {
		return err
	}
	return c.Subscribe(bus.TopicModeChange, c.onModeChange)
}

func (c *Coordinator) teardown(ctx context.Context) error {
	close(c.closed)
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	c.mu.Lock()
	active, spare := c.active, c.spare
	c.mu.Unlock()
	_ = c.stopPlayback(ctx, "shutdown")
	if active != nil {
		_ = active.Close()
	}
	if spare != nil {
		_ = spare.Close()
	}
	return nil
}

// ─── library watching ───

func (c *Coordinator) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(c.library.dir); err != nil {
		_ = w.Close()
		return err
	}
	c.watcher = w

	go func() {
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-c.closed:
				return
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				// Debounce: bulk copies produce event storms.
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(rescanDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("music library watcher error", "err", err)
			case <-fire:
				n, err := c.library.Scan()
				if err != nil {
					slog.Warn("music library rescan failed", "err", err)
					continue
				}
				slog.Info("music library rescanned", "tracks", n)
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = c.Emit(ctx, bus.TopicMusicLibraryUpdated, &payload.LibraryUpdated{TrackCount: n})
				cancel()
			}
		}
	}()
	return nil
}

// ─── bus handlers ───

func (c *Coordinator) onCommand(ctx context.Context, evt bus.Event) error {
	action, _ := evt.Payload["action"].(string)
	switch action {
	case "play":
		// The conversation id of the originating dialog turn rides through to
		// the started event so the planner can match its in-flight intent.
		convID, _ := evt.Payload["conversation_id"].(string)
		query, _ := evt.Payload["track_query"].(string)
		if id, _ := evt.Payload["track_id"].(string); id != "" {
			if t, ok := c.library.ByID(id); ok {
				return c.play(ctx, t, convID)
			}
			return c.respondError(ctx, fmt.Sprintf("No track with id %q.", id))
		}
		if query == "" {
			return c.resumeOrFirst(ctx)
		}
		t, ok := c.library.Find(query)
		if !ok {
			return c.respondError(ctx, fmt.Sprintf("No track matching %q.", query))
		}
		return c.play(ctx, t, convID)
	case "pause":
		return c.pause(ctx)
	case "resume":
		return c.resume(ctx)
	case "stop":
		return c.stopPlayback(ctx, "requested")
	case "next":
		return c.next(ctx)
	case "queue":
		query, _ := evt.Payload["track_query"].(string)
		t, ok := c.library.Find(query)
		if !ok {
			return c.respondError(ctx, fmt.Sprintf("No track matching %q.", query))
		}
		c.mu.Lock()
		c.queue = append(c.queue, t)
		c.mu.Unlock()
		return c.respond(ctx, fmt.Sprintf("Queued: %s", t.Title))
	case "list":
		return c.list(ctx)
	default:
		err := fmt.Errorf("music: unknown action %q", action)
		c.ReportError(ctx, payload.ErrKindValidation, err)
		return err
	}
}

func (c *Coordinator) onDuckStart(_ context.Context, _ bus.Event) error {
	c.mu.Lock()
	c.duckCount++
	c.applyVolumeLocked()
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) onDuckStop(_ context.Context, _ bus.Event) error {
	c.mu.Lock()
	if c.duckCount == 0 {
		slog.Warn("unbalanced duck stop, clamping at zero")
	} else {
		c.duckCount--
	}
	c.applyVolumeLocked()
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) onModeChange(_ context.Context, evt bus.Event) error {
	if to, _ := evt.Payload["to"].(string); to == "IDLE" {
		c.mu.Lock()
		if c.duckCount != 0 {
			slog.Info("mode reset, releasing ducks", "count", c.duckCount)
			c.duckCount = 0
			c.applyVolumeLocked()
		}
		c.mu.Unlock()
	}
	return nil
}

// ─── playback state machine ───

// play starts t, crossfading from the current track when one is playing.
func (c *Coordinator) play(ctx context.Context, t payload.Track, convID string) error {
	c.mu.Lock()
	if c.state == statePlaying && c.crossfade > 0 && !c.crossfading {
		return c.crossfadeToLocked(ctx, t, convID) // unlocks internally
	}

	prevState := c.state
	prevTrack := c.track
	if prevState != stateStopped {
		_ = c.active.Stop()
	}

	if err := c.active.Play(ctx, t.SourcePath); err != nil {
		c.state = stateStopped
		c.mu.Unlock()
		c.ReportError(ctx, payload.ErrKindResource, fmt.Errorf("music: play %q: %w", t.SourcePath, err))
		return c.respondError(ctx, fmt.Sprintf("Could not play %s.", t.Title))
	}
	c.state = statePlaying
	c.track = t
	c.startedAt = time.Now()
	c.session++
	c.applyVolumeLocked()
	done := c.active.Done()
	session := c.session
	c.mu.Unlock()

	if prevState != stateStopped {
		c.emitState(ctx, bus.TopicMusicPlaybackStopped, prevTrack, 0, "")
	}
	go c.watchDone(done, session)
	return c.emitState(ctx, bus.TopicMusicPlaybackStarted, t, 0, convID)
}

// crossfadeToLocked starts t on the spare player and ramps volumes. Called
// with c.mu held; releases it.
func (c *Coordinator) crossfadeToLocked(ctx context.Context, t payload.Track, convID string) error {
	old := c.active
	oldTrack := c.track

	if err := c.spare.SetVolume(0); err != nil {
		slog.Warn("crossfade volume init failed", "err", err)
	}
	if err := c.spare.Play(ctx, t.SourcePath); err != nil {
		c.mu.Unlock()
		c.ReportError(ctx, payload.ErrKindResource, fmt.Errorf("music: crossfade play %q: %w", t.SourcePath, err))
		return c.respondError(ctx, fmt.Sprintf("Could not play %s.", t.Title))
	}

	c.active, c.spare = c.spare, old
	c.track = t
	c.startedAt = time.Now()
	c.session++
	c.crossfading = true
	session := c.session
	done := c.active.Done()
	target := c.effectiveVolumeLocked()
	dur := c.crossfade
	c.mu.Unlock()

	c.emitState(ctx, bus.TopicMusicPlaybackStopped, oldTrack, 0, "")

	go func() {
		const steps = 20
		interval := dur / steps
		for i := 1; i <= steps; i++ {
			select {
			case <-c.closed:
				return
			case <-time.After(interval):
			}
			frac := float64(i) / steps
			c.mu.Lock()
			_ = c.active.SetVolume(target * frac)
			_ = c.spare.SetVolume(target * (1 - frac))
			c.mu.Unlock()
		}
		c.mu.Lock()
		_ = c.spare.Stop()
		c.crossfading = false
		c.applyVolumeLocked()
		c.mu.Unlock()
	}()

	go c.watchDone(done, session)
	return c.emitState(ctx, bus.TopicMusicPlaybackStarted, t, 0, convID)
}

func (c *Coordinator) pause(ctx context.Context) error {
	c.mu.Lock()
	if c.state != statePlaying {
		c.mu.Unlock()
		return nil
	}
	_ = c.active.Pause()
	c.state = statePaused
	t := c.track
	pos := c.active.Position().Seconds()
	c.mu.Unlock()
	return c.emitState(ctx, bus.TopicMusicPlaybackPaused, t, pos, "")
}

func (c *Coordinator) resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != statePaused {
		c.mu.Unlock()
		return nil
	}
	_ = c.active.Resume()
	c.state = statePlaying
	t := c.track
	pos := c.active.Position().Seconds()
	c.mu.Unlock()
	return c.emitState(ctx, bus.TopicMusicPlaybackResumed, t, pos, "")
}

// stopPlayback halts playback and emits the stopped event exactly once per
// started session.
func (c *Coordinator) stopPlayback(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.state == stateStopped {
		c.mu.Unlock()
		return nil
	}
	_ = c.active.Stop()
	c.state = stateStopped
	t := c.track
	c.session++ // invalidate the done-watcher
	c.mu.Unlock()

	slog.Debug("music stopped", "track", t.Title, "reason", reason)
	return c.emitState(ctx, bus.TopicMusicPlaybackStopped, t, 0, "")
}

// next plays the track after the current one in library order.
func (c *Coordinator) next(ctx context.Context) error {
	tracks := c.library.Tracks()
	if len(tracks) == 0 {
		return c.respondError(ctx, "The music library is empty.")
	}

	c.mu.Lock()
	currentID := c.track.TrackID
	playing := c.state != stateStopped
	c.mu.Unlock()

	idx := 0
	if playing {
		for i, t := range tracks {
			if t.TrackID == currentID {
				idx = (i + 1) % len(tracks)
				break
			}
		}
	}
	return c.play(ctx, tracks[idx], "")
}

// resumeOrFirst handles a bare "play": resume when paused, otherwise start
// the first library track.
func (c *Coordinator) resumeOrFirst(ctx context.Context) error {
	c.mu.Lock()
	paused := c.state == statePaused
	c.mu.Unlock()
	if paused {
		return c.resume(ctx)
	}
	tracks := c.library.Tracks()
	if len(tracks) == 0 {
		return c.respondError(ctx, "The music library is empty.")
	}
	return c.play(ctx, tracks[0], "")
}

func (c *Coordinator) list(ctx context.Context) error {
	tracks := c.library.Tracks()
	if len(tracks) == 0 {
		return c.respond(ctx, "The music library is empty.")
	}
	var sb strings.Builder
	sb.WriteString("Music library:\n")
	for i, t := range tracks {
		fmt.Fprintf(&sb, "  %2d. %s\n", i+1, t.Title)
	}
	return c.respond(ctx, strings.TrimRight(sb.String(), "\n"))
}

// watchDone waits for the active player's track to finish naturally, emits
// the stopped event, and starts the next queued track if any. Stale watchers
// (superseded by a later play or stop) exit without acting.
func (c *Coordinator) watchDone(done <-chan struct{}, session uint64) {
	select {
	case <-c.closed:
		return
	case <-done:
	}

	c.mu.Lock()
	if c.session != session || c.state == stateStopped {
		c.mu.Unlock()
		return
	}
	c.state = stateStopped
	t := c.track
	c.session++
	var nextUp *payload.Track
	if len(c.queue) > 0 {
		q := c.queue[0]
		c.queue = c.queue[1:]
		nextUp = &q
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.emitState(ctx, bus.TopicMusicPlaybackStopped, t, 0, "")
	if nextUp != nil {
		_ = c.play(ctx, *nextUp, "")
	}
}

// ─── volume & ducking ───

// DuckCount returns the current duck counter, for tests and health checks.
func (c *Coordinator) DuckCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duckCount
}

// effectiveVolumeLocked computes base volume with duck attenuation applied;
// callers hold c.mu.
func (c *Coordinator) effectiveVolumeLocked() float64 {
	if c.duckCount > 0 {
		return c.baseVolume * c.duckRatio
	}
	return c.baseVolume
}

// applyVolumeLocked pushes the effective volume to the active player unless a
// crossfade ramp currently owns the volume; callers hold c.mu.
func (c *Coordinator) applyVolumeLocked() {
	if c.crossfading || c.active == nil {
		return
	}
	if err := c.active.SetVolume(c.effectiveVolumeLocked()); err != nil {
		slog.Warn("volume update failed", "err", err)
	}
}

// ─── event helpers ───

func (c *Coordinator) emitState(ctx context.Context, topic string, t payload.Track, position float64, convID string) error {
	c.mu.Lock()
	started := c.startedAt
	c.mu.Unlock()
	pl := &payload.PlaybackState{
		Track:           t,
		StartTimestamp:  float64(started.UnixMilli()) / 1000.0,
		DurationSeconds: t.DurationSeconds,
		PositionSeconds: position,
	}
	pl.ConversationID = convID
	return c.Emit(ctx, topic, pl)
}

func (c *Coordinator) respond(ctx context.Context, msg string) error {
	return c.Emit(ctx, bus.TopicCLIResponse, &payload.CLIResponse{Message: msg})
}

func (c *Coordinator) respondError(ctx context.Context, msg string) error {
	return c.Emit(ctx, bus.TopicCLIResponse, &payload.CLIResponse{Message: msg, IsError: true, Code: "MUSIC_ERROR"})
}
