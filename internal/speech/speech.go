// Package speech implements the speech coordinator: microphone capture
// sessions feeding the ASR provider, and synthesis requests flowing through
// the TTS provider to the audio sink.
//
// Capture follows the interaction mode: entering INTERACTIVE starts a
// session, leaving it stops one. At most one capture session is active at a
// time; an overlapping start is rejected and reported. Each session emits any
// number of interim transcripts and exactly one final transcript, stamped
// with a fresh conversation id that downstream dialog events inherit.
//
// Synthesis calls are guarded by a circuit breaker. While the breaker is
// open the service reports DEGRADED and fails requests fast; it returns to
// RUNNING once a synthesis succeeds again.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/internal/resilience"
	"github.com/rexworks/cantina/internal/service"
	"github.com/rexworks/cantina/pkg/audio"
	"github.com/rexworks/cantina/pkg/provider/asr"
	"github.com/rexworks/cantina/pkg/provider/tts"
)

// captureChunkSize is the microphone read size: 100ms of 16kHz mono s16le.
const captureChunkSize = 3200

// DefaultSynthesisTimeout bounds one synthesis round trip plus playback.
const DefaultSynthesisTimeout = 30 * time.Second

// AudioSource supplies microphone PCM for a capture session. Open is called
// once per session; the returned reader is drained in fixed-size chunks until
// EOF or session end.
type AudioSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Option configures a [Coordinator] during construction.
type Option func(*Coordinator)

// WithSource attaches the microphone source. Without one, sessions rely on
// audio pushed by the provider itself (or by tests).
func WithSource(src AudioSource) Option {
	return func(c *Coordinator) { c.source = src }
}

// WithBreaker replaces the default TTS circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Coordinator) { c.breaker = b }
}

// WithVoice sets the default synthesis voice passed to the TTS provider when
// a request does not name one.
func WithVoice(voice string) Option {
	return func(c *Coordinator) { c.voice = voice }
}

// WithSynthesisTimeout overrides the per-request synthesis deadline.
func WithSynthesisTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.synthTimeout = d
		}
	}
}

// WithGracePeriod forwards the service grace period option.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) { c.svcOpts = append(c.svcOpts, service.WithGracePeriod(d)) }
}

// Coordinator is the speech service.
type Coordinator struct {
	*service.Base

	asr          asr.Provider
	tts          tts.Provider
	sink         audio.Sink
	source       AudioSource
	breaker      *resilience.Breaker
	voice        string
	synthTimeout time.Duration
	svcOpts      []service.Option

	mu      sync.Mutex
	session *captureSession

	synthMu sync.Mutex // serializes synthesis playback
}

// captureSession is the state of one microphone capture.
type captureSession struct {
	id             string
	conversationID string
	handle         asr.SessionHandle
	ctx            context.Context
	cancel         context.CancelFunc
}

// New creates the speech coordinator.
func New(b *bus.Bus, asrProv asr.Provider, ttsProv tts.Provider, sink audio.Sink, opts ...Option) *Coordinator {
	c := &Coordinator{
		asr:          asrProv,
		tts:          ttsProv,
		sink:         sink,
		breaker:      resilience.New(resilience.Config{Name: "tts"}),
		synthTimeout: DefaultSynthesisTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	c.Base = service.New("speech", b, service.Hooks{Setup: c.setup, Teardown: c.teardown}, c.svcOpts...)
	return c
}

func (c *Coordinator) setup(ctx context.Context) error {
	if err := c.Subscribe(bus.TopicModeChange, c.onModeChange); err != nil {
		return err
	}
	return c.Subscribe(bus.TopicSynthesisRequest, c.onSynthesisRequest)
}

func (c *Coordinator) teardown(ctx context.Context) error {
	return c.StopCapture(ctx)
}

// ─── capture ───

func (c *Coordinator) onModeChange(ctx context.Context, evt bus.Event) error {
	to, _ := evt.Payload["to"].(string)
	from, _ := evt.Payload["from"].(string)
	switch {
	case to == "INTERACTIVE":
		return c.StartCapture(ctx)
	case from == "INTERACTIVE":
		return c.StopCapture(ctx)
	}
	return nil
}

// StartCapture opens a new capture session. A second start while a session is
// active is rejected and reported as a validation error.
func (c *Coordinator) StartCapture(ctx context.Context) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		err := errors.New("speech: capture session already active")
		c.ReportError(ctx, payload.ErrKindValidation, err)
		return err
	}
	// Reserve the slot before the (slow) stream open so a concurrent start
	// cannot slip in.
	sctx, cancel := context.WithCancel(context.Background())
	sess := &captureSession{
		id:             uuid.NewString(),
		conversationID: uuid.NewString(),
		ctx:            sctx,
		cancel:         cancel,
	}
	c.session = sess
	c.mu.Unlock()

	handle, err := c.asr.StartStream(sctx, asr.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		cancel()
		c.ReportError(ctx, payload.ErrKindCollaborator, fmt.Errorf("speech: start capture: %w", err))
		return err
	}
	sess.handle = handle

	pl := &payload.ListeningState{SessionID: sess.id}
	if err := c.Emit(ctx, bus.TopicVoiceListeningStarted, pl); err != nil {
		slog.Warn("listening-started emit failed", "err", err)
	}

	if c.source != nil {
		go c.pumpAudio(sess)
	}
	go c.readTranscripts(sess)
	return nil
}

// StopCapture closes the active capture session, if any.
func (c *Coordinator) StopCapture(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}

	sess.cancel()
	if sess.handle != nil {
		if err := sess.handle.Close(); err != nil {
			slog.Warn("capture close failed", "session", sess.id, "err", err)
		}
	}
	pl := &payload.ListeningState{SessionID: sess.id}
	return c.Emit(ctx, bus.TopicVoiceListeningStopped, pl)
}

// Capturing reports whether a capture session is active.
func (c *Coordinator) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// pumpAudio drains the microphone source into the ASR stream.
func (c *Coordinator) pumpAudio(sess *captureSession) {
	rc, err := c.source.Open(sess.ctx)
	if err != nil {
		slog.Warn("microphone open failed", "session", sess.id, "err", err)
		return
	}
	defer rc.Close()

	buf := make([]byte, captureChunkSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			if serr := sess.handle.SendAudio(buf[:n]); serr != nil {
				slog.Debug("audio send ended", "session", sess.id, "err", serr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("microphone read failed", "session", sess.id, "err", err)
			}
			return
		}
		select {
		case <-sess.ctx.Done():
			return
		default:
		}
	}
}

// readTranscripts forwards interim results and exactly one final result, then
// ends the session.
func (c *Coordinator) readTranscripts(sess *captureSession) {
	interims := sess.handle.Interims()
	finals := sess.handle.Finals()
	for {
		select {
		case <-sess.ctx.Done():
			return

		case tr, ok := <-interims:
			if !ok {
				interims = nil
				continue
			}
			pl := &payload.Transcript{SessionID: sess.id, Text: tr.Text, Confidence: tr.Confidence}
			ctx, cancel := context.WithTimeout(sess.ctx, 5*time.Second)
			_ = c.Emit(ctx, bus.TopicTranscriptionInterim, pl)
			cancel()

		case tr, ok := <-finals:
			if !ok {
				return
			}
			pl := &payload.Transcript{SessionID: sess.id, Text: tr.Text, Confidence: tr.Confidence}
			pl.ConversationID = sess.conversationID
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.Emit(ctx, bus.TopicTranscriptionFinal, pl)
			// The final transcript ends the session; anything after it
			// belongs to a new session.
			_ = c.StopCapture(ctx)
			cancel()
			return
		}
	}
}

// ─── synthesis ───

func (c *Coordinator) onSynthesisRequest(ctx context.Context, evt bus.Event) error {
	reqID, _ := evt.Payload["request_id"].(string)
	text, _ := evt.Payload["text"].(string)
	voice, _ := evt.Payload["voice_id"].(string)
	convID, _ := evt.Payload["conversation_id"].(string)
	if reqID == "" || text == "" {
		err := fmt.Errorf("speech: synthesis request missing request_id or text")
		c.ReportError(ctx, payload.ErrKindValidation, err)
		return err
	}
	if voice == "" {
		voice = c.voice
	}
	// Synthesis plus playback outlives the handler budget; run detached.
	go c.synthesize(reqID, convID, text, voice)
	return nil
}

func (c *Coordinator) synthesize(reqID, convID, text, voice string) {
	c.synthMu.Lock()
	defer c.synthMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.synthTimeout)
	defer cancel()

	var res *tts.Result
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		r, serr := c.tts.Synthesize(ctx, tts.Request{Text: text, Voice: voice})
		res = r
		return serr
	})
	if err != nil {
		kind := payload.ErrKindCollaborator
		if errors.Is(err, resilience.ErrBreakerOpen) {
			c.MarkDegraded(ctx, "tts breaker open")
		} else if errors.Is(err, context.DeadlineExceeded) {
			kind = payload.ErrKindTimeout
		}
		c.ReportError(ctx, kind, fmt.Errorf("speech: synthesize: %w", err))
		c.emitSynthesisState(ctx, bus.TopicSynthesisEnded, reqID, convID, false, err.Error())
		return
	}
	if c.Status() == service.StatusDegraded && c.breaker.State() == resilience.StateClosed {
		c.MarkRunning(ctx)
	}

	c.emitSynthesisState(ctx, bus.TopicSynthesisStarted, reqID, convID, true, "")

	beatsDone := make(chan struct{})
	go c.emitBeats(reqID, res.Envelope, beatsDone)
	perr := c.sink.PlayClip(ctx, res.Audio, res.SampleRate, res.Channels)
	close(beatsDone)

	if perr != nil {
		c.ReportError(ctx, payload.ErrKindResource, fmt.Errorf("speech: playback: %w", perr))
		c.emitSynthesisState(ctx, bus.TopicSynthesisEnded, reqID, convID, false, perr.Error())
		return
	}
	c.emitSynthesisState(ctx, bus.TopicSynthesisEnded, reqID, convID, true, "")
}

// emitBeats publishes one amplitude sample per envelope window while the clip
// plays. The envelope windows are [tts.EnvelopeInterval] apart, which caps
// the beat rate at 20 events per second — well under the 50 Hz ceiling
// animation consumers tolerate.
func (c *Coordinator) emitBeats(reqID string, envelope []float64, done <-chan struct{}) {
	if len(envelope) == 0 {
		return
	}
	ticker := time.NewTicker(tts.EnvelopeInterval * time.Millisecond)
	defer ticker.Stop()
	for _, amp := range envelope {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		pl := &payload.VoiceBeat{RequestID: reqID, Amplitude: amp}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.Emit(ctx, bus.TopicVoiceBeat, pl)
		cancel()
	}
}

func (c *Coordinator) emitSynthesisState(ctx context.Context, topic, reqID, convID string, success bool, errMsg string) {
	pl := &payload.SynthesisState{RequestID: reqID, Success: success, Error: errMsg}
	pl.ConversationID = convID
	if err := c.Emit(ctx, topic, pl); err != nil {
		slog.Warn("synthesis state emit failed", "topic", topic, "err", err)
	}
}

// Breaker exposes the TTS circuit breaker for status reporting.
func (c *Coordinator) Breaker() *resilience.Breaker { return c.breaker }
