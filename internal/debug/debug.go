// Package debug implements the observability side-channel: an asynchronous
// log writer with a bounded queue, per-component log levels, bus command
// tracing, and rolling performance windows.
//
// Log writes never block the caller. When the queue is full the oldest entry
// is shed and an overflow counter incremented, so a wedged sink degrades
// observability rather than the runtime.
package debug

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/internal/service"
)

const (
	// DefaultQueueSize is the bounded log queue capacity.
	DefaultQueueSize = 10000

	// windowSize is the number of samples kept per performance window.
	windowSize = 128
)

// entry is one queued log line.
type entry struct {
	when      time.Time
	level     slog.Level
	component string
	message   string
}

// WindowStats summarizes one rolling performance window.
type WindowStats struct {
	Count int
	Min   time.Duration
	Avg   time.Duration
	Max   time.Duration
}

// window is a fixed-size sample ring.
type window struct {
	samples [windowSize]time.Duration
	n       int
	next    int
}

func (w *window) add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % windowSize
	if w.n < windowSize {
		w.n++
	}
}

func (w *window) stats() WindowStats {
	st := WindowStats{Count: w.n}
	if w.n == 0 {
		return st
	}
	st.Min = w.samples[0]
	var total time.Duration
	for i := 0; i < w.n; i++ {
		d := w.samples[i]
		total += d
		if d < st.Min {
			st.Min = d
		}
		if d > st.Max {
			st.Max = d
		}
	}
	st.Avg = total / time.Duration(w.n)
	return st
}

// Option configures a [Service] during construction.
type Option func(*Service)

// WithQueueSize overrides the bounded queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithWriter replaces stderr as the log sink.
func WithWriter(w io.Writer) Option {
	return func(s *Service) { s.out = w }
}

// WithTrace enables command tracing at startup.
func WithTrace(on bool) Option {
	return func(s *Service) { s.trace.Store(on) }
}

// WithGracePeriod forwards the service grace period option.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Service) { s.svcOpts = append(s.svcOpts, service.WithGracePeriod(d)) }
}

// Service is the debug service.
type Service struct {
	*service.Base

	queueSize int
	out       io.Writer
	svcOpts   []service.Option

	ch       chan entry
	done     chan struct{}
	flushed  chan struct{}
	overflow atomic.Uint64
	trace    atomic.Bool

	mu           sync.Mutex
	defaultLevel slog.Level
	levels       map[string]slog.Level
	perf         map[string]*window
}

// New creates the debug service.
func New(b *bus.Bus, opts ...Option) *Service {
	s := &Service{
		queueSize:    DefaultQueueSize,
		out:          os.Stderr,
		defaultLevel: slog.LevelInfo,
		levels:       make(map[string]slog.Level),
		perf:         make(map[string]*window),
	}
	for _, o := range opts {
		o(s)
	}
	s.ch = make(chan entry, s.queueSize)
	s.done = make(chan struct{})
	s.flushed = make(chan struct{})
	s.Base = service.New("debug", b, service.Hooks{Setup: s.setup, Teardown: s.teardown}, s.svcOpts...)
	return s
}

func (s *Service) setup(ctx context.Context) error {
	if err := s.Subscribe(bus.TopicDebugCommand, s.onCommand); err != nil {
		return err
	}
	// The trace tap covers every topic except its own command channel.
	for _, topic := range bus.Topics() {
		if topic == bus.TopicDebugCommand {
			continue
		}
		if err := s.Subscribe(topic, s.onTrace); err != nil {
			return err
		}
	}
	go s.writeLoop()
	return nil
}

func (s *Service) teardown(context.Context) error {
	close(s.done)
	select {
	case <-s.flushed:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// ─── log queue ───

// Log enqueues one line without blocking. Entries below the component's
// configured level are dropped.
func (s *Service) Log(level slog.Level, component, message string) {
	if level < s.levelFor(component) {
		return
	}
	s.enqueue(entry{when: time.Now(), level: level, component: component, message: message})
}

func (s *Service) enqueue(e entry) {
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		// Full: shed the oldest entry and retry.
		select {
		case <-s.ch:
			s.overflow.Add(1)
		default:
		}
	}
}

// Overflow returns the number of log entries shed so far.
func (s *Service) Overflow() uint64 {
	return s.overflow.Load()
}

func (s *Service) writeLoop() {
	defer close(s.flushed)
	for {
		select {
		case e := <-s.ch:
			s.write(e)
		case <-s.done:
			for {
				select {
				case e := <-s.ch:
					s.write(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(e entry) {
	fmt.Fprintf(s.out, "%s %-5s [%s] %s\n",
		e.when.Format("2006-01-02T15:04:05.000"), e.level, e.component, e.message)
}

// ─── levels ───

// SetLevel sets the minimum level for one component. An empty component sets
// the default for everything without an override.
func (s *Service) SetLevel(component string, level slog.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if component == "" {
		s.defaultLevel = level
		return
	}
	s.levels[component] = level
}

func (s *Service) levelFor(component string) slog.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lvl, ok := s.levels[component]; ok {
		return lvl
	}
	return s.defaultLevel
}

// ParseLevel maps a level name to its slog value.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// Handler returns a slog.Handler that feeds the debug queue and forwards to
// inner. Per-component filtering keys off the "service" attribute.
func (s *Service) Handler(inner slog.Handler) slog.Handler {
	return &queueHandler{svc: s, inner: inner}
}

type queueHandler struct {
	svc   *Service
	inner slog.Handler
	attrs []slog.Attr
}

func (h *queueHandler) Enabled(_ context.Context, level slog.Level) bool {
	// Per-component decisions need the record; gate on the loosest level here.
	return level >= h.svc.minLevel()
}

func (h *queueHandler) Handle(ctx context.Context, r slog.Record) error {
	component := attrString(h.attrs, "service")
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "service" {
			component = a.Value.String()
			return false
		}
		return true
	})
	if r.Level < h.svc.levelFor(component) {
		return nil
	}

	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		if a.Key != "service" {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "service" {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		}
		return true
	})
	h.svc.enqueue(entry{when: r.Time, level: r.Level, component: component, message: b.String()})

	if h.inner != nil && h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *queueHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &queueHandler{svc: h.svc, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
	if h.inner != nil {
		next.inner = h.inner.WithAttrs(attrs)
	}
	return next
}

func (h *queueHandler) WithGroup(name string) slog.Handler {
	next := &queueHandler{svc: h.svc, attrs: h.attrs}
	if h.inner != nil {
		next.inner = h.inner.WithGroup(name)
	}
	return next
}

func (s *Service) minLevel() slog.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	min := s.defaultLevel
	for _, lvl := range s.levels {
		if lvl < min {
			min = lvl
		}
	}
	return min
}

func attrString(attrs []slog.Attr, key string) string {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value.String()
		}
	}
	return ""
}

// ─── tracing & performance ───

// onTrace logs every bus event while tracing is enabled and records dispatch
// latency against the per-topic performance window.
func (s *Service) onTrace(_ context.Context, evt bus.Event) error {
	if ts, ok := evt.Payload["timestamp"].(string); ok {
		if sent, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			if lat := time.Since(sent); lat >= 0 && lat < time.Minute {
				s.Observe("dispatch:"+evt.Topic, lat)
			}
		}
	}
	if !s.trace.Load() {
		return nil
	}
	source, _ := evt.Payload["source"].(string)
	s.enqueue(entry{
		when:      time.Now(),
		level:     slog.LevelDebug,
		component: "trace",
		message:   fmt.Sprintf("%s from %s", evt.Topic, source),
	})
	return nil
}

// Observe records one duration sample under name.
func (s *Service) Observe(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.perf[name]
	if w == nil {
		w = &window{}
		s.perf[name] = w
	}
	w.add(d)
}

// Stats returns a snapshot of all performance windows.
func (s *Service) Stats() map[string]WindowStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]WindowStats, len(s.perf))
	for name, w := range s.perf {
		out[name] = w.stats()
	}
	return out
}

// Tracing reports whether command tracing is enabled.
func (s *Service) Tracing() bool {
	return s.trace.Load()
}

// ─── commands ───

func (s *Service) onCommand(ctx context.Context, evt bus.Event) error {
	action, _ := evt.Payload["action"].(string)
	component, _ := evt.Payload["component"].(string)
	value, _ := evt.Payload["value"].(string)

	switch action {
	case "level":
		lvl, err := ParseLevel(value)
		if err != nil {
			s.ReportError(ctx, payload.ErrKindValidation, err)
			return s.respondError(ctx, err.Error())
		}
		s.SetLevel(component, lvl)
		target := component
		if target == "" {
			target = "default"
		}
		return s.respond(ctx, fmt.Sprintf("log level for %s set to %s", target, strings.ToLower(value)))

	case "trace":
		switch value {
		case "on", "true", "1":
			s.trace.Store(true)
			return s.respond(ctx, "command tracing enabled")
		case "off", "false", "0":
			s.trace.Store(false)
			return s.respond(ctx, "command tracing disabled")
		default:
			err := fmt.Errorf("trace wants on or off, got %q", value)
			s.ReportError(ctx, payload.ErrKindValidation, err)
			return s.respondError(ctx, err.Error())
		}

	case "performance":
		return s.respond(ctx, s.formatStats())

	default:
		err := fmt.Errorf("unknown debug action %q", action)
		s.ReportError(ctx, payload.ErrKindValidation, err)
		return s.respondError(ctx, err.Error())
	}
}

func (s *Service) formatStats() string {
	stats := s.Stats()
	if len(stats) == 0 {
		return "no performance samples yet"
	}
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Performance windows:")
	for _, name := range names {
		st := stats[name]
		fmt.Fprintf(&b, "\n  %-40s n=%-4d min=%s avg=%s max=%s",
			name, st.Count, st.Min, st.Avg, st.Max)
	}
	if n := s.Overflow(); n > 0 {
		fmt.Fprintf(&b, "\nlog queue overflow: %d entries shed", n)
	}
	return b.String()
}

func (s *Service) respond(ctx context.Context, msg string) error {
	return s.Emit(ctx, bus.TopicCLIResponse, &payload.CLIResponse{Message: msg})
}

func (s *Service) respondError(ctx context.Context, msg string) error {
	return s.Emit(ctx, bus.TopicCLIResponse, &payload.CLIResponse{
		Message: msg,
		IsError: true,
		Code:    "DEBUG_ERROR",
	})
}
