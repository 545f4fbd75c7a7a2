// Package led drives the droid's LED eye panel over a serial link.
//
// The controller speaks a line protocol: one ASCII command per line, written
// under a mutex so concurrent eye commands cannot interleave on the wire.
// When no hardware is present (or the port fails to open) the service falls
// back to an in-memory mock controller so the rest of the runtime behaves
// identically on a dev machine and on the droid.
package led

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/config"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/internal/service"
)

// DefaultBaudRate matches the eye panel firmware.
const DefaultBaudRate = 115200

// patterns is the closed set the firmware understands.
var patterns = map[string]struct{}{
	"idle":      {},
	"listening": {},
	"thinking":  {},
	"speaking":  {},
	"happy":     {},
	"sad":       {},
	"angry":     {},
	"surprised": {},
	"dj":        {},
}

// Patterns returns the supported pattern names, sorted.
func Patterns() []string {
	out := make([]string, 0, len(patterns))
	for p := range patterns {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Port is the serial link to the eye panel firmware.
type Port interface {
	io.WriteCloser
}

// Option configures a [Controller] during construction.
type Option func(*Controller)

// WithPort injects an already-open port, bypassing serial discovery.
func WithPort(p Port) Option {
	return func(c *Controller) { c.port = p }
}

// WithGracePeriod forwards the service grace period option.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Controller) { c.svcOpts = append(c.svcOpts, service.WithGracePeriod(d)) }
}

// Controller is the LED eye service.
type Controller struct {
	*service.Base

	cfg     config.LEDConfig
	svcOpts []service.Option

	mu       sync.Mutex
	port     Port
	hardware bool
	current  string
}

// New creates the LED controller service.
func New(b *bus.Bus, cfg config.LEDConfig, opts ...Option) *Controller {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	c := &Controller{cfg: cfg, current: "idle"}
	for _, o := range opts {
		o(c)
	}
	c.Base = service.New("led", b, service.Hooks{Setup: c.setup, Teardown: c.teardown}, c.svcOpts...)
	return c
}

func (c *Controller) setup(ctx context.Context) error {
	c.mu.Lock()
	if c.port == nil && !c.cfg.Mock && c.cfg.SerialPort != "" {
		port, err := serial.Open(c.cfg.SerialPort, &serial.Mode{BaudRate: c.cfg.BaudRate})
		if err != nil {
			// Missing hardware degrades to the mock controller; the droid
			// still runs, just without eyes.
			slog.Warn("eye panel unavailable, using mock controller",
				"port", c.cfg.SerialPort, "err", err)
		} else {
			c.port = port
			c.hardware = true
		}
	}
	if c.port == nil {
		c.port = newMockPort()
	}
	c.mu.Unlock()

	if err := c.writeLine("PATTERN idle"); err != nil {
		slog.Warn("eye panel reset failed", "err", err)
	}
	return c.Subscribe(bus.TopicEyeCommand, c.onCommand)
}

func (c *Controller) teardown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		_ = c.port.Close()
	}
	return nil
}

// Hardware reports whether a real serial port is attached.
func (c *Controller) Hardware() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hardware
}

// Current returns the active pattern name.
func (c *Controller) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) onCommand(ctx context.Context, evt bus.Event) error {
	action, _ := evt.Payload["action"].(string)
	pattern, _ := evt.Payload["pattern"].(string)

	switch action {
	case "pattern":
		if _, ok := patterns[pattern]; !ok {
			err := fmt.Errorf("unknown eye pattern %q (have: %s)", pattern, strings.Join(Patterns(), ", "))
			c.ReportError(ctx, payload.ErrKindValidation, err)
			return c.respondError(ctx, err.Error())
		}
		if err := c.setPattern(pattern); err != nil {
			c.ReportError(ctx, payload.ErrKindResource, err)
			return c.respondError(ctx, err.Error())
		}
		return nil

	case "test":
		for _, p := range Patterns() {
			if err := c.setPattern(p); err != nil {
				c.ReportError(ctx, payload.ErrKindResource, err)
				return c.respondError(ctx, err.Error())
			}
		}
		if err := c.setPattern("idle"); err != nil {
			c.ReportError(ctx, payload.ErrKindResource, err)
			return c.respondError(ctx, err.Error())
		}
		return c.respond(ctx, "eye test sequence complete")

	case "status":
		mode := "mock"
		if c.Hardware() {
			mode = fmt.Sprintf("serial %s @ %d", c.cfg.SerialPort, c.cfg.BaudRate)
		}
		return c.respond(ctx, fmt.Sprintf("eyes: pattern=%s controller=%s", c.Current(), mode))

	default:
		err := fmt.Errorf("unknown eye action %q", action)
		c.ReportError(ctx, payload.ErrKindValidation, err)
		return c.respondError(ctx, err.Error())
	}
}

func (c *Controller) setPattern(pattern string) error {
	if err := c.writeLine("PATTERN " + pattern); err != nil {
		return fmt.Errorf("led: write pattern: %w", err)
	}
	c.mu.Lock()
	c.current = pattern
	c.mu.Unlock()
	return nil
}

// writeLine serializes wire writes; the firmware reads one command per line.
func (c *Controller) writeLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.port, line+"\n")
	return err
}

func (c *Controller) respond(ctx context.Context, msg string) error {
	return c.Emit(ctx, bus.TopicCLIResponse, &payload.CLIResponse{Message: msg})
}

func (c *Controller) respondError(ctx context.Context, msg string) error {
	return c.Emit(ctx, bus.TopicCLIResponse, &payload.CLIResponse{
		Message: msg,
		IsError: true,
		Code:    "EYE_ERROR",
	})
}

// ─── mock controller ───

// mockPort records written lines in place of hardware.
type mockPort struct {
	mu    sync.Mutex
	lines []string
}

func newMockPort() *mockPort { return &mockPort{} }

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		m.lines = append(m.lines, line)
	}
	return len(p), nil
}

func (m *mockPort) Close() error { return nil }

func (m *mockPort) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}
