// Package cli implements the interactive console: a line-oriented read loop
// that turns operator input into raw command events and prints console
// responses as they arrive on the bus.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/internal/service"
)

// historySize is the command history ring capacity.
const historySize = 50

// Option configures a [Console] during construction.
type Option func(*Console)

// WithInput replaces stdin as the command source.
func WithInput(r io.Reader) Option {
	return func(c *Console) { c.in = r }
}

// WithOutput replaces stdout as the response sink.
func WithOutput(w io.Writer) Option {
	return func(c *Console) { c.out = w }
}

// WithQuit sets the callback invoked when the operator types quit, exit, or q.
func WithQuit(fn func()) Option {
	return func(c *Console) { c.quit = fn }
}

// WithGracePeriod forwards the service grace period option.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Console) { c.svcOpts = append(c.svcOpts, service.WithGracePeriod(d)) }
}

// Console is the interactive console service.
type Console struct {
	*service.Base

	in      io.Reader
	out     io.Writer
	quit    func()
	svcOpts []service.Option

	mu      sync.Mutex
	history []string

	done chan struct{}
}

// New creates the console service.
func New(b *bus.Bus, opts ...Option) *Console {
	c := &Console{
		in:   os.Stdin,
		out:  os.Stdout,
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.Base = service.New("cli", b, service.Hooks{Setup: c.setup, Teardown: c.teardown}, c.svcOpts...)
	return c
}

func (c *Console) setup(ctx context.Context) error {
	if err := c.Subscribe(bus.TopicCLIResponse, c.onResponse); err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

func (c *Console) teardown(context.Context) error {
	// The read loop blocks on the input reader; close it when we own one
	// that can be closed, otherwise the goroutine drains on process exit.
	if closer, ok := c.in.(io.Closer); ok && c.in != os.Stdin {
		_ = closer.Close()
	}
	return nil
}

// Done is closed when the read loop ends (EOF or quit).
func (c *Console) Done() <-chan struct{} {
	return c.done
}

// History returns a copy of the command history ring, oldest first.
func (c *Console) History() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.history...)
}

func (c *Console) readLoop() {
	defer close(c.done)
	scanner := bufio.NewScanner(c.in)
	c.prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.prompt()
			continue
		}
		c.remember(line)

		switch line {
		case "quit", "exit", "q":
			fmt.Fprintln(c.out, "Goodbye.")
			if c.quit != nil {
				c.quit()
			}
			return
		case "history":
			for _, h := range c.History() {
				fmt.Fprintln(c.out, "  "+h)
			}
			c.prompt()
			continue
		}

		tokens := strings.Fields(line)
		pl := &payload.CLICommand{
			Command:  tokens[0],
			Args:     tokens[1:],
			RawInput: line,
		}
		if err := c.Emit(context.Background(), bus.TopicCLICommand, pl); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		c.prompt()
	}
}

func (c *Console) onResponse(_ context.Context, evt bus.Event) error {
	msg, _ := evt.Payload["message"].(string)
	if msg == "" {
		return nil
	}
	if isErr, _ := evt.Payload["is_error"].(bool); isErr {
		fmt.Fprintf(c.out, "ERROR: %s\n", msg)
		return nil
	}
	fmt.Fprintln(c.out, msg)
	return nil
}

func (c *Console) prompt() {
	fmt.Fprint(c.out, "> ")
}

func (c *Console) remember(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, line)
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
}
