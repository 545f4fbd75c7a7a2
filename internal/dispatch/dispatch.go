// Package dispatch implements the command dispatcher that turns raw console
// commands into normalized service command events.
//
// The console emits whitespace-split tokens; the dispatcher expands aliases,
// matches compound commands (two leading tokens) before single-token commands,
// and emits a normalized command payload on the registered target topic. It
// never parses argument semantics — arg validation belongs to the receiving
// service. Unknown commands and help produce console responses.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/internal/service"
)

// ErrDuplicateRegistration is returned when a (command, subcommand) pair is
// registered twice. Duplicate registrations are a wiring bug, caught at
// startup.
var ErrDuplicateRegistration = errors.New("dispatch: duplicate command registration")

// Transform converts a normalized command into the payload emitted on the
// target topic. A nil transform emits the normalized command itself.
type Transform func(cmd payload.StandardCommand) any

// LocalHandler handles a command inside the dispatcher process instead of
// routing it to a topic. Used for built-ins such as help and status.
type LocalHandler func(ctx context.Context, cmd payload.StandardCommand) error

type routeKey struct {
	command    string
	subcommand string
}

type route struct {
	topic     string
	transform Transform
	local     LocalHandler
	help      string
}

// Option configures a [Dispatcher] during construction.
type Option func(*Dispatcher)

// WithGracePeriod forwards the service grace period option.
func WithGracePeriod(d time.Duration) Option {
	return func(dp *Dispatcher) {
		dp.svcOpts = append(dp.svcOpts, service.WithGracePeriod(d))
	}
}

// Dispatcher routes parsed console commands. All exported methods are safe
// for concurrent use, though registration normally happens before Start.
type Dispatcher struct {
	*service.Base

	svcOpts []service.Option

	mu      sync.RWMutex
	aliases map[string][]string
	routes  map[routeKey]route
}

// New creates the dispatcher service with the default alias table.
func New(b *bus.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		aliases: map[string][]string{
			"e": {"engage"},
			"d": {"disengage"},
			"a": {"ambient"},
			"r": {"reset"},
			"s": {"status"},
			"l": {"list", "music"},
			"p": {"play", "music"},
		},
		routes: make(map[routeKey]route),
	}
	for _, o := range opts {
		o(d)
	}
	d.Base = service.New("dispatch", b, service.Hooks{Setup: d.setup}, d.svcOpts...)

	d.routes[routeKey{command: "help"}] = route{local: d.printHelp, help: "show this help"}
	return d
}

func (d *Dispatcher) setup(context.Context) error {
	return d.Subscribe(bus.TopicCLICommand, d.onCommand)
}

// Register routes (command, subcommand) to topic, emitting the payload built
// by transform (or the normalized command when transform is nil). subcommand
// may be empty for single-token commands. help is the one-line usage string
// shown by the help built-in.
func (d *Dispatcher) Register(command, subcommand, topic, help string, transform Transform) error {
	if command == "" {
		return errors.New("dispatch: empty command")
	}
	if !bus.KnownTopic(topic) {
		return fmt.Errorf("dispatch: register %s: %w: %s", command, bus.ErrBadTopic, topic)
	}
	key := routeKey{command: command, subcommand: subcommand}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.routes[key]; exists {
		return fmt.Errorf("%w: %s %s", ErrDuplicateRegistration, command, subcommand)
	}
	d.routes[key] = route{topic: topic, transform: transform, help: help}
	return nil
}

// RegisterLocal routes (command, subcommand) to an in-process handler.
func (d *Dispatcher) RegisterLocal(command, subcommand, help string, fn LocalHandler) error {
	if command == "" {
		return errors.New("dispatch: empty command")
	}
	if fn == nil {
		return errors.New("dispatch: nil local handler")
	}
	key := routeKey{command: command, subcommand: subcommand}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.routes[key]; exists {
		return fmt.Errorf("%w: %s %s", ErrDuplicateRegistration, command, subcommand)
	}
	d.routes[key] = route{local: fn, help: help}
	return nil
}

// RegisterAlias maps alias to an expansion of one or more tokens. Later
// registrations overwrite earlier ones.
func (d *Dispatcher) RegisterAlias(alias string, expansion ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aliases[alias] = expansion
}

// onCommand is the bus handler for raw console commands.
func (d *Dispatcher) onCommand(ctx context.Context, evt bus.Event) error {
	command, _ := evt.Payload["command"].(string)
	if command == "" {
		return nil
	}
	raw, _ := evt.Payload["raw_input"].(string)
	args := stringSlice(evt.Payload["args"])

	// Alias expansion applies to the leading token only.
	tokens := append([]string{}, d.expand(command)...)
	tokens = append(tokens, args...)

	d.mu.RLock()
	var (
		rt    route
		found bool
		cmd   payload.StandardCommand
	)
	if len(tokens) >= 2 {
		if r, ok := d.routes[routeKey{command: tokens[0], subcommand: tokens[1]}]; ok {
			rt, found = r, true
			cmd = payload.StandardCommand{
				Command:    tokens[0],
				Subcommand: tokens[1],
				Args:       tokens[2:],
				RawInput:   raw,
			}
		}
	}
	if !found {
		if r, ok := d.routes[routeKey{command: tokens[0]}]; ok {
			rt, found = r, true
			cmd = payload.StandardCommand{
				Command:  tokens[0],
				Args:     tokens[1:],
				RawInput: raw,
			}
		}
	}
	d.mu.RUnlock()

	if !found {
		return d.respondError(ctx, fmt.Sprintf("Unknown command: %s. Type 'help' for a list.", tokens[0]), "UNKNOWN_COMMAND")
	}

	if rt.local != nil {
		return rt.local(ctx, cmd)
	}

	var pl any
	if rt.transform != nil {
		pl = rt.transform(cmd)
	} else {
		c := cmd
		pl = &c
	}
	return d.Emit(ctx, rt.topic, pl)
}

// expand returns the alias expansion for token, or the token itself.
func (d *Dispatcher) expand(token string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if exp, ok := d.aliases[token]; ok {
		return exp
	}
	return []string{token}
}

// printHelp emits a console response listing all registered commands.
func (d *Dispatcher) printHelp(ctx context.Context, _ payload.StandardCommand) error {
	d.mu.RLock()
	lines := make([]string, 0, len(d.routes))
	for key, rt := range d.routes {
		name := key.command
		if key.subcommand != "" {
			name += " " + key.subcommand
		}
		if rt.help != "" {
			lines = append(lines, fmt.Sprintf("  %-24s %s", name, rt.help))
		} else {
			lines = append(lines, "  "+name)
		}
	}
	d.mu.RUnlock()

	sort.Strings(lines)
	msg := "Commands:\n" + strings.Join(lines, "\n")
	return d.Emit(ctx, bus.TopicCLIResponse, &payload.CLIResponse{Message: msg})
}

func (d *Dispatcher) respondError(ctx context.Context, msg, code string) error {
	return d.Emit(ctx, bus.TopicCLIResponse, &payload.CLIResponse{
		Message: msg,
		IsError: true,
		Code:    code,
	})
}

// stringSlice coerces the dict view of a string list back to []string.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
