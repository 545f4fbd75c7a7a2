// Package app is the composition root: it builds every runtime service from
// one [config.Config], starts them in dependency order, wires the HTTP
// surface (websocket bridge, health, metrics), and tears everything down in
// reverse order on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rexworks/cantina/internal/brain"
	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/cli"
	"github.com/rexworks/cantina/internal/config"
	"github.com/rexworks/cantina/internal/debug"
	"github.com/rexworks/cantina/internal/dispatch"
	"github.com/rexworks/cantina/internal/health"
	"github.com/rexworks/cantina/internal/led"
	"github.com/rexworks/cantina/internal/memory"
	"github.com/rexworks/cantina/internal/mode"
	"github.com/rexworks/cantina/internal/music"
	"github.com/rexworks/cantina/internal/observe"
	"github.com/rexworks/cantina/internal/payload"
	"github.com/rexworks/cantina/internal/service"
	"github.com/rexworks/cantina/internal/speech"
	"github.com/rexworks/cantina/internal/timeline"
	"github.com/rexworks/cantina/internal/web"
	"github.com/rexworks/cantina/pkg/audio"
	audiomock "github.com/rexworks/cantina/pkg/audio/mock"
)

// Options configure [New] beyond what the config file carries.
type Options struct {
	// Config is the loaded runtime configuration. Required.
	Config *config.Config

	// Registry resolves provider names to constructors. Required.
	Registry *config.Registry

	// Driver is the audio output driver. Nil falls back to the mock driver,
	// which also covers audio.disable_processing.
	Driver audio.Driver

	// Source is the microphone byte stream for voice capture. Nil disables
	// the audio pump; capture sessions still run against the ASR provider.
	Source speech.AudioSource

	// Metrics receives bus traffic observations. Nil uses the global default.
	Metrics *observe.Metrics

	// Input and Output replace the console's stdin/stdout, mostly for tests.
	Input  io.Reader
	Output io.Writer

	// DisableConsole skips the interactive console service entirely.
	DisableConsole bool

	// DisableGrace turns off the per-service start settle delay. Tests only.
	DisableGrace bool
}

// App owns the assembled runtime.
type App struct {
	Bus    *bus.Bus
	Config *config.Config
	Health *health.Registry

	services []service.Service // start order; stopped in reverse
	mux      *http.ServeMux

	console *cli.Console
	music   *music.Coordinator
	bridge  *web.Bridge
	debug   *debug.Service
	logFile *os.File

	cancel context.CancelFunc
}

// New assembles the runtime. Nothing is started yet; call [App.Run] (or
// [App.Start] in tests).
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if opts.Registry == nil {
		return nil, errors.New("app: nil provider registry")
	}

	a := &App{
		Bus:    bus.New(),
		Config: cfg,
		Health: health.NewRegistry(),
	}

	// ─── collaborators ───

	llmProv, err := opts.Registry.CreateLLM(providerOrMock(cfg.Providers.LLM))
	if err != nil {
		return nil, fmt.Errorf("app: llm provider: %w", err)
	}
	asrProv, err := opts.Registry.CreateASR(providerOrMock(cfg.Providers.ASR))
	if err != nil {
		return nil, fmt.Errorf("app: asr provider: %w", err)
	}
	ttsProv, err := opts.Registry.CreateTTS(providerOrMock(cfg.Providers.TTS))
	if err != nil {
		return nil, fmt.Errorf("app: tts provider: %w", err)
	}

	driver := opts.Driver
	if driver == nil || cfg.Audio.DisableProcessing {
		driver = audiomock.NewDriver()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	// ─── services, in start order ───

	debugOpts := []debug.Option{
		debug.WithQueueSize(cfg.Debug.QueueSize),
		debug.WithTrace(cfg.Debug.Trace),
	}
	if w := a.openLogFile(cfg.Debug.LogDir); w != nil {
		debugOpts = append(debugOpts, debug.WithWriter(w))
	}
	if opts.DisableGrace {
		debugOpts = append(debugOpts, debug.WithGracePeriod(0))
	}
	a.debug = debug.New(a.Bus, debugOpts...)

	memOpts := []memory.Option{}
	modeOpts := []mode.Option{}
	if opts.DisableGrace {
		memOpts = append(memOpts, memory.WithGracePeriod(0))
		modeOpts = append(modeOpts, mode.WithGracePeriod(0))
	}
	mem := memory.New(a.Bus, memOpts...)
	modeMgr := mode.New(a.Bus, modeOpts...)

	musicOpts := []music.Option{
		music.WithDuckRatio(cfg.Music.DuckRatio),
		music.WithCrossfade(seconds(cfg.Music.CrossfadeSeconds)),
		music.WithWatcher(),
	}
	if opts.DisableGrace {
		musicOpts = append(musicOpts, music.WithGracePeriod(0))
	}
	a.music = music.New(a.Bus, cfg.Music.Directory, driver, musicOpts...)

	ledOpts := []led.Option{}
	if opts.DisableGrace {
		ledOpts = append(ledOpts, led.WithGracePeriod(0))
	}
	eyes := led.New(a.Bus, cfg.LED, ledOpts...)

	tlOpts := []timeline.Option{
		timeline.WithSpeakTimeout(seconds(cfg.Timeouts.TTSWaitSeconds)),
		timeline.WithWaitTimeout(seconds(cfg.Timeouts.WaitForEventSeconds)),
	}
	if opts.DisableGrace {
		tlOpts = append(tlOpts, timeline.WithGracePeriod(0))
	}
	executor := timeline.New(a.Bus, tlOpts...)

	speechOpts := []speech.Option{
		speech.WithSynthesisTimeout(seconds(cfg.Timeouts.TTSWaitSeconds)),
	}
	if cfg.Voice.VoiceID != "" {
		speechOpts = append(speechOpts, speech.WithVoice(cfg.Voice.VoiceID))
	}
	if opts.Source != nil {
		speechOpts = append(speechOpts, speech.WithSource(opts.Source))
	}
	if opts.DisableGrace {
		speechOpts = append(speechOpts, speech.WithGracePeriod(0))
	}
	speechCo := speech.New(a.Bus, asrProv, ttsProv, driver.Sink(), speechOpts...)

	brainOpts := []brain.Option{}
	if cfg.Voice.SystemPrompt != "" {
		brainOpts = append(brainOpts, brain.WithPersona(cfg.Voice.SystemPrompt))
	}
	if opts.DisableGrace {
		brainOpts = append(brainOpts, brain.WithGracePeriod(0))
	}
	planner := brain.New(a.Bus, llmProv, mem, brainOpts...)

	dispOpts := []dispatch.Option{}
	tapOpts := []observe.Option{}
	webOpts := []web.Option{}
	if opts.DisableGrace {
		dispOpts = append(dispOpts, dispatch.WithGracePeriod(0))
		tapOpts = append(tapOpts, observe.WithGracePeriod(0))
		webOpts = append(webOpts, web.WithGracePeriod(0))
	}
	dispatcher := dispatch.New(a.Bus, dispOpts...)
	if err := dispatcher.RegisterDefaults(); err != nil {
		return nil, fmt.Errorf("app: register commands: %w", err)
	}
	tap := observe.NewTap(a.Bus, metrics, tapOpts...)
	a.bridge = web.New(a.Bus, webOpts...)

	a.services = []service.Service{
		a.debug, mem, modeMgr,
		a.music, eyes, executor, speechCo, planner,
		dispatcher, tap, a.bridge,
	}

	if !opts.DisableConsole {
		cliOpts := []cli.Option{cli.WithQuit(func() {
			if a.cancel != nil {
				a.cancel()
			}
		})}
		if opts.Input != nil {
			cliOpts = append(cliOpts, cli.WithInput(opts.Input))
		}
		if opts.Output != nil {
			cliOpts = append(cliOpts, cli.WithOutput(opts.Output))
		}
		if opts.DisableGrace {
			cliOpts = append(cliOpts, cli.WithGracePeriod(0))
		}
		a.console = cli.New(a.Bus, cliOpts...)
		a.services = append(a.services, a.console)
	}

	// The status built-in needs the assembled service table.
	if err := dispatcher.RegisterLocal("status", "", "show service status", a.printStatus); err != nil {
		return nil, fmt.Errorf("app: register status: %w", err)
	}

	a.registerHealth()
	a.buildMux()
	return a, nil
}

// providerOrMock substitutes the mock provider for unconfigured entries, so a
// bare config still yields a fully wired (if silent) droid.
func providerOrMock(entry config.ProviderEntry) config.ProviderEntry {
	if entry.Name == "" {
		entry.Name = "mock"
	}
	return entry
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (a *App) openLogFile(dir string) io.Writer {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("log directory unavailable, logging to stderr", "dir", dir, "err", err)
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, "cantina.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("log file unavailable, logging to stderr", "dir", dir, "err", err)
		return nil
	}
	a.logFile = f
	return f
}

func (a *App) registerHealth() {
	a.Health.Add(health.Func("bus", func(ctx context.Context) error {
		if a.Bus == nil {
			return errors.New("no bus")
		}
		return nil
	}))
	for _, svc := range a.services {
		a.Health.Add(health.ServiceCheck(svc))
	}
	a.Health.Add(health.Check{
		Name: "music-library",
		Probe: func(context.Context) error {
			if a.music.Library().Len() == 0 {
				return errors.New("library empty")
			}
			return nil
		},
		Optional: true,
	})
}

func (a *App) buildMux() {
	a.mux = http.NewServeMux()
	a.mux.Handle("/ws", a.bridge.Handler())
	a.mux.Handle("/healthz", a.Health.LivenessHandler())
	a.mux.Handle("/readyz", a.Health.ReadinessHandler())
	a.mux.Handle("/metrics", promhttp.Handler())
}

// Mux returns the HTTP surface (websocket bridge, health, metrics).
func (a *App) Mux() http.Handler { return a.mux }

// Debug returns the debug service, for wiring the slog handler in main.
func (a *App) Debug() *debug.Service { return a.debug }

// Start brings up every service in declared order. On failure the services
// already started are stopped in reverse.
func (a *App) Start(ctx context.Context) error {
	for i, svc := range a.services {
		if err := svc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = a.services[j].Stop(ctx)
			}
			return fmt.Errorf("app: start %s: %w", svc.Name(), err)
		}
		slog.Info("service started", "service", svc.Name())
	}
	return nil
}

// Stop tears down every service in reverse start order.
func (a *App) Stop(ctx context.Context) error {
	for i := len(a.services) - 1; i >= 0; i-- {
		_ = a.services[i].Stop(ctx)
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled or the operator
// quits, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.cancel = cancel

	if err := a.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:    a.Config.Server.ListenAddr,
		Handler: a.mux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http surface listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = server.Shutdown(shutCtx)
		return nil
	})

	err := g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
	return err
}

// printStatus answers the status console built-in with a table of service
// states and error counts.
func (a *App) printStatus(ctx context.Context, _ payload.StandardCommand) error {
	type row struct {
		name   string
		status service.Status
		errs   int
	}
	rows := make([]row, 0, len(a.services))
	for _, svc := range a.services {
		r := row{name: svc.Name(), status: svc.Status()}
		if b, ok := svc.(interface{ ErrorCount() int }); ok {
			r.errs = b.ErrorCount()
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })

	var b strings.Builder
	b.WriteString("Services:")
	for _, r := range rows {
		fmt.Fprintf(&b, "\n  %-10s %-12s errors=%d", r.name, r.status, r.errs)
	}
	fmt.Fprintf(&b, "\nMusic library: %d tracks", a.music.Library().Len())

	pl := &payload.CLIResponse{Message: b.String()}
	pl.Stamp("app")
	return a.Bus.Emit(ctx, bus.TopicCLIResponse, pl)
}
