// Command cantinad runs the DJ R3X cantina droid runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/rexworks/cantina/internal/app"
	"github.com/rexworks/cantina/internal/config"
	"github.com/rexworks/cantina/internal/observe"
	"github.com/rexworks/cantina/pkg/provider/asr"
	"github.com/rexworks/cantina/pkg/provider/asr/deepgram"
	asrmock "github.com/rexworks/cantina/pkg/provider/asr/mock"
	"github.com/rexworks/cantina/pkg/provider/llm"
	"github.com/rexworks/cantina/pkg/provider/llm/anyllm"
	llmmock "github.com/rexworks/cantina/pkg/provider/llm/mock"
	"github.com/rexworks/cantina/pkg/provider/tts"
	ttsmock "github.com/rexworks/cantina/pkg/provider/tts/mock"
	oatts "github.com/rexworks/cantina/pkg/provider/tts/openai"
)

// version is stamped by the build via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 configuration failure.
func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("cantinad", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cantinad: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cantinad: %v\n", err)
		}
		return 2
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("cantinad starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Metrics and tracing ───────────────────────────────────────────────────
	shutdownObserve, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "cantina",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObserve(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(app.Options{
		Config:   cfg,
		Registry: reg,
	})
	if err != nil {
		slog.Error("failed to assemble runtime", "err", err)
		return 1
	}

	// Route the default logger through the debug queue so the `debug level`
	// console command controls slog output too.
	slog.SetDefault(slog.New(application.Debug().Handler(logger.Handler())))

	slog.Info("droid ready — press Ctrl+C or type quit to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends lists the hosted and local LLM backends reachable through the
// any-llm gateway. They share the APIKey + BaseURL option pattern.
var anyllmBackends = []string{
	"openai", "anthropic", "gemini", "deepseek", "mistral", "groq",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages; "mock" variants back headless rigs.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, providerName := range anyllmBackends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("deepgram", func(entry config.ProviderEntry) (asr.Provider, error) {
		opts := []deepgram.Option{
			deepgram.WithSampleRate(cfg.Audio.SampleRate),
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		language := optString(entry.Options, "language")
		if language == "" {
			language = cfg.Voice.Language
		}
		if language != "" {
			opts = append(opts, deepgram.WithLanguage(language))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterASR("mock", func(config.ProviderEntry) (asr.Provider, error) {
		return &asrmock.Provider{}, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.Model != "" {
			opts = append(opts, oatts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		voice := optString(entry.Options, "voice")
		if voice == "" {
			voice = cfg.Voice.VoiceID
		}
		if voice != "" {
			opts = append(opts, oatts.WithVoice(voice))
		}
		return oatts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        CantinaOS — DJ R3X runtime     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	music := cfg.Music.Directory
	if music == "" {
		music = "(none)"
	}
	printRow("Music dir", music)
	if cfg.LED.Mock {
		printRow("Eyes", "mock")
	} else {
		printRow("Eyes", cfg.LED.SerialPort)
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(mock)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 22 {
		value = value[:19] + "…"
	}
	fmt.Printf("║  %-12s : %-22s ║\n", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
