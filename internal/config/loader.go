package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to warn about likely typos without rejecting third-party names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "mock"},
	"asr": {"deepgram", "mock"},
	"tts": {"openai", "mock"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8765"
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 44100
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 2
	}
	if cfg.Music.DuckRatio == 0 {
		cfg.Music.DuckRatio = 0.3
	}
	if cfg.Music.CrossfadeSeconds == 0 {
		cfg.Music.CrossfadeSeconds = 2.0
	}
	if cfg.LED.BaudRate == 0 {
		cfg.LED.BaudRate = 115200
	}
	if cfg.Voice.Language == "" {
		cfg.Voice.Language = "en-US"
	}
	if cfg.Timeouts.HandlerSeconds == 0 {
		cfg.Timeouts.HandlerSeconds = 2
	}
	if cfg.Timeouts.TTSWaitSeconds == 0 {
		cfg.Timeouts.TTSWaitSeconds = 20
	}
	if cfg.Timeouts.ASRSessionSeconds == 0 {
		cfg.Timeouts.ASRSessionSeconds = 30
	}
	if cfg.Timeouts.WaitForEventSeconds == 0 {
		cfg.Timeouts.WaitForEventSeconds = 30
	}
	if cfg.Debug.QueueSize == 0 {
		cfg.Debug.QueueSize = 10000
	}
	if cfg.Debug.LogDir == "" {
		cfg.Debug.LogDir = "logs"
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}

	if cfg.Music.DuckRatio <= 0 || cfg.Music.DuckRatio > 1 {
		errs = append(errs, fmt.Errorf("music.duck_ratio %.2f is out of range (0, 1]", cfg.Music.DuckRatio))
	}
	if cfg.Music.CrossfadeSeconds < 0 || cfg.Music.CrossfadeSeconds > 30 {
		errs = append(errs, fmt.Errorf("music.crossfade_seconds %.1f is out of range [0, 30]", cfg.Music.CrossfadeSeconds))
	}
	if cfg.Music.Directory == "" {
		slog.Warn("music.directory is empty; the music library will start empty")
	}

	if cfg.LED.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("led.baud_rate %d must be positive", cfg.LED.BaudRate))
	}
	if !cfg.LED.Mock && cfg.LED.SerialPort == "" {
		slog.Warn("led.serial_port is empty; falling back to the mock LED controller")
		cfg.LED.Mock = true
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; intents and track intros are disabled")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; speak steps will fail their timeout")
	}

	for name, v := range map[string]float64{
		"timeouts.handler_seconds":        cfg.Timeouts.HandlerSeconds,
		"timeouts.tts_wait_seconds":       cfg.Timeouts.TTSWaitSeconds,
		"timeouts.asr_session_seconds":    cfg.Timeouts.ASRSessionSeconds,
		"timeouts.wait_for_event_seconds": cfg.Timeouts.WaitForEventSeconds,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s %.1f must be positive", name, v))
		}
	}

	if cfg.Debug.QueueSize < 16 {
		errs = append(errs, fmt.Errorf("debug.queue_size %d must be at least 16", cfg.Debug.QueueSize))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
