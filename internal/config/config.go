// Package config provides the configuration schema, loader, environment
// overrides, and provider registry for the cantina droid runtime.
package config

// LogLevel controls log verbosity for the runtime.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file via [Load], after which [ApplyEnv] layers in environment variable
// overrides.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Music     MusicConfig     `yaml:"music"`
	LED       LEDConfig       `yaml:"led"`
	Providers ProvidersConfig `yaml:"providers"`
	Voice     VoiceConfig     `yaml:"voice"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Debug     DebugConfig     `yaml:"debug"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the websocket bridge, health, and
	// metrics endpoints (e.g., ":8765").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig describes the shared audio output format.
type AudioConfig struct {
	// SampleRate in Hz for the output mixer (default 44100).
	SampleRate int `yaml:"sample_rate"`

	// Channels for the output mixer: 1 mono, 2 stereo (default 2).
	Channels int `yaml:"channels"`

	// DisableProcessing bypasses the output mixer entirely; playback state
	// events still flow, which keeps headless test rigs useful.
	DisableProcessing bool `yaml:"disable_processing"`
}

// MusicConfig holds music library and ducking settings.
type MusicConfig struct {
	// Directory is the local folder scanned for playable tracks.
	Directory string `yaml:"directory"`

	// DuckRatio is the volume multiplier applied while speech plays,
	// in (0, 1]. Default 0.3.
	DuckRatio float64 `yaml:"duck_ratio"`

	// CrossfadeSeconds is the linear volume ramp duration when switching
	// tracks with crossfade enabled. Default 2.0.
	CrossfadeSeconds float64 `yaml:"crossfade_seconds"`
}

// LEDConfig describes the serial LED (eye) controller.
type LEDConfig struct {
	// SerialPort is the device path (e.g., "/dev/ttyUSB0").
	SerialPort string `yaml:"serial_port"`

	// BaudRate for the serial connection. Default 115200.
	BaudRate int `yaml:"baud_rate"`

	// Mock replaces the hardware with an in-memory controller. Forced on when
	// the port cannot be opened, so missing hardware degrades rather than fails.
	Mock bool `yaml:"mock"`
}

// ProvidersConfig declares which implementation backs each collaborator
// contract. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	ASR ProviderEntry `yaml:"asr"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds. Name selects the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API, if any. Environment
	// variables override this field (see ApplyEnv).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// VoiceConfig holds the droid's speech persona settings.
type VoiceConfig struct {
	// VoiceID is the TTS voice identifier for the droid persona.
	VoiceID string `yaml:"voice_id"`

	// Language is the BCP-47 tag for speech recognition (default "en-US").
	Language string `yaml:"language"`

	// SystemPrompt is the persona instruction prepended to dialog requests.
	SystemPrompt string `yaml:"system_prompt"`
}

// TimeoutConfig collects the runtime's timeout budgets, all in seconds.
// Zero values fall back to the documented defaults.
type TimeoutConfig struct {
	// HandlerSeconds bounds one bus handler invocation. Default 2.
	HandlerSeconds float64 `yaml:"handler_seconds"`

	// TTSWaitSeconds bounds the wait for synthesis completion during a speak
	// step. Default 20.
	TTSWaitSeconds float64 `yaml:"tts_wait_seconds"`

	// ASRSessionSeconds bounds one capture session. Default 30.
	ASRSessionSeconds float64 `yaml:"asr_session_seconds"`

	// WaitForEventSeconds bounds a wait_for_event plan step. Default 30.
	WaitForEventSeconds float64 `yaml:"wait_for_event_seconds"`
}

// DebugConfig tunes the debug service.
type DebugConfig struct {
	// QueueSize is the bounded log queue capacity. Default 10000.
	QueueSize int `yaml:"queue_size"`

	// Trace enables command tracing at startup.
	Trace bool `yaml:"trace"`

	// LogDir is where line-oriented log files are written. Default "logs".
	LogDir string `yaml:"log_dir"`
}
