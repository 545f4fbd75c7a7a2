package config

import (
	"log/slog"
	"os"
	"strconv"
)

// Environment variables recognised by [ApplyEnv]. API keys are opaque strings
// passed straight to the provider entries.
const (
	EnvOpenAIAPIKey   = "OPENAI_API_KEY"
	EnvDeepgramAPIKey = "DEEPGRAM_API_KEY"

	EnvAudioSampleRate    = "AUDIO_SAMPLE_RATE"
	EnvAudioChannels      = "AUDIO_CHANNELS"
	EnvDisableAudio       = "DISABLE_AUDIO_PROCESSING"
	EnvLocalMusicDir      = "LOCAL_MUSIC_DIRECTORY"
	EnvMockLEDController  = "MOCK_LED_CONTROLLER"
	EnvLEDSerialPort      = "LED_SERIAL_PORT"
	EnvLEDBaudRate        = "LED_BAUD_RATE"
)

// ApplyEnv overlays environment variables onto cfg. Environment values win
// over file values; malformed numeric or boolean values are logged and
// ignored so a bad shell export never breaks startup.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvOpenAIAPIKey); v != "" {
		if cfg.Providers.LLM.Name == "openai" || cfg.Providers.LLM.APIKey == "" {
			cfg.Providers.LLM.APIKey = v
		}
		if cfg.Providers.TTS.Name == "openai" || cfg.Providers.TTS.APIKey == "" {
			cfg.Providers.TTS.APIKey = v
		}
	}
	if v := os.Getenv(EnvDeepgramAPIKey); v != "" {
		cfg.Providers.ASR.APIKey = v
	}

	if v := os.Getenv(EnvAudioSampleRate); v != "" {
		if n, ok := envInt(EnvAudioSampleRate, v); ok {
			cfg.Audio.SampleRate = n
		}
	}
	if v := os.Getenv(EnvAudioChannels); v != "" {
		if n, ok := envInt(EnvAudioChannels, v); ok {
			cfg.Audio.Channels = n
		}
	}
	if v := os.Getenv(EnvDisableAudio); v != "" {
		if b, ok := envBool(EnvDisableAudio, v); ok {
			cfg.Audio.DisableProcessing = b
		}
	}

	if v := os.Getenv(EnvLocalMusicDir); v != "" {
		cfg.Music.Directory = v
	}

	if v := os.Getenv(EnvMockLEDController); v != "" {
		if b, ok := envBool(EnvMockLEDController, v); ok {
			cfg.LED.Mock = b
		}
	}
	if v := os.Getenv(EnvLEDSerialPort); v != "" {
		cfg.LED.SerialPort = v
	}
	if v := os.Getenv(EnvLEDBaudRate); v != "" {
		if n, ok := envInt(EnvLEDBaudRate, v); ok {
			cfg.LED.BaudRate = n
		}
	}
}

func envInt(name, v string) (int, bool) {
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed integer environment variable", "name", name, "value", v)
		return 0, false
	}
	return n, true
}

func envBool(name, v string) (bool, bool) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring malformed boolean environment variable", "name", name, "value", v)
		return false, false
	}
	return b, true
}
