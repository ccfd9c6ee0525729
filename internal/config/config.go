// Package config provides the configuration schema, loader, and provider registry
// for the realtime voice conversation loop.
package config

import (
	"time"

	"github.com/datasciritwik/realtime/pkg/audio"
	"github.com/datasciritwik/realtime/pkg/types"
)

// LogLevel controls log verbosity.
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

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// which start from [Default] so omitted keys keep their default values.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Audio        AudioConfig        `yaml:"audio"`
	VAD          VADConfig          `yaml:"vad"`
	Conversation ConversationConfig `yaml:"conversation"`
	Providers    ProvidersConfig    `yaml:"providers"`
}

// ServerConfig holds the HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /healthz, /readyz and /metrics
	// (e.g., ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig describes the sound device and playback queue.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	FrameMs    int `yaml:"frame_ms"`
	Channels   int `yaml:"channels"`

	// Device selects capture and playback devices by name. Empty selects the
	// system defaults.
	Device string `yaml:"device"`

	// PlaybackQueueSize bounds the synthesized buffers waiting to play.
	PlaybackQueueSize int `yaml:"playback_queue_size"`

	// TrailingSilence is how long the device must be quiet after the last
	// write before playback counts as finished.
	TrailingSilence time.Duration `yaml:"trailing_silence"`
}

// Frame returns the capture frame shape.
func (a AudioConfig) Frame() audio.FrameConfig {
	return audio.FrameConfig{SampleRate: a.SampleRate, FrameMs: a.FrameMs, Channels: a.Channels}
}

// VADConfig tunes the voice detector.
type VADConfig struct {
	// Aggressiveness is the classifier's speech filtering mode, 0-3.
	Aggressiveness int `yaml:"aggressiveness"`

	// MinVoiceDuration discards shorter sessions. 0 disables the check.
	MinVoiceDuration time.Duration `yaml:"min_voice_duration"`

	// MaxSilenceDuration derives EndThreshold when it is 0.
	MaxSilenceDuration time.Duration `yaml:"max_silence_duration"`

	StartThreshold   int `yaml:"start_threshold"`
	EndThreshold     int `yaml:"end_threshold"`
	PreRollFrames    int `yaml:"pre_roll_frames"`
	MaxSessionFrames int `yaml:"max_session_frames"`
}

// ConversationConfig holds the orchestrator and responder settings.
type ConversationConfig struct {
	SystemPrompt string      `yaml:"system_prompt"`
	Voice        VoiceConfig `yaml:"voice"`

	// Language is a transcription hint (ISO-639-1). Empty lets the backend
	// detect it.
	Language string `yaml:"language"`

	HistoryWindow    int `yaml:"history_window"`
	HistoryMaxTokens int `yaml:"history_max_tokens"`
	SessionQueueSize int `yaml:"session_queue_size"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// BargeIn lets the user interrupt a reply by speaking over it.
	BargeIn bool `yaml:"barge_in"`

	ShutdownGrace        time.Duration `yaml:"shutdown_grace"`
	AudioCompleteTimeout time.Duration `yaml:"audio_complete_timeout"`
}

// VoiceConfig specifies the synthesis voice.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Provider names the TTS provider the voice belongs to. Informational.
	Provider string `yaml:"provider"`

	// SpeedFactor scales speaking rate; 0 leaves the provider default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// Profile converts v to the value type passed to TTS providers.
func (v VoiceConfig) Profile() types.VoiceProfile {
	return types.VoiceProfile{ID: v.VoiceID, Provider: v.Provider, SpeedFactor: v.SpeedFactor}
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// ${VAR} references are expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails. LLM, STT and
	// TTS only.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// OptionString returns Options[key] when it is a string, else def.
func (e ProviderEntry) OptionString(key, def string) string {
	if s, ok := e.Options[key].(string); ok && s != "" {
		return s
	}
	return def
}

// OptionInt returns Options[key] when it is an integer, else def.
func (e ProviderEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// OptionFloat returns Options[key] when it is numeric, else def.
func (e ProviderEntry) OptionFloat(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	return &Config{
		Server: ServerConfig{LogLevel: LogInfo},
		Audio: AudioConfig{
			SampleRate:        16000,
			FrameMs:           20,
			Channels:          1,
			PlaybackQueueSize: 64,
			TrailingSilence:   300 * time.Millisecond,
		},
		VAD: VADConfig{
			Aggressiveness:     2,
			MinVoiceDuration:   500 * time.Millisecond,
			MaxSilenceDuration: time.Second,
			StartThreshold:     3,
			EndThreshold:       8,
			PreRollFrames:      10,
			MaxSessionFrames:   1000,
		},
		Conversation: ConversationConfig{
			SystemPrompt:         "You are a helpful voice assistant. Keep your answers short and conversational.",
			Voice:                VoiceConfig{VoiceID: "alloy"},
			HistoryWindow:        10,
			SessionQueueSize:     4,
			MaxTokens:            150,
			Temperature:          0.7,
			ShutdownGrace:        5 * time.Second,
			AudioCompleteTimeout: 30 * time.Second,
		},
		Providers: ProvidersConfig{
			LLM: ProviderEntry{Name: "openai"},
			STT: ProviderEntry{Name: "openai"},
			TTS: ProviderEntry{Name: "openai"},
			VAD: ProviderEntry{Name: "energy"},
		},
	}
}
