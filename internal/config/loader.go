package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/datasciritwik/realtime/pkg/provider/vad"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "deepgram", "whisper", "whisper-native"},
	"tts": {"openai", "elevenlabs", "coqui"},
	"vad": {"energy", "silero"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} and $VAR references are expanded from the environment before
// decoding. Keys the document omits keep their [Default] values.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		add("server.tls requires both cert_file and key_file")
	}

	// Audio
	a := cfg.Audio
	if err := a.Frame().Validate(); err != nil {
		add("audio: %w", err)
	}
	if a.PlaybackQueueSize < 1 {
		add("audio.playback_queue_size must be >= 1, got %d", a.PlaybackQueueSize)
	}
	if a.TrailingSilence < 0 {
		add("audio.trailing_silence must not be negative, got %s", a.TrailingSilence)
	}

	// VAD; the classifier constrains rate, frame length and aggressiveness.
	v := cfg.VAD
	if err := (vad.Config{SampleRate: a.SampleRate, FrameSizeMs: a.FrameMs, Aggressiveness: v.Aggressiveness}).Validate(); err != nil {
		add("vad: %w", err)
	}
	if v.StartThreshold < 1 {
		add("vad.start_threshold must be >= 1, got %d", v.StartThreshold)
	}
	if v.EndThreshold < 0 {
		add("vad.end_threshold must not be negative, got %d", v.EndThreshold)
	}
	if v.MinVoiceDuration < 0 {
		add("vad.min_voice_duration must not be negative, got %s", v.MinVoiceDuration)
	}
	if v.MaxSilenceDuration < 0 {
		add("vad.max_silence_duration must not be negative, got %s", v.MaxSilenceDuration)
	}
	if v.PreRollFrames < 0 {
		add("vad.pre_roll_frames must not be negative, got %d", v.PreRollFrames)
	}
	if v.MaxSessionFrames < v.StartThreshold+v.PreRollFrames {
		add("vad.max_session_frames %d must hold pre_roll_frames plus start_threshold (%d)", v.MaxSessionFrames, v.StartThreshold+v.PreRollFrames)
	}

	// Conversation
	c := cfg.Conversation
	if c.HistoryWindow < 1 {
		add("conversation.history_window must be >= 1, got %d", c.HistoryWindow)
	}
	if c.HistoryMaxTokens < 0 {
		add("conversation.history_max_tokens must not be negative, got %d", c.HistoryMaxTokens)
	}
	if c.SessionQueueSize < 1 {
		add("conversation.session_queue_size must be >= 1, got %d", c.SessionQueueSize)
	}
	if c.MaxTokens < 1 {
		add("conversation.max_tokens must be >= 1, got %d", c.MaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		add("conversation.temperature %.2f is out of range [0, 2]", c.Temperature)
	}
	if c.Voice.SpeedFactor != 0 && (c.Voice.SpeedFactor < 0.25 || c.Voice.SpeedFactor > 4.0) {
		add("conversation.voice.speed_factor %.2f is out of range [0.25, 4.0]", c.Voice.SpeedFactor)
	}
	if c.ShutdownGrace < 0 {
		add("conversation.shutdown_grace must not be negative, got %s", c.ShutdownGrace)
	}
	if c.AudioCompleteTimeout < 0 {
		add("conversation.audio_complete_timeout must not be negative, got %s", c.AudioCompleteTimeout)
	}

	// Providers
	p := cfg.Providers
	for _, kind := range []struct {
		name  string
		entry ProviderEntry
	}{{"llm", p.LLM}, {"stt", p.STT}, {"tts", p.TTS}} {
		if kind.entry.Name == "" {
			add("providers.%s.name is required", kind.name)
		}
		validateProviderName(kind.name, kind.entry.Name)
		for i, fb := range kind.entry.Fallbacks {
			if fb.Name == "" {
				add("providers.%s.fallbacks[%d].name is required", kind.name, i)
			}
			if len(fb.Fallbacks) > 0 {
				add("providers.%s.fallbacks[%d] must not declare its own fallbacks", kind.name, i)
			}
			validateProviderName(kind.name, fb.Name)
		}
	}
	if p.VAD.Name == "" {
		add("providers.vad.name is required")
	}
	if len(p.VAD.Fallbacks) > 0 {
		add("providers.vad does not support fallbacks")
	}
	validateProviderName("vad", p.VAD.Name)

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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
