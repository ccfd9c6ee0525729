package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/datasciritwik/realtime/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(config.Default(), config.Default())
	if d.HasChanges() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_HotFields(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug
	new.Conversation.SystemPrompt = "Answer like a pirate."
	new.Conversation.Voice = config.VoiceConfig{VoiceID: "shimmer", SpeedFactor: 1.2}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: changed=%v new=%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.SystemPromptChanged || d.NewSystemPrompt != "Answer like a pirate." {
		t.Errorf("prompt: changed=%v new=%q", d.SystemPromptChanged, d.NewSystemPrompt)
	}
	if !d.VoiceChanged || d.NewVoice.VoiceID != "shimmer" {
		t.Errorf("voice: changed=%v new=%+v", d.VoiceChanged, d.NewVoice)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("hot fields must not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{
			name:   "listen address",
			mutate: func(c *config.Config) { c.Server.ListenAddr = ":9999" },
			want:   []string{"server"},
		},
		{
			name:   "frame length",
			mutate: func(c *config.Config) { c.Audio.FrameMs = 30 },
			want:   []string{"audio"},
		},
		{
			name:   "vad threshold",
			mutate: func(c *config.Config) { c.VAD.EndThreshold = 20 },
			want:   []string{"vad"},
		},
		{
			name:   "conversation grace",
			mutate: func(c *config.Config) { c.Conversation.ShutdownGrace = time.Minute },
			want:   []string{"conversation"},
		},
		{
			name: "provider options",
			mutate: func(c *config.Config) {
				c.Providers.TTS.Options = map[string]any{"mode": "xtts"}
			},
			want: []string{"providers"},
		},
		{
			name: "several sections",
			mutate: func(c *config.Config) {
				c.Audio.Device = "USB"
				c.Providers.LLM.Model = "gpt-4o"
			},
			want: []string{"audio", "providers"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			new := config.Default()
			tt.mutate(new)
			d := config.Diff(config.Default(), new)
			if !slices.Equal(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.want)
			}
			if !d.HasChanges() {
				t.Error("HasChanges() = false")
			}
			if d.LogLevelChanged || d.SystemPromptChanged || d.VoiceChanged {
				t.Errorf("unexpected hot change: %+v", d)
			}
		})
	}
}
