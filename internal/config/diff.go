package config

import "reflect"

// ConfigDiff describes what changed between two configs.
//
// The log level, system prompt and voice are applied to the running loop.
// Any other change is listed in RestartRequired and only takes effect after
// a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemPromptChanged bool
	NewSystemPrompt     string

	VoiceChanged bool
	NewVoice     VoiceConfig

	// RestartRequired names the top-level sections whose changes cannot be
	// hot-reloaded, e.g. "providers" or "audio".
	RestartRequired []string
}

// HasChanges reports whether anything differs.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.VoiceChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Conversation, new.Conversation
	if oc.SystemPrompt != nc.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = nc.SystemPrompt
	}
	if oc.Voice != nc.Voice {
		d.VoiceChanged = true
		d.NewVoice = nc.Voice
	}

	// Compare the rest with the hot-reloadable fields masked out.
	oc.SystemPrompt, nc.SystemPrompt = "", ""
	oc.Voice, nc.Voice = VoiceConfig{}, VoiceConfig{}
	so, sn := old.Server, new.Server
	so.LogLevel, sn.LogLevel = "", ""

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", so, sn},
		{"audio", old.Audio, new.Audio},
		{"vad", old.VAD, new.VAD},
		{"conversation", oc, nc},
		{"providers", old.Providers, new.Providers},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
