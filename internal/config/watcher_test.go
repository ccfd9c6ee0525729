package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/datasciritwik/realtime/internal/config"
)

const (
	baseYAML = `
server:
  log_level: info
conversation:
  system_prompt: You are a concise voice assistant.
`
	// Same settings as baseYAML with a comment added.
	commentedYAML = `
# tuned for the kitchen speaker
server:
  log_level: info
conversation:
  system_prompt: You are a concise voice assistant.
`
	promptEditYAML = `
server:
  log_level: debug
conversation:
  system_prompt: Answer like a pirate, in one sentence.
`
	audioEditYAML = `
server:
  log_level: info
audio:
  sample_rate: 8000
conversation:
  system_prompt: You are a concise voice assistant.
`
	brokenYAML = `
server:
  log_level: shouting
`
)

const pollEvery = 20 * time.Millisecond

// startWatcher writes content to a fresh file and watches it. Reloads are
// delivered on the returned channel.
func startWatcher(t *testing.T, content string) (string, *config.Watcher, <-chan config.Reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "realtime.yaml")
	writeConfig(t, path, content, time.Now().Add(-time.Minute))

	reloads := make(chan config.Reload, 8)
	w, err := config.NewWatcher(path, func(r config.Reload) { reloads <- r }, config.WithInterval(pollEvery))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, reloads
}

// writeConfig writes content and pins the mtime so consecutive writes inside
// one filesystem timestamp tick still look like edits.
func writeConfig(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func nextReload(t *testing.T, reloads <-chan config.Reload) config.Reload {
	t.Helper()
	select {
	case r := <-reloads:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reload delivered")
		return config.Reload{}
	}
}

func expectQuiet(t *testing.T, reloads <-chan config.Reload) {
	t.Helper()
	select {
	case r := <-reloads:
		t.Fatalf("unexpected reload: %+v", r.Diff)
	case <-time.After(10 * pollEvery):
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, baseYAML)

	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Conversation.SystemPrompt != "You are a concise voice assistant." {
		t.Errorf("system prompt = %q", cfg.Conversation.SystemPrompt)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("missing file: expected error")
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	writeConfig(t, path, brokenYAML, time.Now())
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("invalid file: expected error")
	}
}

func TestWatcher_HotReloadDiff(t *testing.T) {
	t.Parallel()
	path, w, reloads := startWatcher(t, baseYAML)

	writeConfig(t, path, promptEditYAML, time.Now())
	r := nextReload(t, reloads)

	if r.Old.Server.LogLevel != config.LogInfo || r.New.Server.LogLevel != config.LogDebug {
		t.Errorf("log level %q -> %q, want info -> debug", r.Old.Server.LogLevel, r.New.Server.LogLevel)
	}
	d := r.Diff
	if !d.LogLevelChanged || !d.SystemPromptChanged || d.VoiceChanged || len(d.RestartRequired) != 0 {
		t.Errorf("diff = %+v, want log level and prompt only", d)
	}
	if d.NewSystemPrompt != "Answer like a pirate, in one sentence." {
		t.Errorf("new prompt = %q", d.NewSystemPrompt)
	}
	if w.Current() != r.New {
		t.Error("Current() should return the reloaded config")
	}
}

func TestWatcher_RestartOnlySection(t *testing.T) {
	t.Parallel()
	path, _, reloads := startWatcher(t, baseYAML)

	writeConfig(t, path, audioEditYAML, time.Now())
	d := nextReload(t, reloads).Diff
	if d.LogLevelChanged || d.SystemPromptChanged {
		t.Errorf("diff = %+v, want no hot changes", d)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "audio" {
		t.Errorf("restart required = %v, want [audio]", d.RestartRequired)
	}
}

func TestWatcher_IgnoresEditsWithoutEffect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		edit func(t *testing.T, path string)
	}{
		{
			name: "touch",
			edit: func(t *testing.T, path string) {
				now := time.Now()
				if err := os.Chtimes(path, now, now); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "identical rewrite",
			edit: func(t *testing.T, path string) { writeConfig(t, path, baseYAML, time.Now()) },
		},
		{
			name: "comment only",
			edit: func(t *testing.T, path string) { writeConfig(t, path, commentedYAML, time.Now()) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path, w, reloads := startWatcher(t, baseYAML)
			before := w.Current()

			tt.edit(t, path)
			expectQuiet(t, reloads)
			if w.Current() != before {
				t.Error("Current() changed for an edit without effect")
			}
		})
	}
}

func TestWatcher_RejectedEditKeepsConfig(t *testing.T) {
	t.Parallel()
	path, w, reloads := startWatcher(t, baseYAML)

	writeConfig(t, path, brokenYAML, time.Now().Add(-30*time.Second))
	expectQuiet(t, reloads)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Fatalf("log level = %q after rejected edit, want info", got)
	}

	// Fixing the file is picked up as usual.
	writeConfig(t, path, promptEditYAML, time.Now())
	if r := nextReload(t, reloads); r.Old.Server.LogLevel != config.LogInfo {
		t.Errorf("old log level = %q, want the last accepted config", r.Old.Server.LogLevel)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "realtime.yaml")
	writeConfig(t, path, baseYAML, time.Now())

	w, err := config.NewWatcher(path, nil, config.WithInterval(pollEvery))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
