package app_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/datasciritwik/realtime/internal/app"
	"github.com/datasciritwik/realtime/internal/config"
	"github.com/datasciritwik/realtime/internal/resilience"
	"github.com/datasciritwik/realtime/pkg/provider/llm"
	llmmock "github.com/datasciritwik/realtime/pkg/provider/llm/mock"
	"github.com/datasciritwik/realtime/pkg/provider/stt"
	sttmock "github.com/datasciritwik/realtime/pkg/provider/stt/mock"
	"github.com/datasciritwik/realtime/pkg/provider/tts"
	ttsmock "github.com/datasciritwik/realtime/pkg/provider/tts/mock"
	"github.com/datasciritwik/realtime/pkg/provider/vad"
	vadmock "github.com/datasciritwik/realtime/pkg/provider/vad/mock"
)

// stubRegistry registers mock providers under "mock" and a failing factory
// under "broken" for every kind.
func stubRegistry() *config.Registry {
	reg := config.NewRegistry()
	broken := errors.New("missing api key")
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, broken })
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, broken })
	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) { return &vadmock.Engine{}, nil })
	return reg
}

func entry(name string, fallbacks ...string) config.ProviderEntry {
	e := config.ProviderEntry{Name: name}
	for _, fb := range fallbacks {
		e.Fallbacks = append(e.Fallbacks, config.ProviderEntry{Name: fb})
	}
	return e
}

func TestBuildProviders_Plain(t *testing.T) {
	t.Parallel()
	ps, err := app.BuildProviders(config.ProvidersConfig{
		LLM: entry("mock"), STT: entry("mock"), TTS: entry("mock"), VAD: entry("mock"),
	}, stubRegistry(), nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if _, ok := ps.LLM.(*llmmock.Provider); !ok {
		t.Errorf("LLM = %T, want the bare provider", ps.LLM)
	}
	if _, ok := ps.STT.(*sttmock.Provider); !ok {
		t.Errorf("STT = %T, want the bare provider", ps.STT)
	}
	if ps.LLMName != "mock" || ps.STTName != "mock" || ps.TTSName != "mock" {
		t.Errorf("names = %q %q %q", ps.LLMName, ps.STTName, ps.TTSName)
	}
	if ps.VAD == nil {
		t.Error("VAD engine not created")
	}
}

func TestBuildProviders_Fallbacks(t *testing.T) {
	t.Parallel()
	ps, err := app.BuildProviders(config.ProvidersConfig{
		LLM: entry("mock", "mock"),
		STT: entry("mock", "mock"),
		TTS: entry("mock", "broken", "mock"),
		VAD: entry("mock"),
	}, stubRegistry(), nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}

	llmFB, ok := ps.LLM.(*resilience.LLMFallback)
	if !ok {
		t.Fatalf("LLM = %T, want *resilience.LLMFallback", ps.LLM)
	}
	if got := len(llmFB.Status()); got != 2 {
		t.Errorf("LLM backends = %d, want 2", got)
	}
	if _, ok := ps.STT.(*resilience.STTFallback); !ok {
		t.Errorf("STT = %T, want *resilience.STTFallback", ps.STT)
	}
	ttsFB, ok := ps.TTS.(*resilience.TTSFallback)
	if !ok {
		t.Fatalf("TTS = %T, want *resilience.TTSFallback", ps.TTS)
	}
	// The broken fallback is skipped.
	if got := len(ttsFB.Status()); got != 2 {
		t.Errorf("TTS backends = %d, want 2", got)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.ProvidersConfig
		wantErr string
	}{
		{
			name:    "primary factory fails",
			cfg:     config.ProvidersConfig{LLM: entry("broken"), STT: entry("mock"), TTS: entry("mock"), VAD: entry("mock")},
			wantErr: "missing api key",
		},
		{
			name:    "unregistered stt",
			cfg:     config.ProvidersConfig{LLM: entry("mock"), STT: entry("nope"), TTS: entry("mock"), VAD: entry("mock")},
			wantErr: "stt",
		},
		{
			name:    "unregistered vad",
			cfg:     config.ProvidersConfig{LLM: entry("mock"), STT: entry("mock"), TTS: entry("mock"), VAD: entry("nope")},
			wantErr: "vad",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := app.BuildProviders(tt.cfg, stubRegistry(), nil)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should contain %q, got: %v", tt.wantErr, err)
			}
		})
	}
}
