package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/datasciritwik/realtime/internal/app"
	"github.com/datasciritwik/realtime/internal/config"
	"github.com/datasciritwik/realtime/internal/conversation"
	"github.com/datasciritwik/realtime/internal/resilience"
	audiomock "github.com/datasciritwik/realtime/pkg/audio/mock"
	"github.com/datasciritwik/realtime/pkg/provider/llm"
	llmmock "github.com/datasciritwik/realtime/pkg/provider/llm/mock"
	"github.com/datasciritwik/realtime/pkg/provider/stt"
	sttmock "github.com/datasciritwik/realtime/pkg/provider/stt/mock"
	"github.com/datasciritwik/realtime/pkg/provider/tts"
	ttsmock "github.com/datasciritwik/realtime/pkg/provider/tts/mock"
	vadmock "github.com/datasciritwik/realtime/pkg/provider/vad/mock"
	"github.com/datasciritwik/realtime/pkg/types"
)

const frameBytes = 640 // 20 ms at 16 kHz mono

// testConfig returns the defaults tuned for instant, scripted frames.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = ""
	cfg.VAD.StartThreshold = 3
	cfg.VAD.EndThreshold = 3
	cfg.VAD.MinVoiceDuration = 0
	cfg.VAD.PreRollFrames = 2
	cfg.Conversation.ShutdownGrace = 200 * time.Millisecond
	cfg.Conversation.AudioCompleteTimeout = time.Second
	return cfg
}

// frame returns a capture frame the scripted classifier treats as speech
// when speech is true.
func frame(speech bool) []byte {
	f := make([]byte, frameBytes)
	if speech {
		f[0] = 1
	}
	return f
}

func byFirstByte(f []byte) (bool, error) { return f[0] == 1, nil }

func testProviders() (*app.Providers, *vadmock.Classifier) {
	cls := &vadmock.Classifier{Func: byFirstByte}
	return &app.Providers{
		LLM:     &llmmock.Provider{StreamChunks: llmmock.Tokens("Hi", " there.")},
		STT:     &sttmock.Provider{Results: []stt.Transcript{{Text: "hello"}}},
		TTS:     &ttsmock.Provider{Speech: tts.Speech{PCM: make([]byte, 960), SampleRate: 16000}},
		VAD:     &vadmock.Engine{Classifier: cls},
		LLMName: "mock-llm",
		STTName: "mock-stt",
		TTSName: "mock-tts",
	}, cls
}

func TestNew_MissingProviders(t *testing.T) {
	t.Parallel()
	_, err := app.New(testConfig(), &app.Providers{}, app.WithDevice(&audiomock.Device{}))
	if err == nil {
		t.Fatal("expected error for empty providers")
	}
	for _, want := range []string{"LLM", "STT", "TTS", "VAD"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestNew_ConfiguresClassifier(t *testing.T) {
	t.Parallel()
	providers, _ := testProviders()
	cfg := testConfig()
	cfg.VAD.Aggressiveness = 3

	a, err := app.New(cfg, providers, app.WithDevice(&audiomock.Device{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	eng := providers.VAD.(*vadmock.Engine)
	if len(eng.NewClassifierCalls) != 1 {
		t.Fatalf("NewClassifier calls = %d, want 1", len(eng.NewClassifierCalls))
	}
	got := eng.NewClassifierCalls[0].Cfg
	if got.SampleRate != 16000 || got.FrameSizeMs != 20 || got.Aggressiveness != 3 {
		t.Errorf("classifier config = %+v", got)
	}
	if a.Orchestrator().State() != conversation.StateIdle {
		t.Errorf("state = %s, want IDLE", a.Orchestrator().State())
	}
}

func TestNew_ClassifierErrorReleasesDevice(t *testing.T) {
	t.Parallel()
	providers, _ := testProviders()
	providers.VAD = &vadmock.Engine{NewClassifierErr: errors.New("no model")}
	dev := &audiomock.Device{}

	_, err := app.New(testConfig(), providers, app.WithDevice(dev))
	if err == nil || !strings.Contains(err.Error(), "no model") {
		t.Fatalf("err = %v, want classifier error", err)
	}
	if dev.CallCountClose != 1 {
		t.Errorf("device closed %d times, want 1", dev.CallCountClose)
	}
}

func TestRun_FullTurn(t *testing.T) {
	t.Parallel()
	providers, cls := testProviders()
	cfg := testConfig()
	// Keep the speaker "playing" long enough to observe echo suppression.
	cfg.Audio.TrailingSilence = 5 * time.Second

	dev := &audiomock.Device{Block: true}
	for range 5 {
		dev.Push(frame(true))
	}
	for range 4 {
		dev.Push(frame(false))
	}

	completed := make(chan string, 1)
	a, err := app.New(cfg, providers,
		app.WithDevice(dev),
		app.WithObserver(conversation.ObserverFuncs{
			OnTextComplete: func(text string) { completed <- text },
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	select {
	case got := <-completed:
		if got != "Hi there." {
			t.Errorf("TextComplete = %q, want %q", got, "Hi there.")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the reply")
	}

	deadline := time.Now().Add(2 * time.Second)
	for dev.WriteCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dev.WriteCount() == 0 {
		t.Fatal("no audio reached the device")
	}
	if !a.Detector().OutputActive() {
		t.Error("detector should be muted while the reply plays")
	}

	transcriber := providers.STT.(*sttmock.Provider)
	if transcriber.CallCount() != 1 {
		t.Fatalf("STT calls = %d, want 1", transcriber.CallCount())
	}
	// The session spans every speech frame, the start frames included.
	if n := len(transcriber.Calls[0].PCM); n%frameBytes != 0 || n < 5*frameBytes {
		t.Errorf("transcribed %d bytes, want whole frames covering the speech", n)
	}
	if got := transcriber.Calls[0].Cfg.SampleRate; got != 16000 {
		t.Errorf("STT sample rate = %d", got)
	}

	req := providers.LLM.(*llmmock.Provider).LastRequest()
	if req.SystemPrompt != cfg.Conversation.SystemPrompt {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != types.RoleUser || req.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", req.Messages)
	}

	history := a.Orchestrator().History()
	if len(history) != 2 || history[1].Text != "Hi there." {
		t.Errorf("history = %+v", history)
	}
	if got := providers.TTS.(*ttsmock.Provider).Texts(); len(got) != 1 || got[0] != "Hi there." {
		t.Errorf("synthesised = %q", got)
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if dev.CallCountFlush == 0 {
		t.Error("stop should flush the device")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if dev.CallCountClose != 1 {
		t.Errorf("device closed %d times, want 1", dev.CallCountClose)
	}
	if cls.CloseCallCount != 1 {
		t.Errorf("classifier closed %d times, want 1", cls.CloseCallCount)
	}
	// Shutdown is idempotent.
	_ = a.Shutdown(context.Background())
	if dev.CallCountClose != 1 {
		t.Errorf("second Shutdown closed the device again")
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	providers, _ := testProviders()

	failing := &llmmock.Provider{StreamErr: errors.New("boom")}
	llmFB := resilience.NewLLMFallback(failing, "primary", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1},
	})
	providers.LLM = llmFB

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	a, err := app.New(testConfig(), providers,
		app.WithDevice(&audiomock.Device{}),
		app.WithMetricsHandler(metrics),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	get := func(path string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp.StatusCode, body
	}

	code, body := get("/healthz")
	if code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
	info, _ := body["info"].(map[string]any)
	if info["state"] != "IDLE" || info["frames"] != "0" {
		t.Errorf("info = %v", info)
	}

	if code, _ := get("/readyz"); code != http.StatusOK {
		t.Errorf("/readyz with healthy breakers = %d, want 200", code)
	}

	// One failure opens the only LLM breaker.
	if _, err := llmFB.StreamCompletion(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected stream error")
	}
	code, body = get("/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("/readyz with open breaker = %d, want 503", code)
	}
	checks, _ := body["checks"].(map[string]any)
	if s, _ := checks["llm"].(string); !strings.HasPrefix(s, "fail") {
		t.Errorf("llm check = %v", checks["llm"])
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d", resp.StatusCode)
	}
}
