package openai_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/datasciritwik/realtime/pkg/provider/tts/openai"
	"github.com/datasciritwik/realtime/pkg/types"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := openai.New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestSynthesize(t *testing.T) {
	reqs := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var got map[string]any
		_ = json.Unmarshal(body, &got)
		reqs <- got
		w.Header().Set("Content-Type", "application/octet-stream")
		// One second of silence plus a stray odd byte.
		_, _ = w.Write(make([]byte, openai.SampleRate*2+1))
	}))
	defer srv.Close()

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/v1/"), openai.WithHTTPClient(srv.Client()), openai.WithModel("tts-1-hd"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sp, err := p.Synthesize(context.Background(), "Hello there.", types.VoiceProfile{ID: "nova", SpeedFactor: 1.5})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if sp.SampleRate != openai.SampleRate {
		t.Errorf("SampleRate = %d", sp.SampleRate)
	}
	if sp.Duration() != time.Second {
		t.Errorf("Duration = %v, want 1s", sp.Duration())
	}
	got := <-reqs
	if got["input"] != "Hello there." || got["voice"] != "nova" || got["model"] != "tts-1-hd" || got["response_format"] != "pcm" {
		t.Errorf("request = %v", got)
	}
	if got["speed"] != 1.5 {
		t.Errorf("speed = %v", got["speed"])
	}
}

func TestSynthesize_DefaultVoiceAndEmptyText(t *testing.T) {
	voices := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		v, _ := body["voice"].(string)
		voices <- v
		_, _ = w.Write(make([]byte, 480))
	}))
	defer srv.Close()

	p, _ := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/v1/"), openai.WithHTTPClient(srv.Client()), openai.WithDefaultVoice("echo"))

	sp, err := p.Synthesize(context.Background(), "", types.VoiceProfile{})
	if err != nil || len(sp.PCM) != 0 {
		t.Fatalf("empty text: got %d bytes, err %v", len(sp.PCM), err)
	}
	if _, err := p.Synthesize(context.Background(), "Hi.", types.VoiceProfile{}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if voice := <-voices; voice != "echo" {
		t.Errorf("voice = %q, want echo", voice)
	}
}

func TestSynthesize_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"unknown voice"}}`))
	}))
	defer srv.Close()

	p, _ := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/v1/"), openai.WithHTTPClient(srv.Client()))
	if _, err := p.Synthesize(context.Background(), "Hi.", types.VoiceProfile{ID: "nobody"}); err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}

func TestListVoices(t *testing.T) {
	p, _ := openai.New("sk-test")
	vs, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	found := false
	for _, v := range vs {
		if v.Provider != "openai" {
			t.Errorf("voice %q has provider %q", v.ID, v.Provider)
		}
		if v.ID == "alloy" {
			found = true
		}
	}
	if !found {
		t.Error("alloy missing from catalogue")
	}
}
