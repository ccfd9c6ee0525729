package coqui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/datasciritwik/realtime/pkg/audio"
	"github.com/datasciritwik/realtime/pkg/types"
)

// ---- test helpers ----

// buildTestWAV wraps pcm in a WAV container with the given format.
func buildTestWAV(t *testing.T, pcm []byte, f audio.Format) []byte {
	t.Helper()
	wav, err := audio.EncodeWAV(pcm, f)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return wav
}

// filled returns n bytes of v.
func filled(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

// mustNew is a test helper that calls New and fails the test on error.
func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

// ---- Provider creation ----

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		opts    []Option
		wantErr bool
	}{
		{name: "empty url", url: "", wantErr: true},
		{name: "defaults", url: "http://localhost:5002/"},
		{name: "xtts", url: "http://localhost:8002", opts: []Option{WithAPIMode(APIModeXTTS), WithTimeout(time.Second)}},
		{name: "unknown mode", url: "http://localhost:5002", opts: []Option{WithAPIMode("grpc")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.url, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New: err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && strings.HasSuffix(p.serverURL, "/") {
				t.Errorf("serverURL %q keeps trailing slash", p.serverURL)
			}
		})
	}
}

func TestNew_DefaultAPIMode(t *testing.T) {
	t.Parallel()

	p := mustNew(t, "http://localhost:5002")
	if p.apiMode != APIModeStandard {
		t.Errorf("default apiMode = %q, want %q", p.apiMode, APIModeStandard)
	}
	if p.language != defaultLanguage {
		t.Errorf("default language = %q, want %q", p.language, defaultLanguage)
	}
}

// ---- Synthesize: standard mode ----

func TestSynthesize_StandardAPI(t *testing.T) {
	t.Parallel()

	wantPCM := filled(80, 0x33)
	wavData := buildTestWAV(t, wantPCM, audio.Format{SampleRate: 22050, Channels: 1})

	queries := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiTTSEndpoint || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		queries <- r.URL.Query()
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wavData)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithLanguage("en"))
	sp, err := p.Synthesize(context.Background(), "Hello world.", types.VoiceProfile{ID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if sp.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want 22050", sp.SampleRate)
	}
	if string(sp.PCM) != string(wantPCM) {
		t.Errorf("PCM = %d bytes, want %d bytes of 0x33", len(sp.PCM), len(wantPCM))
	}

	q := <-queries
	if got := q.Get("text"); got != "Hello world." {
		t.Errorf("text = %q", got)
	}
	if got := q.Get("speaker_id"); got != "p225" {
		t.Errorf("speaker_id = %q", got)
	}
	if got := q.Get("language_id"); got != "en" {
		t.Errorf("language_id = %q", got)
	}
}

func TestSynthesize_StandardAPI_NoVoice(t *testing.T) {
	t.Parallel()

	wavData := buildTestWAV(t, make([]byte, 40), audio.Format{SampleRate: 16000, Channels: 1})
	queries := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		_, _ = w.Write(wavData)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(context.Background(), "Hi.", types.VoiceProfile{}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if q := <-queries; q.Has("speaker_id") {
		t.Errorf("speaker_id sent without a voice: %v", q)
	}
}

// ---- Synthesize: XTTS mode ----

func TestSynthesize_XTTS_StereoDownmixed(t *testing.T) {
	t.Parallel()

	// Two stereo frames: L=100,R=300 and L=-100,R=-300.
	stereo := audio.IntsToBytes([]int{100, 300, -100, -300})
	wavData := buildTestWAV(t, stereo, audio.Format{SampleRate: 24000, Channels: 2})

	bodies := make(chan ttsRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ttsEndpoint || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body ttsRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		_, _ = w.Write(wavData)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS), WithLanguage("de"))
	sp, err := p.Synthesize(context.Background(), "Guten Tag.", types.VoiceProfile{ID: "speaker_alice"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	got := audio.BytesToInts(sp.PCM)
	if len(got) != 2 || got[0] != 200 || got[1] != -200 {
		t.Errorf("mono samples = %v, want [200 -200]", got)
	}
	if sp.SampleRate != 24000 {
		t.Errorf("SampleRate = %d", sp.SampleRate)
	}

	body := <-bodies
	if body.Text != "Guten Tag." || body.SpeakerWav != "speaker_alice" || body.Language != "de" {
		t.Errorf("request body = %+v", body)
	}
}

func TestSynthesize_XTTS_EmptyVoiceID(t *testing.T) {
	t.Parallel()

	p := mustNew(t, "http://localhost:8002", WithAPIMode(APIModeXTTS))
	if _, err := p.Synthesize(context.Background(), "Hello.", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for empty voice ID in XTTS mode")
	}
}

// ---- Synthesize: failures ----

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	_, err := p.Synthesize(context.Background(), "Hello.", types.VoiceProfile{})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestSynthesize_NotWAV(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("definitely not riff"))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(context.Background(), "Hello.", types.VoiceProfile{}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSynthesize_ContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Synthesize(ctx, "Hello.", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error on context timeout")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	p := mustNew(t, "http://127.0.0.1:1")
	sp, err := p.Synthesize(context.Background(), "   ", types.VoiceProfile{})
	if err != nil || len(sp.PCM) != 0 {
		t.Fatalf("got %d bytes, err %v", len(sp.PCM), err)
	}
}

// ---- ListVoices ----

func TestListVoices_XTTS(t *testing.T) {
	t.Parallel()

	data, _ := json.Marshal(map[string]any{
		"speaker_bob":   map[string]any{"type": "studio"},
		"speaker_alice": map[string]any{"type": "studio"},
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != studioSpeakersEndpoint {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "speaker_alice" || voices[1].ID != "speaker_bob" {
		t.Fatalf("voices = %+v, want sorted alice, bob", voices)
	}
	for _, v := range voices {
		if v.Provider != "coqui" || v.Metadata["type"] != "studio" {
			t.Errorf("voice %+v", v)
		}
	}
}

func TestListVoices_Standard(t *testing.T) {
	t.Parallel()

	t.Run("multi-speaker model", func(t *testing.T) {
		t.Parallel()

		data, _ := json.Marshal(detailsResponse{
			ModelName: "tts_models/en/vctk/vits",
			Language:  "en",
			Speakers:  []string{"p227", "p225", "p226"},
		})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != detailsEndpoint {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(data)
		}))
		defer srv.Close()

		voices, err := mustNew(t, srv.URL).ListVoices(context.Background())
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		wantIDs := []string{"p225", "p226", "p227"}
		if len(voices) != len(wantIDs) {
			t.Fatalf("got %d voices, want 3", len(voices))
		}
		for i, v := range voices {
			if v.ID != wantIDs[i] {
				t.Errorf("voices[%d].ID = %q, want %q", i, v.ID, wantIDs[i])
			}
			if v.Metadata["type"] != "speaker" || v.Metadata["model_name"] != "tts_models/en/vctk/vits" {
				t.Errorf("voices[%d] metadata = %v", i, v.Metadata)
			}
		}
	})

	t.Run("single-speaker model", func(t *testing.T) {
		t.Parallel()

		data, _ := json.Marshal(detailsResponse{ModelName: "tts_models/en/ljspeech/vits"})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(data)
		}))
		defer srv.Close()

		voices, err := mustNew(t, srv.URL).ListVoices(context.Background())
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		if len(voices) != 1 || voices[0].ID != "tts_models/en/ljspeech/vits" || voices[0].Metadata["type"] != "single-speaker" {
			t.Errorf("voices = %+v", voices)
		}
	})

	t.Run("server error", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := mustNew(t, srv.URL).ListVoices(context.Background())
		if err == nil || !strings.Contains(err.Error(), "coqui:") {
			t.Fatalf("expected prefixed error, got %v", err)
		}
	})
}
