package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/datasciritwik/realtime/pkg/provider/tts"
	ttsmock "github.com/datasciritwik/realtime/pkg/provider/tts/mock"
	"github.com/datasciritwik/realtime/pkg/types"
)

func TestTTSFallback_Synthesize(t *testing.T) {
	t.Parallel()

	primarySpeech := tts.Speech{PCM: []byte{1, 2}, SampleRate: 24000}
	secondarySpeech := tts.Speech{PCM: []byte{3, 4, 5, 6}, SampleRate: 16000}
	tests := []struct {
		name     string
		primary  *ttsmock.Provider
		wantRate int
		wantErr  error
	}{
		{name: "primary succeeds", primary: &ttsmock.Provider{Speech: primarySpeech}, wantRate: 24000},
		{name: "failover keeps the fallback's rate", primary: &ttsmock.Provider{Err: errors.New("quota")}, wantRate: 16000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			secondary := &ttsmock.Provider{Speech: secondarySpeech}
			fb := NewTTSFallback(tt.primary, "primary", FallbackConfig{})
			fb.AddFallback("secondary", secondary)

			voice := types.VoiceProfile{ID: "alloy"}
			sp, err := fb.Synthesize(context.Background(), "Hello.", voice)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if sp.SampleRate != tt.wantRate {
				t.Errorf("sample rate = %d, want %d", sp.SampleRate, tt.wantRate)
			}
			if got := tt.primary.Texts(); len(got) != 1 || got[0] != "Hello." {
				t.Errorf("primary texts = %v", got)
			}
			if tt.primary.SynthesizeCalls[0].Voice.ID != "alloy" {
				t.Errorf("voice = %+v", tt.primary.SynthesizeCalls[0].Voice)
			}
		})
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewTTSFallback(&ttsmock.Provider{Err: errors.New("a")}, "a", FallbackConfig{})
	fb.AddFallback("b", &ttsmock.Provider{Err: errors.New("b")})
	if _, err := fb.Synthesize(context.Background(), "Hi.", types.VoiceProfile{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_ListVoicesFailover(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{ListVoicesErr: errors.New("unauthorized")}
	secondary := &ttsmock.Provider{ListVoicesResult: []types.VoiceProfile{{ID: "nova"}, {ID: "echo"}}}
	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "nova" {
		t.Errorf("voices = %+v", voices)
	}
	if primary.ListVoicesCalls != 1 || secondary.ListVoicesCalls != 1 {
		t.Errorf("calls = %d, %d", primary.ListVoicesCalls, secondary.ListVoicesCalls)
	}
}
