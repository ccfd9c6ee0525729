// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (OpenAI's speech endpoint,
// ElevenLabs, or a local Coqui server) and turns one complete sentence into
// one buffer of raw PCM. The response engine segments the LLM token stream
// into sentences and synthesises them one at a time, so providers never see
// partial sentences.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"time"

	"github.com/datasciritwik/realtime/pkg/types"
)

// Speech is synthesised audio for one sentence: 16-bit little-endian mono
// PCM at SampleRate.
type Speech struct {
	PCM        []byte
	SampleRate int
}

// Duration returns the playback length of s.
func (s Speech) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.PCM)/2) * time.Second / time.Duration(s.SampleRate)
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice. An empty voice.ID selects
	// the provider's default voice.
	//
	// Returns an error if the backend fails, rejects the voice, or ctx is
	// cancelled.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (Speech, error)

	// ListVoices returns all voice profiles available from this provider. The list
	// reflects the provider's current catalogue and may change between calls if the
	// underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
