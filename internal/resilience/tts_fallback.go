package resilience

import (
	"context"
	"errors"
	"io"

	"github.com/datasciritwik/realtime/pkg/provider/tts"
	"github.com/datasciritwik/realtime/pkg/types"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// Backends may produce different sample rates; callers resample using
// [tts.Speech.SampleRate].
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *TTSFallback) Status() []EntryStatus { return f.group.Status() }

// Synthesize renders text on the first healthy provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Speech, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (tts.Speech, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// closeAll closes every entry implementing io.Closer.
func closeAll[T any](fg *FallbackGroup[T]) error {
	var errs []error
	for i := range fg.entries {
		if c, ok := any(fg.entries[i].value).(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
