// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed scripted transcripts to the conversation loop and to
// inspect which voice sessions were submitted for transcription.
//
// Example:
//
//	p := &mock.Provider{Results: []stt.Transcript{{Text: "hello"}}}
//	tr, _ := p.Transcribe(ctx, pcm, stt.Config{SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/datasciritwik/realtime/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
	// Cfg is the Config passed to Transcribe.
	Cfg stt.Config
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned in order, one per call. Once exhausted the last
	// entry is repeated; with no entries an empty transcript is returned.
	Results []stt.Transcript

	// Err, if non-nil, is returned by every Transcribe call.
	Err error

	// Func, if set, overrides Results and Err.
	Func func(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Transcript, error)

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Transcript, error) {
	p.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, PCM: cp, Cfg: cfg})
	n := len(p.Calls)
	fn := p.Func
	var res stt.Transcript
	if len(p.Results) > 0 {
		res = p.Results[min(n, len(p.Results))-1]
	}
	err := p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm, cfg)
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	return res, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
