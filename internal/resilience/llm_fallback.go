package resilience

import (
	"context"
	"errors"

	"github.com/datasciritwik/realtime/pkg/provider/llm"
)

// errStreamFailed marks a stream whose first chunk was an error.
var errStreamFailed = errors.New("stream failed before producing text")

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

// Available reports whether any backend would accept a request.
func (f *LLMFallback) Available() bool { return f.group.Available() }

// StreamCompletion opens a stream on the first healthy provider. A stream
// whose first chunk is an error counts as a failed attempt and the next
// provider is tried. Once text has been delivered, later errors are passed
// through to the caller unchanged.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		var first llm.Chunk
		var ok bool
		select {
		case first, ok = <-ch:
		case <-ctx.Done():
			go drain(ch)
			return nil, ctx.Err()
		}
		if !ok {
			return closedStream(), nil
		}
		if first.IsError() && first.Text == "" {
			go drain(ch)
			return nil, errStreamFailed
		}
		return prepend(ctx, first, ch), nil
	})
}

// prepend returns a channel yielding first followed by everything from rest.
// When ctx ends the remainder of rest is discarded.
func prepend(ctx context.Context, first llm.Chunk, rest <-chan llm.Chunk) <-chan llm.Chunk {
	out := make(chan llm.Chunk, cap(rest)+1)
	out <- first
	go func() {
		defer close(out)
		for c := range rest {
			select {
			case out <- c:
			case <-ctx.Done():
				drain(rest)
				return
			}
		}
	}()
	return out
}

func closedStream() <-chan llm.Chunk {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
