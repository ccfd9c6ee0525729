// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the CompletionRequests a responder
// sends and to feed scripted token streams without a live LLM backend.
// Configure fields before the first call; mutating them during a concurrent
// call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{StreamChunks: mock.Tokens("Hello", " there.")}
//	ch, err := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/datasciritwik/realtime/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is the sequence of Chunk values emitted on the channel returned
	// by StreamCompletion. All chunks are sent before the channel is closed.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion instead
	// of starting a channel.
	StreamErr error

	// ChunkDelay is slept before each chunk is sent. It lets tests observe a
	// consumer working while the stream is still open.
	ChunkDelay time.Duration

	// Hold, if non-nil, blocks the stream after the last chunk until it is
	// closed or the context is cancelled.
	Hold chan struct{}

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall
}

// Tokens builds a chunk slice from text fragments, marking the last one
// with FinishReason "stop".
func Tokens(parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, len(parts))
	for i, p := range parts {
		out[i] = llm.Chunk{Text: p}
	}
	if len(out) > 0 {
		out[len(out)-1].FinishReason = "stop"
	}
	return out
}

// Chars splits text into one chunk per rune, the worst case for sentence
// segmentation.
func Chars(text string) []llm.Chunk {
	var parts []string
	for _, r := range text {
		parts = append(parts, string(r))
	}
	return Tokens(parts...)
}

// StreamCompletion records the call and returns a channel that emits StreamChunks.
// If StreamErr is set, it returns nil, StreamErr without opening a channel.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	delay, hold := p.ChunkDelay, p.Hold
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if hold != nil {
			select {
			case <-ctx.Done():
			case <-hold:
			}
		}
	}()
	return ch, nil
}

// CallCount returns the number of StreamCompletion calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// LastRequest returns the most recent request, or the zero value when none
// was made. Thread-safe.
func (p *Provider) LastRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StreamCalls) == 0 {
		return llm.CompletionRequest{}
	}
	return p.StreamCalls[len(p.StreamCalls)-1].Req
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
