// Package mock provides an in-memory mock implementation of [engine.Responder]
// for use in unit tests.
//
// The mock records every call and replays configured text and audio chunks
// through the request callbacks. It is safe for concurrent use.
//
// Example:
//
//	r := &mock.Responder{
//	    TextChunks:  []string{"Hello", " there."},
//	    AudioChunks: [][]byte{make([]byte, 640)},
//	}
//	res, err := r.Respond(ctx, req)
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/datasciritwik/realtime/internal/engine"
)

// Compile-time interface assertion.
var _ engine.Responder = (*Responder)(nil)

// RespondCall records the arguments of a single [Responder.Respond] call.
type RespondCall struct {
	// Ctx is the context passed to Respond.
	Ctx context.Context
	// Req is the request passed to Respond.
	Req engine.Request
}

// Responder is a mock implementation of [engine.Responder].
type Responder struct {
	mu sync.Mutex

	// TextChunks are delivered to Request.OnText in order.
	TextChunks []string

	// AudioChunks are delivered to Request.OnAudio in order, after the text.
	AudioChunks [][]byte

	// Result is returned by Respond. When Result.Text is empty it is filled
	// with the concatenated TextChunks.
	Result engine.Result

	// Err is returned by Respond.
	Err error

	// Hold, if non-nil, blocks Respond after the chunks are delivered until
	// it is closed or the context is cancelled.
	Hold chan struct{}

	// Func, if set, replaces the scripted behaviour entirely.
	Func func(ctx context.Context, req engine.Request) (engine.Result, error)

	// RespondCalls records all Respond invocations.
	RespondCalls []RespondCall
}

// Respond implements [engine.Responder].
func (r *Responder) Respond(ctx context.Context, req engine.Request) (engine.Result, error) {
	r.mu.Lock()
	r.RespondCalls = append(r.RespondCalls, RespondCall{Ctx: ctx, Req: req})
	fn := r.Func
	texts := append([]string(nil), r.TextChunks...)
	audio := append([][]byte(nil), r.AudioChunks...)
	res, err, hold := r.Result, r.Err, r.Hold
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}

	for i, t := range texts {
		if req.OnText != nil {
			req.OnText(engine.Chunk{Kind: engine.ChunkText, Text: t, Sequence: i, Timestamp: time.Now()})
		}
	}
	for i, a := range audio {
		if req.OnAudio != nil {
			req.OnAudio(engine.Chunk{Kind: engine.ChunkAudio, Audio: a, Sequence: i, Timestamp: time.Now()})
		}
	}

	if res.Text == "" {
		res.Text = strings.Join(texts, "")
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
	return res, err
}

// CallCount returns the number of Respond calls. Thread-safe.
func (r *Responder) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.RespondCalls)
}

// LastRequest returns the most recent request, or the zero value.
func (r *Responder) LastRequest() engine.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.RespondCalls) == 0 {
		return engine.Request{}
	}
	return r.RespondCalls[len(r.RespondCalls)-1].Req
}

// Requests returns a copy of every request received so far.
func (r *Responder) Requests() []engine.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.Request, len(r.RespondCalls))
	for i, c := range r.RespondCalls {
		out[i] = c.Req
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (r *Responder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RespondCalls = nil
}
