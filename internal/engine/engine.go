// Package engine defines the Responder interface and its supporting types.
//
// A Responder turns one conversation prompt into a spoken reply. It streams
// the model's text as it is generated and, concurrently, the synthesised
// audio sentence by sentence, so that the listener sees and hears the answer
// before the model has finished producing it.
//
// Implementations are provided by sub-packages (dualstream). The interface is
// intentionally narrow so that the orchestrator remains provider-agnostic.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"time"

	"github.com/datasciritwik/realtime/pkg/types"
)

// FallbackText is spoken when the model fails before producing any text.
const FallbackText = "I'm sorry, I couldn't process that."

// ChunkKind tags a [Chunk] as text or audio.
type ChunkKind int

const (
	// ChunkText carries a token delta in Chunk.Text.
	ChunkText ChunkKind = iota

	// ChunkAudio carries one synthesised sentence in Chunk.Audio.
	ChunkAudio
)

// String returns "text" or "audio".
func (k ChunkKind) String() string {
	if k == ChunkAudio {
		return "audio"
	}
	return "text"
}

// Chunk is one piece of a streamed response. Sequence numbers increase by
// one per chunk and are independent for the text and audio streams.
type Chunk struct {
	Kind ChunkKind

	// Text is the token delta for ChunkText, or the sentence that produced
	// the audio for ChunkAudio.
	Text string

	// Audio is 16-bit little-endian mono PCM at the playback rate.
	Audio []byte

	Sequence  int
	Timestamp time.Time
}

// Request is one response to generate.
type Request struct {
	// SystemPrompt is sent ahead of Messages.
	SystemPrompt string

	// Messages is the conversation history, oldest first, ending with the
	// user's turn.
	Messages []types.Message

	// Voice selects the synthesis voice.
	Voice types.VoiceProfile

	// OnText receives token deltas in generation order. Optional.
	OnText func(Chunk)

	// OnAudio receives one chunk per synthesised sentence in sentence order.
	// Optional.
	OnAudio func(Chunk)
}

// Result summarises a finished response.
type Result struct {
	// Text is the full response text, or [FallbackText] when the model
	// failed before producing any.
	Text string

	// Fallback reports that the model failed and the apology was used.
	Fallback bool

	// Sentences is the number of sentences synthesised successfully.
	Sentences int

	// SkippedSentences is the number of sentences whose synthesis failed.
	SkippedSentences int
}

// Responder generates a streamed spoken reply.
//
// Respond blocks until both the text and the audio stream have finished and
// every callback has returned. Callbacks run on the responder's goroutines
// and must not block for long. Cancelling ctx stops both streams; the result
// then holds whatever text was produced so far together with ctx.Err().
//
// Implementations must be safe for concurrent use.
type Responder interface {
	Respond(ctx context.Context, req Request) (Result, error)
}
