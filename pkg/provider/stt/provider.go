// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (OpenAI's audio API, a local
// whisper.cpp server, or whisper.cpp linked in-process) and exposes a uniform
// batch interface: one complete voice session in, one transcript out. Voice
// sessions are segmented upstream by the voice detector, so providers do not
// perform their own endpointing.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"
)

// Config describes the audio format and recognition hints for one
// transcription request.
type Config struct {
	// SampleRate is the audio sample rate in Hz. The capture pipeline
	// delivers 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the ISO-639-1 language hint (e.g. "en", "de"). An empty
	// string lets the provider auto-detect the language, if supported.
	Language string

	// Prompt is optional context text that biases recognition toward the
	// vocabulary of the ongoing conversation.
	Prompt string
}

// Transcript is the result of a transcription request.
type Transcript struct {
	// Text is the transcribed speech content, trimmed of surrounding space.
	Text string

	// Language is the detected or requested language, if known.
	Language string

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts pcm (16-bit little-endian samples in the format
	// described by cfg) into text. An empty transcript with a nil error means
	// no speech was recognised.
	//
	// Returns an error if the backend fails or ctx is cancelled.
	Transcribe(ctx context.Context, pcm []byte, cfg Config) (Transcript, error)
}
