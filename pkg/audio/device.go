// Package audio defines the audio device abstraction, PCM helpers, and the
// playback queue used by the conversation loop.
//
// The two primary abstractions are:
//
//   - [Device]: a full-duplex sound device delivering fixed-size capture
//     frames and accepting PCM for playback.
//   - [PlaybackQueue]: a bounded FIFO drained into a device, tracking whether
//     the speaker is currently active so that the voice detector can ignore
//     the system's own output.
//
// Implementations of [Device] live in adapter packages (audio/local for real
// hardware, audio/mock for tests). All PCM is signed 16-bit little-endian.
//
// This package lives under pkg/ because external code (other device backends)
// is expected to implement [Device].
package audio

import (
	"context"
	"io"
)

// Device is a full-duplex audio device.
//
// Implementations must be safe for concurrent use: ReadFrame is called from
// the capture goroutine while Write is called from the playback goroutine.
type Device interface {
	// ReadFrame blocks until exactly one capture frame is available and returns
	// it. The frame length equals the device's [FrameConfig.FrameBytes]. It
	// returns ctx.Err() when ctx is cancelled and io.EOF when the device has
	// been closed or its input is exhausted.
	ReadFrame(ctx context.Context) ([]byte, error)

	// Write queues PCM in the device's playback format. It blocks while the
	// device's own output buffer is above its high-water mark, so that a
	// returned Write approximately tracks audible output.
	io.Writer

	// Close stops the device and releases its resources. It is safe to call
	// Close more than once.
	Close() error
}

// Flusher is implemented by devices that can discard already-buffered
// playback audio. [PlaybackQueue.ForceStop] uses it when available.
type Flusher interface {
	Flush()
}
