// Package mock provides an in-memory implementation of [audio.Device] for use
// in unit tests.
//
// The mock is safe for concurrent use. Captured frames are scripted through
// the Frames field (or pushed later with [Device.Push]); every buffer written
// for playback is recorded in order.
//
// Typical usage:
//
//	dev := &mock.Device{Frames: [][]byte{speech, speech, silence}}
//	frame, err := dev.ReadFrame(ctx) // speech
//	...
//	frame, err = dev.ReadFrame(ctx)  // io.EOF once Frames is exhausted
package mock

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/datasciritwik/realtime/pkg/audio"
)

var (
	_ audio.Device  = (*Device)(nil)
	_ audio.Flusher = (*Device)(nil)
)

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu   sync.Mutex
	cond *sync.Cond

	// Frames is the scripted capture input, returned in order by ReadFrame.
	Frames [][]byte

	// Block makes ReadFrame wait for more frames (via Push) instead of
	// returning io.EOF when Frames is exhausted.
	Block bool

	// ReadErr, when non-nil, is returned once by the next ReadFrame call.
	ReadErr error

	// WriteErr is returned by every Write call when non-nil.
	WriteErr error

	// Written records every buffer passed to Write, in order.
	Written [][]byte

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

func (d *Device) init() {
	if d.cond == nil {
		d.cond = sync.NewCond(&d.mu)
	}
}

// ReadFrame implements [audio.Device].
func (d *Device) ReadFrame(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()

	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.ReadErr != nil {
			err := d.ReadErr
			d.ReadErr = nil
			return nil, err
		}
		if len(d.Frames) > 0 {
			f := d.Frames[0]
			d.Frames = d.Frames[1:]
			return f, nil
		}
		if d.closed || !d.Block {
			return nil, io.EOF
		}
		d.cond.Wait()
	}
}

// Push appends frames to the scripted input and wakes a blocked reader.
func (d *Device) Push(frames ...[]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	d.Frames = append(d.Frames, frames...)
	d.cond.Broadcast()
}

// Write implements [audio.Device]. The buffer is copied into Written.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.WriteErr != nil {
		return 0, d.WriteErr
	}
	d.Written = append(d.Written, bytes.Clone(p))
	return len(p), nil
}

// Flush implements [audio.Flusher].
func (d *Device) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountFlush++
}

// Close implements [audio.Device]. It wakes any blocked reader.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	d.CallCountClose++
	d.closed = true
	d.cond.Broadcast()
	return nil
}

// WrittenBytes returns the concatenation of all written buffers.
func (d *Device) WrittenBytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Join(d.Written, nil)
}

// WriteCount returns the number of Write calls recorded.
func (d *Device) WriteCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Written)
}
