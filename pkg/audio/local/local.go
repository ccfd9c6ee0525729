// Package local implements [audio.Device] on the host sound card through
// miniaudio (github.com/gen2brain/malgo).
//
// A single duplex device is opened so that capture and playback share one
// clock. Capture data is accumulated by the device callback and sliced into
// fixed-size frames by [Device.ReadFrame]; playback data is buffered by
// [Device.Write] and consumed by the same callback, which emits silence when
// the buffer runs dry.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/datasciritwik/realtime/pkg/audio"
)

var (
	_ audio.Device  = (*Device)(nil)
	_ audio.Flusher = (*Device)(nil)
)

// ErrClosed is returned by Write after the device has been closed.
var ErrClosed = errors.New("local: device closed")

// Config configures a [Device].
type Config struct {
	// Frame is the capture frame shape handed to ReadFrame and the format
	// expected by Write. Frame.Channels is the hardware channel count; frames
	// are always delivered as mono.
	Frame audio.FrameConfig

	// CaptureDevice and PlaybackDevice select devices by name. Empty selects
	// the system default.
	CaptureDevice  string
	PlaybackDevice string

	// OutputBuffer bounds how much audio Write may queue ahead of the
	// hardware before blocking. Defaults to 200ms.
	OutputBuffer time.Duration

	// InputBuffer bounds how much captured audio is retained when the reader
	// falls behind; older audio is discarded. Defaults to 2s.
	InputBuffer time.Duration
}

// Device is a duplex sound-card device. Create it with [Open].
type Device struct {
	actx *malgo.AllocatedContext
	dev  *malgo.Device
	log  *slog.Logger

	frameBytes int
	stereo     bool
	inMax      int
	outMax     int

	mu     sync.Mutex
	cond   *sync.Cond
	in     []byte
	out     []byte
	flushes uint64 // bumped by Flush; aborts in-flight writes
	closed  bool

	overruns  atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// Option is a functional option for [Open].
type Option func(*Device)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// Open initialises miniaudio and starts a duplex device.
func Open(cfg Config, opts ...Option) (*Device, error) {
	if err := cfg.Frame.Validate(); err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 200 * time.Millisecond
	}
	if cfg.InputBuffer <= 0 {
		cfg.InputBuffer = 2 * time.Second
	}

	mono := audio.FrameConfig{SampleRate: cfg.Frame.SampleRate, FrameMs: cfg.Frame.FrameMs, Channels: 1}
	bytesPerSecond := cfg.Frame.SampleRate * 2
	d := &Device{
		log:        slog.Default(),
		frameBytes: mono.FrameBytes(),
		stereo:     cfg.Frame.Channels == 2,
		inMax:      int(cfg.InputBuffer.Seconds() * float64(bytesPerSecond)),
		outMax:     int(cfg.OutputBuffer.Seconds() * float64(bytesPerSecond*cfg.Frame.Channels)),
	}
	d.cond = sync.NewCond(&d.mu)
	for _, o := range opts {
		o(d)
	}

	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		d.log.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("local: init context: %w", err)
	}
	d.actx = actx

	devCfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(cfg.Frame.Channels)
	devCfg.Playback.Format = malgo.FormatS16
	devCfg.Playback.Channels = uint32(cfg.Frame.Channels)
	devCfg.SampleRate = uint32(cfg.Frame.SampleRate)
	devCfg.PeriodSizeInMilliseconds = uint32(cfg.Frame.FrameMs)
	devCfg.Alsa.NoMMap = 1

	if cfg.CaptureDevice != "" {
		id, err := d.findDevice(malgo.Capture, cfg.CaptureDevice)
		if err != nil {
			d.releaseContext()
			return nil, err
		}
		devCfg.Capture.DeviceID = id.Pointer()
	}
	if cfg.PlaybackDevice != "" {
		id, err := d.findDevice(malgo.Playback, cfg.PlaybackDevice)
		if err != nil {
			d.releaseContext()
			return nil, err
		}
		devCfg.Playback.DeviceID = id.Pointer()
	}

	dev, err := malgo.InitDevice(actx.Context, devCfg, malgo.DeviceCallbacks{Data: d.onData})
	if err != nil {
		d.releaseContext()
		return nil, fmt.Errorf("local: init device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		d.releaseContext()
		return nil, fmt.Errorf("local: start device: %w", err)
	}
	d.dev = dev

	d.log.Info("audio device opened",
		"format", cfg.Frame.Format().String(),
		"frame_ms", cfg.Frame.FrameMs,
		"capture", deviceLabel(cfg.CaptureDevice),
		"playback", deviceLabel(cfg.PlaybackDevice),
	)
	return d, nil
}

// onData is the miniaudio callback. It runs on the audio thread and must not
// block or log.
func (d *Device) onData(output, input []byte, _ uint32) {
	if d.stereo {
		input = audio.StereoToMono(input)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(input) > 0 {
		d.in = append(d.in, input...)
		if over := len(d.in) - d.inMax; over > 0 {
			// Keep frame alignment.
			over = (over + d.frameBytes - 1) / d.frameBytes * d.frameBytes
			if over > len(d.in) {
				over = len(d.in)
			}
			d.in = d.in[over:]
			d.overruns.Add(1)
		}
	}

	n := copy(output, d.out)
	d.out = d.out[n:]
	clear(output[n:])

	d.cond.Broadcast()
}

// ReadFrame implements [audio.Device].
func (d *Device) ReadFrame(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	if n := d.overruns.Swap(0); n > 0 {
		d.log.Warn("capture overrun, discarded oldest audio", "count", n)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.in) < d.frameBytes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.closed {
			return nil, io.EOF
		}
		d.cond.Wait()
	}
	frame := make([]byte, d.frameBytes)
	copy(frame, d.in)
	d.in = d.in[d.frameBytes:]
	return frame, nil
}

// Write implements [audio.Device]. p must be mono PCM at the frame sample
// rate; it is duplicated to stereo for two-channel hardware.
//
// p is fed to the playback buffer in pieces of at most the output buffer
// size, so Write returns only once no more than OutputBuffer of audio is
// left unplayed. A [Device.Flush] during Write discards the remainder.
func (d *Device) Write(p []byte) (int, error) {
	n := len(p)
	if d.stereo {
		p = audio.MonoToStereo(p)
	}
	piece := max(d.outMax, 1)

	d.mu.Lock()
	defer d.mu.Unlock()
	gen := d.flushes
	for len(p) > 0 {
		c := min(len(p), piece)
		for len(d.out) > 0 && len(d.out)+c > d.outMax && !d.closed && d.flushes == gen {
			d.cond.Wait()
		}
		if d.closed {
			return 0, ErrClosed
		}
		if d.flushes != gen {
			return n, nil
		}
		d.out = append(d.out, p[:c]...)
		p = p[c:]
	}
	return n, nil
}

// Buffered returns how many bytes of playback audio are waiting for the
// hardware.
func (d *Device) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.out)
}

// Flush implements [audio.Flusher]. Buffered playback audio is discarded,
// as is the rest of any Write in progress.
func (d *Device) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = d.out[:0]
	d.flushes++
	d.cond.Broadcast()
}

// Close stops the device and frees the miniaudio context. Safe to call more
// than once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.cond.Broadcast()
		d.mu.Unlock()

		if d.dev != nil {
			if err := d.dev.Stop(); err != nil {
				d.closeErr = fmt.Errorf("local: stop device: %w", err)
			}
			d.dev.Uninit()
		}
		d.releaseContext()
	})
	return d.closeErr
}

func (d *Device) releaseContext() {
	if d.actx == nil {
		return
	}
	if err := d.actx.Uninit(); err != nil {
		d.log.Warn("miniaudio context uninit failed", "err", err)
	}
	d.actx.Free()
	d.actx = nil
}

func (d *Device) findDevice(kind malgo.DeviceType, name string) (malgo.DeviceID, error) {
	infos, err := d.actx.Devices(kind)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("local: enumerate devices: %w", err)
	}
	for _, info := range infos {
		if info.Name() == name {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("local: no %s device named %q", kindLabel(kind), name)
}

// Info describes an audio endpoint reported by the host.
type Info struct {
	Name      string
	Kind      string
	IsDefault bool
}

// ListDevices enumerates capture and playback devices.
func ListDevices() ([]Info, error) {
	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("local: init context: %w", err)
	}
	defer func() {
		_ = actx.Uninit()
		actx.Free()
	}()

	var out []Info
	for _, kind := range []malgo.DeviceType{malgo.Capture, malgo.Playback} {
		infos, err := actx.Devices(kind)
		if err != nil {
			return nil, fmt.Errorf("local: enumerate %s devices: %w", kindLabel(kind), err)
		}
		for _, info := range infos {
			out = append(out, Info{Name: info.Name(), Kind: kindLabel(kind), IsDefault: info.IsDefault != 0})
		}
	}
	return out, nil
}

func kindLabel(kind malgo.DeviceType) string {
	if kind == malgo.Capture {
		return "capture"
	}
	return "playback"
}

func deviceLabel(name string) string {
	if name == "" {
		return "default"
	}
	return name
}
