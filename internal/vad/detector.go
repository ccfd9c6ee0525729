// Package vad turns per-frame speech decisions into voice sessions.
//
// A [Detector] wraps a frame [vad.Classifier] and runs a four-state machine
// over the capture stream:
//
//	Silence ──StartThreshold speech frames──▶ VoiceStart ──speech──▶ VoiceActive
//	   ▲                                                                  │
//	   └────────────────EndThreshold silence frames (VoiceEnd)───────────┘
//
// Audio heard just before a session opens is kept in a small pre-roll ring and
// spliced onto the front of the session so the first syllable is not clipped.
// While the system itself is speaking ([Detector.SetOutputActive]), every
// frame is treated as silence so the loudspeaker cannot trigger a session.
//
// Events are delivered synchronously to a [Listener] on the goroutine calling
// [Detector.ProcessFrame]; listeners must return quickly.
package vad

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datasciritwik/realtime/internal/observe"
	"github.com/datasciritwik/realtime/pkg/audio"
	"github.com/datasciritwik/realtime/pkg/provider/vad"
)

// State is the detector's position in the voice session lifecycle.
type State int32

const (
	// StateSilence means no session is open.
	StateSilence State = iota

	// StateVoiceStart is entered on the frame that opens a session.
	StateVoiceStart

	// StateVoiceActive means a session is open and receiving speech.
	StateVoiceActive

	// StateVoiceEnd is returned by ProcessFrame for the frame that closed a
	// session. The detector itself is already back in StateSilence.
	StateVoiceEnd
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateVoiceStart:
		return "voice_start"
	case StateVoiceActive:
		return "voice_active"
	case StateVoiceEnd:
		return "voice_end"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is a completed voice session: the frames from pre-roll through the
// last speech frame, in capture order.
type Session struct {
	Frames [][]byte
	Format audio.Format
	Start  time.Time
	End    time.Time
}

// Duration is the wall-clock length of the session.
func (s Session) Duration() time.Duration { return s.End.Sub(s.Start) }

// PCM concatenates the session frames.
func (s Session) PCM() []byte {
	n := 0
	for _, f := range s.Frames {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range s.Frames {
		out = append(out, f...)
	}
	return out
}

// Listener receives session lifecycle events.
type Listener interface {
	// OnVoiceStart is called when a session opens, before any OnVoiceData.
	OnVoiceStart()

	// OnVoiceData is called once per frame of the session in capture order,
	// starting with the pre-roll.
	OnVoiceData(frame []byte)

	// OnVoiceEnd hands over a session that met the minimum duration. The
	// detector keeps no reference to it.
	OnVoiceEnd(s Session)
}

// ListenerFuncs adapts plain functions to [Listener]. Nil fields are skipped.
type ListenerFuncs struct {
	Start func()
	Data  func(frame []byte)
	End   func(s Session)
}

func (l ListenerFuncs) OnVoiceStart() {
	if l.Start != nil {
		l.Start()
	}
}

func (l ListenerFuncs) OnVoiceData(frame []byte) {
	if l.Data != nil {
		l.Data(frame)
	}
}

func (l ListenerFuncs) OnVoiceEnd(s Session) {
	if l.End != nil {
		l.End(s)
	}
}

// Option is a functional option for [New].
type Option func(*Detector)

// WithListener sets the event listener. Without one, events are dropped.
func WithListener(l Listener) Option {
	return func(d *Detector) { d.listener = l }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics records session outcomes and rejected frames on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithClock replaces time.Now for session timing.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// Detector is the voice activity state machine.
//
// ProcessFrame, Reset and Close serialise on an internal mutex.
// SetOutputActive, OutputActive and State are lock-free and safe to call from
// any goroutine, including from inside a listener callback.
type Detector struct {
	cls        vad.Classifier
	cfg        Config
	frameBytes int
	listener   Listener
	log        *slog.Logger
	metrics    *observe.Metrics
	now        func() time.Time

	outputActive atomic.Bool
	state        atomic.Int32

	mu            sync.Mutex
	voiceFrames   int
	silenceFrames int
	pending       *ring // speech frames seen in Silence, not yet a session
	preRoll       *ring
	session       *ring
	start         time.Time
	closed        bool
	closeOnce     sync.Once
}

// New creates a detector over cls. Zero fields in cfg take their defaults.
func New(cls vad.Classifier, cfg Config, opts ...Option) (*Detector, error) {
	if cls == nil {
		return nil, fmt.Errorf("vad: classifier must not be nil")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		cls:        cls,
		cfg:        cfg,
		frameBytes: cfg.Frame.FrameBytes(),
		listener:   ListenerFuncs{},
		log:        slog.Default(),
		now:        time.Now,
		pending:    newRing(cfg.StartThreshold),
		preRoll:    newRing(cfg.PreRollFrames),
		session:    newRing(cfg.MaxSessionFrames),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Config returns the effective configuration, with defaults applied.
func (d *Detector) Config() Config { return d.cfg }

// State returns the current state. It is never StateVoiceEnd.
func (d *Detector) State() State { return State(d.state.Load()) }

// SetOutputActive sets the echo-suppression flag. While true every frame is
// treated as silence. It is designed to be registered with
// audio.PlaybackQueue.OnStateChange.
func (d *Detector) SetOutputActive(active bool) {
	if d.outputActive.Swap(active) != active {
		d.log.Debug("vad: output active changed", "active", active)
	}
}

// OutputActive reports the echo-suppression flag.
func (d *Detector) OutputActive() bool { return d.outputActive.Load() }

// ProcessFrame advances the state machine by one frame and returns the
// resulting state. Frames of the wrong length are rejected and leave the
// detector untouched.
func (d *Detector) ProcessFrame(frame []byte) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return d.State()
	}
	if len(frame) != d.frameBytes {
		d.log.Debug("vad: rejecting frame", "bytes", len(frame), "want", d.frameBytes)
		if d.metrics != nil {
			d.metrics.VADRejectedFrames.Add(context.Background(), 1)
		}
		return d.State()
	}

	speech := false
	if !d.outputActive.Load() {
		var err error
		speech, err = d.cls.IsSpeech(frame)
		if err != nil {
			d.log.Warn("vad: classifier failed, treating frame as silence", "err", err)
			speech = false
		}
	}

	// Frames are retained across calls; the caller may reuse its buffer.
	frame = bytes.Clone(frame)
	if speech {
		return d.onSpeech(frame)
	}
	return d.onSilence(frame)
}

func (d *Detector) onSpeech(frame []byte) State {
	d.voiceFrames++
	d.silenceFrames = 0

	switch d.State() {
	case StateSilence:
		d.pending.push(frame)
		if d.voiceFrames < d.cfg.StartThreshold {
			return StateSilence
		}
		d.begin()
		return StateVoiceStart

	default:
		d.session.push(frame)
		d.state.Store(int32(StateVoiceActive))
		d.listener.OnVoiceData(frame)
		return StateVoiceActive
	}
}

// begin opens a session: pre-roll followed by the speech run that crossed
// the start threshold.
func (d *Detector) begin() {
	d.start = d.now()
	d.session.reset()
	for _, f := range d.preRoll.drain() {
		d.session.push(f)
	}
	for _, f := range d.pending.drain() {
		d.session.push(f)
	}
	d.state.Store(int32(StateVoiceStart))
	d.log.Debug("vad: voice started", "frames", d.session.len())

	d.listener.OnVoiceStart()
	for _, f := range d.session.frames() {
		d.listener.OnVoiceData(f)
	}
}

func (d *Detector) onSilence(frame []byte) State {
	d.silenceFrames++
	d.voiceFrames = 0

	if d.State() == StateSilence {
		// A speech run too short to open a session is still recent audio.
		for _, f := range d.pending.drain() {
			d.preRoll.push(f)
		}
		d.preRoll.push(frame)
		return StateSilence
	}

	if d.silenceFrames < d.cfg.EndThreshold {
		return d.State()
	}
	d.end()
	return StateVoiceEnd
}

// end closes the open session and delivers it when long enough.
func (d *Detector) end() {
	s := Session{
		Frames: d.session.drain(),
		Format: d.cfg.Frame.Format(),
		Start:  d.start,
		End:    d.now(),
	}
	d.voiceFrames, d.silenceFrames = 0, 0
	d.start = time.Time{}
	d.state.Store(int32(StateSilence))

	if s.Duration() < d.cfg.MinVoiceDuration {
		d.log.Debug("vad: voice too short, discarding", "duration", s.Duration())
		d.record(observe.SessionTooShort)
		return
	}
	d.log.Debug("vad: voice ended", "duration", s.Duration(), "frames", len(s.Frames))
	d.record(observe.SessionAccepted)
	d.listener.OnVoiceEnd(s)
}

func (d *Detector) record(outcome string) {
	if d.metrics != nil {
		d.metrics.RecordVADSession(context.Background(), outcome)
	}
}

// Reset drops any in-flight session and the pre-roll without emitting an
// event and returns to StateSilence. The output-active flag is kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *Detector) resetLocked() {
	d.voiceFrames, d.silenceFrames = 0, 0
	d.pending.reset()
	d.preRoll.reset()
	d.session.reset()
	d.start = time.Time{}
	d.state.Store(int32(StateSilence))
}

// Close discards any partial session without delivering it and closes the
// classifier. Later frames are ignored. Close is idempotent.
func (d *Detector) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.resetLocked()
		d.mu.Unlock()
		if cerr := d.cls.Close(); cerr != nil {
			err = fmt.Errorf("vad: close classifier: %w", cerr)
		}
	})
	return err
}
