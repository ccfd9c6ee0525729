// Package conversation runs the full-duplex voice conversation loop.
//
// The [Orchestrator] owns the conversation state machine
//
//	IDLE → LISTENING → VOICE_DETECTED → LISTENING → PROCESSING → RESPONDING → LISTENING
//
// It receives finished voice sessions from the voice detector (through
// [Orchestrator.Listener]), queues them, and on its own goroutine transcribes
// each one, asks an [engine.Responder] for a reply, forwards the reply's text
// to the [Observer] and its audio to the [Player].
//
// The [CaptureLoop] feeds microphone frames into the detector. Echo
// suppression is wired outside this package by registering the detector's
// SetOutputActive with the playback queue's state observer.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datasciritwik/realtime/internal/engine"
	"github.com/datasciritwik/realtime/internal/observe"
	"github.com/datasciritwik/realtime/internal/session"
	"github.com/datasciritwik/realtime/internal/vad"
	"github.com/datasciritwik/realtime/pkg/provider/stt"
	"github.com/datasciritwik/realtime/pkg/types"
)

const (
	defaultSessionQueueSize     = 4
	defaultObserverBuffer       = 256
	defaultShutdownGrace        = 5 * time.Second
	defaultAudioCompleteTimeout = 30 * time.Second
)

// ErrAlreadyRunning is returned by Start when the loop is already running.
var ErrAlreadyRunning = errors.New("conversation: already running")

// Player is the playback side of the conversation. *audio.PlaybackQueue
// implements it.
type Player interface {
	Enqueue(pcm []byte) error
	ForceStop()
	WaitIdle(ctx context.Context) error
}

// Config holds the orchestrator's tunables. Zero values take defaults.
type Config struct {
	SystemPrompt string
	Voice        types.VoiceProfile

	// Language is passed to the transcriber as a hint.
	Language string

	// HistoryWindow is the number of recent turns sent to the model.
	HistoryWindow int

	// HistoryMaxTokens additionally caps the window's estimated size.
	HistoryMaxTokens int

	// SessionQueueSize bounds the voice sessions waiting for transcription.
	SessionQueueSize int

	// BargeIn lets a new voice start interrupt a reply in progress.
	BargeIn bool

	// ShutdownGrace bounds how long Stop waits for an in-flight turn.
	ShutdownGrace time.Duration

	// AudioCompleteTimeout bounds the wait for playback to drain after a reply.
	AudioCompleteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = session.DefaultWindow
	}
	if c.SessionQueueSize <= 0 {
		c.SessionQueueSize = defaultSessionQueueSize
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.AudioCompleteTimeout <= 0 {
		c.AudioCompleteTimeout = defaultAudioCompleteTimeout
	}
	return c
}

// Deps are the orchestrator's collaborators. All are required.
type Deps struct {
	STT       stt.Provider
	Responder engine.Responder
	Player    Player
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithObserver registers the notification sink.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.obs = obs }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics records transcription, turn and queue metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSTTName sets the provider label used on transcription metrics.
func WithSTTName(name string) Option {
	return func(o *Orchestrator) { o.sttName = name }
}

// Orchestrator is the conversation state machine. All exported methods are
// safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	stt       stt.Provider
	responder engine.Responder
	player    Player
	history   *session.History
	sessions  chan vad.Session

	obs     Observer
	events  *dispatcher
	log     *slog.Logger
	metrics *observe.Metrics
	sttName string

	stateMu sync.Mutex
	state   State

	voiceActive atomic.Bool
	generation  atomic.Uint64

	mu         sync.Mutex
	prompt     string
	voice      types.VoiceProfile
	running    bool
	stopLoop   context.CancelFunc
	done       chan struct{}
	cancelTurn context.CancelFunc
}

// New creates an orchestrator in StateIdle.
func New(deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	var errs []error
	if deps.STT == nil {
		errs = append(errs, errors.New("STT must not be nil"))
	}
	if deps.Responder == nil {
		errs = append(errs, errors.New("Responder must not be nil"))
	}
	if deps.Player == nil {
		errs = append(errs, errors.New("Player must not be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}

	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		stt:       deps.STT,
		responder: deps.Responder,
		player:    deps.Player,
		sessions:  make(chan vad.Session, cfg.SessionQueueSize),
		log:       slog.Default(),
		sttName:   "stt",
		prompt:    cfg.SystemPrompt,
		voice:     cfg.Voice,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.history = session.NewHistory(cfg.HistoryWindow, session.WithMaxTokens(cfg.HistoryMaxTokens))
	o.events = newDispatcher(o.obs, defaultObserverBuffer, o.log)
	return o, nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// State returns the current state.
func (o *Orchestrator) State() State {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

// History returns a copy of every completed turn.
func (o *Orchestrator) History() []session.Turn { return o.history.Turns() }

// ResetHistory forgets the conversation so far.
func (o *Orchestrator) ResetHistory() { o.history.Reset() }

// SetSystemPrompt replaces the system prompt for subsequent turns.
func (o *Orchestrator) SetSystemPrompt(p string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prompt = p
}

// SetVoice replaces the synthesis voice for subsequent turns.
func (o *Orchestrator) SetVoice(v types.VoiceProfile) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.voice = v
}

// Pending returns the number of sessions waiting for transcription.
func (o *Orchestrator) Pending() int { return len(o.sessions) }

// ─── Voice detector side ─────────────────────────────────────────────────────

// Listener returns the [vad.Listener] to register with the voice detector.
// Its callbacks run on the capture goroutine and never block.
func (o *Orchestrator) Listener() vad.Listener {
	return vad.ListenerFuncs{Start: o.voiceStarted, End: o.voiceEnded}
}

// ObserveFrame is the capture loop's per-frame hook. It returns the
// orchestrator to LISTENING when the detector closes a session, including
// sessions discarded as too short, which produce no end event.
func (o *Orchestrator) ObserveFrame(st vad.State) {
	if st == vad.StateVoiceEnd {
		o.voiceStopped()
	}
}

func (o *Orchestrator) voiceStarted() {
	if !o.voiceActive.Swap(true) {
		o.events.emit(func(obs Observer) { obs.VoiceActivity(true) })
	}
	if o.cfg.BargeIn && o.transition(StateVoiceDetected, StateResponding) {
		o.interrupt()
		return
	}
	o.transition(StateVoiceDetected, StateListening)
}

func (o *Orchestrator) voiceEnded(s vad.Session) {
	o.voiceStopped()
	select {
	case o.sessions <- s:
		o.log.Debug("conversation: session queued", "duration", s.Duration(), "pending", len(o.sessions))
	default:
		o.log.Warn("conversation: session queue full, dropping session", "duration", s.Duration(), "capacity", cap(o.sessions))
		if o.metrics != nil {
			o.metrics.RecordQueueDrop(context.Background(), observe.QueueSession)
		}
	}
}

func (o *Orchestrator) voiceStopped() {
	if o.voiceActive.Swap(false) {
		o.events.emit(func(obs Observer) { obs.VoiceActivity(false) })
	}
	o.transition(StateListening, StateVoiceDetected)
}

// interrupt abandons the reply in progress: its remaining callbacks are
// ignored, its context is cancelled and queued playback is discarded.
func (o *Orchestrator) interrupt() {
	o.generation.Add(1)
	o.mu.Lock()
	cancel := o.cancelTurn
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.player.ForceStop()
	o.log.Info("conversation: barge-in, reply interrupted")
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Start moves to LISTENING and runs the transcription loop until ctx is
// cancelled or Stop is called. It returns nil after Stop and ctx.Err() when
// ctx ended the loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	o.running = true
	o.stopLoop = cancel
	o.done = make(chan struct{})
	done := o.done
	o.mu.Unlock()

	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		o.events.run(dispatchCtx)
	}()

	o.log.Info("conversation: listening")
	o.setState(StateListening)
	o.loop(loopCtx)
	o.setState(StateIdle)

	stopDispatch()
	<-dispatched

	o.mu.Lock()
	o.running = false
	o.stopLoop = nil
	o.mu.Unlock()
	close(done)
	cancel()

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Stop ends the loop. An in-flight turn gets ShutdownGrace to finish before
// it is abandoned; playback is then force-stopped. Stop returns ctx.Err() if
// ctx ends before the loop has exited.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	stop, done := o.stopLoop, o.done
	o.mu.Unlock()
	if stop == nil {
		o.player.ForceStop()
		return nil
	}
	stop()

	grace := time.NewTimer(o.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		o.log.Warn("conversation: turn still running after grace period, abandoning", "grace", o.cfg.ShutdownGrace)
		o.generation.Add(1)
		o.mu.Lock()
		if o.cancelTurn != nil {
			o.cancelTurn()
		}
		o.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			o.player.ForceStop()
			return fmt.Errorf("conversation: stop: %w", ctx.Err())
		}
	case <-ctx.Done():
		o.player.ForceStop()
		return fmt.Errorf("conversation: stop: %w", ctx.Err())
	}
	o.player.ForceStop()
	return nil
}

// ─── Turn processing ─────────────────────────────────────────────────────────

func (o *Orchestrator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-o.sessions:
			// The turn outlives ctx; Stop bounds it with the grace period.
			o.handle(context.WithoutCancel(ctx), s)
		}
	}
}

// handle runs one turn: transcribe, respond, wait for playback.
func (o *Orchestrator) handle(ctx context.Context, s vad.Session) {
	started := time.Now()
	ctx, span := observe.StartSpan(ctx, "conversation.turn")
	defer span.End()
	log := observe.Logger(ctx, o.log)

	text := o.transcribe(ctx, s)
	if text == "" {
		return
	}
	o.setState(StateProcessing)
	o.events.emit(func(obs Observer) { obs.Transcription(text) })
	o.history.AddUser(text)

	o.mu.Lock()
	prompt, voice := o.prompt, o.voice
	turnCtx, cancel := context.WithCancel(ctx)
	o.cancelTurn = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancelTurn = nil
		o.mu.Unlock()
		cancel()
	}()

	gen := o.generation.Add(1)
	current := func() bool { return o.generation.Load() == gen }
	o.transition(StateResponding, StateProcessing)

	res, err := o.responder.Respond(turnCtx, engine.Request{
		SystemPrompt: prompt,
		Messages:     o.history.Window(),
		Voice:        voice,
		OnText: func(c engine.Chunk) {
			if current() {
				o.events.emit(func(obs Observer) { obs.TextChunk(c.Text) })
			}
		},
		OnAudio: func(c engine.Chunk) {
			if !current() {
				return
			}
			if err := o.player.Enqueue(c.Audio); err != nil {
				if o.metrics != nil {
					o.metrics.RecordQueueDrop(ctx, observe.QueuePlayback)
				}
				return
			}
			o.events.emit(func(obs Observer) { obs.AudioChunk(c.Audio) })
		},
	})
	interrupted := !current()
	switch {
	case err != nil && !interrupted:
		log.Warn("conversation: response ended early", "err", err)
	case res.Fallback:
		log.Warn("conversation: model failed, apology spoken")
	}

	o.history.AddAssistant(res.Text)
	o.events.emit(func(obs Observer) { obs.TextComplete(res.Text) })

	if !interrupted {
		waitCtx, cancelWait := context.WithTimeout(turnCtx, o.cfg.AudioCompleteTimeout)
		if err := o.player.WaitIdle(waitCtx); err != nil && errors.Is(err, context.DeadlineExceeded) {
			log.Warn("conversation: playback did not finish in time", "timeout", o.cfg.AudioCompleteTimeout)
		}
		cancelWait()
		o.events.emit(func(obs Observer) { obs.AudioComplete() })
	}

	if o.metrics != nil {
		o.metrics.TurnDuration.Record(ctx, time.Since(started).Seconds())
	}
	log.Debug("conversation: turn complete",
		"user", text,
		"sentences", res.Sentences,
		"skipped", res.SkippedSentences,
		"interrupted", interrupted,
		"duration", time.Since(started),
	)
	o.transition(StateListening, StateResponding)
}

// transcribe returns the session's text, or "" when nothing usable came back.
func (o *Orchestrator) transcribe(ctx context.Context, s vad.Session) string {
	start := time.Now()
	tr, err := o.stt.Transcribe(ctx, s.PCM(), stt.Config{
		SampleRate: s.Format.SampleRate,
		Channels:   s.Format.Channels,
		Language:   o.cfg.Language,
	})
	if o.metrics != nil {
		o.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		o.log.Warn("conversation: transcription failed, skipping session", "err", err, "duration", s.Duration())
		if o.metrics != nil {
			o.metrics.RecordProviderRequest(ctx, o.sttName, "stt", "error")
			o.metrics.RecordProviderError(ctx, o.sttName, "stt")
		}
		return ""
	}
	if o.metrics != nil {
		o.metrics.RecordProviderRequest(ctx, o.sttName, "stt", "ok")
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		o.log.Debug("conversation: empty transcription, skipping session", "duration", s.Duration())
	}
	return text
}

// ─── State machine ───────────────────────────────────────────────────────────

func (o *Orchestrator) setState(to State) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.state != to {
		o.enter(to)
	}
}

// transition moves to to only when the current state is one of from.
func (o *Orchestrator) transition(to State, from ...State) bool {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.state == to || !slices.Contains(from, o.state) {
		return false
	}
	o.enter(to)
	return true
}

// enter records the new state and queues the notification. Called with
// stateMu held so notifications keep transition order.
func (o *Orchestrator) enter(to State) {
	o.state = to
	o.log.Debug("conversation: state changed", "state", to)
	o.events.emit(func(obs Observer) { obs.StateChanged(to) })
}
