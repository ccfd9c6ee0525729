// Package app wires all realtime subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the audio device and
// connects the detector, playback queue, responder and orchestrator; Run
// executes the capture, playback and conversation loops (plus the optional
// HTTP server); Shutdown tears everything down with the device last.
//
// For testing, inject a mock device via [WithDevice]. When no device is
// provided, New opens the local sound card from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datasciritwik/realtime/internal/config"
	"github.com/datasciritwik/realtime/internal/conversation"
	"github.com/datasciritwik/realtime/internal/engine/dualstream"
	"github.com/datasciritwik/realtime/internal/health"
	"github.com/datasciritwik/realtime/internal/observe"
	"github.com/datasciritwik/realtime/internal/resilience"
	"github.com/datasciritwik/realtime/internal/vad"
	"github.com/datasciritwik/realtime/pkg/audio"
	"github.com/datasciritwik/realtime/pkg/audio/local"
	providervad "github.com/datasciritwik/realtime/pkg/provider/vad"
)

// httpShutdownTimeout bounds the HTTP server's graceful shutdown.
const httpShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the voice loop.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics
	observer  conversation.Observer

	device         audio.Device
	detector       *vad.Detector
	player         *audio.PlaybackQueue
	capture        *conversation.CaptureLoop
	orch           *conversation.Orchestrator
	metricsHandler http.Handler
	server         *http.Server

	captureDone atomic.Bool

	// closers are called in order during Shutdown; the device is always last.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects an audio device instead of opening the sound card.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithObserver registers the conversation observer.
func WithObserver(obs conversation.Observer) Option {
	return func(a *App) { a.observer = obs }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics sets the metric instruments. Default is observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go (built via [BuildProviders]).
//
// Echo suppression is wired here: every playback state transition is
// mirrored into the detector before the next frame is classified.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Audio device ──────────────────────────────────────────────────
	if err := a.initDevice(); err != nil {
		return nil, err
	}
	// From here on a failure must release the device.
	ok := false
	defer func() {
		if !ok {
			a.closeAll()
		}
	}()

	frame := cfg.Audio.Frame()

	// ── 2. Frame classifier ──────────────────────────────────────────────
	cls, err := providers.VAD.NewClassifier(providervad.Config{
		SampleRate:     frame.SampleRate,
		FrameSizeMs:    frame.FrameMs,
		Aggressiveness: cfg.VAD.Aggressiveness,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create classifier: %w", err)
	}

	// ── 3. Playback queue ────────────────────────────────────────────────
	a.player = audio.NewPlaybackQueue(a.device,
		audio.WithQueueSize(cfg.Audio.PlaybackQueueSize),
		audio.WithTrailingSilence(cfg.Audio.TrailingSilence),
		audio.WithPlaybackLogger(a.log),
		audio.WithDropHook(func() {
			a.metrics.RecordQueueDrop(context.Background(), observe.QueuePlayback)
		}),
	)

	// ── 4. Responder + orchestrator ──────────────────────────────────────
	responder := dualstream.New(providers.LLM, providers.TTS,
		dualstream.WithPlaybackRate(frame.SampleRate),
		dualstream.WithMaxTokens(cfg.Conversation.MaxTokens),
		dualstream.WithTemperature(cfg.Conversation.Temperature),
		dualstream.WithMetrics(a.metrics),
		dualstream.WithProviderNames(providers.LLMName, providers.TTSName),
		dualstream.WithLogger(a.log),
	)

	c := cfg.Conversation
	orchOpts := []conversation.Option{
		conversation.WithLogger(a.log),
		conversation.WithMetrics(a.metrics),
		conversation.WithSTTName(providers.STTName),
	}
	if a.observer != nil {
		orchOpts = append(orchOpts, conversation.WithObserver(a.observer))
	}
	a.orch, err = conversation.New(conversation.Deps{
		STT:       providers.STT,
		Responder: responder,
		Player:    a.player,
	}, conversation.Config{
		SystemPrompt:         c.SystemPrompt,
		Voice:                c.Voice.Profile(),
		Language:             c.Language,
		HistoryWindow:        c.HistoryWindow,
		HistoryMaxTokens:     c.HistoryMaxTokens,
		SessionQueueSize:     c.SessionQueueSize,
		BargeIn:              c.BargeIn,
		ShutdownGrace:        c.ShutdownGrace,
		AudioCompleteTimeout: c.AudioCompleteTimeout,
	}, orchOpts...)
	if err != nil {
		_ = cls.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 5. Voice activity detector ───────────────────────────────────────
	v := cfg.VAD
	a.detector, err = vad.New(cls, vad.Config{
		Frame:              frame,
		StartThreshold:     v.StartThreshold,
		EndThreshold:       v.EndThreshold,
		MaxSilenceDuration: v.MaxSilenceDuration,
		MinVoiceDuration:   v.MinVoiceDuration,
		PreRollFrames:      v.PreRollFrames,
		MaxSessionFrames:   v.MaxSessionFrames,
	},
		vad.WithListener(a.orch.Listener()),
		vad.WithLogger(a.log),
		vad.WithMetrics(a.metrics),
	)
	if err != nil {
		_ = cls.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, a.detector.Close)

	// ── 6. Echo suppression ──────────────────────────────────────────────
	a.player.OnStateChange(a.detector.SetOutputActive)
	a.player.OnStateChange(func(active bool) {
		a.metrics.RecordPlayback(context.Background(), active)
	})

	// ── 7. Capture loop ──────────────────────────────────────────────────
	a.capture = conversation.NewCaptureLoop(a.device, a.detector,
		conversation.WithFrameHook(a.orch.ObserveFrame),
		conversation.WithCaptureLogger(a.log),
	)

	// ── 8. Provider resources ────────────────────────────────────────────
	for _, p := range []any{providers.LLM, providers.STT, providers.TTS, providers.VAD} {
		if closer, isCloser := p.(io.Closer); isCloser {
			a.closers = append(a.closers, closer.Close)
		}
	}

	// ── 9. HTTP server ───────────────────────────────────────────────────
	if addr := cfg.Server.ListenAddr; addr != "" {
		a.server = &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	ok = true
	return a, nil
}

// initDevice opens the local sound card unless a device was injected.
func (a *App) initDevice() error {
	if a.device != nil {
		return nil
	}
	dev, err := local.Open(local.Config{
		Frame:          a.cfg.Audio.Frame(),
		CaptureDevice:  a.cfg.Audio.Device,
		PlaybackDevice: a.cfg.Audio.Device,
		// Unplayed audio must drain within the trailing-silence window, or
		// the detector unmutes while the speaker is still talking.
		OutputBuffer:   min(200*time.Millisecond, a.cfg.Audio.TrailingSilence/2),
	}, local.WithLogger(a.log))
	if err != nil {
		return fmt.Errorf("app: open audio device: %w", err)
	}
	a.device = dev
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the conversation orchestrator, for hot reloads and
// the console.
func (a *App) Orchestrator() *conversation.Orchestrator { return a.orch }

// Detector returns the voice activity detector.
func (a *App) Detector() *vad.Detector { return a.detector }

// Handler returns the HTTP handler serving /healthz, /readyz and, when a
// metrics handler was supplied, /metrics, wrapped in the observe middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers(), health.WithInfo(a.info)).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) checkers() []health.Checker {
	checks := []health.Checker{{
		Name: "capture",
		Check: func(context.Context) error {
			if a.captureDone.Load() {
				return errors.New("capture loop stopped")
			}
			return nil
		},
	}}
	for _, p := range []struct {
		name     string
		provider any
	}{
		{"llm", a.providers.LLM},
		{"stt", a.providers.STT},
		{"tts", a.providers.TTS},
	} {
		if s, ok := p.provider.(statusReporter); ok {
			checks = append(checks, health.Checker{Name: p.name, Check: breakerCheck(s)})
		}
	}
	return checks
}

// statusReporter is implemented by the resilience failover wrappers.
type statusReporter interface {
	Status() []resilience.EntryStatus
}

// breakerCheck fails when every backend's circuit breaker is open.
func breakerCheck(s statusReporter) func(context.Context) error {
	return func(context.Context) error {
		status := s.Status()
		for _, e := range status {
			if e.State != resilience.StateOpen {
				return nil
			}
		}
		return fmt.Errorf("all %d backends have an open circuit breaker", len(status))
	}
}

func (a *App) info() map[string]string {
	return map[string]string{
		"state":            a.orch.State().String(),
		"vad_state":        a.detector.State().String(),
		"frames":           strconv.FormatInt(a.capture.Frames(), 10),
		"read_errors":      strconv.FormatInt(a.capture.ReadErrors(), 10),
		"pending_sessions": strconv.Itoa(a.orch.Pending()),
		"playing":          strconv.FormatBool(a.player.IsPlaying()),
		"playback_dropped": strconv.FormatInt(a.player.Dropped(), 10),
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the capture, playback and conversation loops and blocks until
// ctx is cancelled or a loop fails. When ctx ends, the orchestrator is given
// its shutdown grace to finish the turn in flight while playback keeps
// draining; capture stops immediately. Run returns ctx.Err() after a
// cancellation.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The conversation and playback loops outlive gctx until Stop returns.
	convCtx, stopConv := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConv()

	g.Go(func() error {
		defer a.captureDone.Store(true)
		return ignoreCanceled(a.capture.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(a.player.Run(convCtx))
	})
	g.Go(func() error {
		return ignoreCanceled(a.orch.Start(convCtx))
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Conversation.ShutdownGrace+time.Second)
		defer cancel()
		if err := a.orch.Stop(stopCtx); err != nil {
			a.log.Warn("conversation stop error", "err", err)
		}
		stopConv()
		return nil
	})

	if a.server != nil {
		g.Go(func() error {
			a.log.Info("http server listening", "addr", a.server.Addr)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = a.server.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	a.log.Info("app running",
		"sample_rate", a.cfg.Audio.SampleRate,
		"frame_ms", a.cfg.Audio.FrameMs,
		"barge_in", a.cfg.Conversation.BargeIn,
	)
	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order, device last. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers except the device are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			if ctx.Err() != nil {
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				break
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		if err := a.device.Close(); err != nil {
			a.log.Warn("audio device close error", "err", err)
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New had built before it failed.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	if a.device != nil {
		_ = a.device.Close()
	}
}
