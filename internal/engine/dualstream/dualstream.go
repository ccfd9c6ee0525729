// Package dualstream implements a Responder that produces text and speech
// concurrently from a single LLM completion.
//
// # Architecture
//
// Two producers share one append-only text log:
//
//  1. The token producer streams the completion, appends every delta to the
//     log and forwards it to Request.OnText immediately.
//  2. The speech producer reads the log through its own cursor, cuts complete
//     sentences at the leftmost '.', '!' or '?', synthesises each one,
//     resamples it to the playback rate and hands it to Request.OnAudio.
//
// The speech producer waits for new text with an exponential back-off that
// is cut short whenever the token producer appends. When the log is complete
// any residual text without a terminator is spoken as a final sentence.
//
// A failure of the model yields a short apology that is spoken instead of an
// empty reply; a failure to synthesise one sentence skips that sentence only.
package dualstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datasciritwik/realtime/internal/engine"
	"github.com/datasciritwik/realtime/internal/observe"
	"github.com/datasciritwik/realtime/pkg/audio"
	"github.com/datasciritwik/realtime/pkg/provider/llm"
	"github.com/datasciritwik/realtime/pkg/provider/tts"
)

// sentenceTerminators is the set of characters that end a sentence. The
// leftmost occurrence of any of them wins.
const sentenceTerminators = ".!?"

const (
	defaultPlaybackRate = 16000
	defaultPollInitial  = 10 * time.Millisecond
	defaultPollMax      = 200 * time.Millisecond
	defaultMaxTokens    = 150
	defaultTemperature  = 0.7
)

// Compile-time assertion that Responder satisfies engine.Responder.
var _ engine.Responder = (*Responder)(nil)

// Option is a functional option for configuring a Responder during construction.
type Option func(*Responder)

// WithPlaybackRate sets the sample rate audio chunks are resampled to.
// Default is 16000.
func WithPlaybackRate(hz int) Option {
	return func(r *Responder) {
		if hz > 0 {
			r.playbackRate = hz
		}
	}
}

// WithPollInterval sets the speech producer's back-off bounds. The wait
// starts at initial, doubles while no text arrives, and is capped at max.
func WithPollInterval(initial, max time.Duration) Option {
	return func(r *Responder) {
		if initial > 0 {
			r.pollInitial = initial
		}
		if max >= r.pollInitial {
			r.pollMax = max
		}
	}
}

// WithMaxTokens caps the completion length. Zero leaves the provider default.
func WithMaxTokens(n int) Option {
	return func(r *Responder) { r.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *Responder) { r.temperature = t }
}

// WithMetrics records LLM and TTS latencies and errors on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Responder) { r.metrics = m }
}

// WithProviderNames sets the provider labels used on metrics.
func WithProviderNames(llmName, ttsName string) Option {
	return func(r *Responder) {
		r.llmName, r.ttsName = llmName, ttsName
	}
}

// WithLogger sets the base logger; turn logs add the trace and span IDs.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) { r.log = l }
}

// Responder implements [engine.Responder] on an LLM and a TTS provider.
// It is safe for concurrent use; each Respond call owns its own state.
type Responder struct {
	llmP llm.Provider
	ttsP tts.Provider

	playbackRate int
	pollInitial  time.Duration
	pollMax      time.Duration
	maxTokens    int
	temperature  float64

	metrics *observe.Metrics
	log     *slog.Logger
	llmName string
	ttsName string
}

// New constructs a Responder. Options are applied after the defaults.
func New(llmP llm.Provider, ttsP tts.Provider, opts ...Option) *Responder {
	r := &Responder{
		llmP:         llmP,
		ttsP:         ttsP,
		playbackRate: defaultPlaybackRate,
		pollInitial:  defaultPollInitial,
		pollMax:      defaultPollMax,
		maxTokens:    defaultMaxTokens,
		temperature:  defaultTemperature,
		llmName:      "llm",
		ttsName:      "tts",
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ─── Responder interface ─────────────────────────────────────────────────────

// Respond runs both producers and returns when both have finished. The
// returned error is non-nil only when ctx was cancelled.
func (r *Responder) Respond(ctx context.Context, req engine.Request) (engine.Result, error) {
	ctx, span := observe.StartSpan(ctx, "dualstream.Respond")
	defer span.End()

	t := &turn{
		r:   r,
		req: req,
		log: newTextLog(),
		lg:  observe.Logger(ctx, r.log),
	}

	var g errgroup.Group
	g.Go(func() error { return t.produceTokens(ctx) })
	g.Go(func() error { return t.produceSpeech(ctx) })
	err := g.Wait()

	res := engine.Result{
		Text:             t.log.String(),
		Fallback:         t.fallback,
		Sentences:        t.spoken,
		SkippedSentences: t.skipped,
	}
	if err != nil {
		return res, err
	}
	return res, ctx.Err()
}

// turn is the state of one Respond call. textSeq and fallback are owned by
// the token producer; spoken, skipped and audioSeq by the speech producer.
// The errgroup's Wait orders both before Respond reads them.
type turn struct {
	r   *Responder
	req engine.Request
	log *textLog
	lg  *slog.Logger

	textSeq  int
	fallback bool

	audioSeq int
	spoken   int
	skipped  int
}

// ─── Token producer ──────────────────────────────────────────────────────────

// produceTokens streams the completion into the log. It always marks the log
// complete before returning.
func (t *turn) produceTokens(ctx context.Context) error {
	defer t.log.finish()

	start := time.Now()
	ch, err := t.r.llmP.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: t.req.SystemPrompt,
		Messages:     t.req.Messages,
		MaxTokens:    t.r.maxTokens,
		Temperature:  t.r.temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.lg.Error("dualstream: completion failed to start", "err", err)
		t.providerError(ctx, t.r.llmName, "llm")
		t.useFallback()
		return nil
	}

	produced, failed := false, false
	for c := range ch {
		if c.IsError() {
			failed = true
			t.lg.Error("dualstream: completion stream failed", "err", c.Text)
			continue
		}
		if c.Text == "" {
			continue
		}
		if !produced {
			produced = true
			if m := t.r.metrics; m != nil {
				m.LLMFirstToken.Record(ctx, time.Since(start).Seconds())
			}
		}
		t.log.append(c.Text)
		t.emitText(c.Text)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if m := t.r.metrics; m != nil {
		m.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	switch {
	case failed:
		t.providerError(ctx, t.r.llmName, "llm")
		if !produced {
			t.useFallback()
		}
	case !produced:
		t.lg.Warn("dualstream: completion produced no text")
	default:
		t.providerRequest(ctx, t.r.llmName, "llm")
	}
	return nil
}

func (t *turn) useFallback() {
	t.fallback = true
	t.log.append(engine.FallbackText)
	t.emitText(engine.FallbackText)
}

func (t *turn) emitText(s string) {
	if t.req.OnText != nil {
		t.req.OnText(engine.Chunk{Kind: engine.ChunkText, Text: s, Sequence: t.textSeq, Timestamp: time.Now()})
	}
	t.textSeq++
}

// ─── Speech producer ─────────────────────────────────────────────────────────

// produceSpeech reads the log, synthesising sentences as they complete.
func (t *turn) produceSpeech(ctx context.Context) error {
	var (
		cursor  int
		pending string
		delay   = t.r.pollInitial
		timer   = time.NewTimer(delay)
	)
	defer timer.Stop()

	for {
		text, done := t.log.since(&cursor)
		if text != "" {
			pending += text
			delay = t.r.pollInitial
		}

		for {
			sentence, rest, ok := nextSentence(pending)
			if !ok {
				break
			}
			pending = rest
			if isEmptySentence(sentence) {
				continue
			}
			if err := t.speak(ctx, sentence); err != nil {
				return err
			}
		}

		if done {
			if residual := strings.TrimSpace(pending); !isEmptySentence(residual) {
				return t.speak(ctx, residual)
			}
			return nil
		}

		if text == "" {
			delay = min(delay*2, t.r.pollMax)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.log.notify:
		case <-timer.C:
		}
	}
}

// speak synthesises one sentence and emits it. Synthesis failures are logged
// and skipped; only cancellation is returned.
func (t *turn) speak(ctx context.Context, sentence string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	sp, err := t.r.ttsP.Synthesize(ctx, sentence, t.req.Voice)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.skipped++
		t.providerError(ctx, t.r.ttsName, "tts")
		t.lg.Warn("dualstream: synthesis failed, skipping sentence", "sentence", sentence, "err", err)
		return nil
	}
	if m := t.r.metrics; m != nil {
		m.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	t.providerRequest(ctx, t.r.ttsName, "tts")

	pcm, err := t.r.resample(sp)
	if err != nil {
		t.skipped++
		t.lg.Warn("dualstream: cannot resample sentence", "sentence", sentence, "err", err)
		return nil
	}
	if len(pcm) == 0 {
		t.skipped++
		return nil
	}

	t.spoken++
	if t.req.OnAudio != nil {
		t.req.OnAudio(engine.Chunk{
			Kind:      engine.ChunkAudio,
			Text:      sentence,
			Audio:     pcm,
			Sequence:  t.audioSeq,
			Timestamp: time.Now(),
		})
	}
	t.audioSeq++
	return nil
}

// resample converts synthesised speech to the playback rate. Speech with no
// declared rate is assumed to already be at the playback rate.
func (r *Responder) resample(sp tts.Speech) ([]byte, error) {
	rate := sp.SampleRate
	if rate == 0 {
		rate = r.playbackRate
	}
	if rate < 0 {
		return nil, fmt.Errorf("dualstream: invalid sample rate %d", rate)
	}
	if len(sp.PCM)%2 != 0 {
		return nil, errors.New("dualstream: odd PCM length")
	}
	return audio.ResampleMono16(sp.PCM, rate, r.playbackRate), nil
}

// ─── Internal helpers ────────────────────────────────────────────────────────

func (t *turn) providerRequest(ctx context.Context, provider, kind string) {
	if t.r.metrics != nil {
		t.r.metrics.RecordProviderRequest(ctx, provider, kind, "ok")
	}
}

func (t *turn) providerError(ctx context.Context, provider, kind string) {
	if t.r.metrics != nil {
		t.r.metrics.RecordProviderRequest(ctx, provider, kind, "error")
		t.r.metrics.RecordProviderError(ctx, provider, kind)
	}
}
