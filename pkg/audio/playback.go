package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueFull is returned by [PlaybackQueue.Enqueue] when the queue is at
// capacity. The rejected buffer is dropped.
var ErrQueueFull = errors.New("audio: playback queue full")

const (
	defaultQueueSize       = 64
	defaultTrailingSilence = 300 * time.Millisecond
	defaultPollInterval    = 100 * time.Millisecond
)

// PlaybackOption is a functional option for [NewPlaybackQueue].
type PlaybackOption func(*PlaybackQueue)

// WithQueueSize sets the number of buffers the queue holds before dropping.
func WithQueueSize(n int) PlaybackOption {
	return func(q *PlaybackQueue) {
		if n > 0 {
			q.size = n
		}
	}
}

// WithTrailingSilence sets how long the queue must stay empty after the last
// write before playback is considered finished.
func WithTrailingSilence(d time.Duration) PlaybackOption {
	return func(q *PlaybackQueue) {
		if d > 0 {
			q.trailing = d
		}
	}
}

// WithPollInterval sets how long the drain loop waits for a buffer before
// re-checking the trailing-silence deadline.
func WithPollInterval(d time.Duration) PlaybackOption {
	return func(q *PlaybackQueue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithPlaybackLogger sets the logger. Defaults to slog.Default().
func WithPlaybackLogger(l *slog.Logger) PlaybackOption {
	return func(q *PlaybackQueue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithDropHook registers fn to be called each time a buffer is dropped
// because the queue is full.
func WithDropHook(fn func()) PlaybackOption {
	return func(q *PlaybackQueue) { q.onDrop = fn }
}

// PlaybackQueue is a bounded FIFO of PCM buffers drained into a sink by
// [PlaybackQueue.Run].
//
// The queue tracks whether the speaker is active: it becomes active just
// before the first write after idle and inactive once no write has happened
// for the trailing-silence window (or on [PlaybackQueue.ForceStop]). Every
// transition is delivered synchronously to the registered state observers
// before the drain loop proceeds, so an observer such as the voice detector
// sees the new state before the next captured frame is classified.
//
// Enqueue, ForceStop, IsPlaying, Len and OnStateChange are safe for
// concurrent use. Run must be called at most once.
type PlaybackQueue struct {
	sink     io.Writer
	size     int
	trailing time.Duration
	poll     time.Duration
	log      *slog.Logger
	onDrop   func()

	queue   chan queued
	stops   atomic.Uint64 // ForceStop generation
	dropped atomic.Int64
	pending atomic.Int64 // enqueued and not yet written or discarded

	transition sync.Mutex // serialises setPlaying

	mu        sync.Mutex
	playing   bool
	lastWrite time.Time
	observers []func(active bool)
}

// queued is a buffer stamped with the ForceStop generation it was
// enqueued in.
type queued struct {
	pcm []byte
	gen uint64
}

// NewPlaybackQueue creates a queue that drains into sink.
func NewPlaybackQueue(sink io.Writer, opts ...PlaybackOption) *PlaybackQueue {
	q := &PlaybackQueue{
		sink:     sink,
		size:     defaultQueueSize,
		trailing: defaultTrailingSilence,
		poll:     defaultPollInterval,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	q.queue = make(chan queued, q.size)
	return q
}

// OnStateChange registers fn to receive every playing/idle transition.
// Observers are called synchronously on the goroutine making the transition
// and must not block.
func (q *PlaybackQueue) OnStateChange(fn func(active bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, fn)
}

// Enqueue adds pcm to the tail of the queue without blocking. When the queue
// is full, pcm is dropped, a warning is logged and [ErrQueueFull] is returned.
func (q *PlaybackQueue) Enqueue(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	q.pending.Add(1)
	select {
	case q.queue <- queued{pcm: pcm, gen: q.stops.Load()}:
		return nil
	default:
		q.pending.Add(-1)
		q.dropped.Add(1)
		q.log.Warn("playback queue full, dropping audio", "bytes", len(pcm), "capacity", q.size)
		if q.onDrop != nil {
			q.onDrop()
		}
		return ErrQueueFull
	}
}

// Run drains the queue into the sink until ctx is cancelled. On exit the
// queue transitions to idle.
func (q *PlaybackQueue) Run(ctx context.Context) error {
	timer := time.NewTimer(q.poll)
	defer timer.Stop()
	defer q.setPlaying(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case b := <-q.queue:
			q.play(b)

		case <-timer.C:
			q.mu.Lock()
			expired := q.playing && time.Since(q.lastWrite) > q.trailing
			q.mu.Unlock()
			if expired {
				q.setPlaying(false)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.poll)
	}
}

// play writes one buffer unless a ForceStop happened since it was queued.
func (q *PlaybackQueue) play(b queued) {
	defer q.pending.Add(-1)
	if b.gen != q.stops.Load() {
		return
	}
	q.setPlaying(true)
	if _, err := q.sink.Write(b.pcm); err != nil {
		q.log.Warn("playback write failed", "err", err, "bytes", len(b.pcm))
	}
	if b.gen != q.stops.Load() {
		// Stopped mid-write: whatever reached the sink after its flush goes too.
		q.flush()
		q.setPlaying(false)
		return
	}
	q.mu.Lock()
	q.lastWrite = time.Now()
	q.mu.Unlock()
}

func (q *PlaybackQueue) flush() {
	if f, ok := q.sink.(Flusher); ok {
		f.Flush()
	}
}

// ForceStop discards all pending buffers, including one the drain loop is
// about to write, flushes the sink when it supports [Flusher], and
// transitions to idle.
func (q *PlaybackQueue) ForceStop() {
	q.stops.Add(1)
	n := 0
	for {
		select {
		case <-q.queue:
			n++
			q.pending.Add(-1)
			continue
		default:
		}
		break
	}
	q.flush()
	q.setPlaying(false)
	q.log.Debug("playback force-stopped", "discarded", n)
}

// IsPlaying reports whether audio has been written within the trailing
// silence window.
func (q *PlaybackQueue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of pending buffers.
func (q *PlaybackQueue) Len() int { return len(q.queue) }

// Dropped returns the number of buffers rejected because the queue was full.
func (q *PlaybackQueue) Dropped() int64 { return q.dropped.Load() }

// WaitIdle blocks until the queue is empty and not playing, or ctx is done.
func (q *PlaybackQueue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(max(q.poll/2, time.Millisecond))
	defer ticker.Stop()
	for {
		if q.pending.Load() == 0 && !q.IsPlaying() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// setPlaying notifies observers of a transition before publishing it, so
// anyone who sees the new IsPlaying value knows the observers already ran.
func (q *PlaybackQueue) setPlaying(v bool) {
	q.transition.Lock()
	defer q.transition.Unlock()

	q.mu.Lock()
	if q.playing == v {
		q.mu.Unlock()
		return
	}
	observers := slices.Clone(q.observers)
	q.mu.Unlock()

	q.log.Debug("playback state changed", "playing", v)
	for _, fn := range observers {
		fn(v)
	}

	q.mu.Lock()
	q.playing = v
	if v {
		q.lastWrite = time.Now()
	}
	q.mu.Unlock()
}
