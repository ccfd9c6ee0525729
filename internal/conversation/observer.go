package conversation

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// State is the orchestrator's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateVoiceDetected
	StateProcessing
	StateResponding
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateVoiceDetected:
		return "VOICE_DETECTED"
	case StateProcessing:
		return "PROCESSING"
	case StateResponding:
		return "RESPONDING"
	default:
		return "UNKNOWN"
	}
}

// Observer receives conversation notifications. Calls are made from a single
// dispatch goroutine in emission order; a slow observer delays later
// notifications but never the audio loops.
type Observer interface {
	VoiceActivity(active bool)
	Transcription(text string)
	TextChunk(text string)
	TextComplete(text string)
	AudioChunk(pcm []byte)
	AudioComplete()
	StateChanged(s State)
}

// ObserverFuncs adapts optional functions to [Observer]. Nil fields are
// skipped.
type ObserverFuncs struct {
	OnVoiceActivity func(active bool)
	OnTranscription func(text string)
	OnTextChunk     func(text string)
	OnTextComplete  func(text string)
	OnAudioChunk    func(pcm []byte)
	OnAudioComplete func()
	OnStateChanged  func(s State)
}

var _ Observer = ObserverFuncs{}

func (f ObserverFuncs) VoiceActivity(active bool) {
	if f.OnVoiceActivity != nil {
		f.OnVoiceActivity(active)
	}
}

func (f ObserverFuncs) Transcription(text string) {
	if f.OnTranscription != nil {
		f.OnTranscription(text)
	}
}

func (f ObserverFuncs) TextChunk(text string) {
	if f.OnTextChunk != nil {
		f.OnTextChunk(text)
	}
}

func (f ObserverFuncs) TextComplete(text string) {
	if f.OnTextComplete != nil {
		f.OnTextComplete(text)
	}
}

func (f ObserverFuncs) AudioChunk(pcm []byte) {
	if f.OnAudioChunk != nil {
		f.OnAudioChunk(pcm)
	}
}

func (f ObserverFuncs) AudioComplete() {
	if f.OnAudioComplete != nil {
		f.OnAudioComplete()
	}
}

func (f ObserverFuncs) StateChanged(s State) {
	if f.OnStateChanged != nil {
		f.OnStateChanged(s)
	}
}

// ─── dispatcher ──────────────────────────────────────────────────────────────

// dispatcher queues notifications on a bounded channel and delivers them on
// one goroutine. emit never blocks; when the buffer is full the event is
// dropped.
type dispatcher struct {
	obs     Observer
	events  chan func(Observer)
	log     *slog.Logger
	dropped atomic.Int64
}

func newDispatcher(obs Observer, size int, log *slog.Logger) *dispatcher {
	return &dispatcher{obs: obs, events: make(chan func(Observer), size), log: log}
}

func (d *dispatcher) emit(fn func(Observer)) {
	if d.obs == nil {
		return
	}
	select {
	case d.events <- fn:
	default:
		if d.dropped.Add(1) == 1 || d.dropped.Load()%100 == 0 {
			d.log.Warn("conversation: observer lagging, dropping notification", "dropped", d.dropped.Load())
		}
	}
}

// run delivers events until ctx is done, then flushes what is buffered.
func (d *dispatcher) run(ctx context.Context) {
	for {
		select {
		case fn := <-d.events:
			fn(d.obs)
		case <-ctx.Done():
			for {
				select {
				case fn := <-d.events:
					fn(d.obs)
				default:
					return
				}
			}
		}
	}
}
