// Package session holds the in-memory conversation history of a running
// voice conversation.
//
// [History] records every completed user and assistant turn and hands the
// orchestrator a sliding window of the most recent turns for each model call.
// Nothing is persisted; the history lives until the process exits or
// [History.Reset] is called.
package session

import (
	"slices"
	"sync"
	"time"

	"github.com/datasciritwik/realtime/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers.
const charsPerToken = 4

// DefaultWindow is the number of turns sent to the model when no window is
// configured.
const DefaultWindow = 10

// Turn is one completed utterance in the conversation.
type Turn struct {
	// Role is types.RoleUser or types.RoleAssistant.
	Role string

	// Text is what was said (the transcription or the reply).
	Text string

	// At is when the turn was recorded.
	At time.Time
}

// Message converts the turn to an LLM message.
func (t Turn) Message() types.Message {
	return types.Message{Role: t.Role, Content: t.Text}
}

// History is an append-only list of turns with a sliding-window view.
//
// The window keeps the newest Window turns; when MaxTokens is positive it is
// trimmed further, oldest first, until its estimated token count fits. The
// newest turn is always kept.
//
// All methods are safe for concurrent use.
type History struct {
	window    int
	maxTokens int
	now       func() time.Time

	mu    sync.Mutex
	turns []Turn
}

// HistoryOption configures a [History].
type HistoryOption func(*History)

// WithMaxTokens caps the estimated token count of the window. Zero disables
// the cap.
func WithMaxTokens(n int) HistoryOption {
	return func(h *History) { h.maxTokens = n }
}

// WithClock overrides the time source used to stamp turns.
func WithClock(now func() time.Time) HistoryOption {
	return func(h *History) { h.now = now }
}

// NewHistory creates an empty history that exposes the newest window turns.
// A window of zero or less uses [DefaultWindow].
func NewHistory(window int, opts ...HistoryOption) *History {
	if window <= 0 {
		window = DefaultWindow
	}
	h := &History{window: window, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Add appends a turn. Empty text is ignored.
func (h *History) Add(role, text string) {
	if text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, Turn{Role: role, Text: text, At: h.now()})
}

// AddUser appends a user turn.
func (h *History) AddUser(text string) { h.Add(types.RoleUser, text) }

// AddAssistant appends an assistant turn.
func (h *History) AddAssistant(text string) { h.Add(types.RoleAssistant, text) }

// Turns returns a copy of every recorded turn, oldest first.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.turns)
}

// Len returns the number of recorded turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Window returns the most recent turns as LLM messages, oldest first. The
// returned slice is a snapshot owned by the caller.
func (h *History) Window() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := max(len(h.turns)-h.window, 0)
	if h.maxTokens > 0 {
		total := 0
		for i := len(h.turns) - 1; i >= start; i-- {
			total += estimateTokens(h.turns[i])
			if total > h.maxTokens && i < len(h.turns)-1 {
				start = i + 1
				break
			}
		}
	}

	out := make([]types.Message, 0, len(h.turns)-start)
	for _, t := range h.turns[start:] {
		out = append(out, t.Message())
	}
	return out
}

// Reset clears all turns.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// estimateTokens returns a rough token count for a turn using the
// 1-token-per-4-characters heuristic.
func estimateTokens(t Turn) int {
	chars := len(t.Text) + len(t.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
