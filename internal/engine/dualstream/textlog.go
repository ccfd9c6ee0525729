package dualstream

import (
	"strings"
	"sync"
)

// textLog is an append-only text buffer with a completion flag, written by
// the token producer and read through a private cursor by the speech
// producer. Every append or finish signals notify without blocking.
type textLog struct {
	mu     sync.Mutex
	buf    strings.Builder
	done   bool
	notify chan struct{}
}

func newTextLog() *textLog {
	return &textLog{notify: make(chan struct{}, 1)}
}

func (l *textLog) append(s string) {
	if s == "" {
		return
	}
	l.mu.Lock()
	l.buf.WriteString(s)
	l.mu.Unlock()
	l.signal()
}

func (l *textLog) finish() {
	l.mu.Lock()
	l.done = true
	l.mu.Unlock()
	l.signal()
}

func (l *textLog) signal() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// since returns the text written after *cursor, advances the cursor, and
// reports whether the log was complete at the time of the read.
func (l *textLog) since(cursor *int) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.buf.String()
	if *cursor >= len(s) {
		return "", l.done
	}
	out := s[*cursor:]
	*cursor = len(s)
	return out, l.done
}

// String returns everything written so far.
func (l *textLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

// nextSentence splits s at its leftmost terminator. The returned sentence
// includes the terminator and is trimmed; rest has its leading space removed.
func nextSentence(s string) (sentence, rest string, ok bool) {
	idx := strings.IndexAny(s, sentenceTerminators)
	if idx < 0 {
		return "", s, false
	}
	return strings.TrimSpace(s[:idx+1]), strings.TrimLeft(s[idx+1:], " \t\r\n"), true
}

// isEmptySentence reports whether s holds nothing but whitespace and
// terminators, as left over by "..." or "?!".
func isEmptySentence(s string) bool {
	return strings.Trim(s, sentenceTerminators+" \t\r\n") == ""
}
