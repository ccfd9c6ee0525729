package main

import (
	"fmt"
	"io"

	"github.com/datasciritwik/realtime/internal/conversation"
)

// console prints the conversation to a terminal: what was heard, the reply
// as it streams, and completion markers. All calls come from the
// orchestrator's single dispatch goroutine, so no locking is needed.
type console struct {
	w         io.Writer
	streaming bool
}

var _ conversation.Observer = (*console)(nil)

func newConsole(w io.Writer) *console { return &console{w: w} }

func (c *console) VoiceActivity(active bool) {
	if active {
		c.endLine()
		fmt.Fprintln(c.w, "🎤 listening…")
	}
}

func (c *console) Transcription(text string) {
	c.endLine()
	fmt.Fprintf(c.w, "you: %s\n", text)
}

func (c *console) TextChunk(text string) {
	if !c.streaming {
		fmt.Fprint(c.w, "assistant: ")
		c.streaming = true
	}
	fmt.Fprint(c.w, text)
}

func (c *console) TextComplete(text string) {
	if !c.streaming && text != "" {
		// Nothing was streamed; the fallback reply arrives whole.
		fmt.Fprintf(c.w, "assistant: %s", text)
		c.streaming = true
	}
	c.endLine()
}

func (c *console) AudioChunk([]byte) {}

func (c *console) AudioComplete() {
	c.endLine()
	fmt.Fprintln(c.w, "✓ done speaking")
}

func (c *console) StateChanged(conversation.State) {}

func (c *console) endLine() {
	if c.streaming {
		fmt.Fprintln(c.w)
		c.streaming = false
	}
}
