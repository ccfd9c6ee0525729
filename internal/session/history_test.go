package session

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datasciritwik/realtime/pkg/types"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		turn    Turn
		wantMin int
		wantMax int
	}{
		{name: "empty turn", turn: Turn{}, wantMin: 0, wantMax: 0},
		{name: "short turn", turn: Turn{Role: "user", Text: "Hi"}, wantMin: 1, wantMax: 2},
		{name: "long turn", turn: Turn{Role: "assistant", Text: strings.Repeat("a", 400)}, wantMin: 100, wantMax: 110},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := estimateTokens(tt.turn)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("estimateTokens() = %d, want [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestHistory_AddAndTurns(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := NewHistory(10, WithClock(func() time.Time { return at }))
	h.AddUser("hello")
	h.AddAssistant("hi there")
	h.AddUser("")

	turns := h.Turns()
	if len(turns) != 2 {
		t.Fatalf("len = %d, want 2 (empty text ignored)", len(turns))
	}
	if turns[0].Role != types.RoleUser || turns[1].Role != types.RoleAssistant {
		t.Errorf("roles = %q, %q", turns[0].Role, turns[1].Role)
	}
	if !turns[0].At.Equal(at) {
		t.Errorf("At = %v, want %v", turns[0].At, at)
	}

	turns[0].Text = "mutated"
	if h.Turns()[0].Text != "hello" {
		t.Error("Turns returned shared storage")
	}
}

func TestHistory_WindowDropsOldestFirst(t *testing.T) {
	t.Parallel()

	h := NewHistory(4)
	for i := range 7 {
		h.AddUser(fmt.Sprintf("turn %d", i))
	}

	got := h.Window()
	if len(got) != 4 {
		t.Fatalf("window len = %d, want 4", len(got))
	}
	for i, m := range got {
		if want := fmt.Sprintf("turn %d", i+3); m.Content != want {
			t.Errorf("window[%d] = %q, want %q", i, m.Content, want)
		}
	}
	if h.Len() != 7 {
		t.Errorf("Len = %d, full history must be retained", h.Len())
	}
}

func TestHistory_WindowShorterThanLimit(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	h.AddUser("only")
	got := h.Window()
	if len(got) != 1 || got[0].Content != "only" || got[0].Role != types.RoleUser {
		t.Errorf("Window() = %+v", got)
	}
	if h.window != DefaultWindow {
		t.Errorf("window = %d, want default %d", h.window, DefaultWindow)
	}
}

func TestHistory_WindowTokenCap(t *testing.T) {
	t.Parallel()

	h := NewHistory(10, WithMaxTokens(30))
	h.AddUser(strings.Repeat("a", 80))      // ~21 tokens
	h.AddAssistant(strings.Repeat("b", 40)) // ~12 tokens
	h.AddUser(strings.Repeat("c", 40))      // ~11 tokens

	got := h.Window()
	if len(got) != 2 {
		t.Fatalf("window len = %d, want 2", len(got))
	}
	if got[0].Content[0] != 'b' || got[1].Content[0] != 'c' {
		t.Errorf("unexpected window order: %q, %q", got[0].Content[:1], got[1].Content[:1])
	}
}

func TestHistory_TokenCapKeepsNewestTurn(t *testing.T) {
	t.Parallel()

	h := NewHistory(10, WithMaxTokens(5))
	h.AddUser("short")
	h.AddUser(strings.Repeat("x", 400))

	got := h.Window()
	if len(got) != 1 || len(got[0].Content) != 400 {
		t.Errorf("Window() kept %d turns, want only the newest", len(got))
	}
}

func TestHistory_Reset(t *testing.T) {
	t.Parallel()

	h := NewHistory(3)
	h.AddUser("a")
	h.AddAssistant("b")
	h.Reset()
	if h.Len() != 0 || len(h.Window()) != 0 {
		t.Error("history not empty after Reset")
	}
}

func TestHistory_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	h := NewHistory(5)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				h.Add(types.RoleUser, fmt.Sprintf("%d-%d", i, j))
				_ = h.Window()
			}
		}()
	}
	wg.Wait()
	if h.Len() != 400 {
		t.Errorf("Len = %d, want 400", h.Len())
	}
	if len(h.Window()) != 5 {
		t.Errorf("window len = %d, want 5", len(h.Window()))
	}
}
