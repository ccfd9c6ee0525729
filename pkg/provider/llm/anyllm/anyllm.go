// Package anyllm adapts github.com/mozilla-ai/any-llm-go to llm.Provider so
// the responder can stream replies from hosted and local chat backends that
// are not reached through the dedicated openai package.
//
// The backend name picks an any-llm-go provider; credentials and base URLs
// are passed through as any-llm-go options, and each backend falls back to
// its own environment variable when no key is given.
//
//	p, err := anyllm.New("ollama", "llama3.2", anyllmlib.WithBaseURL("http://gpu-box:11434"))
//	ch, err := p.StreamCompletion(ctx, llm.CompletionRequest{Messages: history})
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/datasciritwik/realtime/pkg/provider/llm"
	"github.com/datasciritwik/realtime/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

type factory func(...anyllmlib.Option) (anyllmlib.Provider, error)

// wrap lifts a concrete any-llm-go constructor to a factory.
func wrap[P anyllmlib.Provider](f func(...anyllmlib.Option) (P, error)) factory {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return f(opts...)
	}
}

var factories = map[string]factory{
	"openai":    wrap(anyllmoai.New),
	"anthropic": wrap(anthropic.New),
	"gemini":    wrap(gemini.New),
	"ollama":    wrap(ollama.New),
	"deepseek":  wrap(deepseek.New),
	"mistral":   wrap(mistral.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
}

// Backends lists the backend names New accepts, sorted.
var Backends = slices.Sorted(maps.Keys(factories))

// Provider streams chat completions from one any-llm-go backend and model.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New returns a Provider for backend (one of [Backends], case-insensitive)
// sending requests to model.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backend == "" {
		return nil, errors.New("anyllm: backend must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	f, ok := factories[strings.ToLower(backend)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown backend %q (have %s)", backend, strings.Join(Backends, ", "))
	}
	b, err := f(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", backend, err)
	}
	return &Provider{backend: b, model: model}, nil
}

// Model returns the model name requests are sent to.
func (p *Provider) Model() string { return p.model }

// StreamCompletion implements llm.Provider. Chunks without text and without
// a finish reason are dropped. A backend failure arrives as a final
// [llm.FinishReasonError] chunk once the backend's chunk channel closes.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 && req.SystemPrompt == "" {
		return nil, errors.New("anyllm: empty request")
	}
	chunks, errs := p.backend.CompletionStream(ctx, p.buildParams(req))

	out := make(chan llm.Chunk, 32)
	go func() {
		defer close(out)
		send := func(c llm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			d := chunk.Choices[0]
			if d.Delta.Content == "" && d.FinishReason == "" {
				continue
			}
			if !send(llm.Chunk{Text: d.Delta.Content, FinishReason: d.FinishReason}) {
				return
			}
		}
		if err := <-errs; err != nil {
			send(llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()})
		}
	}()
	return out, nil
}

// buildParams puts the system prompt ahead of the history. Zero temperature
// and max tokens are left unset so the backend default applies.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toMessage(m))
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}

func toMessage(m types.Message) anyllmlib.Message {
	return anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name}
}
