// Package deepgram provides a Deepgram-backed STT provider. Each voice
// session is streamed over Deepgram's live WebSocket API and the connection
// is closed once the final results for that session have arrived.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/datasciritwik/realtime/pkg/audio"
	"github.com/datasciritwik/realtime/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// sendChunk is the amount of audio written per WebSocket message.
	sendChunk = 100 * time.Millisecond
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code used when a request carries
// none (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the WebSocket endpoint. Used against self-hosted
// deployments and in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider. It opens a live session, streams pcm in
// fixed-size messages, requests a flush with CloseStream and concatenates the
// final results until the server closes the connection.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Transcript, error) {
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = defaultSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	wsURL, err := p.buildURL(f, lang, cfg.Prompt)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	step := f.SampleRate * f.Channels * 2 * int(sendChunk/time.Millisecond) / 1000
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return stt.Transcript{}, fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: close stream: %w", err)
	}

	var parts []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return stt.Transcript{}, fmt.Errorf("deepgram: %w", ctx.Err())
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || len(parts) > 0 {
				break
			}
			return stt.Transcript{}, fmt.Errorf("deepgram: read: %w", err)
		}
		res, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		if res.metadata {
			break
		}
		if res.final && res.text != "" {
			parts = append(parts, res.text)
		}
	}
	conn.Close(websocket.StatusNormalClosure, "transcription complete")

	return stt.Transcript{
		Text:     strings.TrimSpace(strings.Join(parts, " ")),
		Language: lang,
		Duration: audio.Duration(pcm, f),
	}, nil
}

// buildURL constructs the Deepgram streaming endpoint URL.
func (p *Provider) buildURL(f audio.Format, lang, prompt string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(f.SampleRate))
	q.Set("channels", strconv.Itoa(f.Channels))
	// Deepgram's nearest equivalent to a prompt is keyterm boosting.
	for _, term := range strings.Fields(prompt) {
		q.Add("keyterm", term)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by Deepgram for Results and
// Metadata events.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type result struct {
	text     string
	final    bool
	metadata bool
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message.
// Returns (result, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	switch resp.Type {
	case "Metadata":
		return result{metadata: true}, true
	case "Results":
	default:
		return result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}
	return result{
		text:  strings.TrimSpace(resp.Channel.Alternatives[0].Transcript),
		final: resp.IsFinal,
	}, true
}
