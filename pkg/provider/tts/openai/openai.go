// Package openai provides a TTS provider backed by OpenAI's speech endpoint.
// Audio is requested in the "pcm" response format: headerless 24 kHz mono
// 16-bit little-endian samples.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/datasciritwik/realtime/pkg/provider/tts"
	"github.com/datasciritwik/realtime/pkg/types"
)

const (
	// SampleRate is the rate of the "pcm" response format.
	SampleRate = 24000

	defaultModel = oai.SpeechModelTTS1
	defaultVoice = "alloy"
)

// voices is the built-in catalogue; the API has no listing endpoint.
var voices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer", "verse"}

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel selects the speech model (e.g. "tts-1", "tts-1-hd", "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = oai.SpeechModel(model)
		}
	}
}

// WithDefaultVoice sets the voice used when a request's VoiceProfile has no ID.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) {
		if voice != "" {
			p.voice = voice
		}
	}
}

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.httpClient = hc }
}

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client     oai.Client
	model      oai.SpeechModel
	voice      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	p := &Provider{model: defaultModel, voice: defaultVoice}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(p.httpClient))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Speech, error) {
	if text == "" {
		return tts.Speech{SampleRate: SampleRate}, nil
	}
	id := voice.ID
	if id == "" {
		id = p.voice
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          p.model,
		Voice:          oai.AudioSpeechNewParamsVoice(id),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		params.Speed = oai.Float(max(0.25, min(voice.SpeedFactor, 4.0)))
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("openai tts: read audio: %w", err)
	}
	// Keep whole samples only.
	pcm = pcm[:len(pcm)&^1]
	return tts.Speech{PCM: pcm, SampleRate: SampleRate}, nil
}

// ListVoices implements tts.Provider with the built-in voice catalogue.
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	out := make([]types.VoiceProfile, 0, len(voices))
	for _, v := range voices {
		out = append(out, types.VoiceProfile{
			ID:       v,
			Name:     v,
			Provider: "openai",
			Metadata: map[string]string{"model": string(p.model)},
		})
	}
	return out, nil
}
