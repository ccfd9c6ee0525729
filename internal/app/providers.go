package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/datasciritwik/realtime/internal/config"
	"github.com/datasciritwik/realtime/internal/resilience"
	"github.com/datasciritwik/realtime/pkg/provider/llm"
	"github.com/datasciritwik/realtime/pkg/provider/stt"
	"github.com/datasciritwik/realtime/pkg/provider/tts"
	providervad "github.com/datasciritwik/realtime/pkg/provider/vad"
)

// Providers holds one interface value per provider slot plus the labels used
// on metrics. Populated by [BuildProviders] or directly by tests.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD providervad.Engine

	LLMName string
	STTName string
	TTSName string
}

func (p *Providers) validate() error {
	if p == nil {
		return errors.New("providers must not be nil")
	}
	var errs []error
	if p.LLM == nil {
		errs = append(errs, errors.New("LLM provider is not configured"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("STT provider is not configured"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("TTS provider is not configured"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("VAD engine is not configured"))
	}
	return errors.Join(errs...)
}

// BuildProviders instantiates every provider named in cfg using reg. A slot
// with fallbacks is wrapped in the matching resilience failover type, with
// one circuit breaker per backend.
func BuildProviders(cfg config.ProvidersConfig, reg *config.Registry, log *slog.Logger) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	fb := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		Logger: log,
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("provider circuit breaker changed state", "provider", name, "from", from, "to", to)
		},
	}}

	ps := &Providers{
		LLMName: cfg.LLM.Name,
		STTName: cfg.STT.Name,
		TTSName: cfg.TTS.Name,
	}

	var err error
	ps.LLM, err = build(cfg.LLM, reg.CreateLLM, log, "llm", func(primary llm.Provider) *resilience.LLMFallback {
		return resilience.NewLLMFallback(primary, cfg.LLM.Name, fb)
	})
	if err != nil {
		return nil, err
	}
	ps.STT, err = build(cfg.STT, reg.CreateSTT, log, "stt", func(primary stt.Provider) *resilience.STTFallback {
		return resilience.NewSTTFallback(primary, cfg.STT.Name, fb)
	})
	if err != nil {
		return nil, err
	}
	ps.TTS, err = build(cfg.TTS, reg.CreateTTS, log, "tts", func(primary tts.Provider) *resilience.TTSFallback {
		return resilience.NewTTSFallback(primary, cfg.TTS.Name, fb)
	})
	if err != nil {
		return nil, err
	}

	ps.VAD, err = reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("app: vad provider: %w", err)
	}
	log.Info("provider created", "kind", "vad", "name", cfg.VAD.Name)
	return ps, nil
}

// failover is implemented by the resilience wrappers.
type failover[T any] interface {
	AddFallback(name string, provider T)
}

// build creates the primary provider and, when entry declares fallbacks,
// wraps it together with every fallback that could be constructed. A
// fallback that fails to build is logged and left out.
func build[T any, F failover[T]](entry config.ProviderEntry, create func(config.ProviderEntry) (T, error), log *slog.Logger, kind string, wrap func(T) F) (T, error) {
	primary, err := create(entry)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("app: %s provider: %w", kind, err)
	}
	log.Info("provider created", "kind", kind, "name", entry.Name, "model", entry.Model)
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}

	group := wrap(primary)
	for _, fe := range entry.Fallbacks {
		p, err := create(fe)
		if err != nil {
			log.Warn("fallback provider unavailable, skipping", "kind", kind, "name", fe.Name, "err", err)
			continue
		}
		group.AddFallback(fe.Name, p)
		log.Info("fallback provider added", "kind", kind, "name", fe.Name, "model", fe.Model)
	}
	// The wrappers implement the provider interface of their kind.
	return any(group).(T), nil
}
