// Command realtime runs a full-duplex voice conversation on the local sound
// card: it listens, transcribes what was said, and speaks the model's reply
// while the reply is still being generated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/datasciritwik/realtime/internal/app"
	"github.com/datasciritwik/realtime/internal/config"
	"github.com/datasciritwik/realtime/internal/observe"
	"github.com/datasciritwik/realtime/pkg/audio/local"
	"github.com/datasciritwik/realtime/pkg/provider/llm"
	"github.com/datasciritwik/realtime/pkg/provider/llm/anyllm"
	oaillm "github.com/datasciritwik/realtime/pkg/provider/llm/openai"
	"github.com/datasciritwik/realtime/pkg/provider/stt"
	"github.com/datasciritwik/realtime/pkg/provider/stt/deepgram"
	oaistt "github.com/datasciritwik/realtime/pkg/provider/stt/openai"
	"github.com/datasciritwik/realtime/pkg/provider/stt/whisper"
	"github.com/datasciritwik/realtime/pkg/provider/tts"
	"github.com/datasciritwik/realtime/pkg/provider/tts/coqui"
	"github.com/datasciritwik/realtime/pkg/provider/tts/elevenlabs"
	oaitts "github.com/datasciritwik/realtime/pkg/provider/tts/openai"
	"github.com/datasciritwik/realtime/pkg/provider/vad"
	"github.com/datasciritwik/realtime/pkg/provider/vad/energy"
	"github.com/datasciritwik/realtime/pkg/provider/vad/silero"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listVoices := flag.Bool("list-voices", false, "print the voices offered by the configured TTS provider and exit")
	listDevices := flag.Bool("list-devices", false, "print the available audio devices and exit")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Load configuration (and watch it for hot reloads) ─────────────────────
	// The watcher may fire before the application exists.
	var running atomic.Pointer[app.App]
	watcher, err := config.NewWatcher(*configPath, func(r config.Reload) {
		applyReload(level, running.Load(), r.Diff)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "realtime: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "realtime: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	if *listVoices {
		return printVoices(ctx, reg, cfg.Providers.TTS)
	}

	slog.Info("realtime starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Init(ctx, observe.TelemetryConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := app.BuildProviders(cfg.Providers, reg, slog.Default())
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers,
		app.WithObserver(newConsole(os.Stdout)),
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(telemetry.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	running.Store(application)

	slog.Info("listening, start speaking (Ctrl+C to quit)")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Conversation.ShutdownGrace+10*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload applies the hot-reloadable parts of a config change. Anything
// else is reported as needing a restart.
func applyReload(level *slog.LevelVar, a *app.App, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if a != nil {
		if d.SystemPromptChanged {
			a.Orchestrator().SetSystemPrompt(d.NewSystemPrompt)
			slog.Info("system prompt updated")
		}
		if d.VoiceChanged {
			a.Orchestrator().SetVoice(d.NewVoice.Profile())
			slog.Info("voice updated", "voice", d.NewVoice.VoiceID)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization", ""); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other backend goes through any-llm-go: optional APIKey + optional
	// BaseURL. Local servers such as ollama only need the BaseURL.
	for _, backend := range anyllm.Backends {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		return oaistt.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path", "")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := entry.OptionInt("concurrency", 0); n > 0 {
			opts = append(opts, whisper.WithNativeConcurrency(n))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.Model != "" {
			opts = append(opts, oaitts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if voice := entry.OptionString("default_voice", ""); voice != "" {
			opts = append(opts, oaitts.WithDefaultVoice(voice))
		}
		return oaitts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptionString("output_format", ""); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voice := entry.OptionString("default_voice", ""); voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptionString("api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []silero.Option
		if th := entry.OptionFloat("threshold", 0); th > 0 {
			opts = append(opts, silero.WithThreshold(th))
		}
		return silero.New(entry.OptionString("model_path", entry.Model), opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Registered(kind))
	}
}

// ── Listings ──────────────────────────────────────────────────────────────────

func printDevices() int {
	devices, err := local.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtime: %v\n", err)
		return 1
	}
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s %-8s %s\n", marker, d.Kind, d.Name)
	}
	return 0
}

func printVoices(ctx context.Context, reg *config.Registry, entry config.ProviderEntry) int {
	p, err := reg.CreateTTS(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtime: %v\n", err)
		return 1
	}
	voices, err := p.ListVoices(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtime: list voices: %v\n", err)
		return 1
	}
	for _, v := range voices {
		if v.Name != "" && v.Name != v.ID {
			fmt.Printf("%-24s %s\n", v.ID, v.Name)
			continue
		}
		fmt.Println(v.ID)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        realtime: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM)
	printProvider("STT", cfg.Providers.STT)
	printProvider("TTS", cfg.Providers.TTS)
	printRow("Voice", cfg.Conversation.Voice.VoiceID)
	printRow("Audio", fmt.Sprintf("%d Hz / %d ms", cfg.Audio.SampleRate, cfg.Audio.FrameMs))
	device := cfg.Audio.Device
	if device == "" {
		device = "(default)"
	}
	printRow("Device", device)
	fmt.Println("╠═══════════════════════════════════════╣")
	v := cfg.VAD
	printRow("VAD", fmt.Sprintf("%s, aggr. %d", cfg.Providers.VAD.Name, v.Aggressiveness))
	printRow("Start / end", fmt.Sprintf("%d / %d frames", v.StartThreshold, v.EndThreshold))
	printRow("Min voice", v.MinVoiceDuration.String())
	printRow("Pre-roll", fmt.Sprintf("%d frames", v.PreRollFrames))
	printRow("Barge-in", fmt.Sprintf("%t", cfg.Conversation.BargeIn))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, entry config.ProviderEntry) {
	value := entry.Name
	if entry.Model != "" {
		value += " / " + entry.Model
	}
	if n := len(entry.Fallbacks); n > 0 {
		value += fmt.Sprintf(" +%d", n)
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
