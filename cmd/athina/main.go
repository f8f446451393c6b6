// Command athina runs the Athina voice assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/athina/internal/app"
	"github.com/MrWong99/athina/internal/config"
	"github.com/MrWong99/athina/internal/observe"
	"github.com/MrWong99/athina/internal/resilience"
	"github.com/MrWong99/athina/pkg/audio"
	"github.com/MrWong99/athina/pkg/audio/portaudio"
	"github.com/MrWong99/athina/pkg/provider/llm"
	"github.com/MrWong99/athina/pkg/provider/llm/anyllm"
	"github.com/MrWong99/athina/pkg/provider/llm/openai"
	"github.com/MrWong99/athina/pkg/provider/stt"
	"github.com/MrWong99/athina/pkg/provider/stt/deepgram"
	"github.com/MrWong99/athina/pkg/provider/stt/whisper"
	"github.com/MrWong99/athina/pkg/provider/tts"
	"github.com/MrWong99/athina/pkg/provider/tts/coqui"
	"github.com/MrWong99/athina/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/athina/pkg/provider/vad"
	"github.com/MrWong99/athina/pkg/provider/vad/energy"
	"github.com/MrWong99/athina/pkg/provider/wakeword"
	"github.com/MrWong99/athina/pkg/provider/wakeword/openwakeword"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "athina: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "athina: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("athina starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "athina",
		ServiceVersion: version,
		RuntimeMetrics: true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Audio backend ─────────────────────────────────────────────────────────
	if cfg.Providers.Audio.Name == "" || cfg.Providers.Audio.Name == "portaudio" {
		terminate, err := portaudio.Init()
		if err != nil {
			slog.Error("failed to initialise audio", "err", err)
			return 1
		}
		defer func() {
			if err := terminate(); err != nil {
				slog.Warn("portaudio terminate", "err", err)
			}
		}()
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, closers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithMetricsHandler(tel.Handler()))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	for _, c := range closers {
		application.AddCloser(c)
	}

	slog.Info("assistant ready, press Ctrl+C to shut down", "wake_words", cfg.WakeWord.Words)

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.StopGrace+10*time.Second)
	defer cancel()

	slog.Info("stopping")
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

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		if n := optInt(entry.Options, "max_retries"); n > 0 {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other backend goes through any-llm-go. Self-hosted servers take
	// only a base URL.
	for _, name := range anyllm.Backends() {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && !anyllm.IsLocal(name) {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optInt(entry.Options, "threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		speech, silence := optInt(entry.Options, "speech_frames"), optInt(entry.Options, "silence_frames")
		if speech > 0 || silence > 0 {
			opts = append(opts, energy.WithHangover(speech, silence))
		}
		return energy.New(opts...), nil
	})

	// ── Wake word ─────────────────────────────────────────────────────────────

	reg.RegisterWakeWord("openwakeword", func(entry config.ProviderEntry) (wakeword.Scorer, error) {
		opts := []openwakeword.Option{openwakeword.WithModels(cfg.WakeWord.Words...)}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openwakeword.WithTimeout(d))
		}
		return openwakeword.New(entry.BaseURL, opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("portaudio", func(entry config.ProviderEntry) (audio.Duplex, error) {
		var opts []portaudio.Option
		if cfg.Audio.OutputDevice != "" {
			opts = append(opts, portaudio.WithOutputDevice(cfg.Audio.OutputDevice))
		}
		if optBool(entry.Options, "low_latency") {
			opts = append(opts, portaudio.WithLowLatency())
		}
		return portaudio.New(opts...), nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// The returned closers release provider resources such as native models.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, []func() error, error) {
	ps := &app.Providers{}
	var closers []func() error
	track := func(v any) {
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c.Close)
		}
	}
	provs := cfg.Providers

	if name := provs.LLM.Name; name != "" {
		primary, fallbacks, err := createChain("llm", provs.LLM, reg.CreateLLM)
		if err != nil {
			return nil, nil, err
		}
		ps.LLM = primary
		if len(fallbacks) > 0 {
			f := resilience.NewLLMFallback(primary, name, fallbackConfig("llm"))
			for _, fb := range fallbacks {
				f.AddFallback(fb.name, fb.value)
			}
			ps.LLM = f
		}
	}

	if name := provs.LocalLLM.Name; name != "" {
		p, err := reg.CreateLLM(provs.LocalLLM)
		if err != nil {
			return nil, nil, fmt.Errorf("create local_llm provider %q: %w", name, err)
		}
		ps.LocalLLM = p
		slog.Info("provider created", "kind", "local_llm", "name", name)
		if !anyllm.IsLocal(name) {
			slog.Warn("local_llm uses a hosted backend; enhanced local answers will leave the machine", "name", name)
		}
	}

	if name := provs.STT.Name; name != "" {
		primary, fallbacks, err := createChain("stt", provs.STT, reg.CreateSTT)
		if err != nil {
			return nil, nil, err
		}
		track(primary)
		ps.STT = primary
		if len(fallbacks) > 0 {
			f := resilience.NewSTTFallback(primary, name, fallbackConfig("stt"))
			for _, fb := range fallbacks {
				track(fb.value)
				f.AddFallback(fb.name, fb.value)
			}
			ps.STT = f
		}
	}

	if name := provs.TTS.Name; name != "" {
		primary, fallbacks, err := createChain("tts", provs.TTS, reg.CreateTTS)
		if err != nil {
			return nil, nil, err
		}
		ps.TTS = primary
		if len(fallbacks) > 0 {
			f := resilience.NewTTSFallback(primary, name, fallbackConfig("tts"))
			for _, fb := range fallbacks {
				f.AddFallback(fb.name, fb.value)
			}
			ps.TTS = f
		}
	}

	if name := provs.VAD.Name; name != "" {
		p, err := reg.CreateVAD(provs.VAD)
		if err != nil {
			return nil, nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	if name := provs.WakeWord.Name; name != "" {
		p, err := reg.CreateWakeWord(provs.WakeWord)
		if err != nil {
			return nil, nil, fmt.Errorf("create wake_word provider %q: %w", name, err)
		}
		ps.WakeWord = p
		slog.Info("provider created", "kind", "wake_word", "name", name)
	}

	audioEntry := provs.Audio
	if audioEntry.Name == "" {
		audioEntry.Name = "portaudio"
	}
	p, err := reg.CreateAudio(audioEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create audio backend %q: %w", audioEntry.Name, err)
	}
	ps.Audio = p
	slog.Info("provider created", "kind", "audio", "name", audioEntry.Name)

	return ps, closers, nil
}

type named[T any] struct {
	name  string
	value T
}

// createChain creates the primary provider of entry and each of its
// fallbacks.
func createChain[T any](kind string, entry config.ProviderEntry, create func(config.ProviderEntry) (T, error)) (T, []named[T], error) {
	var zero T
	primary, err := create(entry)
	if err != nil {
		return zero, nil, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name)

	fallbacks := make([]named[T], 0, len(entry.Fallbacks))
	for _, fb := range entry.Fallbacks {
		p, err := create(fb)
		if err != nil {
			return zero, nil, fmt.Errorf("create %s fallback %q: %w", kind, fb.Name, err)
		}
		fallbacks = append(fallbacks, named[T]{name: fb.Name, value: p})
		slog.Info("fallback provider created", "kind", kind, "name", fb.Name)
	}
	return primary, fallbacks, nil
}

func fallbackConfig(kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit breaker state changed",
					"kind", kind, "provider", name, "from", from.String(), "to", to.String())
			},
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Athina · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Local LLM", cfg.Providers.LocalLLM.Name, cfg.Providers.LocalLLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Wake word", cfg.Providers.WakeWord.Name, "")
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	fmt.Printf("║  Routing mode    : %-19s ║\n", cfg.Routing.Mode)
	fmt.Printf("║  Wake words      : %-19d ║\n", len(cfg.WakeWord.Words))
	if addr := cfg.Server.ListenAddr; addr != "" && addr != "-" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", addr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes plain numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optDuration parses a duration option such as "5s". Invalid values yield 0.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
