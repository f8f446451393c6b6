package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":       {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":       {"deepgram", "whisper", "whisper-native"},
	"tts":       {"elevenlabs", "coqui"},
	"vad":       {"energy"},
	"wake_word": {"openwakeword"},
	"audio":     {"portaudio"},
}

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Zero values are accepted wherever [ApplyDefaults] would fill them.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.Channels < 0 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", a.Channels))
	}
	if a.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_size %d must be positive", a.ChunkSize))
	}
	if a.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_size %d must be positive", a.QueueSize))
	}
	if a.VolumeThreshold < 0 || a.VolumeThreshold > 1 {
		errs = append(errs, fmt.Errorf("audio.volume_threshold %.3f is out of range [0, 1]", a.VolumeThreshold))
	}

	// Wake word
	w := cfg.WakeWord
	if w.Sensitivity < 0 || w.Sensitivity > 1 {
		errs = append(errs, fmt.Errorf("wake_word.sensitivity %.2f is out of range [0, 1]", w.Sensitivity))
	}
	if w.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("wake_word.cooldown %s must not be negative", w.Cooldown))
	}
	for i, word := range w.Words {
		if word == "" {
			errs = append(errs, fmt.Errorf("wake_word.words[%d] is empty", i))
		}
	}

	// Pipeline
	p := cfg.Pipeline
	for name, d := range map[string]time.Duration{
		"speech_timeout":   p.SpeechTimeout,
		"silence_duration": p.SilenceDuration,
		"stop_grace":       p.StopGrace,
		"stt_timeout":      p.STTTimeout,
		"tts_timeout":      p.TTSTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must not be negative", name))
		}
	}
	if p.SpeechTimeout > 0 && p.SilenceDuration > p.SpeechTimeout {
		slog.Warn("pipeline.silence_duration exceeds speech_timeout; capture always runs to the timeout",
			"silence_duration", p.SilenceDuration,
			"speech_timeout", p.SpeechTimeout,
		)
	}
	if p.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.history_size %d must not be negative", p.HistorySize))
	}
	if sf := p.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("pipeline.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	// Routing
	r := cfg.Routing
	if r.Mode != "" && !r.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("routing.mode %q is invalid; valid values: never, always, smart", r.Mode))
	}
	if r.LocalConfidenceThreshold < 0 || r.LocalConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("routing.local_confidence_threshold %.2f is out of range [0, 1]", r.LocalConfidenceThreshold))
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		errs = append(errs, fmt.Errorf("routing.temperature %.2f is out of range [0, 2]", r.Temperature))
	}
	if r.MaxRequestsPerHour < 0 || r.MaxTokensPerHour < 0 {
		errs = append(errs, errors.New("routing quota limits must not be negative"))
	}
	if r.CacheSize < 0 || r.CacheTTL < 0 {
		errs = append(errs, errors.New("routing cache settings must not be negative"))
	}

	// Unknown provider names only warn.
	provs := cfg.Providers
	for kind, entry := range map[string]ProviderEntry{
		"llm":       provs.LLM,
		"local_llm": provs.LocalLLM,
		"stt":       provs.STT,
		"tts":       provs.TTS,
		"vad":       provs.VAD,
		"wake_word": provs.WakeWord,
		"audio":     provs.Audio,
	} {
		registryKind := kind
		if kind == "local_llm" {
			registryKind = "llm"
		}
		validateProviderName(registryKind, entry.Name)
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
				continue
			}
			validateProviderName(registryKind, fb.Name)
		}
		if len(entry.Fallbacks) > 0 && entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s has fallbacks but no name", kind))
		}
		if len(entry.Fallbacks) > 0 && !slices.Contains([]string{"llm", "stt", "tts"}, kind) {
			slog.Warn("provider fallbacks are ignored for this kind", "kind", kind)
		}
	}

	// Required pipeline stages.
	if provs.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is required"))
	}
	if provs.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts is required"))
	}
	if provs.WakeWord.Name == "" {
		errs = append(errs, errors.New("providers.wake_word is required"))
	}

	// Provider availability warnings
	if provs.LLM.Name == "" && r.Mode != RoutingNever {
		slog.Warn("no remote LLM configured; every query will be answered locally")
	}
	if r.EnhanceLocal && provs.LocalLLM.Name == "" {
		slog.Warn("routing.enhance_local is set but providers.local_llm is not configured")
	}
	if w.VADOn() && provs.VAD.Name == "" {
		slog.Warn("wake_word.vad_enabled is set but providers.vad is not configured; every frame will be scored")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
