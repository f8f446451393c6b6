// Package config provides the configuration schema, loader, and provider registry
// for the Athina voice assistant.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// RoutingMode selects where queries are answered. It mirrors routing.Mode.
type RoutingMode string

const (
	RoutingNever  RoutingMode = "never"
	RoutingAlways RoutingMode = "always"
	RoutingSmart  RoutingMode = "smart"
)

// IsValid reports whether m is a recognised routing mode.
func (m RoutingMode) IsValid() bool {
	switch m {
	case RoutingNever, RoutingAlways, RoutingSmart:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	WakeWord  WakeWordConfig  `yaml:"wake_word"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Routing   RoutingConfig   `yaml:"routing"`
	Persona   PersonaConfig   `yaml:"persona"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds the admin HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the admin server serving health,
	// status and metrics (e.g., ":8080"). Set to "-" to disable it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the admin server. When nil, it runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig selects the capture device and sizes the frame queue.
type AudioConfig struct {
	// Device is a device name or index. Empty selects the system default.
	Device string `yaml:"device"`

	// OutputDevice selects the playback device the same way.
	OutputDevice string `yaml:"output_device"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// ChunkSize is the number of samples per channel in each captured frame.
	ChunkSize int `yaml:"chunk_size"`

	// QueueSize bounds the frame queue. The oldest frame is dropped when it
	// is full.
	QueueSize int `yaml:"queue_size"`

	// VolumeThreshold is the normalised RMS level above which a frame counts
	// as speech while capturing a request.
	VolumeThreshold float64 `yaml:"volume_threshold"`

	// DeviceGrace is how long a lost device may stay silent before reads
	// fail and the device is reacquired.
	DeviceGrace time.Duration `yaml:"device_grace"`
}

// WakeWordConfig configures wake-word detection.
type WakeWordConfig struct {
	Words       []string      `yaml:"words"`
	Sensitivity float64       `yaml:"sensitivity"`
	Cooldown    time.Duration `yaml:"cooldown"`

	// Buffer is the amount of audio handed to the scorer.
	Buffer time.Duration `yaml:"buffer"`

	// VADEnabled skips scoring of frames without speech. Nil means true.
	VADEnabled *bool `yaml:"vad_enabled"`

	// Chime is an optional WAV file played after each accepted wake word.
	Chime string `yaml:"chime"`
}

// VADOn reports whether the VAD pre-filter is enabled.
func (w WakeWordConfig) VADOn() bool {
	return w.VADEnabled == nil || *w.VADEnabled
}

// PipelineConfig holds the interaction timings.
type PipelineConfig struct {
	SpeechTimeout   time.Duration `yaml:"speech_timeout"`
	SilenceDuration time.Duration `yaml:"silence_duration"`
	StopGrace       time.Duration `yaml:"stop_grace"`
	STTTimeout      time.Duration `yaml:"stt_timeout"`
	TTSTimeout      time.Duration `yaml:"tts_timeout"`

	// HistorySize is the number of conversation messages remembered.
	HistorySize int `yaml:"history_size"`

	// Language is the recognition language hint (e.g., "en"). Empty lets the
	// recogniser detect it.
	Language string `yaml:"language"`

	// Voice configures the synthesised voice.
	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig specifies the TTS voice parameters.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// RoutingConfig configures the local/remote routing engine.
type RoutingConfig struct {
	Mode                     RoutingMode   `yaml:"mode"`
	ComplexityThreshold      int           `yaml:"complexity_threshold"`
	ComplexKeywords          []string      `yaml:"complex_keywords"`
	Topics                   []string      `yaml:"topics"`
	LocalConfidenceThreshold float64       `yaml:"local_confidence_threshold"`
	APITimeout               time.Duration `yaml:"api_timeout"`
	MaxRequestsPerHour       int           `yaml:"max_requests_per_hour"`
	MaxTokensPerHour         int           `yaml:"max_tokens_per_hour"`
	QuotaWindow              time.Duration `yaml:"quota_window"`
	CacheTTL                 time.Duration `yaml:"cache_ttl"`
	CacheSize                int           `yaml:"cache_size"`
	EnhanceLocal             bool          `yaml:"enhance_local"`
	MaxTokens                int           `yaml:"max_tokens"`
	Temperature              float64       `yaml:"temperature"`
}

// PersonaConfig describes the assistant's identity.
type PersonaConfig struct {
	Name   string   `yaml:"name"`
	Traits []string `yaml:"traits"`

	// Vocabulary lists names and terms the recogniser tends to mishear.
	// Transcripts are corrected against it before routing.
	Vocabulary []string `yaml:"vocabulary"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// LLM is the remote language model.
	LLM ProviderEntry `yaml:"llm"`

	// LocalLLM optionally rephrases local responses.
	LocalLLM ProviderEntry `yaml:"local_llm"`

	STT      ProviderEntry `yaml:"stt"`
	TTS      ProviderEntry `yaml:"tts"`
	VAD      ProviderEntry `yaml:"vad"`
	WakeWord ProviderEntry `yaml:"wake_word"`
	Audio    ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "base.en").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails. Only LLM, STT
	// and TTS entries support them. Nested fallbacks are ignored.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultSampleRate      = 16000
	DefaultChannels        = 1
	DefaultChunkSize       = 1024
	DefaultQueueSize       = 50
	DefaultVolumeThreshold = 0.01
	DefaultDeviceGrace     = 2 * time.Second
	DefaultWakeWord        = "hey_athina"
	DefaultSensitivity     = 0.5
	DefaultCooldown        = 2 * time.Second
	DefaultWakeBuffer      = time.Second
	DefaultSpeechTimeout   = 5 * time.Second
	DefaultSilenceDuration = 2 * time.Second
	DefaultStopGrace       = 5 * time.Second
	DefaultSTTTimeout      = 15 * time.Second
	DefaultTTSTimeout      = 15 * time.Second
	DefaultHistorySize     = 10
	DefaultComplexity      = 100
	DefaultLocalConfidence = 0.7
	DefaultAPITimeout      = 10 * time.Second
	DefaultMaxRequests     = 100
	DefaultMaxTokensHour   = 50000
	DefaultQuotaWindow     = time.Hour
	DefaultCacheTTL        = 300 * time.Second
	DefaultCacheSize       = 100
	DefaultMaxTokens       = 1000
	DefaultTemperature     = 0.7
	DefaultPersonaName     = "Athina"
)

// ApplyDefaults fills every zero value in cfg with its default. Keyword and
// topic lists are left empty; the routing engine has its own defaults for
// them.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	setDefault(&s.ListenAddr, DefaultListenAddr)
	setDefault(&s.LogLevel, LogInfo)

	a := &cfg.Audio
	setDefault(&a.SampleRate, DefaultSampleRate)
	setDefault(&a.Channels, DefaultChannels)
	setDefault(&a.ChunkSize, DefaultChunkSize)
	setDefault(&a.QueueSize, DefaultQueueSize)
	setDefault(&a.VolumeThreshold, DefaultVolumeThreshold)
	setDefault(&a.DeviceGrace, DefaultDeviceGrace)

	w := &cfg.WakeWord
	if len(w.Words) == 0 {
		w.Words = []string{DefaultWakeWord}
	}
	setDefault(&w.Sensitivity, DefaultSensitivity)
	setDefault(&w.Cooldown, DefaultCooldown)
	setDefault(&w.Buffer, DefaultWakeBuffer)

	p := &cfg.Pipeline
	setDefault(&p.SpeechTimeout, DefaultSpeechTimeout)
	setDefault(&p.SilenceDuration, DefaultSilenceDuration)
	setDefault(&p.StopGrace, DefaultStopGrace)
	setDefault(&p.STTTimeout, DefaultSTTTimeout)
	setDefault(&p.TTSTimeout, DefaultTTSTimeout)
	setDefault(&p.HistorySize, DefaultHistorySize)

	r := &cfg.Routing
	setDefault(&r.Mode, RoutingSmart)
	setDefault(&r.ComplexityThreshold, DefaultComplexity)
	setDefault(&r.LocalConfidenceThreshold, DefaultLocalConfidence)
	setDefault(&r.APITimeout, DefaultAPITimeout)
	setDefault(&r.MaxRequestsPerHour, DefaultMaxRequests)
	setDefault(&r.MaxTokensPerHour, DefaultMaxTokensHour)
	setDefault(&r.QuotaWindow, DefaultQuotaWindow)
	setDefault(&r.CacheTTL, DefaultCacheTTL)
	setDefault(&r.CacheSize, DefaultCacheSize)
	setDefault(&r.MaxTokens, DefaultMaxTokens)
	setDefault(&r.Temperature, DefaultTemperature)

	setDefault(&cfg.Persona.Name, DefaultPersonaName)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
