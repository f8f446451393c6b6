// Package app wires all Athina subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the interaction loop and the admin HTTP server,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via [Providers] and the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/athina/internal/config"
	"github.com/MrWong99/athina/internal/fault"
	"github.com/MrWong99/athina/internal/health"
	"github.com/MrWong99/athina/internal/ingest"
	"github.com/MrWong99/athina/internal/interaction"
	"github.com/MrWong99/athina/internal/observe"
	"github.com/MrWong99/athina/internal/resilience"
	"github.com/MrWong99/athina/internal/routing"
	"github.com/MrWong99/athina/internal/stats"
	"github.com/MrWong99/athina/internal/transcript/phonetic"
	"github.com/MrWong99/athina/internal/wake"
	"github.com/MrWong99/athina/pkg/audio"
	"github.com/MrWong99/athina/pkg/provider/llm"
	"github.com/MrWong99/athina/pkg/provider/stt"
	"github.com/MrWong99/athina/pkg/provider/tts"
	"github.com/MrWong99/athina/pkg/provider/vad"
	"github.com/MrWong99/athina/pkg/provider/wakeword"
)

const (
	// probeTimeout bounds the startup connectivity check of the remote model.
	probeTimeout = 10 * time.Second

	// reacquireBackoff is the pause between attempts to reopen a lost
	// capture device.
	reacquireBackoff = time.Second

	// adminShutdownTimeout bounds the admin server's graceful shutdown.
	adminShutdownTimeout = 5 * time.Second
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// LLM is the remote model. Nil answers every query locally.
	LLM llm.Provider

	// LocalLLM rephrases local responses when routing.enhance_local is set.
	LocalLLM llm.Provider

	STT      stt.Provider
	TTS      tts.Provider
	VAD      vad.Engine
	WakeWord wakeword.Scorer
	Audio    audio.Duplex
}

// Status is the document served on /statusz.
type Status struct {
	Interaction interaction.Status `json:"interaction"`
	Wake        wake.Stats         `json:"wake"`
	Routing     routing.Stats      `json:"routing"`
	Pipeline    stats.Snapshot     `json:"pipeline"`
	Capture     CaptureStatus      `json:"capture"`
}

// CaptureStatus describes the capture device and frame queue.
type CaptureStatus struct {
	Running  bool   `json:"running"`
	Buffered int    `json:"buffered"`
	Dropped  uint64 `json:"dropped"`
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records all instruments on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithChime plays clip after each accepted wake word. It takes precedence
// over wake_word.chime.
func WithChime(clip tts.Clip) Option {
	return func(a *App) { a.chime = &clip }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// App owns all subsystem lifetimes and orchestrates the voice pipeline.
type App struct {
	cfg            *config.Config
	providers      *Providers
	metrics        *observe.Metrics
	metricsHandler http.Handler
	chime          *tts.Clip
	log            *slog.Logger

	// Subsystems, initialised in New and torn down in Shutdown.
	agg     *stats.Aggregator
	ingest  *ingest.Service
	gate    *wake.Gate
	breaker *resilience.CircuitBreaker
	router  *routing.Engine
	ctl     *interaction.Controller
	health  *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	adminMu sync.Mutex
	admin   net.Addr

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). STT, TTS, WakeWord
// and Audio are required.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if err := a.checkProviders(); err != nil {
		return nil, err
	}
	if a.metricsHandler == nil {
		a.metricsHandler = observe.Handler()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.agg = stats.NewAggregator(0)

	// ── 1. Capture ───────────────────────────────────────────────────────
	a.ingest = ingest.New(providers.Audio,
		ingest.WithQueueSize(cfg.Audio.QueueSize),
		ingest.WithDeviceGrace(cfg.Audio.DeviceGrace),
		ingest.WithMetrics(a.metrics),
		ingest.WithLogger(a.log.With("component", "ingest")),
	)

	// ── 2. Wake gate ─────────────────────────────────────────────────────
	if err := a.initWake(); err != nil {
		return nil, fmt.Errorf("app: init wake gate: %w", err)
	}

	// ── 3. Routing ───────────────────────────────────────────────────────
	a.initRouting()

	// ── 4. Interaction controller ────────────────────────────────────────
	if err := a.initInteraction(); err != nil {
		return nil, fmt.Errorf("app: init interaction: %w", err)
	}

	// ── 5. Health ────────────────────────────────────────────────────────
	a.initHealth()

	a.log.Info("app initialised",
		"remote_llm", providers.LLM != nil,
		"local_llm", providers.LocalLLM != nil,
		"vad", a.cfg.WakeWord.VADOn() && providers.VAD != nil,
		"routing_mode", cfg.Routing.Mode,
	)
	return a, nil
}

func (a *App) checkProviders() error {
	p := a.providers
	var errs []error
	if p == nil {
		return errors.New("app: providers are required")
	}
	if p.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if p.WakeWord == nil {
		errs = append(errs, errors.New("wake word provider is required"))
	}
	if p.Audio == nil {
		errs = append(errs, errors.New("audio backend is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initWake() error {
	w := a.cfg.WakeWord
	opts := []wake.Option{
		wake.WithMetrics(a.metrics),
		wake.WithAggregator(a.agg),
		wake.WithLogger(a.log.With("component", "wake")),
	}
	if w.VADOn() && a.providers.VAD != nil {
		opts = append(opts, wake.WithVAD(a.providers.VAD))
	}
	gate, err := wake.New(a.providers.WakeWord, wake.Config{
		Words:       w.Words,
		Sensitivity: w.Sensitivity,
		Cooldown:    w.Cooldown,
		Window:      int(w.Buffer.Seconds() * float64(audio.SpeechFormat.SampleRate)),
	}, opts...)
	if err != nil {
		return err
	}
	a.gate = gate
	a.closers = append(a.closers, gate.Close)
	return nil
}

func (a *App) initRouting() {
	r := a.cfg.Routing
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "remote-llm",
		OnStateChange: func(name string, from, to resilience.State) {
			a.log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	opts := []routing.Option{
		routing.WithBreaker(a.breaker),
		routing.WithPersona(routing.Persona{Name: a.cfg.Persona.Name, Traits: a.cfg.Persona.Traits}),
		routing.WithMetrics(a.metrics),
		routing.WithAggregator(a.agg),
		routing.WithLogger(a.log.With("component", "routing")),
	}
	if a.providers.LLM != nil {
		opts = append(opts, routing.WithRemote(a.providers.LLM))
	}
	if a.providers.LocalLLM != nil {
		opts = append(opts, routing.WithLocalModel(a.providers.LocalLLM))
	}
	a.router = routing.New(routing.Config{
		Mode:                     routing.Mode(r.Mode),
		ComplexityThreshold:      r.ComplexityThreshold,
		ComplexKeywords:          r.ComplexKeywords,
		Topics:                   r.Topics,
		LocalConfidenceThreshold: r.LocalConfidenceThreshold,
		APITimeout:               r.APITimeout,
		MaxRequestsPerHour:       r.MaxRequestsPerHour,
		MaxTokensPerHour:         r.MaxTokensPerHour,
		QuotaWindow:              r.QuotaWindow,
		CacheTTL:                 r.CacheTTL,
		CacheSize:                r.CacheSize,
		EnhanceLocal:             r.EnhanceLocal,
		MaxTokens:                r.MaxTokens,
		Temperature:              r.Temperature,
	}, opts...)
}

func (a *App) initInteraction() error {
	p := a.cfg.Pipeline
	opts := []interaction.Option{
		interaction.WithMetrics(a.metrics),
		interaction.WithAggregator(a.agg),
		interaction.WithLogger(a.log.With("component", "interaction")),
	}
	if vocab := a.cfg.Persona.Vocabulary; len(vocab) > 0 {
		opts = append(opts,
			interaction.WithCorrector(phonetic.New(vocab)),
			interaction.WithKeywords(keywordBoosts(vocab)),
		)
	}
	chime, err := a.loadChime()
	if err != nil {
		return err
	}
	if chime != nil {
		opts = append(opts, interaction.WithChime(*chime))
	}

	a.ctl = interaction.New(interaction.Deps{
		Source: a.ingest,
		Wake:   a.gate,
		STT:    a.providers.STT,
		Router: a.router,
		TTS:    a.providers.TTS,
		Player: a.providers.Audio,
	}, interaction.Config{
		VolumeThreshold: a.cfg.Audio.VolumeThreshold,
		SpeechTimeout:   p.SpeechTimeout,
		SilenceDuration: p.SilenceDuration,
		StopGrace:       p.StopGrace,
		STTTimeout:      p.STTTimeout,
		TTSTimeout:      p.TTSTimeout,
		HistorySize:     p.HistorySize,
		Language:        p.Language,
		Voice: tts.VoiceProfile{
			ID:          p.Voice.VoiceID,
			Provider:    a.cfg.Providers.TTS.Name,
			SpeedFactor: p.Voice.SpeedFactor,
		},
	}, opts...)
	return nil
}

// loadChime returns the injected chime or decodes wake_word.chime.
func (a *App) loadChime() (*tts.Clip, error) {
	if a.chime != nil {
		return a.chime, nil
	}
	path := a.cfg.WakeWord.Chime
	if path == "" {
		return nil, nil
	}
	wav, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chime %q: %w", path, err)
	}
	pcm, err := audio.DecodeWAV(wav, audio.SpeechFormat)
	if err != nil {
		return nil, fmt.Errorf("decode chime %q: %w", path, err)
	}
	return &tts.Clip{PCM: pcm, Format: audio.SpeechFormat}, nil
}

func (a *App) initHealth() {
	checkers := []health.Checker{
		{
			Name: "capture",
			Check: func(context.Context) error {
				if !a.ingest.Running() {
					return errors.New("capture device not running")
				}
				return nil
			},
		},
	}
	if a.providers.LLM != nil {
		checkers = append(checkers, health.Checker{
			Name:     "remote_llm",
			Optional: true,
			Check:    func(context.Context) error {
				if !a.router.RemoteAvailable() {
					return fmt.Errorf("remote model unavailable (breaker %s)", a.breaker.State())
				}
				return nil
			},
		})
	}
	a.health = health.New(checkers...).WithStatus(func(context.Context) any {
		return a.Status()
	})
}

// keywordBoosts turns the persona vocabulary into recognition hints.
func keywordBoosts(vocab []string) []stt.KeywordBoost {
	out := make([]stt.KeywordBoost, 0, len(vocab))
	for _, w := range vocab {
		if w != "" {
			out = append(out, stt.KeywordBoost{Keyword: w, Boost: 1.5})
		}
	}
	return out
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the capture device and runs the interaction loop and the admin
// server until ctx is cancelled. A session in progress at cancellation gets
// pipeline.stop_grace to finish. Run returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	d := a.cfg.Audio
	if err := a.ingest.Start(ctx, ingest.DeviceSelector{
		Device:     d.Device,
		SampleRate: d.SampleRate,
		Channels:   d.Channels,
		FrameSize:  d.ChunkSize,
	}); err != nil {
		return fmt.Errorf("app: start capture: %w", err)
	}

	a.probeRemote(ctx)
	a.checkVoice(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runInteraction(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		if err := a.ctl.Stop(context.Background()); err != nil {
			a.log.Warn("in-flight session cancelled", "err", err)
		}
		return nil
	})
	if addr := a.cfg.Server.ListenAddr; addr != "" && addr != "-" {
		g.Go(func() error { return a.serveAdmin(gctx, addr) })
	}

	a.log.Info("app running", "wake_words", a.cfg.WakeWord.Words)
	return g.Wait()
}

// runInteraction runs the controller and reopens the capture device whenever
// it is lost.
func (a *App) runInteraction(ctx context.Context) error {
	for {
		err := a.ctl.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, fault.ErrDevice) {
			return fmt.Errorf("app: interaction loop: %w", err)
		}
		if err := a.reacquire(ctx); err != nil {
			return nil
		}
	}
}

// reacquire retries the capture device until it opens or ctx is done.
func (a *App) reacquire(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := a.ingest.Reacquire(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, fault.ErrState) {
			return err
		}
		a.log.Warn("capture device reacquisition failed", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reacquireBackoff):
		}
	}
}

// probeRemote checks remote connectivity once at startup. Failures only log;
// routing falls back to local answers on its own.
func (a *App) probeRemote(ctx context.Context) {
	prober, ok := a.providers.LLM.(llm.Prober)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := prober.Probe(ctx); err != nil {
		a.log.Warn("remote model probe failed, local fallback in use until it recovers",
			"err", err, "kind", fault.KindName(fault.Classify(err)))
		return
	}
	a.log.Info("remote model reachable")
}

// checkVoice warns when the configured voice is not in the TTS catalogue.
func (a *App) checkVoice(ctx context.Context) {
	id := a.cfg.Pipeline.Voice.VoiceID
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	voices, err := a.providers.TTS.ListVoices(ctx)
	if err != nil {
		a.log.Warn("could not list tts voices", "err", err)
		return
	}
	if !slices.ContainsFunc(voices, func(v tts.VoiceProfile) bool { return v.ID == id }) {
		a.log.Warn("configured voice not offered by the tts backend", "voice_id", id, "voices", len(voices))
		return
	}
	a.log.Debug("tts voice available", "voice_id", id)
}

// serveAdmin serves health, status and metrics until ctx is done.
func (a *App) serveAdmin(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)

	srv := &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: admin listen %q: %w", addr, err)
	}
	a.adminMu.Lock()
	a.admin = ln.Addr()
	a.adminMu.Unlock()

	errc := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errc <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			errc <- srv.Serve(ln)
		}
	}()
	a.log.Info("admin server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: admin server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("admin server shutdown", "err", err)
	}
	return nil
}

// AdminAddr returns the bound admin address once the server listens, or nil.
func (a *App) AdminAddr() net.Addr {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()
	return a.admin
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Status returns the current status document.
func (a *App) Status() Status {
	return Status{
		Interaction: a.ctl.Status(),
		Wake:        a.gate.Stats(),
		Routing:     a.router.Stats(),
		Pipeline:    a.agg.Snapshot(),
		Capture: CaptureStatus{
			Running:  a.ingest.Running(),
			Buffered: a.ingest.Buffered(),
			Dropped:  a.ingest.Dropped(),
		},
	}
}

// Controller exposes the interaction controller.
func (a *App) Controller() *interaction.Controller { return a.ctl }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the interaction controller, closes the capture device and
// runs the remaining closers. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.ctl.Stop(ctx); err != nil {
			a.log.Warn("interaction stop", "err", err)
		}
		if err := a.ingest.Stop(); err != nil {
			a.log.Warn("capture stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logSummary()
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// logSummary logs session and routing totals.
func (a *App) logSummary() {
	snap := a.agg.Snapshot()
	st := a.ctl.Status()
	rs := a.router.Stats()
	a.log.Info("session summary",
		"interactions", st.Total,
		"successful", st.Successful,
		"failed", st.Failed,
		"success_rate", snap.SuccessRate(),
		"avg_response", st.AvgResponse,
		"remote", rs.Remote,
		"local", rs.Local,
		"fallback", rs.Fallback,
		"wake_events", snap.Counters[stats.CounterWakeEvents],
		"dropped_frames", a.ingest.Dropped(),
	)
}

// AddCloser registers fn to run during Shutdown, after the capture device is
// closed. main uses it for provider resources such as native models.
func (a *App) AddCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}
