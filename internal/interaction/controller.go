// Package interaction runs the wake-to-reply state machine.
//
// A [Controller] owns a single consumer loop: it reads capture frames, feeds
// them to the wake gate and, on a wake event, runs one session in the same
// goroutine. The session captures speech until silence or timeout, then
// transcribes, routes and speaks. Every session ends with something spoken,
// either the answer or a fixed apology, and returns the controller to
// [StateListening].
//
// The current state lives in a single atomic value and every transition is a
// compare-and-swap, so a second wake event while a session is active fails
// with [fault.ErrState] instead of starting another session.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/athina/internal/fault"
	"github.com/MrWong99/athina/internal/observe"
	"github.com/MrWong99/athina/internal/routing"
	"github.com/MrWong99/athina/internal/stats"
	"github.com/MrWong99/athina/internal/transcript/phonetic"
	"github.com/MrWong99/athina/pkg/audio"
	"github.com/MrWong99/athina/pkg/provider/llm"
	"github.com/MrWong99/athina/pkg/provider/stt"
	"github.com/MrWong99/athina/pkg/provider/tts"
	"github.com/MrWong99/athina/pkg/provider/wakeword"
)

// Defaults applied by [Config.withDefaults].
const (
	DefaultVolumeThreshold = 0.01
	DefaultSpeechTimeout   = 5 * time.Second
	DefaultSilenceDuration = 2 * time.Second
	DefaultStopGrace       = 5 * time.Second
	DefaultSTTTimeout      = 15 * time.Second
	DefaultTTSTimeout      = 15 * time.Second
	DefaultHistorySize     = 10
	DefaultPollInterval    = 100 * time.Millisecond

	// forceWait bounds how long Stop waits for a session after cancelling it.
	forceWait = time.Second

	// apologyBudget bounds speech once a session is cancelled. It stays below
	// forceWait so Stop sees the session end before it resets the state.
	apologyBudget = 750 * time.Millisecond

	// playSlack is added to a clip's duration to bound its playback.
	playSlack = 2 * time.Second
)

// FrameSource delivers 16 kHz mono capture frames. [ingest.Service]
// implements it.
type FrameSource interface {
	Read(ctx context.Context, timeout time.Duration) (audio.AudioFrame, bool, error)
}

// WakeDetector turns frames into wake events. [wake.Gate] implements it.
//
// Reset is called after every session, from the goroutine that calls
// Process, because the frames read during the session never reached the
// detector.
type WakeDetector interface {
	Process(ctx context.Context, frame audio.AudioFrame) (wakeword.Event, bool)
	Reset()
}

// Router produces the reply to a transcript. [routing.Engine] implements it.
type Router interface {
	Route(ctx context.Context, query string, rc routing.Context) (string, routing.Decision)
}

// Deps holds the collaborators of a [Controller]. All are required.
type Deps struct {
	Source FrameSource
	Wake   WakeDetector
	STT    stt.Provider
	Router Router
	TTS    tts.Provider
	Player audio.Player
}

// Config holds the session timing and speech parameters.
type Config struct {
	// VolumeThreshold is the normalised RMS above which a frame counts as
	// speech. The raw threshold is VolumeThreshold * 32768.
	VolumeThreshold float64

	// SpeechTimeout bounds the whole capture phase.
	SpeechTimeout time.Duration

	// SilenceDuration ends capture once this much silence follows speech.
	SilenceDuration time.Duration

	// StopGrace is how long Stop lets a running session finish.
	StopGrace time.Duration

	STTTimeout time.Duration
	TTSTimeout time.Duration

	// HistorySize is the number of user and assistant messages kept for
	// routing.
	HistorySize int

	// PollInterval is the frame read timeout during capture.
	PollInterval time.Duration

	// Language is passed to the recogniser. Empty lets it decide.
	Language string

	// Voice is passed to the synthesiser.
	Voice tts.VoiceProfile
}

func (c Config) withDefaults() Config {
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = DefaultVolumeThreshold
	}
	if c.SpeechTimeout <= 0 {
		c.SpeechTimeout = DefaultSpeechTimeout
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = DefaultSTTTimeout
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = DefaultTTSTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Option configures a [Controller].
type Option func(*Controller)

// WithCorrector fixes misheard vocabulary in transcripts before routing.
func WithCorrector(c *phonetic.Corrector) Option {
	return func(ctl *Controller) { ctl.corrector = c }
}

// WithKeywords passes recognition hints to the recogniser.
func WithKeywords(kw []stt.KeywordBoost) Option {
	return func(ctl *Controller) { ctl.keywords = kw }
}

// WithChime plays clip after every accepted wake word, before capture.
func WithChime(clip tts.Clip) Option {
	return func(ctl *Controller) { ctl.chime = &clip }
}

// WithMetrics records session, STT and TTS metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// WithAggregator records stage latencies and counters in agg.
func WithAggregator(agg *stats.Aggregator) Option {
	return func(ctl *Controller) { ctl.agg = agg }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.log = l }
}

// WithClock overrides the time source used for endpointing.
func WithClock(now func() time.Time) Option {
	return func(ctl *Controller) { ctl.now = now }
}

// Controller is the interaction state machine.
type Controller struct {
	deps      Deps
	cfg       Config
	corrector *phonetic.Corrector
	keywords  []stt.KeywordBoost
	chime     *tts.Clip
	metrics   *observe.Metrics
	agg       *stats.Aggregator
	log       *slog.Logger
	now       func() time.Time

	state atomic.Int32

	mu          sync.Mutex
	active      *Session
	history     []llm.Message
	cancelRun   context.CancelFunc
	force       context.Context
	forceCancel context.CancelFunc
	done        chan struct{}

	total         atomic.Int64
	successful    atomic.Int64
	failed        atomic.Int64
	noSpeech      atomic.Int64
	notUnderstood atomic.Int64
	dropped       atomic.Int64
	response      stats.RunningMean
}

// New creates a Controller in [StateIdle].
func New(deps Deps, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		deps: deps,
		cfg:  cfg.withDefaults(),
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// transition moves from one state to another if the controller is in from.
func (c *Controller) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.mu.Lock()
	if c.active != nil {
		c.active.State = to
	}
	c.mu.Unlock()
	c.log.Debug("state transition", "from", from.String(), "to", to.String())
	return true
}

// enterSpeaking moves any active state to StateSpeaking. It fails once Stop
// has reclaimed the controller.
func (c *Controller) enterSpeaking() bool {
	for {
		cur := c.State()
		if !cur.Active() {
			return false
		}
		if cur == StateSpeaking || c.transition(cur, StateSpeaking) {
			return true
		}
	}
}

// ─── Loop ─────────────────────────────────────────────────────────────────────

// Run reads frames and handles wake events until ctx is cancelled or Stop is
// called. A session in progress when ctx is cancelled is allowed to finish;
// use Stop to bound that wait. Run returns an error wrapping
// [fault.ErrDevice] when the frame source loses its device, and
// [fault.ErrState] when the loop is already running.
func (c *Controller) Run(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateListening)) {
		return fault.E(fault.ErrState, "interaction.run", errors.New("already running"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	force, forceCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancelRun, c.force, c.forceCancel, c.done = cancel, force, forceCancel, done
	c.mu.Unlock()
	defer func() {
		cancel()
		forceCancel()
		c.state.Store(int32(StateIdle))
		close(done)
	}()

	c.log.Info("interaction loop started")
	sessionCtx := context.WithoutCancel(runCtx)
	paused := false
	for {
		if runCtx.Err() != nil {
			c.log.Info("interaction loop stopped")
			return nil
		}
		// A session started through HandleWake from another goroutine owns
		// the frame source until it ends.
		if c.State().Active() {
			paused = true
			select {
			case <-runCtx.Done():
			case <-time.After(c.cfg.PollInterval):
			}
			continue
		}
		if paused {
			c.deps.Wake.Reset()
			paused = false
		}

		frame, ok, err := c.deps.Source.Read(runCtx, c.cfg.PollInterval)
		if err != nil {
			switch {
			case runCtx.Err() != nil:
				continue
			case errors.Is(err, fault.ErrDevice):
				c.log.Error("capture device failed", "err", err)
				return err
			case errors.Is(err, fault.ErrState):
				c.log.Info("frame source stopped", "err", err)
				return nil
			default:
				c.log.Warn("frame read failed", "err", err)
				continue
			}
		}
		if !ok {
			continue
		}

		ev, woke := c.deps.Wake.Process(runCtx, frame)
		if !woke {
			continue
		}
		if err := c.HandleWake(sessionCtx, ev); err != nil {
			if errors.Is(err, fault.ErrState) {
				c.log.Debug("wake ignored", "err", err)
			} else {
				c.log.Warn("wake handling failed", "err", err)
			}
			continue
		}
		c.deps.Wake.Reset()
	}
}

// Stop ends the loop. A running session gets StopGrace (or until ctx is
// done, whichever comes first) to finish; after that its context is
// cancelled, which drives it to the apology path, and the state is reset to
// [StateIdle]. Stop returns an error wrapping [fault.ErrTimeout] when the
// session had to be cancelled. Stop on a controller that is not running is a
// no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, forceCancel, done := c.cancelRun, c.forceCancel, c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()

	grace := time.NewTimer(c.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	c.log.Warn("session did not finish within grace period, cancelling",
		"grace", c.cfg.StopGrace, "state", c.State().String())
	forceCancel()
	select {
	case <-done:
	case <-time.After(forceWait):
		c.log.Error("session ignored cancellation, resetting state")
	}
	c.state.Store(int32(StateIdle))
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
	return fault.E(fault.ErrTimeout, "interaction.stop", errors.New("session cancelled after grace period"))
}

// ─── Session ──────────────────────────────────────────────────────────────────

// HandleWake runs one session for ev and returns when it has been spoken. It
// fails with [fault.ErrState] when the loop is not listening, in particular
// while another session is active.
func (c *Controller) HandleWake(ctx context.Context, ev wakeword.Event) error {
	if !c.transition(StateListening, StateCapturing) {
		c.dropped.Add(1)
		if c.agg != nil {
			c.agg.Incr(stats.CounterWakeDropped)
		}
		return fault.E(fault.ErrState, "interaction.wake",
			fmt.Errorf("cannot start session in state %s", c.State()))
	}

	c.mu.Lock()
	force := c.force
	c.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if force != nil {
		stop := context.AfterFunc(force, cancel)
		defer stop()
	}

	c.runSession(ctx, ev)
	return nil
}

func (c *Controller) runSession(ctx context.Context, ev wakeword.Event) {
	sess := &Session{
		ID:        uuid.NewString(),
		State:     StateCapturing,
		StartedAt: c.now(),
		WakeWord:  ev.Word,
	}
	c.mu.Lock()
	c.active = sess
	c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "interaction.session", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("wake.word", ev.Word),
	))
	defer span.End()
	ctx = observe.WithSession(ctx, sess.ID)
	log := observe.Enrich(ctx, c.log)
	log.Info("session started", "word", ev.Word, "confidence", ev.Confidence)

	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(ctx, 1)
		defer c.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}
	c.total.Add(1)
	if c.agg != nil {
		c.agg.Incr(stats.CounterInteractions)
	}

	reply, outcome := c.converse(ctx, sess, log)
	sess.Response = reply
	sess.Outcome = outcome

	// A cancelled session still speaks its apology, within apologyBudget.
	speakCtx, cancelSpeak := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSpeak()
	stopBound := context.AfterFunc(ctx, func() { time.AfterFunc(apologyBudget, cancelSpeak) })
	defer stopBound()
	c.enterSpeaking()
	c.speak(speakCtx, reply, log)

	elapsed := c.now().Sub(sess.StartedAt)
	c.record(ctx, outcome, elapsed)
	span.SetAttributes(attribute.String("session.outcome", string(outcome)))
	log.Info("session finished", "outcome", string(outcome), "elapsed", elapsed)

	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
	c.transition(StateSpeaking, StateListening)
}

// converse runs capture, transcription and routing and returns the text to
// speak.
func (c *Controller) converse(ctx context.Context, sess *Session, log *slog.Logger) (string, Outcome) {
	if c.chime != nil {
		if err := c.deps.Player.Play(ctx, c.chime.PCM, c.chime.Format); err != nil {
			log.Debug("wake chime failed", "err", err)
		}
	}

	pcm, speech, err := c.capture(ctx)
	if err != nil {
		log.Error("capture failed", "err", err)
		return ApologyError, OutcomeError
	}
	if !speech {
		log.Info("no speech detected")
		return ApologyNoSpeech, OutcomeNoSpeech
	}
	sess.Audio = pcm

	if !c.transition(StateCapturing, StateTranscribing) {
		log.Warn("session reclaimed during capture")
		return ApologyError, OutcomeError
	}
	text, err := c.transcribe(ctx, pcm)
	if err != nil {
		log.Error("transcription failed", "err", err, "kind", fault.KindName(err))
		return ApologyError, OutcomeError
	}
	if text == "" {
		log.Info("no speech recognised")
		return ApologyNotUnderstood, OutcomeNotUnderstood
	}
	if c.corrector != nil {
		if fixed, corrections := c.corrector.Correct(text); len(corrections) > 0 {
			log.Debug("transcript corrected", "from", text, "to", fixed, "corrections", len(corrections))
			text = fixed
		}
	}
	sess.Transcript = text
	log.Info("user said", "text", text)

	if !c.transition(StateTranscribing, StateRouting) {
		log.Warn("session reclaimed during transcription")
		return ApologyError, OutcomeError
	}
	if err := ctx.Err(); err != nil {
		log.Error("session cancelled before routing", "err", err)
		return ApologyError, OutcomeError
	}
	reply, decision := c.deps.Router.Route(ctx, text, routing.Context{History: c.History()})
	log.Info("response generated",
		"remote", decision.UseRemote,
		"reason", decision.Reason,
		"elapsed", decision.Elapsed)
	if strings.TrimSpace(reply) == "" {
		reply = ApologyEmptyResponse
	}
	c.remember(text, reply)
	return reply, OutcomeSuccess
}

// capture collects frames until silence follows speech or the speech timeout
// elapses. speech is false when no frame rose above the volume threshold.
func (c *Controller) capture(ctx context.Context) (pcm []byte, speech bool, err error) {
	threshold := c.cfg.VolumeThreshold * audio.FullScale
	start := c.now()
	lastSpeech := start
	for {
		now := c.now()
		if now.Sub(start) >= c.cfg.SpeechTimeout {
			break
		}
		if speech && now.Sub(lastSpeech) >= c.cfg.SilenceDuration {
			break
		}
		frame, ok, err := c.deps.Source.Read(ctx, c.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			if fault.Classify(err) != nil {
				return nil, false, err
			}
			return nil, false, fault.E(fault.ErrDevice, "interaction.capture", err)
		}
		if !ok {
			continue
		}
		pcm = append(pcm, frame.Data...)
		if audio.RMS(frame.Data) > threshold {
			speech = true
			lastSpeech = c.now()
		}
	}
	return pcm, speech, nil
}

func (c *Controller) transcribe(ctx context.Context, pcm []byte) (string, error) {
	ctx, span := observe.StartSpan(ctx, "interaction.transcribe")
	defer span.End()

	cfg := stt.Config{
		SampleRate: audio.SpeechFormat.SampleRate,
		Channels:   audio.SpeechFormat.Channels,
		Language:   c.cfg.Language,
		Keywords:   c.keywords,
	}
	start := time.Now()
	tr, err := withTimeout(ctx, c.cfg.STTTimeout, func(ctx context.Context) (stt.Transcript, error) {
		return c.deps.STT.Transcribe(ctx, pcm, cfg)
	})
	elapsed := time.Since(start)
	c.observeProvider(ctx, "stt", elapsed, err)
	if c.agg != nil {
		c.agg.Observe(stats.StageSTT, elapsed)
	}
	if err != nil {
		span.RecordError(err)
		return "", modelError("interaction.transcribe", err)
	}
	return strings.TrimSpace(tr.Text), nil
}

// speak synthesises and plays text. Failures are logged; the session ends
// either way.
func (c *Controller) speak(ctx context.Context, text string, log *slog.Logger) {
	ctx, span := observe.StartSpan(ctx, "interaction.speak")
	defer span.End()

	start := time.Now()
	clip, err := withTimeout(ctx, c.cfg.TTSTimeout, func(ctx context.Context) (tts.Clip, error) {
		return c.deps.TTS.Synthesize(ctx, text, c.cfg.Voice)
	})
	elapsed := time.Since(start)
	c.observeProvider(ctx, "tts", elapsed, err)
	if c.agg != nil {
		c.agg.Observe(stats.StageTTS, elapsed)
	}
	if err != nil {
		span.RecordError(err)
		log.Error("synthesis failed", "err", modelError("interaction.synthesize", err))
		return
	}
	playFor := time.Duration(audio.DurationMs(clip.PCM, clip.Format.SampleRate, clip.Format.Channels))*time.Millisecond + playSlack
	_, err = withTimeout(ctx, playFor, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.deps.Player.Play(ctx, clip.PCM, clip.Format)
	})
	if err != nil {
		span.RecordError(err)
		log.Error("playback failed", "err", fault.E(fault.ErrDevice, "interaction.play", err))
	}
}

func (c *Controller) observeProvider(ctx context.Context, kind string, elapsed time.Duration, err error) {
	if c.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		c.metrics.RecordProviderError(ctx, kind, kind)
	}
	c.metrics.RecordProviderRequest(ctx, kind, kind, status)
	switch kind {
	case "stt":
		c.metrics.STTDuration.Record(ctx, elapsed.Seconds())
	case "tts":
		c.metrics.TTSDuration.Record(ctx, elapsed.Seconds())
	}
}

func (c *Controller) record(ctx context.Context, outcome Outcome, elapsed time.Duration) {
	switch outcome {
	case OutcomeSuccess:
		c.successful.Add(1)
		c.response.Add(float64(elapsed))
		if c.agg != nil {
			c.agg.Incr(stats.CounterSuccessful)
			c.agg.Observe(stats.StageInteraction, elapsed)
		}
	case OutcomeError:
		c.failed.Add(1)
		if c.agg != nil {
			c.agg.Incr(stats.CounterFailed)
		}
	case OutcomeNoSpeech:
		c.noSpeech.Add(1)
	case OutcomeNotUnderstood:
		c.notUnderstood.Add(1)
	}
	if c.metrics != nil {
		c.metrics.RecordInteraction(context.WithoutCancel(ctx), string(outcome), elapsed.Seconds())
	}
}

// ─── History and status ───────────────────────────────────────────────────────

func (c *Controller) remember(user, assistant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history,
		llm.Message{Role: llm.RoleUser, Content: user},
		llm.Message{Role: llm.RoleAssistant, Content: assistant},
	)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append(c.history[:0], c.history[over:]...)
	}
}

// History returns a copy of the conversation history, oldest first.
func (c *Controller) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Message(nil), c.history...)
}

// ClearHistory forgets the conversation.
func (c *Controller) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}

// Status returns the current state, the active session and counters.
func (c *Controller) Status() Status {
	s := Status{
		State:         c.State().String(),
		Total:         c.total.Load(),
		Successful:    c.successful.Load(),
		Failed:        c.failed.Load(),
		NoSpeech:      c.noSpeech.Load(),
		NotUnderstood: c.notUnderstood.Load(),
		DroppedWakes:  c.dropped.Load(),
		AvgResponse:   time.Duration(c.response.Mean()),
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total) * 100
	}
	c.mu.Lock()
	if c.active != nil {
		s.SessionID = c.active.ID
		s.SessionStarted = c.active.StartedAt
	}
	s.HistoryLength = len(c.history)
	c.mu.Unlock()
	return s
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

type result[T any] struct {
	v   T
	err error
}

// withTimeout runs fn under a timeout and returns when the timeout fires even
// if fn ignores its context.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	ch := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- result[T]{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// modelError tags err as a model error unless it already carries a kind.
func modelError(op string, err error) error {
	if fault.Classify(err) != nil {
		return err
	}
	return fault.E(fault.ErrModel, op, err)
}
