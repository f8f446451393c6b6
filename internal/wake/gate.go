// Package wake turns a stream of capture frames into wake-word events.
//
// A [Gate] keeps a rolling window of the most recent audio, optionally
// pre-filters it with a VAD session so that silence is never scored, asks a
// [wakeword.Scorer] for per-word confidences and applies the sensitivity
// threshold and the cooldown between accepted detections.
package wake

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/athina/internal/observe"
	"github.com/MrWong99/athina/internal/stats"
	"github.com/MrWong99/athina/pkg/audio"
	"github.com/MrWong99/athina/pkg/provider/vad"
	"github.com/MrWong99/athina/pkg/provider/wakeword"
)

// Defaults applied by [Config.withDefaults].
const (
	DefaultSensitivity = 0.5
	DefaultCooldown    = 2 * time.Second
	DefaultWindow      = 16000 // 1s at 16 kHz
	DefaultWord        = "hey_athina"

	vadFrameMs = 20
	historyAge = time.Hour
)

// Config holds the detection parameters.
type Config struct {
	// Words are the model words that count as a wake word.
	Words []string

	// Sensitivity is the minimum confidence for a detection, in [0, 1].
	Sensitivity float64

	// Cooldown is the minimum time between accepted detections.
	Cooldown time.Duration

	// Window is the number of 16 kHz samples handed to the scorer.
	Window int
}

func (c Config) withDefaults() Config {
	if len(c.Words) == 0 {
		c.Words = []string{DefaultWord}
	}
	if c.Sensitivity <= 0 {
		c.Sensitivity = DefaultSensitivity
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Stats describes the detection history of a [Gate].
type Stats struct {
	Words             []string      `json:"words"`
	Sensitivity       float64       `json:"sensitivity"`
	VADEnabled        bool          `json:"vad_enabled"`
	TotalDetections   int64         `json:"total_detections"`
	RecentDetections  int           `json:"recent_detections"`
	AverageConfidence float64       `json:"average_confidence"`
	Suppressed        int64         `json:"suppressed"`
	LastDetection     time.Time     `json:"last_detection,omitzero"`
	AvgScoreLatency   time.Duration `json:"avg_score_latency"`
}

// Option configures a [Gate].
type Option func(*Gate)

// WithVAD enables the speech pre-filter using a session from engine.
func WithVAD(engine vad.Engine) Option {
	return func(g *Gate) { g.vadEngine = engine }
}

// WithMetrics records wake counters and scoring latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithAggregator counts accepted wakes in agg.
func WithAggregator(agg *stats.Aggregator) Option {
	return func(g *Gate) { g.agg = agg }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// WithClock overrides the time source used for cooldowns and statistics.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

type detection struct {
	at         time.Time
	confidence float64
}

// Gate is the wake-word detector.
//
// Process and Reset must be called from a single goroutine.
// AdjustSensitivity, Stats and ResetStats may be called concurrently with
// them.
type Gate struct {
	scorer    wakeword.Scorer
	words     []string
	cooldown  time.Duration
	vadEngine vad.Engine
	metrics   *observe.Metrics
	agg       *stats.Aggregator
	log       *slog.Logger
	now       func() time.Time

	// Owned by the Process goroutine.
	window  []int16
	vadSess vad.SessionHandle
	vadRest []byte

	mu           sync.Mutex
	sensitivity  float64
	lastAccepted time.Time
	history      []detection
	total        int64
	suppressed   int64
	scoreLatency stats.RunningMean
}

// New creates a Gate. It fails only when a VAD engine is configured and
// cannot open a session.
func New(scorer wakeword.Scorer, cfg Config, opts ...Option) (*Gate, error) {
	cfg = cfg.withDefaults()
	g := &Gate{
		scorer:      scorer,
		words:       slices.Clone(cfg.Words),
		cooldown:    cfg.Cooldown,
		sensitivity: clamp01(cfg.Sensitivity),
		window:      make([]int16, 0, cfg.Window),
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if g.vadEngine != nil {
		sess, err := g.vadEngine.NewSession(vad.Config{
			SampleRate:  audio.SpeechFormat.SampleRate,
			FrameSizeMs: vadFrameMs,
		})
		if err != nil {
			return nil, fmt.Errorf("wake: open vad session: %w", err)
		}
		g.vadSess = sess
	}
	return g, nil
}

// Close releases the VAD session.
func (g *Gate) Close() error {
	if g.vadSess == nil {
		return nil
	}
	return g.vadSess.Close()
}

// Process adds frame to the rolling window and reports whether a wake word
// was accepted. frame must be 16 kHz mono.
func (g *Gate) Process(ctx context.Context, frame audio.AudioFrame) (wakeword.Event, bool) {
	g.appendWindow(frame.Samples())

	if g.vadSess != nil && !g.hasSpeech(frame.Data) {
		return wakeword.Event{}, false
	}

	start := time.Now()
	scores, err := g.scorer.Score(ctx, g.window)
	elapsed := time.Since(start)
	g.scoreLatency.Add(float64(elapsed))
	if g.metrics != nil {
		g.metrics.WakeScoreDuration.Record(ctx, elapsed.Seconds())
	}
	if err != nil {
		if ctx.Err() == nil {
			g.log.Error("wake word scoring failed", "err", err)
		}
		return wakeword.Event{}, false
	}

	return g.decide(ctx, scores)
}

// Reset drops the buffered audio and the VAD smoothing state. Call it when
// the stream resumes after frames were consumed elsewhere, so the next score
// only sees audio that arrived after the gap. The cooldown and statistics
// are kept.
func (g *Gate) Reset() {
	g.window = g.window[:0]
	g.vadRest = g.vadRest[:0]
	if g.vadSess != nil {
		g.vadSess.Reset()
	}
}

// appendWindow keeps the newest cap(window) samples.
func (g *Gate) appendWindow(samples []int16) {
	limit := cap(g.window)
	if len(samples) >= limit {
		g.window = append(g.window[:0], samples[len(samples)-limit:]...)
		return
	}
	if overflow := len(g.window) + len(samples) - limit; overflow > 0 {
		n := copy(g.window, g.window[overflow:])
		g.window = g.window[:n]
	}
	g.window = append(g.window, samples...)
}

// hasSpeech runs the VAD over pcm in 20 ms sub-frames. A partial trailing
// sub-frame is carried over to the next call. A VAD error counts as speech.
func (g *Gate) hasSpeech(pcm []byte) bool {
	frameBytes := audio.SpeechFormat.SampleRate * vadFrameMs / 1000 * 2
	buf := append(g.vadRest, pcm...)
	speech := false
	off := 0
	for ; off+frameBytes <= len(buf); off += frameBytes {
		ev, err := g.vadSess.ProcessFrame(buf[off : off+frameBytes])
		if err != nil {
			g.log.Warn("vad check failed, scoring anyway", "err", err)
			speech = true
			continue
		}
		if ev.IsSpeech() {
			speech = true
		}
	}
	g.vadRest = append(g.vadRest[:0], buf[off:]...)
	return speech
}

// decide applies the word filter, sensitivity and cooldown to scores.
func (g *Gate) decide(ctx context.Context, scores map[string]float64) (wakeword.Event, bool) {
	var (
		bestWord string
		bestConf float64
	)
	g.mu.Lock()
	threshold := g.sensitivity
	for _, w := range g.words {
		conf, ok := scores[w]
		if !ok || conf < threshold {
			continue
		}
		if bestWord == "" || conf > bestConf {
			bestWord, bestConf = w, conf
		}
	}
	if bestWord == "" {
		g.mu.Unlock()
		return wakeword.Event{}, false
	}

	now := g.now()
	if since := now.Sub(g.lastAccepted); !g.lastAccepted.IsZero() && since < g.cooldown {
		g.suppressed++
		g.mu.Unlock()
		g.log.Debug("wake word suppressed by cooldown",
			"word", bestWord,
			"confidence", bestConf,
			"since_last", since)
		return wakeword.Event{}, false
	}
	g.lastAccepted = now
	g.total++
	g.history = append(g.history, detection{at: now, confidence: bestConf})
	g.pruneLocked(now)
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.RecordWake(ctx, bestWord)
	}
	if g.agg != nil {
		g.agg.Incr(stats.CounterWakeEvents)
	}
	g.log.Info("wake word detected", "word", bestWord, "confidence", bestConf)
	return wakeword.Event{Word: bestWord, Confidence: bestConf, Timestamp: now}, true
}

// pruneLocked drops detections older than an hour. Must hold g.mu.
func (g *Gate) pruneLocked(now time.Time) {
	i := 0
	for i < len(g.history) && now.Sub(g.history[i].at) >= historyAge {
		i++
	}
	g.history = g.history[i:]
}

// Sensitivity returns the current detection threshold.
func (g *Gate) Sensitivity() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sensitivity
}

// AdjustSensitivity adds delta to the threshold, clamps it to [0, 1] and
// returns the new value.
func (g *Gate) AdjustSensitivity(delta float64) float64 {
	g.mu.Lock()
	old := g.sensitivity
	g.sensitivity = clamp01(old + delta)
	v := g.sensitivity
	g.mu.Unlock()
	g.log.Info("wake sensitivity adjusted", "from", old, "to", v)
	return v
}

// Stats returns a snapshot of the detection history.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())

	var avg float64
	for _, d := range g.history {
		avg += d.confidence
	}
	if len(g.history) > 0 {
		avg /= float64(len(g.history))
	}
	return Stats{
		Words:             slices.Clone(g.words),
		Sensitivity:       g.sensitivity,
		VADEnabled:        g.vadSess != nil,
		TotalDetections:   g.total,
		RecentDetections:  len(g.history),
		AverageConfidence: avg,
		Suppressed:        g.suppressed,
		LastDetection:     g.lastAccepted,
		AvgScoreLatency:   time.Duration(g.scoreLatency.Mean()),
	}
}

// ResetStats clears detection counters, history and the last detection time,
// which also ends any running cooldown. The sensitivity is kept.
func (g *Gate) ResetStats() {
	g.mu.Lock()
	g.lastAccepted = time.Time{}
	g.total = 0
	g.suppressed = 0
	g.history = nil
	g.mu.Unlock()
	g.scoreLatency.Reset()
	g.log.Info("wake statistics reset")
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
