// Package routing decides whether a query is answered by the remote language
// model or by the local pattern responder, and produces the response.
//
// The decision runs in a fixed order: remote availability, the hourly
// [Quota], then the configured [Mode]. A remote decision first consults the
// response [Cache]; a miss calls the remote model under a hard timeout and a
// circuit breaker. Any remote failure falls back to the [LocalResponder] and
// is recorded in [Decision.Reason].
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/athina/internal/fault"
	"github.com/MrWong99/athina/internal/observe"
	"github.com/MrWong99/athina/internal/resilience"
	"github.com/MrWong99/athina/internal/stats"
	"github.com/MrWong99/athina/pkg/provider/llm"
)

// Mode selects how queries are routed when the remote is usable.
type Mode string

const (
	// ModeNever answers every query locally.
	ModeNever Mode = "never"
	// ModeAlways sends every query to the remote.
	ModeAlways Mode = "always"
	// ModeSmart sends complex queries to the remote.
	ModeSmart Mode = "smart"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNever, ModeAlways, ModeSmart:
		return true
	}
	return false
}

// Defaults applied by [Config.withDefaults].
const (
	DefaultComplexityThreshold      = 100
	DefaultLocalConfidenceThreshold = 0.7
	DefaultAPITimeout               = 10 * time.Second
	DefaultMaxTokens                = 1000
	DefaultTemperature              = 0.7
	DefaultHistoryMessages          = 5
)

// Decision reasons without a variable part.
const (
	ReasonUnavailable   = "remote unavailable"
	ReasonQuota         = "quota exhausted"
	ReasonNever         = "fallback disabled"
	ReasonAlways        = "always use remote"
	ReasonLowConfidence = "low local confidence"
	ReasonReasoning     = "requires reasoning"
	ReasonLocal         = "local processing sufficient"
	ReasonAllFailed     = "all processing failed"
)

var (
	// DefaultComplexKeywords mark a query as complex in smart mode.
	DefaultComplexKeywords = []string{
		"explain", "analyze", "compare", "research", "detailed",
		"comprehensive", "complex", "advanced",
	}

	// DefaultTopics are subjects the local responder cannot cover.
	DefaultTopics = []string{
		"science", "history", "literature", "philosophy",
		"current events", "news", "research",
	}
)

// ErrEmptyResponse is returned by the remote path when the model answered
// with no text.
var ErrEmptyResponse = errors.New("routing: empty remote response")

// Config holds the routing parameters.
type Config struct {
	Mode                     Mode
	ComplexityThreshold      int
	ComplexKeywords          []string
	Topics                   []string
	LocalConfidenceThreshold float64

	// APITimeout bounds each remote call regardless of the provider's own
	// timeout handling.
	APITimeout time.Duration

	MaxRequestsPerHour int
	MaxTokensPerHour   int
	QuotaWindow        time.Duration

	CacheTTL  time.Duration
	CacheSize int

	// EnhanceLocal rephrases pattern responses with the local model when one
	// is configured.
	EnhanceLocal bool

	MaxTokens       int
	Temperature     float64
	HistoryMessages int
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeSmart
	}
	if c.ComplexityThreshold <= 0 {
		c.ComplexityThreshold = DefaultComplexityThreshold
	}
	if c.ComplexKeywords == nil {
		c.ComplexKeywords = DefaultComplexKeywords
	}
	if c.Topics == nil {
		c.Topics = DefaultTopics
	}
	if c.LocalConfidenceThreshold <= 0 {
		c.LocalConfidenceThreshold = DefaultLocalConfidenceThreshold
	}
	if c.APITimeout <= 0 {
		c.APITimeout = DefaultAPITimeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	if c.HistoryMessages <= 0 {
		c.HistoryMessages = DefaultHistoryMessages
	}
	return c
}

// Context carries the per-query inputs besides the query text.
type Context struct {
	// History is the recent conversation, oldest first.
	History []llm.Message

	// LocalConfidence, when set, is the caller's confidence that the local
	// responder can handle the query.
	LocalConfidence *float64

	// RequiresReasoning forces the remote in smart mode.
	RequiresReasoning bool
}

// Decision describes how a query was answered. It is a value and is never
// modified after Route returns it.
type Decision struct {
	UseRemote         bool          `json:"use_remote"`
	Confidence        float64       `json:"confidence"`
	Reason            string        `json:"reason"`
	FallbackAvailable bool          `json:"fallback_available"`
	Elapsed           time.Duration `json:"elapsed"`
}

// Stats summarises routing since construction or the last ResetStats.
type Stats struct {
	Total    int64 `json:"total"`
	Remote   int64 `json:"remote"`
	Local    int64 `json:"local"`
	Fallback int64 `json:"fallback"`
	Failed   int64 `json:"failed"`

	RemotePercent   float64 `json:"remote_percent"`
	LocalPercent    float64 `json:"local_percent"`
	FallbackPercent float64 `json:"fallback_percent"`
	FailurePercent  float64 `json:"failure_percent"`

	AvgLocal  time.Duration `json:"avg_local"`
	AvgRemote time.Duration `json:"avg_remote"`

	Cache   CacheStats                `json:"cache"`
	Quota   QuotaSnapshot             `json:"quota"`
	Breaker *resilience.BreakerStatus `json:"breaker,omitempty"`
}

// Option configures an [Engine].
type Option func(*Engine)

// WithRemote sets the remote model. Without one every query is local.
func WithRemote(p llm.Provider) Option {
	return func(e *Engine) { e.remote = p }
}

// WithLocalModel sets the model used to rephrase local responses when
// [Config.EnhanceLocal] is on.
func WithLocalModel(p llm.Provider) Option {
	return func(e *Engine) { e.localModel = p }
}

// WithPersona sets the persona used for the remote system prompt.
func WithPersona(p Persona) Option {
	return func(e *Engine) { e.persona = p }
}

// WithBreaker guards remote calls with cb. By default a breaker with the
// standard settings is created.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = cb }
}

// WithResponder replaces the local pattern responder.
func WithResponder(r *LocalResponder) Option {
	return func(e *Engine) { e.responder = r }
}

// WithMetrics records decisions, fallbacks and remote latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAggregator records local and remote latency in agg.
func WithAggregator(agg *stats.Aggregator) Option {
	return func(e *Engine) { e.agg = agg }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the time source of the quota, the cache and the local
// responder.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the routing engine. It is safe for concurrent use.
type Engine struct {
	cfg        Config
	remote     llm.Provider
	localModel llm.Provider
	persona    Persona
	breaker    *resilience.CircuitBreaker
	responder  *LocalResponder
	metrics    *observe.Metrics
	agg        *stats.Aggregator
	log        *slog.Logger
	now        func() time.Time

	quota *Quota
	cache *Cache

	mu         sync.Mutex
	total      int64
	remoteN    int64
	localN     int64
	fallbackN  int64
	failedN    int64
	localMean  stats.RunningMean
	remoteMean stats.RunningMean
}

// New creates an Engine.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg: cfg.withDefaults(),
		log: slog.Default(),
		now: time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.responder == nil {
		e.responder = NewLocalResponder(e.now)
	}
	if e.breaker == nil {
		e.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "remote-llm",
			Now:  e.now,
		})
	}
	e.quota = NewQuota(e.cfg.MaxRequestsPerHour, e.cfg.MaxTokensPerHour, e.cfg.QuotaWindow, e.now)
	e.cache = NewCache(e.cfg.CacheTTL, e.cfg.CacheSize, e.now)
	return e
}

// Route answers query and reports how. It always returns a non-empty
// response.
func (e *Engine) Route(ctx context.Context, query string, rc Context) (string, Decision) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "routing.route")
	defer span.End()
	log := observe.Enrich(ctx, e.log)
	d := e.decide(query, rc)
	e.mu.Lock()
	e.total++
	e.mu.Unlock()

	if d.UseRemote {
		text, cached, err := e.remoteResponse(ctx, query, rc.History)
		if err == nil {
			if cached {
				d.Reason += " (cached)"
			}
			d.Elapsed = time.Since(start)
			e.finish(ctx, span, d, func() {
				e.remoteN++
				e.remoteMean.Add(float64(d.Elapsed))
			}, stats.StageRouteRemote)
			log.Debug("query routed", "reason", d.Reason, "elapsed", d.Elapsed)
			return text, d
		}

		kind := fault.KindName(err)
		log.Warn("remote processing failed, falling back to local", "err", err, "kind", kind)
		if e.metrics != nil {
			e.metrics.RecordFallback(ctx, kind)
		}
		span.RecordError(err)
		d.UseRemote = false
		d.FallbackAvailable = true
		d.Reason += " -> fallback: " + kind

		text, lerr := e.localResponse(ctx, query)
		if lerr == nil {
			d.Elapsed = time.Since(start)
			e.finish(ctx, span, d, func() { e.fallbackN++ }, "")
			return text, d
		}
		return e.failed(span, d, start, lerr)
	}

	text, err := e.localResponse(ctx, query)
	if err != nil {
		return e.failed(span, d, start, err)
	}
	d.Elapsed = time.Since(start)
	e.finish(ctx, span, d, func() {
		e.localN++
		e.localMean.Add(float64(d.Elapsed))
	}, stats.StageRouteLocal)
	log.Debug("query routed", "reason", d.Reason, "elapsed", d.Elapsed)
	return text, d
}

// finish updates counters under e.mu and records d on the span, the metrics
// and, when stage is set, the aggregator.
func (e *Engine) finish(ctx context.Context, span trace.Span, d Decision, count func(), stage string) {
	e.mu.Lock()
	count()
	e.mu.Unlock()
	span.SetAttributes(
		attribute.Bool("routing.remote", d.UseRemote),
		attribute.String("routing.reason", d.Reason),
	)
	if e.metrics != nil {
		e.metrics.RecordRoute(ctx, d.UseRemote)
	}
	if e.agg != nil && stage != "" {
		e.agg.Observe(stage, d.Elapsed)
	}
}

func (e *Engine) failed(span trace.Span, d Decision, start time.Time, err error) (string, Decision) {
	e.mu.Lock()
	e.failedN++
	e.mu.Unlock()
	e.log.Error("all processing failed", "err", err)
	span.SetStatus(codes.Error, err.Error())
	d.UseRemote = false
	d.Confidence = 0
	d.FallbackAvailable = false
	d.Reason = ReasonAllFailed
	d.Elapsed = time.Since(start)
	return ResponseAllFailed, d
}

// decide applies the routing rules in order.
func (e *Engine) decide(query string, rc Context) Decision {
	local := func(reason string, conf float64) Decision {
		return Decision{Confidence: conf, Reason: reason, FallbackAvailable: true}
	}
	remote := func(reason string, conf float64) Decision {
		return Decision{UseRemote: true, Confidence: conf, Reason: reason, FallbackAvailable: true}
	}

	if e.remote == nil || !e.remote.Available() {
		return local(ReasonUnavailable, 1.0)
	}
	if e.quota.Exhausted() {
		e.log.Debug("remote quota exhausted", "quota", e.quota.Snapshot())
		return local(ReasonQuota, 1.0)
	}
	switch e.cfg.Mode {
	case ModeNever:
		return local(ReasonNever, 1.0)
	case ModeAlways:
		return remote(ReasonAlways, 1.0)
	}
	if reason, ok := e.complexity(query, rc); ok {
		return remote(reason, 0.8)
	}
	return local(ReasonLocal, 0.9)
}

// complexity returns the first smart-mode rule that query triggers.
func (e *Engine) complexity(query string, rc Context) (string, bool) {
	lower := strings.ToLower(query)
	for _, kw := range e.cfg.ComplexKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return "complex keyword: " + kw, true
		}
	}
	if n := len([]rune(query)); n > e.cfg.ComplexityThreshold {
		return fmt.Sprintf("query length: %d", n), true
	}
	for _, t := range e.cfg.Topics {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return "topic: " + t, true
		}
	}
	if rc.LocalConfidence != nil && *rc.LocalConfidence < e.cfg.LocalConfidenceThreshold {
		return ReasonLowConfidence, true
	}
	if rc.RequiresReasoning {
		return ReasonReasoning, true
	}
	return "", false
}

// ─── Remote path ──────────────────────────────────────────────────────────────

// remoteResponse serves query from the cache or the remote model. cached
// reports a cache hit.
func (e *Engine) remoteResponse(ctx context.Context, query string, history []llm.Message) (text string, cached bool, err error) {
	key := CacheKey(query, history)
	if v, ok := e.cache.Get(key); ok {
		if e.metrics != nil {
			e.metrics.RecordCacheLookup(ctx, true)
		}
		return v, true, nil
	}
	if e.metrics != nil {
		e.metrics.RecordCacheLookup(ctx, false)
	}

	req := e.remoteRequest(query, history)
	resp, err := e.complete(ctx, e.remote, req, "remote")
	if err != nil {
		return "", false, err
	}
	text = strings.TrimSpace(resp.Content)
	if text == "" {
		return "", false, fault.E(fault.ErrModel, "routing.remote", ErrEmptyResponse)
	}

	tokens := resp.Usage.TotalTokens
	if tokens <= 0 {
		tokens = estimateRequestTokens(req) + EstimateTokens(text)
	}
	e.quota.Record(tokens)
	e.cache.Put(key, text)
	return text, false, nil
}

func (e *Engine) remoteRequest(query string, history []llm.Message) llm.CompletionRequest {
	tail := history[max(len(history)-e.cfg.HistoryMessages, 0):]
	msgs := make([]llm.Message, 0, len(tail)+1)
	msgs = append(msgs, tail...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: query})
	return llm.CompletionRequest{
		SystemPrompt: e.persona.SystemPrompt(),
		Messages:     msgs,
		MaxTokens:    e.cfg.MaxTokens,
		Temperature:  e.cfg.Temperature,
	}
}

type completion struct {
	resp *llm.CompletionResponse
	err  error
}

// complete calls p under the API timeout and, for the remote, the circuit
// breaker. The call is abandoned when the timeout fires even if p ignores its
// context.
func (e *Engine) complete(ctx context.Context, p llm.Provider, req llm.CompletionRequest, label string) (*llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.APITimeout)
	defer cancel()

	var resp *llm.CompletionResponse
	call := func() error {
		done := make(chan completion, 1)
		go func() {
			r, err := p.Complete(ctx, req)
			done <- completion{r, err}
		}()
		select {
		case c := <-done:
			if c.err == nil && c.resp == nil {
				c.err = ErrEmptyResponse
			}
			resp = c.resp
			return c.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	start := time.Now()
	var err error
	if label == "remote" {
		err = e.breaker.Execute(call)
	} else {
		err = call()
	}
	elapsed := time.Since(start)

	if e.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
			e.metrics.RecordProviderError(ctx, label, "llm")
		}
		e.metrics.RecordProviderRequest(ctx, label, "llm", status)
		e.metrics.LLMDuration.Record(ctx, elapsed.Seconds())
	}
	if err != nil {
		return nil, classifyRemote(err)
	}
	return resp, nil
}

// classifyRemote gives every remote failure a kind. Errors without a more
// specific kind are network errors.
func classifyRemote(err error) error {
	const op = "routing.remote"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrAllFailed):
		return fault.E(fault.ErrNetwork, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fault.E(fault.ErrTimeout, op, err)
	case errors.Is(err, llm.ErrRateLimited):
		return fault.E(fault.ErrQuotaExceeded, op, err)
	case errors.Is(err, llm.ErrUnauthorized):
		return fault.E(fault.ErrModel, op, err)
	case fault.Classify(err) != nil:
		return err
	default:
		return fault.E(fault.ErrNetwork, op, err)
	}
}

func estimateRequestTokens(req llm.CompletionRequest) int {
	n := EstimateTokens(req.SystemPrompt)
	for _, m := range req.Messages {
		n += EstimateTokens(m.Content)
	}
	return n
}

// ─── Local path ───────────────────────────────────────────────────────────────

// localResponse runs the pattern responder and the optional enhancement. It
// fails only when ctx is done or the responder panics.
func (e *Engine) localResponse(ctx context.Context, query string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("routing: local responder panicked: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, category := e.responder.Respond(query)
	if e.cfg.EnhanceLocal && e.localModel != nil && e.localModel.Available() {
		text = e.enhance(ctx, query, text, category)
	}
	return text, nil
}

// enhance asks the local model to rephrase response. The original response
// is kept on any failure.
func (e *Engine) enhance(ctx context.Context, query, response string, category Category) string {
	prompt := "Original query: " + query + "\n" +
		"Local response: " + response + "\n" +
		"Please enhance this response to be more helpful, natural, and conversational " +
		"while maintaining accuracy and the core information."
	req := llm.CompletionRequest{
		SystemPrompt: e.persona.SystemPrompt(),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:    e.cfg.MaxTokens,
		Temperature:  e.cfg.Temperature,
	}
	resp, err := e.complete(ctx, e.localModel, req, "local")
	if err != nil {
		e.log.Warn("local response enhancement failed", "err", err, "category", string(category))
		return response
	}
	if out := strings.TrimSpace(resp.Content); out != "" {
		return out
	}
	return response
}

// ─── Statistics ───────────────────────────────────────────────────────────────

// Stats returns routing counters, latencies, cache and quota state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := Stats{
		Total:     e.total,
		Remote:    e.remoteN,
		Local:     e.localN,
		Fallback:  e.fallbackN,
		Failed:    e.failedN,
		AvgLocal:  time.Duration(e.localMean.Mean()),
		AvgRemote: time.Duration(e.remoteMean.Mean()),
	}
	e.mu.Unlock()

	total := float64(max(s.Total, 1))
	s.RemotePercent = float64(s.Remote) / total * 100
	s.LocalPercent = float64(s.Local) / total * 100
	s.FallbackPercent = float64(s.Fallback) / total * 100
	s.FailurePercent = float64(s.Failed) / total * 100
	s.Cache = e.cache.Stats()
	s.Quota = e.quota.Snapshot()
	bs := e.breaker.Status()
	s.Breaker = &bs
	return s
}

// ResetStats zeroes the routing counters and latencies and the cache hit
// counters. Quota usage and cached responses are kept.
func (e *Engine) ResetStats() {
	e.mu.Lock()
	e.total, e.remoteN, e.localN, e.fallbackN, e.failedN = 0, 0, 0, 0, 0
	e.localMean.Reset()
	e.remoteMean.Reset()
	e.mu.Unlock()
	e.cache.ResetStats()
	e.log.Info("routing statistics reset")
}

// ClearCache drops every cached response.
func (e *Engine) ClearCache() { e.cache.Clear() }

// Quota returns the remote usage quota.
func (e *Engine) Quota() *Quota { return e.quota }

// RemoteAvailable reports whether a remote is configured and available.
func (e *Engine) RemoteAvailable() bool {
	return e.remote != nil && e.remote.Available()
}
