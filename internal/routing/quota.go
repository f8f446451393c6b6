package routing

import (
	"sync"
	"time"
)

// Quota defaults.
const (
	DefaultMaxRequestsPerHour = 100
	DefaultMaxTokensPerHour   = 50000
	DefaultQuotaWindow        = time.Hour
)

// QuotaSnapshot is a point-in-time view of a [Quota].
type QuotaSnapshot struct {
	Requests          int       `json:"requests"`
	Tokens            int       `json:"tokens"`
	MaxRequests       int       `json:"max_requests"`
	MaxTokens         int       `json:"max_tokens"`
	RequestsRemaining int       `json:"requests_remaining"`
	TokensRemaining   int       `json:"tokens_remaining"`
	WindowStart       time.Time `json:"window_start"`
	Exhausted         bool      `json:"exhausted"`
}

// Quota limits remote usage to a number of requests and tokens per window.
// The window restarts once now - windowStart reaches the window length, so
// a long idle period restores the full allowance exactly once.
type Quota struct {
	maxRequests int
	maxTokens   int
	window      time.Duration
	now         func() time.Time

	mu          sync.Mutex
	requests    int
	tokens      int
	windowStart time.Time
}

// NewQuota creates a Quota. Non-positive limits use the defaults. A nil now
// means time.Now.
func NewQuota(maxRequests, maxTokens int, window time.Duration, now func() time.Time) *Quota {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequestsPerHour
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokensPerHour
	}
	if window <= 0 {
		window = DefaultQuotaWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Quota{
		maxRequests: maxRequests,
		maxTokens:   maxTokens,
		window:      window,
		now:         now,
		windowStart: now(),
	}
}

// rollLocked starts a new window when the current one has elapsed. Must hold
// q.mu.
func (q *Quota) rollLocked() {
	now := q.now()
	if now.Sub(q.windowStart) >= q.window {
		q.requests = 0
		q.tokens = 0
		q.windowStart = now
	}
}

func (q *Quota) exhaustedLocked() bool {
	return q.requests >= q.maxRequests || q.tokens >= q.maxTokens
}

// Exhausted reports whether the request or token budget of the current
// window is used up.
func (q *Quota) Exhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollLocked()
	return q.exhaustedLocked()
}

// Record charges one request and tokens to the current window.
func (q *Quota) Record(tokens int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollLocked()
	q.requests++
	q.tokens += max(tokens, 0)
}

// Snapshot returns the current usage.
func (q *Quota) Snapshot() QuotaSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollLocked()
	return QuotaSnapshot{
		Requests:          q.requests,
		Tokens:            q.tokens,
		MaxRequests:       q.maxRequests,
		MaxTokens:         q.maxTokens,
		RequestsRemaining: max(q.maxRequests-q.requests, 0),
		TokensRemaining:   max(q.maxTokens-q.tokens, 0),
		WindowStart:       q.windowStart,
		Exhausted:         q.exhaustedLocked(),
	}
}

// Reset clears usage and starts a new window now.
func (q *Quota) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = 0
	q.tokens = 0
	q.windowStart = q.now()
}

// EstimateTokens approximates the token count of text for backends that do
// not report usage. ASCII runes weigh one quarter of a token, other runes a
// full token.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}
