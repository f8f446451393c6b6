package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails, is
// unavailable, or has an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// errUnavailable marks an entry skipped because it reported itself down.
var errUnavailable = errors.New("provider unavailable")

// availabler is implemented by providers that track their own reachability,
// such as the LLM backends after a failed startup probe.
type availabler interface {
	Available() bool
}

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// usable reports whether the entry may be tried right now.
func (e *fallbackEntry[T]) usable() bool {
	if a, ok := any(e.value).(availabler); ok && !a.Available() {
		return false
	}
	return e.breaker.Allows()
}

// FallbackGroup holds a primary and zero or more fallback instances of the
// same provider type. Entries are tried in registration order; an entry is
// skipped when its breaker is open or when it implements Available() and
// reports false.
//
// Entries must be registered before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a provider tried after all previously added ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of registered entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Primary returns the first registered entry.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// Available reports whether at least one entry could be tried now.
func (fg *FallbackGroup[T]) Available() bool {
	for i := range fg.entries {
		if fg.entries[i].usable() {
			return true
		}
	}
	return false
}

// Status returns the breaker status of every entry in order.
func (fg *FallbackGroup[T]) Status() []BreakerStatus {
	out := make([]BreakerStatus, 0, len(fg.entries))
	for i := range fg.entries {
		out = append(out, fg.entries[i].breaker.Status())
	}
	return out
}

// Each calls fn for every entry regardless of breaker state.
func (fg *FallbackGroup[T]) Each(fn func(name string, v T)) {
	for i := range fg.entries {
		fn(fg.entries[i].name, fg.entries[i].value)
	}
}

// Execute tries fn against each entry in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry until one succeeds and
// returns its result. It is a package-level function because methods cannot
// declare type parameters. The returned error wraps [ErrAllFailed] and the
// last entry's error.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error = errUnavailable
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		if a, ok := any(entry.value).(availabler); ok && !a.Available() {
			slog.Debug("skipping provider (unavailable)", "provider", entry.name)
			continue
		}
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
