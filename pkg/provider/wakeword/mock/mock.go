// Package mock provides a test double for [wakeword.Scorer].
package mock

import (
	"context"
	"maps"
	"sync"

	"github.com/MrWong99/athina/pkg/provider/wakeword"
)

var _ wakeword.Scorer = (*Scorer)(nil)

// Scorer is a mock [wakeword.Scorer].
type Scorer struct {
	mu sync.Mutex

	// Scores and Err are returned by Score.
	Scores map[string]float64
	Err    error

	// Func, if set, replaces Scores and Err.
	Func func(samples []int16) (map[string]float64, error)

	// WindowLens records the length of every scored window.
	WindowLens []int
}

// Score implements [wakeword.Scorer].
func (s *Scorer) Score(_ context.Context, samples []int16) (map[string]float64, error) {
	s.mu.Lock()
	s.WindowLens = append(s.WindowLens, len(samples))
	fn, scores, err := s.Func, s.Scores, s.Err
	s.mu.Unlock()

	if fn != nil {
		return fn(samples)
	}
	if err != nil {
		return nil, err
	}
	return maps.Clone(scores), nil
}

// Set replaces the returned scores.
func (s *Scorer) Set(scores map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Scores = scores
}

// Calls returns the number of Score invocations.
func (s *Scorer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.WindowLens)
}

// Reset clears recorded calls.
func (s *Scorer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WindowLens = nil
}
