// Package wakeword defines the Scorer interface for wake-word models and the
// Event emitted when a configured word is accepted.
//
// A Scorer only reports per-word confidences for a window of audio. Deciding
// whether a confidence is a detection (threshold, cooldown, word filter) is
// the caller's job.
package wakeword

import (
	"context"
	"time"
)

// Event is a single accepted wake-word detection.
type Event struct {
	// Word is the configured wake word that matched (e.g. "hey_athina").
	Word string

	// Confidence is the model score in [0, 1].
	Confidence float64

	// Timestamp is when the detection was accepted.
	Timestamp time.Time
}

// Scorer scores a window of 16 kHz mono samples against every word the
// model knows.
//
// Implementations must be safe for concurrent use.
type Scorer interface {
	// Score returns a confidence in [0, 1] per model word. Words the model
	// does not know are simply absent from the map.
	Score(ctx context.Context, samples []int16) (map[string]float64, error)
}
