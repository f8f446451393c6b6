// Package energy implements a pure-Go [vad.Engine] based on frame RMS energy
// with hysteresis, so short dips between words do not end a speech segment.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/athina/pkg/audio"
	"github.com/MrWong99/athina/pkg/provider/vad"
)

const (
	// DefaultSpeechThreshold and DefaultSilenceThreshold are normalised RMS
	// levels suitable for a close-talking microphone.
	DefaultSpeechThreshold  = 0.015
	DefaultSilenceThreshold = 0.008

	defaultSpeechFrames  = 3  // ~60 ms at 20 ms frames
	defaultSilenceFrames = 30 // ~600 ms at 20 ms frames
)

var _ vad.Engine = (*Engine)(nil)

// Option configures an [Engine].
type Option func(*Engine)

// WithHangover sets how many consecutive loud frames start a segment and how
// many consecutive quiet frames end one.
func WithHangover(speechFrames, silenceFrames int) Option {
	return func(e *Engine) {
		e.speechFrames = max(speechFrames, 1)
		e.silenceFrames = max(silenceFrames, 1)
	}
}

// Engine creates energy based VAD sessions.
type Engine struct {
	speechFrames  int
	silenceFrames int
}

// New returns an Engine with default hangover.
func New(opts ...Option) *Engine {
	e := &Engine{speechFrames: defaultSpeechFrames, silenceFrames: defaultSilenceFrames}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine]. Zero thresholds take the package
// defaults.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy vad: invalid frame config %dHz/%dms", cfg.SampleRate, cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy vad: silence threshold %.4f above speech threshold %.4f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{
		frameBytes:    cfg.FrameBytes(),
		speechLevel:   cfg.SpeechThreshold,
		silenceLevel:  cfg.SilenceThreshold,
		speechFrames:  e.speechFrames,
		silenceFrames: e.silenceFrames,
	}, nil
}

var errClosed = errors.New("energy vad: session closed")

type session struct {
	mu sync.Mutex

	frameBytes    int
	speechLevel   float64
	silenceLevel  float64
	speechFrames  int
	silenceFrames int

	inSpeech     bool
	speechCount  int
	silenceCount int
	closed       bool
}

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	level := audio.NormalizedRMS(frame)
	ev := vad.Event{Probability: level}

	if s.inSpeech {
		if level < s.silenceLevel {
			s.silenceCount++
			if s.silenceCount >= s.silenceFrames {
				s.inSpeech = false
				s.silenceCount = 0
				ev.Type = vad.SpeechEnd
				return ev, nil
			}
		} else {
			s.silenceCount = 0
		}
		ev.Type = vad.SpeechContinue
		return ev, nil
	}

	if level >= s.speechLevel {
		s.speechCount++
		if s.speechCount >= s.speechFrames {
			s.inSpeech = true
			s.speechCount = 0
			ev.Type = vad.SpeechStart
			return ev, nil
		}
	} else {
		s.speechCount = 0
	}
	ev.Type = vad.Silence
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.speechCount = 0
	s.silenceCount = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
