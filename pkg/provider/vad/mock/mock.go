// Package mock provides test doubles for the vad package interfaces.
//
//	sess := &mock.Session{Result: vad.Event{Type: vad.Silence}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/athina/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine is a mock [vad.Engine].
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. A fresh Session is returned if nil.
	Session vad.SessionHandle

	// NewSessionErr is returned by NewSession when set.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call.
	NewSessionCalls []vad.Config
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a mock [vad.SessionHandle].
type Session struct {
	mu sync.Mutex

	// Result and Err are returned by ProcessFrame unless Func is set.
	Result vad.Event
	Err    error

	// Func, when set, decides every ProcessFrame result.
	Func func(frame []byte) (vad.Event, error)

	// Frames holds a copy of every frame passed to ProcessFrame.
	Frames [][]byte

	ResetCount int
	CloseCount int
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, append([]byte(nil), frame...))
	if s.Func != nil {
		return s.Func(frame)
	}
	return s.Result, s.Err
}

// FrameCount returns the number of frames processed so far.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCount++
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return nil
}
