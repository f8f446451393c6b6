// Package mock provides in-memory implementations of [audio.Capture] and
// [audio.Player] for unit tests.
//
// All mocks are safe for concurrent use. Tests drive capture by calling
// [Capture.Emit] and simulate a disconnected microphone with
// [Capture.LoseDevice].
//
//	cap := &mock.Capture{}
//	stream, _ := cap.Open(cfg, queue.Push)
//	cap.Emit(frame) // delivered to queue.Push
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/athina/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [audio.Capture]. Only the most recently opened stream
// receives emitted frames.
type Capture struct {
	mu sync.Mutex

	// OpenErr, when set, is returned by Open.
	OpenErr error

	// OpenCalls records the configuration of every Open call.
	OpenCalls []audio.DeviceConfig

	current *Stream
	seq     uint64
}

// Open implements [audio.Capture].
func (c *Capture) Open(cfg audio.DeviceConfig, onFrame func(audio.AudioFrame)) (audio.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls = append(c.OpenCalls, cfg)
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	s := &Stream{
		format:  audio.Format{SampleRate: cfg.SampleRate, Channels: max(cfg.Channels, 1)},
		onFrame: onFrame,
		lost:    make(chan struct{}),
	}
	c.current = s
	return s, nil
}

// Emit delivers a frame with pcm to the open stream, stamping format and
// sequence number. It reports false when no open stream exists.
func (c *Capture) Emit(pcm []byte) bool {
	c.mu.Lock()
	s := c.current
	seq := c.seq
	c.seq++
	c.mu.Unlock()
	if s == nil {
		return false
	}
	return s.deliver(audio.AudioFrame{
		Data:       pcm,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Seq:        seq,
	})
}

// LoseDevice marks the open stream as lost.
func (c *Capture) LoseDevice() {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s != nil {
		s.markLost()
	}
}

// Current returns the most recently opened stream, or nil.
func (c *Capture) Current() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Stream is the [audio.Stream] returned by [Capture.Open].
type Stream struct {
	mu       sync.Mutex
	format   audio.Format
	onFrame  func(audio.AudioFrame)
	lost     chan struct{}
	lostOnce sync.Once
	closed   bool

	// CloseCount records how many times Close was called.
	CloseCount int
}

func (s *Stream) deliver(f audio.AudioFrame) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	s.onFrame(f)
	return true
}

func (s *Stream) markLost() { s.lostOnce.Do(func() { close(s.lost) }) }

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Lost implements [audio.Stream].
func (s *Stream) Lost() <-chan struct{} { return s.lost }

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.CloseCount++
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Player ───────────────────────────────────────────────────────────────────

// PlayCall records a single [Player.Play] invocation.
type PlayCall struct {
	PCM    []byte
	Format audio.Format
}

// Player is a mock [audio.Player].
type Player struct {
	mu sync.Mutex

	// PlayErr is returned by Play.
	PlayErr error

	// Delay makes Play block for the given duration or until ctx is done.
	Delay time.Duration

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, pcm []byte, format audio.Format) error {
	p.mu.Lock()
	p.PlayCalls = append(p.PlayCalls, PlayCall{PCM: pcm, Format: format})
	delay, err := p.Delay, p.PlayErr
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Calls returns a copy of the recorded calls.
func (p *Player) Calls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PlayCall(nil), p.PlayCalls...)
}

// Reset clears recorded calls and configured errors.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlayCalls = nil
	p.PlayErr = nil
	p.Delay = 0
}
