// Package ingest owns the capture device and the bounded frame queue between
// the driver callback and the interaction loop.
//
// The callback registered with the device does nothing but push into an
// [audio.Queue], which evicts the oldest frame when full, so a slow consumer
// can never stall the audio driver. Format conversion to 16 kHz mono happens
// on the consumer side in [Service.Read].
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/athina/internal/fault"
	"github.com/MrWong99/athina/internal/observe"
	"github.com/MrWong99/athina/pkg/audio"
)

// DefaultDeviceGrace is how long Read keeps returning timeouts after the
// device reported loss before it fails with a device error.
const DefaultDeviceGrace = 2 * time.Second

// DefaultFrameSize is the number of samples per channel in each captured
// frame when the selector does not set one.
const DefaultFrameSize = 1024

var (
	// ErrStopped is returned by Read after Stop.
	ErrStopped = errors.New("ingest: stopped")

	// ErrDeviceLost is wrapped with [fault.ErrDevice] when the device has been
	// gone for longer than the grace period.
	ErrDeviceLost = errors.New("ingest: capture device lost")
)

// DeviceSelector picks and configures the capture device.
type DeviceSelector = audio.DeviceConfig

// Option configures a [Service].
type Option func(*Service)

// WithQueueSize sets the queue capacity. Default: [audio.DefaultQueueSize].
func WithQueueSize(n int) Option {
	return func(s *Service) { s.queueSize = n }
}

// WithDeviceGrace sets the grace period after device loss.
func WithDeviceGrace(d time.Duration) Option {
	return func(s *Service) { s.grace = d }
}

// WithMetrics records dropped frames on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock overrides the time source used for the grace period.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the audio ingest service. Read is meant for a single consumer
// goroutine; the other methods are safe for concurrent use.
type Service struct {
	capture   audio.Capture
	queueSize int
	grace     time.Duration
	metrics   *observe.Metrics
	log       *slog.Logger
	now       func() time.Time

	queue *audio.Queue
	conv  audio.Converter

	mu       sync.Mutex
	started  bool
	stopped  bool
	selector DeviceSelector
	stream   audio.Stream
	watchEnd chan struct{}
	lostAt   time.Time
}

// New creates a Service reading from capture.
func New(capture audio.Capture, opts ...Option) *Service {
	s := &Service{
		capture:   capture,
		queueSize: audio.DefaultQueueSize,
		grace:     DefaultDeviceGrace,
		log:       slog.Default(),
		now:       time.Now,
		conv:      audio.Converter{Target: audio.SpeechFormat},
	}
	for _, o := range opts {
		o(s)
	}
	s.queue = audio.NewQueue(s.queueSize, audio.WithDropHook(s.onDrop))
	return s
}

func (s *Service) onDrop() {
	if s.metrics != nil {
		s.metrics.FramesDropped.Add(context.Background(), 1)
	}
}

// Start opens the capture device described by sel and begins queueing
// frames. It fails with [fault.ErrDevice] when the device cannot be opened and
// with [fault.ErrState] when called twice.
func (s *Service) Start(ctx context.Context, sel DeviceSelector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fault.E(fault.ErrState, "ingest.start", errors.New("already started"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if sel.SampleRate <= 0 {
		sel.SampleRate = audio.SpeechFormat.SampleRate
	}
	if sel.Channels <= 0 {
		sel.Channels = audio.SpeechFormat.Channels
	}
	if sel.FrameSize <= 0 {
		sel.FrameSize = DefaultFrameSize
	}
	if err := s.openLocked(sel); err != nil {
		return err
	}
	s.started = true
	s.selector = sel
	s.log.Info("audio capture started",
		"device", deviceLabel(sel.Device),
		"format", s.stream.Format().String(),
		"queue_size", s.queue.Cap())
	return nil
}

// openLocked opens the device and starts the loss watcher. Must hold s.mu.
func (s *Service) openLocked(sel DeviceSelector) error {
	stream, err := s.capture.Open(sel, s.queue.Push)
	if err != nil {
		return fault.E(fault.ErrDevice, "ingest.open", err)
	}
	s.stream = stream
	s.lostAt = time.Time{}
	s.watchEnd = make(chan struct{})
	go s.watch(stream, s.watchEnd)
	return nil
}

// watch records the time the stream reports loss.
func (s *Service) watch(stream audio.Stream, end <-chan struct{}) {
	select {
	case <-stream.Lost():
		s.mu.Lock()
		if s.stream == stream {
			s.lostAt = s.now()
		}
		s.mu.Unlock()
		s.log.Warn("audio capture device lost")
	case <-end:
	}
}

// closeLocked stops the watcher and closes the current stream. Must hold s.mu.
func (s *Service) closeLocked() error {
	if s.stream == nil {
		return nil
	}
	close(s.watchEnd)
	err := s.stream.Close()
	s.stream = nil
	return err
}

// Stop closes the device and the queue. Pending and future reads return
// [ErrStopped] once the buffered frames are drained. Stop is idempotent.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	err := s.closeLocked()
	s.queue.Close()
	s.log.Info("audio capture stopped", "dropped_frames", s.queue.Dropped())
	if err != nil {
		return fault.E(fault.ErrDevice, "ingest.stop", err)
	}
	return nil
}

// Read waits up to timeout for the next frame, converted to 16 kHz mono. On
// timeout it returns false with a nil error. Once the device has been lost
// for longer than the grace period it returns an error wrapping
// [fault.ErrDevice].
func (s *Service) Read(ctx context.Context, timeout time.Duration) (audio.AudioFrame, bool, error) {
	for {
		f, ok, err := s.queue.Pop(ctx, timeout)
		if err != nil {
			if errors.Is(err, audio.ErrQueueClosed) {
				return audio.AudioFrame{}, false, fault.E(fault.ErrState, "ingest.read", ErrStopped)
			}
			return audio.AudioFrame{}, false, err
		}
		if !ok {
			break
		}
		if out, ok := s.conv.Convert(f); ok {
			return out, true, nil
		}
		// Corrupt frame: dropped by the converter, wait for the next one.
	}

	s.mu.Lock()
	lostAt := s.lostAt
	s.mu.Unlock()
	if !lostAt.IsZero() && s.now().Sub(lostAt) >= s.grace {
		return audio.AudioFrame{}, false, fault.E(fault.ErrDevice, "ingest.read", ErrDeviceLost)
	}
	return audio.AudioFrame{}, false, nil
}

// Reacquire closes the current device and opens it again with the selector
// passed to Start.
func (s *Service) Reacquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return fault.E(fault.ErrState, "ingest.reacquire", errors.New("not running"))
	}
	if err := s.closeLocked(); err != nil {
		s.log.Debug("closing lost capture stream", "err", err)
	}
	if err := s.openLocked(s.selector); err != nil {
		return err
	}
	s.log.Info("audio capture device reacquired", "device", deviceLabel(s.selector.Device))
	return nil
}

// Flush discards buffered frames, returning how many were removed.
func (s *Service) Flush() int { return s.queue.Flush() }

// Dropped returns the number of frames evicted because the queue was full.
func (s *Service) Dropped() uint64 { return s.queue.Dropped() }

// Buffered returns the number of queued frames.
func (s *Service) Buffered() int { return s.queue.Len() }

// Running reports whether a device is open and has not been lost.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil && s.lostAt.IsZero()
}

func deviceLabel(d string) string {
	if d == "" {
		return "default"
	}
	return d
}
