// Package portaudio implements [audio.Capture] and [audio.Player] on top of
// the PortAudio C library.
//
// PortAudio must be initialised once per process: call [Init] at startup and
// the returned function at shutdown.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/athina/pkg/audio"
)

// stallTimeout is how long a started stream may go without a callback before
// it is reported lost. PortAudio has no device-removed notification, so a
// silent callback is the only signal available.
const stallTimeout = time.Second

var (
	_ audio.Capture = (*Device)(nil)
	_ audio.Player  = (*Device)(nil)
)

// Init initialises PortAudio and returns a function that terminates it.
func Init() (func() error, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return portaudio.Terminate, nil
}

// Option configures a [Device].
type Option func(*Device)

// WithOutputDevice selects the playback device by name or index. The default
// output is used otherwise.
func WithOutputDevice(sel string) Option {
	return func(d *Device) {
		d.output = sel
	}
}

// WithLowLatency opens streams with the device's low-latency defaults instead
// of the high-stability ones.
func WithLowLatency() Option {
	return func(d *Device) {
		d.lowLatency = true
	}
}

// Device captures from and plays to PortAudio devices.
type Device struct {
	output     string
	lowLatency bool
}

// New returns a Device. [Init] must have been called.
func New(opts ...Option) *Device {
	d := &Device{}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open implements [audio.Capture].
func (d *Device) Open(cfg audio.DeviceConfig, onFrame func(audio.AudioFrame)) (audio.Stream, error) {
	dev, err := findDevice(cfg.Device, true)
	if err != nil {
		return nil, err
	}
	channels := min(max(cfg.Channels, 1), dev.MaxInputChannels)
	latency := dev.DefaultHighInputLatency
	if d.lowLatency {
		latency = dev.DefaultLowInputLatency
	}

	s := newStream(audio.Format{SampleRate: cfg.SampleRate, Channels: channels}, onFrame)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  latency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FrameSize,
	}
	pa, err := portaudio.OpenStream(params, s.callback)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open %q: %w", dev.Name, err)
	}
	s.pa = pa
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		return nil, fmt.Errorf("portaudio: start %q: %w", dev.Name, err)
	}

	slog.Info("capture device opened",
		"device", dev.Name,
		"format", s.format.String(),
		"frames_per_buffer", cfg.FrameSize,
	)

	go s.watch()
	return s, nil
}

// Play implements [audio.Player] using a blocking output stream.
func (d *Device) Play(ctx context.Context, pcm []byte, format audio.Format) error {
	dev, err := findDevice(d.output, false)
	if err != nil {
		return err
	}
	channels := max(format.Channels, 1)
	buf := make([]int16, 1024*channels)
	latency := dev.DefaultHighOutputLatency
	if d.lowLatency {
		latency = dev.DefaultLowOutputLatency
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  latency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: len(buf) / channels,
	}
	pa, err := portaudio.OpenStream(params, &buf)
	if err != nil {
		return fmt.Errorf("portaudio: open output %q: %w", dev.Name, err)
	}
	defer pa.Close()
	if err := pa.Start(); err != nil {
		return fmt.Errorf("portaudio: start output: %w", err)
	}
	defer pa.Stop()

	samples := audio.BytesToInt16(pcm)
	for off := 0; off < len(samples); off += len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(buf, samples[off:])
		clear(buf[n:])
		if err := pa.Write(); err != nil {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// findDevice resolves sel to a device: empty means the default device, a
// number is an index into the device list, anything else matches by name.
func findDevice(sel string, input bool) (*portaudio.DeviceInfo, error) {
	if sel == "" {
		var (
			dev *portaudio.DeviceInfo
			err error
		)
		if input {
			dev, err = portaudio.DefaultInputDevice()
		} else {
			dev, err = portaudio.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("%w: default device: %v", audio.ErrNoDevice, err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	usable := func(d *portaudio.DeviceInfo) bool {
		if input {
			return d.MaxInputChannels > 0
		}
		return d.MaxOutputChannels > 0
	}
	if idx, err := strconv.Atoi(sel); err == nil {
		if idx < 0 || idx >= len(devices) || !usable(devices[idx]) {
			return nil, fmt.Errorf("%w: index %d", audio.ErrNoDevice, idx)
		}
		return devices[idx], nil
	}
	for _, d := range devices {
		if d.Name == sel && usable(d) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", audio.ErrNoDevice, sel)
}

// stream is an open capture stream.
type stream struct {
	pa      *portaudio.Stream
	format  audio.Format
	emit    func(audio.AudioFrame)
	started time.Time

	seq          atomic.Uint64
	lastCallback atomic.Int64

	lost     chan struct{}
	lostOnce sync.Once
	done     chan struct{}
	once     sync.Once
	closeErr error
}

// newStream prepares a stream for format. Every field the callback reads is
// set here, since the driver may invoke it before Start returns.
func newStream(format audio.Format, onFrame func(audio.AudioFrame)) *stream {
	now := time.Now()
	s := &stream{
		format:  format,
		emit:    onFrame,
		started: now,
		lost:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.lastCallback.Store(now.UnixNano())
	return s
}

// callback runs on the PortAudio thread. in is reused by the driver, so it is
// copied once into the frame's payload and handed off.
func (s *stream) callback(in []int16) {
	now := time.Now()
	s.lastCallback.Store(now.UnixNano())
	s.emit(audio.AudioFrame{
		Data:       audio.Int16ToBytes(in),
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  now.Sub(s.started),
		Seq:        s.seq.Add(1) - 1,
	})
}

func (s *stream) watch() {
	ticker := time.NewTicker(stallTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastCallback.Load())
			if time.Since(last) > stallTimeout {
				slog.Warn("capture stream stalled, reporting device lost", "silent_for", time.Since(last))
				s.lostOnce.Do(func() { close(s.lost) })
				return
			}
		}
	}
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Lost() <-chan struct{} { return s.lost }

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		if err := s.pa.Stop(); err != nil {
			slog.Debug("portaudio: stop stream", "err", err)
		}
		if err := s.pa.Close(); err != nil {
			s.closeErr = fmt.Errorf("portaudio: close stream: %w", err)
		}
	})
	return s.closeErr
}
