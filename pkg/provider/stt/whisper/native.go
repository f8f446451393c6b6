// This file contains the NativeProvider backed by the whisper.cpp cgo
// bindings. libwhisper.a and whisper.h must be reachable at link time via
// LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/athina/pkg/audio"
	"github.com/MrWong99/athina/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider runs whisper.cpp in-process. The model is loaded once and
// shared; every request gets its own inference context.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	threads  uint
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeThreads sets the number of inference threads. Zero keeps the
// library default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// NewNative loads the model at modelPath. Call Close to release it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs inference on pcm. whisper.cpp cannot be interrupted, so
// when ctx ends first Transcribe returns ctx.Err() and the inference finishes
// in the background with its result discarded.
func (p *NativeProvider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Transcript, error) {
	cfg = cfg.WithDefaults()
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: transcribe: %w", err)
	}
	if len(pcm) == 0 {
		return stt.Transcript{}, nil
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	// whisper.cpp only accepts 16 kHz mono.
	conv := audio.Converter{Target: audio.SpeechFormat}
	frame, ok := conv.Convert(audio.AudioFrame{Data: pcm, SampleRate: cfg.SampleRate, Channels: cfg.Channels})
	if !ok {
		return stt.Transcript{}, errors.New("whisper: PCM buffer is not whole 16-bit frames")
	}
	samples := audio.ToFloat32Mono(frame.Data, 1)

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := p.infer(samples, lang)
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return stt.Transcript{}, r.err
		}
		return stt.Transcript{
			Text:     r.text,
			Duration: time.Duration(len(samples)) * time.Second / 16000,
		}, nil
	case <-ctx.Done():
		return stt.Transcript{}, fmt.Errorf("whisper: transcribe: %w", ctx.Err())
	}
}

func (p *NativeProvider) infer(samples []float32, lang string) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
