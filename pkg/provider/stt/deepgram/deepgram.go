// Package deepgram provides an STT provider on the Deepgram live
// transcription WebSocket API.
//
// Deepgram is streaming only, so Transcribe opens a socket per request,
// streams the buffer in 100 ms chunks, asks the server to flush with
// CloseStream and joins the final results it returns before closing.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/athina/pkg/audio"
	"github.com/MrWong99/athina/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// chunkDuration is the audio length sent per binary message.
	chunkDuration = 100 * time.Millisecond
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by Deepgram.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams pcm to Deepgram and returns the concatenated final
// transcript.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Transcript, error) {
	cfg = cfg.WithDefaults()
	if len(pcm) == 0 {
		return stt.Transcript{}, nil
	}

	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- p.send(ctx, conn, pcm, cfg)
	}()

	var (
		parts []string
		conf  float64
		n     int
		words []stt.WordDetail
	)
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return stt.Transcript{}, fmt.Errorf("deepgram: read: %w", err)
		}
		t, ok := parseDeepgramResponse(msg)
		if !ok || !t.final || t.Text == "" {
			continue
		}
		parts = append(parts, t.Text)
		conf += t.Confidence
		n++
		words = append(words, t.Words...)
	}
	if err := <-writeErr; err != nil {
		return stt.Transcript{}, err
	}

	tr := stt.Transcript{
		Text:     strings.Join(parts, " "),
		Words:    words,
		Duration: time.Duration(audio.DurationMs(pcm, cfg.SampleRate, cfg.Channels)) * time.Millisecond,
	}
	if n > 0 {
		tr.Confidence = conf / float64(n)
	}
	return tr, nil
}

// send writes the audio in fixed-length chunks followed by CloseStream, which
// makes Deepgram flush its results and close the socket.
func (p *Provider) send(ctx context.Context, conn *websocket.Conn, pcm []byte, cfg stt.Config) error {
	chunk := cfg.SampleRate * cfg.Channels * 2 * int(chunkDuration/time.Millisecond) / 1000
	for off := 0; off < len(pcm); off += chunk {
		end := min(off+chunk, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return fmt.Errorf("deepgram: write audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: write CloseStream: %w", err)
	}
	return nil
}

// buildURL constructs the streaming endpoint URL for cfg.
func (p *Provider) buildURL(cfg stt.Config) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure of a Results message.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type result struct {
	stt.Transcript
	final bool
}

// parseDeepgramResponse parses a Results message. ok is false for any other
// message type or a result without alternatives.
func parseDeepgramResponse(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}
	return result{
		Transcript: stt.Transcript{
			Text:       strings.TrimSpace(alt.Transcript),
			Confidence: alt.Confidence,
			Words:      words,
		},
		final: resp.IsFinal,
	}, true
}
