// Package openwakeword provides a wakeword.Scorer that delegates scoring to
// an openWakeWord sidecar over HTTP.
//
// The sidecar receives the raw window as little-endian 16-bit PCM
// (Content-Type application/octet-stream) at POST /predict and replies with
// a JSON object of per-model confidences:
//
//	{"predictions": {"hey_athina": 0.91, "alexa": 0.02}}
package openwakeword

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/athina/pkg/audio"
	"github.com/MrWong99/athina/pkg/provider/wakeword"
)

var _ wakeword.Scorer = (*Scorer)(nil)

const (
	predictPath    = "/predict"
	defaultTimeout = 2 * time.Second
	sampleRate     = 16000
)

// Option configures a Scorer.
type Option func(*Scorer)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Scorer) { s.client = c }
}

// WithTimeout sets the per-request timeout. Defaults to 2 s.
func WithTimeout(d time.Duration) Option {
	return func(s *Scorer) { s.client.Timeout = d }
}

// WithModels restricts scoring to the named models. The names are sent as
// the "models" query parameter; an empty list scores every loaded model.
func WithModels(models ...string) Option {
	return func(s *Scorer) { s.models = models }
}

// Scorer calls an openWakeWord sidecar.
type Scorer struct {
	baseURL string
	client  *http.Client
	models  []string
}

// New creates a Scorer targeting baseURL (e.g. "http://127.0.0.1:9002").
func New(baseURL string, opts ...Option) (*Scorer, error) {
	if baseURL == "" {
		return nil, errors.New("openwakeword: baseURL must not be empty")
	}
	s := &Scorer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

type predictResponse struct {
	Predictions map[string]float64 `json:"predictions"`
	Error       string             `json:"error,omitempty"`
}

// Score implements wakeword.Scorer.
func (s *Scorer) Score(ctx context.Context, samples []int16) (map[string]float64, error) {
	if len(samples) == 0 {
		return map[string]float64{}, nil
	}

	url := s.baseURL + predictPath + "?sample_rate=" + strconv.Itoa(sampleRate)
	if len(s.models) > 0 {
		url += "&models=" + strings.Join(s.models, ",")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(audio.Int16ToBytes(samples)))
	if err != nil {
		return nil, fmt.Errorf("openwakeword: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openwakeword: POST %s: %w", predictPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("openwakeword: POST %s returned status %d: %s",
			predictPath, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("openwakeword: decode response: %w", err)
	}
	if pr.Error != "" {
		return nil, fmt.Errorf("openwakeword: sidecar error: %s", pr.Error)
	}
	if pr.Predictions == nil {
		pr.Predictions = map[string]float64{}
	}
	return pr.Predictions, nil
}
