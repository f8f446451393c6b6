package whisper_test

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/athina/pkg/audio"
	"github.com/MrWong99/athina/pkg/provider/stt"
	"github.com/MrWong99/athina/pkg/provider/stt/whisper"
)

// inferenceRequest captures what the fake server received.
type inferenceRequest struct {
	language string
	model    string
	prompt   string
	wav      []byte
}

func newServer(t *testing.T, text string, status int, got *inferenceRequest, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if calls != nil {
			calls.Add(1)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got != nil {
			got.language = r.FormValue("language")
			got.model = r.FormValue("model")
			got.prompt = r.FormValue("prompt")
			if f, _, err := r.FormFile("file"); err == nil {
				got.wav, _ = io.ReadAll(f)
				f.Close()
			}
		}
		if status != http.StatusOK {
			http.Error(w, "model exploded", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sinePCM(samples int) []byte {
	s := make([]int16, samples)
	for i := range s {
		s[i] = int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return audio.Int16ToBytes(s)
}

func TestNew_EmptyServerURL(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestTranscribe_PostsWAVAndFields(t *testing.T) {
	t.Parallel()

	var got inferenceRequest
	srv := newServer(t, "  what time is it  ", http.StatusOK, &got, nil)
	p, err := whisper.New(srv.URL+"/", whisper.WithModel("base.en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pcm := sinePCM(16000)
	tr, err := p.Transcribe(context.Background(), pcm, stt.Config{
		Language: "de",
		Keywords: []stt.KeywordBoost{{Keyword: "Athina", Boost: 2}},
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "what time is it" {
		t.Errorf("Text = %q, want trimmed text", tr.Text)
	}
	if tr.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", tr.Duration)
	}
	if got.language != "de" || got.model != "base.en" || got.prompt != "Athina" {
		t.Errorf("fields = %+v", got)
	}
	info, err := audio.ParseWAV(got.wav)
	if err != nil {
		t.Fatalf("uploaded file is not WAV: %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 1 || info.DataSize != len(pcm) {
		t.Errorf("wav info = %+v", info)
	}
}

func TestTranscribe_DefaultLanguage(t *testing.T) {
	t.Parallel()

	var got inferenceRequest
	srv := newServer(t, "hi", http.StatusOK, &got, nil)
	p, _ := whisper.New(srv.URL, whisper.WithLanguage("fr"))
	if _, err := p.Transcribe(context.Background(), sinePCM(160), stt.Config{}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.language != "fr" {
		t.Errorf("language = %q, want fr", got.language)
	}
}

func TestTranscribe_EmptyInputSkipsRequest(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newServer(t, "x", http.StatusOK, nil, &calls)
	p, _ := whisper.New(srv.URL)
	tr, err := p.Transcribe(context.Background(), nil, stt.Config{})
	if err != nil || tr.Text != "" {
		t.Fatalf("Transcribe(nil) = (%+v, %v)", tr, err)
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times, want 0", calls.Load())
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	srv := newServer(t, "", http.StatusInternalServerError, nil, nil)
	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), sinePCM(160), stt.Config{})
	if err == nil || !strings.Contains(err.Error(), "HTTP 500") {
		t.Fatalf("err = %v, want HTTP 500 error", err)
	}
}

func TestTranscribe_CancelledContext(t *testing.T) {
	t.Parallel()

	srv := newServer(t, "x", http.StatusOK, nil, nil)
	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Transcribe(ctx, sinePCM(160), stt.Config{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestTranscribe_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	t.Cleanup(srv.Close)
	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), sinePCM(160), stt.Config{}); err == nil {
		t.Fatal("expected JSON parse error")
	}
}
