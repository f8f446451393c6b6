package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/athina/pkg/audio"
	"github.com/MrWong99/athina/pkg/provider/tts"
)

func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

// testPCM returns n mono samples of a simple ramp.
func testPCM(n int) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(i * 10)
	}
	return audio.Int16ToBytes(s)
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002/")
		if p.serverURL != "http://localhost:5002" {
			t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
		}
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, defaultTimeout)
		}
		if p.apiMode != APIModeStandard {
			t.Errorf("apiMode = %q, want %q", p.apiMode, APIModeStandard)
		}
	})

	t.Run("options", func(t *testing.T) {
		p := mustNew(t, "http://x", WithLanguage("de"), WithTimeout(5*time.Second), WithAPIMode(APIModeXTTS))
		if p.language != "de" || p.httpClient.Timeout != 5*time.Second || p.apiMode != APIModeXTTS {
			t.Errorf("options not applied: %+v", p)
		}
	})

	t.Run("empty url", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Error("expected error for empty serverURL")
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		if _, err := New("http://x", WithAPIMode("piper")); err == nil {
			t.Error("expected error for unknown api mode")
		}
	})
}

func TestSynthesize_Standard(t *testing.T) {
	t.Parallel()

	pcm := testPCM(1600)
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != apiTTSEndpoint {
			http.Error(w, "unexpected", http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		gotQuery = map[string]string{
			"text":        q.Get("text"),
			"speaker_id":  q.Get("speaker_id"),
			"language_id": q.Get("language_id"),
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(audio.EncodeWAV(pcm, 16000, 1))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	clip, err := p.Synthesize(context.Background(), "  Good evening.  ", tts.VoiceProfile{ID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(clip.PCM, pcm) {
		t.Errorf("PCM mismatch: got %d bytes, want %d", len(clip.PCM), len(pcm))
	}
	if clip.Format != audio.SpeechFormat {
		t.Errorf("Format = %v, want %v", clip.Format, audio.SpeechFormat)
	}
	if clip.DurationMs() != 100 {
		t.Errorf("DurationMs = %d, want 100", clip.DurationMs())
	}
	want := map[string]string{"text": "Good evening.", "speaker_id": "p225", "language_id": "en"}
	for k, v := range want {
		if gotQuery[k] != v {
			t.Errorf("query %s = %q, want %q", k, gotQuery[k], v)
		}
	}
}

func TestSynthesize_StandardOmitsEmptySpeaker(t *testing.T) {
	t.Parallel()

	var hasSpeaker bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hasSpeaker = r.URL.Query().Has("speaker_id")
		_, _ = w.Write(audio.EncodeWAV(testPCM(10), 22050, 1))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(context.Background(), "hi", tts.VoiceProfile{}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if hasSpeaker {
		t.Error("speaker_id sent for empty voice ID")
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	t.Parallel()

	var got ttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ttsEndpoint {
			http.Error(w, "unexpected", http.StatusNotFound)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write(audio.EncodeWAV(testPCM(2400), 24000, 1))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS), WithLanguage("fr"), WithOutputFormat(audio.SpeechFormat))
	clip, err := p.Synthesize(context.Background(), "Bonsoir.", tts.VoiceProfile{ID: "Ana Florence"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got.Text != "Bonsoir." || got.SpeakerWav != "Ana Florence" || got.Language != "fr" {
		t.Errorf("request body = %+v", got)
	}
	if clip.Format != audio.SpeechFormat {
		t.Errorf("Format = %v, want %v", clip.Format, audio.SpeechFormat)
	}
	// 2400 samples at 24 kHz is 100 ms, which is 1600 samples at 16 kHz.
	if len(clip.PCM) != 1600*2 {
		t.Errorf("resampled PCM = %d bytes, want %d", len(clip.PCM), 1600*2)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	t.Run("empty text", func(t *testing.T) {
		p := mustNew(t, "http://127.0.0.1:1")
		_, err := p.Synthesize(context.Background(), "   ", tts.VoiceProfile{})
		if !errors.Is(err, tts.ErrEmptyText) {
			t.Errorf("err = %v, want ErrEmptyText", err)
		}
	})

	t.Run("xtts requires voice", func(t *testing.T) {
		p := mustNew(t, "http://127.0.0.1:1", WithAPIMode(APIModeXTTS))
		if _, err := p.Synthesize(context.Background(), "hi", tts.VoiceProfile{}); err == nil {
			t.Error("expected error for empty voice ID in XTTS mode")
		}
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}))
		defer srv.Close()
		p := mustNew(t, srv.URL)
		if _, err := p.Synthesize(context.Background(), "hi", tts.VoiceProfile{}); err == nil {
			t.Error("expected error for HTTP 500")
		}
	})

	t.Run("not a wav", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("definitely not RIFF data"))
		}))
		defer srv.Close()
		p := mustNew(t, srv.URL)
		if _, err := p.Synthesize(context.Background(), "hi", tts.VoiceProfile{}); err == nil {
			t.Error("expected error for invalid WAV")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()
		p := mustNew(t, srv.URL)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := p.Synthesize(ctx, "hi", tts.VoiceProfile{}); err == nil {
			t.Error("expected error for cancelled context")
		}
	})
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mode    APIMode
		path    string
		body    string
		wantIDs []string
		wantTyp string
	}{
		{
			name:    "xtts studio speakers sorted",
			mode:    APIModeXTTS,
			path:    studioSpeakersEndpoint,
			body:    `{"Zofija Kendrick":{},"Ana Florence":{}}`,
			wantIDs: []string{"Ana Florence", "Zofija Kendrick"},
			wantTyp: "studio",
		},
		{
			name:    "standard multi speaker",
			mode:    APIModeStandard,
			path:    detailsEndpoint,
			body:    `{"model_name":"vctk/vits","speakers":["p236","p225"]}`,
			wantIDs: []string{"p225", "p236"},
			wantTyp: "speaker",
		},
		{
			name:    "standard single speaker",
			mode:    APIModeStandard,
			path:    detailsEndpoint,
			body:    `{"model_name":"ljspeech/vits"}`,
			wantIDs: []string{"ljspeech/vits"},
			wantTyp: "single-speaker",
		},
		{
			name:    "standard unnamed model",
			mode:    APIModeStandard,
			path:    detailsEndpoint,
			body:    `{}`,
			wantIDs: []string{"default"},
			wantTyp: "single-speaker",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tc.path {
					http.Error(w, "unexpected", http.StatusNotFound)
					return
				}
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := mustNew(t, srv.URL, WithAPIMode(tc.mode))
			voices, err := p.ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			if len(voices) != len(tc.wantIDs) {
				t.Fatalf("got %d voices, want %d", len(voices), len(tc.wantIDs))
			}
			for i, v := range voices {
				if v.ID != tc.wantIDs[i] {
					t.Errorf("voice[%d].ID = %q, want %q", i, v.ID, tc.wantIDs[i])
				}
				if v.Provider != "coqui" {
					t.Errorf("voice[%d].Provider = %q", i, v.Provider)
				}
				if v.Metadata["type"] != tc.wantTyp {
					t.Errorf("voice[%d] type = %q, want %q", i, v.Metadata["type"], tc.wantTyp)
				}
			}
		})
	}
}

func TestListVoices_BadStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Error("expected error for 503")
	}
}
