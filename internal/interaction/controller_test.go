package interaction_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/athina/internal/fault"
	"github.com/MrWong99/athina/internal/interaction"
	"github.com/MrWong99/athina/internal/routing"
	"github.com/MrWong99/athina/internal/stats"
	"github.com/MrWong99/athina/internal/transcript/phonetic"
	"github.com/MrWong99/athina/pkg/audio"
	audiomock "github.com/MrWong99/athina/pkg/audio/mock"
	"github.com/MrWong99/athina/pkg/provider/llm"
	"github.com/MrWong99/athina/pkg/provider/stt"
	sttmock "github.com/MrWong99/athina/pkg/provider/stt/mock"
	"github.com/MrWong99/athina/pkg/provider/tts"
	ttsmock "github.com/MrWong99/athina/pkg/provider/tts/mock"
	"github.com/MrWong99/athina/pkg/provider/wakeword"
)

// ─── Fakes ────────────────────────────────────────────────────────────────────

// wakeSeq marks the frame the fake gate treats as a wake word.
const wakeSeq = 999

// fakeSource is a FrameSource fed through a channel.
type fakeSource struct {
	frames chan audio.AudioFrame
	fail   chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames: make(chan audio.AudioFrame, 256),
		fail:   make(chan error, 1),
	}
}

func (s *fakeSource) Read(ctx context.Context, timeout time.Duration) (audio.AudioFrame, bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-s.frames:
		return f, true, nil
	case err := <-s.fail:
		return audio.AudioFrame{}, false, err
	case <-t.C:
		return audio.AudioFrame{}, false, nil
	case <-ctx.Done():
		return audio.AudioFrame{}, false, ctx.Err()
	}
}

func (s *fakeSource) wake() { s.frames <- frame(wakeSeq, 0) }

func (s *fakeSource) speak(n int) {
	for i := range n {
		s.frames <- frame(uint64(i), 8000)
	}
}

// frame returns 10 ms of 16 kHz mono audio with every sample set to level.
func frame(seq uint64, level int16) audio.AudioFrame {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = level
	}
	return audio.AudioFrame{
		Data:       audio.Int16ToBytes(samples),
		SampleRate: 16000,
		Channels:   1,
		Seq:        seq,
	}
}

// fakeGate fires on wakeSeq frames and counts the frames it saw since the
// last Reset.
type fakeGate struct {
	mu       sync.Mutex
	buffered int
	resets   int
}

func (g *fakeGate) Process(_ context.Context, f audio.AudioFrame) (wakeword.Event, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.buffered++
	if f.Seq != wakeSeq {
		return wakeword.Event{}, false
	}
	return wakeword.Event{Word: "hey_athina", Confidence: 0.9, Timestamp: time.Now()}, true
}

func (g *fakeGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.buffered = 0
	g.resets++
}

func (g *fakeGate) state() (buffered, resets int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buffered, g.resets
}

// ─── Rig ──────────────────────────────────────────────────────────────────────

type rig struct {
	src    *fakeSource
	gate   *fakeGate
	stt    *sttmock.Provider
	tts    *ttsmock.Provider
	player *audiomock.Player
	agg    *stats.Aggregator
	ctl    *interaction.Controller
}

func testConfig() interaction.Config {
	return interaction.Config{
		SpeechTimeout:   500 * time.Millisecond,
		SilenceDuration: 80 * time.Millisecond,
		StopGrace:       2 * time.Second,
		STTTimeout:      time.Second,
		TTSTimeout:      time.Second,
		PollInterval:    10 * time.Millisecond,
	}
}

func newRig(t *testing.T, cfg interaction.Config, text string, opts ...interaction.Option) *rig {
	t.Helper()
	discard := slog.New(slog.DiscardHandler)
	r := &rig{
		src:    newFakeSource(),
		gate:   &fakeGate{},
		stt:    &sttmock.Provider{Result: stt.Transcript{Text: text}},
		tts:    &ttsmock.Provider{Clip: tts.Clip{PCM: []byte{9, 9, 9, 9}, Format: audio.SpeechFormat}},
		player: &audiomock.Player{},
		agg:    stats.NewAggregator(0),
	}
	router := routing.New(routing.Config{}, routing.WithLogger(discard))
	opts = append([]interaction.Option{
		interaction.WithLogger(discard),
		interaction.WithAggregator(r.agg),
	}, opts...)
	r.ctl = interaction.New(interaction.Deps{
		Source: r.src,
		Wake:   r.gate,
		STT:    r.stt,
		Router: router,
		TTS:    r.tts,
		Player: r.player,
	}, cfg, opts...)
	return r
}

// start runs the controller loop until the test ends and returns the channel
// receiving Run's result.
func (r *rig) start(t *testing.T) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.ctl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = r.ctl.Stop(context.Background())
	})
	waitFor(t, "listening", func() bool { return r.ctl.State() == interaction.StateListening })
	return errc
}

func (r *rig) spoken() []string {
	var out []string
	for _, c := range r.tts.Calls() {
		out = append(out, c.Text)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func lastSpoken(t *testing.T, r *rig, want string) {
	t.Helper()
	spoken := r.spoken()
	if len(spoken) == 0 {
		t.Fatalf("nothing spoken, want %q", want)
	}
	if got := spoken[len(spoken)-1]; got != want {
		t.Errorf("spoken = %q, want %q", got, want)
	}
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestSession_HappyPath(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig(), "hello")
	r.start(t)

	r.src.wake()
	r.src.speak(3)
	waitFor(t, "session", func() bool { return r.ctl.Status().Successful == 1 })
	waitFor(t, "listening", func() bool { return r.ctl.State() == interaction.StateListening })

	lastSpoken(t, r, routing.ResponseGreeting)

	calls := r.stt.Calls()
	if len(calls) != 1 {
		t.Fatalf("stt calls = %d, want 1", len(calls))
	}
	if got := len(calls[0].PCM); got != 3*320 {
		t.Errorf("captured %d bytes, want %d", got, 3*320)
	}
	if calls[0].Cfg.SampleRate != 16000 || calls[0].Cfg.Channels != 1 {
		t.Errorf("stt config = %+v, want 16 kHz mono", calls[0].Cfg)
	}

	plays := r.player.Calls()
	if len(plays) != 1 || !bytes.Equal(plays[0].PCM, []byte{9, 9, 9, 9}) {
		t.Errorf("player calls = %+v, want the synthesised clip once", plays)
	}

	hist := r.ctl.History()
	if len(hist) != 2 {
		t.Fatalf("history = %d messages, want 2", len(hist))
	}
	if hist[0].Role != llm.RoleUser || hist[0].Content != "hello" {
		t.Errorf("history[0] = %+v", hist[0])
	}
	if hist[1].Role != llm.RoleAssistant || hist[1].Content != routing.ResponseGreeting {
		t.Errorf("history[1] = %+v", hist[1])
	}

	st := r.ctl.Status()
	if st.Total != 1 || st.SuccessRate != 100 || st.SessionID != "" {
		t.Errorf("status = %+v", st)
	}
	snap := r.agg.Snapshot()
	if snap.Counters[stats.CounterSuccessful] != 1 {
		t.Errorf("aggregator successful = %d, want 1", snap.Counters[stats.CounterSuccessful])
	}
	if st, _ := snap.Stage(stats.StageSTT); st.Count != 1 {
		t.Errorf("stt stage count = %d, want 1", st.Count)
	}
}

func TestSession_Apologies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		sttErr error
		speech int
		want   string
		check  func(interaction.Status) bool
	}{
		{
			name: "no speech", text: "hello", speech: 0, want: interaction.ApologyNoSpeech,
			check: func(s interaction.Status) bool { return s.NoSpeech == 1 },
		},
		{
			name: "empty transcript", text: "   ", speech: 2, want: interaction.ApologyNotUnderstood,
			check: func(s interaction.Status) bool { return s.NotUnderstood == 1 },
		},
		{
			name: "stt failure", sttErr: errors.New("boom"), speech: 2, want: interaction.ApologyError,
			check: func(s interaction.Status) bool { return s.Failed == 1 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.SpeechTimeout = 200 * time.Millisecond
			r := newRig(t, cfg, tt.text)
			r.stt.Err = tt.sttErr
			r.start(t)

			r.src.wake()
			r.src.speak(tt.speech)
			waitFor(t, "outcome", func() bool { return tt.check(r.ctl.Status()) })
			waitFor(t, "listening", func() bool { return r.ctl.State() == interaction.StateListening })

			lastSpoken(t, r, tt.want)
			if tt.speech == 0 && len(r.stt.Calls()) != 0 {
				t.Error("stt called without speech")
			}
			if len(r.ctl.History()) != 0 {
				t.Errorf("history = %v, want empty", r.ctl.History())
			}
		})
	}
}

func TestSession_STTTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.STTTimeout = 50 * time.Millisecond
	r := newRig(t, cfg, "hello")
	r.stt.Delay = 2 * time.Second
	r.start(t)

	r.src.wake()
	r.src.speak(1)
	waitFor(t, "failure", func() bool { return r.ctl.Status().Failed == 1 })
	lastSpoken(t, r, interaction.ApologyError)
}

func TestSession_TTSFailureRecovers(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig(), "hello")
	r.tts.SynthesizeErr = errors.New("synth down")
	r.start(t)

	r.src.wake()
	r.src.speak(1)
	waitFor(t, "first session", func() bool { return r.ctl.Status().Total == 1 && r.ctl.State() == interaction.StateListening })
	if n := len(r.player.Calls()); n != 0 {
		t.Fatalf("player calls = %d, want 0 after synthesis failure", n)
	}

	r.tts.SynthesizeErr = nil
	r.src.wake()
	r.src.speak(1)
	waitFor(t, "second session", func() bool { return r.ctl.Status().Total == 2 && r.ctl.State() == interaction.StateListening })
	if n := len(r.player.Calls()); n != 1 {
		t.Errorf("player calls = %d, want 1", n)
	}
	lastSpoken(t, r, routing.ResponseGreeting)
}

func TestHandleWake_SingleFlight(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig(), "hello")
	r.stt.Delay = 300 * time.Millisecond
	r.start(t)

	r.src.wake()
	r.src.speak(1)
	waitFor(t, "transcribing", func() bool { return r.ctl.State() == interaction.StateTranscribing })
	before := r.ctl.Status()
	if before.SessionID == "" {
		t.Fatal("no active session id")
	}

	err := r.ctl.HandleWake(context.Background(), wakeword.Event{Word: "hey_athina"})
	if !errors.Is(err, fault.ErrState) {
		t.Fatalf("second HandleWake error = %v, want ErrState", err)
	}
	after := r.ctl.Status()
	if after.SessionID != before.SessionID {
		t.Errorf("session id = %q, want %q", after.SessionID, before.SessionID)
	}
	if after.State != before.State || r.ctl.State() != interaction.StateTranscribing {
		t.Errorf("state = %s, want %s", after.State, before.State)
	}
	if got := r.ctl.Status().DroppedWakes; got != 1 {
		t.Errorf("DroppedWakes = %d, want 1", got)
	}
	if got := r.agg.Counter(stats.CounterWakeDropped); got != 1 {
		t.Errorf("aggregator dropped wakes = %d, want 1", got)
	}

	waitFor(t, "session", func() bool { return r.ctl.Status().Successful == 1 })
	if n := len(r.stt.Calls()); n != 1 {
		t.Errorf("stt calls = %d, want 1", n)
	}
}

func TestHandleWake_Concurrent(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig(), "hello")
	r.start(t)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.ctl.HandleWake(context.Background(), wakeword.Event{Word: "hey_athina"})
			if err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	r.src.speak(1)
	wg.Wait()

	if started != 1 {
		t.Errorf("sessions started = %d, want 1", started)
	}
	if got := r.ctl.Status().DroppedWakes; got != callers-1 {
		t.Errorf("DroppedWakes = %d, want %d", got, callers-1)
	}
}

func TestRun_ResetsGateAfterSession(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig(), "hello")
	r.start(t)

	r.src.wake()
	r.src.speak(3)
	waitFor(t, "session", func() bool { return r.ctl.Status().Successful == 1 })
	waitFor(t, "gate reset", func() bool {
		_, resets := r.gate.state()
		return resets == 1
	})
	if buffered, _ := r.gate.state(); buffered != 0 {
		t.Errorf("gate holds %d frames from before the session, want 0", buffered)
	}

	// A session started from outside the loop also resets the gate once the
	// loop resumes reading.
	go func() { _ = r.ctl.HandleWake(context.Background(), wakeword.Event{Word: "hey_athina"}) }()
	waitFor(t, "capturing", func() bool { return r.ctl.State().Active() })
	r.src.speak(1)
	waitFor(t, "second session", func() bool {
		return r.ctl.Status().Total == 2 && r.ctl.State() == interaction.StateListening
	})
	waitFor(t, "second gate reset", func() bool {
		_, resets := r.gate.state()
		return resets == 2
	})
}

func TestHandleWake_NotRunning(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig(), "hello")
	err := r.ctl.HandleWake(context.Background(), wakeword.Event{Word: "hey_athina"})
	if !errors.Is(err, fault.ErrState) {
		t.Fatalf("HandleWake on idle controller = %v, want ErrState", err)
	}
}

func TestCapture_Endpointing(t *testing.T) {
	t.Parallel()

	t.Run("silence ends capture", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.SpeechTimeout = 3 * time.Second
		r := newRig(t, cfg, "hello")
		r.start(t)

		start := time.Now()
		r.src.wake()
		r.src.speak(2)
		waitFor(t, "transcription", func() bool { return len(r.stt.Calls()) == 1 })
		if elapsed := time.Since(start); elapsed >= cfg.SpeechTimeout {
			t.Errorf("capture took %v, want it to end on silence", elapsed)
		}
	})

	t.Run("timeout ends continuous speech", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.SpeechTimeout = 150 * time.Millisecond
		r := newRig(t, cfg, "hello")
		r.start(t)

		done := make(chan struct{})
		t.Cleanup(func() { close(done) })
		r.src.wake()
		go func() {
			tick := time.NewTicker(5 * time.Millisecond)
			defer tick.Stop()
			for {
				select {
				case <-done:
					return
				case <-tick.C:
					select {
					case r.src.frames <- frame(1, 8000):
					default:
					}
				}
			}
		}()
		waitFor(t, "transcription", func() bool { return len(r.stt.Calls()) == 1 })
		if len(r.stt.Calls()[0].PCM) == 0 {
			t.Error("no audio captured")
		}
	})
}

func TestSession_PhoneticCorrection(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig(), "Thanks, athena!",
		interaction.WithCorrector(phonetic.New([]string{"Athina"})))
	r.start(t)

	r.src.wake()
	r.src.speak(1)
	waitFor(t, "session", func() bool { return r.ctl.Status().Successful == 1 })

	hist := r.ctl.History()
	if len(hist) == 0 || hist[0].Content != "Thanks, Athina!" {
		t.Fatalf("history = %+v, want corrected transcript", hist)
	}
	// "Athina" contains "hi", which outranks "thanks".
	lastSpoken(t, r, routing.ResponseGreeting)
}

func TestSession_Chime(t *testing.T) {
	t.Parallel()

	chime := tts.Clip{PCM: []byte{1, 2}, Format: audio.SpeechFormat}
	r := newRig(t, testConfig(), "hello", interaction.WithChime(chime))
	r.start(t)

	r.src.wake()
	r.src.speak(1)
	waitFor(t, "session", func() bool { return r.ctl.Status().Successful == 1 })

	plays := r.player.Calls()
	if len(plays) != 2 {
		t.Fatalf("player calls = %d, want chime and reply", len(plays))
	}
	if !bytes.Equal(plays[0].PCM, chime.PCM) {
		t.Errorf("first playback = %v, want chime", plays[0].PCM)
	}
}

func TestHistory_Bounded(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HistorySize = 4
	r := newRig(t, cfg, "hello")
	r.start(t)

	for i := 1; i <= 3; i++ {
		r.src.wake()
		r.src.speak(1)
		waitFor(t, "session", func() bool {
			return r.ctl.Status().Successful == int64(i) && r.ctl.State() == interaction.StateListening
		})
	}
	if n := len(r.ctl.History()); n != 4 {
		t.Errorf("history = %d messages, want 4", n)
	}
	if r.ctl.Status().HistoryLength != 4 {
		t.Errorf("status history length = %d, want 4", r.ctl.Status().HistoryLength)
	}

	r.ctl.ClearHistory()
	if n := len(r.ctl.History()); n != 0 {
		t.Errorf("history after clear = %d, want 0", n)
	}
}

func TestStop(t *testing.T) {
	t.Parallel()

	t.Run("graceful", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, testConfig(), "hello")
		r.stt.Delay = 100 * time.Millisecond
		errc := r.start(t)

		r.src.wake()
		r.src.speak(1)
		waitFor(t, "transcribing", func() bool { return r.ctl.State() == interaction.StateTranscribing })

		if err := r.ctl.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
		if r.ctl.State() != interaction.StateIdle {
			t.Errorf("state = %s, want idle", r.ctl.State())
		}
		if r.ctl.Status().Successful != 1 {
			t.Errorf("in-flight session did not finish: %+v", r.ctl.Status())
		}
		lastSpoken(t, r, routing.ResponseGreeting)
	})

	t.Run("forced after grace", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.StopGrace = 100 * time.Millisecond
		cfg.STTTimeout = 10 * time.Second
		r := newRig(t, cfg, "hello")
		r.stt.Delay = 10 * time.Second
		errc := r.start(t)

		r.src.wake()
		r.src.speak(1)
		waitFor(t, "transcribing", func() bool { return r.ctl.State() == interaction.StateTranscribing })

		err := r.ctl.Stop(context.Background())
		if !errors.Is(err, fault.ErrTimeout) {
			t.Fatalf("Stop error = %v, want ErrTimeout", err)
		}
		if r.ctl.State() != interaction.StateIdle {
			t.Errorf("state = %s, want idle", r.ctl.State())
		}
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
		lastSpoken(t, r, interaction.ApologyError)
	})

	t.Run("forced stop bounds the apology", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name     string
			ttsDelay time.Duration
			playHang time.Duration
		}{
			{name: "slow synthesis", ttsDelay: 10 * time.Second},
			{name: "hanging playback", playHang: 10 * time.Second},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()
				cfg := testConfig()
				cfg.StopGrace = 100 * time.Millisecond
				cfg.STTTimeout = 10 * time.Second
				cfg.TTSTimeout = 10 * time.Second
				r := newRig(t, cfg, "hello")
				r.stt.Delay = 10 * time.Second
				r.tts.Delay = tt.ttsDelay
				r.player.Delay = tt.playHang
				errc := r.start(t)

				r.src.wake()
				r.src.speak(1)
				waitFor(t, "transcribing", func() bool { return r.ctl.State() == interaction.StateTranscribing })

				start := time.Now()
				if err := r.ctl.Stop(context.Background()); !errors.Is(err, fault.ErrTimeout) {
					t.Fatalf("Stop error = %v, want ErrTimeout", err)
				}
				select {
				case err := <-errc:
					if err != nil {
						t.Errorf("Run: %v", err)
					}
				case <-time.After(3 * time.Second):
					t.Fatal("session kept speaking after a forced stop")
				}
				if elapsed := time.Since(start); elapsed > 2*time.Second {
					t.Errorf("forced stop took %v", elapsed)
				}
				lastSpoken(t, r, interaction.ApologyError)
			})
		}
	})

	t.Run("not running", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, testConfig(), "hello")
		if err := r.ctl.Stop(context.Background()); err != nil {
			t.Errorf("Stop on idle controller: %v", err)
		}
	})
}

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("device error", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, testConfig(), "hello")
		errc := r.start(t)

		r.src.fail <- fault.E(fault.ErrDevice, "ingest.read", errors.New("gone"))
		select {
		case err := <-errc:
			if !errors.Is(err, fault.ErrDevice) {
				t.Errorf("Run error = %v, want ErrDevice", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("Run did not return after device error")
		}
		if r.ctl.State() != interaction.StateIdle {
			t.Errorf("state = %s, want idle", r.ctl.State())
		}
	})

	t.Run("twice", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, testConfig(), "hello")
		r.start(t)
		if err := r.ctl.Run(context.Background()); !errors.Is(err, fault.ErrState) {
			t.Errorf("second Run = %v, want ErrState", err)
		}
	})
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state  interaction.State
		want   string
		active bool
	}{
		{interaction.StateIdle, "idle", false},
		{interaction.StateListening, "listening", false},
		{interaction.StateCapturing, "capturing", true},
		{interaction.StateTranscribing, "transcribing", true},
		{interaction.StateRouting, "routing", true},
		{interaction.StateSpeaking, "speaking", true},
		{interaction.State(42), "unknown", true},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
		if got := tt.state.Active(); got != tt.active {
			t.Errorf("State(%d).Active() = %v, want %v", tt.state, got, tt.active)
		}
	}
}
