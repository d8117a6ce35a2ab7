package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxlane/callcore/pkg/core/aileg"
	"github.com/voxlane/callcore/pkg/core/audio"
	"github.com/voxlane/callcore/pkg/core/call"
	"github.com/voxlane/callcore/pkg/core/hedge"
)

type fakeAI struct {
	events chan aileg.Event

	mu         sync.Mutex
	audioSent  int
	turns      []string
	interrupts int
	err        error

	closeOnce sync.Once
}

func newFakeAI() *fakeAI {
	return &fakeAI{events: make(chan aileg.Event, 64)}
}

func (f *fakeAI) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioSent++
	return nil
}

func (f *fakeAI) SendTurn(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, text)
	return nil
}

func (f *fakeAI) SignalInterrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeAI) Events() <-chan aileg.Event { return f.events }

func (f *fakeAI) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeAI) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeAI) stats() (int, int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioSent, f.interrupts, append([]string(nil), f.turns...)
}

type fakeTel struct {
	mu          sync.Mutex
	frames      int
	clears      int
	closeReason string
}

func (f *fakeTel) WriteAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func (f *fakeTel) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeTel) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeReason = reason
	return nil
}

func (f *fakeTel) stats() (int, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames, f.clears, f.closeReason
}

func testClips() []hedge.Clip {
	mk := func(id string, principles []string) hedge.Clip {
		return hedge.Clip{
			ID:         id,
			Name:       id,
			Audio:      make([]byte, 1600), // 100ms at 8kHz
			SampleRate: 8000,
			Languages:  []string{"en"},
			Principles: principles,
		}
	}
	return []hedge.Clip{
		mk("um-let-me-see", nil),
		mk("one-moment", nil),
		mk("sorry-for-the-wait", []string{hedge.PrincipleApology}),
	}
}

type harness struct {
	bridge  *Bridge
	ai      *fakeAI
	tel     *fakeTel
	runDone chan struct{}
}

func startBridge(t *testing.T, cfg Config) *harness {
	t.Helper()

	catalog, err := hedge.NewCatalog(testClips())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	cfg.HedgeDelay = 60 * time.Millisecond
	cfg.AITurnTimeout = 250 * time.Millisecond
	cfg.Tick = 10 * time.Millisecond
	cfg.Detector = audio.DetectorConfig{
		ThresholdDB: -35,
		Hangover:    40 * time.Millisecond,
		MinBurst:    20 * time.Millisecond,
	}

	ai := newFakeAI()
	tel := &fakeTel{}
	logger := slog.New(slog.DiscardHandler)
	b := New("c_test", cfg, call.NewMachine(logger), hedge.NewEngine(catalog), ai, tel, nil, logger)

	h := &harness{bridge: b, ai: ai, tel: tel, runDone: make(chan struct{})}
	go func() {
		defer close(h.runDone)
		_ = b.Run(context.Background())
	}()

	t.Cleanup(func() {
		b.RequestHangup("test cleanup", false)
		select {
		case <-h.runDone:
		case <-time.After(2 * time.Second):
			t.Error("bridge did not shut down")
		}
	})
	return h
}

func (h *harness) waitState(t *testing.T, want call.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.bridge.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, stuck at %v", want, h.bridge.State())
}

func (h *harness) finish(t *testing.T) Result {
	t.Helper()
	select {
	case <-h.runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not finish")
	}
	return h.bridge.Result()
}

func pcmFrame(value int16, samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		pcm[2*i] = byte(value & 0xFF)
		pcm[2*i+1] = byte((value >> 8) & 0xFF)
	}
	return pcm
}

func loudFrame() []byte  { return pcmFrame(8000, 160) }
func quietFrame() []byte { return pcmFrame(0, 160) }

// speakTurn feeds a burst of speech followed by enough silence to commit
// the turn, in real time so loop timers see consistent clocks.
func (h *harness) speakTurn(t *testing.T) {
	t.Helper()
	for range 4 {
		h.bridge.ForwardTelephonyFrame(loudFrame(), time.Now())
		time.Sleep(20 * time.Millisecond)
	}
	for range 4 {
		h.bridge.ForwardTelephonyFrame(quietFrame(), time.Now())
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSpeechCommitsTurnAndForwardsToAI(t *testing.T) {
	h := startBridge(t, Config{})
	h.waitState(t, call.StateListening, time.Second)

	h.speakTurn(t)
	h.waitState(t, call.StateProcessing, time.Second)

	sent, _, _ := h.ai.stats()
	if sent == 0 {
		t.Error("speech frames never reached the AI leg")
	}
}

func TestHedgeStartsAfterDelayAndYieldsToAI(t *testing.T) {
	h := startBridge(t, Config{})
	h.waitState(t, call.StateListening, time.Second)

	h.speakTurn(t)
	h.waitState(t, call.StateProcessing, time.Second)

	// Past the hedge delay with the AI still silent: filler must be
	// flowing to the caller.
	time.Sleep(120 * time.Millisecond)
	frames, _, _ := h.tel.stats()
	if frames == 0 {
		t.Fatal("expected filler audio during AI silence")
	}

	// AI audio arrives: filler is cancelled and the carrier flushed.
	h.ai.events <- aileg.AudioEvent{PCM: pcmFrame(4000, 480)}
	h.waitState(t, call.StateResponding, time.Second)

	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		_, clears, _ := h.tel.stats()
		if clears >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("carrier buffer never flushed when AI audio preempted filler")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.ai.events <- aileg.TurnCompleteEvent{}
	h.waitState(t, call.StateListening, time.Second)
}

func TestNoHedgeBeforeDelay(t *testing.T) {
	h := startBridge(t, Config{})
	h.waitState(t, call.StateListening, time.Second)

	h.speakTurn(t)
	h.waitState(t, call.StateProcessing, time.Second)

	// AI responds well inside the hedge delay: no filler should play.
	h.ai.events <- aileg.AudioEvent{PCM: pcmFrame(4000, 480)}
	h.waitState(t, call.StateResponding, time.Second)

	_, clears, _ := h.tel.stats()
	if clears != 0 {
		t.Error("no filler was queued, nothing should have been flushed")
	}
}

func TestInterruptIsIdempotent(t *testing.T) {
	h := startBridge(t, Config{})
	h.waitState(t, call.StateListening, time.Second)

	h.speakTurn(t)
	h.waitState(t, call.StateProcessing, time.Second)
	h.ai.events <- aileg.AudioEvent{PCM: pcmFrame(4000, 480)}
	h.waitState(t, call.StateResponding, time.Second)

	h.bridge.RequestInterrupt("client-request")
	h.bridge.RequestInterrupt("client-request")
	h.waitState(t, call.StateListening, time.Second)

	// Settle, then check the flush ran exactly once.
	time.Sleep(50 * time.Millisecond)
	_, clears, _ := h.tel.stats()
	if clears != 1 {
		t.Errorf("expected exactly one carrier flush, got %d", clears)
	}
	_, interrupts, _ := h.ai.stats()
	if interrupts != 1 {
		t.Errorf("expected exactly one AI interrupt signal, got %d", interrupts)
	}
}

func TestCallerSpeechBargesIn(t *testing.T) {
	h := startBridge(t, Config{})
	h.waitState(t, call.StateListening, time.Second)

	h.speakTurn(t)
	h.waitState(t, call.StateProcessing, time.Second)
	h.ai.events <- aileg.AudioEvent{PCM: pcmFrame(4000, 480)}
	h.waitState(t, call.StateResponding, time.Second)

	// The caller talks over the AI.
	h.bridge.ForwardTelephonyFrame(loudFrame(), time.Now())
	h.waitState(t, call.StateListening, time.Second)

	_, interrupts, _ := h.ai.stats()
	if interrupts != 1 {
		t.Errorf("expected AI interrupt signal on barge-in, got %d", interrupts)
	}
}

func TestAISilenceHitsCeilingAndApologizes(t *testing.T) {
	h := startBridge(t, Config{})
	h.waitState(t, call.StateListening, time.Second)

	h.speakTurn(t)
	h.waitState(t, call.StateProcessing, time.Second)

	// Never send AI audio. The ceiling fires a synthetic turn with the
	// apology clip, which then completes back to listening.
	h.waitState(t, call.StateResponding, time.Second)
	h.waitState(t, call.StateListening, time.Second)

	frames, _, _ := h.tel.stats()
	if frames == 0 {
		t.Error("expected fallback audio to play")
	}
}

func TestGreetingSpeakFirst(t *testing.T) {
	h := startBridge(t, Config{
		Greeting:       SpeakFirst,
		GreetingPrompt: "Greet the caller warmly.",
	})

	deadline := time.Now().Add(time.Second)
	for {
		_, _, turns := h.ai.stats()
		if len(turns) == 1 && strings.Contains(turns[0], "Greet") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("greeting prompt never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if st := h.bridge.State(); st != call.StateWelcome {
		t.Fatalf("expected WELCOME during greeting, got %v", st)
	}

	h.ai.events <- aileg.AudioEvent{PCM: pcmFrame(4000, 480)}
	h.ai.events <- aileg.TurnCompleteEvent{}
	h.waitState(t, call.StateListening, time.Second)

	frames, _, _ := h.tel.stats()
	if frames == 0 {
		t.Error("greeting audio never reached the caller")
	}
}

func TestNoMediaOutcome(t *testing.T) {
	h := startBridge(t, Config{})
	h.waitState(t, call.StateListening, time.Second)

	h.bridge.RequestHangup("caller never connected media", false)
	res := h.finish(t)

	if res.Outcome != OutcomeNoMedia {
		t.Errorf("expected no-media outcome, got %q", res.Outcome)
	}
	if res.Duration != 0 {
		t.Errorf("expected zero duration, got %v", res.Duration)
	}
}

func TestDurationIsEventSourced(t *testing.T) {
	h := startBridge(t, Config{})
	h.waitState(t, call.StateListening, time.Second)

	// Timestamps come from the media events themselves, so the recorded
	// duration must match them exactly regardless of processing time.
	base := time.Now()
	h.bridge.ForwardTelephonyFrame(quietFrame(), base)
	h.bridge.ForwardTelephonyFrame(quietFrame(), base.Add(150*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	h.bridge.RequestHangup("done", false)
	res := h.finish(t)

	if res.Duration != 150*time.Millisecond {
		t.Errorf("expected exactly 150ms, got %v", res.Duration)
	}
	if res.Outcome != OutcomeCompleted {
		t.Errorf("expected completed outcome, got %q", res.Outcome)
	}
}

func TestLateFramesAfterEndAreNoOps(t *testing.T) {
	h := startBridge(t, Config{})
	h.waitState(t, call.StateListening, time.Second)

	base := time.Now()
	h.bridge.ForwardTelephonyFrame(quietFrame(), base)
	h.bridge.ForwardTelephonyFrame(quietFrame(), base.Add(100*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	h.bridge.RequestHangup("done", false)
	res := h.finish(t)

	// Frames and controls arriving after teardown must neither panic nor
	// rewrite the recorded result.
	h.bridge.ForwardTelephonyFrame(loudFrame(), time.Now())
	h.bridge.ForwardTelephonyFrame(loudFrame(), time.Now())
	h.bridge.RequestInterrupt("late")
	h.bridge.RequestHangup("late", false)

	if got := h.bridge.Result(); got != res {
		t.Errorf("late traffic changed the result: %+v != %+v", got, res)
	}
}

func TestAILegFailureEndsCall(t *testing.T) {
	h := startBridge(t, Config{})
	h.waitState(t, call.StateListening, time.Second)
	h.bridge.ForwardTelephonyFrame(quietFrame(), time.Now())
	time.Sleep(30 * time.Millisecond)

	h.ai.mu.Lock()
	h.ai.err = context.DeadlineExceeded
	h.ai.mu.Unlock()
	_ = h.ai.Close()

	res := h.finish(t)
	if res.Outcome != OutcomeError {
		t.Errorf("expected error outcome, got %q", res.Outcome)
	}
	if _, _, reason := h.tel.stats(); reason == "" {
		t.Error("telephony leg should be closed with a reason")
	}
}

func TestTransferOutcome(t *testing.T) {
	h := startBridge(t, Config{})
	h.waitState(t, call.StateListening, time.Second)
	h.bridge.ForwardTelephonyFrame(quietFrame(), time.Now())
	time.Sleep(30 * time.Millisecond)

	h.bridge.RequestTransfer("caller asked for a human")
	res := h.finish(t)

	if res.Outcome != OutcomeTransfer {
		t.Errorf("expected transfer outcome, got %q", res.Outcome)
	}
}
