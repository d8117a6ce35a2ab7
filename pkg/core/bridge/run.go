package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxlane/callcore/pkg/core/aileg"
	"github.com/voxlane/callcore/pkg/core/audio"
	"github.com/voxlane/callcore/pkg/core/call"
	"github.com/voxlane/callcore/pkg/core/hedge"
	"github.com/voxlane/callcore/pkg/metrics"
)

// Run drives the call until teardown. It blocks; the caller owns the
// goroutine. Canceling ctx ends the call cleanly.
func (b *Bridge) Run(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.teardown()

	b.machine.SetObserver(func(from, to call.State, ev call.Event) {
		b.observer.OnStateChange(from, to)
	})

	b.apply(call.Event{Type: call.EventLegsOpen, At: time.Now()})
	b.startGreeting()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); b.playbackPump() }()
	go func() { defer wg.Done(); b.aiSendPump() }()

	ticker := time.NewTicker(b.cfg.Tick)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-b.ctx.Done():
			b.applyEvent(call.EventHangupRequested, time.Now(), "shutdown")
			runErr = b.ctx.Err()
		case f := <-b.inQ:
			b.onTelephonyFrame(f)
		case ev, ok := <-b.ai.Events():
			if !ok {
				cause := "ai leg closed"
				if err := b.ai.Err(); err != nil {
					cause = fmt.Sprintf("ai leg failed: %v", err)
					b.legFailure = cause
				}
				b.applyEvent(call.EventHangupRequested, time.Now(), cause)
			} else {
				b.onAIEvent(ev, time.Now())
			}
		case c := <-b.ctl:
			b.onControl(c, time.Now())
		case now := <-ticker.C:
			b.onTick(now)
		}

		if b.machine.State() == call.StateEnding {
			break loop
		}
	}

	b.cancel()
	wg.Wait()
	return runErr
}

func (b *Bridge) startGreeting() {
	if b.cfg.Greeting == SpeakFirst && b.cfg.GreetingPrompt != "" {
		if err := b.ai.SendTurn(b.cfg.GreetingPrompt); err != nil {
			b.logger.Warn("greeting prompt failed", "error", err)
			b.applyEvent(call.EventGreetingDone, time.Now(), "")
		}
		return
	}
	b.applyEvent(call.EventGreetingDone, time.Now(), "")
}

// apply runs one event through the machine, counting rejections.
func (b *Bridge) apply(ev call.Event) bool {
	_, ok := b.machine.Apply(ev)
	if !ok {
		metrics.TransitionRejections.Inc()
	}
	return ok
}

func (b *Bridge) applyEvent(t call.EventType, at time.Time, cause string) bool {
	return b.apply(call.Event{Type: t, At: at, Cause: cause})
}

func (b *Bridge) touchActivity(at time.Time) {
	if b.firstActivity.IsZero() {
		b.firstActivity = at
	}
	if at.After(b.lastActivity) {
		b.lastActivity = at
	}
}

func (b *Bridge) onTelephonyFrame(f inFrame) {
	b.touchActivity(f.at)

	c := b.detector.Process(f.pcm, f.at)

	if c.Started {
		st := b.machine.State()
		if st == call.StateResponding || st == call.StateProcessing {
			b.interrupt("caller-speech", f.at)
		}
	}

	if c.Speech {
		out := audio.Resample(f.pcm, b.cfg.TelephonyRate, b.cfg.AIInRate)
		b.enqueueAIOut(out)
	} else {
		metrics.SilenceDropped.Inc()
	}

	if c.Ended {
		if b.applyEvent(call.EventHumanSpeechEnd, f.at, "") {
			b.speechEndAt = f.at
			b.aiDeadline = f.at.Add(b.cfg.AITurnTimeout)
			b.aiAudioThisTurn = false
			b.fillerQueued = false
			b.synthetic = false
		}
	}
}

func (b *Bridge) onAIEvent(ev aileg.Event, now time.Time) {
	switch e := ev.(type) {
	case aileg.AudioEvent:
		b.touchActivity(now)
		if !b.aiAudioThisTurn {
			b.aiAudioThisTurn = true
			if b.fillerQueued || b.synthetic {
				// Real audio preempts filler wherever it already reached,
				// including the carrier's own buffer.
				b.fillerGen.Add(1)
				_ = b.tel.Clear()
				b.fillerQueued = false
				b.synthetic = false
				b.syntheticUntil = time.Time{}
			}
			if b.machine.State() == call.StateProcessing {
				b.applyEvent(call.EventAIFirstChunk, now, "")
				if !b.speechEndAt.IsZero() {
					metrics.ResponseLatency.Observe(now.Sub(b.speechEndAt).Seconds())
				}
			}
		}
		out := audio.Resample(e.PCM, b.cfg.AIOutRate, b.cfg.TelephonyRate)
		b.enqueuePlay(playFrame{pcm: out, turn: b.turnGen.Load()})

	case aileg.TurnCompleteEvent:
		st := b.machine.State()
		switch st {
		case call.StateWelcome:
			b.applyEvent(call.EventGreetingDone, now, "")
		case call.StateResponding:
			b.applyEvent(call.EventAITurnComplete, now, "")
		case call.StateProcessing:
			// Text-only turn: no audio ever arrived.
			b.logger.Debug("ai turn completed without audio")
			b.applyEvent(call.EventAIFirstChunk, now, "text-only")
			b.applyEvent(call.EventAITurnComplete, now, "")
		}
		b.aiAudioThisTurn = false
		b.fillerQueued = false
		b.synthetic = false

	case aileg.InterruptedEvent:
		b.logger.Debug("ai acknowledged interrupt")

	case aileg.TranscriptEvent:
		b.observer.OnTranscript(e.Source, e.Text)

	case aileg.TextEvent:
		b.observer.OnAIText(e.Text)
	}
}

func (b *Bridge) onControl(c controlEvent, now time.Time) {
	switch c.kind {
	case ctlInterrupt:
		b.interrupt(c.cause, now)
	case ctlHangup:
		if c.failed {
			b.legFailure = c.cause
		}
		b.applyEvent(call.EventHangupRequested, now, c.cause)
	case ctlTransfer:
		if b.applyEvent(call.EventTransferRequested, now, c.cause) {
			b.transferred = true
			b.applyEvent(call.EventHangupRequested, now, "transfer")
		}
	}
}

// interrupt performs the barge-in sequence: invalidate queued playback,
// flush the carrier buffer, tell the AI, and return to listening. Repeat
// interrupts inside the same turn are absorbed silently.
func (b *Bridge) interrupt(cause string, at time.Time) {
	st := b.machine.State()
	if st != call.StateResponding && st != call.StateProcessing {
		return
	}
	if !b.applyEvent(call.EventInterrupt, at, cause) {
		return
	}

	b.turnGen.Add(1)
	if err := b.tel.Clear(); err != nil {
		b.logger.Warn("carrier clear failed", "error", err)
	}
	if err := b.ai.SignalInterrupt(); err != nil {
		b.logger.Warn("ai interrupt signal failed", "error", err)
	}
	b.observer.OnInterrupt(cause)
	metrics.Interrupts.WithLabelValues(cause).Inc()

	b.aiAudioThisTurn = false
	b.fillerQueued = false
	b.synthetic = false
	b.syntheticUntil = time.Time{}

	b.applyEvent(call.EventInterruptCleared, at, "")
}

func (b *Bridge) onTick(now time.Time) {
	st := b.machine.State()

	// Hedge: the human stopped, the AI is quiet, the delay has passed.
	if st == call.StateProcessing && !b.aiAudioThisTurn && !b.fillerQueued &&
		!b.speechEndAt.IsZero() && now.Sub(b.speechEndAt) >= b.cfg.HedgeDelay {
		b.queueFiller(now)
	}

	// Turn ceiling: give up waiting and apologize.
	if st == call.StateProcessing && !b.aiAudioThisTurn &&
		!b.aiDeadline.IsZero() && now.After(b.aiDeadline) {
		b.aiTimeout(now)
		return
	}

	// A synthetic turn ends when its clip has played out.
	if b.synthetic && !b.syntheticUntil.IsZero() && now.After(b.syntheticUntil) &&
		b.machine.State() == call.StateResponding {
		b.applyEvent(call.EventAITurnComplete, now, "synthetic")
		b.synthetic = false
		b.aiAudioThisTurn = false
	}
}

func (b *Bridge) queueFiller(now time.Time) {
	b.fillerQueued = true

	clip, err := b.engine.Select(hedge.Criteria{
		Language:  b.cfg.Language,
		Principle: b.cfg.Principle,
		Profile:   b.cfg.Profile,
	})
	if err != nil {
		metrics.HedgeNoCandidate.Inc()
		b.logger.Debug("no hedge candidate", "language", b.cfg.Language)
		return
	}

	b.logger.Debug("hedging", "clip", clip.Name, "elapsed", now.Sub(b.speechEndAt))
	metrics.HedgePlays.Inc()
	b.enqueueClip(clip, true)
}

func (b *Bridge) aiTimeout(now time.Time) {
	if !b.applyEvent(call.EventAITimeout, now, "ai silence ceiling") {
		return
	}
	metrics.AITurnTimeouts.Inc()
	b.logger.Warn("ai turn timed out", "ceiling", b.cfg.AITurnTimeout)

	b.synthetic = true
	b.aiDeadline = time.Time{}

	clip, err := b.engine.SelectFallback(b.cfg.Language)
	if err != nil {
		// Nothing to say: end the synthetic turn on the next tick.
		b.logger.Warn("no fallback clip", "language", b.cfg.Language)
		b.syntheticUntil = now
		return
	}
	b.syntheticUntil = now.Add(clip.Duration)
	b.enqueueClip(clip, true)
}

// enqueueClip resamples a clip to the telephony rate and plays it as 20ms
// frames so generation checks can cut it off mid-utterance.
func (b *Bridge) enqueueClip(clip *hedge.Clip, filler bool) {
	pcm := audio.Resample(clip.Audio, clip.SampleRate, b.cfg.TelephonyRate)
	frame := audio.Format{SampleRate: b.cfg.TelephonyRate, Channels: 1, BitsPerSample: 16}.
		BytesFor(20 * time.Millisecond)

	turn := b.turnGen.Load()
	fgen := b.fillerGen.Load()
	for off := 0; off < len(pcm); off += frame {
		end := min(off+frame, len(pcm))
		b.enqueuePlay(playFrame{pcm: pcm[off:end], turn: turn, filler: filler, fgen: fgen})
	}
}

func (b *Bridge) enqueuePlay(f playFrame) {
	select {
	case b.playQ <- f:
		return
	default:
	}
	select {
	case <-b.playQ:
		dropFrame("playback")
	default:
	}
	select {
	case b.playQ <- f:
	default:
		dropFrame("playback")
	}
}

func (b *Bridge) enqueueAIOut(pcm []byte) {
	select {
	case b.aiOutQ <- pcm:
		return
	default:
	}
	select {
	case <-b.aiOutQ:
		dropFrame("ai-outbound")
	default:
	}
	select {
	case b.aiOutQ <- pcm:
	default:
		dropFrame("ai-outbound")
	}
}

// playbackPump writes queued frames to the caller, skipping frames whose
// generation a barge-in or filler cancellation has invalidated.
func (b *Bridge) playbackPump() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case f := <-b.playQ:
			if f.turn != b.turnGen.Load() {
				continue
			}
			if f.filler && f.fgen != b.fillerGen.Load() {
				continue
			}
			if err := b.tel.WriteAudio(f.pcm); err != nil {
				b.logger.Warn("telephony write failed", "error", err)
				b.RequestHangup("telephony write failed", true)
				return
			}
			metrics.FramesForwarded.WithLabelValues("to_caller").Inc()
		}
	}
}

// aiSendPump streams caller audio to the AI leg.
func (b *Bridge) aiSendPump() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case pcm := <-b.aiOutQ:
			if err := b.ai.SendAudio(pcm); err != nil {
				b.logger.Warn("ai send failed", "error", err)
				b.RequestHangup("ai send failed", true)
				return
			}
			metrics.FramesForwarded.WithLabelValues("to_ai").Inc()
		}
	}
}

func (b *Bridge) teardown() {
	close(b.done)
	b.cancel()

	if st := b.machine.State(); st != call.StateEnding && st != call.StateEnded {
		b.applyEvent(call.EventHangupRequested, time.Now(), "teardown")
	}

	_ = b.ai.Close()

	var duration time.Duration
	outcome := OutcomeCompleted
	reason := "completed"
	switch {
	case b.firstActivity.IsZero():
		outcome = OutcomeNoMedia
		reason = "no media exchanged"
	case b.transferred:
		outcome = OutcomeTransfer
		reason = "transferred"
	case b.legFailure != "":
		outcome = OutcomeError
		reason = b.legFailure
	}
	if !b.firstActivity.IsZero() {
		duration = b.lastActivity.Sub(b.firstActivity)
	}

	_ = b.tel.Close(reason)
	b.applyEvent(call.EventCleanupDone, time.Now(), "")

	result := Result{Duration: duration, Outcome: outcome, Reason: reason}
	b.resMu.Lock()
	b.result = result
	b.resMu.Unlock()

	metrics.CallDuration.Observe(duration.Seconds())
	metrics.CallOutcomes.WithLabelValues(outcome).Inc()
	b.observer.OnEnded(result)

	b.logger.Info("call ended",
		"outcome", outcome,
		"reason", reason,
		"duration_ms", duration.Milliseconds(),
		"rejected_events", b.machine.Rejections())
}

func dropFrame(queue string) {
	metrics.FramesDropped.WithLabelValues(queue).Inc()
}
