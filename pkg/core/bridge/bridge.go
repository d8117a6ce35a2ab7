// Package bridge wires one telephony leg to one AI live session and runs
// the call: speech detection, frame forwarding, hedge filler, barge-in, and
// the per-call state machine. One bridge per call; a single event loop
// serializes every state decision while two small pumps move audio.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlane/callcore/pkg/core/aileg"
	"github.com/voxlane/callcore/pkg/core/audio"
	"github.com/voxlane/callcore/pkg/core/call"
	"github.com/voxlane/callcore/pkg/core/hedge"
)

// AILeg is the bridge's view of the AI session.
type AILeg interface {
	SendAudio(pcm []byte) error
	SendTurn(text string) error
	SignalInterrupt() error
	Events() <-chan aileg.Event
	Close() error
	Err() error
}

// TelephonyLeg is the bridge's outlet to the caller. WriteAudio takes
// telephony-rate PCM16; Clear flushes whatever the carrier has buffered.
// Implementations tolerate calls after the call has ended.
type TelephonyLeg interface {
	WriteAudio(pcm []byte) error
	Clear() error
	Close(reason string) error
}

// Observer receives call milestones, all delivered from the bridge loop in
// order. The test-agent surface streams them to the browser; the telephony
// path uses them to send playback marks.
type Observer interface {
	OnStateChange(from, to call.State)
	OnInterrupt(cause string)
	OnTranscript(source, text string)
	OnAIText(text string)
	OnEnded(Result)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) OnStateChange(call.State, call.State) {}
func (NopObserver) OnInterrupt(string)                   {}
func (NopObserver) OnTranscript(string, string)          {}
func (NopObserver) OnAIText(string)                      {}
func (NopObserver) OnEnded(Result)                       {}

// GreetingPolicy controls who speaks first.
type GreetingPolicy string

const (
	// SpeakFirst has the AI greet as soon as both legs are up.
	SpeakFirst GreetingPolicy = "speak_first"
	// WaitForHuman skips the greeting and listens immediately.
	WaitForHuman GreetingPolicy = "wait_for_human"
)

// Config tunes one bridge.
type Config struct {
	// TelephonyRate is the caller-side PCM rate after transcoding.
	TelephonyRate int
	// AIInRate is what the AI leg expects.
	AIInRate int
	// AIOutRate is what the AI leg produces.
	AIOutRate int

	// HedgeDelay is how long the AI may stay silent after the human stops
	// before filler starts.
	HedgeDelay time.Duration
	// AITurnTimeout is the hard ceiling on AI silence in a turn; past it a
	// synthetic apology turn plays.
	AITurnTimeout time.Duration
	// Tick is the loop timer resolution for hedge and ceiling checks.
	Tick time.Duration

	// Queue capacities, in frames.
	InboundQueue  int
	PlaybackQueue int
	AIOutQueue    int

	Detector audio.DetectorConfig

	// Selection context for the hedge funnel.
	Language  string
	Principle string
	Profile   string

	Greeting       GreetingPolicy
	GreetingPrompt string
}

func (c Config) withDefaults() Config {
	if c.TelephonyRate == 0 {
		c.TelephonyRate = audio.TelephonyRate
	}
	if c.AIInRate == 0 {
		c.AIInRate = audio.AIInputRate
	}
	if c.AIOutRate == 0 {
		c.AIOutRate = audio.AIOutputRate
	}
	if c.HedgeDelay == 0 {
		c.HedgeDelay = 400 * time.Millisecond
	}
	if c.AITurnTimeout == 0 {
		c.AITurnTimeout = 8 * time.Second
	}
	if c.Tick == 0 {
		c.Tick = 50 * time.Millisecond
	}
	if c.InboundQueue == 0 {
		c.InboundQueue = 256
	}
	if c.PlaybackQueue == 0 {
		c.PlaybackQueue = 512
	}
	if c.AIOutQueue == 0 {
		c.AIOutQueue = 256
	}
	if c.Detector == (audio.DetectorConfig{}) {
		c.Detector = audio.DefaultDetectorConfig()
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.Greeting == "" {
		c.Greeting = WaitForHuman
	}
	return c
}

// Result is the final accounting of a call. Duration is strictly the span
// between the first and last observed media on either leg; a call that
// never moved audio reports zero and outcome "no-media".
type Result struct {
	Duration time.Duration
	Outcome  string
	Reason   string
}

// Outcome values.
const (
	OutcomeCompleted = "completed"
	OutcomeNoMedia   = "no-media"
	OutcomeTransfer  = "transfer"
	OutcomeError     = "error"
)

type inFrame struct {
	pcm []byte
	at  time.Time
}

type playFrame struct {
	pcm    []byte
	turn   uint64
	filler bool
	fgen   uint64
}

type controlKind int

const (
	ctlInterrupt controlKind = iota
	ctlHangup
	ctlTransfer
)

type controlEvent struct {
	kind   controlKind
	cause  string
	failed bool // hangup due to a leg error
}

// Bridge runs one call.
type Bridge struct {
	id       string
	cfg      Config
	logger   *slog.Logger
	machine  *call.Machine
	engine   *hedge.Engine
	ai       AILeg
	tel      TelephonyLeg
	observer Observer

	inQ    chan inFrame
	ctl    chan controlEvent
	playQ  chan playFrame
	aiOutQ chan []byte

	turnGen   atomic.Uint64
	fillerGen atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Loop-owned call state. Only the event loop touches these.
	detector        *audio.SpeechDetector
	firstActivity   time.Time
	lastActivity    time.Time
	speechEndAt     time.Time
	aiDeadline      time.Time
	syntheticUntil  time.Time
	aiAudioThisTurn bool
	fillerQueued    bool
	synthetic       bool
	transferred     bool
	legFailure      string

	resMu  sync.Mutex
	result Result
}

// New assembles a bridge. Run starts it.
func New(id string, cfg Config, machine *call.Machine, engine *hedge.Engine, ai AILeg, tel TelephonyLeg, observer Observer, logger *slog.Logger) *Bridge {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Bridge{
		id:       id,
		cfg:      cfg,
		logger:   logger.With("call_id", id),
		machine:  machine,
		engine:   engine,
		ai:       ai,
		tel:      tel,
		observer: observer,
		inQ:      make(chan inFrame, cfg.InboundQueue),
		ctl:      make(chan controlEvent, 64),
		playQ:    make(chan playFrame, cfg.PlaybackQueue),
		aiOutQ:   make(chan []byte, cfg.AIOutQueue),
		done:     make(chan struct{}),
		detector: audio.NewSpeechDetector(cfg.Detector),
	}
}

// ForwardTelephonyFrame hands one caller frame (telephony-rate PCM16) to
// the bridge. Never blocks: when the loop falls behind, the oldest pending
// frame is dropped.
func (b *Bridge) ForwardTelephonyFrame(pcm []byte, at time.Time) {
	f := inFrame{pcm: pcm, at: at}
	select {
	case b.inQ <- f:
		return
	default:
	}
	select {
	case <-b.inQ:
		dropFrame("inbound")
	default:
	}
	select {
	case b.inQ <- f:
	case <-b.done:
	default:
		dropFrame("inbound")
	}
}

// RequestInterrupt asks for a barge-in on the caller's behalf, e.g. from a
// test client control message.
func (b *Bridge) RequestInterrupt(cause string) {
	b.control(controlEvent{kind: ctlInterrupt, cause: cause})
}

// RequestHangup starts teardown. Socket errors on either leg land here.
func (b *Bridge) RequestHangup(reason string, legFailed bool) {
	b.control(controlEvent{kind: ctlHangup, cause: reason, failed: legFailed})
}

// RequestTransfer hands the call off and then tears it down.
func (b *Bridge) RequestTransfer(cause string) {
	b.control(controlEvent{kind: ctlTransfer, cause: cause})
}

// control never blocks: a wedged loop must not trap the caller. The
// channel is deep enough that drops only happen once teardown is already
// under way.
func (b *Bridge) control(ev controlEvent) {
	select {
	case b.ctl <- ev:
	case <-b.done:
	default:
	}
}

// State reports the machine state.
func (b *Bridge) State() call.State {
	return b.machine.State()
}

// Done is closed when teardown begins. Readers use it to discard late
// carrier messages without touching the loop.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Result is valid once Run has returned.
func (b *Bridge) Result() Result {
	b.resMu.Lock()
	defer b.resMu.Unlock()
	return b.result
}
