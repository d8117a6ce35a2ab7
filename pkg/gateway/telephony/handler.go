package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/callcore/pkg/core/aileg"
	"github.com/voxlane/callcore/pkg/core/audio"
	"github.com/voxlane/callcore/pkg/core/bridge"
	"github.com/voxlane/callcore/pkg/core/call"
	"github.com/voxlane/callcore/pkg/core/hedge"
	"github.com/voxlane/callcore/pkg/core/prime"
	"github.com/voxlane/callcore/pkg/gateway/config"
	"github.com/voxlane/callcore/pkg/gateway/sessions"
	"github.com/voxlane/callcore/pkg/store"
)

// AIDialer opens the AI leg for one call. Tests swap in a fake.
type AIDialer func(ctx context.Context, cfg aileg.Config) (bridge.AILeg, error)

// Handler upgrades carrier media-stream websockets and runs one bridge per
// call. The route is GET /media-stream/{callID}; the authoritative call id
// is still the start event's callSid.
type Handler struct {
	Config  config.Config
	Catalog store.Catalog
	Clips   *hedge.Catalog
	Cache   *prime.Cache
	Tracker *sessions.Tracker
	Logger  *slog.Logger

	// DialAI defaults to aileg.Dial.
	DialAI AIDialer
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("carrier upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()
	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	start, ok := h.awaitStart(conn, logger)
	if !ok {
		return
	}

	callID := start.CallSid
	if pathID := callIDFromPath(r.URL.Path); pathID != "" && pathID != callID {
		logger.Debug("path call id differs from start event", "path_id", pathID, "call_sid", callID)
	}
	logger = logger.With("call_id", callID, "stream_sid", start.StreamSid)

	agentID := start.AgentID()
	if agentID == "" {
		logger.Warn("start event missing agent_id")
		closeWith(conn, websocket.ClosePolicyViolation, "missing agent_id parameter")
		return
	}

	setupCtx, cancelSetup := context.WithTimeout(r.Context(), h.Config.LegOpenTimeout)
	defer cancelSetup()

	profile, err := h.Catalog.AgentProfile(setupCtx, agentID)
	if err != nil {
		logger.Warn("agent profile lookup failed", "agent_id", agentID, "error", err)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, store.ErrNotFound) {
			code = websocket.ClosePolicyViolation
		}
		closeWith(conn, code, "unknown agent")
		return
	}

	var cachedHandle string
	if h.Cache != nil {
		handle, err := h.Cache.GetOrCreate(setupCtx, agentID, profile.SystemInstruction, profile.KnowledgeDocs)
		switch {
		case err == nil:
			cachedHandle = handle
		case errors.Is(err, prime.ErrNotApplicable):
			logger.Debug("agent context below caching minimum", "agent_id", agentID)
		default:
			logger.Warn("priming cache unavailable, dialing without handle", "agent_id", agentID, "error", err)
		}
	}

	ai, err := h.dialAI(setupCtx, profile, cachedHandle)
	if err != nil {
		logger.Error("ai leg dial failed", "error", err)
		closeWith(conn, websocket.CloseTryAgainLater, "upstream unavailable")
		return
	}

	muLaw := start.MediaFormat.Encoding == EncodingMuLaw
	leg := NewLeg(conn, start.StreamSid, muLaw, h.Config.WSWriteTimeout, logger)

	engine := hedge.NewEngine(h.Clips)
	machine := call.NewMachine(logger)
	marker := &playbackMarker{leg: leg, logger: logger}
	b := bridge.New(callID, h.bridgeConfig(start, profile), machine, engine, ai, leg, marker, logger)

	callCtx, cancelCall := context.WithTimeout(context.Background(), h.Config.MaxCallDuration)
	defer cancelCall()

	unregister, err := h.Tracker.Register(callID, sessions.Handle{
		Cancel: cancelCall,
		Hangup: func(reason string) { b.RequestHangup(reason, false) },
	})
	if err != nil {
		logger.Warn("call refused", "error", err)
		closeWith(conn, websocket.CloseTryAgainLater, "no capacity")
		ai.Close()
		return
	}
	defer unregister()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := b.Run(callCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("bridge run finished", "error", err)
		}
	}()

	h.readLoop(conn, b, muLaw, logger)
	<-runDone
	if h.Cache != nil {
		h.Cache.Refresh(agentID)
	}
}

// dialAI resolves the per-call AI config and opens the leg.
func (h *Handler) dialAI(ctx context.Context, profile store.AgentProfile, cachedHandle string) (bridge.AILeg, error) {
	cfg := aileg.Config{
		Endpoint:          h.Config.GeminiEndpoint,
		APIKey:            h.Config.GeminiAPIKey,
		Model:             h.Config.GeminiModel,
		Voice:             h.Config.Voice,
		SystemInstruction: profile.SystemInstruction,
		CachedContent:     cachedHandle,
		ConnectTimeout:    h.Config.LegOpenTimeout,
	}
	if profile.Voice != "" {
		cfg.Voice = profile.Voice
	}
	if h.DialAI != nil {
		return h.DialAI(ctx, cfg)
	}
	return aileg.Dial(ctx, cfg, h.Logger)
}

// bridgeConfig assembles per-call tuning from the engine config, the start
// event, and the agent profile. Language precedence is start parameter,
// then profile, then engine default.
func (h *Handler) bridgeConfig(start StartEvent, profile store.AgentProfile) bridge.Config {
	language := start.Language()
	if language == "" {
		language = profile.Language
	}
	if language == "" {
		language = h.Config.DefaultLanguage
	}

	greeting := bridge.GreetingPolicy(profile.GreetingPolicy)
	if profile.GreetingPolicy == "" {
		greeting = bridge.GreetingPolicy(h.Config.DefaultGreeting)
	}

	return bridge.Config{
		TelephonyRate:  start.MediaFormat.SampleRate,
		HedgeDelay:     h.Config.HedgeDelay,
		AITurnTimeout:  h.Config.AITurnTimeout,
		Tick:           h.Config.TickInterval,
		InboundQueue:   h.Config.InboundQueue,
		PlaybackQueue:  h.Config.PlaybackQueue,
		AIOutQueue:     h.Config.AIOutQueue,
		Detector: audio.DetectorConfig{
			ThresholdDB: h.Config.SpeechThresholdDB,
			Hangover:    h.Config.SpeechHangover,
			MinBurst:    h.Config.SpeechMinBurst,
		},
		Language:       language,
		Profile:        start.Profile(),
		Greeting:       greeting,
		GreetingPrompt: profile.GreetingPrompt,
	}
}

// awaitStart reads carrier events until the start event arrives. The
// connected preamble and anything else harmless is skipped; a decode
// failure or timeout closes the socket.
func (h *Handler) awaitStart(conn *websocket.Conn, logger *slog.Logger) (StartEvent, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(h.Config.WSHandshakeTimeout))
	for range 8 {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("no start event", "error", err)
			closeWith(conn, websocket.ClosePolicyViolation, "start event not received")
			return StartEvent{}, false
		}
		if mt != websocket.TextMessage {
			continue
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			logger.Warn("invalid event before start", "error", err)
			closeWith(conn, websocket.ClosePolicyViolation, "invalid event before start")
			return StartEvent{}, false
		}
		switch m := ev.(type) {
		case StartEvent:
			_ = conn.SetReadDeadline(time.Time{})
			return m, true
		case ConnectedEvent:
			logger.Debug("carrier connected", "protocol", m.Protocol, "version", m.Version)
		default:
		}
	}
	closeWith(conn, websocket.ClosePolicyViolation, "start event not received")
	return StartEvent{}, false
}

// readLoop pumps carrier events into the bridge until the socket dies or a
// stop event arrives. It never touches call state directly.
func (h *Handler) readLoop(conn *websocket.Conn, b *bridge.Bridge, muLaw bool, logger *slog.Logger) {
	// baseAt anchors the first media timestamp to the wall clock so the
	// bridge sees carrier time, not arrival jitter.
	var baseAt time.Time
	var baseOff time.Duration

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-b.Done():
				// Teardown closed the socket under us.
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					b.RequestHangup("carrier closed stream", false)
				} else {
					b.RequestHangup(fmt.Sprintf("carrier read failed: %v", err), true)
				}
			}
			return
		}
		if mt != websocket.TextMessage {
			logger.Debug("ignoring non-text carrier frame")
			continue
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			logger.Warn("bad carrier event", "error", err)
			continue
		}
		switch m := ev.(type) {
		case MediaEvent:
			select {
			case <-b.Done():
				logger.Debug("media after call end")
				continue
			default:
			}
			raw, decErr := base64.StdEncoding.DecodeString(m.Payload)
			if decErr != nil {
				logger.Warn("bad media payload", "error", decErr)
				continue
			}
			pcm := raw
			if muLaw {
				pcm = audio.DecodeMuLaw(raw)
			}
			at := time.Now()
			if off, ok := m.Offset(); ok {
				if baseAt.IsZero() {
					baseAt, baseOff = at, off
				}
				at = baseAt.Add(off - baseOff)
			}
			b.ForwardTelephonyFrame(pcm, at)
		case StopEvent:
			logger.Info("carrier stop event", "call_sid", m.CallSid)
			b.RequestHangup("carrier stop event", false)
		case MarkEvent:
			logger.Debug("carrier played mark", "name", m.Name)
		case ConnectedEvent:
			logger.Debug("late connected event")
		case StartEvent:
			logger.Debug("duplicate start event ignored")
		case UnknownEvent:
			logger.Debug("unknown carrier event", "event", m.Event)
		}
	}
}

// playbackMarker sends a named mark each time a turn finishes so the
// carrier's echo confirms the audio actually reached the caller.
type playbackMarker struct {
	bridge.NopObserver
	leg    *Leg
	logger *slog.Logger
	turns  atomic.Int64
}

func (m *playbackMarker) OnStateChange(from, to call.State) {
	if from != call.StateResponding || to != call.StateListening {
		return
	}
	n := m.turns.Add(1)
	if err := m.leg.SendMark(fmt.Sprintf("turn-%d", n)); err != nil {
		m.logger.Debug("turn mark not sent", "error", err)
	}
}

func callIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/media-stream/")
	if !ok {
		return ""
	}
	return strings.Trim(rest, "/")
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
}
