package testagent

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
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

// AIDialer opens the AI leg for one session. Tests swap in a fake.
type AIDialer func(ctx context.Context, cfg aileg.Config) (bridge.AILeg, error)

// Handler runs preview sessions over GET /test-agent/{sessionID}. A preview
// session is a full call through the same bridge, minus the carrier.
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
		logger.Warn("preview upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	leg := newSessionLeg(conn, h.Config.WSWriteTimeout, logger)
	defer leg.shutdown(websocket.CloseNormalClosure, "session ended")

	start, ok := h.awaitStart(conn, leg, logger)
	if !ok {
		return
	}

	sessionID := sessionIDFromPath(r.URL.Path)
	if sessionID == "" {
		sessionID = "s_" + randHex(8)
	}
	logger = logger.With("session_id", sessionID)
	leg.logger = logger

	setupCtx, cancelSetup := context.WithTimeout(r.Context(), h.Config.LegOpenTimeout)
	defer cancelSetup()

	profile, err := h.Catalog.AgentProfile(setupCtx, start.Session.AgentID)
	if err != nil {
		logger.Warn("agent profile lookup failed", "agent_id", start.Session.AgentID, "error", err)
		if errors.Is(err, store.ErrNotFound) {
			_ = leg.sendError("bad_request", "unknown agent", "session.agent_id")
			leg.shutdown(websocket.ClosePolicyViolation, "unknown agent")
		} else {
			_ = leg.sendError("internal", "agent lookup failed", "")
			leg.shutdown(websocket.CloseInternalServerErr, "agent lookup failed")
		}
		return
	}

	var cachedHandle string
	if h.Cache != nil {
		handle, err := h.Cache.GetOrCreate(setupCtx, profile.ID, profile.SystemInstruction, profile.KnowledgeDocs)
		switch {
		case err == nil:
			cachedHandle = handle
		case errors.Is(err, prime.ErrNotApplicable):
			logger.Debug("agent context below caching minimum", "agent_id", profile.ID)
		default:
			logger.Warn("priming cache unavailable, dialing without handle", "agent_id", profile.ID, "error", err)
		}
	}

	ai, err := h.dialAI(setupCtx, profile, cachedHandle)
	if err != nil {
		logger.Error("ai leg dial failed", "error", err)
		_ = leg.sendError("unavailable", "upstream unavailable", "")
		leg.shutdown(websocket.CloseTryAgainLater, "upstream unavailable")
		return
	}

	engine := hedge.NewEngine(h.Clips)
	machine := call.NewMachine(logger)
	observer := &sessionObserver{leg: leg, logger: logger}
	b := bridge.New(sessionID, h.bridgeConfig(start, profile), machine, engine, ai, leg, observer, logger)

	callCtx, cancelCall := context.WithTimeout(context.Background(), h.Config.MaxCallDuration)
	defer cancelCall()

	unregister, err := h.Tracker.Register(sessionID, sessions.Handle{
		Cancel: cancelCall,
		Hangup: func(reason string) { b.RequestHangup(reason, false) },
	})
	if err != nil {
		logger.Warn("session refused", "error", err)
		_ = leg.sendError("unavailable", "no capacity", "")
		leg.shutdown(websocket.CloseTryAgainLater, "no capacity")
		ai.Close()
		return
	}
	defer unregister()

	if err := leg.sendReady(sessionID, AudioFormat{
		Encoding:     EncodingPCMS16LE,
		SampleRateHz: start.AudioIn.SampleRateHz,
		Channels:     1,
	}); err != nil {
		logger.Warn("ready frame not sent", "error", err)
		ai.Close()
		return
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := b.Run(callCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("bridge run finished", "error", err)
		}
	}()

	h.readLoop(conn, b, leg, logger)
	<-runDone
	if h.Cache != nil {
		h.Cache.Refresh(profile.ID)
	}

	res := b.Result()
	if err := leg.sendEnded(res.Outcome, res.Reason, res.Duration); err != nil {
		logger.Debug("ended frame not sent", "error", err)
	}
}

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

func (h *Handler) bridgeConfig(start ClientStart, profile store.AgentProfile) bridge.Config {
	language := strings.TrimSpace(start.Session.Language)
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
		TelephonyRate:  start.AudioIn.SampleRateHz,
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
		Profile:        strings.TrimSpace(start.Session.Profile),
		Greeting:       greeting,
		GreetingPrompt: profile.GreetingPrompt,
	}
}

// awaitStart reads until the start frame. Unlike the carrier side there is
// no preamble: the first decodable frame must be the start.
func (h *Handler) awaitStart(conn *websocket.Conn, leg *sessionLeg, logger *slog.Logger) (ClientStart, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(h.Config.WSHandshakeTimeout))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		logger.Warn("no start frame", "error", err)
		leg.shutdown(websocket.ClosePolicyViolation, "start frame not received")
		return ClientStart{}, false
	}
	if mt != websocket.TextMessage {
		leg.shutdown(websocket.ClosePolicyViolation, "first frame must be a text start frame")
		return ClientStart{}, false
	}
	msg, err := DecodeClientMessage(data)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			_ = leg.sendError(de.Code, de.Message, de.Param)
		}
		leg.shutdown(websocket.ClosePolicyViolation, "invalid start frame")
		return ClientStart{}, false
	}
	start, ok := msg.(ClientStart)
	if !ok {
		_ = leg.sendError("bad_request", "first frame must be start", "type")
		leg.shutdown(websocket.ClosePolicyViolation, "first frame must be start")
		return ClientStart{}, false
	}
	_ = conn.SetReadDeadline(time.Time{})
	return start, true
}

func (h *Handler) readLoop(conn *websocket.Conn, b *bridge.Bridge, leg *sessionLeg, logger *slog.Logger) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-b.Done():
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					b.RequestHangup("client closed session", false)
				} else {
					b.RequestHangup("client read failed", true)
				}
			}
			return
		}
		if mt != websocket.TextMessage {
			logger.Debug("ignoring non-text client frame")
			continue
		}
		msg, err := DecodeClientMessage(data)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				_ = leg.sendError(de.Code, de.Message, de.Param)
			}
			logger.Warn("bad client frame", "error", err)
			continue
		}
		switch m := msg.(type) {
		case ClientAudio:
			select {
			case <-b.Done():
				logger.Debug("audio after session end")
				continue
			default:
			}
			pcm, decErr := base64.StdEncoding.DecodeString(m.DataB64)
			if decErr != nil {
				_ = leg.sendError("bad_request", "audio frame is not valid base64", "data_b64")
				continue
			}
			b.ForwardTelephonyFrame(pcm, time.Now())
		case ClientControl:
			switch m.Op {
			case "interrupt":
				b.RequestInterrupt("client-interrupt")
			case "hangup":
				b.RequestHangup("client hangup", false)
			default:
				logger.Debug("unknown control op", "op", m.Op)
			}
		case ClientStart:
			logger.Debug("duplicate start frame ignored")
		case UnknownMessage:
			logger.Debug("unknown client frame", "frame_type", m.Type)
		}
	}
}

func sessionIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/test-agent/")
	if !ok {
		return ""
	}
	return strings.Trim(rest, "/")
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000000000")))
	}
	return hex.EncodeToString(b)
}
