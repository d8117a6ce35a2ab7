package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/voxlane/callcore/pkg/gateway/config"
	"github.com/voxlane/callcore/pkg/gateway/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether this instance should receive new calls. It
// re-checks the config fields a live call depends on, and flips unready
// while the tracker drains so load balancers stop routing media streams
// here during shutdown.
type ReadyHandler struct {
	Config  config.Config
	Tracker *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining"`
		ActiveCalls int      `json:"active_calls"`
		MaxCalls    int      `json:"max_calls"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if strings.TrimSpace(h.Config.GeminiAPIKey) == "" {
		issues = append(issues, "gemini api key not configured")
	}
	if strings.TrimSpace(h.Config.GeminiModel) == "" {
		issues = append(issues, "gemini model not configured")
	}
	if h.Config.HedgeDelay <= 0 {
		issues = append(issues, "hedge delay must be > 0")
	}
	if h.Config.AITurnTimeout <= h.Config.HedgeDelay {
		issues = append(issues, "ai turn timeout must exceed hedge delay")
	}
	if h.Config.TickInterval <= 0 {
		issues = append(issues, "tick interval must be > 0")
	}
	if h.Config.MaxCallDuration <= 0 {
		issues = append(issues, "max call duration must be > 0")
	}
	if h.Config.InboundQueue <= 0 || h.Config.PlaybackQueue <= 0 || h.Config.AIOutQueue <= 0 {
		issues = append(issues, "queue depths must be > 0")
	}
	if h.Config.MaxConcurrentCalls <= 0 {
		issues = append(issues, "max concurrent calls must be > 0")
	}
	if h.Config.WSWriteTimeout <= 0 || h.Config.WSHandshakeTimeout <= 0 {
		issues = append(issues, "websocket timeouts must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ShutdownGracePeriod <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	var draining bool
	var active int
	if h.Tracker != nil {
		draining = h.Tracker.Draining()
		active = h.Tracker.Count()
	}
	if draining {
		issues = append(issues, "draining: not accepting new calls")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:          ok,
		Draining:    draining,
		ActiveCalls: active,
		MaxCalls:    h.Config.MaxConcurrentCalls,
		Issues:      issues,
	})
}
