// Package telco is the boundary to the telephony collaborator's signaling
// plane. The engine consumes asynchronous call events; placing calls is
// declared here as an interface only.
package telco

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxlane/callcore/pkg/gateway/sessions"
)

// CallRequest describes an outbound call to place.
type CallRequest struct {
	To       string
	From     string
	AgentID  string
	Language string
}

// Dialer places outbound calls. No implementation ships with the engine;
// deployments inject their collaborator's client.
type Dialer interface {
	PlaceCall(ctx context.Context, req CallRequest) (callID string, err error)
}

// Event is one signaling webhook payload. The collaborator may deliver
// events instead of, or in addition to, in-call signaling, in any order
// and at any time relative to media flow.
type Event struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

const maxEventBody = 64 * 1024

// WebhookHandler accepts POST /telco/events. An "ended" event for a live
// call forces teardown through the call's normal hangup path; everything
// else, including events for calls this process no longer knows, is
// acknowledged and logged.
type WebhookHandler struct {
	Tracker *sessions.Tracker
	Logger  *slog.Logger
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ev.Type = strings.TrimSpace(ev.Type)
	ev.CallID = strings.TrimSpace(ev.CallID)
	if ev.Type == "" || ev.CallID == "" {
		http.Error(w, "type and call_id are required", http.StatusBadRequest)
		return
	}

	switch ev.Type {
	case "ended":
		reason := ev.Reason
		if reason == "" {
			reason = "telco ended"
		}
		if h.Tracker.Hangup(ev.CallID, reason) {
			logger.Info("telco ended live call", "call_id", ev.CallID, "reason", reason)
		} else {
			logger.Debug("telco ended unknown call", "call_id", ev.CallID)
		}
	case "answered", "ringing":
		logger.Debug("telco signaling", "call_id", ev.CallID, "event", ev.Type)
	default:
		logger.Debug("unknown telco event", "call_id", ev.CallID, "event", ev.Type)
	}

	w.WriteHeader(http.StatusNoContent)
}
