package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxlane/callcore/pkg/gateway/config"
	"github.com/voxlane/callcore/pkg/gateway/sessions"
)

func readyConfig() config.Config {
	return config.Config{
		GeminiAPIKey:        "test-key",
		GeminiModel:         "models/gemini-2.0-flash-live-001",
		HedgeDelay:          400 * time.Millisecond,
		AITurnTimeout:       8 * time.Second,
		TickInterval:        50 * time.Millisecond,
		MaxCallDuration:     time.Hour,
		InboundQueue:        64,
		PlaybackQueue:       64,
		AIOutQueue:          64,
		MaxConcurrentCalls:  10,
		WSWriteTimeout:      time.Second,
		WSHandshakeTimeout:  time.Second,
		ReadHeaderTimeout:   time.Second,
		ShutdownGracePeriod: time.Second,
	}
}

func decodeReady(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
	return resp
}

func TestHealthHandler_OK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr.Body.String() != "ok\n" {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestReadyHandler_ValidConfig_Ready(t *testing.T) {
	h := ReadyHandler{Config: readyConfig(), Tracker: sessions.NewTracker(10)}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	resp := decodeReady(t, rr)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, body=%q", rr.Body.String())
	}
	if draining, _ := resp["draining"].(bool); draining {
		t.Fatalf("expected draining=false")
	}
}

func TestReadyHandler_MissingAPIKey_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.GeminiAPIKey = ""
	h := ReadyHandler{Config: cfg, Tracker: sessions.NewTracker(10)}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "gemini api key") {
		t.Fatalf("expected api key issue, body=%q", rr.Body.String())
	}
}

func TestReadyHandler_Draining_NotReady(t *testing.T) {
	tracker := sessions.NewTracker(10)
	tracker.Drain("shutdown")
	h := ReadyHandler{Config: readyConfig(), Tracker: tracker}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	resp := decodeReady(t, rr)
	if draining, _ := resp["draining"].(bool); !draining {
		t.Fatalf("expected draining=true, body=%q", rr.Body.String())
	}
}

func TestReadyHandler_ReportsActiveCalls(t *testing.T) {
	tracker := sessions.NewTracker(10)
	unregister, err := tracker.Register("CA100", sessions.Handle{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer unregister()

	h := ReadyHandler{Config: readyConfig(), Tracker: tracker}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	resp := decodeReady(t, rr)
	if got, _ := resp["active_calls"].(float64); got != 1 {
		t.Fatalf("active_calls=%v", resp["active_calls"])
	}
	if got, _ := resp["max_calls"].(float64); got != 10 {
		t.Fatalf("max_calls=%v", resp["max_calls"])
	}
}
