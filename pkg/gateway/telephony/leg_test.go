package telephony

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/callcore/pkg/core/audio"
)

// newWSPair upgrades one connection on an httptest server and hands back
// both ends. The leg under test wraps the server side, the test reads the
// client side like a carrier would.
func newWSPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	client = mustDialWS(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-connCh:
		t.Cleanup(func() { server.Close() })
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side never upgraded")
		return nil, nil
	}
}

func mustDialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return out
}

func testPCM(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(2000)))
	}
	return pcm
}

func TestLegWriteAudioMuLaw(t *testing.T) {
	server, client := newWSPair(t)
	leg := NewLeg(server, "MZ1", true, time.Second, slog.New(slog.DiscardHandler))

	pcm := testPCM(160)
	if err := leg.WriteAudio(pcm); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	msg := mustReadJSON(t, client, 2*time.Second)
	if msg["event"] != "media" || msg["streamSid"] != "MZ1" {
		t.Fatalf("frame = %v", msg)
	}
	payload := msg["media"].(map[string]any)["payload"].(string)
	want := base64.StdEncoding.EncodeToString(audio.EncodeMuLaw(pcm))
	if payload != want {
		t.Fatal("payload is not the mu-law encoding of the input")
	}
}

func TestLegWriteAudioPCMPassthrough(t *testing.T) {
	server, client := newWSPair(t)
	leg := NewLeg(server, "MZ1", false, time.Second, slog.New(slog.DiscardHandler))

	pcm := testPCM(80)
	if err := leg.WriteAudio(pcm); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	msg := mustReadJSON(t, client, 2*time.Second)
	payload := msg["media"].(map[string]any)["payload"].(string)
	if payload != base64.StdEncoding.EncodeToString(pcm) {
		t.Fatal("linear mode must pass PCM through untouched")
	}
}

func TestLegClearAndMark(t *testing.T) {
	server, client := newWSPair(t)
	leg := NewLeg(server, "MZ1", true, time.Second, slog.New(slog.DiscardHandler))

	if err := leg.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	msg := mustReadJSON(t, client, 2*time.Second)
	if msg["event"] != "clear" || msg["streamSid"] != "MZ1" {
		t.Fatalf("clear frame = %v", msg)
	}

	if err := leg.SendMark("turn-1"); err != nil {
		t.Fatalf("SendMark: %v", err)
	}
	msg = mustReadJSON(t, client, 2*time.Second)
	if msg["event"] != "mark" {
		t.Fatalf("mark frame = %v", msg)
	}
	if name := msg["mark"].(map[string]any)["name"]; name != "turn-1" {
		t.Fatalf("mark name = %v", name)
	}
}

func TestLegCloseIsIdempotent(t *testing.T) {
	server, client := newWSPair(t)
	leg := NewLeg(server, "MZ1", true, time.Second, slog.New(slog.DiscardHandler))

	if err := leg.Close("call ended"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := leg.Close("again"); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("want close error, got %v", err)
	}
	if ce.Code != websocket.CloseNormalClosure || ce.Text != "call ended" {
		t.Fatalf("close frame = %d %q", ce.Code, ce.Text)
	}

	// Writes after close are silent no-ops.
	if err := leg.WriteAudio(testPCM(80)); err != nil {
		t.Fatalf("WriteAudio after close: %v", err)
	}
	if err := leg.Clear(); err != nil {
		t.Fatalf("Clear after close: %v", err)
	}
}
