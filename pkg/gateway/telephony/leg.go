package telephony

import (
	"encoding/base64"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/callcore/pkg/core/audio"
)

// Leg writes engine audio back to the carrier socket. It tolerates calls
// after Close: the carrier may already be gone while the bridge drains.
type Leg struct {
	conn         *websocket.Conn
	streamSid    string
	muLaw        bool
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewLeg wraps an upgraded carrier connection. muLaw selects G.711 encode
// on the way out; otherwise frames leave as little-endian PCM16.
func NewLeg(conn *websocket.Conn, streamSid string, muLaw bool, writeTimeout time.Duration, logger *slog.Logger) *Leg {
	if logger == nil {
		logger = slog.Default()
	}
	return &Leg{
		conn:         conn,
		streamSid:    streamSid,
		muLaw:        muLaw,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// WriteAudio sends one frame of telephony-rate PCM to the caller.
func (l *Leg) WriteAudio(pcm []byte) error {
	if l.closed.Load() {
		return nil
	}
	raw := pcm
	if l.muLaw {
		raw = audio.EncodeMuLaw(pcm)
	}
	payload := base64.StdEncoding.EncodeToString(raw)
	return l.writeJSON(mediaMessage(l.streamSid, payload))
}

// Clear flushes whatever the carrier has buffered for playback. Sent on
// barge-in and when real AI audio preempts filler.
func (l *Leg) Clear() error {
	if l.closed.Load() {
		return nil
	}
	return l.writeJSON(clearMessage(l.streamSid))
}

// SendMark drops a named checkpoint into the carrier playback queue. The
// carrier echoes it back once playback reaches that point.
func (l *Leg) SendMark(name string) error {
	if l.closed.Load() {
		return nil
	}
	return l.writeJSON(markMessage(l.streamSid, name))
}

// Close shuts the socket down once. Later Close calls and writes are no-ops.
func (l *Leg) Close(reason string) error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		deadline := time.Now().Add(2 * time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		if err := l.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			l.logger.Debug("carrier close frame failed", "error", err)
		}
		_ = l.conn.Close()
	})
	return nil
}

func (l *Leg) writeJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.writeTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	return l.conn.WriteJSON(v)
}
