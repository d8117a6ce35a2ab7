package testagent

import (
	"encoding/base64"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/callcore/pkg/core/bridge"
	"github.com/voxlane/callcore/pkg/core/call"
)

// sessionLeg adapts the browser websocket to the bridge's telephony-leg
// contract. Audio goes out as base64 PCM s16le at the negotiated rate.
//
// Close only stops audio: the socket stays open so the handler can still
// deliver the final ended frame after the bridge reports its result.
type sessionLeg struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu    sync.Mutex
	socketOnce sync.Once
	closed     atomic.Bool
}

func newSessionLeg(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *sessionLeg {
	return &sessionLeg{conn: conn, writeTimeout: writeTimeout, logger: logger}
}

func (l *sessionLeg) WriteAudio(pcm []byte) error {
	if l.closed.Load() {
		return nil
	}
	return l.writeJSON(audioMessage(base64.StdEncoding.EncodeToString(pcm)))
}

// Clear tells the browser to drop whatever it has buffered for playback.
func (l *sessionLeg) Clear() error {
	if l.closed.Load() {
		return nil
	}
	return l.writeJSON(controlMessage("clear", ""))
}

func (l *sessionLeg) Close(reason string) error {
	l.closed.Store(true)
	return nil
}

// sendEnded delivers the final result frame. It runs after Close, which is
// why it does not consult the closed flag.
func (l *sessionLeg) sendEnded(outcome, reason string, duration time.Duration) error {
	return l.writeJSON(endedMessage(outcome, reason, duration.Milliseconds()))
}

func (l *sessionLeg) sendReady(sessionID string, out AudioFormat) error {
	return l.writeJSON(readyMessage(sessionID, out))
}

func (l *sessionLeg) sendError(code, message, param string) error {
	return l.writeJSON(errorMessage(code, message, param))
}

// shutdown sends the close frame and tears the socket down, once.
func (l *sessionLeg) shutdown(code int, text string) {
	l.closed.Store(true)
	l.socketOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, text)
		deadline := time.Now().Add(2 * time.Second)
		if err := l.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			l.logger.Debug("close frame not sent", "error", err)
		}
		_ = l.conn.Close()
	})
}

func (l *sessionLeg) writeJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.writeTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	return l.conn.WriteJSON(v)
}

// sessionObserver pushes bridge milestones to the browser as they happen.
// It runs on the bridge loop goroutine, so every write is one short JSON
// frame under the leg's write mutex.
type sessionObserver struct {
	leg    *sessionLeg
	logger *slog.Logger
}

func (o *sessionObserver) OnStateChange(from, to call.State) {
	if o.leg.closed.Load() {
		return
	}
	if err := o.leg.writeJSON(stateMessage(from.String(), to.String())); err != nil {
		o.logger.Debug("state frame not sent", "error", err)
	}
}

func (o *sessionObserver) OnInterrupt(cause string) {
	if o.leg.closed.Load() {
		return
	}
	if err := o.leg.writeJSON(controlMessage("interrupt", cause)); err != nil {
		o.logger.Debug("interrupt frame not sent", "error", err)
	}
}

func (o *sessionObserver) OnTranscript(source, text string) {
	if o.leg.closed.Load() {
		return
	}
	if err := o.leg.writeJSON(transcriptMessage(source, text)); err != nil {
		o.logger.Debug("transcript frame not sent", "error", err)
	}
}

func (o *sessionObserver) OnAIText(text string) {
	if o.leg.closed.Load() {
		return
	}
	if err := o.leg.writeJSON(textMessage(text)); err != nil {
		o.logger.Debug("text frame not sent", "error", err)
	}
}

func (o *sessionObserver) OnEnded(bridge.Result) {
	// The handler sends the ended frame once Run returns; the result is
	// complete there and the ordering with Close is unambiguous.
}
