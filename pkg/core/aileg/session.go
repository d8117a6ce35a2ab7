package aileg

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/callcore/pkg/core/audio"
)

const defaultConnectTimeout = 15 * time.Second

// DefaultEndpoint is the BidiGenerateContent websocket endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// Config describes one live session.
type Config struct {
	// Endpoint is the websocket URL without credentials. Empty means
	// DefaultEndpoint.
	Endpoint string

	// APIKey authenticates the session.
	APIKey string

	// Model is the live model id, e.g. "models/gemini-2.0-flash-live-001".
	Model string

	// Voice selects the prebuilt AI voice.
	Voice string

	// SystemInstruction is the agent prompt for this call.
	SystemInstruction string

	// CachedContent optionally attaches a priming-cache handle. It must be
	// present at setup; the protocol has no way to attach one later.
	CachedContent string

	// ConnectTimeout bounds dial plus setup acknowledgment.
	ConnectTimeout time.Duration
}

// Event is anything the session reports to its consumer.
type Event interface{ eventType() string }

// AudioEvent carries one decoded AI audio chunk (24 kHz PCM16).
type AudioEvent struct{ PCM []byte }

// TextEvent carries AI turn text.
type TextEvent struct{ Text string }

// TranscriptEvent carries live transcription, Source "caller" or "ai".
type TranscriptEvent struct {
	Text   string
	Source string
}

// TurnCompleteEvent marks the end of an AI utterance.
type TurnCompleteEvent struct{}

// InterruptedEvent is the server acknowledging a barge-in.
type InterruptedEvent struct{}

func (AudioEvent) eventType() string        { return "audio" }
func (TextEvent) eventType() string         { return "text" }
func (TranscriptEvent) eventType() string   { return "transcript" }
func (TurnCompleteEvent) eventType() string { return "turn_complete" }
func (InterruptedEvent) eventType() string  { return "interrupted" }

// Session is one live AI connection. Writes are serialized by a mutex; the
// read loop runs until the socket fails or Close is called, then closes
// Events and records the terminal error.
type Session struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Dial connects, sends setup, and waits for the setup acknowledgment. Both
// TEXT and AUDIO modalities are always requested: audio-only sessions have
// been observed to go silent mid-call upstream.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Session, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("aileg: model must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("aileg: parse endpoint: %w", err)
	}
	if cfg.APIKey != "" {
		q := u.Query()
		q.Set("key", cfg.APIKey)
		u.RawQuery = q.Encode()
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = defaultConnectTimeout
		}
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("aileg: dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("aileg: dial failed: %w", err)
	}

	setup := setupMessage{Setup: setupPayload{
		Model: cfg.Model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"TEXT", "AUDIO"},
		},
		CachedContent:            cfg.CachedContent,
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}}
	if cfg.Voice != "" {
		setup.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: &voiceConfig{
				PrebuiltVoiceConfig: &prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		setup.Setup.SystemInstruction = &content{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}

	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("aileg: send setup: %w", err)
	}

	deadline, ok := dialCtx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultConnectTimeout)
	}
	_ = conn.SetReadDeadline(deadline)
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("aileg: read setup ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var first serverMessage
	if err := json.Unmarshal(payload, &first); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("aileg: decode setup ack: %w", err)
	}
	if first.SetupComplete == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("aileg: expected setup acknowledgment, got %s", string(payload))
	}

	s := &Session{
		conn:   conn,
		logger: logger,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events returns the server event stream. The channel closes when the
// session ends; Err reports why.
func (s *Session) Events() <-chan Event {
	return s.events
}

// SendAudio streams one caller audio chunk (16 kHz PCM16).
func (s *Session) SendAudio(pcm []byte) error {
	return s.sendJSON(realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []blob{{
			MimeType: fmt.Sprintf("audio/pcm;rate=%d", audio.AIInputRate),
			Data:     base64.StdEncoding.EncodeToString(pcm),
		}},
	}})
}

// SendTurn submits a complete text turn, prompting an immediate AI
// response. Used for the greeting and the silence-fallback prompt.
func (s *Session) SendTurn(text string) error {
	return s.sendJSON(clientContentMessage{ClientContent: clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: true,
	}})
}

// SignalInterrupt tells the server the caller has started speaking so the
// in-flight turn is abandoned upstream as well as locally.
func (s *Session) SignalInterrupt() error {
	return s.sendJSON(realtimeInputMessage{RealtimeInput: realtimeInput{
		ActivityStart: &struct{}{},
	}})
}

func (s *Session) sendJSON(v any) error {
	if s.closed.Load() {
		return fmt.Errorf("aileg: session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close shuts the session down and waits for the read loop to exit. Safe to
// call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal error, nil for a clean shutdown. Blocks until
// the session has ended.
func (s *Session) Err() error {
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.setErr(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("undecodable ai frame", "error", err)
			continue
		}

		if msg.GoAway != nil {
			s.logger.Info("ai session go-away received")
			continue
		}
		sc := msg.ServerContent
		if sc == nil {
			continue
		}

		if sc.Interrupted {
			s.emit(InterruptedEvent{})
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			s.emit(TranscriptEvent{Text: sc.InputTranscription.Text, Source: "caller"})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			s.emit(TranscriptEvent{Text: sc.OutputTranscription.Text, Source: "ai"})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil {
					pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
					if err != nil {
						s.logger.Warn("undecodable ai audio chunk", "error", err)
						continue
					}
					s.emit(AudioEvent{PCM: pcm})
				}
				if p.Text != "" {
					s.emit(TextEvent{Text: p.Text})
				}
			}
		}
		if sc.TurnComplete {
			s.emit(TurnCompleteEvent{})
		}
	}
}

// emit never blocks the read loop; a consumer that stalls loses events
// rather than wedging the socket.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}
