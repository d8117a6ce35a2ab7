// Package testagent serves the browser preview surface: the same bridge as
// a phone call, but with JSON framing and 48 kHz PCM so an agent can be
// exercised from a laptop microphone before it ever takes real traffic.
package testagent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EncodingPCMS16LE is the only client audio encoding accepted.
const EncodingPCMS16LE = "pcm_s16le"

// DefaultSampleRate is what browsers send when they follow the docs.
const DefaultSampleRate = 48000

// DecodeError reports a client frame the server refuses to act on.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// AudioFormat describes one direction of the audio stream.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// SessionParams carries the agent selection from the client start frame.
type SessionParams struct {
	AgentID  string `json:"agent_id"`
	Language string `json:"language,omitempty"`
	Profile  string `json:"profile,omitempty"`
}

// ClientStart opens a session. It must be the first frame.
type ClientStart struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
	AudioIn AudioFormat   `json:"audio_in"`
}

// ClientAudio is one microphone chunk, base64 PCM s16le.
type ClientAudio struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

// ClientControl carries in-band ops: "interrupt" stops the AI turn,
// "hangup" ends the session.
type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// UnknownMessage is any frame type this server does not speak. Callers log
// it and keep going.
type UnknownMessage struct {
	Type string
}

// DecodeClientMessage parses one client text frame.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "start":
		var msg ClientStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		if err := validateStart(msg); err != nil {
			return nil, err
		}
		msg.Session.AgentID = strings.TrimSpace(msg.Session.AgentID)
		return msg, nil
	case "audio":
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio frame without data", "data_b64")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control frame", "")
		}
		if strings.TrimSpace(msg.Op) == "" {
			return nil, badRequest("control frame without op", "op")
		}
		return msg, nil
	default:
		return UnknownMessage{Type: typ}, nil
	}
}

func validateStart(msg ClientStart) error {
	if strings.TrimSpace(msg.Session.AgentID) == "" {
		return badRequest("session.agent_id is required", "session.agent_id")
	}
	if msg.AudioIn.Encoding != EncodingPCMS16LE {
		return badRequest("unsupported audio encoding", "audio_in.encoding")
	}
	if msg.AudioIn.SampleRateHz <= 0 {
		return badRequest("audio_in.sample_rate_hz must be > 0", "audio_in.sample_rate_hz")
	}
	if msg.AudioIn.Channels != 1 {
		return badRequest("audio_in.channels must be 1", "audio_in.channels")
	}
	return nil
}

// Server frames. Every outbound message carries a type discriminator like
// the client side.

type serverReady struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	AudioOut  AudioFormat `json:"audio_out"`
}

type serverAudio struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type serverControl struct {
	Type  string `json:"type"`
	Op    string `json:"op"`
	Cause string `json:"cause,omitempty"`
}

type serverState struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

type serverTranscript struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

type serverText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type serverEnded struct {
	Type       string `json:"type"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

func readyMessage(sessionID string, out AudioFormat) serverReady {
	return serverReady{Type: "ready", SessionID: sessionID, AudioOut: out}
}

func audioMessage(b64 string) serverAudio {
	return serverAudio{Type: "audio", DataB64: b64}
}

func controlMessage(op, cause string) serverControl {
	return serverControl{Type: "control", Op: op, Cause: cause}
}

func stateMessage(from, to string) serverState {
	return serverState{Type: "state", From: from, To: to}
}

func transcriptMessage(source, text string) serverTranscript {
	return serverTranscript{Type: "transcript", Source: source, Text: text}
}

func textMessage(text string) serverText {
	return serverText{Type: "text", Text: text}
}

func endedMessage(outcome, reason string, durationMS int64) serverEnded {
	return serverEnded{Type: "ended", Outcome: outcome, Reason: reason, DurationMS: durationMS}
}

func errorMessage(code, message, param string) serverError {
	return serverError{Type: "error", Code: code, Message: message, Param: param}
}
