// Package telephony speaks the carrier media-stream protocol: one JSON
// event per websocket text message, audio as base64 G.711 mu-law.
package telephony

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// EncodingMuLaw is the only media format carriers send us today.
	EncodingMuLaw = "audio/x-mulaw"

	// EncodingPCM appears on test rigs that skip the G.711 step.
	EncodingPCM = "audio/l16"
)

// DecodeError reports a malformed inbound event. Protocol errors are
// non-fatal for the call; the handler logs and keeps reading.
type DecodeError struct {
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badEvent(message, param string) *DecodeError {
	return &DecodeError{Message: message, Param: param}
}

// MediaFormat describes the stream's audio shape, sent in the start event.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// ConnectedEvent opens the socket, before start.
type ConnectedEvent struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

// StartEvent binds the socket to a call and carries routing parameters.
// CustomParameters holds at least agent_id, optionally language and profile.
type StartEvent struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaEvent carries one frame of caller audio. Timestamp is milliseconds
// since stream start, as a decimal string.
type MediaEvent struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// Offset parses the media timestamp. ok is false when the carrier omitted
// or mangled it; callers then fall back to arrival time.
func (m MediaEvent) Offset() (time.Duration, bool) {
	raw := strings.TrimSpace(m.Timestamp)
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// MarkEvent acknowledges that caller-side playback reached a named mark.
type MarkEvent struct {
	Name string `json:"name"`
}

// StopEvent ends the stream from the carrier side.
type StopEvent struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// UnknownEvent is any event type this build does not handle. The call
// continues; the handler logs it.
type UnknownEvent struct {
	Event string
}

type inboundEnvelope struct {
	Event          string          `json:"event"`
	SequenceNumber string          `json:"sequenceNumber"`
	StreamSid      string          `json:"streamSid"`
	Start          json.RawMessage `json:"start"`
	Media          json.RawMessage `json:"media"`
	Mark           json.RawMessage `json:"mark"`
	Stop           json.RawMessage `json:"stop"`
	Protocol       string          `json:"protocol"`
	Version        string          `json:"version"`
}

// DecodeEvent parses one inbound carrier message into its typed event.
func DecodeEvent(data []byte) (any, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badEvent("invalid json event", "")
	}
	event := strings.TrimSpace(env.Event)
	if event == "" {
		return nil, badEvent("missing event", "event")
	}

	switch event {
	case "connected":
		return ConnectedEvent{Protocol: env.Protocol, Version: env.Version}, nil

	case "start":
		var msg StartEvent
		if len(env.Start) == 0 {
			return nil, badEvent("start event missing start payload", "start")
		}
		if err := json.Unmarshal(env.Start, &msg); err != nil {
			return nil, badEvent("invalid start payload", "start")
		}
		if strings.TrimSpace(msg.StreamSid) == "" {
			msg.StreamSid = strings.TrimSpace(env.StreamSid)
		}
		if err := validateStart(msg); err != nil {
			return nil, err
		}
		return msg, nil

	case "media":
		var msg MediaEvent
		if len(env.Media) == 0 {
			return nil, badEvent("media event missing media payload", "media")
		}
		if err := json.Unmarshal(env.Media, &msg); err != nil {
			return nil, badEvent("invalid media payload", "media")
		}
		if strings.TrimSpace(msg.Payload) == "" {
			return nil, badEvent("media.payload is required", "media.payload")
		}
		return msg, nil

	case "mark":
		var msg MarkEvent
		if len(env.Mark) > 0 {
			if err := json.Unmarshal(env.Mark, &msg); err != nil {
				return nil, badEvent("invalid mark payload", "mark")
			}
		}
		return msg, nil

	case "stop":
		var msg StopEvent
		if len(env.Stop) > 0 {
			if err := json.Unmarshal(env.Stop, &msg); err != nil {
				return nil, badEvent("invalid stop payload", "stop")
			}
		}
		return msg, nil

	default:
		return UnknownEvent{Event: event}, nil
	}
}

func validateStart(msg StartEvent) error {
	if strings.TrimSpace(msg.CallSid) == "" {
		return badEvent("start.callSid is required", "start.callSid")
	}
	if strings.TrimSpace(msg.StreamSid) == "" {
		return badEvent("start.streamSid is required", "start.streamSid")
	}
	enc := strings.TrimSpace(msg.MediaFormat.Encoding)
	switch enc {
	case EncodingMuLaw, EncodingPCM:
	case "":
		return badEvent("start.mediaFormat.encoding is required", "start.mediaFormat.encoding")
	default:
		return badEvent("unsupported media encoding", "start.mediaFormat.encoding")
	}
	if msg.MediaFormat.SampleRate <= 0 {
		return badEvent("start.mediaFormat.sampleRate must be > 0", "start.mediaFormat.sampleRate")
	}
	if msg.MediaFormat.Channels != 1 {
		return badEvent("start.mediaFormat.channels must be 1", "start.mediaFormat.channels")
	}
	return nil
}

// AgentID returns the routing parameter carriers set per-call.
func (s StartEvent) AgentID() string {
	return strings.TrimSpace(s.CustomParameters["agent_id"])
}

// Language returns the caller-language hint, if the carrier set one.
func (s StartEvent) Language() string {
	return strings.TrimSpace(s.CustomParameters["language"])
}

// Profile returns the client-profile tag, if the carrier set one.
func (s StartEvent) Profile() string {
	return strings.TrimSpace(s.CustomParameters["profile"])
}

// Outbound messages.

type outboundMedia struct {
	Event     string               `json:"event"`
	StreamSid string               `json:"streamSid"`
	Media     outboundMediaPayload `json:"media"`
}

type outboundMediaPayload struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string           `json:"event"`
	StreamSid string           `json:"streamSid"`
	Mark      outboundMarkName `json:"mark"`
}

type outboundMarkName struct {
	Name string `json:"name"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

func mediaMessage(streamSid, payloadB64 string) outboundMedia {
	return outboundMedia{
		Event:     "media",
		StreamSid: streamSid,
		Media:     outboundMediaPayload{Payload: payloadB64},
	}
}

func markMessage(streamSid, name string) outboundMark {
	return outboundMark{
		Event:     "mark",
		StreamSid: streamSid,
		Mark:      outboundMarkName{Name: name},
	}
}

func clearMessage(streamSid string) outboundClear {
	return outboundClear{Event: "clear", StreamSid: streamSid}
}
