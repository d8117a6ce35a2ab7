package testagent

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeClientStart(t *testing.T) {
	data := []byte(`{
		"type": "start",
		"session": {"agent_id": " agent-1 ", "language": "de", "profile": "billing"},
		"audio_in": {"encoding": "pcm_s16le", "sample_rate_hz": 48000, "channels": 1}
	}`)

	msg, err := DecodeClientMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	start, ok := msg.(ClientStart)
	if !ok {
		t.Fatalf("got %T, want ClientStart", msg)
	}
	if start.Session.AgentID != "agent-1" {
		t.Fatalf("agent id %q not trimmed", start.Session.AgentID)
	}
	if start.Session.Language != "de" || start.Session.Profile != "billing" {
		t.Fatalf("session=%+v", start.Session)
	}
	if start.AudioIn.SampleRateHz != DefaultSampleRate {
		t.Fatalf("sample rate=%d", start.AudioIn.SampleRateHz)
	}
}

func TestDecodeClientStartValidation(t *testing.T) {
	valid := ClientStart{
		Type:    "start",
		Session: SessionParams{AgentID: "agent-1"},
		AudioIn: AudioFormat{Encoding: EncodingPCMS16LE, SampleRateHz: 48000, Channels: 1},
	}

	tests := []struct {
		name      string
		mutate    func(*ClientStart)
		wantParam string
	}{
		{"missing agent", func(s *ClientStart) { s.Session.AgentID = "  " }, "session.agent_id"},
		{"bad encoding", func(s *ClientStart) { s.AudioIn.Encoding = "opus" }, "audio_in.encoding"},
		{"zero rate", func(s *ClientStart) { s.AudioIn.SampleRateHz = 0 }, "audio_in.sample_rate_hz"},
		{"stereo", func(s *ClientStart) { s.AudioIn.Channels = 2 }, "audio_in.channels"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := valid
			tt.mutate(&msg)
			data, err := json.Marshal(msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			_, err = DecodeClientMessage(data)
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("err=%v, want DecodeError", err)
			}
			if decodeErr.Param != tt.wantParam {
				t.Fatalf("param=%q, want %q", decodeErr.Param, tt.wantParam)
			}
		})
	}
}

func TestDecodeClientAudioAndControl(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"audio","data_b64":"AAAA"}`))
	if err != nil {
		t.Fatalf("audio decode: %v", err)
	}
	if a, ok := msg.(ClientAudio); !ok || a.DataB64 != "AAAA" {
		t.Fatalf("got %#v", msg)
	}

	if _, err := DecodeClientMessage([]byte(`{"type":"audio"}`)); err == nil {
		t.Fatalf("expected error for audio frame without data")
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"control","op":"interrupt"}`))
	if err != nil {
		t.Fatalf("control decode: %v", err)
	}
	if c, ok := msg.(ClientControl); !ok || c.Op != "interrupt" {
		t.Fatalf("got %#v", msg)
	}

	if _, err := DecodeClientMessage([]byte(`{"type":"control"}`)); err == nil {
		t.Fatalf("expected error for control frame without op")
	}
}

func TestDecodeClientUnknownAndMalformed(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unknown type should not error: %v", err)
	}
	if u, ok := msg.(UnknownMessage); !ok || u.Type != "ping" {
		t.Fatalf("got %#v", msg)
	}

	if _, err := DecodeClientMessage([]byte(`{`)); err == nil {
		t.Fatalf("expected error for malformed json")
	}
	if _, err := DecodeClientMessage([]byte(`{"op":"x"}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
}

func TestDecodeErrorMessageText(t *testing.T) {
	withParam := badRequest("bad thing", "field.a")
	if withParam.Error() != "bad thing (field.a)" {
		t.Fatalf("got %q", withParam.Error())
	}
	withoutParam := badRequest("bad thing", "")
	if withoutParam.Error() != "bad thing" {
		t.Fatalf("got %q", withoutParam.Error())
	}
}

func TestServerFrameShapes(t *testing.T) {
	data, err := json.Marshal(endedMessage("completed", "carrier stop event", 42500))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var ended map[string]any
	if err := json.Unmarshal(data, &ended); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ended["type"] != "ended" || ended["duration_ms"] != float64(42500) {
		t.Fatalf("ended=%v", ended)
	}

	data, err = json.Marshal(controlMessage("interrupt", "barge-in"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var control map[string]any
	if err := json.Unmarshal(data, &control); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if control["op"] != "interrupt" || control["cause"] != "barge-in" {
		t.Fatalf("control=%v", control)
	}

	data, err = json.Marshal(readyMessage("s_1", AudioFormat{Encoding: EncodingPCMS16LE, SampleRateHz: 48000, Channels: 1}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"session_id":"s_1"`) {
		t.Fatalf("ready=%s", data)
	}
}
