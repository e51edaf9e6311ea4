package realtime_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/realtime"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want realtime.Kind
		typ  string
	}{
		{"append", `{"type":"input_audio_buffer.append","audio":""}`, realtime.KindInputAudioAppend, realtime.TypeInputAudioAppend},
		{"response create", `{"type":"response.create"}`, realtime.KindResponseCreate, realtime.TypeResponseCreate},
		{"session created", `{"type":"session.created","session":{}}`, realtime.KindSessionCreated, realtime.TypeSessionCreated},
		{"session updated", `{"type":"session.updated"}`, realtime.KindSessionUpdated, realtime.TypeSessionUpdated},
		{"speech started", `{"type":"input_audio_buffer.speech_started","audio_start_ms":120}`, realtime.KindSpeechStarted, realtime.TypeSpeechStarted},
		{"speech stopped", `{"type":"input_audio_buffer.speech_stopped"}`, realtime.KindSpeechStopped, realtime.TypeSpeechStopped},
		{"audio delta", `{"type":"response.audio.delta","delta":"AAA="}`, realtime.KindAudioDelta, realtime.TypeAudioDelta},
		{"audio done", `{"type":"response.audio.done"}`, realtime.KindAudioDone, realtime.TypeAudioDone},
		{"response done", `{"type":"response.done"}`, realtime.KindResponseDone, realtime.TypeResponseDone},
		{"error", `{"type":"error","error":{"message":"x"}}`, realtime.KindError, realtime.TypeError},
		{"unknown tag", `{"type":"rate_limits.updated"}`, realtime.KindUnknown, "rate_limits.updated"},
		{"not json", `hello`, realtime.KindMalformed, ""},
		{"no type", `{"delta":"AAA="}`, realtime.KindMalformed, ""},
		{"type not string", `{"type":7}`, realtime.KindMalformed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := realtime.Parse([]byte(tt.in))
			if ev.Kind != tt.want {
				t.Errorf("Kind = %v; want %v", ev.Kind, tt.want)
			}
			if ev.Type != tt.typ {
				t.Errorf("Type = %q; want %q", ev.Type, tt.typ)
			}
			if string(ev.Raw) != tt.in {
				t.Errorf("Raw = %q; want original bytes", ev.Raw)
			}
		})
	}
}

func TestPeek(t *testing.T) {
	t.Parallel()

	big := `{"type":"input_audio_buffer.append","audio":"` + strings.Repeat("A", 64<<10) + `"}`
	tests := []struct {
		name string
		in   string
		want realtime.Kind
		typ  string
	}{
		{"append", big, realtime.KindInputAudioAppend, realtime.TypeInputAudioAppend},
		{"type after payload", `{"delta":"AAA=","type":"response.audio.delta"}`, realtime.KindAudioDelta, realtime.TypeAudioDelta},
		{"unknown tag", `{"type":"rate_limits.updated","rate_limits":[]}`, realtime.KindUnknown, "rate_limits.updated"},
		{"truncated after type", `{"type":"response.audio.delta","delta":"AA`, realtime.KindAudioDelta, realtime.TypeAudioDelta},
		{"not json", `hello`, realtime.KindMalformed, ""},
		{"array", `[{"type":"error"}]`, realtime.KindMalformed, ""},
		{"no type", `{"delta":"AAA="}`, realtime.KindMalformed, ""},
		{"nested type only", `{"error":{"type":"invalid_request_error"}}`, realtime.KindMalformed, ""},
		{"type not string", `{"type":7}`, realtime.KindMalformed, ""},
		{"empty type", `{"type":""}`, realtime.KindMalformed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := realtime.Peek([]byte(tt.in))
			if ev.Kind != tt.want {
				t.Errorf("Kind = %v; want %v", ev.Kind, tt.want)
			}
			if ev.Type != tt.typ {
				t.Errorf("Type = %q; want %q", ev.Type, tt.typ)
			}
			if len(ev.Raw) != len(tt.in) {
				t.Errorf("Raw has %d bytes; want the original %d", len(ev.Raw), len(tt.in))
			}
		})
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	if got := realtime.KindAudioDelta.String(); got != "response.audio.delta" {
		t.Errorf("String = %q", got)
	}
	if got := realtime.KindUnknown.String(); got != "unknown" {
		t.Errorf("String = %q", got)
	}
	for k := realtime.KindInputAudioAppend; k <= realtime.KindError; k++ {
		if realtime.KindOf(k.String()) != k {
			t.Errorf("KindOf(%q) does not round-trip", k.String())
		}
	}
}

func TestAudio(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0xff, 0x7f}

	delta := realtime.Parse(realtime.NewAudioDelta(pcm))
	if delta.Kind != realtime.KindAudioDelta {
		t.Fatalf("Kind = %v", delta.Kind)
	}
	got, err := delta.Audio()
	if err != nil {
		t.Fatalf("Audio: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("delta Audio = %v; want %v", got, pcm)
	}

	app := realtime.Parse(realtime.NewAppendAudio(pcm))
	if app.Kind != realtime.KindInputAudioAppend {
		t.Fatalf("Kind = %v", app.Kind)
	}
	got, err = app.Audio()
	if err != nil {
		t.Fatalf("Audio: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("append Audio = %v; want %v", got, pcm)
	}

	bad := realtime.Parse([]byte(`{"type":"response.audio.delta","delta":"***"}`))
	if _, err := bad.Audio(); err == nil {
		t.Error("Audio on invalid base64: want error")
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{`{"type":"error","error":{"type":"invalid_request_error","code":"x","message":"bad audio"}}`, "bad audio"},
		{`{"type":"error","error":"dial tcp: refused"}`, "dial tcp: refused"},
		{`{"type":"error"}`, "unknown error"},
		{`{"type":"error","error":{}}`, "unknown error"},
	}
	for _, tt := range tests {
		if got := realtime.Parse([]byte(tt.in)).ErrorMessage(); got != tt.want {
			t.Errorf("ErrorMessage(%s) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRelayError(t *testing.T) {
	t.Parallel()

	ev := realtime.Parse(realtime.NewRelayError("upstream unavailable"))
	if ev.Kind != realtime.KindError {
		t.Fatalf("Kind = %v; want error", ev.Kind)
	}
	d := ev.ErrorDetail()
	if d.Type != "relay_error" || d.Message != "upstream unavailable" {
		t.Errorf("detail = %+v", d)
	}
}

func TestNewResponseCreate(t *testing.T) {
	t.Parallel()

	var msg struct {
		Type     string `json:"type"`
		Response struct {
			Modalities []string `json:"modalities"`
		} `json:"response"`
	}
	if err := json.Unmarshal(realtime.NewResponseCreate("text", "audio"), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "response.create" {
		t.Errorf("type = %q", msg.Type)
	}
	if len(msg.Response.Modalities) != 2 || msg.Response.Modalities[1] != "audio" {
		t.Errorf("modalities = %v", msg.Response.Modalities)
	}
}

func TestNewSessionUpdate(t *testing.T) {
	t.Parallel()

	cfg := realtime.DefaultSessionConfig()
	cfg.Instructions = "be brief"
	data, err := realtime.NewSessionUpdate(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg["type"] != "session.update" {
		t.Errorf("type = %v", msg["type"])
	}
	s := msg["session"].(map[string]any)
	if s["instructions"] != "be brief" || s["voice"] != "alloy" {
		t.Errorf("session = %v", s)
	}
	if s["input_audio_format"] != "pcm16" || s["output_audio_format"] != "pcm16" {
		t.Errorf("formats = %v / %v", s["input_audio_format"], s["output_audio_format"])
	}
	td := s["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" || td["silence_duration_ms"] != float64(500) {
		t.Errorf("turn_detection = %v", td)
	}
	tr := s["input_audio_transcription"].(map[string]any)
	if tr["model"] != "whisper-1" {
		t.Errorf("transcription = %v", tr)
	}
}
