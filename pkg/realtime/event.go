package realtime

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// envelope is the minimal shape decoded to classify an event.
type envelope struct {
	Type string `json:"type"`
}

// Event is one classified protocol message. Raw is the exact payload that was
// parsed and must not be modified.
type Event struct {
	Kind Kind

	// Type is the wire tag as sent, including tags that map to KindUnknown.
	Type string

	Raw []byte
}

// Parse classifies data without validating anything beyond the type tag.
// It never fails: undecodable input yields a KindMalformed event.
func Parse(data []byte) Event {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return Event{Kind: KindMalformed, Raw: data}
	}
	return Event{Kind: KindOf(env.Type), Type: env.Type, Raw: data}
}

// Peek classifies data like Parse but stops decoding at the top-level
// "type" member, so members after it are neither scanned nor validated.
// Payloads that put type first, as every client and model does, classify in
// time independent of their audio size.
func Peek(data []byte) Event {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return Event{Kind: KindMalformed, Raw: data}
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if key, _ := tok.(string); key == "type" {
			var typ string
			if err := dec.Decode(&typ); err != nil || typ == "" {
				break
			}
			return Event{Kind: KindOf(typ), Type: typ, Raw: data}
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			break
		}
	}
	return Event{Kind: KindMalformed, Raw: data}
}

// audioPayload covers the two audio-carrying events: response.audio.delta
// uses "delta", input_audio_buffer.append uses "audio".
type audioPayload struct {
	Delta string `json:"delta"`
	Audio string `json:"audio"`
}

// Audio decodes the base64 PCM16 payload of a response.audio.delta or
// input_audio_buffer.append event.
func (e Event) Audio() ([]byte, error) {
	var p audioPayload
	if err := json.Unmarshal(e.Raw, &p); err != nil {
		return nil, fmt.Errorf("realtime: decode %s: %w", e.Kind, err)
	}
	enc := p.Delta
	if e.Kind == KindInputAudioAppend {
		enc = p.Audio
	}
	pcm, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("realtime: decode %s audio: %w", e.Kind, err)
	}
	return pcm, nil
}

// ErrorDetail is the nested object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type errorEvent struct {
	Type  string          `json:"type"`
	Error json.RawMessage `json:"error"`
}

// ErrorDetail extracts the error payload of an error event. A plain string
// payload is accepted as the message. Unparseable payloads yield a detail
// with message "unknown error".
func (e Event) ErrorDetail() ErrorDetail {
	var ev errorEvent
	if err := json.Unmarshal(e.Raw, &ev); err != nil || len(ev.Error) == 0 {
		return ErrorDetail{Message: "unknown error"}
	}
	var d ErrorDetail
	if err := json.Unmarshal(ev.Error, &d); err == nil && d.Message != "" {
		return d
	}
	var s string
	if err := json.Unmarshal(ev.Error, &s); err == nil && s != "" {
		return ErrorDetail{Message: s}
	}
	return ErrorDetail{Message: "unknown error"}
}

// ErrorMessage returns the human-readable message of an error event.
func (e Event) ErrorMessage() string {
	return e.ErrorDetail().Message
}
