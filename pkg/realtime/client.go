package realtime

import (
	"encoding/base64"
	"encoding/json"
)

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities []string `json:"modalities,omitempty"`
}

type relayErrorMessage struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// NewAppendAudio encodes one capture window as an input_audio_buffer.append
// event.
func NewAppendAudio(pcm []byte) []byte {
	return mustMarshal(appendAudioMessage{
		Type:  TypeInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// NewAudioDelta encodes a synthesised chunk as a response.audio.delta event.
// Used by tests and local loopback peers.
func NewAudioDelta(pcm []byte) []byte {
	return mustMarshal(struct {
		Type  string `json:"type"`
		Delta string `json:"delta"`
	}{TypeAudioDelta, base64.StdEncoding.EncodeToString(pcm)})
}

// NewResponseCreate asks the remote party to respond using the given
// modalities.
func NewResponseCreate(modalities ...string) []byte {
	return mustMarshal(responseCreateMessage{
		Type:     TypeResponseCreate,
		Response: responseParams{Modalities: modalities},
	})
}

// NewRelayError builds the error event the relay sends downstream when it
// cannot serve the session itself.
func NewRelayError(message string) []byte {
	return mustMarshal(relayErrorMessage{
		Type:  TypeError,
		Error: ErrorDetail{Type: "relay_error", Message: message},
	})
}

// NewEvent marshals an event carrying only a type tag, e.g.
// input_audio_buffer.speech_started.
func NewEvent(typ string) []byte {
	return mustMarshal(envelope{Type: typ})
}

// mustMarshal marshals values whose types cannot fail encoding.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("realtime: marshal: " + err.Error())
	}
	return data
}
