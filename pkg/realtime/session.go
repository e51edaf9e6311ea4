package realtime

import "encoding/json"

// SessionConfig is the fixed configuration the relay injects upstream once,
// immediately after the upstream connection opens.
type SessionConfig struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	Transcription     *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

// Transcription enables upstream transcription of the user's audio.
type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection configures upstream voice-activity detection, which emits
// the speech_started / speech_stopped events.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// MarshalUpdate encodes cfg as a session.update event.
func (cfg SessionConfig) MarshalUpdate() ([]byte, error) {
	return json.Marshal(sessionUpdateMessage{Type: TypeSessionUpdate, Session: cfg})
}

// NewSessionUpdate is shorthand for cfg.MarshalUpdate.
func NewSessionUpdate(cfg SessionConfig) ([]byte, error) {
	return cfg.MarshalUpdate()
}

// DefaultSessionConfig returns the interviewer session defaults: text and
// audio, PCM16 both ways, whisper-1 transcription, server VAD.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Modalities:        []string{"text", "audio"},
		Voice:             "alloy",
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Transcription:     &Transcription{Model: "whisper-1"},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
	}
}
