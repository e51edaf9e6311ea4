package realtime

// Kind is the closed set of event types this system understands.
type Kind int

const (
	// KindUnknown is any well-formed event whose type tag is not in the
	// catalogue. It is forwarded but otherwise ignored.
	KindUnknown Kind = iota

	// KindMalformed is a payload that is not a JSON object with a string
	// "type" field.
	KindMalformed

	// Client to relay.
	KindInputAudioAppend
	KindResponseCreate

	// Relay to upstream, injected once per session.
	KindSessionUpdate

	// Relay to client.
	KindSessionCreated
	KindSessionUpdated
	KindSpeechStarted
	KindSpeechStopped
	KindAudioDelta
	KindAudioDone
	KindResponseDone
	KindError
)

// Wire type tags.
const (
	TypeInputAudioAppend = "input_audio_buffer.append"
	TypeResponseCreate   = "response.create"
	TypeSessionUpdate    = "session.update"
	TypeSessionCreated   = "session.created"
	TypeSessionUpdated   = "session.updated"
	TypeSpeechStarted    = "input_audio_buffer.speech_started"
	TypeSpeechStopped    = "input_audio_buffer.speech_stopped"
	TypeAudioDelta       = "response.audio.delta"
	TypeAudioDone        = "response.audio.done"
	TypeResponseDone     = "response.done"
	TypeError            = "error"
)

var kindByType = map[string]Kind{
	TypeInputAudioAppend: KindInputAudioAppend,
	TypeResponseCreate:   KindResponseCreate,
	TypeSessionUpdate:    KindSessionUpdate,
	TypeSessionCreated:   KindSessionCreated,
	TypeSessionUpdated:   KindSessionUpdated,
	TypeSpeechStarted:    KindSpeechStarted,
	TypeSpeechStopped:    KindSpeechStopped,
	TypeAudioDelta:       KindAudioDelta,
	TypeAudioDone:        KindAudioDone,
	TypeResponseDone:     KindResponseDone,
	TypeError:            KindError,
}

// KindOf returns the Kind for a wire type tag.
func KindOf(typ string) Kind {
	if k, ok := kindByType[typ]; ok {
		return k
	}
	return KindUnknown
}

// String returns the wire tag for catalogued kinds, or "unknown"/"malformed".
func (k Kind) String() string {
	switch k {
	case KindInputAudioAppend:
		return TypeInputAudioAppend
	case KindResponseCreate:
		return TypeResponseCreate
	case KindSessionUpdate:
		return TypeSessionUpdate
	case KindSessionCreated:
		return TypeSessionCreated
	case KindSessionUpdated:
		return TypeSessionUpdated
	case KindSpeechStarted:
		return TypeSpeechStarted
	case KindSpeechStopped:
		return TypeSpeechStopped
	case KindAudioDelta:
		return TypeAudioDelta
	case KindAudioDone:
		return TypeAudioDone
	case KindResponseDone:
		return TypeResponseDone
	case KindError:
		return TypeError
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}
