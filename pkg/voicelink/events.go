package voicelink

import "encoding/json"

// EventType constants for the wire protocol. Tags are fixed by the
// upstream realtime service.
const (
	// Client → Server events
	EventTypeSessionUpdate  = "session.update"
	EventTypeAudioAppend    = "input_audio_buffer.append"
	EventTypeItemCreate     = "conversation.item.create"
	EventTypeResponseCreate = "response.create"

	// Server → Client events
	EventTypeSessionCreated  = "session.created"
	EventTypeSessionUpdated  = "session.updated"
	EventTypeAudioDelta      = "response.audio.delta"
	EventTypeTranscriptDelta = "response.audio_transcript.delta"
	EventTypeTranscriptDone  = "response.audio_transcript.done"
	EventTypeSpeechStarted   = "input_audio_buffer.speech_started"
	EventTypeSpeechStopped   = "input_audio_buffer.speech_stopped"
	EventTypeItemCreated     = "conversation.item.created"
	EventTypeResponseCreated = "response.created"
	EventTypeResponseDone    = "response.done"
	EventTypeError           = "error"
)

// --- Client → Server messages ---

// ClientEvent is the tagged envelope for every outbound event.
type ClientEvent struct {
	Type     string          `json:"type"`
	Session  *SessionParams  `json:"session,omitempty"`
	Audio    string          `json:"audio,omitempty"`
	Item     *Item           `json:"item,omitempty"`
	Response *ResponseParams `json:"response,omitempty"`
}

// SessionParams is the payload of a session.update event.
type SessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *TurnDetection `json:"turn_detection"`
	Temperature       float64        `json:"temperature,omitempty"`
}

// TurnDetection configures server-side voice activity detection. The
// silence duration is what ends a user turn; there is no client timeout.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// Item is a conversation item in a conversation.item.create event.
type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is one content element of a conversation item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ResponseParams is the payload of a response.create event.
type ResponseParams struct {
	Modalities []string `json:"modalities"`
}

// NewSessionUpdateEvent declares the session shape immediately after the
// channel opens: modalities, voice, audio formats, and VAD parameters.
func NewSessionUpdateEvent(cfg *SessionConfig) *ClientEvent {
	modalities := cfg.Modalities
	if len(modalities) == 0 {
		modalities = []string{"text", "audio"}
	}
	return &ClientEvent{
		Type: EventTypeSessionUpdate,
		Session: &SessionParams{
			Modalities:        modalities,
			Voice:             string(cfg.Voice),
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: &TurnDetection{
				Type:              "server_vad",
				Threshold:         cfg.VADThreshold,
				PrefixPaddingMs:   int(cfg.VADPrefixPadding.Milliseconds()),
				SilenceDurationMs: int(cfg.VADSilenceDuration.Milliseconds()),
			},
			Temperature: cfg.Temperature,
		},
	}
}

// NewAudioAppendEvent wraps one base64 PCM16 capture chunk.
func NewAudioAppendEvent(b64 string) *ClientEvent {
	return &ClientEvent{Type: EventTypeAudioAppend, Audio: b64}
}

// NewItemCreateEvent wraps one text turn as a conversation item.
func NewItemCreateEvent(role, text string) *ClientEvent {
	return &ClientEvent{
		Type: EventTypeItemCreate,
		Item: &Item{
			Type:    "message",
			Role:    role,
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// NewResponseCreateEvent asks the upstream for a reply in text and audio.
func NewResponseCreateEvent() *ClientEvent {
	return &ClientEvent{
		Type:     EventTypeResponseCreate,
		Response: &ResponseParams{Modalities: []string{"text", "audio"}},
	}
}

// --- Server → Client messages ---

// ServerEvent is the tagged envelope for every inbound event. Only the
// fields relevant to the tag are populated; unrecognized tags are kept
// whole for the generic observer.
type ServerEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Error      *EventError     `json:"error,omitempty"`
	Session    json.RawMessage `json:"session,omitempty"`
	Item       json.RawMessage `json:"item,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
}

// EventError is the payload of an inbound error event. Not every error
// event is fatal; some are advisory and leave the channel open.
type EventError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// ParseServerEvent decodes one inbound frame into the typed envelope.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, WrapError(err, "unparseable inbound frame", ErrCodeProtocol)
	}
	if ev.Type == "" {
		return nil, NewProtocolError("inbound frame missing type tag")
	}
	return &ev, nil
}
