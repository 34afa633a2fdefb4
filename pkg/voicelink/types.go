package voicelink

import "time"

// ChannelState tracks the lifecycle of the realtime channel.
type ChannelState string

const (
	ChannelIdle       ChannelState = "idle"
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosing    ChannelState = "closing"
	ChannelClosed     ChannelState = "closed"
)

// Mode selects how the controller interacts with the user.
type Mode string

const (
	// ModeTextToVoice: the user types, the assistant replies in voice.
	// No microphone capture.
	ModeTextToVoice Mode = "text-to-voice"

	// ModeVoiceToVoice: bidirectional audio.
	ModeVoiceToVoice Mode = "voice-to-voice"
)

// PermissionState is the cached microphone permission.
type PermissionState string

const (
	PermissionUnknown PermissionState = "unknown"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// Voice identifies one of the fixed assistant voice identities.
type Voice string

const (
	VoiceAlloy   Voice = "alloy"
	VoiceAsh     Voice = "ash"
	VoiceBallad  Voice = "ballad"
	VoiceCoral   Voice = "coral"
	VoiceEcho    Voice = "echo"
	VoiceSage    Voice = "sage"
	VoiceShimmer Voice = "shimmer"
	VoiceVerse   Voice = "verse"
)

// Voices lists every supported voice identity.
var Voices = []Voice{
	VoiceAlloy, VoiceAsh, VoiceBallad, VoiceCoral,
	VoiceEcho, VoiceSage, VoiceShimmer, VoiceVerse,
}

// Valid reports whether v is one of the supported voice identities.
func (v Voice) Valid() bool {
	for _, known := range Voices {
		if v == known {
			return true
		}
	}
	return false
}

// SeedMessage is one turn of an optional seed conversation replayed into a
// fresh session before the first user turn.
type SeedMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ScopedCredential is the short-lived token returned by the negotiation
// endpoint. It is the only credential ever sent over the realtime channel.
type ScopedCredential struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry.
func (c *ScopedCredential) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// SessionConfig fully describes one realtime session. It is immutable once
// a channel opens; changing any field requires teardown and a fresh Connect.
type SessionConfig struct {
	Credential   *ScopedCredential
	Endpoint     string
	Model        string
	Voice        Voice
	Instructions string
	Seed         []SeedMessage
	Modalities   []string

	// Server-side voice activity detection.
	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilenceDuration time.Duration

	Temperature float64

	// Debug turns on per-event wire tracing for this session's channel.
	Debug bool
}

// MessageStore is the external chat history the controller forwards turns
// to. The controller never mutates history through any other path.
type MessageStore interface {
	AppendMessage(text string, isUser bool)
}

// PermissionChecker requests microphone access from the platform.
type PermissionChecker interface {
	RequestMicrophone() (granted bool, err error)
}

// Handler types used for registration on the protocol client.
type (
	StateHandler      func(ChannelState)
	TranscriptHandler func(text string, final bool)
	AudioDeltaHandler func(b64 string)
	ErrorHandler      func(*Error)
	EventHandler      func(*ServerEvent)
)
