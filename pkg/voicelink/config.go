package voicelink

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultRealtimeEndpoint   = "wss://api.openai.com/v1/realtime"
	DefaultSessionEndpoint    = "https://api.openai.com/v1/realtime/sessions"
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultVoice              = VoiceAlloy
	DefaultVADThreshold       = 0.5
	DefaultVADPrefixPadding   = 300 * time.Millisecond
	DefaultVADSilenceDuration = 500 * time.Millisecond
	DefaultTemperature        = 0.8
	DefaultNegotiationTimeout = 10 * time.Second
)

// Config holds client-wide settings. Session-scoped settings live in
// SessionConfig and are rebuilt on every Connect.
type Config struct {
	APIKey            string            `json:"-"`
	SessionEndpoint   string            `json:"session_endpoint"`
	RealtimeEndpoint  string            `json:"realtime_endpoint"`
	Model             string            `json:"model"`
	Voice             Voice             `json:"voice"`
	Mode              Mode              `json:"mode"`
	Instructions      string            `json:"instructions,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	NegotiationTimeout time.Duration    `json:"negotiation_timeout"`
	DebugChannel      bool              `json:"debug_channel"`
	DebugAudio        bool              `json:"debug_audio"`
	AudioDeviceID     *int              `json:"audio_device_id,omitempty"`
}

func NewConfig() *Config {
	c := &Config{
		SessionEndpoint:    DefaultSessionEndpoint,
		RealtimeEndpoint:   DefaultRealtimeEndpoint,
		Model:              DefaultModel,
		Voice:              DefaultVoice,
		Mode:               ModeVoiceToVoice,
		Headers:            make(map[string]string),
		NegotiationTimeout: DefaultNegotiationTimeout,
	}
	c.loadFromEnv()
	return c
}

func (c *Config) loadFromEnv() {
	// Load .env if exists
	_ = godotenv.Load()

	if key := os.Getenv("VOICELINK_API_KEY"); key != "" {
		c.APIKey = key
	}
	if endpoint := os.Getenv("VOICELINK_SESSION_ENDPOINT"); endpoint != "" {
		c.SessionEndpoint = endpoint
	}
	if endpoint := os.Getenv("VOICELINK_REALTIME_ENDPOINT"); endpoint != "" {
		c.RealtimeEndpoint = endpoint
	}
	if model := os.Getenv("VOICELINK_MODEL"); model != "" {
		c.Model = model
	}
	if voice := os.Getenv("VOICELINK_VOICE"); voice != "" {
		c.Voice = Voice(voice)
	}
	if mode := os.Getenv("VOICELINK_MODE"); mode != "" {
		c.Mode = Mode(mode)
	}
	if timeout := os.Getenv("VOICELINK_NEGOTIATION_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.NegotiationTimeout = d
		}
	}
	c.DebugChannel = os.Getenv("VOICELINK_DEBUG_CHANNEL") == "true"
	c.DebugAudio = os.Getenv("VOICELINK_DEBUG_AUDIO") == "true"

	if deviceIDStr := os.Getenv("VOICELINK_AUDIO_DEVICE_ID"); deviceIDStr != "" {
		if deviceID, err := strconv.Atoi(deviceIDStr); err == nil {
			c.AudioDeviceID = &deviceID
		}
	}
}

// Validate returns list of issues
func (c *Config) Validate() []string {
	issues := []string{}

	if c.APIKey == "" {
		issues = append(issues, "VOICELINK_API_KEY environment variable not set")
	}
	if !strings.HasPrefix(c.RealtimeEndpoint, "ws") {
		issues = append(issues, "Invalid realtime endpoint format (must be ws:// or wss://)")
	}
	if !strings.HasPrefix(c.SessionEndpoint, "http") {
		issues = append(issues, "Invalid session endpoint format (must be http:// or https://)")
	}
	if !c.Voice.Valid() {
		issues = append(issues, fmt.Sprintf("Unknown voice: %s", c.Voice))
	}
	if c.Mode != ModeTextToVoice && c.Mode != ModeVoiceToVoice {
		issues = append(issues, fmt.Sprintf("Unknown mode: %s", c.Mode))
	}
	if c.NegotiationTimeout <= 0 {
		issues = append(issues, "Negotiation timeout must be positive")
	}

	return issues
}

// SessionConfig builds the immutable per-session configuration from the
// current client settings. The credential is filled in after negotiation.
func (c *Config) SessionConfig() *SessionConfig {
	return &SessionConfig{
		Endpoint:           c.RealtimeEndpoint,
		Model:              c.Model,
		Voice:              c.Voice,
		Instructions:       c.Instructions,
		Modalities:         []string{"text", "audio"},
		VADThreshold:       DefaultVADThreshold,
		VADPrefixPadding:   DefaultVADPrefixPadding,
		VADSilenceDuration: DefaultVADSilenceDuration,
		Temperature:        DefaultTemperature,
		Debug:              c.DebugChannel,
	}
}
