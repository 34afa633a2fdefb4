// Package voicelink is a Go client for realtime bidirectional voice chat
// with a hosted language-model realtime API.
//
// # Overview
//
// The SDK covers the full voice pipeline:
//   - Session negotiation: the long-lived API key is exchanged server-side
//     for a short-lived scoped credential before the channel opens
//   - A typed protocol client over a single bidirectional WebSocket
//   - Microphone capture with PCM16 encoding in fixed-size chunks
//   - Decoding and gapless FIFO playback of returned audio
//   - A controller that owns the connect/disconnect lifecycle, microphone
//     permission, and transcript forwarding
//
// # Quick start
//
//	config := voicelink.NewConfig()
//	config.Mode = voicelink.ModeVoiceToVoice
//
//	ctrl, err := voicelink.NewDefaultController(config, store)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer ctrl.Close()
//
//	if err := ctrl.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// In text-to-voice mode the user types and the assistant replies in voice:
//
//	config.Mode = voicelink.ModeTextToVoice
//	...
//	if err := ctrl.SendTextMessage("Hello"); err != nil {
//		if errors.Is(err, voicelink.ErrNotConnected) {
//			// connect first, then resend
//		}
//	}
//
// # Lifecycle
//
// Connect negotiates a fresh scoped credential on every call, opens the
// channel, and sends the session configuration. Disconnect is idempotent
// and releases the microphone and playback resources synchronously.
// Changing model, voice, or mode goes through Reconfigure, which always
// tears the session down; the next Connect rebuilds it.
//
// There is no automatic reconnect. When the channel closes, the controller
// reports disconnected and the application decides whether to Connect
// again.
//
// # Configuration
//
// Config loads defaults from the environment (a .env file is honored):
// VOICELINK_API_KEY, VOICELINK_MODEL, VOICELINK_VOICE, VOICELINK_MODE,
// VOICELINK_SESSION_ENDPOINT, VOICELINK_REALTIME_ENDPOINT.
//
// # Dependencies
//
// The SDK depends on:
//   - github.com/gorilla/websocket: realtime channel
//   - github.com/gordonklaus/portaudio: audio I/O
//   - github.com/rs/zerolog: structured logging
//   - github.com/spf13/cobra: CLI framework
//   - github.com/golang-jwt/jwt/v4: credential expiry parsing
//   - github.com/joho/godotenv: environment variables
package voicelink
