package voicelink

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Deps are the collaborators a Controller orchestrates. Zero-value fields
// are filled with the real implementations by NewDefaultController; tests
// inject fakes.
type Deps struct {
	Negotiator SessionNegotiator
	Store      MessageStore
	Permission PermissionChecker
	Capture    AudioCapture
	Sink       Sink

	// OnTranscript observes the live transcript after each delta.
	OnTranscript func(text string)

	// OnChunk observes every captured chunk after handoff, e.g. for level
	// meters. Must stay cheap; it runs on the capture cadence.
	OnChunk func(chunk []float32)

	// OnError observes surfaced errors, advisory and fatal alike.
	OnError func(*Error)
}

// Stats counts capture-path traffic for diagnostics.
type Stats struct {
	ChunksSent    uint64
	BytesSent     uint64
	ChunksDropped uint64
}

// Controller is the single entry point the surrounding application talks
// to. It owns the connect/disconnect lifecycle, mediates microphone
// permission, and multiplexes transcript and message events back out.
//
// Exactly one ProtocolClient and one PlaybackQueue exist per controller; a
// prior channel must reach closed before a new one may reach open.
type Controller struct {
	config *Config
	deps   Deps
	logger *Logger

	queue *PlaybackQueue

	mu         sync.Mutex
	protocol   *ProtocolClient
	connecting bool
	recording  bool
	permission PermissionState
	transcript strings.Builder
	stats      Stats
}

// NewController wires a controller from explicit dependencies.
func NewController(config *Config, deps Deps) *Controller {
	if config == nil {
		config = NewConfig()
	}
	if deps.Sink == nil {
		deps.Sink = NullSink{}
	}
	logger := GetGlobalLogger().WithComponent("controller")
	if config.DebugAudio {
		logger = logger.WithLevel(zerolog.DebugLevel)
	}
	return &Controller{
		config:     config,
		deps:       deps,
		logger:     logger,
		queue:      NewPlaybackQueue(deps.Sink),
		permission: PermissionUnknown,
	}
}

// NewDefaultController builds a controller on the real negotiator,
// microphone, and audio output.
func NewDefaultController(config *Config, store MessageStore) (*Controller, error) {
	if config == nil {
		config = NewConfig()
	}
	sink, err := NewPortAudioSink()
	if err != nil {
		return nil, err
	}
	deps := Deps{
		Negotiator: NewNegotiator(config.SessionEndpoint, config.APIKey, config.Headers, config.NegotiationTimeout),
		Store:      store,
		Permission: MicrophoneProbe{},
		Capture:    NewRecorder(config.AudioDeviceID),
		Sink:       sink,
	}
	return NewController(config, deps), nil
}

// Connect negotiates a scoped credential and opens the realtime channel.
// In voice-to-voice mode microphone permission is resolved first. A
// Connect while one is already connecting or open is a no-op. On any
// failure the controller is left fully torn down.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connecting || c.liveLocked() {
		c.mu.Unlock()
		c.logger.Warn("Connect ignored: already connecting or connected")
		return nil
	}
	c.connecting = true
	mode := c.config.Mode
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	if mode == ModeVoiceToVoice {
		if err := c.resolvePermission(); err != nil {
			return err
		}
	}

	negCtx, cancel := context.WithTimeout(ctx, c.config.NegotiationTimeout)
	defer cancel()
	cred, err := c.deps.Negotiator.Negotiate(negCtx, c.config.Model, c.config.Voice)
	if err != nil {
		c.surfaceError(err)
		return err
	}

	session := c.config.SessionConfig()
	session.Credential = cred

	protocol := NewProtocolClient(session, Callbacks{
		OnState:      c.handleState,
		OnAudioDelta: c.handleAudioDelta,
		OnTranscript: c.handleTranscript,
		OnError:      c.handleProtocolError,
		OnEvent:      c.handleServerEvent,
	})
	if err := protocol.Connect(); err != nil {
		c.teardown()
		return err
	}

	c.mu.Lock()
	c.protocol = protocol
	c.mu.Unlock()

	if mode == ModeVoiceToVoice {
		if err := c.startCapture(); err != nil {
			c.Disconnect()
			return err
		}
	}
	return nil
}

// resolvePermission lazily resolves microphone permission, caching the
// result. A previous denial is re-checked on each connect attempt.
func (c *Controller) resolvePermission() error {
	c.mu.Lock()
	state := c.permission
	c.mu.Unlock()

	if state == PermissionGranted {
		return nil
	}
	if c.deps.Permission == nil {
		return NewPermissionError("no permission checker configured")
	}

	granted, err := c.deps.Permission.RequestMicrophone()
	if err != nil {
		granted = false
	}

	c.mu.Lock()
	if granted {
		c.permission = PermissionGranted
	} else {
		c.permission = PermissionDenied
	}
	c.mu.Unlock()

	if !granted {
		perr := NewPermissionError("microphone access denied")
		c.surfaceError(perr)
		return perr
	}
	return nil
}

func (c *Controller) startCapture() error {
	if c.deps.Capture == nil {
		return NewAudioError("no audio capture configured")
	}
	if err := c.deps.Capture.Start(c.handleChunk); err != nil {
		return err
	}
	c.mu.Lock()
	c.recording = true
	c.mu.Unlock()
	return nil
}

// handleChunk runs on the capture cadence: encode and hand off, never
// block. Chunks produced while the channel is not open are dropped, not
// buffered.
func (c *Controller) handleChunk(chunk []float32) {
	c.logger.Debugf("Captured chunk: %d samples", len(chunk))
	if c.deps.OnChunk != nil {
		c.deps.OnChunk(chunk)
	}

	c.mu.Lock()
	protocol := c.protocol
	c.mu.Unlock()

	if protocol == nil || !protocol.IsOpen() {
		c.mu.Lock()
		c.stats.ChunksDropped++
		c.mu.Unlock()
		return
	}

	encoded := EncodeChunk(chunk)
	if err := protocol.Send(NewAudioAppendEvent(encoded)); err != nil {
		c.logger.WithError(err).Warn("Failed to send audio chunk")
		return
	}
	c.mu.Lock()
	c.stats.ChunksSent++
	c.stats.BytesSent += uint64(len(chunk) * 2)
	c.mu.Unlock()
}

// SendTextMessage appends the user turn to the external store immediately,
// stops any in-progress playback so the next assistant turn starts clean,
// then emits the item-create / response-create pair. When not connected it
// returns ErrNotConnected after the optimistic append; the caller decides
// whether to connect first.
func (c *Controller) SendTextMessage(text string) error {
	if c.config.Mode != ModeTextToVoice {
		return NewConfigError("text input requires text-to-voice mode")
	}

	if c.deps.Store != nil {
		c.deps.Store.AppendMessage(text, true)
	}
	c.queue.Stop()

	c.mu.Lock()
	protocol := c.protocol
	c.mu.Unlock()

	if protocol == nil || !protocol.IsOpen() {
		return ErrNotConnected
	}
	if err := protocol.Send(NewItemCreateEvent("user", text)); err != nil {
		return err
	}
	return protocol.Send(NewResponseCreateEvent())
}

// ToggleRecording flips microphone capture. Voice-to-voice only.
func (c *Controller) ToggleRecording() error {
	if c.config.Mode != ModeVoiceToVoice {
		return NewConfigError("recording requires voice-to-voice mode")
	}

	c.mu.Lock()
	recording := c.recording
	c.mu.Unlock()

	if recording {
		c.mu.Lock()
		c.recording = false
		c.mu.Unlock()
		return c.deps.Capture.Stop()
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.startCapture()
}

// Reconfigure tears the session down and records the new model, voice, and
// mode. The next Connect rebuilds everything; stale sessions are never
// reused across a mode or model change.
func (c *Controller) Reconfigure(model string, voice Voice, mode Mode) error {
	if voice != "" && !voice.Valid() {
		return NewConfigError("unknown voice: " + string(voice))
	}
	c.Disconnect()

	c.mu.Lock()
	if model != "" {
		c.config.Model = model
	}
	if voice != "" {
		c.config.Voice = voice
	}
	if mode != "" {
		c.config.Mode = mode
	}
	c.mu.Unlock()
	return nil
}

// Disconnect closes the channel, stops capture and playback, and clears
// the live transcript. Idempotent from any state; microphone and sink
// resources are released before it returns.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	protocol := c.protocol
	c.protocol = nil
	c.recording = false
	c.transcript.Reset()
	c.mu.Unlock()

	if protocol != nil {
		protocol.Disconnect()
	}
	if c.deps.Capture != nil {
		if err := c.deps.Capture.Stop(); err != nil {
			c.logger.WithError(err).Warn("Failed to stop capture")
		}
	}
	c.queue.Stop()
}

// teardown is Disconnect for half-built connect attempts.
func (c *Controller) teardown() {
	c.Disconnect()
}

// Close releases everything including the audio sink.
func (c *Controller) Close() error {
	c.Disconnect()
	return c.queue.Close()
}

// --- protocol callbacks ---

func (c *Controller) handleAudioDelta(b64 string) {
	if err := c.queue.EnqueueDelta(b64); err != nil {
		// Malformed deltas are isolated per-event; the channel stays open.
		c.logger.WithError(err).Warn("Skipping undecodable audio delta")
	}
}

func (c *Controller) handleTranscript(text string, final bool) {
	if final {
		c.mu.Lock()
		c.transcript.Reset()
		c.mu.Unlock()
		if c.deps.Store != nil {
			c.deps.Store.AppendMessage(text, false)
		}
		return
	}

	c.mu.Lock()
	c.transcript.WriteString(text)
	live := c.transcript.String()
	c.mu.Unlock()

	if c.deps.OnTranscript != nil {
		c.deps.OnTranscript(live)
	}
}

func (c *Controller) handleProtocolError(err *Error) {
	c.surfaceError(err)
	if IsErrorCode(err, ErrCodeConnectionFailed) {
		// The channel is gone; release the microphone and playback but do
		// not reconnect. Reconnection is always a fresh Connect.
		go c.Disconnect()
	}
}

func (c *Controller) handleState(state ChannelState) {
	c.logger.LogChannelEvent("transition", state, nil)
}

func (c *Controller) handleServerEvent(event *ServerEvent) {
	switch event.Type {
	case EventTypeSpeechStarted:
		// A new user turn is beginning; cut residual assistant audio.
		c.queue.Stop()
	case EventTypeSpeechStopped, EventTypeSessionCreated, EventTypeSessionUpdated:
		// Diagnostic only.
	}
}

func (c *Controller) surfaceError(err error) {
	if c.deps.OnError == nil {
		return
	}
	var e *Error
	if !errors.As(err, &e) {
		e = WrapError(err, "unexpected error", ErrCodeUnknown)
	}
	c.deps.OnError(e)
}

// --- reactive state ---

// Connected reports whether the realtime channel is open.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked()
}

func (c *Controller) liveLocked() bool {
	return c.protocol != nil &&
		(c.protocol.State() == ChannelOpen || c.protocol.State() == ChannelConnecting)
}

// Recording reports whether microphone capture is running.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Permission returns the cached microphone permission state.
func (c *Controller) Permission() PermissionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission
}

// Transcript returns the live transcript of the current assistant turn.
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.String()
}

// Amplitude returns the current capture level for UI meters.
func (c *Controller) Amplitude() float32 {
	if c.deps.Capture == nil {
		return 0
	}
	return c.deps.Capture.Amplitude()
}

// Stats returns a snapshot of capture-path counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ChannelState returns the state of the current channel, or closed when no
// channel exists.
func (c *Controller) ChannelState() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.protocol == nil {
		return ChannelClosed
	}
	return c.protocol.State()
}
