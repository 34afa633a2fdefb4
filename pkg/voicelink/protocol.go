package voicelink

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Callbacks routes inbound traffic to the owning controller. Each field is
// optional; nil callbacks drop their category.
type Callbacks struct {
	OnState      StateHandler
	OnAudioDelta AudioDeltaHandler
	OnTranscript TranscriptHandler
	OnError      ErrorHandler

	// OnEvent receives every event the other callbacks do not claim, for
	// diagnostics only.
	OnEvent EventHandler
}

// ProtocolClient owns exactly one bidirectional realtime channel and
// translates between the wire event taxonomy and typed callbacks.
//
// State machine: idle -[Connect]-> connecting -[open]-> open
// -[Disconnect|fatal]-> closing -> closed. A failed open goes straight to
// closed with the error surfaced through OnError. There is no automatic
// reconnect; a reconnect is always a fresh client from the controller.
type ProtocolClient struct {
	config    *SessionConfig
	callbacks Callbacks
	dialer    *websocket.Dialer
	logger    *Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	state   ChannelState

	dropped uint64
}

// NewProtocolClient builds a client around an immutable session config.
// The config must already carry the negotiated scoped credential.
func NewProtocolClient(config *SessionConfig, callbacks Callbacks) *ProtocolClient {
	logger := GetGlobalLogger().WithComponent("protocol")
	if config.Debug {
		logger = logger.WithLevel(zerolog.DebugLevel)
	}
	return &ProtocolClient{
		config:    config,
		callbacks: callbacks,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:    logger,
		state:     ChannelIdle,
	}
}

// State returns the current channel state.
func (pc *ProtocolClient) State() ChannelState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// IsOpen reports whether the channel accepts outbound traffic.
func (pc *ProtocolClient) IsOpen() bool {
	return pc.State() == ChannelOpen
}

// Dropped returns the count of outbound events discarded while not open.
func (pc *ProtocolClient) Dropped() uint64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.dropped
}

// Connect opens the channel with the scoped credential and, on open,
// immediately declares the session shape with a session.update followed by
// any seed conversation items. Connect may only be called once per client.
func (pc *ProtocolClient) Connect() error {
	pc.mu.Lock()
	if pc.state != ChannelIdle {
		state := pc.state
		pc.mu.Unlock()
		return NewConnectionError("channel is not idle").AddDetail("state", string(state))
	}
	if pc.config.Credential == nil || pc.config.Credential.Token == "" {
		pc.state = ChannelClosed
		pc.mu.Unlock()
		return NewConnectionError("missing scoped credential")
	}
	pc.setStateLocked(ChannelConnecting)
	pc.mu.Unlock()

	endpoint, err := realtimeURL(pc.config.Endpoint, pc.config.Model)
	if err != nil {
		return pc.failConnect(WrapError(err, "invalid realtime endpoint", ErrCodeConnectionFailed))
	}

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+pc.config.Credential.Token)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := pc.dialer.Dial(endpoint, header)
	if err != nil {
		return pc.failConnect(WrapError(err, "failed to open realtime channel", ErrCodeConnectionFailed))
	}

	pc.mu.Lock()
	pc.conn = conn
	pc.setStateLocked(ChannelOpen)
	pc.mu.Unlock()

	if err := pc.Send(NewSessionUpdateEvent(pc.config)); err != nil {
		pc.Disconnect()
		return WrapError(err, "failed to send session configuration", ErrCodeConnectionFailed)
	}
	for _, seed := range pc.config.Seed {
		if err := pc.Send(NewItemCreateEvent(seed.Role, seed.Content)); err != nil {
			pc.Disconnect()
			return WrapError(err, "failed to replay seed conversation", ErrCodeConnectionFailed)
		}
	}

	go pc.readLoop(conn)
	return nil
}

// failConnect moves a failed open directly to closed and surfaces err.
func (pc *ProtocolClient) failConnect(err *Error) error {
	pc.mu.Lock()
	pc.conn = nil
	pc.setStateLocked(ChannelClosed)
	pc.mu.Unlock()
	pc.emitError(err)
	return err
}

// Send serializes and transmits one outbound event. If the channel is not
// open the event is dropped with a warning, not a fault: outbound traffic
// is never queued across reconnects. Call-order is preserved by a single
// write mutex.
func (pc *ProtocolClient) Send(event *ClientEvent) error {
	pc.mu.Lock()
	conn := pc.conn
	open := pc.state == ChannelOpen
	if !open {
		pc.dropped++
	}
	pc.mu.Unlock()

	if !open || conn == nil {
		pc.logger.WithField("type", event.Type).Warn("Dropping outbound event: channel not open")
		return nil
	}

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if err := conn.WriteJSON(event); err != nil {
		return WrapError(err, "failed to write event", ErrCodeConnectionFailed)
	}
	pc.logger.Debugf("Sent %s", event.Type)
	return nil
}

// readLoop decodes inbound frames until the channel closes. Malformed
// frames are isolated per-event: logged, surfaced as protocol errors, and
// skipped without touching the channel.
func (pc *ProtocolClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			pc.handleClose(err)
			return
		}

		event, perr := ParseServerEvent(data)
		if perr != nil {
			pc.logger.WithError(perr).Warn("Skipping unparseable inbound frame")
			pc.emitError(WrapError(perr, "malformed inbound message", ErrCodeProtocol))
			continue
		}
		pc.dispatch(event)
	}
}

// dispatch routes one inbound event by its type tag. Unrecognized tags go
// to the generic observer; they are never fatal.
func (pc *ProtocolClient) dispatch(event *ServerEvent) {
	pc.logger.LogServerEvent(event.Type, nil)
	switch event.Type {
	case EventTypeAudioDelta:
		if pc.callbacks.OnAudioDelta != nil {
			pc.callbacks.OnAudioDelta(event.Delta)
		}
	case EventTypeTranscriptDelta:
		if pc.callbacks.OnTranscript != nil {
			pc.callbacks.OnTranscript(event.Delta, false)
		}
	case EventTypeTranscriptDone:
		if pc.callbacks.OnTranscript != nil {
			pc.callbacks.OnTranscript(event.Transcript, true)
		}
	case EventTypeError:
		// An inbound error event is advisory by itself; it does not close
		// the channel.
		msg := "upstream error"
		code := ""
		if event.Error != nil {
			msg = event.Error.Message
			code = event.Error.Code
		}
		pc.emitError(NewAdvisoryError(msg, code))
	default:
		if pc.callbacks.OnEvent != nil {
			pc.callbacks.OnEvent(event)
		}
	}
}

// handleClose finishes the closing -> closed transition after the read
// side ends, whether by local Disconnect or a remote close.
func (pc *ProtocolClient) handleClose(err error) {
	pc.mu.Lock()
	wasOpen := pc.state == ChannelOpen
	if pc.state != ChannelClosed {
		pc.setStateLocked(ChannelClosed)
	}
	pc.conn = nil
	pc.mu.Unlock()

	if wasOpen && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		pc.emitError(WrapError(err, "realtime channel closed unexpectedly", ErrCodeConnectionFailed))
	}
}

// Disconnect closes the channel. Closing an already-closed or never-opened
// channel is a no-op, not an error.
func (pc *ProtocolClient) Disconnect() {
	pc.mu.Lock()
	if pc.state == ChannelClosed || pc.state == ChannelIdle {
		pc.state = ChannelClosed
		pc.mu.Unlock()
		return
	}
	pc.setStateLocked(ChannelClosing)
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()

	if conn != nil {
		pc.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		pc.writeMu.Unlock()
		conn.Close()
	}

	pc.mu.Lock()
	pc.setStateLocked(ChannelClosed)
	pc.mu.Unlock()
}

func (pc *ProtocolClient) setStateLocked(state ChannelState) {
	if pc.state == state {
		return
	}
	pc.state = state
	if pc.callbacks.OnState != nil {
		go pc.callbacks.OnState(state)
	}
}

func (pc *ProtocolClient) emitError(err *Error) {
	pc.logger.LogSDKError(err)
	if pc.callbacks.OnError != nil {
		pc.callbacks.OnError(err)
	}
}

// realtimeURL appends the model selector to the channel endpoint.
func realtimeURL(endpoint, model string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if model != "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
