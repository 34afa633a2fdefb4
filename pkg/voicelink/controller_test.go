package voicelink

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// --- fakes ---

type fakeNegotiator struct {
	mu    sync.Mutex
	cred  *ScopedCredential
	err   error
	calls int
}

func (n *fakeNegotiator) Negotiate(ctx context.Context, model string, voice Voice) (*ScopedCredential, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.err != nil {
		return nil, n.err
	}
	return n.cred, nil
}

func (n *fakeNegotiator) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type storedMessage struct {
	text   string
	isUser bool
}

type memStore struct {
	mu       sync.Mutex
	messages []storedMessage
}

func (s *memStore) AppendMessage(text string, isUser bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, storedMessage{text, isUser})
}

func (s *memStore) all() []storedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storedMessage(nil), s.messages...)
}

type fakePermission struct {
	mu      sync.Mutex
	granted bool
	calls   int
}

func (p *fakePermission) RequestMicrophone() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.granted, nil
}

func (p *fakePermission) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeCapture struct {
	mu      sync.Mutex
	fn      func([]float32)
	started bool
	stops   int
}

func (c *fakeCapture) Start(fn func(chunk []float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
	c.started = true
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	c.stops++
	return nil
}

func (c *fakeCapture) Amplitude() float32 { return 0.25 }

// feed pushes one chunk through the capture callback, as the hardware
// clock would.
func (c *fakeCapture) feed(chunk []float32) {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		fn(chunk)
	}
}

func (c *fakeCapture) stopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// --- helpers ---

func testControllerConfig(mode Mode, realtimeEndpoint string) *Config {
	return &Config{
		APIKey:             "sk-test",
		SessionEndpoint:    "http://unused.invalid",
		RealtimeEndpoint:   realtimeEndpoint,
		Model:              "model-a",
		Voice:              VoiceAlloy,
		Mode:               mode,
		NegotiationTimeout: 2 * time.Second,
	}
}

func grantedNegotiator() *fakeNegotiator {
	return &fakeNegotiator{cred: &ScopedCredential{Token: "ek_test", ExpiresAt: time.Now().Add(time.Minute)}}
}

// echoServer accepts one channel, forwards every client event into events,
// and exposes the server side of the connection for pushing inbound frames.
func echoServer(t *testing.T) (endpoint string, events chan *ClientEvent, serverConn chan *websocket.Conn, cleanup func()) {
	t.Helper()
	events = make(chan *ClientEvent, 16)
	serverConn = make(chan *websocket.Conn, 4)
	endpoint, cleanup = wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		serverConn <- conn
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var ev ClientEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			events <- &ev
		}
	})
	return endpoint, events, serverConn, cleanup
}

func nextEvent(t *testing.T, events chan *ClientEvent, wantType string) *ClientEvent {
	t.Helper()
	select {
	case ev := <-events:
		if ev.Type != wantType {
			t.Fatalf("got event %q, want %q", ev.Type, wantType)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", wantType)
		return nil
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- tests ---

func TestConnectNegotiationRejected(t *testing.T) {
	var surfaced []*Error
	var mu sync.Mutex
	c := NewController(testControllerConfig(ModeTextToVoice, "ws://unused.invalid"), Deps{
		Negotiator: &fakeNegotiator{err: NewAuthError("invalid api key")},
		Store:      &memStore{},
		OnError: func(err *Error) {
			mu.Lock()
			surfaced = append(surfaced, err)
			mu.Unlock()
		},
	})
	defer c.Close()

	err := c.Connect(context.Background())
	if !IsErrorCode(err, ErrCodeAuthFailed) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if c.Connected() {
		t.Error("controller reports connected after failed negotiation")
	}
	if c.ChannelState() != ChannelClosed {
		t.Errorf("expected closed channel, got %s", c.ChannelState())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(surfaced) == 0 || !IsErrorCode(surfaced[0], ErrCodeAuthFailed) {
		t.Errorf("auth failure not surfaced through OnError: %v", surfaced)
	}
}

func TestConnectPermissionDenied(t *testing.T) {
	neg := grantedNegotiator()
	c := NewController(testControllerConfig(ModeVoiceToVoice, "ws://unused.invalid"), Deps{
		Negotiator: neg,
		Permission: &fakePermission{granted: false},
		Capture:    &fakeCapture{},
	})
	defer c.Close()

	err := c.Connect(context.Background())
	if !IsErrorCode(err, ErrCodePermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if neg.callCount() != 0 {
		t.Error("negotiation attempted despite denied microphone")
	}
	if c.Permission() != PermissionDenied {
		t.Errorf("expected cached denial, got %s", c.Permission())
	}
}

func TestConnectPermissionRecheckedAfterDenial(t *testing.T) {
	endpoint, _, _, cleanup := echoServer(t)
	defer cleanup()

	perm := &fakePermission{granted: false}
	c := NewController(testControllerConfig(ModeVoiceToVoice, endpoint), Deps{
		Negotiator: grantedNegotiator(),
		Permission: perm,
		Capture:    &fakeCapture{},
	})
	defer c.Close()

	if err := c.Connect(context.Background()); !IsErrorCode(err, ErrCodePermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}

	// The user grants access in system settings; the next attempt re-asks
	// instead of trusting the cached denial.
	perm.mu.Lock()
	perm.granted = true
	perm.mu.Unlock()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after grant failed: %v", err)
	}
	if perm.callCount() != 2 {
		t.Errorf("expected permission re-check, got %d calls", perm.callCount())
	}
	if c.Permission() != PermissionGranted {
		t.Errorf("expected granted, got %s", c.Permission())
	}
}

func TestConnectGrantedPermissionCached(t *testing.T) {
	endpoint, _, _, cleanup := echoServer(t)
	defer cleanup()

	perm := &fakePermission{granted: true}
	c := NewController(testControllerConfig(ModeVoiceToVoice, endpoint), Deps{
		Negotiator: grantedNegotiator(),
		Permission: perm,
		Capture:    &fakeCapture{},
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if perm.callCount() != 1 {
		t.Errorf("granted permission should be cached, got %d checks", perm.callCount())
	}
}

func TestConnectTwiceIsNoOp(t *testing.T) {
	endpoint, _, _, cleanup := echoServer(t)
	defer cleanup()

	neg := grantedNegotiator()
	c := NewController(testControllerConfig(ModeTextToVoice, endpoint), Deps{
		Negotiator: neg,
		Store:      &memStore{},
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("repeat Connect should be a no-op, got %v", err)
	}
	if neg.callCount() != 1 {
		t.Errorf("expected a single negotiation, got %d", neg.callCount())
	}
}

func TestSendTextMessageFlow(t *testing.T) {
	endpoint, events, _, cleanup := echoServer(t)
	defer cleanup()

	store := &memStore{}
	c := NewController(testControllerConfig(ModeTextToVoice, endpoint), Deps{
		Negotiator: grantedNegotiator(),
		Store:      store,
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	nextEvent(t, events, EventTypeSessionUpdate)

	if err := c.SendTextMessage("hello there"); err != nil {
		t.Fatalf("SendTextMessage failed: %v", err)
	}

	// Optimistic append happens before the network round trip.
	msgs := store.all()
	if len(msgs) != 1 || msgs[0].text != "hello there" || !msgs[0].isUser {
		t.Errorf("user turn not appended optimistically: %+v", msgs)
	}

	item := nextEvent(t, events, EventTypeItemCreate)
	if item.Item == nil || item.Item.Role != "user" {
		t.Errorf("item payload wrong: %+v", item.Item)
	}
	if len(item.Item.Content) != 1 || item.Item.Content[0].Text != "hello there" {
		t.Errorf("item content wrong: %+v", item.Item.Content)
	}
	nextEvent(t, events, EventTypeResponseCreate)
}

func TestSendTextMessageDisconnected(t *testing.T) {
	store := &memStore{}
	c := NewController(testControllerConfig(ModeTextToVoice, "ws://unused.invalid"), Deps{
		Negotiator: grantedNegotiator(),
		Store:      store,
	})
	defer c.Close()

	err := c.SendTextMessage("are you there")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	// The optimistic append still happened; the caller may reconnect and
	// resend without losing the turn from history.
	msgs := store.all()
	if len(msgs) != 1 || msgs[0].text != "are you there" {
		t.Errorf("optimistic append missing: %+v", msgs)
	}
}

func TestSendTextMessageWrongMode(t *testing.T) {
	c := NewController(testControllerConfig(ModeVoiceToVoice, "ws://unused.invalid"), Deps{
		Negotiator: grantedNegotiator(),
	})
	defer c.Close()

	if err := c.SendTextMessage("hi"); !IsErrorCode(err, ErrCodeConfigInvalid) {
		t.Errorf("expected config error in voice mode, got %v", err)
	}
}

func TestSendTextMessageCutsPlayback(t *testing.T) {
	endpoint, events, serverConn, cleanup := echoServer(t)
	defer cleanup()

	sink := &fakeSink{}
	c := NewController(testControllerConfig(ModeTextToVoice, endpoint), Deps{
		Negotiator: grantedNegotiator(),
		Store:      &memStore{},
		Sink:       sink,
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	nextEvent(t, events, EventTypeSessionUpdate)

	server := <-serverConn
	delta := map[string]string{"type": EventTypeAudioDelta, "delta": EncodeChunk(samplesOf(0.3))}
	if err := server.WriteJSON(delta); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	eventually(t, func() bool { return len(sink.playedSeqs()) == 1 }, "assistant audio to start")

	if err := c.SendTextMessage("interrupt"); err != nil {
		t.Fatalf("SendTextMessage failed: %v", err)
	}
	sink.mu.Lock()
	halts := sink.halts
	sink.mu.Unlock()
	if halts != 1 {
		t.Errorf("new user turn should cut residual playback, got %d halts", halts)
	}
}

func TestVoiceChunksFlowWhenOpen(t *testing.T) {
	endpoint, events, _, cleanup := echoServer(t)
	defer cleanup()

	capture := &fakeCapture{}
	c := NewController(testControllerConfig(ModeVoiceToVoice, endpoint), Deps{
		Negotiator: grantedNegotiator(),
		Permission: &fakePermission{granted: true},
		Capture:    capture,
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	nextEvent(t, events, EventTypeSessionUpdate)

	if !c.Recording() {
		t.Fatal("capture not running after voice-mode connect")
	}

	chunk := make([]float32, 8)
	capture.feed(chunk)

	ev := nextEvent(t, events, EventTypeAudioAppend)
	if ev.Audio != EncodeChunk(chunk) {
		t.Error("chunk payload does not match PCM16 encoding")
	}

	stats := c.Stats()
	if stats.ChunksSent != 1 || stats.BytesSent != 16 {
		t.Errorf("stats wrong after one chunk: %+v", stats)
	}
}

func TestVoiceChunksDroppedWhenClosed(t *testing.T) {
	capture := &fakeCapture{}
	c := NewController(testControllerConfig(ModeVoiceToVoice, "ws://unused.invalid"), Deps{
		Negotiator: grantedNegotiator(),
		Permission: &fakePermission{granted: true},
		Capture:    capture,
	})
	defer c.Close()

	// Simulate the capture callback firing with no channel.
	capture.fn = nil
	c.handleChunk(make([]float32, 8))
	c.handleChunk(make([]float32, 8))

	stats := c.Stats()
	if stats.ChunksDropped != 2 {
		t.Errorf("expected 2 dropped chunks, got %d", stats.ChunksDropped)
	}
	if stats.ChunksSent != 0 {
		t.Errorf("chunks sent with no channel: %d", stats.ChunksSent)
	}
}

func TestTranscriptAccumulationAndFinal(t *testing.T) {
	endpoint, events, serverConn, cleanup := echoServer(t)
	defer cleanup()

	store := &memStore{}
	var liveMu sync.Mutex
	var live []string
	c := NewController(testControllerConfig(ModeTextToVoice, endpoint), Deps{
		Negotiator: grantedNegotiator(),
		Store:      store,
		OnTranscript: func(text string) {
			liveMu.Lock()
			live = append(live, text)
			liveMu.Unlock()
		},
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	nextEvent(t, events, EventTypeSessionUpdate)
	server := <-serverConn

	for _, delta := range []string{"Hel", "lo ", "Ada"} {
		if err := server.WriteJSON(map[string]string{"type": EventTypeTranscriptDelta, "delta": delta}); err != nil {
			t.Fatalf("server write failed: %v", err)
		}
	}
	eventually(t, func() bool { return c.Transcript() == "Hello Ada" }, "transcript to accumulate")

	liveMu.Lock()
	if len(live) != 3 || live[2] != "Hello Ada" {
		t.Errorf("live transcript observer saw %v", live)
	}
	liveMu.Unlock()

	if err := server.WriteJSON(map[string]string{"type": EventTypeTranscriptDone, "transcript": "Hello Ada"}); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	eventually(t, func() bool { return len(store.all()) == 1 }, "final transcript to land in the store")

	msgs := store.all()
	if msgs[0].text != "Hello Ada" || msgs[0].isUser {
		t.Errorf("assistant turn wrong: %+v", msgs[0])
	}
	if c.Transcript() != "" {
		t.Errorf("live transcript not cleared after final: %q", c.Transcript())
	}
}

func TestAudioDeltasPlayInOrder(t *testing.T) {
	endpoint, events, serverConn, cleanup := echoServer(t)
	defer cleanup()

	sink := &fakeSink{}
	c := NewController(testControllerConfig(ModeTextToVoice, endpoint), Deps{
		Negotiator: grantedNegotiator(),
		Store:      &memStore{},
		Sink:       sink,
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	nextEvent(t, events, EventTypeSessionUpdate)
	server := <-serverConn

	for _, v := range []float32{0.1, 0.2, 0.3} {
		ev := map[string]string{"type": EventTypeAudioDelta, "delta": EncodeChunk(samplesOf(v))}
		if err := server.WriteJSON(ev); err != nil {
			t.Fatalf("server write failed: %v", err)
		}
	}

	eventually(t, func() bool { return len(sink.playedSeqs()) == 1 }, "first delta to start playing")
	sink.complete()
	eventually(t, func() bool { return len(sink.playedSeqs()) == 2 }, "second delta to start playing")
	sink.complete()
	eventually(t, func() bool { return len(sink.playedSeqs()) == 3 }, "all deltas to play")

	got := sink.playedSeqs()
	for i, seq := range got {
		if seq != uint64(i) {
			t.Errorf("position %d played seq %d", i, seq)
		}
	}
	if sink.overlaps != 0 {
		t.Errorf("deltas overlapped %d times", sink.overlaps)
	}
}

func TestSpeechStartedCutsPlayback(t *testing.T) {
	endpoint, events, serverConn, cleanup := echoServer(t)
	defer cleanup()

	sink := &fakeSink{}
	c := NewController(testControllerConfig(ModeVoiceToVoice, endpoint), Deps{
		Negotiator: grantedNegotiator(),
		Permission: &fakePermission{granted: true},
		Capture:    &fakeCapture{},
		Sink:       sink,
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	nextEvent(t, events, EventTypeSessionUpdate)
	server := <-serverConn

	delta := map[string]string{"type": EventTypeAudioDelta, "delta": EncodeChunk(samplesOf(0.2))}
	if err := server.WriteJSON(delta); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	eventually(t, func() bool { return len(sink.playedSeqs()) == 1 }, "assistant audio to start")

	if err := server.WriteJSON(map[string]string{"type": EventTypeSpeechStarted}); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.halts == 1
	}, "barge-in to cut playback")
}

func TestDisconnectReleasesEverything(t *testing.T) {
	endpoint, events, _, cleanup := echoServer(t)
	defer cleanup()

	capture := &fakeCapture{}
	c := NewController(testControllerConfig(ModeVoiceToVoice, endpoint), Deps{
		Negotiator: grantedNegotiator(),
		Permission: &fakePermission{granted: true},
		Capture:    capture,
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	nextEvent(t, events, EventTypeSessionUpdate)

	c.Disconnect()
	if c.Connected() {
		t.Error("still connected after Disconnect")
	}
	if c.Recording() {
		t.Error("still recording after Disconnect")
	}
	if capture.stopCount() != 1 {
		t.Errorf("microphone not released: %d stops", capture.stopCount())
	}

	// Disconnect is idempotent from any state.
	c.Disconnect()
	c.Disconnect()
	if c.ChannelState() != ChannelClosed {
		t.Errorf("expected closed, got %s", c.ChannelState())
	}
}

func TestReconfigureTearsDownFirst(t *testing.T) {
	endpoint, events, _, cleanup := echoServer(t)
	defer cleanup()

	neg := grantedNegotiator()
	c := NewController(testControllerConfig(ModeTextToVoice, endpoint), Deps{
		Negotiator: neg,
		Store:      &memStore{},
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	nextEvent(t, events, EventTypeSessionUpdate)

	if err := c.Reconfigure("model-b", VoiceVerse, ModeTextToVoice); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}
	if c.Connected() {
		t.Error("session survived a reconfigure")
	}

	// The next connect negotiates fresh and declares the new shape.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after Reconfigure failed: %v", err)
	}
	ev := nextEvent(t, events, EventTypeSessionUpdate)
	if ev.Session.Voice != "verse" {
		t.Errorf("new session declared voice %q, want verse", ev.Session.Voice)
	}
	if neg.callCount() != 2 {
		t.Errorf("expected fresh negotiation after reconfigure, got %d", neg.callCount())
	}
}

func TestReconfigureRejectsUnknownVoice(t *testing.T) {
	c := NewController(testControllerConfig(ModeTextToVoice, "ws://unused.invalid"), Deps{
		Negotiator: grantedNegotiator(),
	})
	defer c.Close()

	if err := c.Reconfigure("", "baritone", ""); !IsErrorCode(err, ErrCodeConfigInvalid) {
		t.Errorf("expected config error for unknown voice, got %v", err)
	}
}

func TestToggleRecordingWrongMode(t *testing.T) {
	c := NewController(testControllerConfig(ModeTextToVoice, "ws://unused.invalid"), Deps{
		Negotiator: grantedNegotiator(),
		Capture:    &fakeCapture{},
	})
	defer c.Close()

	if err := c.ToggleRecording(); !IsErrorCode(err, ErrCodeConfigInvalid) {
		t.Errorf("expected config error in text mode, got %v", err)
	}
}

func TestToggleRecording(t *testing.T) {
	endpoint, events, _, cleanup := echoServer(t)
	defer cleanup()

	capture := &fakeCapture{}
	c := NewController(testControllerConfig(ModeVoiceToVoice, endpoint), Deps{
		Negotiator: grantedNegotiator(),
		Permission: &fakePermission{granted: true},
		Capture:    capture,
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	nextEvent(t, events, EventTypeSessionUpdate)

	if err := c.ToggleRecording(); err != nil {
		t.Fatalf("toggle off failed: %v", err)
	}
	if c.Recording() {
		t.Error("still recording after toggle off")
	}
	if err := c.ToggleRecording(); err != nil {
		t.Fatalf("toggle on failed: %v", err)
	}
	if !c.Recording() {
		t.Error("not recording after toggle on")
	}
}
