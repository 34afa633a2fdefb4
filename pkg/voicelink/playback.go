package voicelink

import (
	"sync"

	"github.com/gordonklaus/portaudio"
)

// AudioUnit is one decoded chunk of playback audio, tagged with its
// arrival sequence number. Owned by the queue until played.
type AudioUnit struct {
	Seq        uint64
	Samples    []float32
	SampleRate int
}

// Sink is the hardware audio output the playback queue drives.
type Sink interface {
	// Play begins rendering unit immediately and calls done exactly once
	// when its last sample has been rendered, unless Halt intervenes.
	// done must not be invoked synchronously from inside Play.
	Play(unit *AudioUnit, done func()) error

	// Halt stops the in-progress unit without firing its completion.
	Halt()

	// Suspended reports whether the sink needs Resume before it can sound.
	Suspended() bool

	// Resume wakes a suspended sink. Called lazily on first audio arrival,
	// never eagerly at construction.
	Resume() error

	Close() error
}

// PlaybackQueue buffers decoded AudioUnits in arrival order and plays them
// back gapless through the sink: strict FIFO, at most one active unit, no
// overlap. Only the decoder producer and the playback consumer mutate it.
type PlaybackQueue struct {
	sink   Sink
	logger *Logger

	// playMu serializes sink handoffs against Stop: a unit popped before
	// Stop can never reach the sink after Stop returns.
	playMu sync.Mutex

	mu      sync.Mutex
	queue   []*AudioUnit
	active  bool
	nextSeq uint64
	// gen invalidates completion callbacks from units halted by Stop.
	gen uint64
}

func NewPlaybackQueue(sink Sink) *PlaybackQueue {
	return &PlaybackQueue{
		sink:   sink,
		logger: GetGlobalLogger().WithComponent("playback"),
	}
}

// EnqueueDelta decodes one inbound audio-delta payload and appends it to
// the tail of the queue, starting playback if the consumer is idle. If the
// sink reports suspended, it is resumed before the unit is queued.
func (q *PlaybackQueue) EnqueueDelta(b64 string) error {
	samples, err := DecodeChunk(b64)
	if err != nil {
		return err
	}
	q.Enqueue(samples)
	return nil
}

// Enqueue appends already-decoded samples as one AudioUnit.
func (q *PlaybackQueue) Enqueue(samples []float32) {
	if q.sink.Suspended() {
		if err := q.sink.Resume(); err != nil {
			q.logger.WithError(err).Warn("Failed to resume audio sink")
		}
	}

	q.mu.Lock()
	unit := &AudioUnit{Seq: q.nextSeq, Samples: samples, SampleRate: SampleRate}
	q.nextSeq++
	q.queue = append(q.queue, unit)
	q.mu.Unlock()

	q.startNext()
}

// startNext pops the head unit and plays it if the consumer is idle.
// Advancing is O(1): pop head, hand to sink. The completion callback
// re-enters here, so playback chains until the queue drains.
func (q *PlaybackQueue) startNext() {
	q.playMu.Lock()
	defer q.playMu.Unlock()
	for {
		q.mu.Lock()
		if q.active || len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		unit := q.queue[0]
		q.queue = q.queue[1:]
		q.active = true
		gen := q.gen
		q.mu.Unlock()

		err := q.sink.Play(unit, func() {
			q.mu.Lock()
			if gen == q.gen {
				q.active = false
			}
			q.mu.Unlock()
			q.startNext()
		})
		if err == nil {
			return
		}

		q.logger.WithError(err).Warnf("Dropping unplayable unit %d", unit.Seq)
		q.mu.Lock()
		if gen == q.gen {
			q.active = false
		}
		q.mu.Unlock()
	}
}

// Stop halts the in-progress unit, discards every queued unit, and returns
// the consumer to idle. Safe to call from any state, any number of times.
// Used when a new user turn begins so residual audio never bleeds over.
// Stop waits for an in-flight sink handoff, so once it returns no
// discarded unit is rendering.
func (q *PlaybackQueue) Stop() {
	q.playMu.Lock()
	defer q.playMu.Unlock()

	q.mu.Lock()
	q.gen++
	q.queue = nil
	wasActive := q.active
	q.active = false
	q.mu.Unlock()

	if wasActive {
		q.sink.Halt()
	}
}

// Len returns the number of units awaiting playback.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Playing reports whether a unit is currently sounding.
func (q *PlaybackQueue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Close stops playback and releases the sink.
func (q *PlaybackQueue) Close() error {
	q.Stop()
	return q.sink.Close()
}

// NullSink discards audio instantly. Used when no output device is wired,
// e.g. headless runs.
type NullSink struct{}

func (NullSink) Play(unit *AudioUnit, done func()) error {
	go done()
	return nil
}
func (NullSink) Halt()           {}
func (NullSink) Suspended() bool { return false }
func (NullSink) Resume() error   { return nil }
func (NullSink) Close() error    { return nil }

// PortAudioSink renders AudioUnits through the default output device. The
// stream is opened lazily on Resume or first Play, not at construction.
type PortAudioSink struct {
	mu       sync.Mutex
	stream   *portaudio.Stream
	samples  []float32
	pos      int
	done     func()
	notify   chan func()
	closed   bool
	stopOnce sync.Once
}

func NewPortAudioSink() (*PortAudioSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, WrapError(err, "failed to initialize audio output", ErrCodePlayback)
	}
	s := &PortAudioSink{notify: make(chan func(), 1)}
	go s.completionLoop()
	return s, nil
}

// completionLoop fires completion callbacks off the audio callback path so
// advancing the queue never runs on the hardware clock.
func (s *PortAudioSink) completionLoop() {
	for done := range s.notify {
		done()
	}
}

func (s *PortAudioSink) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream == nil
}

func (s *PortAudioSink) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *PortAudioSink) openLocked() error {
	if s.stream != nil {
		return nil
	}
	stream, err := portaudio.OpenDefaultStream(0, Channels, float64(SampleRate), ChunkSamples/4, s.render)
	if err != nil {
		return WrapError(err, "failed to open playback stream", ErrCodePlayback)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return WrapError(err, "failed to start playback stream", ErrCodePlayback)
	}
	s.stream = stream
	return nil
}

// render is the portaudio output callback. It must stay cheap: copy
// samples, pad silence, and signal completion through the notify channel.
func (s *PortAudioSink) render(out []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range out {
		if s.pos < len(s.samples) {
			out[i] = s.samples[s.pos]
			s.pos++
		} else {
			out[i] = 0
		}
	}

	if s.done != nil && s.pos >= len(s.samples) {
		done := s.done
		s.done = nil
		select {
		case s.notify <- done:
		default:
		}
	}
}

func (s *PortAudioSink) Play(unit *AudioUnit, done func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NewPlaybackError("sink is closed")
	}
	if err := s.openLocked(); err != nil {
		return err
	}
	s.samples = unit.Samples
	s.pos = 0
	s.done = done
	return nil
}

func (s *PortAudioSink) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = nil
	s.pos = 0
	s.done = nil
}

func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stream := s.stream
	s.stream = nil
	s.samples = nil
	s.done = nil
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.notify) })

	var err error
	if stream != nil {
		if stopErr := stream.Stop(); stopErr != nil {
			err = stopErr
		}
		stream.Close()
	}
	portaudio.Terminate()
	return err
}
