package voicelink

import (
	"fmt"
	"math"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// AudioCapture is the microphone source the controller records from.
// Start's callback fires on the hardware sample clock with fixed-size
// chunks; it must not block on network backpressure.
type AudioCapture interface {
	Start(fn func(chunk []float32)) error
	Stop() error
	Amplitude() float32
}

// Recorder captures mono float32 audio from the default input device and
// assembles it into ChunkSamples-sized chunks. The portaudio callback only
// copies samples and updates the level meter; chunk handoff happens when a
// chunk fills.
type Recorder struct {
	deviceID *int
	logger   *Logger

	mu        sync.Mutex
	stream    *portaudio.Stream
	recording bool
	amplitude float32
	pending   []float32
	emit      func([]float32)
}

func NewRecorder(deviceID *int) *Recorder {
	return &Recorder{
		deviceID: deviceID,
		logger:   GetGlobalLogger().WithComponent("recorder"),
	}
}

// Start opens the input stream. Returns an audio-device error if the
// microphone cannot be opened, which the controller maps to a denied
// permission.
func (r *Recorder) Start(fn func(chunk []float32)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return NewAudioError("already recording")
	}

	if err := portaudio.Initialize(); err != nil {
		return WrapError(err, "failed to initialize audio input", ErrCodeAudioDevice)
	}

	r.emit = fn
	r.pending = r.pending[:0]

	stream, err := r.openStream()
	if err != nil {
		portaudio.Terminate()
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return WrapError(err, "failed to start microphone", ErrCodeAudioDevice)
	}

	r.stream = stream
	r.recording = true
	r.logger.Debug("Recording started")
	return nil
}

// openStream opens the configured input device, or the system default when
// none is configured.
func (r *Recorder) openStream() (*portaudio.Stream, error) {
	if r.deviceID == nil {
		stream, err := portaudio.OpenDefaultStream(Channels, 0, float64(SampleRate), ChunkSamples/4, r.capture)
		if err != nil {
			return nil, WrapError(err, "failed to open microphone", ErrCodeAudioDevice)
		}
		return stream, nil
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, WrapError(err, "failed to enumerate audio devices", ErrCodeAudioDevice)
	}
	info, err := selectInputDevice(infos, *r.deviceID)
	if err != nil {
		return nil, err
	}

	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = Channels
	params.SampleRate = float64(SampleRate)
	params.FramesPerBuffer = ChunkSamples / 4
	stream, err := portaudio.OpenStream(params, r.capture)
	if err != nil {
		return nil, WrapError(err, fmt.Sprintf("failed to open microphone %q", info.Name), ErrCodeAudioDevice)
	}
	return stream, nil
}

// selectInputDevice picks the capture device for id from the enumerated
// list, validating that it can serve mono input.
func selectInputDevice(infos []*portaudio.DeviceInfo, id int) (*portaudio.DeviceInfo, error) {
	if id < 0 || id >= len(infos) {
		return nil, NewAudioError(fmt.Sprintf("no audio device with ID %d", id))
	}
	info := infos[id]
	if info.MaxInputChannels < Channels {
		return nil, NewAudioError(fmt.Sprintf("device %q has no input channels", info.Name))
	}
	return info, nil
}

// capture is the portaudio input callback.
func (r *Recorder) capture(in []float32) {
	var sum float64
	for _, v := range in {
		sum += math.Abs(float64(v))
	}

	r.mu.Lock()
	if len(in) > 0 {
		r.amplitude = float32(sum / float64(len(in)))
	}
	if !r.recording {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, in...)
	var chunk []float32
	if len(r.pending) >= ChunkSamples {
		chunk = make([]float32, ChunkSamples)
		copy(chunk, r.pending[:ChunkSamples])
		r.pending = append(r.pending[:0], r.pending[ChunkSamples:]...)
	}
	emit := r.emit
	r.mu.Unlock()

	if chunk != nil && emit != nil {
		emit(chunk)
	}
}

// Stop closes the input stream and releases the microphone synchronously.
// Safe to call when not recording.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return nil
	}
	r.recording = false
	r.pending = nil
	r.emit = nil

	var err error
	if r.stream != nil {
		if stopErr := r.stream.Stop(); stopErr != nil {
			err = WrapError(stopErr, "failed to stop microphone", ErrCodeAudioDevice)
		}
		if closeErr := r.stream.Close(); closeErr != nil && err == nil {
			err = WrapError(closeErr, "failed to close microphone", ErrCodeAudioDevice)
		}
		r.stream = nil
	}
	portaudio.Terminate()
	r.logger.Debug("Recording stopped")
	return err
}

// Amplitude returns the mean absolute level of the last capture buffer.
func (r *Recorder) Amplitude() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amplitude
}

// MicrophoneProbe resolves microphone permission by attempting to open and
// immediately release the default input device.
type MicrophoneProbe struct{}

func (MicrophoneProbe) RequestMicrophone() (bool, error) {
	if err := portaudio.Initialize(); err != nil {
		return false, WrapError(err, "failed to initialize audio input", ErrCodeAudioDevice)
	}
	defer portaudio.Terminate()

	stream, err := portaudio.OpenDefaultStream(Channels, 0, float64(SampleRate), ChunkSamples/4, func([]float32) {})
	if err != nil {
		return false, nil
	}
	stream.Close()
	return true, nil
}
