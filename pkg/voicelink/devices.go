package voicelink

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// AudioDevice describes one host audio device.
type AudioDevice struct {
	ID                int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefaultInput    bool
	IsDefaultOutput   bool
	HostAPI           string
}

// ListAudioDevices enumerates the host's audio devices. Used by the CLI to
// help pick VOICELINK_AUDIO_DEVICE_ID.
func ListAudioDevices() ([]AudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, WrapError(err, "failed to initialize audio subsystem", ErrCodeAudioDevice)
	}
	defer portaudio.Terminate()

	defaultInput, _ := portaudio.DefaultInputDevice()
	defaultOutput, _ := portaudio.DefaultOutputDevice()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, WrapError(err, "failed to enumerate audio devices", ErrCodeAudioDevice)
	}

	devices := make([]AudioDevice, 0, len(infos))
	for i, info := range infos {
		hostAPI := "unknown"
		if info.HostApi != nil {
			hostAPI = info.HostApi.Name
		}
		devices = append(devices, AudioDevice{
			ID:                i,
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			MaxOutputChannels: info.MaxOutputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			IsDefaultInput:    defaultInput != nil && info == defaultInput,
			IsDefaultOutput:   defaultOutput != nil && info == defaultOutput,
			HostAPI:           hostAPI,
		})
	}
	return devices, nil
}

// ValidateCaptureDevice checks that the device can serve as the session
// microphone.
func ValidateCaptureDevice(deviceID int) error {
	devices, err := ListAudioDevices()
	if err != nil {
		return err
	}
	if deviceID < 0 || deviceID >= len(devices) {
		return NewAudioError(fmt.Sprintf("no audio device with ID %d", deviceID))
	}
	device := devices[deviceID]
	if device.MaxInputChannels < Channels {
		return NewAudioError(fmt.Sprintf("device %q has no input channels", device.Name))
	}
	return nil
}
