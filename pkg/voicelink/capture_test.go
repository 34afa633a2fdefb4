package voicelink

import (
	"testing"

	"github.com/gordonklaus/portaudio"
)

func TestSelectInputDevice(t *testing.T) {
	infos := []*portaudio.DeviceInfo{
		{Name: "speakers", MaxInputChannels: 0, MaxOutputChannels: 2},
		{Name: "usb mic", MaxInputChannels: 1},
	}

	tests := []struct {
		name    string
		id      int
		wantErr bool
		want    string
	}{
		{"input device", 1, false, "usb mic"},
		{"output-only device", 0, true, ""},
		{"negative id", -1, true, ""},
		{"out of range", 2, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := selectInputDevice(infos, tt.id)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !IsErrorCode(err, ErrCodeAudioDevice) {
					t.Errorf("expected audio device error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("selectInputDevice failed: %v", err)
			}
			if info.Name != tt.want {
				t.Errorf("selected %q, want %q", info.Name, tt.want)
			}
		})
	}
}
