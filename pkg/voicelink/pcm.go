package voicelink

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// Wire audio format: 24 kHz mono PCM16 little-endian, base64 in JSON.
const (
	SampleRate = 24000
	Channels   = 1

	// ChunkSamples bounds capture latency: 4096 samples is ~170ms at 24 kHz.
	ChunkSamples = 4096
)

// EncodePCM16 converts normalized float32 samples to 16-bit signed
// little-endian bytes. Samples outside [-1, 1] are clamped first so the
// int16 conversion cannot wrap; scaling rounds to the nearest step, which
// keeps the round-trip error within half a quantization step.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * 32767))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// EncodeChunk encodes one capture chunk for the wire: clamp, PCM16, base64.
func EncodeChunk(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// DecodePCM16 converts 16-bit signed little-endian bytes back to
// normalized float32 samples.
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, NewProtocolError(fmt.Sprintf("odd PCM16 payload length: %d", len(data)))
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(v) / 32767
	}
	return samples, nil
}

// DecodeChunk reverses EncodeChunk: base64 text to float32 samples.
func DecodeChunk(b64 string) ([]float32, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, WrapError(err, "malformed base64 audio payload", ErrCodeProtocol)
	}
	return DecodePCM16(data)
}
