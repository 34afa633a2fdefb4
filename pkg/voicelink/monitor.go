package voicelink

import (
	"math"
	"sync"
	"time"
)

// RMS returns the root-mean-square level of a sample buffer.
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

// NewLevelMonitor returns a chunk observer reporting average and peak
// levels, for UI meters alongside the capture path.
func NewLevelMonitor(callback func(avg, peak float32)) func([]float32) {
	return func(chunk []float32) {
		if len(chunk) == 0 {
			return
		}
		var sum float64
		var peak float32
		for _, v := range chunk {
			abs := float32(math.Abs(float64(v)))
			sum += float64(abs)
			if abs > peak {
				peak = abs
			}
		}
		callback(float32(sum/float64(len(chunk))), peak)
	}
}

// NewSilenceCue returns a chunk observer that fires once the RMS level
// stays under threshold for the given duration. Purely a local UI cue;
// turn-taking itself is decided by the server's voice activity detection.
func NewSilenceCue(threshold float32, duration time.Duration, callback func()) func([]float32) {
	var mu sync.Mutex
	var silenceStart time.Time

	return func(chunk []float32) {
		if len(chunk) == 0 {
			return
		}
		level := RMS(chunk)

		mu.Lock()
		defer mu.Unlock()
		if level < threshold {
			if silenceStart.IsZero() {
				silenceStart = time.Now()
			} else if time.Since(silenceStart) >= duration {
				silenceStart = time.Time{}
				callback()
			}
		} else {
			silenceStart = time.Time{}
		}
	}
}
