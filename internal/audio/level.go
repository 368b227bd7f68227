package audio

import "math"

// Level returns the RMS level of little-endian PCM-16 data, normalized to 0..1.
// A trailing odd byte is ignored.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}

	var energy float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		energy += float64(sample) * float64(sample)
	}

	level := math.Sqrt(energy/float64(n)) / 32768.0
	if level > 1 {
		level = 1
	}
	return level
}

// SamplesToPCM converts samples to little-endian PCM-16 bytes
func SamplesToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
