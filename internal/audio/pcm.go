// Package audio normalizes uploaded recordings into mono 16-bit PCM.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// PCM holds mono signed 16-bit samples at a fixed rate.
type PCM struct {
	Samples    []int16
	SampleRate int
}

// Len returns the number of samples.
func (p PCM) Len() int { return len(p.Samples) }

// Bytes encodes the samples as little-endian PCM16.
func (p PCM) Bytes() []byte {
	out := make([]byte, len(p.Samples)*2)
	for i, s := range p.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Duration reports the playback length of the samples.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(p.Samples)) * time.Second / time.Duration(p.SampleRate)
}

// SamplesFromBytes decodes little-endian PCM16. A trailing odd byte is ignored.
func SamplesFromBytes(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// RMS returns the root mean square amplitude normalized to [0,1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// toInt16 scales a float sample in [-1,1] to the signed 16-bit range.
func toInt16(f float64) int16 {
	v := f * 32767.0
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
