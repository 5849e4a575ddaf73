package audio

import (
	"bytes"
	"fmt"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	resampling "github.com/tphakala/go-audio-resampling"
)

// IsWAV reports whether raw starts with a RIFF/WAVE header.
func IsWAV(raw []byte) bool {
	return len(raw) >= 12 && string(raw[0:4]) == "RIFF" && string(raw[8:12]) == "WAVE"
}

// decodeWAV parses a WAV payload and returns mono float samples in [-1,1].
// Channels are averaged.
func decodeWAV(raw []byte) ([]float64, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(raw))
	if !dec.IsValidFile() {
		return nil, 0, &DecodeError{Op: "wav decode", Diagnostic: "invalid wav header"}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, &DecodeError{Op: "wav decode", Err: err}
	}
	if buf == nil || buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, 0, &DecodeError{Op: "wav decode", Diagnostic: "missing format"}
	}
	return downmix(buf), buf.Format.SampleRate, nil
}

func downmix(buf *goaudio.IntBuffer) []float64 {
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	scale := float64(int64(1) << uint(depth-1))

	frames := len(buf.Data) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c]) / scale
		}
		out[i] = sum / float64(channels)
	}
	return out
}

func resample(samples []float64, from, to int) ([]float64, error) {
	if from == to || len(samples) == 0 {
		return samples, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	out, err := r.Process(samples)
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d: %w", from, to, err)
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("flush resampler: %w", err)
	}
	out = append(out, tail...)

	// The flush pads with silence, so trim or extend to the input duration.
	want := resampledLen(len(samples), from, to)
	if len(out) > want {
		out = out[:want]
	}
	for len(out) < want {
		out = append(out, 0)
	}
	return out, nil
}

func resampledLen(n, from, to int) int {
	return int((int64(n)*int64(to) + int64(from)/2) / int64(from))
}

func quantize(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, f := range samples {
		out[i] = toInt16(f)
	}
	return out
}
