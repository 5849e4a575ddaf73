package stt

import (
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
)

const endpointFrame = 20 * time.Millisecond

// EndpointConfig tunes trailing-silence utterance detection.
type EndpointConfig struct {
	Silence   time.Duration
	Threshold float64
}

// endpointer flags an utterance boundary once speech has been followed by
// Silence worth of frames whose RMS stays below Threshold.
type endpointer struct {
	cfg      EndpointConfig
	frameLen int
	pending  []int16
	heard    bool
	trailing time.Duration
}

func newEndpointer(cfg EndpointConfig, sampleRate int) *endpointer {
	frameLen := int(int64(sampleRate) * int64(endpointFrame) / int64(time.Second))
	if frameLen <= 0 {
		frameLen = 1
	}
	return &endpointer{cfg: cfg, frameLen: frameLen}
}

func (e *endpointer) observe(samples []int16) bool {
	if e.cfg.Silence <= 0 {
		return false
	}
	e.pending = append(e.pending, samples...)
	boundary := false
	for len(e.pending) >= e.frameLen {
		frame := e.pending[:e.frameLen]
		e.pending = e.pending[e.frameLen:]
		if audio.RMS(frame) >= e.cfg.Threshold {
			e.heard = true
			e.trailing = 0
			continue
		}
		if !e.heard {
			continue
		}
		e.trailing += endpointFrame
		if e.trailing >= e.cfg.Silence {
			boundary = true
			e.heard = false
			e.trailing = 0
		}
	}
	return boundary
}

func (e *endpointer) reset() {
	e.pending = e.pending[:0]
	e.heard = false
	e.trailing = 0
}
