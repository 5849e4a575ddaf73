package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
)

type mockEngine struct {
	endpoint EndpointConfig
}

// NewMockEngine returns an engine that describes the audio it was fed instead
// of recognizing speech.
func NewMockEngine(endpoint EndpointConfig) Engine {
	return &mockEngine{endpoint: endpoint}
}

func (m *mockEngine) Name() string { return "mock" }

func (m *mockEngine) NewStream(_ context.Context, sampleRate int) (Stream, error) {
	return &mockStream{sampleRate: sampleRate, ep: newEndpointer(m.endpoint, sampleRate)}, nil
}

type mockStream struct {
	sampleRate int
	samples    int
	utterances int
	ep         *endpointer
}

func (s *mockStream) Feed(_ context.Context, pcm []byte) (bool, error) {
	if len(pcm) == 0 {
		return false, nil
	}
	samples := audio.SamplesFromBytes(pcm)
	s.samples += len(samples)
	boundary := s.ep.observe(samples)
	if boundary {
		s.utterances++
	}
	return boundary, nil
}

func (s *mockStream) Partial(_ context.Context) (Result, error) {
	if s.samples == 0 {
		return Result{}, nil
	}
	return Result{
		Text:   fmt.Sprintf("[partial transcript samples=%d]", s.samples),
		Fields: map[string]any{"utterances": s.utterances},
	}, nil
}

func (s *mockStream) Final(_ context.Context) (Result, error) {
	if s.samples == 0 {
		return Result{}, nil
	}
	res := Result{Text: fmt.Sprintf("[final transcript samples=%d]", s.samples)}
	s.samples = 0
	s.utterances = 0
	s.ep.reset()
	return res, nil
}

func (s *mockStream) Close() error { return nil }
