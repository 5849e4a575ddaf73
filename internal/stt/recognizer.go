package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

// ErrEngineUnavailable reports that the recognizer backend cannot be reached.
var ErrEngineUnavailable = errors.New("recognition engine unavailable")

// Result captures recognizer output. Fields holds engine-native values that
// are passed through to clients.
type Result struct {
	Text       string
	Confidence float64
	Fields     map[string]any
}

// Engine creates recognizer streams.
type Engine interface {
	Name() string
	NewStream(ctx context.Context, sampleRate int) (Stream, error)
}

// Stream is a stateful decoder bound to one sample rate. Implementations are
// not safe for concurrent use; callers serialize access.
type Stream interface {
	// Feed appends PCM16 audio and reports whether an utterance boundary was
	// detected. Empty input is a no-op.
	Feed(ctx context.Context, pcm []byte) (bool, error)
	// Partial returns the in-progress transcript without consuming state.
	Partial(ctx context.Context) (Result, error)
	// Final returns the transcript for all audio since the previous Final and
	// resets the decoder for the next utterance.
	Final(ctx context.Context) (Result, error)
	Close() error
}

// NewEngine builds the engine selected by cfg.Mode.
func NewEngine(cfg config.STTConfig, tempDir string) (Engine, error) {
	ep := EndpointConfig{Silence: cfg.EndpointSilence(), Threshold: cfg.EndpointRMS}
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(ep), nil
	case "exec":
		return NewExecEngine(cfg, tempDir, ep)
	case "vosk":
		return NewVoskEngine(cfg.Endpoint), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrEngineUnavailable, err)
}
