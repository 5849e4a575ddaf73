package audio

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Options configures a Normalizer.
type Options struct {
	SampleRate  int
	Timeout     time.Duration
	WAVFastPath bool
}

// Normalizer turns uploads into PCM at a target rate. It holds no per-call
// state and is safe for concurrent use.
type Normalizer struct {
	transcoder Transcoder
	opts       Options
	logger     *slog.Logger
}

// NewNormalizer returns a Normalizer. transcoder may be nil, in which case only
// WAV input is accepted.
func NewNormalizer(transcoder Transcoder, opts Options, logger *slog.Logger) *Normalizer {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	return &Normalizer{
		transcoder: transcoder,
		opts:       opts,
		logger:     logger.With(slog.String("component", "audio-normalizer")),
	}
}

// SampleRate returns the default output rate.
func (n *Normalizer) SampleRate() int { return n.opts.SampleRate }

// Normalize decodes raw at the default sample rate.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte, hint string) (PCM, error) {
	return n.NormalizeAt(ctx, raw, hint, n.opts.SampleRate)
}

// NormalizeAt decodes raw into mono PCM16 at sampleRate. Input that yields no
// samples returns a *DecodeError wrapping ErrNoSamples.
func (n *Normalizer) NormalizeAt(ctx context.Context, raw []byte, hint string, sampleRate int) (PCM, error) {
	if sampleRate <= 0 {
		sampleRate = n.opts.SampleRate
	}
	if len(raw) == 0 {
		return PCM{SampleRate: sampleRate}, noSamples("decode")
	}
	if n.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.opts.Timeout)
		defer cancel()
	}

	wavBytes := raw
	if !(n.opts.WAVFastPath && IsWAV(raw)) {
		if n.transcoder == nil {
			return PCM{SampleRate: sampleRate}, &DecodeError{Op: "decode", Diagnostic: "only wav input is supported"}
		}
		start := time.Now()
		out, err := n.transcoder.Transcode(ctx, raw, hint, sampleRate)
		if err != nil {
			return PCM{SampleRate: sampleRate}, err
		}
		n.logger.Debug("transcoded upload", slog.Int("bytes", len(raw)), slog.Duration("elapsed", time.Since(start)))
		wavBytes = out
	}

	samples, rate, err := decodeWAV(wavBytes)
	if err != nil {
		return PCM{SampleRate: sampleRate}, err
	}
	if rate != sampleRate {
		samples, err = resample(samples, rate, sampleRate)
		if err != nil {
			return PCM{SampleRate: sampleRate}, &DecodeError{Op: "resample", Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return PCM{SampleRate: sampleRate}, fmt.Errorf("normalize: %w", err)
	}
	if len(samples) == 0 {
		return PCM{SampleRate: sampleRate}, noSamples("decode")
	}
	return PCM{Samples: quantize(samples), SampleRate: sampleRate}, nil
}
