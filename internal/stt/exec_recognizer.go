package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	cmd      []string
	cfg      config.STTConfig
	tempDir  string
	endpoint EndpointConfig
}

// NewExecEngine runs an external recognizer command over the buffered
// utterance audio. The command receives --audio <wav> and prints
// {"text": "...", "confidence": 0.9} on stdout.
func NewExecEngine(cfg config.STTConfig, tempDir string, endpoint EndpointConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execEngine{cmd: args, cfg: cfg, tempDir: tempDir, endpoint: endpoint}, nil
}

func (e *execEngine) Name() string { return "exec" }

func (e *execEngine) NewStream(_ context.Context, sampleRate int) (Stream, error) {
	return &execStream{engine: e, sampleRate: sampleRate, ep: newEndpointer(e.endpoint, sampleRate)}, nil
}

type execStream struct {
	engine     *execEngine
	sampleRate int
	buffer     []byte
	ep         *endpointer

	// partial is cached for the buffer length it was computed on.
	partial    Result
	partialLen int
}

func (s *execStream) Feed(_ context.Context, pcm []byte) (bool, error) {
	if len(pcm) == 0 {
		return false, nil
	}
	if len(pcm)%2 != 0 {
		return false, fmt.Errorf("pcm payload not aligned")
	}
	s.buffer = append(s.buffer, pcm...)
	return s.ep.observe(audio.SamplesFromBytes(pcm)), nil
}

func (s *execStream) Partial(ctx context.Context) (Result, error) {
	if len(s.buffer) == 0 {
		return Result{}, nil
	}
	if s.partialLen == len(s.buffer) {
		return s.partial, nil
	}
	res, err := s.engine.run(ctx, s.buffer, s.sampleRate, false)
	if err != nil {
		return Result{}, err
	}
	s.partial = res
	s.partialLen = len(s.buffer)
	return res, nil
}

func (s *execStream) Final(ctx context.Context) (Result, error) {
	if len(s.buffer) == 0 {
		return Result{}, nil
	}
	res, err := s.engine.run(ctx, s.buffer, s.sampleRate, true)
	if err != nil {
		return Result{}, err
	}
	s.buffer = nil
	s.partial = Result{}
	s.partialLen = 0
	s.ep.reset()
	return res, nil
}

func (s *execStream) Close() error {
	s.buffer = nil
	return nil
}

func (e *execEngine) run(ctx context.Context, pcm []byte, sampleRate int, final bool) (Result, error) {
	file, err := os.CreateTemp(e.tempDir, "loqa_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, 1); err != nil {
		return Result{}, err
	}

	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if e.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", e.cfg.ModelPath)
	}
	if e.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", e.cfg.Language)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	command.WaitDelay = time.Second
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("stt command: %w", ctxErr)
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) || errors.Is(err, fs.ErrNotExist) {
			return Result{}, unavailable("stt command", err)
		}
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}
	return decodeExecResult(stdout.Bytes())
}

func decodeExecResult(data []byte) (Result, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	res := Result{}
	if text, ok := fields["text"].(string); ok {
		res.Text = text
	}
	if conf, ok := fields["confidence"].(float64); ok {
		res.Confidence = conf
	}
	delete(fields, "text")
	delete(fields, "confidence")
	if len(fields) > 0 {
		res.Fields = fields
	}
	return res, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := audio.SamplesFromBytes(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
