package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// Transcoder converts an arbitrary container into a mono WAV at sampleRate.
type Transcoder interface {
	Transcode(ctx context.Context, raw []byte, hint string, sampleRate int) ([]byte, error)
}

type execTranscoder struct {
	cmd     []string
	tempDir string
}

// NewExecTranscoder builds an ffmpeg-compatible transcoder from a command line.
// Input and output files live in a per-call directory under tempDir that is
// removed before Transcode returns.
func NewExecTranscoder(command, tempDir string) (Transcoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcoder command is empty")
	}
	return &execTranscoder{cmd: args, tempDir: tempDir}, nil
}

func (t *execTranscoder) Transcode(ctx context.Context, raw []byte, hint string, sampleRate int) ([]byte, error) {
	dir, err := os.MkdirTemp(t.tempDir, "loqa_audio_*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input"+extension(hint))
	out := filepath.Join(dir, "output.wav")
	if err := os.WriteFile(in, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}

	args := append([]string{}, t.cmd[1:]...)
	args = append(args, "-y", "-i", in, "-ar", strconv.Itoa(sampleRate), "-ac", "1", "-f", "wav", out)
	command := exec.CommandContext(ctx, t.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	command.WaitDelay = time.Second

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("transcode: %w", ctxErr)
		}
		return nil, &DecodeError{Op: filepath.Base(t.cmd[0]), Diagnostic: strings.TrimSpace(stderr.String()), Err: err}
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, &DecodeError{Op: filepath.Base(t.cmd[0]), Diagnostic: "no output produced", Err: err}
	}
	return data, nil
}

// extension maps a container hint or filename to a file suffix.
func extension(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if ext := filepath.Ext(hint); ext != "" {
		hint = ext
	}
	hint = strings.TrimPrefix(hint, ".")
	if i := strings.IndexByte(hint, ';'); i >= 0 {
		hint = hint[:i]
	}
	if i := strings.LastIndexByte(hint, '/'); i >= 0 {
		hint = hint[i+1:]
	}
	clean := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, hint)
	if clean == "" {
		return ".webm"
	}
	return "." + clean
}
