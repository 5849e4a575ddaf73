package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"
)

type execTranslator struct {
	cmd []string
}

type execRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
}

type execResponse struct {
	Text string `json:"text"`
}

// NewExecTranslator runs command once per request, writing
// {"text","target_language"} to stdin and reading {"text"} from stdout.
func NewExecTranslator(command string) (Translator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translation command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translation command empty")
	}
	return &execTranslator{cmd: args}, nil
}

func (t *execTranslator) Name() string { return "exec" }

func (t *execTranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	input, err := json.Marshal(execRequest{Text: text, TargetLanguage: targetLang})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, t.cmd[0], t.cmd[1:]...)
	cmd.WaitDelay = time.Second
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("translation command: %w", ctxErr)
		}
		return "", fmt.Errorf("translation command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode translation response: %w", err)
	}
	return resp.Text, nil
}
