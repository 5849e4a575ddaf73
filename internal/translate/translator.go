// Package translate adapts external translation backends.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

// Translator turns text into the target language.
type Translator interface {
	Name() string
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// NewTranslator builds the backend selected by cfg.Mode. The "none" mode
// returns nil: translation is disabled.
func NewTranslator(cfg config.TranslationConfig) (Translator, error) {
	switch cfg.Mode {
	case "", "none":
		return nil, nil
	case "mock":
		return NewMockTranslator(), nil
	case "exec":
		return NewExecTranslator(cfg.Command)
	case "ollama":
		return NewOllamaTranslator(cfg.Endpoint, cfg.Model), nil
	case "openai":
		return NewOpenAITranslator(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unsupported translation mode %q", cfg.Mode)
	}
}

var errEmptyTranslation = errors.New("backend returned empty translation")

const systemPrompt = "You are a translation engine. Translate the user's text into the requested language. " +
	"Reply with the translation only, without quotes, notes or explanations."

func userPrompt(text, targetLang string) string {
	return fmt.Sprintf("Target language: %s\n\n%s", targetLang, text)
}

func cleanOutput(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"")
	return strings.TrimSpace(s)
}
