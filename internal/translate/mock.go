package translate

import (
	"context"
	"fmt"
)

type mockTranslator struct{}

// NewMockTranslator tags text with the target language instead of
// translating it.
func NewMockTranslator() Translator { return mockTranslator{} }

func (mockTranslator) Name() string { return "mock" }

func (mockTranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] %s", targetLang, text), nil
}
