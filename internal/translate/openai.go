package translate

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type openAITranslator struct {
	client openai.Client
	model  string
}

// NewOpenAITranslator talks to any OpenAI-compatible chat completions API.
// An empty baseURL uses the public OpenAI endpoint.
func NewOpenAITranslator(baseURL, apiKey, model string) Translator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openAITranslator{client: openai.NewClient(opts...), model: model}
}

func (t *openAITranslator) Name() string { return "openai" }

func (t *openAITranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	resp, err := t.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: t.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(text, targetLang)),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat: no choices returned")
	}
	return cleanOutput(resp.Choices[0].Message.Content), nil
}
