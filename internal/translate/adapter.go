package translate

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Outcome is the text to return to the client. Warning is set when the
// backend failed and Text is the untranslated original.
type Outcome struct {
	Text       string
	Translated bool
	Warning    string
}

// Adapter wraps a Translator so that backend failures degrade to the
// original text instead of failing the request.
type Adapter struct {
	translator Translator
	target     string
	timeout    time.Duration
	log        *slog.Logger
	fallbacks  metric.Int64Counter
}

func NewAdapter(translator Translator, target string, timeout time.Duration, log *slog.Logger) *Adapter {
	a := &Adapter{
		translator: translator,
		target:     target,
		timeout:    timeout,
		log:        log.With(slog.String("component", "translation")),
		fallbacks:  noop.Int64Counter{},
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-transcribe/translate").Int64Counter(
		"transcribe.translation.fallbacks",
		metric.WithDescription("Translations that fell back to the original text"))
	if err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		a.fallbacks = counter
	}
	return a
}

// Target is the configured target language, empty when translation is off.
func (a *Adapter) Target() string {
	if a == nil || a.translator == nil {
		return ""
	}
	return a.target
}

func (a *Adapter) Translate(ctx context.Context, text, lang string) Outcome {
	if a == nil || a.translator == nil || strings.TrimSpace(text) == "" || lang == "" {
		return Outcome{Text: text}
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	translated, err := a.translator.Translate(ctx, text, lang)
	if err == nil && strings.TrimSpace(translated) == "" {
		err = errEmptyTranslation
	}
	if err != nil {
		a.fallbacks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("backend", a.translator.Name()),
			attribute.String("language", lang)))
		a.log.Warn("translation failed, returning original text",
			slog.String("backend", a.translator.Name()),
			slog.String("language", lang),
			slog.String("error", err.Error()))
		return Outcome{Text: text, Warning: "translation unavailable: " + err.Error()}
	}
	return Outcome{Text: translated, Translated: true}
}
