// Package transcribe orchestrates normalization, recognition, sessions and
// translation behind the one-shot and incremental transcription operations.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/loqalabs/loqa-transcribe/internal/translate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrTimeout marks a request that ran out of time in a decode, recognition
	// or session wait. The request may be retried.
	ErrTimeout = errors.New("upstream timeout")
	// ErrNoSession is returned when finalizing a key without a live session.
	ErrNoSession = session.ErrNoSession
)

// Normalizer converts uploads to PCM.
type Normalizer interface {
	SampleRate() int
	NormalizeAt(ctx context.Context, raw []byte, hint string, sampleRate int) (audio.PCM, error)
}

// Publisher broadcasts transcripts. *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Recorder persists the session timeline. *eventstore.Store satisfies it.
type Recorder interface {
	AppendSession(ctx context.Context, sess eventstore.Session) error
	EndSession(ctx context.Context, sessionID, reason string, at time.Time) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Result is the uniform outcome of both transcription paths. Text is the
// translated text when translation succeeded and the recognized text
// otherwise; Original is set only when the two differ.
type Result struct {
	Text           string
	Original       string
	IsPartial      bool
	Translated     bool
	Warning        string
	SessionID      string
	EndOfUtterance bool
	Fields         map[string]any
}

// ChunkOptions carries per-chunk client hints.
type ChunkOptions struct {
	// SampleRate requested by the client. Zero uses the configured rate.
	SampleRate int
}

type Options struct {
	// Timeout bounds each operation end to end.
	Timeout time.Duration
	// RecordPartials stores partial transcripts on the timeline, not only
	// finals.
	RecordPartials bool
	// PartialTimeout bounds reading the partial once a chunk was fed. It runs
	// detached from the request deadline. Zero uses Timeout.
	PartialTimeout time.Duration
}

type Deps struct {
	Normalizer Normalizer
	Engine     stt.Engine
	Registry   *session.Registry
	Translator *translate.Adapter
	Publisher  Publisher
	Recorder   Recorder
}

type Service struct {
	normalizer Normalizer
	engine     stt.Engine
	registry   *session.Registry
	translator *translate.Adapter
	publisher  Publisher
	recorder   Recorder
	opts       Options
	log        *slog.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

func NewService(deps Deps, opts Options, log *slog.Logger) *Service {
	s := &Service{
		normalizer: deps.Normalizer,
		engine:     deps.Engine,
		registry:   deps.Registry,
		translator: deps.Translator,
		publisher:  deps.Publisher,
		recorder:   deps.Recorder,
		opts:       opts,
		log:        log.With(slog.String("component", "transcribe-service")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-transcribe/transcribe"),
		duration:   noop.Float64Histogram{},
	}
	hist, err := otel.Meter("github.com/loqalabs/loqa-transcribe/transcribe").Float64Histogram(
		"transcribe.request.duration",
		metric.WithDescription("Transcription operation latency"),
		metric.WithUnit("s"))
	if err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	} else {
		s.duration = hist
	}
	return s
}

// TranscribeComplete recognizes a whole recording on an ephemeral stream. It
// never reads or mutates the session registry.
func (s *Service) TranscribeComplete(ctx context.Context, raw []byte, hint string) (res Result, err error) {
	ctx, finish := s.begin(ctx, "complete")
	defer func() { finish(err) }()

	pcm, err := s.normalizer.NormalizeAt(ctx, raw, hint, s.normalizer.SampleRate())
	if err != nil {
		return Result{}, classify("normalize upload", err)
	}

	stream, err := s.engine.NewStream(ctx, pcm.SampleRate)
	if err != nil {
		return Result{}, classify("open recognizer", err)
	}
	defer stream.Close()

	if _, err := stream.Feed(ctx, pcm.Bytes()); err != nil {
		return Result{}, classify("recognize", err)
	}
	final, err := stream.Final(ctx)
	if err != nil {
		return Result{}, classify("finalize", err)
	}

	res = s.translated(ctx, final.Text)
	res.Fields = final.Fields
	s.log.Debug("transcribed upload",
		slog.Int("bytes", len(raw)),
		slog.Duration("audio", pcm.Duration()),
		slog.Int("chars", len(final.Text)))

	s.recordOneShot(ctx, pcm.SampleRate, final, res)
	return res, nil
}

// TranscribeChunk feeds one chunk to the session for key and returns the
// current partial transcript. A chunk that decodes to no samples is a
// heartbeat: nothing is fed, no session is created, and the previous partial
// is returned.
func (s *Service) TranscribeChunk(ctx context.Context, key string, raw []byte, hint string, opts ChunkOptions) (res Result, err error) {
	ctx, finish := s.begin(ctx, "chunk")
	defer func() { finish(err) }()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("session.key", key))

	rate := opts.SampleRate
	if rate <= 0 {
		rate = s.normalizer.SampleRate()
	}

	heartbeat := false
	pcm, err := s.normalizer.NormalizeAt(ctx, raw, hint, rate)
	if err != nil {
		if !errors.Is(err, audio.ErrNoSamples) {
			return Result{}, classify("normalize chunk", err)
		}
		heartbeat = true
	}

	var lease *session.Lease
	if heartbeat {
		lease, err = s.registry.AcquireExisting(ctx, key)
		if errors.Is(err, session.ErrNoSession) {
			return Result{IsPartial: true}, nil
		}
	} else {
		lease, err = s.registry.Acquire(ctx, key, rate)
	}
	if err != nil {
		return Result{}, classify("acquire session", err)
	}
	out, err := s.feed(ctx, lease, pcm, heartbeat)
	lease.Release()
	if err != nil {
		return Result{}, err
	}

	res = s.translated(ctx, out.partial.Text)
	res.IsPartial = true
	res.SessionID = out.info.ID
	res.EndOfUtterance = out.eou
	res.Fields = out.partial.Fields
	res.Warning = joinWarnings(out.warning, res.Warning)

	if !heartbeat && res.Text != "" {
		s.publish(protocol.SubjectTranscriptPartial, s.transcript(out.info, out.partial, res))
		if s.opts.RecordPartials {
			s.record(ctx, eventstore.Event{SessionID: out.info.ID, Type: eventstore.TypeTranscriptChunk, Text: res.Text})
		}
	}
	return res, nil
}

type fed struct {
	partial stt.Result
	eou     bool
	info    session.Info
	warning string
}

func (s *Service) feed(ctx context.Context, lease *session.Lease, pcm audio.PCM, heartbeat bool) (fed, error) {
	if heartbeat {
		return s.poll(ctx, lease)
	}
	stream, err := lease.Stream(ctx)
	if err != nil {
		return fed{}, classify("open recognizer", err)
	}
	eou, err := stream.Feed(ctx, pcm.Bytes())
	if err != nil {
		return fed{}, classify("recognize", err)
	}

	// The chunk is accepted once fed. A failed partial read degrades to the
	// last partial.
	lease.Touch()
	out := fed{eou: eou}
	pctx, cancel := s.partialContext(ctx)
	defer cancel()
	partial, err := stream.Partial(pctx)
	if err != nil {
		s.log.Warn("partial unavailable for accepted chunk", slog.String("session_id", lease.Info().ID), slogError(err))
		out.partial = lease.LastPartial()
		out.warning = "partial transcript unavailable: " + err.Error()
	} else {
		lease.SetPartial(partial)
		out.partial = partial
	}
	out.info = lease.Info()
	return out, nil
}

// poll answers a heartbeat without opening a recognizer stream.
func (s *Service) poll(ctx context.Context, lease *session.Lease) (fed, error) {
	if !lease.Opened() {
		lease.Touch()
		return fed{partial: lease.LastPartial(), info: lease.Info()}, nil
	}
	stream, err := lease.Stream(ctx)
	if err != nil {
		return fed{}, classify("open recognizer", err)
	}
	partial, err := stream.Partial(ctx)
	if err != nil {
		return fed{}, classify("read partial", err)
	}
	lease.SetPartial(partial)
	lease.Touch()
	return fed{partial: partial, info: lease.Info()}, nil
}

func (s *Service) partialContext(ctx context.Context) (context.Context, context.CancelFunc) {
	d := s.opts.PartialTimeout
	if d <= 0 {
		d = s.opts.Timeout
	}
	ctx = context.WithoutCancel(ctx)
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func joinWarnings(warnings ...string) string {
	var out string
	for _, w := range warnings {
		switch {
		case w == "":
		case out == "":
			out = w
		default:
			out += "; " + w
		}
	}
	return out
}

// ResetSession discards the session for key, reporting whether one existed.
func (s *Service) ResetSession(_ context.Context, key string) bool {
	return s.registry.Reset(key)
}

// FinalizeSession flushes the final transcript of the session's current
// utterance. The session stays live for the next utterance.
func (s *Service) FinalizeSession(ctx context.Context, key string) (res Result, err error) {
	ctx, finish := s.begin(ctx, "finalize")
	defer func() { finish(err) }()

	lease, err := s.registry.AcquireExisting(ctx, key)
	if err != nil {
		return Result{}, classify("acquire session", err)
	}
	final, info, err := s.finalize(ctx, lease)
	lease.Release()
	if err != nil {
		return Result{}, err
	}

	res = s.translated(ctx, final.Text)
	res.SessionID = info.ID
	res.EndOfUtterance = true
	res.Fields = final.Fields

	if final.Text != "" {
		tr := s.transcript(info, final, res)
		s.publish(protocol.SubjectTranscriptFinal, tr)
		s.record(ctx, eventstore.Event{SessionID: info.ID, Type: eventstore.TypeTranscriptFinal, Text: res.Text, Payload: encodePayload(tr)})
	}
	return res, nil
}

func (s *Service) finalize(ctx context.Context, lease *session.Lease) (stt.Result, session.Info, error) {
	if !lease.Opened() {
		lease.Touch()
		return stt.Result{}, lease.Info(), nil
	}
	stream, err := lease.Stream(ctx)
	if err != nil {
		return stt.Result{}, session.Info{}, classify("open recognizer", err)
	}
	final, err := stream.Final(ctx)
	if err != nil {
		return stt.Result{}, session.Info{}, classify("finalize", err)
	}
	lease.SetPartial(stt.Result{})
	lease.Touch()
	return final, lease.Info(), nil
}

// Sessions lists live sessions.
func (s *Service) Sessions() []session.Info {
	return s.registry.Snapshot()
}

func (s *Service) translated(ctx context.Context, text string) Result {
	out := s.translator.Translate(ctx, text, s.translator.Target())
	res := Result{Text: out.Text, Translated: out.Translated, Warning: out.Warning}
	if out.Text != text {
		res.Original = text
	}
	return res
}

func (s *Service) recordOneShot(ctx context.Context, sampleRate int, final stt.Result, res Result) {
	id := uuid.NewString()
	tr := s.transcript(session.Info{ID: id}, final, res)
	s.publish(protocol.SubjectTranscriptFinal, tr)
	if s.recorder == nil {
		return
	}
	now := time.Now()
	if err := s.recorder.AppendSession(ctx, eventstore.Session{ID: id, SampleRate: sampleRate, CreatedAt: now}); err != nil {
		s.log.Warn("failed to record upload", slogError(err))
		return
	}
	s.record(ctx, eventstore.Event{SessionID: id, Type: eventstore.TypeTranscriptFinal, Text: res.Text, Payload: encodePayload(tr)})
	if err := s.recorder.EndSession(ctx, id, "complete", now); err != nil {
		s.log.Warn("failed to close upload record", slogError(err))
	}
}

func (s *Service) transcript(info session.Info, rec stt.Result, res Result) protocol.Transcript {
	return protocol.Transcript{
		SessionID:      info.ID,
		SessionKey:     info.Key,
		Text:           res.Text,
		Original:       res.Original,
		Language:       s.translator.Target(),
		Partial:        res.IsPartial,
		EndOfUtterance: res.EndOfUtterance,
		Confidence:     rec.Confidence,
		Fields:         rec.Fields,
		Timestamp:      time.Now().UTC(),
	}
}

func (s *Service) publish(subject string, tr protocol.Transcript) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishJSON(subject, tr); err != nil {
		s.log.Warn("failed to publish transcript", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) record(ctx context.Context, evt eventstore.Event) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		s.log.Warn("failed to record transcript", slog.String("session_id", evt.SessionID), slogError(err))
	}
}

// begin applies the operation timeout and opens a span. The returned func
// ends the span and records latency.
func (s *Service) begin(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	cancel := context.CancelFunc(func() {})
	if s.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
	}
	ctx, span := s.tracer.Start(ctx, "transcribe."+op)
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = outcomeOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()
		s.duration.Record(context.Background(), time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome)))
	}
}

// classify wraps err with op, marking deadline expiry as ErrTimeout.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func outcomeOf(err error) string {
	var decodeErr *audio.DecodeError
	var stateErr *session.StateError
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &stateErr):
		return "conflict"
	case errors.Is(err, session.ErrTooManySessions):
		return "rejected"
	case errors.Is(err, stt.ErrEngineUnavailable):
		return "unavailable"
	case errors.As(err, &decodeErr):
		return "decode_error"
	case errors.Is(err, ErrNoSession):
		return "no_session"
	default:
		return "error"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
