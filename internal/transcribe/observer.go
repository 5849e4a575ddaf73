package transcribe

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/session"
)

const observerTimeout = 2 * time.Second

type lifecycle struct {
	publisher Publisher
	recorder  Recorder
	log       *slog.Logger
}

// NewLifecycleObserver records session transitions on the timeline and
// announces them on the bus. Either sink may be nil.
func NewLifecycleObserver(publisher Publisher, recorder Recorder, log *slog.Logger) session.Observer {
	return &lifecycle{
		publisher: publisher,
		recorder:  recorder,
		log:       log.With(slog.String("component", "session-lifecycle")),
	}
}

func (l *lifecycle) SessionEvent(evt session.Event) {
	if l.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
		if err := l.recordEvent(ctx, evt); err != nil {
			l.log.Warn("failed to record session event",
				slog.String("kind", string(evt.Kind)),
				slog.String("session_id", evt.Session.ID),
				slogError(err))
		}
		cancel()
	}
	if l.publisher != nil {
		msg := protocol.SessionEvent{
			SessionID:  evt.Session.ID,
			SessionKey: evt.Session.Key,
			Kind:       string(evt.Kind),
			SampleRate: evt.Session.SampleRate,
			Timestamp:  evt.At.UTC(),
		}
		if err := l.publisher.PublishJSON(protocol.SessionSubject(msg.Kind), msg); err != nil {
			l.log.Warn("failed to publish session event", slogError(err))
		}
	}
}

func (l *lifecycle) recordEvent(ctx context.Context, evt session.Event) error {
	switch evt.Kind {
	case session.EventCreated:
		if err := l.recorder.AppendSession(ctx, eventstore.Session{
			ID:         evt.Session.ID,
			Key:        evt.Session.Key,
			SampleRate: evt.Session.SampleRate,
			CreatedAt:  evt.Session.CreatedAt,
		}); err != nil {
			return err
		}
		return l.recorder.AppendEvent(ctx, eventstore.Event{SessionID: evt.Session.ID, Type: eventstore.TypeSessionCreated, CreatedAt: evt.At})
	case session.EventReset, session.EventExpired, session.EventClosed:
		typ := eventstore.TypeSessionReset
		switch evt.Kind {
		case session.EventExpired:
			typ = eventstore.TypeSessionExpired
		case session.EventClosed:
			typ = eventstore.TypeSessionClosed
		}
		if err := l.recorder.AppendEvent(ctx, eventstore.Event{SessionID: evt.Session.ID, Type: typ, CreatedAt: evt.At}); err != nil {
			return err
		}
		return l.recorder.EndSession(ctx, evt.Session.ID, string(evt.Kind), evt.At)
	}
	return nil
}

func encodePayload(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
