package session

import "time"

type EventKind string

const (
	EventCreated EventKind = "created"
	EventReset   EventKind = "reset"
	EventExpired EventKind = "expired"
	// EventClosed is emitted for every session still live when the registry
	// is closed.
	EventClosed EventKind = "closed"
)

// Event describes a session lifecycle transition.
type Event struct {
	Kind    EventKind
	Session Info
	At      time.Time
}

// Observer is notified synchronously of lifecycle events, outside the
// registry lock.
type Observer interface {
	SessionEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) SessionEvent(evt Event) { f(evt) }
