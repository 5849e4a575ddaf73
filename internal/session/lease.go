package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-transcribe/internal/stt"
)

// Lease holds a session's turn. Exactly one lease per session is live at a
// time; Release hands the turn to the next caller in line.
type Lease struct {
	registry *Registry
	s        *session
	done     chan struct{}
	once     sync.Once
}

// Stream returns the session's recognizer stream, opening it on first use.
func (l *Lease) Stream(ctx context.Context) (stt.Stream, error) {
	if l.s.stream != nil {
		return l.s.stream, nil
	}
	stream, err := l.registry.engine.NewStream(ctx, l.s.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", l.registry.engine.Name(), err)
	}
	l.s.stream = stream
	return stream, nil
}

// Opened reports whether the session's recognizer stream exists yet.
func (l *Lease) Opened() bool { return l.s.stream != nil }

// LastPartial returns the partial remembered by SetPartial. It survives until
// the session is finalized or removed.
func (l *Lease) LastPartial() stt.Result { return l.s.partial }

func (l *Lease) SetPartial(res stt.Result) { l.s.partial = res }

// Touch marks the session active. Callers touch only after a chunk was
// processed successfully so failed requests do not extend the session's life.
func (l *Lease) Touch() {
	r := l.registry
	r.mu.Lock()
	l.s.lastActive = r.clock()
	r.mu.Unlock()
}

func (l *Lease) Info() Info {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	return l.s.info()
}

func (l *Lease) Release() {
	l.once.Do(func() {
		l.registry.finish(l.s, l.done)
	})
}
