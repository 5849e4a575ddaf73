// Package session tracks one streaming recognizer per client key.
//
// The registry mutex guards only the session map and bookkeeping. Access to a
// session's recognizer stream is serialized by a per-session FIFO turn so that
// chunks from one client are decoded in submission order while different
// clients proceed in parallel.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	ErrSampleRateMismatch = errors.New("sample rate mismatch")
	ErrTooManySessions    = errors.New("too many active sessions")
	ErrNoSession          = errors.New("no active session")
)

// StateError reports a request that conflicts with an existing session.
type StateError struct {
	Key  string
	Want int
	Got  int
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session %s: %v: session uses %d Hz, chunk has %d Hz", e.Key, e.Err, e.Want, e.Got)
}

func (e *StateError) Unwrap() error { return e.Err }

// Info is a point-in-time view of a session.
type Info struct {
	Key          string    `json:"key"`
	ID           string    `json:"id"`
	SampleRate   int       `json:"sample_rate"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Busy         bool      `json:"busy"`
}

type session struct {
	key        string
	id         string
	sampleRate int
	createdAt  time.Time

	// guarded by Registry.mu
	lastActive time.Time
	pending    int
	tail       chan struct{}
	removed    bool

	// guarded by the turn
	stream  stt.Stream
	partial stt.Result
}

func (s *session) info() Info {
	return Info{
		Key:          s.key,
		ID:           s.id,
		SampleRate:   s.sampleRate,
		CreatedAt:    s.createdAt,
		LastActiveAt: s.lastActive,
		Busy:         s.pending > 0,
	}
}

// Options configures a Registry.
type Options struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	MaxSessions   int
	Observers     []Observer
	Clock         func() time.Time
}

// Registry maps client keys to live recognizer sessions.
type Registry struct {
	engine stt.Engine
	opts   Options
	log    *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	meter   metric.Meter
	created metric.Int64Counter
	evicted metric.Int64Counter
	resets  metric.Int64Counter
}

func NewRegistry(engine stt.Engine, opts Options, log *slog.Logger) *Registry {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	r := &Registry{
		engine:   engine,
		opts:     opts,
		log:      log.With(slog.String("component", "session-registry")),
		clock:    clock,
		sessions: make(map[string]*session),
		meter:    otel.Meter("github.com/loqalabs/loqa-transcribe/session"),
		created:  noop.Int64Counter{},
		evicted:  noop.Int64Counter{},
		resets:   noop.Int64Counter{},
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Acquire returns a lease holding the session's turn, creating the session on
// first use. Leases for the same key are granted in the order Acquire was
// called. A session removed while the caller waited is replaced by a fresh one.
func (r *Registry) Acquire(ctx context.Context, key string, sampleRate int) (*Lease, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return r.acquire(ctx, key, sampleRate, true)
}

// AcquireExisting is Acquire without creation: it fails with ErrNoSession when
// key has no live session, or when the session is removed while waiting.
func (r *Registry) AcquireExisting(ctx context.Context, key string) (*Lease, error) {
	return r.acquire(ctx, key, 0, false)
}

func (r *Registry) acquire(ctx context.Context, key string, sampleRate int, create bool) (*Lease, error) {
	r.EvictIdle(r.opts.IdleTTL)

	s, prev, done, err := r.enqueue(key, sampleRate, create)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-prev:
		case <-ctx.Done():
			go func(s *session, prev <-chan struct{}, done chan struct{}) {
				<-prev
				r.finish(s, done)
			}(s, prev, done)
			return nil, fmt.Errorf("wait for session turn: %w", ctx.Err())
		}

		r.mu.Lock()
		removed := s.removed
		r.mu.Unlock()
		if !removed {
			return &Lease{registry: r, s: s, done: done}, nil
		}
		if !create {
			r.finish(s, done)
			return nil, fmt.Errorf("session %s: %w", key, ErrNoSession)
		}

		// Queue on the replacement before passing the old turn on so waiters
		// keep their order across a reset.
		ns, nprev, ndone, err := r.enqueue(key, sampleRate, true)
		r.finish(s, done)
		if err != nil {
			return nil, err
		}
		s, prev, done = ns, nprev, ndone
	}
}

func (r *Registry) enqueue(key string, sampleRate int, create bool) (*session, <-chan struct{}, chan struct{}, error) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok && sampleRate > 0 && s.sampleRate != sampleRate {
		r.mu.Unlock()
		return nil, nil, nil, &StateError{Key: key, Want: s.sampleRate, Got: sampleRate, Err: ErrSampleRateMismatch}
	}
	if !ok && !create {
		r.mu.Unlock()
		return nil, nil, nil, fmt.Errorf("session %s: %w", key, ErrNoSession)
	}
	if !ok {
		if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
			r.mu.Unlock()
			return nil, nil, nil, fmt.Errorf("create session %s: %w", key, ErrTooManySessions)
		}
		now := r.clock()
		ready := make(chan struct{})
		close(ready)
		s = &session{
			key:        key,
			id:         uuid.NewString(),
			sampleRate: sampleRate,
			createdAt:  now,
			lastActive: now,
			tail:       ready,
		}
		r.sessions[key] = s
	}
	done := make(chan struct{})
	prev := s.tail
	s.tail = done
	s.pending++
	info := s.info()
	r.mu.Unlock()

	if !ok {
		r.created.Add(context.Background(), 1)
		r.log.Debug("session created", slog.String("key", key), slog.String("session_id", info.ID), slog.Int("sample_rate", sampleRate))
		r.notify(EventCreated, info)
	}
	return s, prev, done, nil
}

// finish hands the turn to the next waiter. The last lease on a removed
// session closes its stream.
func (r *Registry) finish(s *session, done chan struct{}) {
	r.mu.Lock()
	s.pending--
	closeNow := s.removed && s.pending == 0
	r.mu.Unlock()
	close(done)
	if closeNow {
		r.closeStream(s)
	}
}

func (r *Registry) closeStream(s *session) {
	if s.stream == nil {
		return
	}
	if err := s.stream.Close(); err != nil {
		r.log.Warn("close recognizer stream failed", slog.String("key", s.key), slog.String("error", err.Error()))
	}
	s.stream = nil
}

// Reset removes the session for key. The next Acquire for the key starts a
// fresh session; leases already granted finish on the old stream, which is
// closed after the last of them is released.
func (r *Registry) Reset(key string) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, key)
	s.removed = true
	closeNow := s.pending == 0
	info := s.info()
	r.mu.Unlock()

	if closeNow {
		r.closeStream(s)
	}
	r.resets.Add(context.Background(), 1)
	r.log.Debug("session reset", slog.String("key", key), slog.String("session_id", info.ID))
	r.notify(EventReset, info)
	return true
}

// EvictIdle drops sessions idle for longer than ttl. Sessions with a lease
// granted or pending are never evicted. A non-positive ttl disables eviction.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	now := r.clock()

	r.mu.Lock()
	var gone []*session
	for key, s := range r.sessions {
		if !expired(s, now, ttl) {
			continue
		}
		delete(r.sessions, key)
		s.removed = true
		gone = append(gone, s)
	}
	infos := make([]Info, len(gone))
	for i, s := range gone {
		infos[i] = s.info()
	}
	r.mu.Unlock()

	for i, s := range gone {
		r.closeStream(s)
		r.log.Info("session expired",
			slog.String("key", s.key),
			slog.String("session_id", s.id),
			slog.Duration("idle", now.Sub(infos[i].LastActiveAt)))
		r.notify(EventExpired, infos[i])
	}
	if n := len(gone); n > 0 {
		r.evicted.Add(context.Background(), int64(n))
	}
	return len(gone)
}

func expired(s *session, now time.Time, ttl time.Duration) bool {
	return ttl > 0 && s.pending == 0 && now.Sub(s.lastActive) > ttl
}

// Run sweeps idle sessions until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.opts.SweepInterval
	if interval <= 0 || r.opts.IdleTTL <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle(r.opts.IdleTTL)
		}
	}
}

// Close removes every session and closes idle streams. Streams still leased
// are closed when their lease is released.
func (r *Registry) Close() {
	r.mu.Lock()
	var idle []*session
	infos := make([]Info, 0, len(r.sessions))
	for key, s := range r.sessions {
		delete(r.sessions, key)
		s.removed = true
		if s.pending == 0 {
			idle = append(idle, s)
		}
		infos = append(infos, s.info())
	}
	r.mu.Unlock()

	for _, s := range idle {
		r.closeStream(s)
	}
	for _, info := range infos {
		r.notify(EventClosed, info)
	}
}

// Get reports the live session for key. Expired sessions are evicted first.
func (r *Registry) Get(key string) (Info, bool) {
	r.EvictIdle(r.opts.IdleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Len counts live sessions, leaving out those past their idle TTL.
func (r *Registry) Len() int {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if !expired(s, now, r.opts.IdleTTL) {
			n++
		}
	}
	return n
}

// Snapshot lists live sessions, oldest first.
func (r *Registry) Snapshot() []Info {
	r.EvictIdle(r.opts.IdleTTL)

	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) notify(kind EventKind, info Info) {
	if len(r.opts.Observers) == 0 {
		return
	}
	evt := Event{Kind: kind, Session: info, At: r.clock()}
	for _, obs := range r.opts.Observers {
		obs.SessionEvent(evt)
	}
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	created, err := r.meter.Int64Counter("transcribe.sessions.created", metric.WithDescription("Sessions created"))
	if err != nil {
		return err
	}
	evicted, err := r.meter.Int64Counter("transcribe.sessions.evicted", metric.WithDescription("Sessions expired by the idle sweep"))
	if err != nil {
		return err
	}
	resets, err := r.meter.Int64Counter("transcribe.sessions.reset", metric.WithDescription("Sessions reset by clients"))
	if err != nil {
		return err
	}
	r.created, r.evicted, r.resets = created, evicted, resets

	gauge, err := r.meter.Int64ObservableGauge("transcribe.sessions.active", metric.WithDescription("Live recognizer sessions"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(r.Len()))
		return nil
	}, gauge)
	return err
}
