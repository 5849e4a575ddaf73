package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	_ "modernc.org/sqlite"
)

// Event types recorded on a session timeline.
const (
	TypeSessionCreated  = "session.created"
	TypeSessionReset    = "session.reset"
	TypeSessionExpired  = "session.expired"
	TypeSessionClosed   = "session.closed"
	TypeTranscriptFinal = "transcript.final"
	TypeTranscriptChunk = "transcript.partial"
)

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Text      string
	Payload   []byte
	CreatedAt time.Time
}

// Session is the audit row for one recognizer session or one-shot upload.
type Session struct {
	ID         string
	Key        string
	SampleRate int
	CreatedAt  time.Time
	EndedAt    time.Time
	EndReason  string
	Events     int
}

// Store wraps a SQLite-backed session timeline. Live sessions are never
// rebuilt from it.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if _, err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    session_key TEXT NOT NULL,
    sample_rate INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    ended_at INTEGER,
    end_reason TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    text TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether events are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sess Session) error {
	if !s.Enabled() {
		return nil
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, session_key, sample_rate, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET session_key=excluded.session_key, sample_rate=excluded.sample_rate`,
		sess.ID, sess.Key, sess.SampleRate, toMillis(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("append session %s: %w", sess.ID, err)
	}
	return nil
}

// EndSession stamps the session as finished. Ending an unknown or already
// ended session is a no-op.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string, at time.Time) error {
	if !s.Enabled() {
		return nil
	}
	if at.IsZero() {
		at = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE session_id = ? AND ended_at IS NULL`,
		toMillis(at), reason, sessionID)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, text, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Text, evt.Payload, toMillis(evt.CreatedAt))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evt.Type, err)
	}
	return nil
}

// ListSessions returns up to limit sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.session_key, s.sample_rate, s.created_at, s.ended_at, s.end_reason,
		        (SELECT COUNT(*) FROM events e WHERE e.session_id = s.session_id)
		 FROM sessions s ORDER BY s.created_at DESC, s.session_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if !s.Enabled() {
		return Session{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT s.session_id, s.session_key, s.sample_rate, s.created_at, s.ended_at, s.end_reason,
		        (SELECT COUNT(*) FROM events e WHERE e.session_id = s.session_id)
		 FROM sessions s WHERE s.session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

// ErrNotFound is returned when a session is not recorded.
var ErrNotFound = errors.New("session not found")

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var created int64
	var ended sql.NullInt64
	var reason sql.NullString
	if err := row.Scan(&sess.ID, &sess.Key, &sess.SampleRate, &created, &ended, &reason, &sess.Events); err != nil {
		return Session{}, err
	}
	sess.CreatedAt = fromMillis(created)
	if ended.Valid {
		sess.EndedAt = fromMillis(ended.Int64)
	}
	sess.EndReason = reason.String
	return sess, nil
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, text, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var text sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &text, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Text = text.String
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention and returns the number of sessions
// removed. It runs on startup and from the retention ticker.
func (s *Store) Prune(ctx context.Context) (n int64, err error) {
	if !s.Enabled() {
		return 0, nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, toMillis(cutoff)); err != nil {
			return 0, err
		}
		var res sql.Result
		if res, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, toMillis(cutoff)); err != nil {
			return 0, err
		}
		n += affected(res)
	}
	if s.cfg.MaxSessions > 0 {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return 0, err
		}
		n += affected(res)
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// RunRetention prunes once per interval until ctx is cancelled.
func (s *Store) RunRetention(ctx context.Context, interval time.Duration) {
	if !s.Enabled() || interval <= 0 {
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
			n, err := s.Prune(ctx)
			if err != nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.log.Info("event store pruned", slog.Int64("sessions", n))
			}
		}
	}
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
