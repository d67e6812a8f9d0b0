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

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SessionRecord is the catalogue entry for one recording.
type SessionRecord struct {
	SessionID      string
	BaseName       string
	Device         string
	Engine         string
	AudioPath      string
	TranscriptPath string
	StartedAt      time.Time
	StoppedAt      time.Time
	Duration       time.Duration
	DroppedSamples uint64
}

// Event is one recognized text line attached to a session.
type Event struct {
	ID        int64
	SessionID string
	Text      string
	IsFinal   bool
	CreatedAt time.Time
}

// Store wraps a SQLite-backed catalogue of sessions and their transcripts.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
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
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    base_name TEXT NOT NULL,
    device TEXT,
    engine TEXT,
    audio_path TEXT,
    transcript_path TEXT,
    started_at TEXT NOT NULL,
    stopped_at TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    dropped_samples INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    text TEXT NOT NULL,
    is_final INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendSession registers a recording when it starts.
func (s *Store) AppendSession(ctx context.Context, rec SessionRecord) error {
	if s.disabled() {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, base_name, device, engine, audio_path, transcript_path, started_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET base_name=excluded.base_name, device=excluded.device,
		   engine=excluded.engine, audio_path=excluded.audio_path, transcript_path=excluded.transcript_path,
		   started_at=excluded.started_at`,
		rec.SessionID, rec.BaseName, rec.Device, rec.Engine, rec.AudioPath, rec.TranscriptPath, formatTime(rec.StartedAt))
	if err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	return nil
}

// CompleteSession records the outcome of a stopped recording.
func (s *Store) CompleteSession(ctx context.Context, rec SessionRecord) error {
	if s.disabled() {
		return nil
	}
	if rec.StoppedAt.IsZero() {
		rec.StoppedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET audio_path = ?, transcript_path = ?, stopped_at = ?, duration_ms = ?, dropped_samples = ?
		 WHERE session_id = ?`,
		rec.AudioPath, rec.TranscriptPath, formatTime(rec.StoppedAt), rec.Duration.Milliseconds(), int64(rec.DroppedSamples), rec.SessionID)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete session %s: %w", rec.SessionID, sql.ErrNoRows)
	}
	return nil
}

// PublishTranscript stores a recognized text event.
func (s *Store) PublishTranscript(ctx context.Context, text stt.RecognizedText) error {
	if s.disabled() {
		return nil
	}
	if text.SessionID == "" {
		return errors.New("transcript event has no session id")
	}
	created := text.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	// Recognition may outrun AppendSession; a placeholder row keeps the
	// foreign key satisfied until the catalogue entry is filled in.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, base_name, started_at) VALUES(?, '', ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		text.SessionID, formatTime(created))
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, text, is_final, created_at) VALUES(?, ?, ?, ?)`,
		text.SessionID, text.Text, text.IsFinal, formatTime(created))
	if err != nil {
		return fmt.Errorf("append transcript event: %w", err)
	}
	return nil
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, text, is_final, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Text, &e.IsFinal, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, base_name, COALESCE(device, ''), COALESCE(engine, ''), COALESCE(audio_path, ''),
		        COALESCE(transcript_path, ''), started_at, COALESCE(stopped_at, ''), duration_ms, dropped_samples
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var started, stopped string
		var durationMS, dropped int64
		if err := rows.Scan(&r.SessionID, &r.BaseName, &r.Device, &r.Engine, &r.AudioPath, &r.TranscriptPath,
			&started, &stopped, &durationMS, &dropped); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.StoppedAt = parseTime(stopped)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.DroppedSamples = uint64(dropped)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := formatTime(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}
