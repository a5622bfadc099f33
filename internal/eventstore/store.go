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

	"github.com/loqalabs/genpipe/internal/config"
	"github.com/loqalabs/genpipe/internal/job"
	_ "modernc.org/sqlite"
)

const TypeTransition = "job.transition"

// Event is one entry of a job timeline.
type Event struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	Attempt   int       `json:"attempt"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed job timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. Ephemeral mode keeps
// nothing.
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

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
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
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS job_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    session_id TEXT,
    kind TEXT,
    event_type TEXT NOT NULL,
    status TEXT,
    attempt INTEGER NOT NULL DEFAULT 0,
    detail TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, id);
CREATE INDEX IF NOT EXISTS idx_job_events_session ON job_events(session_id, id);
CREATE INDEX IF NOT EXISTS idx_job_events_created ON job_events(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
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

// Append writes an event into the store.
func (s *Store) Append(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.JobID == "" {
		return errors.New("event job id must not be empty")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events(job_id, session_id, kind, event_type, status, attempt, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.JobID, evt.SessionID, evt.Kind, evt.Type, evt.Status, evt.Attempt, evt.Detail, evt.CreatedAt.UnixNano())
	return err
}

// RecordTransition appends a job status change.
func (s *Store) RecordTransition(ctx context.Context, snap job.Snapshot) error {
	return s.Append(ctx, Event{
		JobID:     snap.ID,
		SessionID: snap.SessionID,
		Kind:      string(snap.Kind),
		Type:      TypeTransition,
		Status:    string(snap.Status),
		Attempt:   snap.Attempts,
		Detail:    snap.LastError,
	})
}

// ListJobEvents returns up to limit events of one job, oldest first.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]Event, error) {
	return s.list(ctx, "job_id", jobID, limit)
}

// ListSessionEvents returns up to limit events of one session, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	return s.list(ctx, "session_id", sessionID, limit)
}

func (s *Store) list(ctx context.Context, column, value string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, job_id, session_id, kind, event_type, status, attempt, detail, created_at
		 FROM job_events WHERE ` + column + ` = ? ORDER BY id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, value, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var session, kind, status, detail sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.JobID, &session, &kind, &e.Type, &status, &e.Attempt, &detail, &created); err != nil {
			return nil, err
		}
		e.SessionID = session.String
		e.Kind = kind.String
		e.Status = status.String
		e.Detail = detail.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and on a schedule).
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
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM job_events WHERE created_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEvents > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM job_events WHERE id IN (
			SELECT id FROM job_events ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEvents)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// RunPruner prunes every interval until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if s.disabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Healthy reports whether the database answers.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.disabled() {
		return true
	}
	return s.db.PingContext(ctx) == nil
}
