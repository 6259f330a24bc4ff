package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tether/internal/events"
)

// ReasonInterrupted marks sessions still open when the server last stopped.
const ReasonInterrupted = "interrupted"

// SessionRecord is one participant connection in the audit log.
type SessionRecord struct {
	ID          string     `json:"id"`
	RemoteAddr  string     `json:"remote_addr"`
	DisplayName string     `json:"display_name"`
	JoinedAt    time.Time  `json:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Duration returns how long the session lasted, or has lasted so far.
func (r SessionRecord) Duration() time.Duration {
	if r.LeftAt != nil {
		return r.LeftAt.Sub(r.JoinedAt)
	}
	return time.Since(r.JoinedAt)
}

// SessionLog records participant connections. It is an audit trail of who
// connected and when, not a store of game state.
type SessionLog struct {
	db *Database
}

// NewSessionLog opens the audit log database and migrates its schema.
func NewSessionLog(dbPath string) (*SessionLog, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	sl := &SessionLog{db: database}
	if err := sl.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate session log: %w", err)
	}

	if n, err := sl.closeDangling(context.Background()); err != nil {
		log.Warn().Err(err).Msg("failed to close dangling sessions")
	} else if n > 0 {
		log.Info().Int64("sessions", n).Msg("marked sessions from previous run as interrupted")
	}

	return sl, nil
}

// migrate creates the database schema.
func (sl *SessionLog) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS participant_sessions (
			id TEXT PRIMARY KEY,
			remote_addr TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			joined_at INTEGER NOT NULL,
			left_at INTEGER,
			reason TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_joined ON participant_sessions(joined_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_left ON participant_sessions(left_at)`,
	}

	return sl.db.Transaction(context.Background(), func(tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (sl *SessionLog) closeDangling(ctx context.Context) (int64, error) {
	res, err := sl.db.Exec(ctx,
		`UPDATE participant_sessions SET left_at = ?, reason = ? WHERE left_at IS NULL`,
		time.Now().UnixMilli(), ReasonInterrupted)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (sl *SessionLog) Close() error {
	return sl.db.Close()
}

// Subscribe records participant lifecycle events from the bus.
func (sl *SessionLog) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventParticipantJoined, "session_log.joined", sl.onJoined)
	bus.Subscribe(events.EventParticipantRenamed, "session_log.renamed", sl.onRenamed)
	bus.Subscribe(events.EventParticipantLeft, "session_log.left", sl.onLeft)
}

// RecordJoin inserts a new open session.
func (sl *SessionLog) RecordJoin(ctx context.Context, id, remoteAddr string, at time.Time) error {
	_, err := sl.db.Exec(ctx,
		`INSERT INTO participant_sessions (id, remote_addr, joined_at) VALUES (?, ?, ?)`,
		id, remoteAddr, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record join of %s: %w", id, err)
	}
	return nil
}

// RecordRename stores the latest display name of a session.
func (sl *SessionLog) RecordRename(ctx context.Context, id, name string) error {
	_, err := sl.db.Exec(ctx,
		`UPDATE participant_sessions SET display_name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("failed to record rename of %s: %w", id, err)
	}
	return nil
}

// RecordLeave closes an open session.
func (sl *SessionLog) RecordLeave(ctx context.Context, id, reason, errText string, at time.Time) error {
	_, err := sl.db.Exec(ctx,
		`UPDATE participant_sessions SET left_at = ?, reason = ?, error = ? WHERE id = ? AND left_at IS NULL`,
		at.UnixMilli(), reason, errText, id)
	if err != nil {
		return fmt.Errorf("failed to record leave of %s: %w", id, err)
	}
	return nil
}

// Get returns one session by participant id.
func (sl *SessionLog) Get(ctx context.Context, id string) (*SessionRecord, error) {
	row := sl.db.QueryRow(ctx,
		`SELECT id, remote_addr, display_name, joined_at, left_at, reason, error
		 FROM participant_sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Recent returns up to limit sessions, newest first.
func (sl *SessionLog) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := sl.db.Query(ctx,
		`SELECT id, remote_addr, display_name, joined_at, left_at, reason, error
		 FROM participant_sessions ORDER BY joined_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Count returns the number of stored sessions.
func (sl *SessionLog) Count(ctx context.Context) (int, error) {
	var n int
	if err := sl.db.QueryRow(ctx, `SELECT COUNT(*) FROM participant_sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// Prune deletes closed sessions that ended before the cutoff. Open
// sessions are never pruned.
func (sl *SessionLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := sl.db.Exec(ctx,
		`DELETE FROM participant_sessions WHERE left_at IS NOT NULL AND left_at < ?`,
		before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*SessionRecord, error) {
	var (
		rec      SessionRecord
		joinedAt int64
		leftAt   sql.NullInt64
	)
	if err := s.Scan(&rec.ID, &rec.RemoteAddr, &rec.DisplayName, &joinedAt, &leftAt, &rec.Reason, &rec.Error); err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	rec.JoinedAt = time.UnixMilli(joinedAt)
	if leftAt.Valid {
		t := time.UnixMilli(leftAt.Int64)
		rec.LeftAt = &t
	}
	return &rec, nil
}

// Event handlers

func (sl *SessionLog) onJoined(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ParticipantJoinedPayload)
	if !ok {
		return nil
	}
	return sl.RecordJoin(ctx, p.ID, p.RemoteAddr, p.JoinedAt)
}

func (sl *SessionLog) onRenamed(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ParticipantRenamedPayload)
	if !ok {
		return nil
	}
	return sl.RecordRename(ctx, p.ID, p.Name)
}

func (sl *SessionLog) onLeft(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ParticipantLeftPayload)
	if !ok {
		return nil
	}
	return sl.RecordLeave(ctx, p.ID, p.Reason.String(), p.Error, time.Now())
}
