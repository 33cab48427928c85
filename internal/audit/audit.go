// Package audit provides PostgreSQL-backed storage for the tool invocation
// log. Each row captures which session invoked which tool, the outcome, and
// how long the call took (for capacity planning and abuse review). The log
// is insert-only and optional: a nil store disables auditing.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Invocation outcomes, matching the CHECK constraint on the
// tool_invocations table.
const (
	OutcomeOK         = "ok"
	OutcomeToolError  = "tool_error"
	OutcomeTimeout    = "timeout"
	OutcomeSpawnError = "spawn_error"
)

var validOutcomes = map[string]bool{
	OutcomeOK:         true,
	OutcomeToolError:  true,
	OutcomeTimeout:    true,
	OutcomeSpawnError: true,
}

// Store manages the invocation log in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Entry represents a single invocation to be persisted.
type Entry struct {
	SessionID string
	Tool      string
	Outcome   string
	Duration  time.Duration
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts an invocation entry. The outcome is validated against the
// allowed set before insertion. Safe on a nil store.
func (s *Store) Record(ctx context.Context, entry *Entry) error {
	if s == nil {
		return nil
	}
	if !validOutcomes[entry.Outcome] {
		return fmt.Errorf("audit: invalid outcome %q", entry.Outcome)
	}

	const query = `
		INSERT INTO tool_invocations (session_id, tool, outcome, duration_ms)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query,
		entry.SessionID,
		entry.Tool,
		entry.Outcome,
		entry.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of invocations recorded for a session
// within the given time window. Useful for per-session rate review.
func (s *Store) CountRecent(ctx context.Context, sessionID string, window time.Duration) (int, error) {
	if s == nil {
		return 0, nil
	}
	const query = `
		SELECT COUNT(*)
		FROM tool_invocations
		WHERE session_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, sessionID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}
