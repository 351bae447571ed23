package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL,
			agent_session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'initializing',
			exit_reason TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_requests (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			request_key TEXT NOT NULL,
			request_id TEXT NOT NULL,
			tool_call TEXT NOT NULL DEFAULT '',
			options TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, request_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_type, cwd, agent_session_id, status, exit_reason, title, archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentType, sess.Cwd, sess.AgentSessionID, sess.Status, sess.ExitReason,
		sess.Title, sess.Archived, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_type, cwd, agent_session_id, status, exit_reason, title, archived, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.AgentType, &sess.Cwd, &sess.AgentSessionID, &sess.Status, &sess.ExitReason,
		&sess.Title, &sess.Archived, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sess, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, includeArchived bool) ([]Session, error) {
	query := `SELECT id, agent_type, cwd, agent_session_id, status, exit_reason, title, archived, created_at, updated_at
	          FROM sessions`
	if !includeArchived {
		query += " WHERE archived = 0"
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.AgentType, &sess.Cwd, &sess.AgentSessionID, &sess.Status,
			&sess.ExitReason, &sess.Title, &sess.Archived, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) SetExited(ctx context.Context, id, status, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ?, exit_reason = ?, updated_at = ? WHERE id = ?",
		status, reason, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) SetAgentSessionID(ctx context.Context, id, agentSessionID string) error {
	// Write-once: the empty-string guard makes a repeat call a no-op.
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET agent_session_id = ?, updated_at = ? WHERE id = ? AND agent_session_id = ''",
		agentSessionID, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) SetSessionTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?",
		title, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) ArchiveSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET archived = 1, updated_at = ? WHERE id = ?",
		time.Now(), id,
	)
	return err
}

// --- Events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *Event) (int64, error) {
	// Seq allocation and insert happen in one statement. The primary key on
	// (session_id, seq) catches the race between two writers reading the same
	// MAX, in which case we retry.
	for attempt := 0; ; attempt++ {
		var seq int64
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO events (session_id, seq, type, payload, created_at)
			 VALUES (?, (SELECT COALESCE(MAX(seq),0)+1 FROM events WHERE session_id = ?), ?, ?, ?)
			 RETURNING seq`,
			ev.SessionID, ev.SessionID, ev.Type, string(ev.Payload), ev.CreatedAt,
		).Scan(&seq)
		if err == nil {
			return seq, nil
		}
		if attempt < 5 && strings.Contains(err.Error(), "UNIQUE constraint") {
			continue
		}
		return 0, err
	}
}

func (s *SQLiteStore) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq),0) FROM events WHERE session_id = ?", sessionID,
	).Scan(&seq)
	return seq, err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error) {
	query := `SELECT session_id, seq, type, payload, created_at
	          FROM events WHERE session_id = ? AND seq > ? ORDER BY seq`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Pending requests ---

func (s *SQLiteStore) AddPendingRequest(ctx context.Context, req *PendingRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_requests (session_id, request_key, request_id, tool_call, options, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		req.SessionID, req.RequestKey, string(req.RequestID), string(req.ToolCall), string(req.Options), req.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListPendingRequests(ctx context.Context, sessionID string) ([]PendingRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, request_key, request_id, tool_call, options, created_at
		 FROM pending_requests WHERE session_id = ? ORDER BY created_at`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []PendingRequest
	for rows.Next() {
		var r PendingRequest
		var id, toolCall, options string
		if err := rows.Scan(&r.SessionID, &r.RequestKey, &id, &toolCall, &options, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.RequestID = []byte(id)
		if toolCall != "" {
			r.ToolCall = []byte(toolCall)
		}
		if options != "" {
			r.Options = []byte(options)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

func (s *SQLiteStore) DeletePendingRequest(ctx context.Context, sessionID, requestKey string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_requests WHERE session_id = ? AND request_key = ?",
		sessionID, requestKey,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ClearPendingRequests(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_requests WHERE session_id = ?", sessionID,
	)
	return err
}
