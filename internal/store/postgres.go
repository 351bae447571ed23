package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL,
			agent_session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'initializing',
			exit_reason TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_requests (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			request_key TEXT NOT NULL,
			request_id TEXT NOT NULL,
			tool_call TEXT NOT NULL DEFAULT '',
			options TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_type, cwd, agent_session_id, status, exit_reason, title, archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.AgentType, sess.Cwd, sess.AgentSessionID, sess.Status, sess.ExitReason,
		sess.Title, sess.Archived, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_type, cwd, agent_session_id, status, exit_reason, title, archived, created_at, updated_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.AgentType, &sess.Cwd, &sess.AgentSessionID, &sess.Status, &sess.ExitReason,
		&sess.Title, &sess.Archived, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sess, err
}

func (s *PostgresStore) ListSessions(ctx context.Context, includeArchived bool) ([]Session, error) {
	query := `SELECT id, agent_type, cwd, agent_session_id, status, exit_reason, title, archived, created_at, updated_at
	          FROM sessions`
	if !includeArchived {
		query += " WHERE NOT archived"
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

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3",
		status, time.Now(), id,
	)
	return err
}

func (s *PostgresStore) SetExited(ctx context.Context, id, status, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = $1, exit_reason = $2, updated_at = $3 WHERE id = $4",
		status, reason, time.Now(), id,
	)
	return err
}

func (s *PostgresStore) SetAgentSessionID(ctx context.Context, id, agentSessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET agent_session_id = $1, updated_at = $2 WHERE id = $3 AND agent_session_id = ''",
		agentSessionID, time.Now(), id,
	)
	return err
}

func (s *PostgresStore) SetSessionTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET title = $1, updated_at = $2 WHERE id = $3",
		title, time.Now(), id,
	)
	return err
}

func (s *PostgresStore) ArchiveSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET archived = TRUE, updated_at = $1 WHERE id = $2",
		time.Now(), id,
	)
	return err
}

// --- Events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *Event) (int64, error) {
	// Under read committed two writers can read the same MAX; the primary key
	// rejects the loser and we retry.
	for attempt := 0; ; attempt++ {
		var seq int64
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO events (session_id, seq, type, payload, created_at)
			 VALUES ($1, (SELECT COALESCE(MAX(seq),0)+1 FROM events WHERE session_id = $2), $3, $4, $5)
			 RETURNING seq`,
			ev.SessionID, ev.SessionID, ev.Type, string(ev.Payload), ev.CreatedAt,
		).Scan(&seq)
		if err == nil {
			return seq, nil
		}
		if attempt < 5 && strings.Contains(err.Error(), "duplicate key") {
			continue
		}
		return 0, err
	}
}

func (s *PostgresStore) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq),0) FROM events WHERE session_id = $1", sessionID,
	).Scan(&seq)
	return seq, err
}

func (s *PostgresStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error) {
	query := `SELECT session_id, seq, type, payload, created_at
	          FROM events WHERE session_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += " LIMIT $3"
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

func (s *PostgresStore) AddPendingRequest(ctx context.Context, req *PendingRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_requests (session_id, request_key, request_id, tool_call, options, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		req.SessionID, req.RequestKey, string(req.RequestID), string(req.ToolCall), string(req.Options), req.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListPendingRequests(ctx context.Context, sessionID string) ([]PendingRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, request_key, request_id, tool_call, options, created_at
		 FROM pending_requests WHERE session_id = $1 ORDER BY created_at`,
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

func (s *PostgresStore) DeletePendingRequest(ctx context.Context, sessionID, requestKey string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_requests WHERE session_id = $1 AND request_key = $2",
		sessionID, requestKey,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) ClearPendingRequests(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_requests WHERE session_id = $1", sessionID,
	)
	return err
}
