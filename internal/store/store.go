// Package store defines the persistence interface for the bridge and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Session status values. The session core owns the transitions; the store
// just records the current value.
const (
	StatusInitializing = "initializing"
	StatusRunning      = "running"
	StatusWaiting      = "waiting"
	StatusCompleted    = "completed"
	StatusError        = "error"
	StatusExited       = "exited"
)

// Event types appended to a session log. Agent-originated updates use their
// discriminator verbatim, so unlisted types may appear too.
const (
	EventUserMessageChunk  = "user_message_chunk"
	EventAgentMessageChunk = "agent_message_chunk"
	EventToolCall          = "tool_call"
	EventToolCallUpdate    = "tool_call_update"
	EventPlan              = "plan"
	EventStatusChanged     = "status_changed"
)

// Store is the persistence interface for the bridge.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, includeArchived bool) ([]Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	// SetExited records a terminal status together with the reason the agent
	// went away, so the row keeps the exit reason across restarts.
	SetExited(ctx context.Context, id, status, reason string) error
	// SetAgentSessionID records the agent's native session handle. It is
	// write-once: a second call for the same session is a no-op.
	SetAgentSessionID(ctx context.Context, id, agentSessionID string) error
	SetSessionTitle(ctx context.Context, id, title string) error
	ArchiveSession(ctx context.Context, id string) error

	// Events
	// AppendEvent assigns the next sequence number for the session and
	// persists the event atomically. Sequence numbers per session start at 1
	// and have no gaps.
	AppendEvent(ctx context.Context, ev *Event) (int64, error)
	ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error)
	// LastSeq reports the highest sequence number appended for the session,
	// zero when the log is empty.
	LastSeq(ctx context.Context, sessionID string) (int64, error)

	// Pending agent-to-client requests (permission prompts awaiting an answer)
	AddPendingRequest(ctx context.Context, req *PendingRequest) error
	ListPendingRequests(ctx context.Context, sessionID string) ([]PendingRequest, error)
	// DeletePendingRequest removes one pending request and reports whether it
	// existed. A second delete with the same key returns false.
	DeletePendingRequest(ctx context.Context, sessionID, requestKey string) (bool, error)
	ClearPendingRequests(ctx context.Context, sessionID string) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Session is one bridge-owned conversation with an agent subprocess.
type Session struct {
	ID             string    `json:"id"`
	AgentType      string    `json:"agent_type,omitempty"`
	Cwd            string    `json:"cwd"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	Status         string    `json:"status"`
	ExitReason     string    `json:"exit_reason,omitempty"`
	Title          string    `json:"title,omitempty"`
	Archived       bool      `json:"archived"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Event is one entry in a session's ordered log.
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PendingRequest is an agent-originated request (a permission prompt) that
// has been forwarded to clients but not yet answered. RequestID holds the raw
// JSON of the agent's id so its wire type survives a restart, and RequestKey
// is its type-tagged lookup form.
type PendingRequest struct {
	SessionID  string          `json:"session_id"`
	RequestKey string          `json:"-"`
	RequestID  json.RawMessage `json:"request_id"`
	ToolCall   json.RawMessage `json:"tool_call,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Open creates a store for the configured driver.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
