// Package acp defines the wire types for the agent protocol (AP): a
// newline-delimited JSON-RPC 2.0 dialect spoken to agent subprocesses over
// their standard streams, and the asymmetric dialect spoken to browser
// clients over WebSocket.
package acp

import "encoding/json"

// Version is the JSON-RPC version string carried on every message.
const Version = "2.0"

// Message is a single JSON-RPC 2.0 frame. Exactly one of the request,
// notification, or response shapes applies:
//
//   - request:       Method set, ID set
//   - notification:  Method set, ID nil
//   - response:      Method empty, ID set, Result or Error set
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether m is a request expecting a response.
func (m *Message) IsRequest() bool { return m.Method != "" && m.ID != nil }

// IsNotification reports whether m is a notification.
func (m *Message) IsNotification() bool { return m.Method != "" && m.ID == nil }

// IsResponse reports whether m is a response to an earlier request.
func (m *Message) IsResponse() bool { return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil) }

// NewRequest builds a request frame. Params must be JSON-marshalable.
func NewRequest(id RequestID, method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification frame.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success response echoing the given id.
func NewResult(id RequestID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: &id, Result: raw}, nil
}

// NewError builds an error response echoing the given id.
func NewError(id RequestID, code int, message string) *Message {
	return &Message{JSONRPC: Version, ID: &id, Error: &Error{Code: code, Message: message}}
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Methods the bridge sends to the agent.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
)

// Methods the agent sends to the bridge.
const (
	NotifySessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
)

// Methods browser clients send to the bridge, and the notifications pushed
// back. session/sync is accepted as an alias of session/get.
const (
	ClientSessionList    = "session/list"
	ClientSessionNew     = "session/new"
	ClientSessionGet     = "session/get"
	ClientSessionSync    = "session/sync"
	ClientSessionPrompt  = "session/prompt"
	ClientSessionRespond = "session/respond"
	ClientSessionCancel  = "session/cancel"
	ClientSessionArchive = "session/archive"

	NotifyUpdated       = "session/updated"
	NotifyStatusChanged = "session/status_changed"
	NotifyRequest       = "session/request"
)

// --- Agent-facing params and results ---

// InitializeParams is sent once per session before session/new.
type InitializeParams struct {
	ProtocolVersion int            `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
}

// ProtocolVersion is the AP protocol version the bridge speaks.
const ProtocolVersion = 1

// SessionNewParams asks the agent to open a native session.
type SessionNewParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

// SessionNewResult carries the agent's native session id.
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one element of a prompt. The bridge only interprets
// type "text"; everything else is passed through untouched.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// SessionPromptParams forwards a user turn, keyed by the agent's session id.
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult is the agent's reply once a turn finishes.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// SessionCancelParams is the cancel notification payload.
type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

// SessionUpdateParams is the agent's streaming notification. Update is kept
// opaque; its "sessionUpdate" field discriminates the variant and becomes
// the stored event type.
type SessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// UpdateKind extracts the discriminator from an update object. Returns
// "unknown" when the field is missing or malformed.
func UpdateKind(update json.RawMessage) string {
	var disc struct {
		SessionUpdate string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(update, &disc); err != nil || disc.SessionUpdate == "" {
		return "unknown"
	}
	return disc.SessionUpdate
}

// --- Client-facing params and results ---

// ListSessionsParams filters session/list.
type ListSessionsParams struct {
	Archived bool     `json:"archived,omitempty"`
	Status   []string `json:"status,omitempty"`
}

// NewSessionParams creates a session. Cwd defaults server-side when empty.
type NewSessionParams struct {
	AgentType string `json:"agentType,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Title     string `json:"title,omitempty"`
}

// NewSessionResult carries the bridge-assigned session id.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// GetSessionParams fetches a session snapshot; Since replays only events
// with seq greater than it.
type GetSessionParams struct {
	SessionID string `json:"sessionId"`
	Since     int64  `json:"since,omitempty"`
}

// PromptParams is the client form of a user turn.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// RespondParams answers a pending agent request. Response is forwarded to
// the agent verbatim as the response result.
type RespondParams struct {
	SessionID string          `json:"sessionId"`
	RequestID RequestID       `json:"requestId"`
	Response  json.RawMessage `json:"response"`
}

// SessionIDParams is the one-field param shape shared by cancel and archive.
type SessionIDParams struct {
	SessionID string `json:"sessionId"`
}

// SuccessResult acknowledges an operation that returns no data.
type SuccessResult struct {
	Success bool `json:"success"`
}

// EventEnvelope is one replayed or pushed event.
type EventEnvelope struct {
	Seq        int64           `json:"seq"`
	UpdateType string          `json:"updateType"`
	Payload    json.RawMessage `json:"payload"`
}

// UpdatedParams is the session/updated push payload.
type UpdatedParams struct {
	SessionID string          `json:"sessionId"`
	Updates   []EventEnvelope `json:"updates"`
}

// StatusChangedParams is the session/status_changed push payload.
type StatusChangedParams struct {
	SessionID  string `json:"sessionId"`
	Status     string `json:"status"`
	ExitReason string `json:"exitReason,omitempty"`
}

// RequestNotifyParams is the session/request push payload: the agent's raw
// request params plus its id, echoed back by session/respond.
type RequestNotifyParams struct {
	SessionID string          `json:"sessionId"`
	RequestID json.RawMessage `json:"requestId"`
	Request   json.RawMessage `json:"request"`
}

// RequestPermissionParams is the agent's blocking request for a human
// decision before running a tool.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  json.RawMessage    `json:"toolCall,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOption is one choice offered to the human.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind"`
}

// RequestPermissionResult is the bridge's reply to a permission request.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is the human's decision: outcome "selected" carries the
// chosen optionId, outcome "cancelled" carries nothing.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}
