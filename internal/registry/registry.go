// Package registry correlates in-flight JSON-RPC requests across the two
// sides of the bridge. Outbound calls (bridge to agent) carry bridge-assigned
// numeric ids and resolve through channels; inbound agent requests forwarded
// to clients (permission prompts) are parked until a client answers or the
// deadline fires. The two id spaces never mix.
package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/acp-client/bridge/internal/acp"
	"github.com/acp-client/bridge/internal/errs"
)

// Result is the terminal outcome of an outbound call.
type Result struct {
	Result json.RawMessage
	Err    error
}

// AgentRequest is an agent-originated request awaiting a client answer.
type AgentRequest struct {
	SessionID string
	ID        acp.RequestID
	timer     *time.Timer
}

type call struct {
	sessionID string
	ownerID   string
	done      chan Result
	timer     *time.Timer
}

// Registry tracks pending requests in both directions.
type Registry struct {
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	nextID    int64
	calls     map[int64]*call
	agentReqs map[string]*AgentRequest
}

func New(timeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		timeout:   timeout,
		logger:    logger.With("component", "registry"),
		calls:     make(map[int64]*call),
		agentReqs: make(map[string]*AgentRequest),
	}
}

// NewCall allocates an id for an outbound request to the agent and returns a
// channel that receives exactly one Result: the agent's response, a timeout,
// or a session or owner failure. ownerID names the client connection waiting
// on the result; handshake-internal calls pass "".
func (r *Registry) NewCall(sessionID, ownerID string) (acp.RequestID, <-chan Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	c := &call{
		sessionID: sessionID,
		ownerID:   ownerID,
		done:      make(chan Result, 1),
	}
	c.timer = time.AfterFunc(r.timeout, func() { r.expireCall(id) })
	r.calls[id] = c
	return acp.IntID(id), c.done
}

func (r *Registry) expireCall(id int64) {
	r.mu.Lock()
	c, ok := r.calls[id]
	if ok {
		delete(r.calls, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Warn("agent call timed out", "call_id", id, "session_id", c.sessionID)
	c.done <- Result{Err: errs.New(errs.Timeout, "agent did not respond within %s", r.timeout)}
}

// Resolve delivers an agent response to its waiting caller. It reports false
// when the id is unknown, not numeric, or already settled.
func (r *Registry) Resolve(id acp.RequestID, result json.RawMessage, rpcErr *acp.Error) bool {
	if !id.IsNumber() {
		return false
	}
	r.mu.Lock()
	c, ok := r.calls[id.Int()]
	if ok {
		delete(r.calls, id.Int())
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	c.timer.Stop()
	if rpcErr != nil {
		c.done <- Result{Err: errs.New(errs.Internal, "agent error %d: %s", rpcErr.Code, rpcErr.Message)}
	} else {
		c.done <- Result{Result: result}
	}
	return true
}

// FailSession settles every outstanding call for the session with err and
// forgets the session's parked agent requests.
func (r *Registry) FailSession(sessionID string, err error) {
	r.mu.Lock()
	var failed []*call
	for id, c := range r.calls {
		if c.sessionID == sessionID {
			delete(r.calls, id)
			failed = append(failed, c)
		}
	}
	var dropped []*AgentRequest
	for key, ar := range r.agentReqs {
		if ar.SessionID == sessionID {
			delete(r.agentReqs, key)
			dropped = append(dropped, ar)
		}
	}
	r.mu.Unlock()

	for _, c := range failed {
		c.timer.Stop()
		c.done <- Result{Err: err}
	}
	for _, ar := range dropped {
		ar.timer.Stop()
	}
}

// FailClient settles every outstanding call owned by a client connection.
// Called when the connection closes so its waiters unblock.
func (r *Registry) FailClient(ownerID string, err error) {
	if ownerID == "" {
		return
	}
	r.mu.Lock()
	var failed []*call
	for id, c := range r.calls {
		if c.ownerID == ownerID {
			delete(r.calls, id)
			failed = append(failed, c)
		}
	}
	r.mu.Unlock()

	for _, c := range failed {
		c.timer.Stop()
		c.done <- Result{Err: err}
	}
}

func agentKey(sessionID string, id acp.RequestID) string {
	return sessionID + "/" + id.Key()
}

// AddAgentRequest parks an agent-originated request. If no client answers
// before the deadline, onExpire runs once with the request already removed.
func (r *Registry) AddAgentRequest(sessionID string, id acp.RequestID, onExpire func(AgentRequest)) {
	key := agentKey(sessionID, id)
	ar := &AgentRequest{SessionID: sessionID, ID: id}
	ar.timer = time.AfterFunc(r.timeout, func() {
		r.mu.Lock()
		_, ok := r.agentReqs[key]
		if ok {
			delete(r.agentReqs, key)
		}
		r.mu.Unlock()
		if !ok {
			return
		}
		r.logger.Warn("permission request expired", "session_id", sessionID, "request_id", id.String())
		if onExpire != nil {
			onExpire(*ar)
		}
	})

	r.mu.Lock()
	if old, ok := r.agentReqs[key]; ok {
		old.timer.Stop()
	}
	r.agentReqs[key] = ar
	r.mu.Unlock()
}

// TakeAgentRequest claims a parked agent request, removing it so only one
// answer wins. A client may echo a numeric id back as its string form; when
// the exact key misses, the numeric reading of the id is tried too.
func (r *Registry) TakeAgentRequest(sessionID string, id acp.RequestID) (AgentRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ar, ok := r.agentReqs[agentKey(sessionID, id)]
	if !ok {
		if num := id.AsNumber(); num.Key() != id.Key() {
			ar, ok = r.agentReqs[agentKey(sessionID, num)]
		}
	}
	if !ok {
		return AgentRequest{}, false
	}
	delete(r.agentReqs, agentKey(sessionID, ar.ID))
	ar.timer.Stop()
	return *ar, true
}

// TakeAgentRequestByID claims a parked agent request by id alone, for reply
// frames that carry no session. With one agent per session the agent's ids
// are unambiguous enough in practice; on a tie the oldest registration wins.
func (r *Registry) TakeAgentRequestByID(id acp.RequestID) (AgentRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := []string{id.Key()}
	if num := id.AsNumber(); num.Key() != id.Key() {
		keys = append(keys, num.Key())
	}
	for key, ar := range r.agentReqs {
		for _, want := range keys {
			if ar.ID.Key() == want {
				delete(r.agentReqs, key)
				ar.timer.Stop()
				return *ar, true
			}
		}
	}
	return AgentRequest{}, false
}

// PendingCalls reports the number of unresolved outbound calls.
func (r *Registry) PendingCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
