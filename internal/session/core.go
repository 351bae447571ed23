// Package session owns the lifecycle of bridge sessions: spawning the agent
// subprocess, running the protocol handshake, translating agent traffic into
// stored events and client notifications, and applying the status machine.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acp-client/bridge/internal/acp"
	"github.com/acp-client/bridge/internal/agentio"
	"github.com/acp-client/bridge/internal/broker"
	"github.com/acp-client/bridge/internal/errs"
	"github.com/acp-client/bridge/internal/registry"
	"github.com/acp-client/bridge/internal/store"
)

// SpawnFunc launches an agent subprocess. Tests substitute an in-process fake.
type SpawnFunc func(command, cwd string, env []string, logger *slog.Logger) (agentio.Agent, error)

// Options configures a Core.
type Options struct {
	Store            store.Store
	Registry         *registry.Registry
	Broker           *broker.Broker
	Logger           *slog.Logger
	AgentCommand     string
	DefaultCwd       string
	HandshakeTimeout time.Duration
	Spawn            SpawnFunc
}

// Core orchestrates sessions.
type Core struct {
	store  store.Store
	reg    *registry.Registry
	broker *broker.Broker
	logger *slog.Logger

	agentCommand     string
	defaultCwd       string
	handshakeTimeout time.Duration
	spawn            SpawnFunc

	mu   sync.Mutex
	live map[string]*liveSession

	// appendMu guards appendLocks; each session gets its own lock so that
	// append+publish is serialized per session without stalling the others.
	appendMu    sync.Mutex
	appendLocks map[string]*sync.Mutex
}

type liveSession struct {
	id    string
	agent agentio.Agent

	// ready closes when the handshake settles; readyErr is set first on
	// failure. done closes when the subprocess has exited and the session
	// is fully torn down.
	ready    chan struct{}
	readyErr error
	done     chan struct{}
}

func New(opts Options) *Core {
	spawn := opts.Spawn
	if spawn == nil {
		spawn = func(command, cwd string, env []string, logger *slog.Logger) (agentio.Agent, error) {
			return agentio.Start(command, cwd, env, logger)
		}
	}
	return &Core{
		store:            opts.Store,
		reg:              opts.Registry,
		broker:           opts.Broker,
		logger:           opts.Logger.With("component", "session"),
		agentCommand:     opts.AgentCommand,
		defaultCwd:       opts.DefaultCwd,
		handshakeTimeout: opts.HandshakeTimeout,
		spawn:            spawn,
		live:             make(map[string]*liveSession),
		appendLocks:      make(map[string]*sync.Mutex),
	}
}

func terminal(status string) bool {
	switch status {
	case store.StatusCompleted, store.StatusError, store.StatusExited:
		return true
	}
	return false
}

// Snapshot is the session/get view: the row, its event log, and any
// unanswered agent requests.
type Snapshot struct {
	Session *store.Session
	Events  []store.Event
	Pending []store.PendingRequest
}

// Create spawns an agent and registers a new session. The returned session is
// still initializing; the handshake completes in the background.
func (c *Core) Create(ctx context.Context, params acp.NewSessionParams) (*store.Session, error) {
	cwd := params.Cwd
	if cwd == "" {
		cwd = c.defaultCwd
	}

	now := time.Now()
	sess := &store.Session{
		ID:        uuid.NewString(),
		AgentType: params.AgentType,
		Cwd:       cwd,
		Status:    store.StatusInitializing,
		Title:     params.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateSession(ctx, sess); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "create session")
	}

	logger := c.logger.With("session_id", sess.ID)
	agent, err := c.spawn(c.agentCommand, cwd, nil, logger)
	if err != nil {
		_ = c.store.SetExited(ctx, sess.ID, store.StatusError, "spawn_failed")
		return nil, errs.Wrap(errs.SpawnFailed, err, "spawn agent")
	}

	ls := &liveSession{
		id:    sess.ID,
		agent: agent,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	c.mu.Lock()
	c.live[sess.ID] = ls
	c.mu.Unlock()

	go c.runSession(ls, logger)
	return sess, nil
}

// List returns session summaries, newest first.
func (c *Core) List(ctx context.Context, params acp.ListSessionsParams) ([]store.Session, error) {
	sessions, err := c.store.ListSessions(ctx, params.Archived)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "list sessions")
	}
	if len(params.Status) == 0 {
		return sessions, nil
	}
	want := make(map[string]bool, len(params.Status))
	for _, s := range params.Status {
		want[s] = true
	}
	filtered := sessions[:0]
	for _, s := range sessions {
		if want[s.Status] {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// Get returns the session with its events after since and pending requests.
func (c *Core) Get(ctx context.Context, sessionID string, since int64) (*Snapshot, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "get session")
	}
	if sess == nil {
		return nil, errs.New(errs.NotFound, "unknown session %s", sessionID)
	}
	events, err := c.store.ListEvents(ctx, sessionID, since, 0)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "list events")
	}
	pending, err := c.store.ListPendingRequests(ctx, sessionID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "list pending requests")
	}
	return &Snapshot{Session: sess, Events: events, Pending: pending}, nil
}

// Prompt records the user turn and forwards it to the agent, waiting for the
// agent's turn-final reply. It suspends until the handshake has populated the
// agent's session id, bounded by the handshake timeout.
func (c *Core) Prompt(ctx context.Context, clientID string, params acp.PromptParams) error {
	ls, err := c.liveFor(ctx, params.SessionID)
	if err != nil {
		return err
	}

	select {
	case <-ls.ready:
		if ls.readyErr != nil {
			return errs.Wrap(errs.NotReady, ls.readyErr, "session failed to start")
		}
	case <-ls.done:
		return errs.New(errs.SessionTerminated, "agent exited before becoming ready")
	case <-time.After(c.handshakeTimeout):
		return errs.New(errs.Timeout, "session not ready within %s", c.handshakeTimeout)
	case <-ctx.Done():
		return errs.Wrap(errs.ClientGone, ctx.Err(), "caller went away")
	}

	sess, err := c.store.GetSession(ctx, params.SessionID)
	if err != nil || sess == nil {
		return errs.New(errs.NotFound, "unknown session %s", params.SessionID)
	}
	if sess.Status != store.StatusRunning {
		return errs.New(errs.NotReady, "session is %s, prompts need running", sess.Status)
	}

	payload, _ := json.Marshal(map[string]any{
		"sessionUpdate": store.EventUserMessageChunk,
		"content":       params.Prompt,
	})
	c.appendAndPublish(params.SessionID, store.EventUserMessageChunk, payload)

	id, done := c.reg.NewCall(params.SessionID, clientID)
	req, err := acp.NewRequest(id, acp.MethodSessionPrompt, acp.SessionPromptParams{
		SessionID: sess.AgentSessionID,
		Prompt:    params.Prompt,
	})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "build prompt")
	}
	if err := ls.agent.Send(req); err != nil {
		c.reg.FailSession(params.SessionID, errs.Wrap(errs.IOError, err, "agent write failed"))
		return errs.Wrap(errs.IOError, err, "forward prompt")
	}

	res := <-done
	if res.Err != nil {
		return res.Err
	}
	return nil
}

// Respond answers a pending agent request, forwarding the client's response
// to the agent under the agent's original id.
func (c *Core) Respond(ctx context.Context, params acp.RespondParams) error {
	ls, err := c.liveFor(ctx, params.SessionID)
	if err != nil {
		return err
	}

	ar, ok := c.reg.TakeAgentRequest(params.SessionID, params.RequestID)
	if !ok {
		return errs.New(errs.NotFound, "no pending request %s for session %s", params.RequestID.String(), params.SessionID)
	}
	return c.forwardAnswer(ctx, ls, ar, params.Response)
}

// RespondReply handles a bare reply frame from a client (id and result, no
// method): the parked agent request is located by id alone.
func (c *Core) RespondReply(ctx context.Context, id acp.RequestID, response json.RawMessage) error {
	ar, ok := c.reg.TakeAgentRequestByID(id)
	if !ok {
		return errs.New(errs.NotFound, "no pending request %s", id.String())
	}
	ls, err := c.liveFor(ctx, ar.SessionID)
	if err != nil {
		return err
	}
	return c.forwardAnswer(ctx, ls, ar, response)
}

func (c *Core) forwardAnswer(ctx context.Context, ls *liveSession, ar registry.AgentRequest, response json.RawMessage) error {
	if _, err := c.store.DeletePendingRequest(ctx, ar.SessionID, ar.ID.Key()); err != nil {
		c.logger.Error("delete pending request", "session_id", ar.SessionID, "error", err)
	}

	if response == nil {
		response = json.RawMessage("null")
	}
	reply := &acp.Message{JSONRPC: acp.Version, ID: &ar.ID, Result: response}
	if err := ls.agent.Send(reply); err != nil {
		return errs.Wrap(errs.IOError, err, "forward response")
	}

	c.leaveWaiting(ctx, ar.SessionID)
	return nil
}

// leaveWaiting returns the session to running once no permission requests
// remain unanswered. With several outstanding, answering one keeps waiting.
func (c *Core) leaveWaiting(ctx context.Context, sessionID string) {
	pending, err := c.store.ListPendingRequests(ctx, sessionID)
	if err != nil {
		c.logger.Error("list pending requests", "session_id", sessionID, "error", err)
		return
	}
	if len(pending) == 0 {
		c.setStatus(sessionID, store.StatusRunning, "")
	}
}

// Cancel forwards a cancel to the agent, marks the session completed, and
// unblocks every caller still waiting on it.
func (c *Core) Cancel(ctx context.Context, sessionID string) error {
	ls, err := c.liveFor(ctx, sessionID)
	if err != nil {
		return err
	}

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return errs.New(errs.NotFound, "unknown session %s", sessionID)
	}
	note, err := acp.NewNotification(acp.MethodSessionCancel, acp.SessionCancelParams{SessionID: sess.AgentSessionID})
	if err == nil {
		if serr := ls.agent.Send(note); serr != nil {
			c.logger.Warn("forward cancel", "session_id", sessionID, "error", serr)
		}
	}

	c.setStatus(sessionID, store.StatusCompleted, "")
	c.reg.FailSession(sessionID, errs.New(errs.SessionTerminated, "session cancelled"))
	return nil
}

// Archive soft-deletes a session: the subprocess is killed, subscribers are
// dropped so no further pushes carry this id, and the history stays readable.
func (c *Core) Archive(ctx context.Context, sessionID string) error {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "get session")
	}
	if sess == nil {
		return errs.New(errs.NotFound, "unknown session %s", sessionID)
	}

	if err := c.store.ArchiveSession(ctx, sessionID); err != nil {
		return errs.Wrap(errs.Internal, err, "archive session")
	}

	c.broker.DropSession(sessionID)
	c.reg.FailSession(sessionID, errs.New(errs.SessionTerminated, "session archived"))

	c.mu.Lock()
	ls := c.live[sessionID]
	c.mu.Unlock()
	if ls != nil {
		ls.agent.Kill()
	}
	return nil
}

// Shutdown kills every live agent and waits for their teardown.
func (c *Core) Shutdown(ctx context.Context) {
	c.mu.Lock()
	sessions := make([]*liveSession, 0, len(c.live))
	for _, ls := range c.live {
		sessions = append(sessions, ls)
	}
	c.mu.Unlock()

	for _, ls := range sessions {
		ls.agent.Kill()
	}
	for _, ls := range sessions {
		select {
		case <-ls.done:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Core) liveFor(ctx context.Context, sessionID string) (*liveSession, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "get session")
	}
	if sess == nil || sess.Archived {
		return nil, errs.New(errs.NotFound, "unknown session %s", sessionID)
	}
	c.mu.Lock()
	ls := c.live[sessionID]
	c.mu.Unlock()
	if ls == nil {
		return nil, errs.New(errs.SessionTerminated, "session %s has no running agent", sessionID)
	}
	return ls, nil
}

// --- agent side ---

func (c *Core) runSession(ls *liveSession, logger *slog.Logger) {
	go c.readLoop(ls, logger)

	if err := c.handshake(ls); err != nil {
		logger.Error("handshake failed", "error", err)
		ls.readyErr = err
		close(ls.ready)
		c.setStatus(ls.id, store.StatusError, "handshake_failed")
		ls.agent.Kill()
	} else {
		close(ls.ready)
	}

	<-ls.agent.Exited()
	c.handleExit(ls, logger)
}

func (c *Core) handshake(ls *liveSession) error {
	if _, err := c.callAgent(ls, acp.MethodInitialize, acp.InitializeParams{
		ProtocolVersion: acp.ProtocolVersion,
		Capabilities:    map[string]any{},
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	sess, err := c.store.GetSession(context.Background(), ls.id)
	if err != nil || sess == nil {
		return fmt.Errorf("load session for handshake: %w", err)
	}
	raw, err := c.callAgent(ls, acp.MethodSessionNew, acp.SessionNewParams{
		Cwd:        sess.Cwd,
		McpServers: []any{},
	})
	if err != nil {
		return fmt.Errorf("session/new: %w", err)
	}
	var result acp.SessionNewResult
	if err := json.Unmarshal(raw, &result); err != nil || result.SessionID == "" {
		return fmt.Errorf("agent returned no session id")
	}

	if err := c.store.SetAgentSessionID(context.Background(), ls.id, result.SessionID); err != nil {
		return fmt.Errorf("record agent session id: %w", err)
	}

	c.setStatus(ls.id, store.StatusRunning, "")
	payload, _ := json.Marshal(map[string]string{"status": store.StatusRunning})
	c.appendAndPublish(ls.id, store.EventStatusChanged, payload)
	return nil
}

func (c *Core) callAgent(ls *liveSession, method string, params any) (json.RawMessage, error) {
	id, done := c.reg.NewCall(ls.id, "")
	req, err := acp.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := ls.agent.Send(req); err != nil {
		return nil, errs.Wrap(errs.IOError, err, "agent write failed")
	}
	select {
	case res := <-done:
		return res.Result, res.Err
	case <-time.After(c.handshakeTimeout):
		return nil, errs.New(errs.Timeout, "no reply to %s within %s", method, c.handshakeTimeout)
	}
}

func (c *Core) readLoop(ls *liveSession, logger *slog.Logger) {
	for frame := range ls.agent.Frames() {
		var msg acp.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			logger.Warn("undecodable agent frame", "error", err)
			continue
		}
		switch {
		case msg.IsResponse():
			if !c.reg.Resolve(*msg.ID, msg.Result, msg.Error) {
				logger.Debug("response for unknown call", "id", msg.ID.String())
			}
		case msg.IsNotification() && msg.Method == acp.NotifySessionUpdate:
			c.handleUpdate(ls, msg.Params, logger)
		case msg.IsRequest() && msg.Method == acp.MethodRequestPermission:
			c.handlePermission(ls, &msg, logger)
		case msg.IsRequest():
			logger.Warn("unsupported agent request", "method", msg.Method)
			_ = ls.agent.Send(acp.NewError(*msg.ID, acp.CodeMethodNotFound, "unsupported method"))
		default:
			logger.Debug("ignoring agent frame", "method", msg.Method)
		}
	}
}

func (c *Core) handleUpdate(ls *liveSession, raw json.RawMessage, logger *slog.Logger) {
	var params acp.SessionUpdateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		logger.Warn("bad session/update params", "error", err)
		return
	}
	kind := acp.UpdateKind(params.Update)
	c.appendAndPublish(ls.id, kind, params.Update)
}

func (c *Core) handlePermission(ls *liveSession, msg *acp.Message, logger *slog.Logger) {
	var params acp.RequestPermissionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		logger.Warn("bad permission params", "error", err)
		_ = ls.agent.Send(acp.NewError(*msg.ID, acp.CodeInvalidParams, "bad permission params"))
		return
	}

	id := *msg.ID
	options, _ := json.Marshal(params.Options)
	err := c.store.AddPendingRequest(context.Background(), &store.PendingRequest{
		SessionID:  ls.id,
		RequestKey: id.Key(),
		RequestID:  id.Raw(),
		ToolCall:   params.ToolCall,
		Options:    options,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		logger.Error("persist pending request", "error", err)
	}

	c.reg.AddAgentRequest(ls.id, id, func(ar registry.AgentRequest) {
		// Nobody answered in time; tell the agent the human walked away.
		c.expirePermission(ls, ar, logger)
	})

	c.setStatus(ls.id, store.StatusWaiting, "")
	c.broker.Publish(ls.id, acp.NotifyRequest, acp.RequestNotifyParams{
		SessionID: ls.id,
		RequestID: id.Raw(),
		Request:   msg.Params,
	})
}

func (c *Core) expirePermission(ls *liveSession, ar registry.AgentRequest, logger *slog.Logger) {
	if _, err := c.store.DeletePendingRequest(context.Background(), ls.id, ar.ID.Key()); err != nil {
		logger.Error("delete expired pending request", "error", err)
	}
	reply, err := acp.NewResult(ar.ID, acp.RequestPermissionResult{
		Outcome: acp.PermissionOutcome{Outcome: "cancelled"},
	})
	if err == nil {
		_ = ls.agent.Send(reply)
	}
	c.leaveWaiting(context.Background(), ls.id)
}

func (c *Core) handleExit(ls *liveSession, logger *slog.Logger) {
	c.mu.Lock()
	delete(c.live, ls.id)
	c.mu.Unlock()

	ctx := context.Background()
	sess, err := c.store.GetSession(ctx, ls.id)
	if err == nil && sess != nil && !terminal(sess.Status) {
		logger.Info("agent exited", "exit_err", ls.agent.ExitErr())
		c.setStatus(ls.id, store.StatusExited, "process_exit")
		payload, _ := json.Marshal(map[string]string{
			"status":     store.StatusExited,
			"exitReason": "process_exit",
		})
		c.appendAndPublish(ls.id, store.EventStatusChanged, payload)
	}

	c.reg.FailSession(ls.id, errs.New(errs.SessionTerminated, "agent process exited"))
	if err := c.store.ClearPendingRequests(ctx, ls.id); err != nil {
		logger.Error("clear pending requests", "error", err)
	}

	c.appendMu.Lock()
	delete(c.appendLocks, ls.id)
	c.appendMu.Unlock()
	close(ls.done)
}

func (c *Core) setStatus(sessionID, status, exitReason string) {
	var err error
	if exitReason != "" {
		err = c.store.SetExited(context.Background(), sessionID, status, exitReason)
	} else {
		err = c.store.UpdateSessionStatus(context.Background(), sessionID, status)
	}
	if err != nil {
		c.logger.Error("update status", "session_id", sessionID, "error", err)
	}
	c.broker.Publish(sessionID, acp.NotifyStatusChanged, acp.StatusChangedParams{
		SessionID:  sessionID,
		Status:     status,
		ExitReason: exitReason,
	})
}

// appendAndPublish holds the session's append lock across both the store
// write and the broker publish, so subscribers always see events in seq
// order even when several goroutines write to the same session at once.
func (c *Core) appendAndPublish(sessionID, eventType string, payload json.RawMessage) {
	lock := c.appendLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := c.store.AppendEvent(context.Background(), &store.Event{
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	if err != nil {
		c.logger.Error("append event", "session_id", sessionID, "type", eventType, "error", err)
		return
	}
	c.broker.Publish(sessionID, acp.NotifyUpdated, acp.UpdatedParams{
		SessionID: sessionID,
		Updates:   []acp.EventEnvelope{{Seq: seq, UpdateType: eventType, Payload: payload}},
	})
}

func (c *Core) appendLock(sessionID string) *sync.Mutex {
	c.appendMu.Lock()
	defer c.appendMu.Unlock()
	lock := c.appendLocks[sessionID]
	if lock == nil {
		lock = &sync.Mutex{}
		c.appendLocks[sessionID] = lock
	}
	return lock
}
