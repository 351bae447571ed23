package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acp-client/bridge/internal/acp"
	"github.com/acp-client/bridge/internal/agentio"
	"github.com/acp-client/bridge/internal/broker"
	"github.com/acp-client/bridge/internal/registry"
	"github.com/acp-client/bridge/internal/session"
	"github.com/acp-client/bridge/internal/store"
)

// stubAgent answers the handshake and reacts to prompt text the way the stub
// agent binary does.
type stubAgent struct {
	frames chan json.RawMessage
	exited chan struct{}
	dead   sync.Once

	mu       sync.Mutex
	promptID acp.RequestID
}

func newStubAgent() *stubAgent {
	return &stubAgent{frames: make(chan json.RawMessage, 64), exited: make(chan struct{})}
}

func (a *stubAgent) Send(v any) error {
	select {
	case <-a.exited:
		return errors.New("broken pipe")
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg acp.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	go a.handle(msg)
	return nil
}

func (a *stubAgent) Frames() <-chan json.RawMessage { return a.frames }
func (a *stubAgent) Exited() <-chan struct{}        { return a.exited }
func (a *stubAgent) ExitErr() error                 { return nil }
func (a *stubAgent) Kill() {
	a.dead.Do(func() {
		close(a.frames)
		close(a.exited)
	})
}

func (a *stubAgent) emit(m *acp.Message) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	defer func() { recover() }()
	select {
	case a.frames <- data:
	case <-a.exited:
	}
}

func (a *stubAgent) handle(msg acp.Message) {
	if msg.IsResponse() {
		a.mu.Lock()
		promptID := a.promptID
		a.mu.Unlock()
		a.chunk("permission granted")
		res, _ := acp.NewResult(promptID, acp.PromptResult{StopReason: "end_turn"})
		a.emit(res)
		return
	}
	if msg.IsNotification() {
		return
	}
	switch msg.Method {
	case acp.MethodInitialize:
		res, _ := acp.NewResult(*msg.ID, map[string]int{"protocolVersion": 1})
		a.emit(res)
	case acp.MethodSessionNew:
		res, _ := acp.NewResult(*msg.ID, acp.SessionNewResult{SessionID: "agent-native-1"})
		a.emit(res)
	case acp.MethodSessionPrompt:
		var params acp.SessionPromptParams
		_ = json.Unmarshal(msg.Params, &params)
		text := ""
		if len(params.Prompt) > 0 {
			text = params.Prompt[0].Text
		}
		switch text {
		case "permission":
			a.mu.Lock()
			a.promptID = *msg.ID
			a.mu.Unlock()
			req, _ := acp.NewRequest(acp.IntID(99), acp.MethodRequestPermission, acp.RequestPermissionParams{
				SessionID: params.SessionID,
				ToolCall:  json.RawMessage(`{"title":"run tool"}`),
				Options: []acp.PermissionOption{
					{OptionID: "allow", Kind: "allow_once"},
					{OptionID: "deny", Kind: "reject_once"},
				},
			})
			a.emit(req)
		default:
			a.chunk("stubbed response")
			res, _ := acp.NewResult(*msg.ID, acp.PromptResult{StopReason: "end_turn"})
			a.emit(res)
		}
	}
}

func (a *stubAgent) chunk(text string) {
	update, _ := json.Marshal(map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]string{"type": "text", "text": text},
	})
	m, _ := acp.NewNotification(acp.NotifySessionUpdate, acp.SessionUpdateParams{
		SessionID: "agent-native-1",
		Update:    update,
	})
	a.emit(m)
}

// testServer bundles the HTTP server with the broker behind it, so tests can
// inspect subscription state directly.
type testServer struct {
	*httptest.Server
	broker *broker.Broker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.Default()
	reg := registry.New(3*time.Second, logger)
	bk := broker.New(logger)
	core := session.New(session.Options{
		Store:            st,
		Registry:         reg,
		Broker:           bk,
		Logger:           logger,
		AgentCommand:     "stub",
		DefaultCwd:       t.TempDir(),
		HandshakeTimeout: 3 * time.Second,
		Spawn: func(command, cwd string, env []string, logger *slog.Logger) (agentio.Agent, error) {
			return newStubAgent(), nil
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		core.Shutdown(ctx)
	})

	srv := NewServer(Options{Core: core, Broker: bk, Registry: reg, Store: st, Logger: logger})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, broker: bk}
}

// wsClient drives one WebSocket, buffering pushed notifications while it
// waits for responses.
type wsClient struct {
	t     *testing.T
	conn  *websocket.Conn
	notes []acp.Message
}

func dialWS(t *testing.T, ts *testServer) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) request(id acp.RequestID, method string, params any) {
	c.t.Helper()
	msg, err := acp.NewRequest(id, method, params)
	if err != nil {
		c.t.Fatal(err)
	}
	c.send(msg)
}

func (c *wsClient) read() acp.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg acp.Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return msg
}

// awaitResponse reads frames until the response for id arrives, stashing
// notifications seen on the way.
func (c *wsClient) awaitResponse(id acp.RequestID) acp.Message {
	c.t.Helper()
	for i := 0; i < 100; i++ {
		msg := c.read()
		if msg.IsNotification() {
			c.notes = append(c.notes, msg)
			continue
		}
		if msg.ID != nil && msg.ID.Key() == id.Key() {
			return msg
		}
	}
	c.t.Fatal("response never arrived")
	return acp.Message{}
}

// awaitNotification reads frames until a notification with the given method
// arrives.
func (c *wsClient) awaitNotification(method string) acp.Message {
	c.t.Helper()
	for _, n := range c.notes {
		if n.Method == method {
			return n
		}
	}
	for i := 0; i < 100; i++ {
		msg := c.read()
		if msg.IsNotification() {
			if msg.Method == method {
				return msg
			}
			c.notes = append(c.notes, msg)
		}
	}
	c.t.Fatalf("notification %s never arrived", method)
	return acp.Message{}
}

func (c *wsClient) newSession(t *testing.T) string {
	t.Helper()
	c.request(acp.IntID(1), acp.ClientSessionNew, acp.NewSessionParams{Title: "hello"})
	resp := c.awaitResponse(acp.IntID(1))
	if resp.Error != nil {
		t.Fatalf("session/new error: %v", resp.Error)
	}
	var result acp.NewSessionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.SessionID == "" {
		t.Fatalf("bad session/new result: %s", resp.Result)
	}
	return result.SessionID
}

func TestHappyPath(t *testing.T) {
	ts := newTestServer(t)
	c := dialWS(t, ts)

	sessionID := c.newSession(t)

	c.request(acp.IntID(2), acp.ClientSessionPrompt, acp.PromptParams{
		SessionID: sessionID,
		Prompt:    []acp.ContentBlock{{Type: "text", Text: "hi"}},
	})
	resp := c.awaitResponse(acp.IntID(2))
	if resp.Error != nil {
		t.Fatalf("prompt error: %v", resp.Error)
	}
	var ack acp.SuccessResult
	if err := json.Unmarshal(resp.Result, &ack); err != nil || !ack.Success {
		t.Fatalf("prompt result = %s", resp.Result)
	}

	c.request(acp.IntID(3), acp.ClientSessionGet, acp.GetSessionParams{SessionID: sessionID})
	resp = c.awaitResponse(acp.IntID(3))
	if resp.Error != nil {
		t.Fatalf("get error: %v", resp.Error)
	}

	var snap struct {
		Session struct {
			Status string `json:"status"`
		} `json:"session"`
		Updates []acp.EventEnvelope `json:"updates"`
	}
	if err := json.Unmarshal(resp.Result, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Session.Status != store.StatusRunning {
		t.Errorf("status = %q", snap.Session.Status)
	}

	var turns []string
	for i, u := range snap.Updates {
		if u.Seq != int64(i+1) {
			t.Fatalf("update %d has seq %d", i, u.Seq)
		}
		if u.UpdateType == store.EventUserMessageChunk || u.UpdateType == store.EventAgentMessageChunk {
			turns = append(turns, u.UpdateType)
		}
	}
	if len(turns) != 2 || turns[0] != store.EventUserMessageChunk || turns[1] != store.EventAgentMessageChunk {
		t.Errorf("turn events = %v", turns)
	}
}

func TestPermissionFlow(t *testing.T) {
	ts := newTestServer(t)
	c := dialWS(t, ts)

	sessionID := c.newSession(t)

	c.request(acp.IntID(2), acp.ClientSessionPrompt, acp.PromptParams{
		SessionID: sessionID,
		Prompt:    []acp.ContentBlock{{Type: "text", Text: "permission"}},
	})

	note := c.awaitNotification(acp.NotifyRequest)
	var reqNote acp.RequestNotifyParams
	if err := json.Unmarshal(note.Params, &reqNote); err != nil {
		t.Fatal(err)
	}
	if reqNote.SessionID != sessionID {
		t.Errorf("request for session %q", reqNote.SessionID)
	}
	requestID, err := acp.ParseID(reqNote.RequestID)
	if err != nil {
		t.Fatal(err)
	}

	// The pending request also shows up in session/get.
	c.request(acp.IntID(3), acp.ClientSessionGet, acp.GetSessionParams{SessionID: sessionID})
	getResp := c.awaitResponse(acp.IntID(3))
	var snap struct {
		Session struct {
			Status string `json:"status"`
		} `json:"session"`
		PendingRequests []struct {
			RequestID json.RawMessage `json:"requestId"`
		} `json:"pendingRequests"`
	}
	if err := json.Unmarshal(getResp.Result, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Session.Status != store.StatusWaiting {
		t.Errorf("status = %q, want waiting", snap.Session.Status)
	}
	if len(snap.PendingRequests) != 1 {
		t.Fatalf("pendingRequests = %+v", snap.PendingRequests)
	}

	c.request(acp.IntID(4), acp.ClientSessionRespond, acp.RespondParams{
		SessionID: sessionID,
		RequestID: requestID,
		Response:  json.RawMessage(`{"outcome":{"outcome":"selected","optionId":"allow"}}`),
	})
	respondResp := c.awaitResponse(acp.IntID(4))
	if respondResp.Error != nil {
		t.Fatalf("respond error: %v", respondResp.Error)
	}

	promptResp := c.awaitResponse(acp.IntID(2))
	if promptResp.Error != nil {
		t.Fatalf("prompt error: %v", promptResp.Error)
	}

	// A second answer for the same request is refused.
	c.request(acp.IntID(5), acp.ClientSessionRespond, acp.RespondParams{
		SessionID: sessionID,
		RequestID: requestID,
		Response:  json.RawMessage(`{"outcome":{"outcome":"cancelled"}}`),
	})
	dup := c.awaitResponse(acp.IntID(5))
	if dup.Error == nil || dup.Error.Code != acp.CodeInvalidParams {
		t.Errorf("duplicate respond = %+v", dup)
	}
}

func TestIDCollisionAcrossClients(t *testing.T) {
	ts := newTestServer(t)
	c1 := dialWS(t, ts)
	c2 := dialWS(t, ts)

	sess1 := c1.newSession(t)
	sess2 := c2.newSession(t)

	// Both clients pick the same request id for their prompts.
	c1.request(acp.IntID(42), acp.ClientSessionPrompt, acp.PromptParams{
		SessionID: sess1,
		Prompt:    []acp.ContentBlock{{Type: "text", Text: "hi from one"}},
	})
	c2.request(acp.IntID(42), acp.ClientSessionPrompt, acp.PromptParams{
		SessionID: sess2,
		Prompt:    []acp.ContentBlock{{Type: "text", Text: "hi from two"}},
	})

	r1 := c1.awaitResponse(acp.IntID(42))
	r2 := c2.awaitResponse(acp.IntID(42))
	if r1.Error != nil || r2.Error != nil {
		t.Fatalf("errors: %v / %v", r1.Error, r2.Error)
	}

	// Each client only ever saw notifications for its own session.
	for _, n := range c1.notes {
		if strings.Contains(string(n.Params), sess2) {
			t.Errorf("client 1 saw session 2 traffic: %s", n.Params)
		}
	}
	for _, n := range c2.notes {
		if strings.Contains(string(n.Params), sess1) {
			t.Errorf("client 2 saw session 1 traffic: %s", n.Params)
		}
	}
}

func TestParseError(t *testing.T) {
	ts := newTestServer(t)
	c := dialWS(t, ts)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	msg := c.read()
	if msg.Error == nil || msg.Error.Code != acp.CodeParseError {
		t.Fatalf("got %+v, want parse error", msg)
	}
	if msg.ID != nil && !msg.ID.IsZero() {
		t.Errorf("parse error carried id %v", msg.ID)
	}
}

func TestUnknownMethod(t *testing.T) {
	ts := newTestServer(t)
	c := dialWS(t, ts)

	c.request(acp.IntID(1), "session/frobnicate", nil)
	resp := c.awaitResponse(acp.IntID(1))
	if resp.Error == nil || resp.Error.Code != acp.CodeMethodNotFound {
		t.Fatalf("got %+v, want method not found", resp)
	}
}

func TestPromptUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	c := dialWS(t, ts)

	c.request(acp.IntID(1), acp.ClientSessionPrompt, acp.PromptParams{
		SessionID: "no-such-session",
		Prompt:    []acp.ContentBlock{{Type: "text", Text: "hi"}},
	})
	resp := c.awaitResponse(acp.IntID(1))
	if resp.Error == nil || resp.Error.Code != acp.CodeInvalidParams {
		t.Fatalf("got %+v, want invalid params", resp)
	}
}

func TestArchiveRefusesFurtherPrompts(t *testing.T) {
	ts := newTestServer(t)
	c := dialWS(t, ts)

	sessionID := c.newSession(t)

	c.request(acp.IntID(2), acp.ClientSessionArchive, acp.SessionIDParams{SessionID: sessionID})
	resp := c.awaitResponse(acp.IntID(2))
	if resp.Error != nil {
		t.Fatalf("archive error: %v", resp.Error)
	}

	c.request(acp.IntID(3), acp.ClientSessionPrompt, acp.PromptParams{
		SessionID: sessionID,
		Prompt:    []acp.ContentBlock{{Type: "text", Text: "hi"}},
	})
	promptResp := c.awaitResponse(acp.IntID(3))
	if promptResp.Error == nil || promptResp.Error.Code != acp.CodeInvalidParams {
		t.Fatalf("prompt after archive = %+v", promptResp)
	}
}

func TestGetArchivedDoesNotResubscribe(t *testing.T) {
	ts := newTestServer(t)
	c := dialWS(t, ts)

	sessionID := c.newSession(t)

	c.request(acp.IntID(2), acp.ClientSessionArchive, acp.SessionIDParams{SessionID: sessionID})
	resp := c.awaitResponse(acp.IntID(2))
	if resp.Error != nil {
		t.Fatalf("archive error: %v", resp.Error)
	}

	// The history is still readable, but reading it must not put the caller
	// back in the audience of a session that publishes nothing.
	c.request(acp.IntID(3), acp.ClientSessionGet, acp.GetSessionParams{SessionID: sessionID})
	getResp := c.awaitResponse(acp.IntID(3))
	if getResp.Error != nil {
		t.Fatalf("get error: %v", getResp.Error)
	}
	var snap struct {
		Session struct {
			Archived bool `json:"archived"`
		} `json:"session"`
	}
	if err := json.Unmarshal(getResp.Result, &snap); err != nil {
		t.Fatal(err)
	}
	if !snap.Session.Archived {
		t.Fatal("session not archived")
	}

	if n := ts.broker.SubscriberCount(sessionID); n != 0 {
		t.Errorf("archived session has %d subscribers", n)
	}
}

func TestStringRequestIDsRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	c := dialWS(t, ts)

	c.request(acp.StringID("req-abc"), acp.ClientSessionList, nil)
	resp := c.awaitResponse(acp.StringID("req-abc"))
	if resp.Error != nil {
		t.Fatalf("list error: %v", resp.Error)
	}
	if resp.ID.IsNumber() || resp.ID.String() != "req-abc" {
		t.Errorf("response id = %v", resp.ID)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}
