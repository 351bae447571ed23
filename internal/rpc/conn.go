package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/acp-client/bridge/internal/acp"
	"github.com/acp-client/bridge/internal/errs"
	"github.com/acp-client/bridge/internal/session"
	"github.com/acp-client/bridge/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var errMethodNotFound = errors.New("method not found")

// conn is one browser WebSocket. It implements broker.Subscriber; the write
// mutex serializes responses and pushed notifications on the socket.
type conn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
}

func (c *conn) ID() string { return c.id }

func (c *conn) Notify(method string, params json.RawMessage) error {
	return c.writeJSON(&acp.Message{JSONRPC: acp.Version, Method: method, Params: params})
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{id: uuid.NewString(), ws: ws}
	c.logger = s.logger.With("conn_id", c.id)
	c.logger.Info("client connected", "remote", r.RemoteAddr)

	defer func() {
		s.broker.DropClient(c.id)
		s.reg.FailClient(c.id, errs.New(errs.ClientGone, "connection closed"))
		_ = ws.Close()
		c.logger.Info("client disconnected")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(c, data)
	}
}

func (s *Server) dispatch(c *conn, data []byte) {
	var msg acp.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = c.writeJSON(acp.NewError(acp.RequestID{}, acp.CodeParseError, "parse error"))
		return
	}

	// A reply-shaped frame (id and result, no method) answers a forwarded
	// agent request.
	if msg.IsResponse() {
		go func() {
			if err := s.core.RespondReply(context.Background(), *msg.ID, msg.Result); err != nil {
				c.logger.Debug("reply frame unmatched", "id", msg.ID.String(), "error", err)
			}
		}()
		return
	}

	if msg.Method == "" {
		id := acp.RequestID{}
		if msg.ID != nil {
			id = *msg.ID
		}
		_ = c.writeJSON(acp.NewError(id, acp.CodeInvalidRequest, "invalid request"))
		return
	}

	// One goroutine per message: a suspended prompt must not block other
	// traffic on the same socket.
	go s.handleCall(c, msg)
}

func (s *Server) handleCall(c *conn, msg acp.Message) {
	result, err := s.call(c, &msg)
	if msg.ID == nil {
		if err != nil {
			c.logger.Debug("notification failed", "method", msg.Method, "error", err)
		}
		return
	}
	if err != nil {
		_ = c.writeJSON(acp.NewError(*msg.ID, codeFor(err), err.Error()))
		return
	}
	resp, err := acp.NewResult(*msg.ID, result)
	if err != nil {
		_ = c.writeJSON(acp.NewError(*msg.ID, acp.CodeInternalError, "encode response"))
		return
	}
	if err := c.writeJSON(resp); err != nil {
		c.logger.Debug("response write failed", "method", msg.Method, "error", err)
	}
}

func (s *Server) call(c *conn, msg *acp.Message) (any, error) {
	ctx := context.Background()

	switch msg.Method {
	case acp.ClientSessionList:
		var params acp.ListSessionsParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		sessions, err := s.core.List(ctx, params)
		if err != nil {
			return nil, err
		}
		if sessions == nil {
			sessions = []store.Session{}
		}
		return listResult{Sessions: sessions}, nil

	case acp.ClientSessionNew:
		var params acp.NewSessionParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		sess, err := s.core.Create(ctx, params)
		if err != nil {
			return nil, err
		}
		s.broker.Subscribe(sess.ID, c)
		return acp.NewSessionResult{SessionID: sess.ID}, nil

	case acp.ClientSessionGet, acp.ClientSessionSync:
		var params acp.GetSessionParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		if params.SessionID == "" {
			return nil, errs.New(errs.InvalidRequest, "sessionId is required")
		}
		snap, err := s.core.Get(ctx, params.SessionID, params.Since)
		if err != nil {
			return nil, err
		}
		// Archived sessions publish nothing; reading one must not put the
		// caller back in the audience.
		if !snap.Session.Archived {
			s.broker.Subscribe(params.SessionID, c)
		}
		return snapshotResult(snap), nil

	case acp.ClientSessionPrompt:
		var params acp.PromptParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		if params.SessionID == "" {
			return nil, errs.New(errs.InvalidRequest, "sessionId is required")
		}
		s.broker.Subscribe(params.SessionID, c)
		if err := s.core.Prompt(ctx, c.id, params); err != nil {
			return nil, err
		}
		return acp.SuccessResult{Success: true}, nil

	case acp.ClientSessionRespond:
		var params acp.RespondParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		if params.SessionID == "" || params.RequestID.IsZero() {
			return nil, errs.New(errs.InvalidRequest, "sessionId and requestId are required")
		}
		if err := s.core.Respond(ctx, params); err != nil {
			return nil, err
		}
		return acp.SuccessResult{Success: true}, nil

	case acp.ClientSessionCancel:
		var params acp.SessionIDParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		if params.SessionID == "" {
			return nil, errs.New(errs.InvalidRequest, "sessionId is required")
		}
		if err := s.core.Cancel(ctx, params.SessionID); err != nil {
			return nil, err
		}
		return acp.SuccessResult{Success: true}, nil

	case acp.ClientSessionArchive:
		var params acp.SessionIDParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		if params.SessionID == "" {
			return nil, errs.New(errs.InvalidRequest, "sessionId is required")
		}
		if err := s.core.Archive(ctx, params.SessionID); err != nil {
			return nil, err
		}
		return acp.SuccessResult{Success: true}, nil

	default:
		return nil, errMethodNotFound
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errs.InvalidRequest, err, "bad params")
	}
	return nil
}

func codeFor(err error) int {
	if errors.Is(err, errMethodNotFound) {
		return acp.CodeMethodNotFound
	}
	switch errs.KindOf(err) {
	case errs.Parse:
		return acp.CodeParseError
	case errs.InvalidRequest, errs.NotFound, errs.NotReady:
		return acp.CodeInvalidParams
	default:
		return acp.CodeInternalError
	}
}

type listResult struct {
	Sessions []store.Session `json:"sessions"`
}

type getResult struct {
	Session         *store.Session       `json:"session"`
	Updates         []acp.EventEnvelope  `json:"updates"`
	PendingRequests []pendingRequestView `json:"pendingRequests"`
}

type pendingRequestView struct {
	RequestID json.RawMessage `json:"requestId"`
	ToolCall  json.RawMessage `json:"toolCall,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func snapshotResult(snap *session.Snapshot) getResult {
	updates := make([]acp.EventEnvelope, len(snap.Events))
	for i, ev := range snap.Events {
		updates[i] = acp.EventEnvelope{Seq: ev.Seq, UpdateType: ev.Type, Payload: ev.Payload}
	}
	pending := make([]pendingRequestView, len(snap.Pending))
	for i, p := range snap.Pending {
		pending[i] = pendingRequestView{
			RequestID: p.RequestID,
			ToolCall:  p.ToolCall,
			Options:   p.Options,
			CreatedAt: p.CreatedAt,
		}
	}
	return getResult{Session: snap.Session, Updates: updates, PendingRequests: pending}
}
