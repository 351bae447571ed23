package registry

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/acp-client/bridge/internal/acp"
	"github.com/acp-client/bridge/internal/errs"
)

func newTestRegistry(t *testing.T, timeout time.Duration) *Registry {
	t.Helper()
	return New(timeout, slog.Default())
}

func TestNewCall_ResolveDeliversResult(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	id, done := r.NewCall("sess-1", "c1")
	if !id.IsNumber() {
		t.Fatal("outbound call ids must be numeric")
	}

	if ok := r.Resolve(id, json.RawMessage(`{"stopReason":"end_turn"}`), nil); !ok {
		t.Fatal("Resolve reported unknown id")
	}

	select {
	case res := <-done:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if string(res.Result) != `{"stopReason":"end_turn"}` {
			t.Errorf("result = %s", res.Result)
		}
	default:
		t.Fatal("result not delivered")
	}

	// Resolving twice loses.
	if r.Resolve(id, nil, nil) {
		t.Error("second Resolve succeeded")
	}
}

func TestResolve_AgentError(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	id, done := r.NewCall("sess-1", "c1")
	r.Resolve(id, nil, &acp.Error{Code: -32000, Message: "agent refused"})

	res := <-done
	if res.Err == nil {
		t.Fatal("expected error result")
	}
}

func TestResolve_IgnoresStringIDs(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	r.NewCall("sess-1", "c1")
	if r.Resolve(acp.StringID("1"), nil, nil) {
		t.Error("string id resolved a numeric call")
	}
}

func TestCall_Timeout(t *testing.T) {
	r := newTestRegistry(t, 20*time.Millisecond)

	_, done := r.NewCall("sess-1", "c1")
	select {
	case res := <-done:
		if !errs.Is(res.Err, errs.Timeout) {
			t.Fatalf("err = %v, want timeout", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestFailSession(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	_, done1 := r.NewCall("sess-1", "c1")
	_, done2 := r.NewCall("sess-1", "c1")
	idOther, doneOther := r.NewCall("sess-2", "c2")

	r.FailSession("sess-1", errs.New(errs.SessionTerminated, "agent exited"))

	for _, done := range []<-chan Result{done1, done2} {
		select {
		case res := <-done:
			if !errs.Is(res.Err, errs.SessionTerminated) {
				t.Errorf("err = %v", res.Err)
			}
		default:
			t.Fatal("call not failed")
		}
	}

	// The other session's call is untouched.
	select {
	case <-doneOther:
		t.Fatal("unrelated call settled")
	default:
	}
	if !r.Resolve(idOther, nil, nil) {
		t.Error("unrelated call no longer resolvable")
	}
}

func TestFailClient(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	_, mine := r.NewCall("sess-1", "c1")
	idOther, otherDone := r.NewCall("sess-1", "c2")
	_, internal := r.NewCall("sess-1", "")

	r.FailClient("c1", errs.New(errs.ClientGone, "connection closed"))

	select {
	case res := <-mine:
		if !errs.Is(res.Err, errs.ClientGone) {
			t.Errorf("err = %v", res.Err)
		}
	default:
		t.Fatal("owned call not failed")
	}

	select {
	case <-otherDone:
		t.Fatal("other client's call settled")
	case <-internal:
		t.Fatal("internal call settled")
	default:
	}
	if !r.Resolve(idOther, nil, nil) {
		t.Error("other client's call no longer resolvable")
	}
}

func TestAgentRequest_TakeOnce(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	r.AddAgentRequest("sess-1", acp.IntID(42), nil)

	ar, ok := r.TakeAgentRequest("sess-1", acp.IntID(42))
	if !ok {
		t.Fatal("request not found")
	}
	if ar.ID.Key() != "n:42" {
		t.Errorf("id key = %q", ar.ID.Key())
	}

	if _, ok := r.TakeAgentRequest("sess-1", acp.IntID(42)); ok {
		t.Error("second take succeeded")
	}
}

func TestAgentRequest_NumericCoercion(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	r.AddAgentRequest("sess-1", acp.IntID(7), nil)

	// A client echoing the id back as "7" still claims the request.
	ar, ok := r.TakeAgentRequest("sess-1", acp.StringID("7"))
	if !ok {
		t.Fatal("string form did not match numeric request")
	}
	if !ar.ID.IsNumber() {
		t.Error("stored id lost its numeric type")
	}
}

func TestAgentRequest_StringAndNumberDistinct(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	r.AddAgentRequest("sess-1", acp.StringID("req-1"), nil)

	if _, ok := r.TakeAgentRequest("sess-1", acp.StringID("req-2")); ok {
		t.Error("wrong id matched")
	}
	if _, ok := r.TakeAgentRequest("sess-2", acp.StringID("req-1")); ok {
		t.Error("wrong session matched")
	}
	if _, ok := r.TakeAgentRequest("sess-1", acp.StringID("req-1")); !ok {
		t.Error("exact match failed")
	}
}

func TestAgentRequest_Expiry(t *testing.T) {
	r := newTestRegistry(t, 20*time.Millisecond)

	expired := make(chan AgentRequest, 1)
	r.AddAgentRequest("sess-1", acp.IntID(1), func(ar AgentRequest) { expired <- ar })

	select {
	case ar := <-expired:
		if ar.SessionID != "sess-1" {
			t.Errorf("session = %q", ar.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expiry callback never ran")
	}

	if _, ok := r.TakeAgentRequest("sess-1", acp.IntID(1)); ok {
		t.Error("expired request still takeable")
	}
}
