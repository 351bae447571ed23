// mock-agent is a stub agent for exercising the bridge without a real AI
// backend. It speaks newline-delimited JSON-RPC on stdio and reacts to the
// text of each prompt: "permission" raises a permission request, "die" exits
// without replying, "slow" never replies, anything else streams one chunk
// ("stubbed response") and finishes the turn.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/acp-client/bridge/internal/acp"
)

type agent struct {
	mu  sync.Mutex
	out *json.Encoder

	stateMu  sync.Mutex
	promptID acp.RequestID // turn suspended on a permission request
}

func main() {
	a := &agent{out: json.NewEncoder(os.Stdout)}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg acp.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintln(os.Stderr, "mock-agent: dropping undecodable line")
			continue
		}
		a.handle(msg)
	}
}

func (a *agent) write(m *acp.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.out.Encode(m)
}

func (a *agent) result(id acp.RequestID, v any) {
	m, err := acp.NewResult(id, v)
	if err == nil {
		a.write(m)
	}
}

func (a *agent) chunk(sessionID, text string) {
	update, _ := json.Marshal(map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]string{"type": "text", "text": text},
	})
	m, _ := acp.NewNotification(acp.NotifySessionUpdate, acp.SessionUpdateParams{
		SessionID: sessionID,
		Update:    update,
	})
	a.write(m)
}

func (a *agent) handle(msg acp.Message) {
	switch {
	case msg.IsResponse():
		// The bridge answered our permission request; resume the turn.
		a.stateMu.Lock()
		promptID := a.promptID
		a.stateMu.Unlock()
		if promptID.IsZero() {
			return
		}
		outcome := permissionOutcome(msg.Result)
		if outcome == "selected" {
			a.chunk("mock-session", "permission granted")
		} else {
			a.chunk("mock-session", "permission denied")
		}
		a.result(promptID, acp.PromptResult{StopReason: "end_turn"})

	case msg.IsNotification():
		if msg.Method == acp.MethodSessionCancel {
			os.Exit(0)
		}

	case msg.Method == acp.MethodInitialize:
		a.result(*msg.ID, map[string]any{
			"protocolVersion": acp.ProtocolVersion,
			"capabilities":    map[string]any{},
		})

	case msg.Method == acp.MethodSessionNew:
		a.result(*msg.ID, acp.SessionNewResult{SessionID: "mock-session"})

	case msg.Method == acp.MethodSessionPrompt:
		a.handlePrompt(msg)

	default:
		if msg.ID != nil {
			a.write(acp.NewError(*msg.ID, acp.CodeMethodNotFound, "unsupported method"))
		}
	}
}

func (a *agent) handlePrompt(msg acp.Message) {
	var params acp.SessionPromptParams
	_ = json.Unmarshal(msg.Params, &params)
	text := ""
	if len(params.Prompt) > 0 {
		text = params.Prompt[0].Text
	}

	switch {
	case text == "die":
		os.Exit(1)
	case text == "slow":
		// Never reply; the bridge's timeout or a cancel ends this turn.
	case strings.Contains(text, "permission"):
		a.stateMu.Lock()
		a.promptID = *msg.ID
		a.stateMu.Unlock()
		req, _ := acp.NewRequest(acp.IntID(99), acp.MethodRequestPermission, acp.RequestPermissionParams{
			SessionID: params.SessionID,
			ToolCall:  json.RawMessage(`{"title":"run tool","kind":"execute"}`),
			Options: []acp.PermissionOption{
				{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
				{OptionID: "deny", Name: "Deny", Kind: "reject_once"},
			},
		})
		a.write(req)
	default:
		a.chunk(params.SessionID, "stubbed response")
		a.result(*msg.ID, acp.PromptResult{StopReason: "end_turn"})
	}
}

func permissionOutcome(result json.RawMessage) string {
	var res acp.RequestPermissionResult
	if err := json.Unmarshal(result, &res); err != nil {
		return ""
	}
	return res.Outcome.Outcome
}
