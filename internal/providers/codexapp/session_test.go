package codexapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/praybot/internal/agent"
)

// pipeServer scripts the subprocess side of the JSON-RPC conversation.
type pipeServer struct {
	t   *testing.T
	enc *json.Encoder
	dec *json.Decoder
}

func (m *pipeServer) next() (rpcMessage, bool) {
	var msg rpcMessage
	if err := m.dec.Decode(&msg); err != nil {
		if !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, io.EOF) {
			m.t.Errorf("mock decode: %v", err)
		}
		return msg, false
	}
	return msg, true
}

func (m *pipeServer) expectCall(method string) rpcMessage {
	msg, ok := m.next()
	if !ok {
		m.t.Errorf("stream ended waiting for %s", method)
		return msg
	}
	if msg.Method != method {
		m.t.Errorf("got call %q, want %q", msg.Method, method)
	}
	return msg
}

func (m *pipeServer) reply(id *int64, result any) {
	raw, _ := json.Marshal(result)
	m.enc.Encode(rpcMessage{JSONRPC: rpcVersion, ID: id, Result: raw})
}

func (m *pipeServer) notify(method string, params any) {
	raw, _ := json.Marshal(params)
	m.enc.Encode(rpcMessage{JSONRPC: rpcVersion, Method: method, Params: raw})
}

func (m *pipeServer) request(id int64, method string, params any) {
	raw, _ := json.Marshal(params)
	m.enc.Encode(rpcMessage{JSONRPC: rpcVersion, ID: &id, Method: method, Params: raw})
}

// newSessionWithMock wires a session over in-memory pipes and answers the
// initialize and thread/start handshake with thread-mock.
func newSessionWithMock(t *testing.T, callbacks Callbacks) (*session, *pipeServer) {
	t.Helper()
	clientReads, serverWrites := io.Pipe()
	serverReads, clientWrites := io.Pipe()
	mock := &pipeServer{t: t, enc: json.NewEncoder(serverWrites), dec: json.NewDecoder(serverReads)}

	go func() {
		init := mock.expectCall("initialize")
		mock.reply(init.ID, map[string]any{})
		start := mock.expectCall("thread/start")
		mock.reply(start.ID, map[string]any{"thread": map[string]string{"id": "thread-mock"}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := openSession(ctx, clientWrites, clientReads, func() error {
		serverWrites.Close()
		clientWrites.Close()
		return nil
	}, callbacks, agent.CreateOptions{WorkDir: "/tmp/w"})
	if err != nil {
		t.Fatalf("openSession() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess, mock
}

// TestSession_ApprovalRoundtrip verifies a command approval server-request
// flows through the callback and the turn finishes with the completed
// text, thread id, and turn id intact.
func TestSession_ApprovalRoundtrip(t *testing.T) {
	approvals := make(chan CommandApproval, 1)
	sess, mock := newSessionWithMock(t, Callbacks{
		OnCommandApproval: func(ctx context.Context, req CommandApproval) Decision {
			approvals <- req
			return DecisionAccept
		},
	})

	go func() {
		turnStart := mock.expectCall("turn/start")
		mock.reply(turnStart.ID, map[string]any{"turn": map[string]string{"id": "turn-mock"}})

		mock.request(77, "item/commandExecution/requestApproval",
			map[string]string{"itemId": "i1", "command": "echo test"})
		reply, ok := mock.next()
		if !ok {
			return
		}
		if reply.ID == nil || *reply.ID != 77 {
			mock.t.Errorf("approval reply id = %v, want 77", reply.ID)
		}
		var decision struct {
			Decision string `json:"decision"`
		}
		json.Unmarshal(reply.Result, &decision)
		if decision.Decision != "accept" {
			mock.t.Errorf("decision = %q, want accept", decision.Decision)
		}

		mock.notify("item/completed", map[string]any{
			"item": map[string]string{"id": "m1", "type": "agentMessage", "text": "mock assistant final response"},
		})
		mock.notify("turn/completed", map[string]any{
			"turn": map[string]string{"id": "turn-mock", "status": "completed"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := sess.Send(ctx, "run echo")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	events, err := stream.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	req := <-approvals
	if req.Command != "echo test" {
		t.Errorf("approval command = %q, want echo test", req.Command)
	}

	if events[0].Type != agent.EventSession || events[0].SessionID != "thread-mock" {
		t.Errorf("events[0] = %+v, want session thread-mock", events[0])
	}
	var finalText string
	var turnID string
	for _, ev := range events {
		if ev.Type == agent.EventText && !ev.Partial {
			finalText = ev.Text
		}
		if ev.Type == agent.EventTurnComplete {
			turnID = ev.TurnID
		}
	}
	if finalText != "mock assistant final response" {
		t.Errorf("final text = %q, want mock assistant final response", finalText)
	}
	if turnID != "turn-mock" {
		t.Errorf("turnId = %q, want turn-mock", turnID)
	}
}

// TestSession_DeltaBuffering verifies deltas stream as partials and the
// final text falls back to the concatenated delta buffers when no
// item/completed arrived.
func TestSession_DeltaBuffering(t *testing.T) {
	sess, mock := newSessionWithMock(t, Callbacks{})

	go func() {
		turnStart := mock.expectCall("turn/start")
		mock.reply(turnStart.ID, map[string]any{"turn": map[string]string{"id": "t1"}})
		mock.notify("item/agentMessage/delta", map[string]string{"itemId": "m1", "delta": "Hello "})
		mock.notify("item/agentMessage/delta", map[string]string{"itemId": "m1", "delta": "world"})
		mock.notify("turn/completed", map[string]any{
			"turn": map[string]string{"id": "t1", "status": "completed"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := sess.Send(ctx, "hi")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	events, err := stream.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	var partials []string
	var finalText string
	for _, ev := range events {
		if ev.Type == agent.EventText {
			if ev.Partial {
				partials = append(partials, ev.Text)
			} else {
				finalText = ev.Text
			}
		}
	}
	if strings.Join(partials, "") != "Hello world" {
		t.Errorf("partials = %v", partials)
	}
	if finalText != "Hello world" {
		t.Errorf("final text = %q, want Hello world", finalText)
	}
}

// TestSession_CompletedMessagesJoined verifies multiple completed agent
// messages join with a blank line.
func TestSession_CompletedMessagesJoined(t *testing.T) {
	sess, mock := newSessionWithMock(t, Callbacks{})

	go func() {
		turnStart := mock.expectCall("turn/start")
		mock.reply(turnStart.ID, map[string]any{"turn": map[string]string{"id": "t1"}})
		mock.notify("item/completed", map[string]any{"item": map[string]string{"id": "a", "type": "agentMessage", "text": "first"}})
		mock.notify("item/completed", map[string]any{"item": map[string]string{"id": "b", "type": "agentMessage", "text": "second"}})
		mock.notify("item/completed", map[string]any{"item": map[string]string{"id": "c", "type": "agentMessage", "text": "   "}})
		mock.notify("turn/completed", map[string]any{"turn": map[string]string{"id": "t1", "status": "completed"}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := sess.Send(ctx, "hi")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	events, err := stream.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	var finalText string
	for _, ev := range events {
		if ev.Type == agent.EventText && !ev.Partial {
			finalText = ev.Text
		}
	}
	if finalText != "first\n\nsecond" {
		t.Errorf("final text = %q, want joined messages", finalText)
	}
}

// TestSession_FailedTurnCarriesDetails verifies a failed status surfaces
// the error message with its additional details and still ends the turn.
func TestSession_FailedTurnCarriesDetails(t *testing.T) {
	sess, mock := newSessionWithMock(t, Callbacks{})

	go func() {
		turnStart := mock.expectCall("turn/start")
		mock.reply(turnStart.ID, map[string]any{"turn": map[string]string{"id": "t1"}})
		mock.notify("turn/completed", map[string]any{
			"turn": map[string]any{
				"id": "t1", "status": "failed",
				"error": map[string]string{"message": "model overloaded", "additionalDetails": "try later"},
			},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := sess.Send(ctx, "hi")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	events, err := stream.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	last := events[len(events)-1]
	if last.Type != agent.EventError || last.Message != "model overloaded: try later" {
		t.Errorf("last event = %+v", last)
	}
	for _, ev := range events {
		if ev.Type == agent.EventTurnComplete {
			t.Errorf("turn_complete emitted for failed turn")
		}
	}
	if st := sess.Status(); st.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", st.TurnCount)
	}
}

// TestSession_DefaultDecisions verifies missing callbacks decline
// approvals and answer questions with the first option label.
func TestSession_DefaultDecisions(t *testing.T) {
	sess, mock := newSessionWithMock(t, Callbacks{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		mock.request(5, "item/fileChange/requestApproval",
			map[string]any{"itemId": "f1", "changes": []map[string]string{{"path": "a.go", "kind": "update"}}})
		reply, ok := mock.next()
		if !ok {
			return
		}
		var decision struct {
			Decision string `json:"decision"`
		}
		json.Unmarshal(reply.Result, &decision)
		if decision.Decision != "decline" {
			mock.t.Errorf("decision = %q, want decline", decision.Decision)
		}

		mock.request(6, "item/tool/requestUserInput", map[string]any{
			"itemId": "q1",
			"questions": []map[string]any{
				{"id": "qa", "question": "pick one", "options": []map[string]string{{"label": "Alpha"}, {"label": "Beta"}}},
				{"id": "qb", "question": "freeform"},
			},
		})
		reply, ok = mock.next()
		if !ok {
			return
		}
		var answers struct {
			Answers []Answer `json:"answers"`
		}
		json.Unmarshal(reply.Result, &answers)
		if len(answers.Answers) != 2 {
			mock.t.Errorf("answers = %+v, want 2", answers.Answers)
			return
		}
		if answers.Answers[0] != (Answer{QuestionID: "qa", Answer: "Alpha"}) {
			mock.t.Errorf("answers[0] = %+v", answers.Answers[0])
		}
		if answers.Answers[1] != (Answer{QuestionID: "qb", Answer: ""}) {
			mock.t.Errorf("answers[1] = %+v", answers.Answers[1])
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("mock script did not finish")
	}
	_ = sess
}

// TestConn_RejectsPendingOnStreamEnd verifies outstanding calls fail with
// the exit reason when the subprocess stream closes.
func TestConn_RejectsPendingOnStreamEnd(t *testing.T) {
	clientReads, serverWrites := io.Pipe()
	serverReads, clientWrites := io.Pipe()
	go io.Copy(io.Discard, serverReads)

	c := newConn(clientWrites, func(string, json.RawMessage) (any, error) {
		return nil, nil
	}, func(string, json.RawMessage) {}, nil)
	go c.readLoop(clientReads)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "initialize", map[string]any{})
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	serverWrites.Close()

	select {
	case err := <-errc:
		if err == nil || !strings.Contains(err.Error(), "stream ended") {
			t.Errorf("Call error = %v, want stream-ended rejection", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call never rejected")
	}

	if _, err := c.Call(context.Background(), "late", nil); err == nil {
		t.Error("Call after close succeeded, want error")
	}
}
