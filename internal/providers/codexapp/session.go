package codexapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/praybot/internal/agent"
)

const streamBuffer = 64

type session struct {
	tracker   *agent.Tracker
	conn      *conn
	stop      func() error
	callbacks Callbacks

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu        sync.Mutex
	threadID  string
	announced bool
	turn      *turnState
}

// turnState buffers one in-flight turn. Notifications mutate it from the
// read loop; finalize runs at most once.
type turnState struct {
	ctx       context.Context
	stream    *agent.Stream
	index     int
	turnID    string
	deltaIDs  []string
	deltas    map[string]*strings.Builder
	completed []string
	finalized bool
}

// openSession walks initialize and thread start/resume over the given
// stdio pair. stop tears the transport down at Close.
func openSession(ctx context.Context, w io.Writer, r io.Reader, stop func() error, callbacks Callbacks, opts agent.CreateOptions) (*session, error) {
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s := &session{
		tracker:    agent.NewTracker(),
		stop:       stop,
		callbacks:  callbacks,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
	s.conn = newConn(w, s.handleServerRequest, s.handleNotification, s.handleDisconnect)
	go s.conn.readLoop(r)

	if _, err := s.conn.Call(ctx, "initialize", initializeParams{
		ClientInfo: clientInfo{Name: "praybot", Version: "1"},
	}); err != nil {
		lifeCancel()
		return nil, err
	}

	var (
		raw json.RawMessage
		err error
	)
	if opts.Resume != "" {
		raw, err = s.conn.Call(ctx, "thread/resume", threadResumeParams{ThreadID: opts.Resume})
	} else {
		raw, err = s.conn.Call(ctx, "thread/start", threadStartParams{Cwd: opts.WorkDir, Model: opts.Model})
	}
	if err != nil {
		lifeCancel()
		return nil, err
	}
	res, err := parseAs[threadResult](raw)
	if err != nil {
		lifeCancel()
		return nil, err
	}
	if res.Thread.ID == "" {
		lifeCancel()
		return nil, fmt.Errorf("app-server returned no thread id")
	}
	s.mu.Lock()
	s.threadID = res.Thread.ID
	s.mu.Unlock()
	return s, nil
}

// Send implements agent.Session.
func (s *session) Send(ctx context.Context, message string) (*agent.Stream, error) {
	index, err := s.tracker.BeginTurn()
	if err != nil {
		return nil, err
	}

	stream := agent.NewStream(streamBuffer)
	turn := &turnState{
		ctx:    ctx,
		stream: stream,
		index:  index,
		deltas: make(map[string]*strings.Builder),
	}
	s.mu.Lock()
	threadID := s.threadID
	s.turn = turn
	if !s.announced {
		s.announced = true
		stream.Emit(ctx, agent.SessionEvent(threadID))
	}
	s.mu.Unlock()

	raw, err := s.conn.Call(ctx, "turn/start", turnStartParams{
		ThreadID: threadID,
		Input:    []turnInput{{Type: "text", Text: message}},
	})
	if err != nil {
		// A disconnect may have finalized the turn already; end it at
		// most once.
		s.mu.Lock()
		already := turn.finalized
		turn.finalized = true
		if s.turn == turn {
			s.turn = nil
		}
		s.mu.Unlock()
		if !already {
			s.tracker.EndTurn()
		}
		return nil, fmt.Errorf("turn/start: %w", err)
	}
	if res, perr := parseAs[turnStartResult](raw); perr == nil && res.Turn.ID != "" {
		s.mu.Lock()
		turn.turnID = res.Turn.ID
		s.mu.Unlock()
	}
	return stream, nil
}

// handleNotification routes subprocess notifications into the in-flight
// turn. Runs on the read loop goroutine.
func (s *session) handleNotification(method string, params json.RawMessage) {
	s.mu.Lock()
	turn := s.turn
	s.mu.Unlock()
	if turn == nil {
		slog.Debug("app-server notification outside a turn", "method", method)
		return
	}

	switch method {
	case "item/agentMessage/delta":
		p, err := parseAs[deltaParams](params)
		if err != nil || p.Delta == "" {
			return
		}
		s.mu.Lock()
		buf, ok := turn.deltas[p.ItemID]
		if !ok {
			buf = &strings.Builder{}
			turn.deltas[p.ItemID] = buf
			turn.deltaIDs = append(turn.deltaIDs, p.ItemID)
		}
		buf.WriteString(p.Delta)
		s.mu.Unlock()
		turn.stream.Emit(turn.ctx, agent.TextEvent(p.Delta, true))

	case "item/completed":
		p, err := parseAs[itemCompletedParams](params)
		if err != nil || p.Item.Type != "agentMessage" {
			return
		}
		if strings.TrimSpace(p.Item.Text) == "" {
			return
		}
		s.mu.Lock()
		turn.completed = append(turn.completed, p.Item.Text)
		s.mu.Unlock()

	case "turn/completed":
		p, err := parseAs[turnCompletedParams](params)
		if err != nil {
			return
		}
		s.finalizeTurn(turn, &p)

	case "error":
		p, err := parseAs[errorParams](params)
		if err != nil {
			return
		}
		if p.WillRetry {
			slog.Debug("app-server transient error, retrying", "message", p.Message)
			return
		}
		s.failTurn(turn, p.Message)
	}
}

// finalizeTurn emits the final text and turn_complete, exactly once.
func (s *session) finalizeTurn(turn *turnState, p *turnCompletedParams) {
	s.mu.Lock()
	if turn.finalized {
		s.mu.Unlock()
		return
	}
	turn.finalized = true
	if p.Turn.ID != "" {
		turn.turnID = p.Turn.ID
	}
	turnID := turn.turnID
	final := strings.Join(turn.completed, "\n\n")
	if final == "" {
		var all strings.Builder
		for _, id := range turn.deltaIDs {
			all.WriteString(turn.deltas[id].String())
		}
		final = all.String()
	}
	s.turn = nil
	s.mu.Unlock()
	// Teardown before close: consumers treat a closed stream as turn over.
	defer turn.stream.Close(nil)
	defer s.tracker.EndTurn()

	if p.Turn.Status == "failed" {
		msg := "turn failed"
		if p.Turn.Error != nil && p.Turn.Error.Message != "" {
			msg = p.Turn.Error.Message
			if p.Turn.Error.AdditionalDetails != "" {
				msg += ": " + p.Turn.Error.AdditionalDetails
			}
		}
		turn.stream.Emit(turn.ctx, agent.ErrorEvent(msg, false))
		return
	}

	if strings.TrimSpace(final) != "" {
		turn.stream.Emit(turn.ctx, agent.TextEvent(final, false))
	}
	var usage agent.Usage
	if p.Turn.Usage != nil {
		usage = agent.Usage{
			Input:  p.Turn.Usage.InputTokens,
			Output: p.Turn.Usage.OutputTokens,
			Cached: p.Turn.Usage.CachedInputTokens,
		}
		s.tracker.AddUsage(usage)
	}
	ev := agent.TurnCompleteEvent(usage, nil, turn.index)
	ev.TurnID = turnID
	turn.stream.Emit(turn.ctx, ev)
}

// failTurn terminates the in-flight turn with an unrecoverable error.
func (s *session) failTurn(turn *turnState, msg string) {
	s.mu.Lock()
	if turn.finalized {
		s.mu.Unlock()
		return
	}
	turn.finalized = true
	s.turn = nil
	s.mu.Unlock()

	turn.stream.Emit(turn.ctx, agent.ErrorEvent(msg, false))
	s.tracker.EndTurn()
	turn.stream.Close(nil)
}

// handleDisconnect fails the in-flight turn when the subprocess dies.
func (s *session) handleDisconnect(err error) {
	s.mu.Lock()
	turn := s.turn
	s.mu.Unlock()
	if turn != nil {
		s.failTurn(turn, fmt.Sprintf("app-server exited: %v", err))
	}
}

// handleServerRequest dispatches approval requests to the injected
// callbacks. Runs on its own goroutine per request.
func (s *session) handleServerRequest(method string, params json.RawMessage) (any, error) {
	switch method {
	case "item/commandExecution/requestApproval":
		req, err := parseAs[CommandApproval](params)
		if err != nil {
			return nil, err
		}
		decision := DecisionDecline
		if s.callbacks.OnCommandApproval != nil {
			decision = s.callbacks.OnCommandApproval(s.lifeCtx, req)
		}
		return map[string]string{"decision": string(decision)}, nil

	case "item/fileChange/requestApproval":
		req, err := parseAs[FileChangeApproval](params)
		if err != nil {
			return nil, err
		}
		decision := DecisionDecline
		if s.callbacks.OnFileChangeApproval != nil {
			decision = s.callbacks.OnFileChangeApproval(s.lifeCtx, req)
		}
		return map[string]string{"decision": string(decision)}, nil

	case "item/tool/requestUserInput":
		req, err := parseAs[UserInputRequest](params)
		if err != nil {
			return nil, err
		}
		var answers []Answer
		if s.callbacks.OnUserInput != nil {
			answers = s.callbacks.OnUserInput(s.lifeCtx, req)
		}
		if answers == nil {
			answers = defaultAnswers(req)
		}
		return map[string][]Answer{"answers": answers}, nil
	}
	return nil, fmt.Errorf("unsupported server request %q", method)
}

// defaultAnswers picks each question's first option label, or "".
func defaultAnswers(req UserInputRequest) []Answer {
	answers := make([]Answer, 0, len(req.Questions))
	for _, q := range req.Questions {
		value := ""
		if len(q.Options) > 0 {
			value = q.Options[0].Label
		}
		answers = append(answers, Answer{QuestionID: q.ID, Answer: value})
	}
	return answers
}

// Interrupt implements agent.Session with a best-effort interrupt notify.
func (s *session) Interrupt() {
	s.mu.Lock()
	threadID := s.threadID
	s.mu.Unlock()
	if err := s.conn.Notify("turn/interrupt", threadResumeParams{ThreadID: threadID}); err != nil {
		slog.Debug("turn/interrupt failed", "error", err)
	}
}

// Status implements agent.Session.
func (s *session) Status() agent.Status { return s.tracker.Status() }

// Close implements agent.Session: fail the in-flight turn, reject pending
// RPCs, and tear the subprocess down.
func (s *session) Close() error {
	if !s.tracker.Close() {
		return nil
	}
	s.lifeCancel()
	s.mu.Lock()
	turn := s.turn
	s.mu.Unlock()
	if turn != nil {
		s.failTurn(turn, "session closed")
	}
	s.conn.failAll(fmt.Errorf("session closed"))
	if s.stop != nil {
		return s.stop()
	}
	return nil
}
