// Package codex adapts the Codex SDK thread stream to the agent session
// contract.
package codex

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/praybot/internal/agent"
)

const streamBuffer = 64

// Provider creates codex-backed sessions.
type Provider struct {
	starter Starter
}

// New wires a provider around the given thread starter.
func New(starter Starter) *Provider {
	return &Provider{starter: starter}
}

// Name implements agent.Provider.
func (p *Provider) Name() string { return "codex" }

// Initialize verifies the backend is reachable. The exec-backed starter
// needs the codex binary on PATH; injected starters pass trivially.
func (p *Provider) Initialize(ctx context.Context) error {
	es, ok := p.starter.(*ExecStarter)
	if !ok {
		return nil
	}
	if _, err := exec.LookPath(es.binary()); err != nil {
		return fmt.Errorf("codex binary not found: %w", err)
	}
	return nil
}

// CreateSession implements agent.Provider.
func (p *Provider) CreateSession(ctx context.Context, opts agent.CreateOptions) (agent.Session, error) {
	return &session{
		starter: p.starter,
		opts:    opts,
		tracker: agent.NewTracker(),
	}, nil
}

type session struct {
	starter Starter
	opts    agent.CreateOptions
	tracker *agent.Tracker

	mu          sync.Mutex
	thread      Thread
	announcedID string
}

// Send implements agent.Session. The thread is started lazily on the first
// turn and resumed by id on subsequent ones.
func (s *session) Send(ctx context.Context, message string) (*agent.Stream, error) {
	turn, err := s.tracker.BeginTurn()
	if err != nil {
		return nil, err
	}
	thread, err := s.ensureThread(ctx)
	if err != nil {
		s.tracker.EndTurn()
		return nil, err
	}
	events, err := thread.RunStreamed(ctx, message)
	if err != nil {
		s.tracker.EndTurn()
		return nil, fmt.Errorf("run codex turn: %w", err)
	}

	stream := agent.NewStream(streamBuffer)
	go s.pump(ctx, turn, events, stream)
	return stream, nil
}

func (s *session) ensureThread(ctx context.Context) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.thread != nil {
		return s.thread, nil
	}
	opts := StartOptions{WorkDir: s.opts.WorkDir, Model: s.opts.Model}
	var (
		th  Thread
		err error
	)
	if s.opts.Resume != "" {
		th, err = s.starter.Resume(ctx, s.opts.Resume, opts)
	} else {
		th, err = s.starter.Start(ctx, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("open codex thread: %w", err)
	}
	s.thread = th
	return th, nil
}

func (s *session) pump(ctx context.Context, turn int, events <-chan ThreadEvent, out *agent.Stream) {
	var failure error
	// Teardown before close: consumers treat a closed stream as turn over,
	// so the tracker must already be idle by then.
	defer func() {
		s.tracker.EndTurn()
		out.Close(failure)
	}()
	for ev := range events {
		for _, mapped := range s.convert(ev, turn) {
			if !out.Emit(ctx, mapped) {
				failure = ctx.Err()
				return
			}
		}
	}
}

// convert maps one thread event to zero or more session events.
func (s *session) convert(ev ThreadEvent, turn int) []agent.Event {
	switch ev.Type {
	case EventThreadStarted:
		if ev.ThreadID == "" {
			return nil
		}
		s.mu.Lock()
		already := s.announcedID == ev.ThreadID
		s.announcedID = ev.ThreadID
		s.mu.Unlock()
		if already {
			return nil
		}
		return []agent.Event{agent.SessionEvent(ev.ThreadID)}

	case EventItemCompleted:
		return s.convertItem(ev.Item)

	case EventItemStarted, EventItemUpdated:
		if ev.Item != nil && ev.Item.Type == ItemTodoList {
			return []agent.Event{todoEvent(ev.Item)}
		}
		return nil

	case EventTurnCompleted:
		var usage agent.Usage
		if ev.Usage != nil {
			usage = agent.Usage{
				Input:  ev.Usage.InputTokens,
				Output: ev.Usage.OutputTokens,
				Cached: ev.Usage.CachedInputTokens,
			}
			s.tracker.AddUsage(usage)
		}
		return []agent.Event{agent.TurnCompleteEvent(usage, nil, turn)}

	case EventTurnFailed, EventStreamError:
		msg := "turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return []agent.Event{agent.ErrorEvent(msg, false)}
	}
	return nil
}

func (s *session) convertItem(item *ThreadItem) []agent.Event {
	if item == nil {
		return nil
	}
	s.tracker.Touch()
	switch item.Type {
	case ItemAgentMessage:
		if strings.TrimSpace(item.Text) == "" {
			return nil
		}
		return []agent.Event{agent.TextEvent(item.Text, false)}

	case ItemReasoning:
		return []agent.Event{agent.ReasoningEvent(item.Text)}

	case ItemCommand:
		status := agent.CommandFailed
		if item.ExitCode != nil && *item.ExitCode == 0 {
			status = agent.CommandCompleted
		}
		evs := []agent.Event{{
			Type:     agent.EventCommand,
			Command:  item.Command,
			Status:   status,
			ExitCode: item.ExitCode,
			Output:   item.AggregatedOutput,
		}}
		return append(evs, fileChangeEvents(item.Changes)...)

	case ItemFileChange:
		return fileChangeEvents(item.Changes)

	case ItemMCPToolCall:
		name := fmt.Sprintf("mcp__%s__%s", item.Server, item.Tool)
		evs := []agent.Event{agent.ToolCallEvent(name, nil, item.ID)}
		if item.Status == "failed" {
			evs = append(evs, agent.ErrorEvent(fmt.Sprintf("mcp tool %s failed", name), true))
		}
		return evs

	case ItemWebSearch:
		return []agent.Event{agent.ToolCallEvent("web_search", item.Query, item.ID)}

	case ItemTodoList:
		return []agent.Event{todoEvent(item)}
	}
	return nil
}

func fileChangeEvents(changes []FileChange) []agent.Event {
	evs := make([]agent.Event, 0, len(changes))
	for _, c := range changes {
		evs = append(evs, agent.Event{
			Type:     agent.EventFileChange,
			Path:     c.Path,
			FileKind: fileKind(c.Kind),
		})
	}
	return evs
}

func fileKind(kind string) agent.FileChangeKind {
	switch kind {
	case "add", "create":
		return agent.FileCreate
	case "delete":
		return agent.FileDelete
	case "rename":
		return agent.FileRename
	default:
		return agent.FileEdit
	}
}

func todoEvent(item *ThreadItem) agent.Event {
	todos := make([]agent.TodoItem, 0, len(item.Items))
	for _, e := range item.Items {
		status := "pending"
		if e.Completed {
			status = "completed"
		}
		todos = append(todos, agent.TodoItem{Content: e.Text, Status: status})
	}
	return agent.Event{Type: agent.EventTodo, Todos: todos}
}

// Interrupt implements agent.Session. The SDK stream has no interrupt
// surface, so this is a noop.
func (s *session) Interrupt() {}

// Status implements agent.Session.
func (s *session) Status() agent.Status { return s.tracker.Status() }

// Close implements agent.Session.
func (s *session) Close() error {
	if !s.tracker.Close() {
		return nil
	}
	s.mu.Lock()
	th := s.thread
	s.thread = nil
	s.mu.Unlock()
	if th != nil {
		return th.Close()
	}
	return nil
}
