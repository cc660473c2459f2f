package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/praybot/internal/agent"
	"github.com/nextlevelbuilder/praybot/internal/approval"
	"github.com/nextlevelbuilder/praybot/internal/channels/discord"
	"github.com/nextlevelbuilder/praybot/internal/store"
	"github.com/nextlevelbuilder/praybot/internal/throttle"
)

// flushChars forces a partial-text flush before the Discord cap so long
// answers stream in readable installments.
const flushChars = 1500

// Dispatcher bridges routed Discord threads to live agent sessions. A
// message typed into a thread becomes a Send on the bound session; the
// turn's event stream renders back into the thread through the throttle
// queue. Cron and MCP reach sessions through SendPrompt.
type Dispatcher struct {
	manager *agent.Manager
	routes  store.RouteStore
	queue   *throttle.Queue
	broker  *approval.Broker
	log     *slog.Logger

	// keys remembers the manager key a thread's live session runs under.
	// A chat-initiated session keeps its interim key for its lifetime
	// even after the route is claimed with the real session id.
	mu   sync.Mutex
	keys map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ discord.ThreadInbox = (*Dispatcher)(nil)

// NewDispatcher wires the thread-to-session bridge. broker may be nil;
// question events are then rendered as plain text instead of prompts.
func NewDispatcher(manager *agent.Manager, routes store.RouteStore, queue *throttle.Queue, broker *approval.Broker, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		manager: manager,
		routes:  routes,
		queue:   queue,
		broker:  broker,
		log:     log,
		keys:    make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close cancels in-flight turns and waits for their pumps to drain.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// OnThreadMessage handles a human message typed into a channel. Messages
// in unrouted channels are ignored; routed ones start a turn in the
// background so the Discord event handler never blocks.
func (d *Dispatcher) OnThreadMessage(threadID, userID, content string) {
	route, err := d.routes.ByThread(threadID)
	if err != nil {
		d.log.Error("route lookup failed", "thread", threadID, "error", err)
		return
	}
	if route == nil {
		return
	}
	if route.OwnerUserID != "" && userID != "" && route.OwnerUserID != userID {
		d.reply(threadID, "🔒 This session belongs to another user.")
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.runTurn(d.ctx, *route, content); err != nil {
			d.log.Warn("thread turn failed", "thread", threadID, "error", err)
		}
	}()
}

// SendPrompt dispatches text into the session bound to (provider,
// sessionID), streaming output into its thread. Used by the cron
// agent_prompt action and the MCP send_prompt tool.
func (d *Dispatcher) SendPrompt(ctx context.Context, provider, sessionID, text string) error {
	route, err := d.routes.BySession(provider, sessionID)
	if err != nil {
		return fmt.Errorf("route lookup: %w", err)
	}
	if route == nil {
		return fmt.Errorf("no thread route for %s session %s", provider, sessionID)
	}
	return d.runTurn(ctx, *route, text)
}

func (d *Dispatcher) runTurn(ctx context.Context, route store.ThreadRoute, content string) error {
	sess, err := d.ensureSession(ctx, &route)
	if err != nil {
		d.reply(route.ThreadID, "❌ "+err.Error())
		return err
	}

	stream, err := sess.Send(ctx, content)
	if errors.Is(err, agent.ErrSessionClosed) {
		// The backend exited since the last turn. Recreate once and retry.
		d.forget(route.ThreadID)
		if sess, err = d.ensureSession(ctx, &route); err == nil {
			stream, err = sess.Send(ctx, content)
		}
	}
	if err != nil {
		if errors.Is(err, agent.ErrSessionBusy) {
			d.reply(route.ThreadID, "⌛ Still working on the previous message.")
			return nil
		}
		d.reply(route.ThreadID, "❌ "+err.Error())
		return err
	}

	return d.pump(ctx, route, sess, stream)
}

// ensureSession returns the thread's live session, resuming or creating
// one through the manager when none is running.
func (d *Dispatcher) ensureSession(ctx context.Context, route *store.ThreadRoute) (agent.Session, error) {
	d.mu.Lock()
	key, tracked := d.keys[route.ThreadID]
	d.mu.Unlock()
	if tracked {
		if sess, ok := d.manager.Session(key); ok {
			return sess, nil
		}
	}

	key = route.MappingKey
	if key == "" {
		if route.ProviderSessionID != "" {
			key = store.SessionMappingKey(route.Provider, route.ProviderSessionID)
		} else {
			key = store.ThreadMappingKey(route.ThreadID)
		}
	}
	if sess, ok := d.manager.Session(key); ok {
		d.remember(route.ThreadID, key)
		return sess, nil
	}

	sess, err := d.manager.CreateSession(ctx, key, route.Provider, agent.CreateOptions{
		Resume:  route.ProviderSessionID,
		WorkDir: route.Cwd,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s session: %w", route.Provider, err)
	}
	d.remember(route.ThreadID, key)
	d.log.Info("session attached", "thread", route.ThreadID, "provider", route.Provider, "key", key)
	return sess, nil
}

func (d *Dispatcher) remember(threadID, key string) {
	d.mu.Lock()
	d.keys[threadID] = key
	d.mu.Unlock()
}

func (d *Dispatcher) forget(threadID string) {
	d.mu.Lock()
	delete(d.keys, threadID)
	d.mu.Unlock()
}

// pump renders one turn's events into the thread. Questions are collected
// and asked through the approval broker once the turn has ended, and the
// answers start a follow-up turn.
func (d *Dispatcher) pump(ctx context.Context, route store.ThreadRoute, sess agent.Session, stream *agent.Stream) error {
	var acc textAccumulator
	var questions []agent.Question
	claimed := route.ProviderSessionID != ""

	flush := func() {
		if text := acc.pending(); strings.TrimSpace(text) != "" {
			d.reply(route.ThreadID, text)
		}
		acc.markFlushed()
	}

	for ev := range stream.Events() {
		switch ev.Type {
		case agent.EventText:
			acc.add(ev.Text, ev.Partial)
			if len(acc.pending()) >= flushChars {
				flush()
			}
		case agent.EventSession:
			if !claimed && ev.SessionID != "" {
				if err := d.routes.Claim(route.ThreadID, ev.SessionID); err != nil {
					d.log.Warn("route claim failed", "thread", route.ThreadID, "error", err)
				} else {
					claimed = true
					route.ProviderSessionID = ev.SessionID
					d.log.Info("route claimed", "thread", route.ThreadID, "session", ev.SessionID)
				}
			}
		case agent.EventToolCall:
			flush()
			d.reply(route.ThreadID, formatToolCall(ev))
		case agent.EventFileChange:
			flush()
			d.reply(route.ThreadID, formatFileChange(ev))
		case agent.EventCommand:
			if line := formatCommand(ev); line != "" {
				flush()
				d.reply(route.ThreadID, line)
			}
		case agent.EventUX:
			if ev.Severity == "warn" || ev.Severity == "error" {
				flush()
				d.reply(route.ThreadID, "⚠️ "+ev.Label)
			}
		case agent.EventQuestion:
			questions = append(questions, ev.Questions...)
		case agent.EventTurnComplete:
			flush()
			d.reply(route.ThreadID, formatTurnComplete(ev))
		case agent.EventError:
			flush()
			d.reply(route.ThreadID, "❌ "+ev.Message)
		}
	}
	flush()

	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		d.reply(route.ThreadID, "❌ "+err.Error())
		return err
	}
	if len(questions) > 0 {
		return d.askQuestions(ctx, route, sess, questions)
	}
	return nil
}

// askQuestions presents collected question events as an interactive
// prompt and feeds the answers back to the session as the next turn.
func (d *Dispatcher) askQuestions(ctx context.Context, route store.ThreadRoute, sess agent.Session, questions []agent.Question) error {
	if d.broker == nil {
		d.reply(route.ThreadID, formatQuestionsFallback(questions))
		return nil
	}
	answers, err := d.broker.RequestToolUserInput(ctx, approval.UserInputRequest{
		ChannelID: route.ThreadID,
		SessionID: route.ProviderSessionID,
		Questions: questions,
	})
	if err != nil {
		return fmt.Errorf("question prompt: %w", err)
	}
	if len(answers) == 0 {
		return nil // cancelled
	}

	reply := formatAnswers(questions, answers)
	if reply == "" {
		return nil
	}
	stream, err := sess.Send(ctx, reply)
	if err != nil {
		d.reply(route.ThreadID, "❌ "+err.Error())
		return err
	}
	return d.pump(ctx, route, sess, stream)
}

// reply queues plain text into the thread, logging failures in the
// background the way discovery does.
func (d *Dispatcher) reply(threadID, text string) {
	comp := d.queue.Send(threadID, throttle.Payload{Text: text}, throttle.SendOptions{MergeKey: threadID})
	go func() {
		if err := comp.Wait(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn("thread reply failed", "thread", threadID, "error", err)
		}
	}()
}

// textAccumulator folds a turn's text events into one logical message.
// Partial deltas append; a non-partial snapshot that extends what has
// accumulated replaces it, while a remainder-style final appends.
type textAccumulator struct {
	logical strings.Builder
	flushed int
}

func (a *textAccumulator) add(text string, partial bool) {
	if partial {
		a.logical.WriteString(text)
		return
	}
	cur := a.logical.String()
	if strings.HasPrefix(text, cur) {
		a.logical.WriteString(text[len(cur):])
		return
	}
	a.logical.WriteString(text)
}

func (a *textAccumulator) pending() string {
	return a.logical.String()[a.flushed:]
}

func (a *textAccumulator) markFlushed() {
	a.flushed = a.logical.Len()
}

func formatToolCall(ev agent.Event) string {
	line := "🔧 " + ev.ToolName
	if summary := compactJSON(ev.ToolInput, 160); summary != "" {
		line += " `" + summary + "`"
	}
	return line
}

func formatFileChange(ev agent.Event) string {
	icon := "📝"
	if ev.FileKind == agent.FileDelete {
		icon = "🗑️"
	}
	return fmt.Sprintf("%s %s %s", icon, ev.FileKind, ev.Path)
}

// formatCommand reports command starts only; completion shows up in the
// assistant text or as an error event.
func formatCommand(ev agent.Event) string {
	if ev.Status != agent.CommandRunning || ev.Command == "" {
		return ""
	}
	return "💻 `" + truncate(ev.Command, 160) + "`"
}

func formatTurnComplete(ev agent.Event) string {
	line := "✅ done"
	if ev.Usage != nil && (ev.Usage.Input > 0 || ev.Usage.Output > 0) {
		line += fmt.Sprintf(" · %d in / %d out tokens", ev.Usage.Input, ev.Usage.Output)
	}
	if ev.CostUSD != nil {
		line += fmt.Sprintf(" · $%.4f", *ev.CostUSD)
	}
	return line
}

// formatQuestionsFallback renders questions as plain text when no broker
// is wired, so the user can still answer by typing.
func formatQuestionsFallback(questions []agent.Question) string {
	var b strings.Builder
	b.WriteString("❓ The agent is asking:")
	for _, q := range questions {
		b.WriteString("\n• " + q.Question)
		for _, opt := range q.Options {
			b.WriteString("\n    - " + opt.Label)
		}
	}
	return b.String()
}

// formatAnswers turns the broker's answers map back into a user message,
// preserving question order.
func formatAnswers(questions []agent.Question, answers map[string][]string) string {
	var lines []string
	for i, q := range questions {
		id := q.ID
		if id == "" {
			id = fmt.Sprintf("%d", i)
		}
		vals, ok := answers[id]
		if !ok || len(vals) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", q.Question, strings.Join(vals, ", ")))
	}
	return strings.Join(lines, "\n")
}

func compactJSON(v any, limit int) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	s := string(raw)
	if s == "{}" || s == "null" {
		return ""
	}
	return truncate(s, limit)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}
