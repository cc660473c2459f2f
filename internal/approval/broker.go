package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/praybot/internal/agent"
	"github.com/nextlevelbuilder/praybot/internal/bus"
)

const (
	// defaultMaxPending bounds the pending map. Overflow is logged and
	// the request is still registered; nothing is evicted.
	defaultMaxPending = 1000

	// maxButtonOptions is the largest option count rendered as buttons;
	// anything bigger becomes a select menu.
	maxButtonOptions = 5

	// maxSelectOptions leaves room for the __other__ entry inside the
	// platform's 25-option cap.
	maxSelectOptions = 24

	// maxComponentRows is the platform cap on action rows per message.
	maxComponentRows = 5
)

type resolution struct {
	decision Decision
	actor    string
}

type pending struct {
	id        string
	kind      Kind
	channelID string
	sessionID string
	messageID string
	createdAt time.Time

	decisionCh chan resolution          // cmd, file
	answersCh  chan map[string][]string // input

	questions []agent.Question
	answers   map[string][]string
	responder string // latched first responder, input only
}

// Broker routes approval requests to chat and blocks the caller until a
// user interaction or admin resolve decides them.
type Broker struct {
	prompter   Prompter
	events     bus.EventPublisher // nil = no events
	prefix     string
	maxPending int

	mu      sync.Mutex
	pending map[string]*pending
}

// NewBroker creates a broker posting prompts through prompter. events
// may be nil.
func NewBroker(prompter Prompter, events bus.EventPublisher) *Broker {
	return &Broker{
		prompter:   prompter,
		events:     events,
		prefix:     DefaultCustomIDPrefix,
		maxPending: defaultMaxPending,
		pending:    make(map[string]*pending),
	}
}

// Pending returns the number of unresolved requests.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// RequestCommandApproval posts a command prompt and waits for a decision.
// Context cancellation abandons the request and reports DecisionCancel.
func (b *Broker) RequestCommandApproval(ctx context.Context, req CommandRequest) (Decision, error) {
	p := b.register(KindCommand, req.ChannelID, req.SessionID, nil)
	if err := b.post(p, commandPrompt(b.prefix, p.id, req)); err != nil {
		return DecisionDecline, err
	}
	return b.awaitDecision(ctx, p)
}

// RequestFileChangeApproval posts a file-change prompt and waits for a
// decision. acceptForSession is never offered for file changes.
func (b *Broker) RequestFileChangeApproval(ctx context.Context, req FileChangeRequest) (Decision, error) {
	p := b.register(KindFileChange, req.ChannelID, req.SessionID, nil)
	if err := b.post(p, fileChangePrompt(b.prefix, p.id, req)); err != nil {
		return DecisionDecline, err
	}
	return b.awaitDecision(ctx, p)
}

// RequestToolUserInput posts the questions and waits until every one has
// an answer. The map is keyed by question id (index when the id is
// empty); cancellation or an admin cancel/decline yields an empty map.
func (b *Broker) RequestToolUserInput(ctx context.Context, req UserInputRequest) (map[string][]string, error) {
	p := b.register(KindUserInput, req.ChannelID, req.SessionID, req.Questions)
	if err := b.post(p, userInputPrompt(b.prefix, p.id, req)); err != nil {
		return nil, err
	}
	select {
	case answers := <-p.answersCh:
		return answers, nil
	case <-ctx.Done():
		if b.take(p.id) != nil {
			b.emitResolved(p, string(DecisionCancel), "system")
			return map[string][]string{}, ctx.Err()
		}
		// Finalization raced the cancellation; keep the real answers.
		return <-p.answersCh, nil
	}
}

// HandleInteraction applies a button click or select submission. The
// returned reply is shown to the interacting user.
func (b *Broker) HandleInteraction(inter Interaction) Reply {
	parts := splitCustomID(b.prefix, inter.CustomID)
	if parts == nil {
		return Reply{Text: "Unrecognized interaction.", Ephemeral: true}
	}
	switch parts[0] {
	case "a":
		if len(parts) != 4 {
			return Reply{Text: "Unrecognized interaction.", Ephemeral: true}
		}
		kind := Kind(parts[1])
		d, ok := parseDecision(parts[3])
		if !ok {
			return Reply{Text: "Not a valid decision.", Ephemeral: true}
		}
		if kind == KindFileChange && d == DecisionAcceptForSession {
			return Reply{Text: "File changes cannot be accepted for the whole session.", Ephemeral: true}
		}
		return b.resolveApproval(parts[2], kind, d, inter.UserID)
	case "qb":
		if len(parts) != 4 {
			return Reply{Text: "Unrecognized interaction.", Ephemeral: true}
		}
		qIdx, err1 := strconv.Atoi(parts[2])
		optIdx, err2 := strconv.Atoi(parts[3])
		if err1 != nil || err2 != nil {
			return Reply{Text: "Unrecognized interaction.", Ephemeral: true}
		}
		return b.answerQuestion(parts[1], qIdx, []string{strconv.Itoa(optIdx)}, inter.UserID)
	case "q":
		if len(parts) != 4 || parts[1] != "sel" {
			return Reply{Text: "Unrecognized interaction.", Ephemeral: true}
		}
		qIdx, err := strconv.Atoi(parts[3])
		if err != nil {
			return Reply{Text: "Unrecognized interaction.", Ephemeral: true}
		}
		return b.answerQuestion(parts[2], qIdx, inter.Values, inter.UserID)
	}
	return Reply{Text: "Unrecognized interaction.", Ephemeral: true}
}

// HandleTextInput records one answer supplied through the
// /codex-input <pendingId> <question#> <answer> fallback. idx is 1-based.
func (b *Broker) HandleTextInput(pendingID string, idx int, answer, userID string) Reply {
	b.mu.Lock()
	p, ok := b.pending[pendingID]
	if !ok || p.kind != KindUserInput {
		b.mu.Unlock()
		return Reply{Text: "This request was already processed.", Ephemeral: true}
	}
	if reply, ok := latchResponder(p, userID); !ok {
		b.mu.Unlock()
		return reply
	}
	qIdx := idx - 1
	if qIdx < 0 || qIdx >= len(p.questions) {
		b.mu.Unlock()
		return Reply{Text: fmt.Sprintf("Question number must be between 1 and %d.", len(p.questions)), Ephemeral: true}
	}
	p.answers[questionKey(p.questions[qIdx], qIdx)] = []string{answer}
	return b.afterAnswerLocked(p, userID)
}

// ResolvePending is the admin path: decide a request without a component
// interaction. Errors wrap ErrNotFound, ErrInvalidRequest or
// ErrInvalidDecision.
func (b *Broker) ResolvePending(pendingID, decision, actor string) error {
	b.mu.Lock()
	p, ok := b.pending[pendingID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: pending %s", ErrNotFound, pendingID)
	}
	if decision == "" {
		b.mu.Unlock()
		return fmt.Errorf("%w: decision required", ErrInvalidRequest)
	}
	d, valid := parseDecision(decision)
	if !valid {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	switch p.kind {
	case KindUserInput:
		if d != DecisionCancel && d != DecisionDecline {
			b.mu.Unlock()
			return fmt.Errorf("%w: %q cannot resolve a user-input request", ErrInvalidDecision, decision)
		}
		delete(b.pending, pendingID)
		b.mu.Unlock()
		p.answersCh <- map[string][]string{}
	case KindFileChange:
		if d == DecisionAcceptForSession {
			b.mu.Unlock()
			return fmt.Errorf("%w: %q not valid for file changes", ErrInvalidDecision, decision)
		}
		delete(b.pending, pendingID)
		b.mu.Unlock()
		p.decisionCh <- resolution{decision: d, actor: actor}
	default:
		delete(b.pending, pendingID)
		b.mu.Unlock()
		p.decisionCh <- resolution{decision: d, actor: actor}
	}

	b.emitResolved(p, string(d), actor)
	return nil
}

func (b *Broker) register(kind Kind, channelID, sessionID string, questions []agent.Question) *pending {
	p := &pending{
		id:        newPendingID(),
		kind:      kind,
		channelID: channelID,
		sessionID: sessionID,
		createdAt: time.Now(),
	}
	switch kind {
	case KindUserInput:
		p.questions = questions
		p.answers = make(map[string][]string, len(questions))
		p.answersCh = make(chan map[string][]string, 1)
	default:
		p.decisionCh = make(chan resolution, 1)
	}

	b.mu.Lock()
	if len(b.pending) >= b.maxPending {
		slog.Warn("approval pending map over capacity", "size", len(b.pending), "max", b.maxPending)
	}
	b.pending[p.id] = p
	b.mu.Unlock()

	b.emitRequested(p)
	return p
}

func (b *Broker) post(p *pending, prompt Prompt) error {
	messageID, err := b.prompter.SendPrompt(prompt)
	if err != nil {
		b.take(p.id)
		return fmt.Errorf("post approval prompt: %w", err)
	}
	b.mu.Lock()
	p.messageID = messageID
	b.mu.Unlock()
	return nil
}

func (b *Broker) awaitDecision(ctx context.Context, p *pending) (Decision, error) {
	select {
	case res := <-p.decisionCh:
		return res.decision, nil
	case <-ctx.Done():
		if b.take(p.id) != nil {
			b.emitResolved(p, string(DecisionCancel), "system")
			return DecisionCancel, ctx.Err()
		}
		// Resolution raced the cancellation; keep the real decision.
		res := <-p.decisionCh
		return res.decision, nil
	}
}

// take removes and returns a pending entry, nil when absent.
func (b *Broker) take(id string) *pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return p
}

func (b *Broker) resolveApproval(pendingID string, kind Kind, d Decision, actor string) Reply {
	b.mu.Lock()
	p, ok := b.pending[pendingID]
	if !ok || p.kind != kind {
		b.mu.Unlock()
		return Reply{Text: "This request was already processed.", Ephemeral: true}
	}
	delete(b.pending, pendingID)
	b.mu.Unlock()

	p.decisionCh <- resolution{decision: d, actor: actor}
	b.emitResolved(p, string(d), actor)
	return Reply{Text: "Recorded: " + decisionLabel(d) + ".", Resolved: true}
}

func (b *Broker) answerQuestion(pendingID string, qIdx int, values []string, userID string) Reply {
	b.mu.Lock()
	p, ok := b.pending[pendingID]
	if !ok || p.kind != KindUserInput {
		b.mu.Unlock()
		return Reply{Text: "This request was already processed.", Ephemeral: true}
	}
	if reply, ok := latchResponder(p, userID); !ok {
		b.mu.Unlock()
		return reply
	}
	if qIdx < 0 || qIdx >= len(p.questions) {
		b.mu.Unlock()
		return Reply{Text: "This request was already processed.", Ephemeral: true}
	}

	q := p.questions[qIdx]
	labels := make([]string, 0, len(values))
	for _, v := range values {
		if v == OtherOptionValue {
			b.mu.Unlock()
			return Reply{
				Text:      fmt.Sprintf("Type your answer with `/codex-input %s %d <answer>`.", pendingID, qIdx+1),
				Ephemeral: true,
			}
		}
		optIdx, err := strconv.Atoi(v)
		if err != nil || optIdx < 0 || optIdx >= len(q.Options) {
			b.mu.Unlock()
			return Reply{Text: "Unrecognized interaction.", Ephemeral: true}
		}
		labels = append(labels, q.Options[optIdx].Label)
	}
	p.answers[questionKey(q, qIdx)] = labels
	return b.afterAnswerLocked(p, userID)
}

// afterAnswerLocked finalizes once every question has an answer. Called
// with b.mu held; releases it.
func (b *Broker) afterAnswerLocked(p *pending, actor string) Reply {
	if len(p.answers) < len(p.questions) {
		done := len(p.answers)
		b.mu.Unlock()
		return Reply{Text: fmt.Sprintf("Answer recorded (%d of %d).", done, len(p.questions)), Ephemeral: true}
	}
	delete(b.pending, p.id)
	answers := p.answers
	b.mu.Unlock()

	p.answersCh <- answers
	b.emitResolved(p, "answered", actor)
	return Reply{Text: "All answers recorded.", Resolved: true}
}

// latchResponder enforces the single-responder rule for user input.
// Returns ok=false with the rejection reply for a second responder.
func latchResponder(p *pending, userID string) (Reply, bool) {
	if p.responder == "" {
		p.responder = userID
		return Reply{}, true
	}
	if p.responder != userID {
		return Reply{Text: "Another user is already answering this request.", Ephemeral: true}, false
	}
	return Reply{}, true
}

func questionKey(q agent.Question, idx int) string {
	if q.ID != "" {
		return q.ID
	}
	return strconv.Itoa(idx)
}

func (b *Broker) emitRequested(p *pending) {
	if b.events == nil {
		return
	}
	b.events.Broadcast(bus.Event{
		Name:    bus.EventApprovalRequested,
		Payload: bus.ApprovalPayload{PendingID: p.id, Kind: string(p.kind)},
	})
}

func (b *Broker) emitResolved(p *pending, decision, actor string) {
	if b.events == nil {
		return
	}
	b.events.Broadcast(bus.Event{
		Name:    bus.EventApprovalResolved,
		Payload: bus.ApprovalPayload{PendingID: p.id, Kind: string(p.kind), Decision: decision, Actor: actor},
	})
}

func newPendingID() string {
	buf := make([]byte, 6)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Prompt builders.

func commandPrompt(prefix, pendingID string, req CommandRequest) Prompt {
	var sb strings.Builder
	sb.WriteString("**Command approval requested**\n")
	fmt.Fprintf(&sb, "```\n%s\n```", trimTo(req.Command, 1000))
	if req.Cwd != "" {
		fmt.Fprintf(&sb, "\nin `%s`", req.Cwd)
	}
	if req.Reason != "" {
		fmt.Fprintf(&sb, "\n> %s", trimTo(req.Reason, 300))
	}
	return Prompt{
		ChannelID: req.ChannelID,
		Text:      sb.String(),
		Rows: []ActionRow{{Buttons: []Button{
			{CustomID: actionCustomID(prefix, KindCommand, pendingID, DecisionAccept), Label: "Accept", Style: StyleSuccess},
			{CustomID: actionCustomID(prefix, KindCommand, pendingID, DecisionAcceptForSession), Label: "Accept for session", Style: StylePrimary},
			{CustomID: actionCustomID(prefix, KindCommand, pendingID, DecisionDecline), Label: "Decline", Style: StyleDanger},
			{CustomID: actionCustomID(prefix, KindCommand, pendingID, DecisionCancel), Label: "Cancel", Style: StyleSecondary},
		}}},
	}
}

func fileChangePrompt(prefix, pendingID string, req FileChangeRequest) Prompt {
	var sb strings.Builder
	sb.WriteString("**File change approval requested**\n")
	for i, ch := range req.Changes {
		if i == 10 {
			fmt.Fprintf(&sb, "… and %d more\n", len(req.Changes)-i)
			break
		}
		fmt.Fprintf(&sb, "- %s `%s`\n", ch.Kind, ch.Path)
	}
	if req.Reason != "" {
		fmt.Fprintf(&sb, "> %s", trimTo(req.Reason, 300))
	}
	return Prompt{
		ChannelID: req.ChannelID,
		Text:      sb.String(),
		Rows: []ActionRow{{Buttons: []Button{
			{CustomID: actionCustomID(prefix, KindFileChange, pendingID, DecisionAccept), Label: "Accept", Style: StyleSuccess},
			{CustomID: actionCustomID(prefix, KindFileChange, pendingID, DecisionDecline), Label: "Decline", Style: StyleDanger},
			{CustomID: actionCustomID(prefix, KindFileChange, pendingID, DecisionCancel), Label: "Cancel", Style: StyleSecondary},
		}}},
	}
}

func userInputPrompt(prefix, pendingID string, req UserInputRequest) Prompt {
	var sb strings.Builder
	sb.WriteString("**The agent needs your input**\n")
	rows := make([]ActionRow, 0, len(req.Questions))
	for qIdx, q := range req.Questions {
		if q.Header != "" {
			fmt.Fprintf(&sb, "**%s** ", q.Header)
		}
		fmt.Fprintf(&sb, "%d. %s\n", qIdx+1, q.Question)
		if len(rows) >= maxComponentRows {
			continue
		}
		if row, ok := questionRow(prefix, pendingID, qIdx, q); ok {
			rows = append(rows, row)
		}
	}
	fmt.Fprintf(&sb, "\nFree-form answers: `/codex-input %s <question#> <answer>`", pendingID)
	return Prompt{ChannelID: req.ChannelID, Text: sb.String(), Rows: rows}
}

// questionRow renders one question's options: buttons up to five
// single-select options, otherwise a select menu capped at 24 entries
// plus the __other__ fallback.
func questionRow(prefix, pendingID string, qIdx int, q agent.Question) (ActionRow, bool) {
	if len(q.Options) == 0 {
		return ActionRow{}, false
	}
	if !q.MultiSelect && len(q.Options) <= maxButtonOptions {
		buttons := make([]Button, 0, len(q.Options))
		for optIdx, opt := range q.Options {
			buttons = append(buttons, Button{
				CustomID: questionButtonID(prefix, pendingID, qIdx, optIdx),
				Label:    trimTo(opt.Label, 80),
				Style:    StyleSecondary,
			})
		}
		return ActionRow{Buttons: buttons}, true
	}

	options := make([]SelectOption, 0, maxSelectOptions+1)
	for optIdx, opt := range q.Options {
		if optIdx == maxSelectOptions {
			break
		}
		options = append(options, SelectOption{
			Label:       trimTo(opt.Label, 100),
			Value:       strconv.Itoa(optIdx),
			Description: trimTo(opt.Description, 100),
		})
	}
	options = append(options, SelectOption{Label: "Other…", Value: OtherOptionValue})
	maxValues := 1
	if q.MultiSelect {
		maxValues = len(options)
	}
	return ActionRow{Select: &SelectMenu{
		CustomID:    questionSelectID(prefix, pendingID, qIdx),
		Placeholder: trimTo(q.Question, 100),
		Options:     options,
		MaxValues:   maxValues,
	}}, true
}

func trimTo(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
