package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/praybot/internal/agent"
	"github.com/nextlevelbuilder/praybot/internal/bus"
)

type fakePrompter struct {
	mu   sync.Mutex
	sent chan Prompt
	err  error
}

func newFakePrompter() *fakePrompter {
	return &fakePrompter{sent: make(chan Prompt, 4)}
}

func (f *fakePrompter) SendPrompt(p Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent <- p
	return "m1", nil
}

func waitPrompt(t *testing.T, f *fakePrompter) Prompt {
	t.Helper()
	select {
	case p := <-f.sent:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("prompt was not posted")
		return Prompt{}
	}
}

// pendingIDFrom extracts the pending id out of an action custom id
// (prefix:a:kind:pid:decision).
func pendingIDFrom(t *testing.T, customID string) string {
	t.Helper()
	parts := strings.Split(customID, ":")
	if len(parts) != 5 {
		t.Fatalf("unexpected custom id %q", customID)
	}
	return parts[3]
}

// TestBroker_CommandApprovalFlow verifies a button click resolves the
// blocked request with the clicked decision.
func TestBroker_CommandApprovalFlow(t *testing.T) {
	fp := newFakePrompter()
	b := NewBroker(fp, nil)

	type result struct {
		d   Decision
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		d, err := b.RequestCommandApproval(context.Background(), CommandRequest{
			ChannelID: "ch1", Command: "rm -rf build", Cwd: "/work/app",
		})
		resultCh <- result{d, err}
	}()

	prompt := waitPrompt(t, fp)
	if prompt.ChannelID != "ch1" {
		t.Errorf("prompt channel = %q, want %q", prompt.ChannelID, "ch1")
	}
	if !strings.Contains(prompt.Text, "rm -rf build") {
		t.Errorf("prompt text %q does not include the command", prompt.Text)
	}
	if len(prompt.Rows) != 1 || len(prompt.Rows[0].Buttons) != 4 {
		t.Fatalf("prompt rows = %+v, want one row of four buttons", prompt.Rows)
	}

	accept := prompt.Rows[0].Buttons[0]
	reply := b.HandleInteraction(Interaction{CustomID: accept.CustomID, UserID: "u1"})
	if !reply.Resolved {
		t.Errorf("reply = %+v, want resolved", reply)
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("RequestCommandApproval() error = %v", res.err)
		}
		if res.d != DecisionAccept {
			t.Errorf("decision = %q, want %q", res.d, DecisionAccept)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
	}

	// A second click on the same button is a no-op.
	again := b.HandleInteraction(Interaction{CustomID: accept.CustomID, UserID: "u2"})
	if !again.Ephemeral || !strings.Contains(again.Text, "already processed") {
		t.Errorf("second click reply = %+v, want ephemeral already-processed", again)
	}
}

// TestBroker_FileChangeButtons verifies file prompts omit
// acceptForSession and reject it when forged.
func TestBroker_FileChangeButtons(t *testing.T) {
	fp := newFakePrompter()
	b := NewBroker(fp, nil)

	resultCh := make(chan Decision, 1)
	go func() {
		d, _ := b.RequestFileChangeApproval(context.Background(), FileChangeRequest{
			ChannelID: "ch1",
			Changes:   []FileChange{{Path: "main.go", Kind: "edit"}},
		})
		resultCh <- d
	}()

	prompt := waitPrompt(t, fp)
	if len(prompt.Rows[0].Buttons) != 3 {
		t.Fatalf("file prompt has %d buttons, want 3", len(prompt.Rows[0].Buttons))
	}
	for _, btn := range prompt.Rows[0].Buttons {
		if strings.Contains(btn.CustomID, string(DecisionAcceptForSession)) {
			t.Errorf("file prompt offers acceptForSession: %q", btn.CustomID)
		}
	}

	pid := pendingIDFrom(t, prompt.Rows[0].Buttons[0].CustomID)
	forged := b.HandleInteraction(Interaction{
		CustomID: actionCustomID(DefaultCustomIDPrefix, KindFileChange, pid, DecisionAcceptForSession),
		UserID:   "u1",
	})
	if forged.Resolved {
		t.Errorf("forged acceptForSession resolved the request: %+v", forged)
	}

	b.HandleInteraction(Interaction{
		CustomID: actionCustomID(DefaultCustomIDPrefix, KindFileChange, pid, DecisionDecline),
		UserID:   "u1",
	})
	if d := <-resultCh; d != DecisionDecline {
		t.Errorf("decision = %q, want %q", d, DecisionDecline)
	}
}

// TestBroker_UserInputFinalizesWhenAllAnswered verifies partial answers
// report progress and the blocked request resolves only when every
// question has an entry.
func TestBroker_UserInputFinalizesWhenAllAnswered(t *testing.T) {
	fp := newFakePrompter()
	b := NewBroker(fp, nil)

	questions := []agent.Question{
		{ID: "lang", Question: "Which language?", Options: []agent.QuestionOption{{Label: "Go"}, {Label: "Rust"}}},
		{ID: "ci", Question: "Enable CI?", Options: []agent.QuestionOption{{Label: "Yes"}, {Label: "No"}}},
	}
	resultCh := make(chan map[string][]string, 1)
	go func() {
		answers, _ := b.RequestToolUserInput(context.Background(), UserInputRequest{
			ChannelID: "ch1", Questions: questions,
		})
		resultCh <- answers
	}()

	prompt := waitPrompt(t, fp)
	if len(prompt.Rows) != 2 {
		t.Fatalf("prompt rows = %d, want 2", len(prompt.Rows))
	}
	pid := strings.Split(prompt.Rows[0].Buttons[0].CustomID, ":")[2]

	first := b.HandleInteraction(Interaction{
		CustomID: questionButtonID(DefaultCustomIDPrefix, pid, 0, 0),
		UserID:   "u1",
	})
	if first.Resolved || !strings.Contains(first.Text, "1 of 2") {
		t.Errorf("first answer reply = %+v, want progress 1 of 2", first)
	}

	select {
	case answers := <-resultCh:
		t.Fatalf("request resolved early with %v", answers)
	case <-time.After(100 * time.Millisecond):
	}

	second := b.HandleInteraction(Interaction{
		CustomID: questionButtonID(DefaultCustomIDPrefix, pid, 1, 1),
		UserID:   "u1",
	})
	if !second.Resolved {
		t.Errorf("final answer reply = %+v, want resolved", second)
	}

	select {
	case answers := <-resultCh:
		if got := answers["lang"]; len(got) != 1 || got[0] != "Go" {
			t.Errorf("answers[lang] = %v, want [Go]", got)
		}
		if got := answers["ci"]; len(got) != 1 || got[0] != "No" {
			t.Errorf("answers[ci] = %v, want [No]", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
	}
}

// TestBroker_UserInputSingleResponder verifies only the first responder
// may keep answering.
func TestBroker_UserInputSingleResponder(t *testing.T) {
	fp := newFakePrompter()
	b := NewBroker(fp, nil)

	go b.RequestToolUserInput(context.Background(), UserInputRequest{
		ChannelID: "ch1",
		Questions: []agent.Question{
			{ID: "q1", Question: "One?", Options: []agent.QuestionOption{{Label: "A"}, {Label: "B"}}},
			{ID: "q2", Question: "Two?", Options: []agent.QuestionOption{{Label: "C"}, {Label: "D"}}},
		},
	})

	prompt := waitPrompt(t, fp)
	pid := strings.Split(prompt.Rows[0].Buttons[0].CustomID, ":")[2]

	b.HandleInteraction(Interaction{CustomID: questionButtonID(DefaultCustomIDPrefix, pid, 0, 0), UserID: "u1"})
	intruder := b.HandleInteraction(Interaction{CustomID: questionButtonID(DefaultCustomIDPrefix, pid, 1, 0), UserID: "u2"})
	if !intruder.Ephemeral || !strings.Contains(intruder.Text, "Another user") {
		t.Errorf("intruder reply = %+v, want single-responder rejection", intruder)
	}
}

// TestBroker_SelectOtherPrintsHint verifies the __other__ select value
// records nothing and points at the slash-command fallback.
func TestBroker_SelectOtherPrintsHint(t *testing.T) {
	fp := newFakePrompter()
	b := NewBroker(fp, nil)

	options := make([]agent.QuestionOption, 8)
	for i := range options {
		options[i] = agent.QuestionOption{Label: string(rune('A' + i))}
	}
	resultCh := make(chan map[string][]string, 1)
	go func() {
		answers, _ := b.RequestToolUserInput(context.Background(), UserInputRequest{
			ChannelID: "ch1",
			Questions: []agent.Question{{ID: "pick", Question: "Pick one", Options: options}},
		})
		resultCh <- answers
	}()

	prompt := waitPrompt(t, fp)
	if prompt.Rows[0].Select == nil {
		t.Fatalf("eight options should render a select, got %+v", prompt.Rows[0])
	}
	sel := prompt.Rows[0].Select
	last := sel.Options[len(sel.Options)-1]
	if last.Value != OtherOptionValue {
		t.Errorf("last option value = %q, want %q", last.Value, OtherOptionValue)
	}

	hint := b.HandleInteraction(Interaction{CustomID: sel.CustomID, Values: []string{OtherOptionValue}, UserID: "u1"})
	if !strings.Contains(hint.Text, "/codex-input") {
		t.Errorf("hint = %+v, want /codex-input pointer", hint)
	}

	// The question is still open; the text fallback answers it.
	final := b.HandleTextInput(strings.Split(sel.CustomID, ":")[3], 1, "something custom", "u1")
	if !final.Resolved {
		t.Errorf("text input reply = %+v, want resolved", final)
	}
	answers := <-resultCh
	if got := answers["pick"]; len(got) != 1 || got[0] != "something custom" {
		t.Errorf("answers[pick] = %v, want [something custom]", got)
	}
}

// TestBroker_ResolvePendingErrors verifies the typed admin-path errors.
func TestBroker_ResolvePendingErrors(t *testing.T) {
	fp := newFakePrompter()
	b := NewBroker(fp, nil)

	go b.RequestFileChangeApproval(context.Background(), FileChangeRequest{ChannelID: "ch1"})
	filePrompt := waitPrompt(t, fp)
	filePID := pendingIDFrom(t, filePrompt.Rows[0].Buttons[0].CustomID)

	go b.RequestToolUserInput(context.Background(), UserInputRequest{
		ChannelID: "ch1",
		Questions: []agent.Question{{ID: "q", Question: "?", Options: []agent.QuestionOption{{Label: "A"}}}},
	})
	inputPrompt := waitPrompt(t, fp)
	inputPID := strings.Split(inputPrompt.Rows[0].Buttons[0].CustomID, ":")[2]

	tests := []struct {
		name     string
		id       string
		decision string
		want     error
	}{
		{"unknown id", "nope00000000", "accept", ErrNotFound},
		{"empty decision", filePID, "", ErrInvalidRequest},
		{"bogus token", filePID, "maybe", ErrInvalidDecision},
		{"acceptForSession on file", filePID, "acceptForSession", ErrInvalidDecision},
		{"accept on input", inputPID, "accept", ErrInvalidDecision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.ResolvePending(tt.id, tt.decision, "admin")
			if !errors.Is(err, tt.want) {
				t.Errorf("ResolvePending() error = %v, want %v", err, tt.want)
			}
		})
	}

	if b.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2 after failed resolves", b.Pending())
	}
}

// TestBroker_ResolvePendingCancelsInput verifies an admin cancel on a
// user-input request yields an empty answers map.
func TestBroker_ResolvePendingCancelsInput(t *testing.T) {
	fp := newFakePrompter()
	b := NewBroker(fp, nil)

	resultCh := make(chan map[string][]string, 1)
	go func() {
		answers, _ := b.RequestToolUserInput(context.Background(), UserInputRequest{
			ChannelID: "ch1",
			Questions: []agent.Question{{ID: "q", Question: "?", Options: []agent.QuestionOption{{Label: "A"}}}},
		})
		resultCh <- answers
	}()

	prompt := waitPrompt(t, fp)
	pid := strings.Split(prompt.Rows[0].Buttons[0].CustomID, ":")[2]

	if err := b.ResolvePending(pid, "cancel", "admin"); err != nil {
		t.Fatalf("ResolvePending() error = %v", err)
	}
	select {
	case answers := <-resultCh:
		if answers == nil || len(answers) != 0 {
			t.Errorf("answers = %v, want empty map", answers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
	}
}

// TestBroker_ContextCancelAbandons verifies cancellation removes the
// pending entry and reports cancel.
func TestBroker_ContextCancelAbandons(t *testing.T) {
	fp := newFakePrompter()
	b := NewBroker(fp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan Decision, 1)
	errCh := make(chan error, 1)
	go func() {
		d, err := b.RequestCommandApproval(ctx, CommandRequest{ChannelID: "ch1", Command: "ls"})
		resultCh <- d
		errCh <- err
	}()

	waitPrompt(t, fp)
	cancel()

	if d := <-resultCh; d != DecisionCancel {
		t.Errorf("decision = %q, want %q", d, DecisionCancel)
	}
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
}

// TestBroker_PromptFailureUnblocksCaller verifies a prompter error
// returns immediately without leaking a pending entry.
func TestBroker_PromptFailureUnblocksCaller(t *testing.T) {
	fp := newFakePrompter()
	fp.err = errors.New("channel gone")
	b := NewBroker(fp, nil)

	d, err := b.RequestCommandApproval(context.Background(), CommandRequest{ChannelID: "ch1", Command: "ls"})
	if err == nil {
		t.Fatal("expected error from failed prompt")
	}
	if d != DecisionDecline {
		t.Errorf("decision = %q, want %q", d, DecisionDecline)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
}

// TestBroker_EmitsLifecycleEvents verifies requested and resolved events
// reach bus subscribers.
func TestBroker_EmitsLifecycleEvents(t *testing.T) {
	fp := newFakePrompter()
	broker := bus.NewBroker()
	events := make(chan bus.Event, 8)
	broker.Subscribe("test", func(ev bus.Event) { events <- ev })
	b := NewBroker(fp, broker)

	go b.RequestCommandApproval(context.Background(), CommandRequest{ChannelID: "ch1", Command: "ls"})
	prompt := waitPrompt(t, fp)

	select {
	case ev := <-events:
		if ev.Name != bus.EventApprovalRequested {
			t.Errorf("first event = %q, want %q", ev.Name, bus.EventApprovalRequested)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("requested event not emitted")
	}

	b.HandleInteraction(Interaction{CustomID: prompt.Rows[0].Buttons[0].CustomID, UserID: "u1"})
	select {
	case ev := <-events:
		if ev.Name != bus.EventApprovalResolved {
			t.Errorf("second event = %q, want %q", ev.Name, bus.EventApprovalResolved)
		}
		payload, ok := ev.Payload.(bus.ApprovalPayload)
		if !ok || payload.Decision != string(DecisionAccept) || payload.Actor != "u1" {
			t.Errorf("payload = %+v, want accept by u1", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resolved event not emitted")
	}
}
