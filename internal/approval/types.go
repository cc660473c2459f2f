// Package approval pairs asynchronous agent-side approval requests with
// chat button and select interactions. A Broker blocks the requesting
// adapter until a chat user (or an admin resolve) decides; a Bridge
// handles the simpler HTTP pre-tool-use gates that hook scripts long-poll.
package approval

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/praybot/internal/agent"
)

// DefaultCustomIDPrefix namespaces all component custom ids emitted by
// this package.
const DefaultCustomIDPrefix = "praybot"

// OtherOptionValue is the select entry that routes the user to the
// /codex-input text fallback.
const OtherOptionValue = "__other__"

// Kind tags a pending request.
type Kind string

const (
	KindCommand    Kind = "cmd"
	KindFileChange Kind = "file"
	KindUserInput  Kind = "input"
)

// Decision is the outcome of a command or file-change approval.
type Decision string

const (
	DecisionAccept           Decision = "accept"
	DecisionAcceptForSession Decision = "acceptForSession"
	DecisionDecline          Decision = "decline"
	DecisionCancel           Decision = "cancel"
)

// Typed resolve errors. Admin callers branch on these with errors.Is.
var (
	ErrNotFound        = errors.New("not_found")
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrInvalidDecision = errors.New("invalid_decision")
)

// CommandRequest asks permission to run a shell command.
type CommandRequest struct {
	ChannelID string
	SessionID string
	Command   string
	Cwd       string
	Reason    string
}

// FileChange is one entry of a file-change approval.
type FileChange struct {
	Path string
	Kind string
}

// FileChangeRequest asks permission to apply file changes.
type FileChangeRequest struct {
	ChannelID string
	SessionID string
	Changes   []FileChange
	Reason    string
}

// UserInputRequest asks the user to answer structured questions.
type UserInputRequest struct {
	ChannelID string
	SessionID string
	Questions []agent.Question
}

// ButtonStyle hints how the channel layer should render a button.
type ButtonStyle string

const (
	StylePrimary   ButtonStyle = "primary"
	StyleSecondary ButtonStyle = "secondary"
	StyleSuccess   ButtonStyle = "success"
	StyleDanger    ButtonStyle = "danger"
)

// Button is one action-row button.
type Button struct {
	CustomID string
	Label    string
	Style    ButtonStyle
}

// SelectOption is one entry of a select menu.
type SelectOption struct {
	Label       string
	Value       string
	Description string
}

// SelectMenu is a single-row select component.
type SelectMenu struct {
	CustomID    string
	Placeholder string
	Options     []SelectOption
	MaxValues   int // >1 enables multi-select
}

// ActionRow holds either buttons or one select menu, never both.
type ActionRow struct {
	Buttons []Button
	Select  *SelectMenu
}

// Prompt is an outbound interactive message.
type Prompt struct {
	ChannelID string
	Text      string
	Rows      []ActionRow
}

// Prompter posts interactive prompts into chat. Implemented by the
// Discord egress layer.
type Prompter interface {
	SendPrompt(p Prompt) (messageID string, err error)
}

// Interaction is a component event forwarded from the chat layer.
type Interaction struct {
	CustomID string
	Values   []string // select submissions
	UserID   string
}

// Reply tells the chat layer how to answer an interaction.
type Reply struct {
	Text      string
	Ephemeral bool
	Resolved  bool // original prompt may be finalized
}

// Custom id grammar:
//
//	<prefix>:a:<kind>:<pendingId>:<decision>   command/file buttons
//	<prefix>:qb:<pendingId>:<qIdx>:<optIdx>    question buttons
//	<prefix>:q:sel:<pendingId>:<qIdx>          question selects
//	<prefix>:hk:<gateId>:<approve|deny>        hook gate buttons

func actionCustomID(prefix string, kind Kind, pendingID string, d Decision) string {
	return fmt.Sprintf("%s:a:%s:%s:%s", prefix, kind, pendingID, d)
}

func questionButtonID(prefix, pendingID string, qIdx, optIdx int) string {
	return fmt.Sprintf("%s:qb:%s:%d:%d", prefix, pendingID, qIdx, optIdx)
}

func questionSelectID(prefix, pendingID string, qIdx int) string {
	return fmt.Sprintf("%s:q:sel:%s:%d", prefix, pendingID, qIdx)
}

func gateCustomID(prefix, gateID string, approve bool) string {
	verb := "deny"
	if approve {
		verb = "approve"
	}
	return fmt.Sprintf("%s:hk:%s:%s", prefix, gateID, verb)
}

// splitCustomID strips the prefix and returns the remaining tokens, or
// nil when the id belongs to someone else.
func splitCustomID(prefix, customID string) []string {
	rest, ok := strings.CutPrefix(customID, prefix+":")
	if !ok {
		return nil
	}
	return strings.Split(rest, ":")
}

func parseDecision(token string) (Decision, bool) {
	switch Decision(token) {
	case DecisionAccept, DecisionAcceptForSession, DecisionDecline, DecisionCancel:
		return Decision(token), true
	}
	return "", false
}

func decisionLabel(d Decision) string {
	switch d {
	case DecisionAccept:
		return "accepted"
	case DecisionAcceptForSession:
		return "accepted for this session"
	case DecisionDecline:
		return "declined"
	case DecisionCancel:
		return "cancelled"
	}
	return string(d)
}
