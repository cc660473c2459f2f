// Package agent defines the provider-agnostic session contract: a keyed
// pool of sessions that stream normalized events regardless of which
// backend (SDK, CLI subprocess, JSON-RPC server) produces them.
package agent

// EventType tags the variants of Event.
type EventType string

const (
	EventText         EventType = "text"
	EventSession      EventType = "session"
	EventReasoning    EventType = "reasoning"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventFileChange   EventType = "file_change"
	EventCommand      EventType = "command"
	EventTodo         EventType = "todo"
	EventUX           EventType = "ux_event"
	EventQuestion     EventType = "question"
	EventTurnComplete EventType = "turn_complete"
	EventError        EventType = "error"
)

// FileChangeKind classifies file_change events.
type FileChangeKind string

const (
	FileCreate FileChangeKind = "create"
	FileEdit   FileChangeKind = "edit"
	FileDelete FileChangeKind = "delete"
	FileRename FileChangeKind = "rename"
)

// CommandStatus classifies command events.
type CommandStatus string

const (
	CommandRunning   CommandStatus = "running"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// Usage counts tokens for one turn or accumulated across turns.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Cached int `json:"cached"`
}

// Add accumulates u into the receiver.
func (u *Usage) Add(other Usage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Cached += other.Cached
}

// TodoItem is one entry of a todo event.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending | in_progress | completed
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one structured question the agent asks the user.
type Question struct {
	ID          string           `json:"id,omitempty"`
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// Event is the tagged union streamed by Session.Send. Only the fields of
// the tagged variant are set; everything else stays zero.
type Event struct {
	Type EventType `json:"type"`

	// text, reasoning
	Text    string `json:"text,omitempty"`
	Partial bool   `json:"partial,omitempty"`

	// session
	SessionID string `json:"sessionId,omitempty"`

	// tool_call, tool_result
	ToolName   string `json:"toolName,omitempty"`
	ToolInput  any    `json:"toolInput,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Result     any    `json:"result,omitempty"`
	IsError    bool   `json:"isError,omitempty"`

	// file_change
	FileKind FileChangeKind `json:"kind,omitempty"`
	Path     string         `json:"path,omitempty"`
	Diff     string         `json:"diff,omitempty"`

	// command
	Command  string        `json:"command,omitempty"`
	Status   CommandStatus `json:"status,omitempty"`
	ExitCode *int          `json:"exitCode,omitempty"`
	Output   string        `json:"output,omitempty"`

	// todo
	Todos []TodoItem `json:"items,omitempty"`

	// ux_event
	Key       string `json:"key,omitempty"`
	Label     string `json:"label,omitempty"`
	Severity  string `json:"severity,omitempty"` // info | warn | error
	Immediate bool   `json:"immediate,omitempty"`

	// question
	Questions []Question `json:"questions,omitempty"`

	// turn_complete
	Usage     *Usage   `json:"usage,omitempty"`
	CostUSD   *float64 `json:"costUsd,omitempty"`
	TurnIndex int      `json:"turnIndex,omitempty"`
	TurnID    string   `json:"turnId,omitempty"`

	// error
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// TextEvent builds a text event. Partial deltas append within one logical
// assistant message; a non-partial text supersedes accumulated partials.
func TextEvent(text string, partial bool) Event {
	return Event{Type: EventText, Text: text, Partial: partial}
}

// SessionEvent announces the backend-assigned session identity.
func SessionEvent(sessionID string) Event {
	return Event{Type: EventSession, SessionID: sessionID}
}

// ReasoningEvent carries interim model reasoning text.
func ReasoningEvent(text string) Event {
	return Event{Type: EventReasoning, Text: text}
}

// ToolCallEvent reports a tool invocation by the agent.
func ToolCallEvent(name string, input any, callID string) Event {
	return Event{Type: EventToolCall, ToolName: name, ToolInput: input, ToolCallID: callID}
}

// UXEvent reports a lifecycle marker, coalesced by key downstream.
func UXEvent(key, label, severity string) Event {
	return Event{Type: EventUX, Key: key, Label: label, Severity: severity}
}

// TurnCompleteEvent marks the logical end of a turn.
func TurnCompleteEvent(usage Usage, costUSD *float64, turnIndex int) Event {
	u := usage
	return Event{Type: EventTurnComplete, Usage: &u, CostUSD: costUSD, TurnIndex: turnIndex}
}

// ErrorEvent reports a backend fault translated into the stream.
func ErrorEvent(message string, recoverable bool) Event {
	return Event{Type: EventError, Message: message, Recoverable: recoverable}
}
