package transcript

import (
	"encoding/json"
	"strings"
	"time"
)

// AskUserQuestionTool is the tool the assistant uses to pose structured
// questions; a pending call to it means the session waits on the user.
const AskUserQuestionTool = "AskUserQuestion"

// Activity phases derived from a transcript's terminal markers.
const (
	PhaseBusy              = "busy"
	PhaseInteractable      = "interactable"
	PhaseWaitingPermission = "waiting_permission"
	PhaseWaitingQuestion   = "waiting_question"
)

// lastUserMessageMax is the authoritative snapshot truncation; formatters
// may shorten further for presentation.
const lastUserMessageMax = 100

// Tokens accumulates usage across the assistant messages of a transcript.
type Tokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Cached int `json:"cached"`
}

// Meta is everything the session monitor derives from one transcript.
type Meta struct {
	SessionID       string
	Model           string
	Slug            string
	Cwd             string
	GitBranch       string
	Version         string
	TurnCount       int
	Tokens          Tokens
	LastUserMessage string
	CurrentTools    []string
	WaitReason      string // user_question | permission | ""
	WaitToolNames   []string
	LastTimestamp   time.Time
	Phase           string
}

type entryLine struct {
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp"`
	SessionID string   `json:"sessionId"`
	Cwd       string   `json:"cwd"`
	GitBranch string   `json:"gitBranch"`
	Version   string   `json:"version"`
	Summary   string   `json:"summary"`
	Message   *msgBody `json:"message"`
}

type msgBody struct {
	Role       string          `json:"role"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Content    json.RawMessage `json:"content"`
	Usage      *msgUsage       `json:"usage"`
}

type msgUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
}

// parseContent handles both the plain-string and block-array content
// shapes that appear in transcripts.
func parseContent(raw json.RawMessage) (string, []contentBlock) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil
	}
	return "", blocks
}

// MetaExtractor folds transcript lines into a Meta. Feed it lines in file
// order; bad lines are skipped without failing the tailer group.
type MetaExtractor struct {
	meta Meta

	pendingTools map[string]string // tool_use id -> name
	lastRoleUser bool
	lastStop     string
	sawAssistant bool
}

// NewMetaExtractor starts with an empty Meta.
func NewMetaExtractor() *MetaExtractor {
	return &MetaExtractor{pendingTools: make(map[string]string)}
}

// Consume parses one line. Malformed JSON is skipped, never retried.
func (e *MetaExtractor) Consume(line []byte) error {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}
	var ent entryLine
	if err := json.Unmarshal([]byte(trimmed), &ent); err != nil {
		return nil
	}

	if ent.SessionID != "" {
		e.meta.SessionID = ent.SessionID
	}
	if ent.Cwd != "" {
		e.meta.Cwd = ent.Cwd
	}
	if ent.GitBranch != "" {
		e.meta.GitBranch = ent.GitBranch
	}
	if ent.Version != "" {
		e.meta.Version = ent.Version
	}
	if ts, err := time.Parse(time.RFC3339Nano, ent.Timestamp); err == nil {
		e.meta.LastTimestamp = ts
	}

	switch ent.Type {
	case "summary":
		if ent.Summary != "" {
			e.meta.Slug = ent.Summary
		}
	case "user":
		e.consumeUser(ent.Message)
	case "assistant":
		e.consumeAssistant(ent.Message)
	}
	return nil
}

func (e *MetaExtractor) consumeUser(m *msgBody) {
	if m == nil {
		return
	}
	text, blocks := parseContent(m.Content)
	resolved := false
	var parts []string
	if text != "" {
		parts = append(parts, text)
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_result":
			delete(e.pendingTools, b.ToolUseID)
			resolved = true
		}
	}
	if len(parts) > 0 {
		e.meta.LastUserMessage = TruncateRunes(strings.Join(parts, "\n"), lastUserMessageMax)
		e.meta.TurnCount++
		e.lastRoleUser = true
	} else if !resolved {
		e.lastRoleUser = true
	} else {
		e.lastRoleUser = false
	}
}

func (e *MetaExtractor) consumeAssistant(m *msgBody) {
	if m == nil {
		return
	}
	e.sawAssistant = true
	e.lastRoleUser = false
	if m.Model != "" {
		e.meta.Model = m.Model
	}
	if m.Usage != nil {
		e.meta.Tokens.Input += m.Usage.InputTokens
		e.meta.Tokens.Output += m.Usage.OutputTokens
		e.meta.Tokens.Cached += m.Usage.CacheReadInputTokens
	}
	e.lastStop = m.StopReason

	_, blocks := parseContent(m.Content)
	var tools []string
	for _, b := range blocks {
		if b.Type == "tool_use" {
			tools = append(tools, b.Name)
			if b.ID != "" {
				e.pendingTools[b.ID] = b.Name
			}
		}
	}
	e.meta.CurrentTools = tools
}

// Meta finalizes and returns the derived metadata, including the activity
// phase implied by the transcript's terminal markers.
func (e *MetaExtractor) Meta() Meta {
	m := e.meta
	m.WaitReason = ""
	m.WaitToolNames = nil
	m.Phase = ""

	if len(e.pendingTools) > 0 {
		question := false
		for _, name := range e.pendingTools {
			m.WaitToolNames = append(m.WaitToolNames, name)
			if name == AskUserQuestionTool {
				question = true
			}
		}
		if question {
			m.WaitReason = "user_question"
			m.Phase = PhaseWaitingQuestion
		} else {
			m.WaitReason = "permission"
			m.Phase = PhaseWaitingPermission
		}
		return m
	}

	switch {
	case e.lastRoleUser:
		m.Phase = PhaseBusy
	case !e.sawAssistant:
		m.Phase = PhaseBusy
	case e.lastStop == "":
		m.Phase = PhaseBusy
	case e.lastStop == "tool_use":
		// Results already fed back, the next assistant message is coming.
		m.Phase = PhaseBusy
	default:
		m.Phase = PhaseInteractable
	}
	return m
}

// TruncateRunes shortens s to at most max runes, appending an ellipsis
// when anything was cut.
func TruncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// EncodeProjectPath converts a working directory into the directory key
// used under ~/.claude/projects ("/" becomes "-").
func EncodeProjectPath(cwd string) string {
	return strings.ReplaceAll(cwd, "/", "-")
}
