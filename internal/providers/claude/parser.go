package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/praybot/internal/agent"
	"github.com/nextlevelbuilder/praybot/internal/transcript"
)

const toolKeyMax = 400

type cliLine struct {
	Type              string             `json:"type"`
	Subtype           string             `json:"subtype"`
	SessionID         string             `json:"session_id"`
	Message           *cliMessage        `json:"message"`
	Result            string             `json:"result"`
	IsError           bool               `json:"is_error"`
	Usage             *cliUsage          `json:"usage"`
	TotalCostUSD      float64            `json:"total_cost_usd"`
	PermissionDenials []permissionDenial `json:"permission_denials"`
}

type cliMessage struct {
	Role    string     `json:"role"`
	Content []cliBlock `json:"content"`
}

type cliBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
}

type cliUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

type permissionDenial struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

type denialQuestions struct {
	Questions []struct {
		Question    string `json:"question"`
		Header      string `json:"header"`
		MultiSelect bool   `json:"multiSelect"`
		Options     []struct {
			Label       string `json:"label"`
			Description string `json:"description"`
		} `json:"options"`
	} `json:"questions"`
}

// turnParser folds one turn's stream-json lines into session events. It is
// single-goroutine; the session feeds it lines in order.
type turnParser struct {
	sess *session
	turn int

	lastText  string
	seenTools map[string]struct{}
	seenUX    map[string]struct{}
	sawResult bool
}

func newTurnParser(sess *session, turn int) *turnParser {
	return &turnParser{
		sess:      sess,
		turn:      turn,
		seenTools: make(map[string]struct{}),
		seenUX:    make(map[string]struct{}),
	}
}

// Consume parses one stdout line. Unparseable lines are skipped.
func (p *turnParser) Consume(raw []byte) []agent.Event {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil
	}
	var line cliLine
	if err := json.Unmarshal([]byte(trimmed), &line); err != nil {
		return nil
	}

	var events []agent.Event
	if line.SessionID != "" {
		if ev, ok := p.sess.latchSessionID(line.SessionID); ok {
			events = append(events, ev)
		}
	}

	switch line.Type {
	case "system":
		if ev, ok := p.uxOnce("system:"+line.Subtype, line.Subtype, "info"); ok {
			events = append(events, ev)
		}
	case "assistant":
		events = append(events, p.consumeAssistant(line.Message)...)
	case "user":
		events = append(events, p.consumeUser(line.Message)...)
	case "result":
		events = append(events, p.consumeResult(&line)...)
	}
	return events
}

func (p *turnParser) consumeAssistant(m *cliMessage) []agent.Event {
	if m == nil {
		return nil
	}
	var events []agent.Event
	var snapshot strings.Builder
	for _, b := range m.Content {
		switch b.Type {
		case "text":
			snapshot.WriteString(b.Text)
		case "thinking":
			if ev, ok := p.uxOnce("thinking", "Thinking", "info"); ok {
				events = append(events, ev)
			}
		case "tool_use":
			if ev, ok := p.toolOnce(b); ok {
				events = append(events, ev)
			}
		}
	}
	if delta, ok := p.textDelta(snapshot.String()); ok {
		events = append(events, agent.TextEvent(delta, true))
	}
	return events
}

func (p *turnParser) consumeUser(m *cliMessage) []agent.Event {
	if m == nil {
		return nil
	}
	var events []agent.Event
	for _, b := range m.Content {
		if b.Type == "tool_result" {
			if ev, ok := p.uxOnce("tool_result:"+b.ToolUseID, "Tool result", "info"); ok {
				events = append(events, ev)
			}
		}
	}
	return events
}

// consumeResult handles the final consolidated envelope: un-streamed
// remainder, denied AskUserQuestion calls as questions, turn_complete,
// then an error when the run did not succeed.
func (p *turnParser) consumeResult(line *cliLine) []agent.Event {
	p.sawResult = true
	var events []agent.Event

	if delta, ok := p.textDelta(line.Result); ok {
		events = append(events, agent.TextEvent(delta, false))
	}

	for _, d := range line.PermissionDenials {
		if d.ToolName != transcript.AskUserQuestionTool {
			continue
		}
		if qs := parseDenialQuestions(d.ToolInput); len(qs) > 0 {
			events = append(events, agent.Event{Type: agent.EventQuestion, Questions: qs})
		}
	}

	var usage agent.Usage
	if line.Usage != nil {
		usage = agent.Usage{
			Input:  line.Usage.InputTokens,
			Output: line.Usage.OutputTokens,
			Cached: line.Usage.CacheReadInputTokens,
		}
	}
	p.sess.tracker.AddUsage(usage)
	var cost *float64
	if line.TotalCostUSD > 0 {
		c := line.TotalCostUSD
		cost = &c
	}
	events = append(events, agent.TurnCompleteEvent(usage, cost, p.turn))

	if line.Subtype != "success" {
		msg := line.Result
		if msg == "" {
			msg = fmt.Sprintf("run finished with status %s", line.Subtype)
		}
		events = append(events, agent.ErrorEvent(msg, false))
	}
	return events
}

// textDelta recovers the appended tail of an assistant text snapshot.
// Whitespace-only additions produce nothing.
func (p *turnParser) textDelta(snapshot string) (string, bool) {
	if snapshot == "" || snapshot == p.lastText {
		return "", false
	}
	delta := snapshot
	if p.lastText != "" && strings.HasPrefix(snapshot, p.lastText) {
		delta = snapshot[len(p.lastText):]
	}
	p.lastText = snapshot
	delta = strings.TrimSpace(delta)
	if delta == "" {
		return "", false
	}
	return delta, true
}

func (p *turnParser) toolOnce(b cliBlock) (agent.Event, bool) {
	key := b.ID
	if key == "" {
		detail := b.Name + "|" + string(b.Input)
		if len(detail) > toolKeyMax {
			detail = detail[:toolKeyMax]
		}
		key = detail
	}
	if _, seen := p.seenTools[key]; seen {
		return agent.Event{}, false
	}
	p.seenTools[key] = struct{}{}
	var input any
	if len(b.Input) > 0 {
		input = json.RawMessage(b.Input)
	}
	return agent.ToolCallEvent(b.Name, input, b.ID), true
}

func (p *turnParser) uxOnce(key, label, severity string) (agent.Event, bool) {
	if _, seen := p.seenUX[key]; seen {
		return agent.Event{}, false
	}
	p.seenUX[key] = struct{}{}
	return agent.UXEvent(key, label, severity), true
}

func parseDenialQuestions(raw json.RawMessage) []agent.Question {
	var parsed denialQuestions
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}
	var out []agent.Question
	for _, q := range parsed.Questions {
		if q.Question == "" || len(q.Options) == 0 {
			continue
		}
		opts := make([]agent.QuestionOption, 0, len(q.Options))
		for _, o := range q.Options {
			opts = append(opts, agent.QuestionOption{Label: o.Label, Description: o.Description})
		}
		out = append(out, agent.Question{
			Question:    q.Question,
			Header:      q.Header,
			Options:     opts,
			MultiSelect: q.MultiSelect,
		})
	}
	return out
}
