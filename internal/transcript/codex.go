package transcript

import (
	"encoding/json"
	"strings"
	"time"
)

// CodexMeta is the subset of Meta recoverable from a Codex rollout file.
type CodexMeta struct {
	SessionID       string
	Cwd             string
	Model           string
	TurnCount       int
	LastUserMessage string
	LastTimestamp   time.Time
}

type rolloutLine struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type rolloutSessionMeta struct {
	ID  string `json:"id"`
	Cwd string `json:"cwd"`
	// Some rollout versions nest the model under originator settings; the
	// top-level field is used when present.
	Model string `json:"model"`
}

type rolloutResponseItem struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// CodexExtractor folds Codex rollout JSONL lines into a CodexMeta.
type CodexExtractor struct {
	meta CodexMeta
}

// NewCodexExtractor starts empty.
func NewCodexExtractor() *CodexExtractor {
	return &CodexExtractor{}
}

// Consume parses one rollout line; malformed lines are skipped.
func (e *CodexExtractor) Consume(line []byte) error {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}
	var rl rolloutLine
	if err := json.Unmarshal([]byte(trimmed), &rl); err != nil {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, rl.Timestamp); err == nil {
		e.meta.LastTimestamp = ts
	}

	switch rl.Type {
	case "session_meta":
		var sm rolloutSessionMeta
		if err := json.Unmarshal(rl.Payload, &sm); err == nil {
			if sm.ID != "" {
				e.meta.SessionID = sm.ID
			}
			if sm.Cwd != "" {
				e.meta.Cwd = sm.Cwd
			}
			if sm.Model != "" {
				e.meta.Model = sm.Model
			}
		}
	case "response_item":
		var item rolloutResponseItem
		if err := json.Unmarshal(rl.Payload, &item); err != nil {
			return nil
		}
		if item.Type != "message" {
			return nil
		}
		switch item.Role {
		case "user":
			var parts []string
			for _, c := range item.Content {
				if (c.Type == "input_text" || c.Type == "text") && c.Text != "" {
					parts = append(parts, c.Text)
				}
			}
			if len(parts) > 0 {
				e.meta.LastUserMessage = TruncateRunes(strings.Join(parts, "\n"), lastUserMessageMax)
				e.meta.TurnCount++
			}
		}
	}
	return nil
}

// Meta returns the accumulated rollout metadata.
func (e *CodexExtractor) Meta() CodexMeta {
	return e.meta
}
