package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// lastAssistantTextMax bounds the text forwarded to chat after a Stop hook.
const lastAssistantTextMax = 1800

// ReadLastAssistantText returns the text of the final assistant entry in
// the transcript: text blocks only (tool_use, thinking and
// redacted_thinking are ignored), joined with newlines and truncated.
// Returns "" when no assistant text exists.
func ReadLastAssistantText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	var last []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		// Cheap filter before parsing: assistant entries only.
		if !strings.Contains(string(line), `"assistant"`) {
			continue
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil || probe.Type != "assistant" {
			continue
		}
		last = append(last[:0], line...)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan transcript: %w", err)
	}
	if len(last) == 0 {
		return "", nil
	}

	var ent entryLine
	if err := json.Unmarshal(last, &ent); err != nil || ent.Message == nil {
		return "", nil
	}
	text, blocks := parseContent(ent.Message.Content)
	var parts []string
	if text != "" {
		parts = append(parts, text)
	}
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return TruncateRunes(strings.Join(parts, "\n"), lastAssistantTextMax), nil
}
