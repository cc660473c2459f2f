package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TurnsSince counts user and assistant entries newer than since. Used by
// the discovery monitor log to summarize activity between watches.
func TurnsSince(path string, since time.Time) (users, assistants int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		var probe struct {
			Type      string `json:"type"`
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &probe); err != nil {
			continue
		}
		if probe.Type != "user" && probe.Type != "assistant" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, probe.Timestamp)
		if err != nil || !ts.After(since) {
			continue
		}
		if probe.Type == "user" {
			users++
		} else {
			assistants++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("scan transcript: %w", err)
	}
	return users, assistants, nil
}
