package sqlite

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/praybot/internal/store"
	"github.com/nextlevelbuilder/praybot/internal/transcript"
)

// lifecycleGroup is the tailer consumer group that feeds the database.
const lifecycleGroup = "lifecycle-db"

// hookLine is one record of lifecycle.jsonl as the hook script writes it.
type hookLine struct {
	Event     string `json:"event"`
	Provider  string `json:"provider"`
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
	Skill     string `json:"skill"`
	Detail    string `json:"detail"`
	Timestamp string `json:"timestamp"`
}

// NewLifecycleIngest tails lifecycle.jsonl into the store. The store is
// its own offset sink, so an insert and its offset advance survive or
// fail together per poll.
func NewLifecycleIngest(path string, db *LifecycleStore, interval time.Duration) *transcript.Tailer {
	t := transcript.NewTailer(path, db, interval)
	t.Register(lifecycleGroup, func(line []byte) error {
		return ingestLine(db, line)
	})
	return t
}

// ingestLine routes one hook record to the session or skill stream.
// Malformed lines are dropped; insert failures are retried by the tailer.
func ingestLine(db *LifecycleStore, line []byte) error {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	var h hookLine
	if err := json.Unmarshal(trimmed, &h); err != nil {
		return nil
	}
	if h.Event == "" {
		return nil
	}
	at := time.Now()
	if ts, err := time.Parse(time.RFC3339Nano, h.Timestamp); err == nil {
		at = ts
	}
	if h.Skill != "" {
		return db.AppendSkillEvent(store.SkillLifecycleEvent{
			ID:        uuid.NewString(),
			Event:     h.Event,
			Skill:     h.Skill,
			SessionID: h.SessionID,
			Detail:    h.Detail,
			At:        at,
		})
	}
	return db.AppendSessionEvent(store.SessionLifecycleEvent{
		ID:        uuid.NewString(),
		Event:     h.Event,
		Provider:  h.Provider,
		SessionID: h.SessionID,
		Cwd:       h.Cwd,
		Detail:    h.Detail,
		At:        at,
	})
}
