// Package monitor reconstructs a live picture of every running coding
// assistant by correlating process listings, transcript files, and hook
// events into per-session snapshots.
package monitor

import (
	"time"

	"github.com/nextlevelbuilder/praybot/internal/transcript"
)

// State classifies a session by the age of its last transcript mutation.
type State string

const (
	StateActive    State = "active"
	StateIdle      State = "idle"
	StateCompleted State = "completed"
	StateStale     State = "stale"
)

// Age bands for state classification.
const (
	activeWindow    = 5 * time.Minute
	idleWindow      = time.Hour
	completedWindow = 24 * time.Hour
)

// SessionSnapshot is the monitor's per-session output. Snapshots published
// to listeners are value copies; only hook-driven phase and state writes
// touch the monitor's own copy between refreshes.
type SessionSnapshot struct {
	Provider        string            `json:"provider"`
	SessionID       string            `json:"sessionId"`
	ProjectPath     string            `json:"projectPath"`
	ProjectName     string            `json:"projectName"`
	Slug            string            `json:"slug,omitempty"`
	State           State             `json:"state"`
	PID             int               `json:"pid,omitempty"`
	CPUPercent      float64           `json:"cpuPercent,omitempty"`
	MemMB           float64           `json:"memMb,omitempty"`
	Model           string            `json:"model,omitempty"`
	GitBranch       string            `json:"gitBranch,omitempty"`
	Version         string            `json:"version,omitempty"`
	TurnCount       int               `json:"turnCount"`
	LastUserMessage string            `json:"lastUserMessage,omitempty"`
	CurrentTools    []string          `json:"currentTools"`
	Tokens          transcript.Tokens `json:"tokens"`
	WaitReason      string            `json:"waitReason,omitempty"`
	WaitToolNames   []string          `json:"waitToolNames,omitempty"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	LastActivity    time.Time         `json:"lastActivity"`
	ActivityPhase   string            `json:"activityPhase,omitempty"`
	JSONLPath       string            `json:"jsonlPath,omitempty"`
}

// clone returns a listener-safe copy with its own slice backing.
func (s *SessionSnapshot) clone() SessionSnapshot {
	c := *s
	c.CurrentTools = append([]string(nil), s.CurrentTools...)
	c.WaitToolNames = append([]string(nil), s.WaitToolNames...)
	if s.StartedAt != nil {
		at := *s.StartedAt
		c.StartedAt = &at
	}
	return c
}

// classifyState maps transcript age to a state. A live process keeps a
// session in idle where age alone would say completed.
func classifyState(age time.Duration, hasProcess bool) State {
	switch {
	case age < activeWindow:
		return StateActive
	case age < idleWindow:
		return StateIdle
	case age < completedWindow:
		if hasProcess {
			return StateIdle
		}
		return StateCompleted
	default:
		return StateStale
	}
}
