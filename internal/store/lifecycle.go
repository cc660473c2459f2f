package store

import "time"

// SessionLifecycleEvent is one row of the session_lifecycle stream.
type SessionLifecycleEvent struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Provider  string    `json:"provider,omitempty"`
	SessionID string    `json:"sessionId"`
	Cwd       string    `json:"cwd,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// SkillLifecycleEvent is one row of the skill_lifecycle stream.
type SkillLifecycleEvent struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Skill     string    `json:"skill"`
	SessionID string    `json:"sessionId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// LifecycleStore persists the append-only lifecycle event streams.
type LifecycleStore interface {
	AppendSessionEvent(ev SessionLifecycleEvent) error
	AppendSkillEvent(ev SkillLifecycleEvent) error
	RecentSessionEvents(limit int) ([]SessionLifecycleEvent, error)
	RecentSkillEvents(limit int) ([]SkillLifecycleEvent, error)
	Close() error
}
