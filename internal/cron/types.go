// Package cron is the persistent job engine: jobs live in a versioned JSON
// store, mutations are serialized through a chained lock, and a single timer
// fires the earliest due job. Run history is appended to per-job JSONL logs.
package cron

import (
	"errors"
	"fmt"
)

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Job sources.
const (
	SourceCode = "code"
	SourceUser = "user"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Run triggers recorded in the run log.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

var (
	// ErrJobNotFound is returned by operations targeting an unknown job id.
	ErrJobNotFound = errors.New("cron: job not found")
	// ErrServiceClosed rejects operations after Stop.
	ErrServiceClosed = errors.New("cron: service stopped")
)

// Schedule describes when a job fires. Kind selects the variant; the other
// fields belong to exactly one variant each.
type Schedule struct {
	Kind string `json:"kind"`

	// at: absolute one-shot fire time.
	AtMs int64 `json:"atMs,omitempty"`

	// every: fixed interval from an anchor.
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"`

	// cron: five-field expression, optionally in a named zone.
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

func (s Schedule) validate() error {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires atMs")
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires everyMs > 0")
		}
	case ScheduleCron:
		if s.Expr == "" {
			return fmt.Errorf("cron schedule requires expr")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Action names the handler to invoke and carries its free-form config.
type Action struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// JobState is the mutable run bookkeeping persisted with the job.
// Millisecond timestamps; zero means unset.
type JobState struct {
	NextRunAtMs    int64  `json:"nextRunAtMs,omitempty"`
	RunningAtMs    int64  `json:"runningAtMs,omitempty"`
	LastRunAtMs    int64  `json:"lastRunAtMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
}

// Job is one scheduled unit of work.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	Source         string   `json:"source"`
	TimeoutMs      int64    `json:"timeoutMs,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	Schedule       Schedule `json:"schedule"`
	Action         Action   `json:"action"`
	State          JobState `json:"state"`
}

func (j *Job) clone() *Job {
	c := *j
	if j.Action.Config != nil {
		c.Action.Config = make(map[string]any, len(j.Action.Config))
		for k, v := range j.Action.Config {
			c.Action.Config[k] = v
		}
	}
	return &c
}

// StoreFile is the on-disk shape of the job store.
type StoreFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// JobSpec is the caller-supplied part of a new job; the service assigns the
// id, timestamps and initial state.
type JobSpec struct {
	Name           string
	Description    string
	Enabled        bool
	DeleteAfterRun bool
	Source         string
	TimeoutMs      int64
	Schedule       Schedule
	Action         Action
}

// Patch is a field-merge update; nil fields keep the current value.
type Patch struct {
	Name           *string
	Description    *string
	Enabled        *bool
	DeleteAfterRun *bool
	TimeoutMs      *int64
	Schedule       *Schedule
	Action         *Action
}

// RunEntry is one line of a job's run log.
type RunEntry struct {
	AtMs       int64  `json:"atMs"`
	Trigger    string `json:"trigger"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ServiceStatus summarizes the scheduler for /api and the CLI.
type ServiceStatus struct {
	Running     bool  `json:"running"`
	Jobs        int   `json:"jobs"`
	Enabled     int   `json:"enabled"`
	NextRunAtMs int64 `json:"nextRunAtMs,omitempty"`
}
