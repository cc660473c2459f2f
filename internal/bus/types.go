// Package bus fans hub lifecycle events out to in-process subscribers:
// the WebSocket broadcaster, the lifecycle store, and anything else that
// wants to observe the hub.
package bus

// Event names broadcast to subscribers.
const (
	EventSessionDiscovered = "session_discovered"
	EventSessionState      = "session_state"
	EventSessionPhase      = "session_phase"
	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventCronStarted       = "cron_started"
	EventCronFinished      = "cron_finished"
	EventHealth            = "health"
)

// Event is one hub lifecycle event.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// SessionPayload describes a session transition.
type SessionPayload struct {
	Provider  string `json:"provider"`
	SessionID string `json:"sessionId"`
	State     string `json:"state,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Project   string `json:"project,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
}

// ApprovalPayload describes an approval being requested or resolved.
type ApprovalPayload struct {
	PendingID string `json:"pendingId"`
	Kind      string `json:"kind"`
	Decision  string `json:"decision,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// CronPayload describes a cron job run boundary.
type CronPayload struct {
	JobID      string `json:"jobId"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. The gateway
// server and the lifecycle persister decouple from the concrete Broker
// through it.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
