package bus

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/praybot/internal/store"
)

// PersisterID is the subscription id the lifecycle persister registers
// under.
const PersisterID = "lifecycle-store"

// NewLifecyclePersister returns a handler that writes session-shaped bus
// events into the lifecycle store. Store errors are logged, never
// propagated into the broadcast path.
func NewLifecyclePersister(db store.LifecycleStore) EventHandler {
	return func(ev Event) {
		row, ok := lifecycleRow(ev)
		if !ok {
			return
		}
		if err := db.AppendSessionEvent(row); err != nil {
			slog.Warn("lifecycle persist failed", "event", ev.Name, "error", err)
		}
	}
}

func lifecycleRow(ev Event) (store.SessionLifecycleEvent, bool) {
	row := store.SessionLifecycleEvent{
		ID:    uuid.NewString(),
		Event: ev.Name,
		At:    time.Now(),
	}
	switch p := ev.Payload.(type) {
	case SessionPayload:
		row.Provider = p.Provider
		row.SessionID = p.SessionID
		row.Cwd = p.Cwd
		if p.Phase != "" {
			row.Detail = p.Phase
		} else {
			row.Detail = p.State
		}
	case ApprovalPayload:
		row.SessionID = p.PendingID
		row.Detail = p.Kind + ":" + p.Decision
	case CronPayload:
		row.SessionID = p.JobID
		row.Detail = p.Status
	default:
		return store.SessionLifecycleEvent{}, false
	}
	return row, true
}
