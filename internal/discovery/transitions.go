package discovery

import (
	"fmt"

	"github.com/nextlevelbuilder/praybot/internal/monitor"
	"github.com/nextlevelbuilder/praybot/internal/transcript"
)

// stateLines maps state transitions to thread messages. Keyed by the new
// state; the previous state only matters for wording on resumes.
func stateLine(prev, next monitor.State, snap monitor.SessionSnapshot) string {
	name := snap.ProjectName
	if name == "" {
		name = shortID(snap.SessionID)
	}
	switch next {
	case monitor.StateActive:
		if prev == monitor.StateIdle || prev == monitor.StateCompleted {
			return fmt.Sprintf("▶️ **%s** is active again", name)
		}
		return fmt.Sprintf("▶️ **%s** became active", name)
	case monitor.StateIdle:
		return fmt.Sprintf("⏸️ **%s** went idle", name)
	case monitor.StateCompleted:
		return fmt.Sprintf("✅ **%s** finished — no activity for an hour", name)
	case monitor.StateStale:
		return fmt.Sprintf("💤 **%s** went stale", name)
	}
	return ""
}

// phaseLine maps an activity-phase change to a thread message. Only
// phases a user can act on produce output; busy churn stays quiet.
func phaseLine(phase string, snap monitor.SessionSnapshot) string {
	switch phase {
	case transcript.PhaseWaitingPermission:
		tools := ""
		if len(snap.WaitToolNames) > 0 {
			tools = fmt.Sprintf(" (`%s`)", snap.WaitToolNames[0])
		}
		return "🔐 Waiting for permission" + tools
	case transcript.PhaseWaitingQuestion:
		return "❓ The agent asked a question"
	case transcript.PhaseInteractable:
		msg := "💬 Ready for your reply"
		if snap.LastUserMessage != "" {
			msg += fmt.Sprintf("\n> %s", snap.LastUserMessage)
		}
		return msg
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
