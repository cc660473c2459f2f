package monitor

import (
	"path/filepath"

	"github.com/nextlevelbuilder/praybot/internal/transcript"
)

// RegisterSession records a session announced by a lifecycle hook before
// any transcript scan has seen it. Existing sessions are woken instead.
func (m *Monitor) RegisterSession(provider, sessionID, cwd, transcriptPath string) SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[sessionID]
	if !ok {
		snap = &SessionSnapshot{
			Provider:  provider,
			SessionID: sessionID,
		}
		m.snapshots[sessionID] = snap
	}
	if cwd != "" {
		snap.ProjectPath = cwd
		snap.ProjectName = filepath.Base(cwd)
	}
	if transcriptPath != "" {
		snap.JSONLPath = transcriptPath
	}
	snap.State = StateActive
	snap.LastActivity = m.now()
	if snap.ActivityPhase == "" {
		// The next refresh derives the real phase from the transcript.
		snap.ActivityPhase = transcript.PhaseBusy
	}
	return snap.clone()
}

// UpdateSessionState forces a session's lifecycle state. Leaving the
// active state clears the activity phase.
func (m *Monitor) UpdateSessionState(sessionID string, state State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[sessionID]
	if !ok {
		return false
	}
	snap.State = state
	snap.LastActivity = m.now()
	if state != StateActive {
		snap.ActivityPhase = ""
		delete(m.hookPhases, sessionID)
	} else if snap.ActivityPhase == "" {
		snap.ActivityPhase = transcript.PhaseBusy
	}
	return true
}

// UpdateActivityPhase applies a hook-reported phase immediately and keeps
// it authoritative over the next transcript-derived refresh. A non-empty
// phase implies the session is active.
func (m *Monitor) UpdateActivityPhase(sessionID, phase string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[sessionID]
	if !ok {
		return false
	}
	if phase == "" {
		snap.ActivityPhase = ""
		delete(m.hookPhases, sessionID)
		return true
	}
	snap.State = StateActive
	snap.ActivityPhase = phase
	snap.LastActivity = m.now()
	m.hookPhases[sessionID] = hookMark{phase: phase, at: m.now()}
	return true
}
