package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/praybot/internal/monitor"
	"github.com/nextlevelbuilder/praybot/internal/transcript"
)

// Hook event names sent by the assistant-side hook scripts.
const (
	HookSessionStart     = "SessionStart"
	HookSessionEnd       = "SessionEnd"
	HookStop             = "Stop"
	HookUserPromptSubmit = "UserPromptSubmit"
	HookNotification     = "Notification"
	HookPreToolUse       = "PreToolUse"
)

// Notification subtypes that carry a phase change.
const (
	notifyPermissionPrompt  = "permission_prompt"
	notifyIdlePrompt        = "idle_prompt"
	notifyElicitationDialog = "elicitation_dialog"
)

// A busy session fires a hook per tool call, so the ingress budget has
// to absorb short bursts without letting a runaway script flood us.
const (
	hookEventsPerSec = 25
	hookBurst        = 50
)

// HookEvent is the payload posted to /api/hook.
type HookEvent struct {
	HookEventName    string          `json:"hook_event_name"`
	SessionID        string          `json:"session_id"`
	Cwd              string          `json:"cwd,omitempty"`
	TranscriptPath   string          `json:"transcript_path,omitempty"`
	Provider         string          `json:"provider,omitempty"`
	NotificationType string          `json:"notification_type,omitempty"`
	ToolName         string          `json:"tool_name,omitempty"`
	ToolInput        json.RawMessage `json:"tool_input,omitempty"`
	TimeoutMs        int64           `json:"timeout_ms,omitempty"`
}

// HookMonitor is the slice of the session monitor the hook receiver
// drives. Hook-written phases stay authoritative until the next refresh.
type HookMonitor interface {
	RegisterSession(provider, sessionID, cwd, transcriptPath string) monitor.SessionSnapshot
	UpdateSessionState(sessionID string, state monitor.State) bool
	UpdateActivityPhase(sessionID, phase string) bool
}

// SessionNotifier receives discovery-facing callbacks from hook events.
type SessionNotifier interface {
	OnSessionStart(snap monitor.SessionSnapshot)
	SendToSessionThread(provider, sessionID, msg string) error
}

// GateStarter registers pre-tool-use permission gates. Implemented by
// the approval bridge; the hook script long-polls /api/hook/status/<id>
// for the verdict.
type GateStarter interface {
	StartGate(provider, sessionID, toolName, summary string, timeout time.Duration) (id string)
}

// HookHandler receives lifecycle hooks and applies them to the monitor.
type HookHandler struct {
	monitor  HookMonitor
	notifier SessionNotifier // nil = discovery disabled
	gates    GateStarter     // nil = pre-tool-use gating disabled
	limiter  *rate.Limiter
	readLast func(path string) (string, error)
}

// NewHookHandler creates the /api/hook receiver.
func NewHookHandler(m HookMonitor, notifier SessionNotifier, gates GateStarter) *HookHandler {
	return &HookHandler{
		monitor:  m,
		notifier: notifier,
		gates:    gates,
		limiter:  rate.NewLimiter(rate.Limit(hookEventsPerSec), hookBurst),
		readLast: transcript.ReadLastAssistantText,
	}
}

// SetRate overrides the ingress budget. Zero or negative keeps the
// default. Burst stays at two seconds worth of events.
func (h *HookHandler) SetRate(perSec float64) {
	if perSec <= 0 {
		return
	}
	burst := int(perSec * 2)
	if burst < 1 {
		burst = 1
	}
	h.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
}

// RegisterRoutes registers the hook endpoint on the given router.
func (h *HookHandler) RegisterRoutes(rt *Router) {
	rt.AddRoute(http.MethodPost, "/api/hook", h.handleHook)
}

func (h *HookHandler) handleHook(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "hook rate limit exceeded"})
		return
	}

	var ev HookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if ev.HookEventName == "" || ev.SessionID == "" {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "hook_event_name and session_id are required"})
		return
	}
	provider := ev.Provider
	if provider == "" {
		provider = "claude"
	}
	if provider != "claude" && provider != "codex" {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown provider: " + provider})
		return
	}

	switch ev.HookEventName {
	case HookSessionStart:
		snap := h.monitor.RegisterSession(provider, ev.SessionID, ev.Cwd, ev.TranscriptPath)
		if h.notifier != nil {
			go h.notifier.OnSessionStart(snap)
		}
	case HookSessionEnd:
		if !h.monitor.UpdateSessionState(ev.SessionID, monitor.StateCompleted) {
			slog.Debug("hook for unknown session", "event", ev.HookEventName, "session", ev.SessionID)
		}
	case HookStop:
		h.monitor.UpdateActivityPhase(ev.SessionID, transcript.PhaseInteractable)
		if ev.TranscriptPath != "" && h.notifier != nil {
			go h.forwardLastReply(provider, ev.SessionID, ev.TranscriptPath)
		}
	case HookUserPromptSubmit:
		h.monitor.UpdateActivityPhase(ev.SessionID, transcript.PhaseBusy)
	case HookNotification:
		switch ev.NotificationType {
		case notifyPermissionPrompt:
			h.monitor.UpdateActivityPhase(ev.SessionID, transcript.PhaseWaitingPermission)
		case notifyIdlePrompt, notifyElicitationDialog:
			h.monitor.UpdateActivityPhase(ev.SessionID, transcript.PhaseWaitingQuestion)
		default:
			slog.Debug("notification without phase mapping", "type", ev.NotificationType, "session", ev.SessionID)
		}
	case HookPreToolUse:
		if h.gates == nil {
			break
		}
		summary := string(ev.ToolInput)
		if len(summary) > 300 {
			summary = summary[:300] + "…"
		}
		id := h.gates.StartGate(provider, ev.SessionID, ev.ToolName, summary, time.Duration(ev.TimeoutMs)*time.Millisecond)
		WriteJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id, "status": "pending"})
		return
	default:
		// Hook scripts forward every event they see; unmapped names are
		// acknowledged so the script does not retry.
		slog.Debug("unmapped hook event", "event", ev.HookEventName, "session", ev.SessionID)
	}

	WriteJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

// forwardLastReply tails the transcript for the final assistant text and
// posts it to the session's thread. Runs detached from the hook request.
func (h *HookHandler) forwardLastReply(provider, sessionID, path string) {
	text, err := h.readLast(path)
	if err != nil {
		slog.Debug("last assistant read failed", "path", path, "error", err)
		return
	}
	if text == "" {
		return
	}
	if err := h.notifier.SendToSessionThread(provider, sessionID, text); err != nil {
		slog.Debug("hook reply forward failed", "session", sessionID, "error", err)
	}
}
