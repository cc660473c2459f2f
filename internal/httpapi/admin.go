package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/nextlevelbuilder/praybot/internal/approval"
	"github.com/nextlevelbuilder/praybot/internal/cron"
	"github.com/nextlevelbuilder/praybot/internal/monitor"
)

// SessionLister is the slice of the monitor the admin API reads.
type SessionLister interface {
	Snapshots() map[string]monitor.SessionSnapshot
}

// Scheduler is the slice of the cron service the admin API drives.
type Scheduler interface {
	List() []cron.Job
	Get(id string) (cron.Job, bool)
	Add(spec cron.JobSpec) (*cron.Job, error)
	Update(id string, patch cron.Patch) (*cron.Job, error)
	Remove(id string) error
	Run(id string) (*cron.Job, error)
	Runs(jobID string, limit int) ([]cron.RunEntry, error)
	Status() cron.ServiceStatus
}

// PromptSender dispatches a prompt into a routed session. Implemented by
// the gateway dispatcher.
type PromptSender interface {
	SendPrompt(ctx context.Context, provider, sessionID, text string) error
}

// PendingResolver is the approval broker's admin resolve path.
type PendingResolver interface {
	ResolvePending(pendingID, decision, actor string) error
}

// AdminHandler serves the management API the CLI and the MCP server call:
// session listings, cron job CRUD, prompt dispatch, approval resolution.
type AdminHandler struct {
	sessions  SessionLister
	scheduler Scheduler
	prompts   PromptSender
	approvals PendingResolver
}

// NewAdminHandler creates the management API. Any dependency may be nil;
// its endpoints then answer 503.
func NewAdminHandler(sessions SessionLister, scheduler Scheduler, prompts PromptSender, approvals PendingResolver) *AdminHandler {
	return &AdminHandler{
		sessions:  sessions,
		scheduler: scheduler,
		prompts:   prompts,
		approvals: approvals,
	}
}

// RegisterRoutes mounts the admin endpoints. Static paths go first so
// they are not shadowed by parameterized ones.
func (h *AdminHandler) RegisterRoutes(rt *Router) {
	rt.AddRoute(http.MethodGet, "/api/sessions", h.handleListSessions)
	rt.AddRoute(http.MethodGet, "/api/sessions/:provider/:id", h.handleGetSession)
	rt.AddRoute(http.MethodPost, "/api/prompt", h.handlePrompt)
	rt.AddRoute(http.MethodGet, "/api/cron/status", h.handleCronStatus)
	rt.AddRoute(http.MethodGet, "/api/cron/jobs", h.handleListJobs)
	rt.AddRoute(http.MethodPost, "/api/cron/jobs", h.handleAddJob)
	rt.AddRoute(http.MethodGet, "/api/cron/jobs/:id", h.handleGetJob)
	rt.AddRoute(http.MethodPatch, "/api/cron/jobs/:id", h.handlePatchJob)
	rt.AddRoute(http.MethodDelete, "/api/cron/jobs/:id", h.handleRemoveJob)
	rt.AddRoute(http.MethodPost, "/api/cron/jobs/:id/run", h.handleRunJob)
	rt.AddRoute(http.MethodGet, "/api/cron/jobs/:id/runs", h.handleJobRuns)
	rt.AddRoute(http.MethodPost, "/api/approvals/resolve", h.handleResolve)
}

func (h *AdminHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeUnavailable(w, "session monitor")
		return
	}
	snapshots := h.sessions.Snapshots()
	list := make([]monitor.SessionSnapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		list = append(list, snap)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Provider != list[j].Provider {
			return list[i].Provider < list[j].Provider
		}
		return list[i].SessionID < list[j].SessionID
	})
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (h *AdminHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeUnavailable(w, "session monitor")
		return
	}
	provider := r.PathValue("provider")
	id := r.PathValue("id")
	for _, snap := range h.sessions.Snapshots() {
		if snap.Provider == provider && snap.SessionID == id {
			WriteJSON(w, http.StatusOK, snap)
			return
		}
	}
	WriteJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
}

// promptPayload is the POST /api/prompt body.
type promptPayload struct {
	Provider  string `json:"provider"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// handlePrompt dispatches asynchronously: an agent turn can run for
// minutes, far past any sane HTTP timeout. Failures land in the hub log
// and the session thread.
func (h *AdminHandler) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if h.prompts == nil {
		writeUnavailable(w, "prompt dispatch")
		return
	}
	var p promptPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if p.Provider == "" || p.SessionID == "" || p.Text == "" {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "provider, session_id and text are required"})
		return
	}
	go h.prompts.SendPrompt(context.Background(), p.Provider, p.SessionID, p.Text)
	WriteJSON(w, http.StatusAccepted, map[string]string{"ok": "true"})
}

func (h *AdminHandler) handleCronStatus(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeUnavailable(w, "cron scheduler")
		return
	}
	WriteJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *AdminHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeUnavailable(w, "cron scheduler")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": h.scheduler.List()})
}

// jobSpecPayload is the POST /api/cron/jobs body. Enabled defaults to
// true when omitted; the source is always "user" on this path.
type jobSpecPayload struct {
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Enabled        *bool         `json:"enabled,omitempty"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
	TimeoutMs      int64         `json:"timeoutMs,omitempty"`
	Schedule       cron.Schedule `json:"schedule"`
	Action         cron.Action   `json:"action"`
}

func (h *AdminHandler) handleAddJob(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeUnavailable(w, "cron scheduler")
		return
	}
	var p jobSpecPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	job, err := h.scheduler.Add(cron.JobSpec{
		Name:           p.Name,
		Description:    p.Description,
		Enabled:        enabled,
		DeleteAfterRun: p.DeleteAfterRun,
		Source:         cron.SourceUser,
		TimeoutMs:      p.TimeoutMs,
		Schedule:       p.Schedule,
		Action:         p.Action,
	})
	if err != nil {
		writeCronError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

func (h *AdminHandler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeUnavailable(w, "cron scheduler")
		return
	}
	job, ok := h.scheduler.Get(r.PathValue("id"))
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// jobPatchPayload is the PATCH body; absent fields keep current values.
type jobPatchPayload struct {
	Name           *string        `json:"name,omitempty"`
	Description    *string        `json:"description,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	DeleteAfterRun *bool          `json:"deleteAfterRun,omitempty"`
	TimeoutMs      *int64         `json:"timeoutMs,omitempty"`
	Schedule       *cron.Schedule `json:"schedule,omitempty"`
	Action         *cron.Action   `json:"action,omitempty"`
}

func (h *AdminHandler) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeUnavailable(w, "cron scheduler")
		return
	}
	var p jobPatchPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	job, err := h.scheduler.Update(r.PathValue("id"), cron.Patch{
		Name:           p.Name,
		Description:    p.Description,
		Enabled:        p.Enabled,
		DeleteAfterRun: p.DeleteAfterRun,
		TimeoutMs:      p.TimeoutMs,
		Schedule:       p.Schedule,
		Action:         p.Action,
	})
	if err != nil {
		writeCronError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *AdminHandler) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeUnavailable(w, "cron scheduler")
		return
	}
	if err := h.scheduler.Remove(r.PathValue("id")); err != nil {
		writeCronError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (h *AdminHandler) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeUnavailable(w, "cron scheduler")
		return
	}
	job, err := h.scheduler.Run(r.PathValue("id"))
	if err != nil {
		writeCronError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *AdminHandler) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeUnavailable(w, "cron scheduler")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	runs, err := h.scheduler.Runs(r.PathValue("id"), limit)
	if err != nil {
		writeCronError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// resolvePayload is the POST /api/approvals/resolve body.
type resolvePayload struct {
	PendingID string `json:"pending_id"`
	Decision  string `json:"decision,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

func (h *AdminHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	if h.approvals == nil {
		writeUnavailable(w, "approval broker")
		return
	}
	var p resolvePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	err := h.approvals.ResolvePending(p.PendingID, p.Decision, p.Actor)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]string{"ok": "true"})
	case errors.Is(err, approval.ErrNotFound):
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, approval.ErrInvalidRequest), errors.Is(err, approval.ErrInvalidDecision):
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeCronError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cron.ErrJobNotFound):
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, cron.ErrServiceClosed):
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
}

func writeUnavailable(w http.ResponseWriter, what string) {
	WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": what + " not available"})
}
