package httpapi

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/praybot/internal/approval"
)

// GateResolver reports and decides pre-tool-use gates. Implemented by
// the approval bridge. Await blocks until the gate leaves pending or
// the wait elapses; wait<=0 uses the bridge's long-poll cap.
type GateResolver interface {
	Await(ctx context.Context, id string, wait time.Duration) (approval.GateStatus, bool)
	Resolve(id string, approved bool) bool
}

// GateHandler serves the long-poll status endpoint hook scripts block
// on and the browser respond page linked from chat prompts.
type GateHandler struct {
	gates GateResolver
}

// NewGateHandler creates the gate status/respond endpoints.
func NewGateHandler(gates GateResolver) *GateHandler {
	return &GateHandler{gates: gates}
}

// RegisterRoutes mounts the gate endpoints.
func (h *GateHandler) RegisterRoutes(rt *Router) {
	rt.AddRoute(http.MethodGet, "/api/hook/status/:id", h.handleStatus)
	rt.AddRoute(http.MethodPost, "/api/hook/respond", h.handleRespond)
}

func (h *GateHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := h.gates.Await(r.Context(), r.PathValue("id"), 0)
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown gate id"})
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (h *GateHandler) handleRespond(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	approved, err := strconv.ParseBool(r.URL.Query().Get("approved"))
	if id == "" || err != nil {
		writeHTML(w, http.StatusBadRequest, "Missing or invalid id/approved parameters.")
		return
	}
	if !h.gates.Resolve(id, approved) {
		writeHTML(w, http.StatusOK, "This request was already processed.")
		return
	}
	if approved {
		writeHTML(w, http.StatusOK, "Approved. You can close this tab.")
		return
	}
	writeHTML(w, http.StatusOK, "Denied. You can close this tab.")
}

func writeHTML(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!doctype html><html><body><p>%s</p></body></html>", html.EscapeString(msg))
}
