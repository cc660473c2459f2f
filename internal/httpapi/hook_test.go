package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/praybot/internal/monitor"
	"github.com/nextlevelbuilder/praybot/internal/transcript"
)

type fakeHookMonitor struct {
	mu         sync.Mutex
	registered []string
	states     map[string]monitor.State
	phases     map[string]string
}

func newFakeHookMonitor() *fakeHookMonitor {
	return &fakeHookMonitor{
		states: make(map[string]monitor.State),
		phases: make(map[string]string),
	}
}

func (f *fakeHookMonitor) RegisterSession(provider, sessionID, cwd, transcriptPath string) monitor.SessionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, provider+":"+sessionID)
	return monitor.SessionSnapshot{Provider: provider, SessionID: sessionID, ProjectPath: cwd}
}

func (f *fakeHookMonitor) UpdateSessionState(sessionID string, state monitor.State) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[sessionID] = state
	return true
}

func (f *fakeHookMonitor) UpdateActivityPhase(sessionID, phase string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases[sessionID] = phase
	return true
}

func (f *fakeHookMonitor) phase(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phases[sessionID]
}

type fakeNotifier struct {
	started chan monitor.SessionSnapshot
	sent    chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		started: make(chan monitor.SessionSnapshot, 4),
		sent:    make(chan string, 4),
	}
}

func (f *fakeNotifier) OnSessionStart(snap monitor.SessionSnapshot) {
	f.started <- snap
}

func (f *fakeNotifier) SendToSessionThread(provider, sessionID, msg string) error {
	f.sent <- provider + "/" + sessionID + "/" + msg
	return nil
}

func postHook(t *testing.T, rt *Router, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/hook", strings.NewReader(body))
	rt.ServeHTTP(rec, req)
	return rec
}

// TestHookHandler_EventMapping verifies each hook event updates the
// monitor with the documented state or phase.
func TestHookHandler_EventMapping(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantState monitor.State
		wantPhase string
	}{
		{
			name:      "session end completes",
			body:      `{"hook_event_name":"SessionEnd","session_id":"s1"}`,
			wantState: monitor.StateCompleted,
		},
		{
			name:      "prompt submit goes busy",
			body:      `{"hook_event_name":"UserPromptSubmit","session_id":"s1"}`,
			wantPhase: transcript.PhaseBusy,
		},
		{
			name:      "stop goes interactable",
			body:      `{"hook_event_name":"Stop","session_id":"s1"}`,
			wantPhase: transcript.PhaseInteractable,
		},
		{
			name:      "permission prompt",
			body:      `{"hook_event_name":"Notification","session_id":"s1","notification_type":"permission_prompt"}`,
			wantPhase: transcript.PhaseWaitingPermission,
		},
		{
			name:      "idle prompt",
			body:      `{"hook_event_name":"Notification","session_id":"s1","notification_type":"idle_prompt"}`,
			wantPhase: transcript.PhaseWaitingQuestion,
		},
		{
			name:      "elicitation dialog",
			body:      `{"hook_event_name":"Notification","session_id":"s1","notification_type":"elicitation_dialog"}`,
			wantPhase: transcript.PhaseWaitingQuestion,
		},
		{
			name: "other notification ignored",
			body: `{"hook_event_name":"Notification","session_id":"s1","notification_type":"something_else"}`,
		},
		{
			name: "unmapped event acknowledged",
			body: `{"hook_event_name":"PreToolUse","session_id":"s1"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := newFakeHookMonitor()
			h := NewHookHandler(fm, nil, nil)
			rt := NewRouter()
			h.RegisterRoutes(rt)

			rec := postHook(t, rt, tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
			}
			if got := fm.states["s1"]; got != tt.wantState {
				t.Errorf("state = %q, want %q", got, tt.wantState)
			}
			if got := fm.phase("s1"); got != tt.wantPhase {
				t.Errorf("phase = %q, want %q", got, tt.wantPhase)
			}
		})
	}
}

// TestHookHandler_SessionStartNotifiesDiscovery verifies SessionStart
// registers the session and hands the snapshot to the notifier.
func TestHookHandler_SessionStartNotifiesDiscovery(t *testing.T) {
	fm := newFakeHookMonitor()
	fn := newFakeNotifier()
	h := NewHookHandler(fm, fn, nil)
	rt := NewRouter()
	h.RegisterRoutes(rt)

	rec := postHook(t, rt, `{"hook_event_name":"SessionStart","session_id":"s1","cwd":"/work/app","provider":"codex"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	select {
	case snap := <-fn.started:
		if snap.Provider != "codex" || snap.SessionID != "s1" || snap.ProjectPath != "/work/app" {
			t.Errorf("snapshot = %+v, want codex/s1 at /work/app", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was not called")
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.registered) != 1 || fm.registered[0] != "codex:s1" {
		t.Errorf("registered = %v, want [codex:s1]", fm.registered)
	}
}

// TestHookHandler_StopForwardsLastReply verifies Stop with a transcript
// path forwards the last assistant text to the session thread.
func TestHookHandler_StopForwardsLastReply(t *testing.T) {
	fm := newFakeHookMonitor()
	fn := newFakeNotifier()
	h := NewHookHandler(fm, fn, nil)
	h.readLast = func(path string) (string, error) {
		if path != "/tmp/t.jsonl" {
			t.Errorf("readLast path = %q, want %q", path, "/tmp/t.jsonl")
		}
		return "all done", nil
	}
	rt := NewRouter()
	h.RegisterRoutes(rt)

	rec := postHook(t, rt, `{"hook_event_name":"Stop","session_id":"s1","transcript_path":"/tmp/t.jsonl"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := fm.phase("s1"); got != transcript.PhaseInteractable {
		t.Errorf("phase = %q, want %q", got, transcript.PhaseInteractable)
	}

	select {
	case got := <-fn.sent:
		if got != "claude/s1/all done" {
			t.Errorf("forwarded = %q, want %q", got, "claude/s1/all done")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply was not forwarded")
	}
}

// TestHookHandler_StopEmptyReplyNotForwarded verifies nothing is sent
// when the transcript has no assistant text.
func TestHookHandler_StopEmptyReplyNotForwarded(t *testing.T) {
	fm := newFakeHookMonitor()
	fn := newFakeNotifier()
	h := NewHookHandler(fm, fn, nil)
	h.readLast = func(path string) (string, error) { return "", nil }
	rt := NewRouter()
	h.RegisterRoutes(rt)

	postHook(t, rt, `{"hook_event_name":"Stop","session_id":"s1","transcript_path":"/tmp/t.jsonl"}`)

	select {
	case got := <-fn.sent:
		t.Errorf("unexpected forward %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestHookHandler_Validation verifies malformed requests are rejected
// with a JSON error.
func TestHookHandler_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{nope`},
		{"missing session_id", `{"hook_event_name":"Stop"}`},
		{"missing event name", `{"session_id":"s1"}`},
		{"unknown provider", `{"hook_event_name":"Stop","session_id":"s1","provider":"gemini"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := newFakeHookMonitor()
			h := NewHookHandler(fm, nil, nil)
			rt := NewRouter()
			h.RegisterRoutes(rt)

			rec := postHook(t, rt, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if len(fm.states) != 0 || len(fm.phases) != 0 {
				t.Errorf("monitor was touched: states=%v phases=%v", fm.states, fm.phases)
			}
		})
	}
}

type fakeGateStarter struct {
	mu    sync.Mutex
	gates []string
}

func (f *fakeGateStarter) StartGate(provider, sessionID, toolName, summary string, timeout time.Duration) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates = append(f.gates, provider+"/"+sessionID+"/"+toolName)
	return "gate-1"
}

// TestHookHandler_PreToolUseStartsGate verifies PreToolUse registers a
// gate and returns its id for the script to poll.
func TestHookHandler_PreToolUseStartsGate(t *testing.T) {
	fm := newFakeHookMonitor()
	fg := &fakeGateStarter{}
	h := NewHookHandler(fm, nil, fg)
	rt := NewRouter()
	h.RegisterRoutes(rt)

	rec := postHook(t, rt, `{"hook_event_name":"PreToolUse","session_id":"s1","tool_name":"Bash","tool_input":{"command":"rm -rf /tmp/x"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"id":"gate-1"`) {
		t.Errorf("body = %s, want gate id", rec.Body.String())
	}
	if len(fg.gates) != 1 || fg.gates[0] != "claude/s1/Bash" {
		t.Errorf("gates = %v, want [claude/s1/Bash]", fg.gates)
	}
}

// TestHookHandler_RateLimit verifies ingress beyond the limiter budget
// is rejected with 429.
func TestHookHandler_RateLimit(t *testing.T) {
	fm := newFakeHookMonitor()
	h := NewHookHandler(fm, nil, nil)
	h.limiter = rate.NewLimiter(rate.Limit(1), 1)
	rt := NewRouter()
	h.RegisterRoutes(rt)

	first := postHook(t, rt, `{"hook_event_name":"UserPromptSubmit","session_id":"s1"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, want %d", first.Code, http.StatusOK)
	}
	second := postHook(t, rt, `{"hook_event_name":"UserPromptSubmit","session_id":"s1"}`)
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want %d", second.Code, http.StatusTooManyRequests)
	}
}
