package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/praybot/internal/approval"
	"github.com/nextlevelbuilder/praybot/internal/cron"
	"github.com/nextlevelbuilder/praybot/internal/monitor"
)

type fakeSessions struct {
	snaps map[string]monitor.SessionSnapshot
}

func (f *fakeSessions) Snapshots() map[string]monitor.SessionSnapshot { return f.snaps }

type fakeScheduler struct {
	mu      sync.Mutex
	jobs    map[string]cron.Job
	ran     []string
	removed []string
}

func newFakeScheduler(jobs ...cron.Job) *fakeScheduler {
	f := &fakeScheduler{jobs: make(map[string]cron.Job)}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeScheduler) List() []cron.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cron.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeScheduler) Get(id string) (cron.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeScheduler) Add(spec cron.JobSpec) (*cron.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := cron.Job{ID: "new00001", Name: spec.Name, Enabled: spec.Enabled, Source: spec.Source, Schedule: spec.Schedule, Action: spec.Action}
	f.jobs[j.ID] = j
	return &j, nil
}

func (f *fakeScheduler) Update(id string, patch cron.Patch) (*cron.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, cron.ErrJobNotFound
	}
	if patch.Enabled != nil {
		j.Enabled = *patch.Enabled
	}
	if patch.Name != nil {
		j.Name = *patch.Name
	}
	f.jobs[id] = j
	return &j, nil
}

func (f *fakeScheduler) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return cron.ErrJobNotFound
	}
	delete(f.jobs, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeScheduler) Run(id string) (*cron.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, cron.ErrJobNotFound
	}
	f.ran = append(f.ran, id)
	return &j, nil
}

func (f *fakeScheduler) Runs(jobID string, limit int) ([]cron.RunEntry, error) {
	if _, ok := f.Get(jobID); !ok {
		return nil, cron.ErrJobNotFound
	}
	return []cron.RunEntry{{AtMs: 1000, Trigger: cron.TriggerManual, Status: cron.StatusOK}}, nil
}

func (f *fakeScheduler) Status() cron.ServiceStatus { return cron.ServiceStatus{} }

type fakePrompts struct {
	mu   sync.Mutex
	sent []string
	done chan struct{}
}

func (f *fakePrompts) SendPrompt(ctx context.Context, provider, sessionID, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, provider+"/"+sessionID+"/"+text)
	f.mu.Unlock()
	if f.done != nil {
		close(f.done)
	}
	return nil
}

type fakeResolver struct {
	err  error
	last string
}

func (f *fakeResolver) ResolvePending(pendingID, decision, actor string) error {
	f.last = pendingID + "/" + decision + "/" + actor
	return f.err
}

func adminRouter(h *AdminHandler) *Router {
	rt := NewRouter()
	h.RegisterRoutes(rt)
	return rt
}

func do(t *testing.T, rt *Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rt.ServeHTTP(rec, req)
	return rec
}

// TestAdmin_ListSessions verifies snapshots come back sorted by
// provider then session id.
func TestAdmin_ListSessions(t *testing.T) {
	sessions := &fakeSessions{snaps: map[string]monitor.SessionSnapshot{
		"b": {Provider: "codex", SessionID: "zz"},
		"a": {Provider: "claude", SessionID: "aa"},
		"c": {Provider: "claude", SessionID: "bb"},
	}}
	rt := adminRouter(NewAdminHandler(sessions, nil, nil, nil))

	rec := do(t, rt, http.MethodGet, "/api/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Sessions []monitor.SessionSnapshot `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Sessions) != 3 {
		t.Fatalf("len = %d, want 3", len(resp.Sessions))
	}
	if resp.Sessions[0].SessionID != "aa" || resp.Sessions[2].Provider != "codex" {
		t.Errorf("unexpected order: %+v", resp.Sessions)
	}
}

// TestAdmin_GetSession verifies lookup by provider and id plus the 404.
func TestAdmin_GetSession(t *testing.T) {
	sessions := &fakeSessions{snaps: map[string]monitor.SessionSnapshot{
		"a": {Provider: "claude", SessionID: "s1", ProjectName: "app"},
	}}
	rt := adminRouter(NewAdminHandler(sessions, nil, nil, nil))

	rec := do(t, rt, http.MethodGet, "/api/sessions/claude/s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap monitor.SessionSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.ProjectName != "app" {
		t.Errorf("project = %q, want app", snap.ProjectName)
	}

	if rec := do(t, rt, http.MethodGet, "/api/sessions/claude/ghost", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", rec.Code)
	}
}

// TestAdmin_Prompt verifies dispatch is accepted and forwarded.
func TestAdmin_Prompt(t *testing.T) {
	prompts := &fakePrompts{done: make(chan struct{})}
	rt := adminRouter(NewAdminHandler(nil, nil, prompts, nil))

	rec := do(t, rt, http.MethodPost, "/api/prompt",
		`{"provider":"claude","session_id":"s1","text":"run tests"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	<-prompts.done
	prompts.mu.Lock()
	defer prompts.mu.Unlock()
	if len(prompts.sent) != 1 || prompts.sent[0] != "claude/s1/run tests" {
		t.Errorf("sent = %v", prompts.sent)
	}
}

// TestAdmin_PromptValidation verifies missing fields are rejected.
func TestAdmin_PromptValidation(t *testing.T) {
	rt := adminRouter(NewAdminHandler(nil, nil, &fakePrompts{}, nil))
	rec := do(t, rt, http.MethodPost, "/api/prompt", `{"provider":"claude"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// TestAdmin_CronLifecycle exercises add, get, patch, run, runs, remove.
func TestAdmin_CronLifecycle(t *testing.T) {
	sched := newFakeScheduler()
	rt := adminRouter(NewAdminHandler(nil, sched, nil, nil))

	rec := do(t, rt, http.MethodPost, "/api/cron/jobs",
		`{"name":"nightly","schedule":{"kind":"every","everyMs":60000},"action":{"type":"chat_message"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d: %s", rec.Code, rec.Body.String())
	}
	var job cron.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !job.Enabled {
		t.Error("enabled should default to true")
	}
	if job.Source != cron.SourceUser {
		t.Errorf("source = %q, want user", job.Source)
	}

	if rec := do(t, rt, http.MethodGet, "/api/cron/jobs/"+job.ID, ""); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec = do(t, rt, http.MethodPatch, "/api/cron/jobs/"+job.ID, `{"enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d", rec.Code)
	}
	if j, _ := sched.Get(job.ID); j.Enabled {
		t.Error("patch did not disable the job")
	}

	if rec := do(t, rt, http.MethodPost, "/api/cron/jobs/"+job.ID+"/run", ""); rec.Code != http.StatusOK {
		t.Errorf("run status = %d", rec.Code)
	}
	if rec := do(t, rt, http.MethodGet, "/api/cron/jobs/"+job.ID+"/runs?limit=5", ""); rec.Code != http.StatusOK {
		t.Errorf("runs status = %d", rec.Code)
	}
	if rec := do(t, rt, http.MethodDelete, "/api/cron/jobs/"+job.ID, ""); rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := do(t, rt, http.MethodPost, "/api/cron/jobs/ghost/run", ""); rec.Code != http.StatusNotFound {
		t.Errorf("ghost run status = %d, want 404", rec.Code)
	}
}

// TestAdmin_RunsLimitValidation verifies bad limits are rejected.
func TestAdmin_RunsLimitValidation(t *testing.T) {
	sched := newFakeScheduler(cron.Job{ID: "abc"})
	rt := adminRouter(NewAdminHandler(nil, sched, nil, nil))
	rec := do(t, rt, http.MethodGet, "/api/cron/jobs/abc/runs?limit=zero", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// TestAdmin_Resolve verifies typed broker errors map onto status codes.
func TestAdmin_Resolve(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"resolved", nil, http.StatusOK},
		{"unknown pending", approval.ErrNotFound, http.StatusNotFound},
		{"bad decision", approval.ErrInvalidDecision, http.StatusBadRequest},
		{"bad request", approval.ErrInvalidRequest, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{err: tt.err}
			rt := adminRouter(NewAdminHandler(nil, nil, nil, resolver))
			rec := do(t, rt, http.MethodPost, "/api/approvals/resolve",
				`{"pending_id":"p1","decision":"accept","actor":"admin"}`)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

// TestAdmin_UnavailableDependencies verifies nil deps answer 503.
func TestAdmin_UnavailableDependencies(t *testing.T) {
	rt := adminRouter(NewAdminHandler(nil, nil, nil, nil))
	paths := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/sessions"},
		{http.MethodGet, "/api/cron/jobs"},
		{http.MethodPost, "/api/prompt"},
		{http.MethodPost, "/api/approvals/resolve"},
	}
	for _, p := range paths {
		if rec := do(t, rt, p.method, p.path, "{}"); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s status = %d, want 503", p.method, p.path, rec.Code)
		}
	}
}
