package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/praybot/internal/monitor"
	"github.com/nextlevelbuilder/praybot/internal/store"
	"github.com/nextlevelbuilder/praybot/internal/store/file"
	"github.com/nextlevelbuilder/praybot/internal/throttle"
)

// memRoutes is an in-memory store.RouteStore.
type memRoutes struct {
	mu     sync.Mutex
	routes map[string]store.ThreadRoute // by thread id
}

func newMemRoutes() *memRoutes {
	return &memRoutes{routes: make(map[string]store.ThreadRoute)}
}

func (m *memRoutes) Upsert(r store.ThreadRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.UpdatedAt = time.Now()
	m.routes[r.ThreadID] = r
	return nil
}

func (m *memRoutes) ByThread(threadID string) (*store.ThreadRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.routes[threadID]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *memRoutes) BySession(provider, sessionID string) (*store.ThreadRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID == "" {
		return nil, nil
	}
	for _, r := range m.routes {
		if r.Provider == provider && r.ProviderSessionID == sessionID {
			out := r
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memRoutes) UnclaimedByCwd(provider, cwd string) (*store.ThreadRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.routes {
		if r.Provider == provider && r.ProviderSessionID == "" && r.Cwd == cwd {
			out := r
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memRoutes) Claim(threadID, providerSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[threadID]
	if !ok {
		return errors.New("route not found")
	}
	r.ProviderSessionID = providerSessionID
	r.MappingKey = store.SessionMappingKey(r.Provider, providerSessionID)
	r.UpdatedAt = time.Now()
	m.routes[threadID] = r
	return nil
}

func (m *memRoutes) List() ([]store.ThreadRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ThreadRoute, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	return out, nil
}

func (m *memRoutes) Delete(threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, threadID)
	return nil
}

func (m *memRoutes) Close() error { return nil }

// fakeChat records created threads and can block creations on a gate.
type fakeChat struct {
	mu      sync.Mutex
	created []string // channelID/name
	next    int
	gate    chan struct{}
	err     error
}

func (f *fakeChat) CreateThread(ctx context.Context, channelID, name string) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.next++
	f.created = append(f.created, channelID+"/"+name)
	return fmt.Sprintf("thread-%d", f.next), nil
}

func (f *fakeChat) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// recorder is a throttle executor capturing deliveries.
type recorder struct {
	mu    sync.Mutex
	sends []string // channelID: text
}

func (r *recorder) exec(ctx context.Context, channelID string, p throttle.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	text := p.Text
	if text == "" && p.Embed != nil {
		text = "<embed>"
	}
	r.sends = append(r.sends, channelID+": "+text)
	return nil
}

func (r *recorder) find(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sends {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testRig struct {
	svc    *Service
	routes *memRoutes
	chat   *fakeChat
	rec    *recorder
	queue  *throttle.Queue
}

func newRig(t *testing.T, cfg Config, channels map[string]string) *testRig {
	t.Helper()
	rec := &recorder{}
	q := throttle.NewQueue(throttle.Config{
		MergeWindow:   time.Millisecond,
		ChannelLimit:  1000,
		ChannelWindow: time.Second,
		GlobalLimit:   1000,
		GlobalWindow:  time.Second,
	}, rec.exec)
	t.Cleanup(q.Destroy)

	watch, err := file.LoadWatchState(filepath.Join(t.TempDir(), "watch.json"))
	if err != nil {
		t.Fatal(err)
	}

	routes := newMemRoutes()
	chat := &fakeChat{}
	svc := New(cfg, Deps{
		Routes:   routes,
		Queue:    q,
		Chat:     chat,
		Registry: NewRegistry(channels),
		Watch:    watch,
	})
	svc.sleep = func(time.Duration) {}
	t.Cleanup(svc.Close)
	return &testRig{svc: svc, routes: routes, chat: chat, rec: rec, queue: q}
}

func activeSnap(provider, sid, path string) monitor.SessionSnapshot {
	return monitor.SessionSnapshot{
		Provider:    provider,
		SessionID:   sid,
		ProjectPath: path,
		ProjectName: filepath.Base(path),
		State:       monitor.StateActive,
	}
}

func snapshotMap(snaps ...monitor.SessionSnapshot) map[string]monitor.SessionSnapshot {
	m := make(map[string]monitor.SessionSnapshot, len(snaps))
	for _, s := range snaps {
		m[s.SessionID] = s
	}
	return m
}

func TestDiscovery_CreatesThreadForNewSession(t *testing.T) {
	rig := newRig(t, Config{InitialEmbed: true}, map[string]string{"/work/api": "chan-api"})

	snap := activeSnap("claude", "sess-one", "/work/api")
	if err := rig.svc.HandleRefresh(snapshotMap(snap)); err != nil {
		t.Fatalf("HandleRefresh error = %v", err)
	}

	if rig.chat.count() != 1 {
		t.Fatalf("threads created = %d, want 1", rig.chat.count())
	}
	route, err := rig.routes.BySession("claude", "sess-one")
	if err != nil || route == nil {
		t.Fatalf("route not persisted: %v %v", route, err)
	}
	if route.ChannelID != "chan-api" || route.Origin != store.OriginAuto {
		t.Errorf("route = %+v, want chan-api/auto", route)
	}
	waitFor(t, "initial embed", func() bool { return rig.rec.find("<embed>") })

	// Same refresh content again: no second thread.
	if err := rig.svc.HandleRefresh(snapshotMap(snap)); err != nil {
		t.Fatal(err)
	}
	if rig.chat.count() != 1 {
		t.Errorf("threads created after repeat = %d, want 1", rig.chat.count())
	}
}

func TestDiscovery_SkipsNonTargetAndExcluded(t *testing.T) {
	rig := newRig(t, Config{ExcludePrefixes: []string{"/scratch"}}, map[string]string{
		"/work/api": "chan-api",
		"/scratch":  "chan-scratch",
	})

	idle := activeSnap("claude", "sess-idle", "/work/api")
	idle.State = monitor.StateIdle
	excluded := activeSnap("claude", "sess-tmp", "/scratch/throwaway")

	if err := rig.svc.HandleRefresh(snapshotMap(idle, excluded)); err != nil {
		t.Fatal(err)
	}
	if rig.chat.count() != 0 {
		t.Errorf("threads created = %d, want 0", rig.chat.count())
	}
}

func TestDiscovery_FallbackChannel(t *testing.T) {
	rig := newRig(t, Config{FallbackChannel: "chan-misc"}, nil)

	if err := rig.svc.HandleRefresh(snapshotMap(activeSnap("codex", "sess-x", "/elsewhere/tool"))); err != nil {
		t.Fatal(err)
	}
	if rig.chat.count() != 1 {
		t.Fatalf("threads created = %d, want 1", rig.chat.count())
	}
	if !strings.HasPrefix(rig.chat.created[0], "chan-misc/") {
		t.Errorf("thread parent = %q, want chan-misc", rig.chat.created[0])
	}
}

func TestDiscovery_NoChannelNoFallbackSkips(t *testing.T) {
	rig := newRig(t, Config{}, nil)

	if err := rig.svc.HandleRefresh(snapshotMap(activeSnap("claude", "sess-x", "/elsewhere"))); err != nil {
		t.Fatal(err)
	}
	if rig.chat.count() != 0 {
		t.Errorf("threads created = %d, want 0", rig.chat.count())
	}
}

func TestDiscovery_ExistingRouteAdopted(t *testing.T) {
	rig := newRig(t, Config{}, map[string]string{"/work/api": "chan-api"})
	rig.routes.Upsert(store.ThreadRoute{
		ThreadID:          "thread-old",
		ChannelID:         "chan-api",
		Provider:          "claude",
		ProviderSessionID: "sess-known",
		Origin:            store.OriginAuto,
	})

	if err := rig.svc.HandleRefresh(snapshotMap(activeSnap("claude", "sess-known", "/work/api"))); err != nil {
		t.Fatal(err)
	}
	if rig.chat.count() != 0 {
		t.Errorf("threads created = %d, want 0 (route already exists)", rig.chat.count())
	}
	if tid, err := rig.svc.threadFor("claude", "sess-known"); err != nil || tid != "thread-old" {
		t.Errorf("threadFor = (%q, %v), want thread-old", tid, err)
	}
}

func TestDiscovery_CwdClaim(t *testing.T) {
	// A chat-initiated session created its route before the backend knew
	// the session id: providerSessionId is empty, cwd matches. The session
	// must claim that route instead of spawning a duplicate thread.
	rig := newRig(t, Config{}, map[string]string{"/work/api": "chan-api"})
	rig.routes.Upsert(store.ThreadRoute{
		ThreadID:  "thread-manual",
		ChannelID: "chan-api",
		Provider:  "claude",
		Cwd:       "/work/api",
		Origin:    store.OriginManual,
	})

	if err := rig.svc.HandleRefresh(snapshotMap(activeSnap("claude", "sess-late", "/work/api"))); err != nil {
		t.Fatal(err)
	}

	if rig.chat.count() != 0 {
		t.Fatalf("threads created = %d, want 0 (cwd claim)", rig.chat.count())
	}
	route, err := rig.routes.ByThread("thread-manual")
	if err != nil || route == nil {
		t.Fatalf("route lookup failed: %v", err)
	}
	if route.ProviderSessionID != "sess-late" {
		t.Errorf("providerSessionId = %q, want sess-late written back", route.ProviderSessionID)
	}
}

func TestDiscovery_PendingCreationBlocksConcurrentAdopt(t *testing.T) {
	rig := newRig(t, Config{FallbackChannel: "chan-misc"}, nil)
	rig.chat.gate = make(chan struct{})

	snap := activeSnap("claude", "sess-race", "/work/thing")
	done := make(chan struct{})
	go func() {
		rig.svc.maybeAdopt(snap)
		close(done)
	}()

	// Wait until the first adoption is parked inside CreateThread, then
	// race a refresh carrying the same session.
	waitFor(t, "pending creation", func() bool {
		rig.svc.mu.Lock()
		defer rig.svc.mu.Unlock()
		_, ok := rig.svc.pending[sessionKey("claude", "sess-race")]
		return ok
	})
	if err := rig.svc.HandleRefresh(snapshotMap(snap)); err != nil {
		t.Fatal(err)
	}

	close(rig.chat.gate)
	<-done
	if rig.chat.count() != 1 {
		t.Errorf("threads created = %d, want 1 (pending guard)", rig.chat.count())
	}
}

func TestDiscovery_StateTransitionMessage(t *testing.T) {
	rig := newRig(t, Config{}, map[string]string{"/work/api": "chan-api"})

	snap := activeSnap("claude", "sess-one", "/work/api")
	if err := rig.svc.HandleRefresh(snapshotMap(snap)); err != nil {
		t.Fatal(err)
	}

	snap.State = monitor.StateIdle
	if err := rig.svc.HandleRefresh(snapshotMap(snap)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "idle message", func() bool { return rig.rec.find("went idle") })
}

func TestDiscovery_PhaseTransitionMessage(t *testing.T) {
	rig := newRig(t, Config{}, map[string]string{"/work/api": "chan-api"})

	snap := activeSnap("claude", "sess-one", "/work/api")
	snap.ActivityPhase = "busy"
	if err := rig.svc.HandleRefresh(snapshotMap(snap)); err != nil {
		t.Fatal(err)
	}

	snap.ActivityPhase = "waiting_permission"
	snap.WaitToolNames = []string{"Bash"}
	if err := rig.svc.HandleRefresh(snapshotMap(snap)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "permission message", func() bool { return rig.rec.find("Waiting for permission") })
}

func TestDiscovery_SendToSessionThread(t *testing.T) {
	rig := newRig(t, Config{}, map[string]string{"/work/api": "chan-api"})

	if err := rig.svc.SendToSessionThread("claude", "nobody", "hello"); !errors.Is(err, ErrNoThread) {
		t.Errorf("unmapped send error = %v, want ErrNoThread", err)
	}

	if err := rig.svc.HandleRefresh(snapshotMap(activeSnap("claude", "sess-one", "/work/api"))); err != nil {
		t.Fatal(err)
	}
	if err := rig.svc.SendToSessionThread("claude", "sess-one", "hello there"); err != nil {
		t.Fatalf("send error = %v", err)
	}
	waitFor(t, "thread message", func() bool { return rig.rec.find("hello there") })
}

func TestDiscovery_WatchPassReportsTurns(t *testing.T) {
	dir := t.TempDir()
	jsonl := filepath.Join(dir, "sess.jsonl")
	lines := []string{
		`{"type":"user","timestamp":"2026-02-01T10:00:00Z"}`,
		`{"type":"assistant","timestamp":"2026-02-01T10:00:10Z"}`,
		`{"type":"assistant","timestamp":"2026-02-01T10:01:00Z"}`,
	}
	if err := os.WriteFile(jsonl, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rig := newRig(t, Config{WatchInterval: 10 * time.Minute}, map[string]string{"/work/api": "chan-api"})

	snap := activeSnap("claude", "sess-one", "/work/api")
	snap.JSONLPath = jsonl

	// First refresh: thread + baseline, no report yet.
	base := time.Date(2026, 2, 1, 9, 59, 0, 0, time.UTC)
	rig.svc.now = func() time.Time { return base }
	if err := rig.svc.HandleRefresh(snapshotMap(snap)); err != nil {
		t.Fatal(err)
	}
	if rig.rec.find("turns in the last") {
		t.Fatal("monitor log sent on baseline pass")
	}

	// Second refresh past the interval: the three newer entries count.
	rig.svc.now = func() time.Time { return base.Add(11 * time.Minute) }
	if err := rig.svc.HandleRefresh(snapshotMap(snap)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "monitor log", func() bool { return rig.rec.find("1 user / 2 assistant turns") })
}

func TestDiscovery_OnSessionStartAdoptsImmediately(t *testing.T) {
	rig := newRig(t, Config{}, map[string]string{"/work/api": "chan-api"})

	rig.svc.OnSessionStart(activeSnap("claude", "sess-hook", "/work/api"))
	if rig.chat.count() != 1 {
		t.Fatalf("threads created = %d, want 1", rig.chat.count())
	}

	// The next refresh sees the session as known; no duplicate.
	if err := rig.svc.HandleRefresh(snapshotMap(activeSnap("claude", "sess-hook", "/work/api"))); err != nil {
		t.Fatal(err)
	}
	if rig.chat.count() != 1 {
		t.Errorf("threads created after refresh = %d, want 1", rig.chat.count())
	}
}
