package agent

import (
	"context"
	"errors"
	"testing"
)

type fakeSession struct {
	tracker *Tracker
	closed  int
}

func newFakeSession() *fakeSession {
	return &fakeSession{tracker: NewTracker()}
}

func (f *fakeSession) Send(ctx context.Context, message string) (*Stream, error) {
	if _, err := f.tracker.BeginTurn(); err != nil {
		return nil, err
	}
	s := NewStream(1)
	go func() {
		defer f.tracker.EndTurn()
		s.Emit(ctx, TextEvent("ok", false))
		s.Close(nil)
	}()
	return s, nil
}

func (f *fakeSession) Interrupt() {}

func (f *fakeSession) Status() Status { return f.tracker.Status() }

func (f *fakeSession) Close() error {
	f.closed++
	f.tracker.Close()
	return nil
}

type fakeProvider struct {
	name    string
	initErr error
	created []*fakeSession
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Initialize(ctx context.Context) error { return p.initErr }

func (p *fakeProvider) CreateSession(ctx context.Context, opts CreateOptions) (Session, error) {
	s := newFakeSession()
	p.created = append(p.created, s)
	return s, nil
}

// TestManager_RegisterProviderTolerant verifies a failing provider is
// skipped without affecting others.
func TestManager_RegisterProviderTolerant(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	m.RegisterProvider(ctx, &fakeProvider{name: "good"})
	m.RegisterProvider(ctx, &fakeProvider{name: "bad", initErr: errors.New("no credentials")})

	got := m.ListProviders()
	if len(got) != 1 || got[0] != "good" {
		t.Errorf("ListProviders() = %v, want [good]", got)
	}
}

// TestManager_CreateSessionReplacesExisting verifies a second create under
// the same key closes the previous session first.
func TestManager_CreateSessionReplacesExisting(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	p := &fakeProvider{name: "codex"}
	m.RegisterProvider(ctx, p)

	if _, err := m.CreateSession(ctx, "thread-1", "codex", CreateOptions{}); err != nil {
		t.Fatalf("first CreateSession() error = %v", err)
	}
	if _, err := m.CreateSession(ctx, "thread-1", "codex", CreateOptions{}); err != nil {
		t.Fatalf("second CreateSession() error = %v", err)
	}

	if len(p.created) != 2 {
		t.Fatalf("created %d sessions, want 2", len(p.created))
	}
	if p.created[0].closed == 0 {
		t.Error("first session was not closed on replacement")
	}
	if p.created[1].closed != 0 {
		t.Error("second session unexpectedly closed")
	}
}

// TestManager_CreateSessionUnknownProvider verifies the typed failure.
func TestManager_CreateSessionUnknownProvider(t *testing.T) {
	m := NewManager()
	if _, err := m.CreateSession(context.Background(), "k", "nope", CreateOptions{}); err == nil {
		t.Error("CreateSession() with unknown provider returned nil error")
	}
}

// TestManager_RemoveSession verifies removal closes and forgets the session.
func TestManager_RemoveSession(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	p := &fakeProvider{name: "codex"}
	m.RegisterProvider(ctx, p)

	if _, err := m.CreateSession(ctx, "k", "codex", CreateOptions{}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := m.RemoveSession("k"); err != nil {
		t.Fatalf("RemoveSession() error = %v", err)
	}
	if p.created[0].closed == 0 {
		t.Error("removed session was not closed")
	}
	if got := m.ListSessions(); len(got) != 0 {
		t.Errorf("ListSessions() after removal = %v, want empty", got)
	}
	if err := m.RemoveSession("k"); err == nil {
		t.Error("second RemoveSession() returned nil error")
	}
}
