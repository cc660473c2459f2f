package sqlite

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/praybot/internal/store"
	"github.com/nextlevelbuilder/praybot/internal/transcript"
)

func newTestLifecycleStore(t *testing.T, dir string) *LifecycleStore {
	t.Helper()
	s, err := OpenLifecycleStore(filepath.Join(dir, "lifecycle-stream.db"))
	if err != nil {
		t.Fatalf("OpenLifecycleStore: %v", err)
	}
	return s
}

// TestLifecycleStore_AppendAndQuery verifies both streams and the
// newest-first query order.
func TestLifecycleStore_AppendAndQuery(t *testing.T) {
	s := newTestLifecycleStore(t, t.TempDir())
	defer s.Close()

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	events := []store.SessionLifecycleEvent{
		{ID: "e1", Event: "session_started", Provider: "claude", SessionID: "s1", At: base},
		{ID: "e2", Event: "phase_changed", Provider: "claude", SessionID: "s1", Detail: "busy", At: base.Add(time.Minute)},
	}
	for _, ev := range events {
		if err := s.AppendSessionEvent(ev); err != nil {
			t.Fatalf("AppendSessionEvent: %v", err)
		}
	}
	if err := s.AppendSkillEvent(store.SkillLifecycleEvent{
		ID: "k1", Event: "skill_invoked", Skill: "review", SessionID: "s1", At: base,
	}); err != nil {
		t.Fatalf("AppendSkillEvent: %v", err)
	}

	got, err := s.RecentSessionEvents(10)
	if err != nil {
		t.Fatalf("RecentSessionEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d session events, want 2", len(got))
	}
	if got[0].ID != "e2" || got[1].ID != "e1" {
		t.Errorf("order = %s,%s, want e2,e1", got[0].ID, got[1].ID)
	}
	if !got[0].At.Equal(base.Add(time.Minute)) {
		t.Errorf("at = %v, want %v", got[0].At, base.Add(time.Minute))
	}

	skills, err := s.RecentSkillEvents(10)
	if err != nil {
		t.Fatalf("RecentSkillEvents: %v", err)
	}
	if len(skills) != 1 || skills[0].Skill != "review" {
		t.Errorf("skill events = %+v", skills)
	}
}

// TestLifecycleStore_OffsetRoundtrip verifies stream offsets survive a
// close/reopen cycle through the OffsetSink surface.
func TestLifecycleStore_OffsetRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s := newTestLifecycleStore(t, dir)

	s.Set("/var/log/lifecycle.jsonl", "lifecycle-db", transcript.GroupOffset{Inode: 7, Offset: 1234})
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = newTestLifecycleStore(t, dir)
	defer s.Close()
	off, ok := s.Get("/var/log/lifecycle.jsonl", "lifecycle-db")
	if !ok {
		t.Fatal("offset missing after reopen")
	}
	want := transcript.GroupOffset{Inode: 7, Offset: 1234}
	if off != want {
		t.Errorf("offset = %+v, want %+v", off, want)
	}
	if _, ok := s.Get("/var/log/lifecycle.jsonl", "other"); ok {
		t.Error("unknown group must miss")
	}
}

// TestLifecycleIngest_ResumesAcrossRestart verifies tailing the hook
// file into the store ingests each line exactly once even across a
// store restart.
func TestLifecycleIngest_ResumesAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	jsonl := filepath.Join(dir, "lifecycle.jsonl")
	lines := `{"event":"session_started","provider":"claude","session_id":"s1","cwd":"/work/app","timestamp":"2026-01-15T10:00:00Z"}
{"event":"skill_invoked","skill":"review","session_id":"s1","timestamp":"2026-01-15T10:00:05Z"}
`
	if err := os.WriteFile(jsonl, []byte(lines), 0o644); err != nil {
		t.Fatalf("write jsonl: %v", err)
	}

	s := newTestLifecycleStore(t, dir)
	tailer := NewLifecycleIngest(jsonl, s, time.Hour)
	if err := tailer.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	sessions, err := s.RecentSessionEvents(10)
	if err != nil {
		t.Fatalf("RecentSessionEvents: %v", err)
	}
	skills, err := s.RecentSkillEvents(10)
	if err != nil {
		t.Fatalf("RecentSkillEvents: %v", err)
	}
	if len(sessions) != 1 || len(skills) != 1 {
		t.Fatalf("got %d session + %d skill events, want 1+1", len(sessions), len(skills))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Append one more line, reopen, and poll again: no duplicates.
	f, err := os.OpenFile(jsonl, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open jsonl: %v", err)
	}
	if _, err := f.WriteString(`{"event":"session_ended","provider":"claude","session_id":"s1","timestamp":"2026-01-15T11:00:00Z"}` + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	s = newTestLifecycleStore(t, dir)
	defer s.Close()
	tailer = NewLifecycleIngest(jsonl, s, time.Hour)
	if err := tailer.Poll(); err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	sessions, err = s.RecentSessionEvents(10)
	if err != nil {
		t.Fatalf("RecentSessionEvents: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("got %d session events, want 2 (started + ended, no dupes)", len(sessions))
	}
}

// TestLifecycleIngest_SkipsMalformedLines verifies bad JSON and empty
// events are dropped without stalling the group.
func TestLifecycleIngest_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	jsonl := filepath.Join(dir, "lifecycle.jsonl")
	lines := `not json at all
{"session_id":"s1"}
{"event":"session_started","session_id":"s1"}
`
	if err := os.WriteFile(jsonl, []byte(lines), 0o644); err != nil {
		t.Fatalf("write jsonl: %v", err)
	}

	s := newTestLifecycleStore(t, dir)
	defer s.Close()
	tailer := NewLifecycleIngest(jsonl, s, time.Hour)
	if err := tailer.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	sessions, err := s.RecentSessionEvents(10)
	if err != nil {
		t.Fatalf("RecentSessionEvents: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("got %d session events, want 1", len(sessions))
	}
}
