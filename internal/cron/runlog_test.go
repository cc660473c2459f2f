package cron

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRunLog_AppendAndRead(t *testing.T) {
	s, _ := newTestService(t)

	for i := 0; i < 5; i++ {
		err := s.appendRunLog("job00001", RunEntry{
			AtMs:       int64(1000 + i),
			Trigger:    TriggerSchedule,
			Status:     StatusOK,
			DurationMs: int64(i),
		})
		if err != nil {
			t.Fatalf("append %d error = %v", i, err)
		}
	}

	entries, err := readRunLog(s.runLogPath("job00001"), 3)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3 (limit)", len(entries))
	}
	// Newest three, oldest first.
	if entries[0].AtMs != 1002 || entries[2].AtMs != 1004 {
		t.Errorf("entries = %+v, want atMs 1002..1004", entries)
	}
}

func TestRunLog_MissingFileIsEmpty(t *testing.T) {
	entries, err := readRunLog(filepath.Join(t.TempDir(), "nope.jsonl"), 10)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len = %d, want 0", len(entries))
	}
}

func TestRunLog_SkipsGarbageLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mixed.jsonl")
	good, _ := json.Marshal(RunEntry{AtMs: 42, Trigger: TriggerManual, Status: StatusOK})
	content := append([]byte("{{{ not json\n"), good...)
	content = append(content, '\n')
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := readRunLog(path, 0)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if len(entries) != 1 || entries[0].AtMs != 42 {
		t.Errorf("entries = %+v, want the single valid line", entries)
	}
}

func TestRunLog_PruneKeepsNewestLines(t *testing.T) {
	s, _ := newTestService(t)
	path := s.runLogPath("bigjob01")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	// Build a file just over the prune threshold: 3000 lines of ~1KB.
	pad := string(bytes.Repeat([]byte("x"), 900))
	var buf bytes.Buffer
	total := 3000
	for i := 0; i < total; i++ {
		line, _ := json.Marshal(RunEntry{AtMs: int64(i), Trigger: TriggerSchedule, Status: StatusOK, Error: pad})
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	// The append that crosses the threshold triggers the prune.
	if err := s.appendRunLog("bigjob01", RunEntry{AtMs: int64(total), Trigger: TriggerSchedule, Status: StatusOK}); err != nil {
		t.Fatalf("append error = %v", err)
	}

	entries, err := readRunLog(path, 0)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if len(entries) != runLogKeepLines {
		t.Fatalf("len = %d, want %d after prune", len(entries), runLogKeepLines)
	}
	if got := entries[len(entries)-1].AtMs; got != int64(total) {
		t.Errorf("newest atMs = %d, want %d", got, total)
	}
	wantOldest := int64(total) - int64(runLogKeepLines) + 1
	if got := entries[0].AtMs; got != wantOldest {
		t.Errorf("oldest atMs = %d, want %d", got, wantOldest)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > runLogMaxBytes {
		t.Errorf("size = %d still above threshold %d", info.Size(), runLogMaxBytes)
	}
}

func TestShellAction(t *testing.T) {
	fn := ShellAction()

	job := &Job{Action: Action{Type: ActionShell, Config: map[string]any{"command": "true"}}}
	if err := fn(context.Background(), job); err != nil {
		t.Errorf("true exited with error: %v", err)
	}

	job = &Job{Action: Action{Type: ActionShell, Config: map[string]any{"command": "echo boom >&2; exit 3"}}}
	err := fn(context.Background(), job)
	if err == nil {
		t.Fatal("exit 3 reported no error")
	}
	if want := "boom"; !bytes.Contains([]byte(err.Error()), []byte(want)) {
		t.Errorf("error %q does not carry stderr %q", err, want)
	}

	job = &Job{Action: Action{Type: ActionShell, Config: map[string]any{}}}
	if err := fn(context.Background(), job); err == nil {
		t.Error("missing command accepted")
	}
}

func TestRunLogPathLayout(t *testing.T) {
	s := NewService("/var/lib/pray-bot/cron/jobs.json", nil, nil)
	defer s.Stop()
	got := s.runLogPath("abcd1234")
	want := "/var/lib/pray-bot/cron/runs/abcd1234.jsonl"
	if got != want {
		t.Errorf("runLogPath = %q, want %q", got, want)
	}
}
