package discovery

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry(map[string]string{
		"/home/dev/api":        "chan-api",
		"/home/dev/api/vendor": "chan-vendor",
		"/home/dev/web":        "chan-web",
	})

	cases := []struct {
		name string
		path string
		want string
		ok   bool
	}{
		{"exact", "/home/dev/api", "chan-api", true},
		{"trailing slash", "/home/dev/api/", "chan-api", true},
		{"prefix", "/home/dev/api/cmd/server", "chan-api", true},
		{"longest prefix wins", "/home/dev/api/vendor/lib", "chan-vendor", true},
		{"no partial component match", "/home/dev/apiv2", "", false},
		{"worktree suffix", "/home/dev/api~review-1", "chan-api", true},
		{"worktree nested", "/home/dev/web~fix/src", "", false},
		{"miss", "/tmp/scratch", "", false},
		{"empty", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := r.Resolve(tc.path)
			if ok != tc.ok || got != tc.want {
				t.Errorf("Resolve(%q) = (%q, %v), want (%q, %v)", tc.path, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestRegistry_WorktreePrefix(t *testing.T) {
	// Worktree rewrite applies to the basename only, then prefix matching
	// runs again on the rewritten path.
	r := NewRegistry(map[string]string{"/repos/app": "chan-app"})

	got, ok := r.Resolve("/repos/app~feature-x")
	if !ok || got != "chan-app" {
		t.Errorf("worktree root = (%q, %v), want (chan-app, true)", got, ok)
	}
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.json")
	content := `{"version":1,"channels":{"/a/b":"123","/c":"456"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry error = %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
	if ch, ok := r.Resolve("/a/b/sub"); !ok || ch != "123" {
		t.Errorf("Resolve(/a/b/sub) = (%q, %v), want (123, true)", ch, ok)
	}
}

func TestLoadRegistry_Missing(t *testing.T) {
	r, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadRegistry error = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestLoadRegistry_BadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRegistry(path); err == nil {
		t.Error("broken JSON accepted")
	}
}
