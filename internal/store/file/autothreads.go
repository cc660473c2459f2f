// Package file holds the JSON stores kept under the state directory.
package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/praybot/internal/store"
)

type autoThreadsFile struct {
	Version int                 `json:"version"`
	Threads []store.ThreadRoute `json:"threads"`
}

// AutoThreads mirrors the route database to auto-threads.json for human
// inspection and merge-import. The database stays authoritative.
type AutoThreads struct {
	path string
	mu   sync.Mutex
}

// NewAutoThreads points at the export file; nothing is read until Load.
func NewAutoThreads(path string) *AutoThreads {
	return &AutoThreads{path: path}
}

// Export writes the full route list atomically (temp file + rename).
func (a *AutoThreads) Export(routes []store.ThreadRoute) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data := autoThreadsFile{Version: 1, Threads: routes}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal auto-threads: %w", err)
	}
	return writeAtomic(a.path, raw)
}

// Load reads the exported routes; a missing file yields nil.
func (a *AutoThreads) Load() ([]store.ThreadRoute, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	raw, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read auto-threads: %w", err)
	}
	var data autoThreadsFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse auto-threads %s: %w", a.path, err)
	}
	return data.Threads, nil
}

// MergeRoutes folds imported routes into current, deduplicating by
// (provider, providerSessionId) and keeping the entry with the higher
// updatedAt. Unclaimed routes, which have no session id yet, deduplicate
// by thread id instead. The result is sorted newest first.
func MergeRoutes(current, imported []store.ThreadRoute) []store.ThreadRoute {
	merged := make(map[string]store.ThreadRoute, len(current)+len(imported))
	add := func(r store.ThreadRoute) {
		key := r.Provider + ":" + r.ProviderSessionID
		if r.ProviderSessionID == "" {
			key = "thread:" + r.ThreadID
		}
		if prev, ok := merged[key]; ok && !r.UpdatedAt.After(prev.UpdatedAt) {
			return
		}
		merged[key] = r
	}
	for _, r := range current {
		add(r)
	}
	for _, r := range imported {
		add(r)
	}

	out := make([]store.ThreadRoute, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

// writeAtomic writes raw to path through a temp file in the same
// directory so readers never observe a partial file.
func writeAtomic(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
