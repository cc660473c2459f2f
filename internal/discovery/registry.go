package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Registry maps project paths to parent Discord channels. Resolution order
// is exact path, longest path prefix, then the same two again with a
// worktree basename "{name}~{suffix}" rewritten to "{name}".
type Registry struct {
	channels map[string]string
}

type registryFile struct {
	Version  int               `json:"version"`
	Channels map[string]string `json:"channels"`
}

// NewRegistry builds a registry from a path -> channelID map. Paths are
// cleaned so lookups do not depend on trailing slashes.
func NewRegistry(channels map[string]string) *Registry {
	r := &Registry{channels: make(map[string]string, len(channels))}
	for path, ch := range channels {
		if path == "" || ch == "" {
			continue
		}
		r.channels[filepath.Clean(path)] = ch
	}
	return r
}

// LoadRegistry reads a channels file. A missing file yields an empty
// registry so the fallback channel still works.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewRegistry(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	var f registryFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse channels file %s: %w", path, err)
	}
	return NewRegistry(f.Channels), nil
}

// Len reports how many paths are registered.
func (r *Registry) Len() int { return len(r.channels) }

// Resolve returns the channel for a project path.
func (r *Registry) Resolve(projectPath string) (string, bool) {
	if len(r.channels) == 0 || projectPath == "" {
		return "", false
	}
	path := filepath.Clean(projectPath)

	if ch, ok := r.lookup(path); ok {
		return ch, true
	}

	// A git worktree checked out as name~suffix belongs to name's channel.
	base := filepath.Base(path)
	if i := strings.Index(base, "~"); i > 0 {
		rewritten := filepath.Join(filepath.Dir(path), base[:i])
		if ch, ok := r.lookup(rewritten); ok {
			return ch, true
		}
	}
	return "", false
}

// lookup tries exact match, then the longest registered prefix on a path
// separator boundary.
func (r *Registry) lookup(path string) (string, bool) {
	if ch, ok := r.channels[path]; ok {
		return ch, true
	}
	bestLen := -1
	best := ""
	for registered, ch := range r.channels {
		if len(registered) <= bestLen {
			continue
		}
		if strings.HasPrefix(path, registered+string(filepath.Separator)) {
			bestLen = len(registered)
			best = ch
		}
	}
	if bestLen < 0 {
		return "", false
	}
	return best, true
}
