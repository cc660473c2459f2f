// Package transcript reads rolling JSONL transcript files: incremental
// tailing with per-consumer-group offsets, rotation detection by inode,
// and metadata extraction over assistant session logs.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// GroupOffset is the durable read position of one consumer group in one
// file. The inode detects rotation: a changed inode resets the offset.
type GroupOffset struct {
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
}

type offsetFile struct {
	Version int                               `json:"version"`
	Files   map[string]map[string]GroupOffset `json:"files"`
}

// OffsetStore persists consumer-group offsets to a single JSON file,
// shared by every tailer in the process.
type OffsetStore struct {
	path string

	mu    sync.Mutex
	data  offsetFile
	dirty bool
}

var _ OffsetSink = (*OffsetStore)(nil)

// NewOffsetStore loads the store at path, starting empty when the file
// does not exist yet.
func NewOffsetStore(path string) (*OffsetStore, error) {
	s := &OffsetStore{
		path: path,
		data: offsetFile{Version: 1, Files: make(map[string]map[string]GroupOffset)},
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read offset store: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse offset store %s: %w", path, err)
	}
	if s.data.Files == nil {
		s.data.Files = make(map[string]map[string]GroupOffset)
	}
	return s, nil
}

// Get returns the stored offset for (file, group).
func (s *OffsetStore) Get(file, group string) (GroupOffset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups, ok := s.data.Files[file]
	if !ok {
		return GroupOffset{}, false
	}
	off, ok := groups[group]
	return off, ok
}

// Set records the offset for (file, group) in memory; Flush persists.
func (s *OffsetStore) Set(file, group string, off GroupOffset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups, ok := s.data.Files[file]
	if !ok {
		groups = make(map[string]GroupOffset)
		s.data.Files[file] = groups
	}
	if cur, exists := groups[group]; exists && cur == off {
		return
	}
	groups[group] = off
	s.dirty = true
}

// Forget drops all offsets for a file, e.g. after its transcript was
// removed.
func (s *OffsetStore) Forget(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Files[file]; ok {
		delete(s.data.Files, file)
		s.dirty = true
	}
}

// Flush writes the store atomically (temp file + rename) when dirty.
func (s *OffsetStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal offset store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create offset store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".offsets-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp offset file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write offset store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync offset store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close offset store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename offset store: %w", err)
	}
	s.dirty = false
	return nil
}
