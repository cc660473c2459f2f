package file

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type watchStateEntry struct {
	LastWatchAt time.Time `json:"lastWatchAt"`
}

type watchStateFile struct {
	Version  int                        `json:"version"`
	Sessions map[string]watchStateEntry `json:"sessions"`
}

// WatchState remembers when each watched session was last reported, so
// the periodic monitor log survives restarts without repeating itself.
type WatchState struct {
	path string

	mu   sync.Mutex
	data watchStateFile
}

// LoadWatchState reads auto-thread-watch-state.json, starting empty when
// the file does not exist yet.
func LoadWatchState(path string) (*WatchState, error) {
	w := &WatchState{
		path: path,
		data: watchStateFile{Version: 1, Sessions: make(map[string]watchStateEntry)},
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watch state: %w", err)
	}
	if err := json.Unmarshal(raw, &w.data); err != nil {
		return nil, fmt.Errorf("parse watch state %s: %w", path, err)
	}
	if w.data.Sessions == nil {
		w.data.Sessions = make(map[string]watchStateEntry)
	}
	w.data.Version = 1
	return w, nil
}

// LastWatchAt returns when key was last reported.
func (w *WatchState) LastWatchAt(key string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.data.Sessions[key]
	return e.LastWatchAt, ok
}

// SetLastWatchAt records a report time in memory; Save persists.
func (w *WatchState) SetLastWatchAt(key string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data.Sessions[key] = watchStateEntry{LastWatchAt: at}
}

// Forget drops a session from the state, e.g. after it went stale.
func (w *WatchState) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.data.Sessions, key)
}

// Save writes the state atomically.
func (w *WatchState) Save() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	raw, err := json.MarshalIndent(w.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watch state: %w", err)
	}
	return writeAtomic(w.path, raw)
}
