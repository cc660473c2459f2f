package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce        = 10 * time.Second
	defaultRefreshInterval = time.Minute
)

// Watcher drives monitor refreshes from filesystem activity under the
// transcript roots. The first event after a quiet period opens a
// debounce window; everything inside the window collapses into one
// refresh, so a chatty transcript cannot starve the monitor. A periodic
// tick keeps age-based state transitions moving when nothing writes.
type Watcher struct {
	Monitor  *Monitor
	Debounce time.Duration
	Interval time.Duration
}

// NewWatcher wraps a monitor with default debounce and tick settings.
func NewWatcher(m *Monitor) *Watcher {
	return &Watcher{Monitor: m, Debounce: defaultDebounce, Interval: defaultRefreshInterval}
}

// Run blocks until ctx is done. The watch set is re-seeded after every
// refresh so new project and day directories get picked up.
func (w *Watcher) Run(ctx context.Context) error {
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	interval := w.Interval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	w.seed(fw)
	w.Monitor.Refresh(ctx)

	tick := time.NewTicker(interval)
	defer tick.Stop()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(ev) {
				continue
			}
			if pending == nil {
				pending = time.After(debounce)
			}
		case <-pending:
			pending = nil
			w.Monitor.Refresh(ctx)
			w.seed(fw)
		case <-tick.C:
			w.Monitor.Refresh(ctx)
			w.seed(fw)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("transcript watcher error", "error", err)
		}
	}
}

func relevantEvent(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	if strings.HasSuffix(ev.Name, ".jsonl") {
		return true
	}
	// Directory creation widens the watch set on the next refresh.
	return ev.Op&fsnotify.Create != 0
}

// seed (re-)registers the transcript directories. fsnotify add is
// idempotent for already-watched paths.
func (w *Watcher) seed(fw *fsnotify.Watcher) {
	for _, home := range w.Monitor.cfg.ClaudeHomes {
		projects := filepath.Join(home, "projects")
		addWatch(fw, projects)
		entries, err := os.ReadDir(projects)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				addWatch(fw, filepath.Join(projects, e.Name()))
			}
		}
	}
	if home := w.Monitor.cfg.CodexHome; home != "" {
		sessions := filepath.Join(home, "sessions")
		addWatch(fw, sessions)
		now := w.Monitor.now()
		for i := 0; i < codexRolloutDays; i++ {
			d := now.AddDate(0, 0, -i)
			year := filepath.Join(sessions, d.Format("2006"))
			month := filepath.Join(year, d.Format("01"))
			addWatch(fw, year)
			addWatch(fw, month)
			addWatch(fw, filepath.Join(month, d.Format("02")))
		}
	}
}

func addWatch(fw *fsnotify.Watcher, dir string) {
	if _, err := os.Stat(dir); err != nil {
		return
	}
	if err := fw.Add(dir); err != nil {
		slog.Debug("watch add failed", "dir", dir, "error", err)
	}
}
