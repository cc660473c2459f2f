package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/praybot/internal/store"
	"github.com/nextlevelbuilder/praybot/internal/store/file"
)

const autoThreadsExportInterval = time.Minute

// importAutoThreads folds a previously exported auto-threads.json back
// into the route database. The merge keeps the newer entry per session,
// so importing the same file twice is a no-op.
func importAutoThreads(routes store.RouteStore, mirror *file.AutoThreads, log *slog.Logger) {
	imported, err := mirror.Load()
	if err != nil {
		log.Warn("auto-threads import failed", "error", err)
		return
	}
	if len(imported) == 0 {
		return
	}
	current, err := routes.List()
	if err != nil {
		log.Warn("auto-threads import failed", "error", err)
		return
	}
	known := make(map[string]time.Time, len(current))
	for _, r := range current {
		known[r.ThreadID] = r.UpdatedAt
	}
	count := 0
	for _, r := range file.MergeRoutes(current, imported) {
		if at, ok := known[r.ThreadID]; ok && !r.UpdatedAt.After(at) {
			continue
		}
		if err := routes.Upsert(r); err != nil {
			log.Warn("auto-threads import skipped route", "thread", r.ThreadID, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		log.Info("auto-threads imported", "routes", count)
	}
}

// mirrorAutoThreads re-exports the route list on a slow tick. The
// database stays authoritative; the JSON file is for human inspection
// and for merging state dirs across machines.
func mirrorAutoThreads(ctx context.Context, routes store.RouteStore, mirror *file.AutoThreads, log *slog.Logger) {
	tick := time.NewTicker(autoThreadsExportInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			list, err := routes.List()
			if err != nil {
				log.Warn("auto-threads export failed", "error", err)
				continue
			}
			if err := mirror.Export(list); err != nil {
				log.Warn("auto-threads export failed", "error", err)
			}
		}
	}
}
