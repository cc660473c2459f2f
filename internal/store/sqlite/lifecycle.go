package sqlite

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/praybot/internal/store"
	"github.com/nextlevelbuilder/praybot/internal/transcript"
)

// LifecycleStore implements store.LifecycleStore on lifecycle-stream.db.
// It doubles as the offset sink for the lifecycle tailer: read positions
// live in the stream_offsets table, so restarts resume exactly where the
// previous run stopped.
type LifecycleStore struct {
	db *sql.DB

	mu      sync.Mutex
	pending map[offsetKey]transcript.GroupOffset
}

type offsetKey struct {
	file  string
	group string
}

var (
	_ store.LifecycleStore  = (*LifecycleStore)(nil)
	_ transcript.OffsetSink = (*LifecycleStore)(nil)
)

// OpenLifecycleStore opens the lifecycle database in WAL mode, creating
// tables when missing.
func OpenLifecycleStore(path string) (*LifecycleStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open lifecycle store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS session_lifecycle (
			id         TEXT PRIMARY KEY,
			event      TEXT NOT NULL,
			provider   TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL,
			cwd        TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			at         INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS skill_lifecycle (
			id         TEXT PRIMARY KEY,
			event      TEXT NOT NULL,
			skill      TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			at         INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stream_offsets (
			file        TEXT NOT NULL,
			group_name  TEXT NOT NULL,
			inode       INTEGER NOT NULL,
			read_offset INTEGER NOT NULL,
			PRIMARY KEY (file, group_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_lifecycle_at ON session_lifecycle (at)`,
		`CREATE INDEX IF NOT EXISTS idx_skill_lifecycle_at ON skill_lifecycle (at)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create lifecycle tables: %w", err)
		}
	}
	return &LifecycleStore{
		db:      db,
		pending: make(map[offsetKey]transcript.GroupOffset),
	}, nil
}

func (s *LifecycleStore) AppendSessionEvent(ev store.SessionLifecycleEvent) error {
	_, err := s.db.Exec(`INSERT INTO session_lifecycle (id, event, provider, session_id, cwd, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Event, ev.Provider, ev.SessionID, ev.Cwd, ev.Detail, ev.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

func (s *LifecycleStore) AppendSkillEvent(ev store.SkillLifecycleEvent) error {
	_, err := s.db.Exec(`INSERT INTO skill_lifecycle (id, event, skill, session_id, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Event, ev.Skill, ev.SessionID, ev.Detail, ev.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("append skill event: %w", err)
	}
	return nil
}

func (s *LifecycleStore) RecentSessionEvents(limit int) ([]store.SessionLifecycleEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, event, provider, session_id, cwd, detail, at
		FROM session_lifecycle ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var out []store.SessionLifecycleEvent
	for rows.Next() {
		var ev store.SessionLifecycleEvent
		var at int64
		if err := rows.Scan(&ev.ID, &ev.Event, &ev.Provider, &ev.SessionID, &ev.Cwd, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *LifecycleStore) RecentSkillEvents(limit int) ([]store.SkillLifecycleEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, event, skill, session_id, detail, at
		FROM skill_lifecycle ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query skill events: %w", err)
	}
	defer rows.Close()

	var out []store.SkillLifecycleEvent
	for rows.Next() {
		var ev store.SkillLifecycleEvent
		var at int64
		if err := rows.Scan(&ev.ID, &ev.Event, &ev.Skill, &ev.SessionID, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan skill event: %w", err)
		}
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *LifecycleStore) Close() error {
	return s.db.Close()
}

// Get implements transcript.OffsetSink.
func (s *LifecycleStore) Get(file, group string) (transcript.GroupOffset, bool) {
	s.mu.Lock()
	if off, ok := s.pending[offsetKey{file, group}]; ok {
		s.mu.Unlock()
		return off, true
	}
	s.mu.Unlock()

	row := s.db.QueryRow(`SELECT inode, read_offset FROM stream_offsets
		WHERE file = ? AND group_name = ?`, file, group)
	var inode, offset int64
	if err := row.Scan(&inode, &offset); err != nil {
		return transcript.GroupOffset{}, false
	}
	return transcript.GroupOffset{Inode: uint64(inode), Offset: offset}, true
}

// Set implements transcript.OffsetSink; Flush persists.
func (s *LifecycleStore) Set(file, group string, off transcript.GroupOffset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[offsetKey{file, group}] = off
}

// Flush implements transcript.OffsetSink. A failed write is dropped; the
// next poll sets every group offset again.
func (s *LifecycleStore) Flush() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[offsetKey]transcript.GroupOffset)
	s.mu.Unlock()

	for k, off := range pending {
		_, err := s.db.Exec(`INSERT INTO stream_offsets (file, group_name, inode, read_offset)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (file, group_name) DO UPDATE SET
				inode = excluded.inode,
				read_offset = excluded.read_offset`,
			k.file, k.group, int64(off.Inode), off.Offset)
		if err != nil {
			return fmt.Errorf("flush offset %s/%s: %w", k.file, k.group, err)
		}
	}
	return nil
}
