// Package sqlite implements the hub's database-backed stores with the
// pure-Go SQLite driver. Zero CGO required.
package sqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/praybot/internal/store"
)

//go:embed migrations
var migrationsFS embed.FS

// RouteStore implements store.RouteStore on a local SQLite file
// (deploy.db). Schema changes go through golang-migrate with the
// migration files embedded in the binary.
type RouteStore struct {
	db *sql.DB
}

var _ store.RouteStore = (*RouteStore)(nil)

// OpenRouteStore opens the route database, creating it when missing, and
// applies pending migrations.
func OpenRouteStore(path string) (*RouteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open route store: %w", err)
	}
	// One shared connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &RouteStore{db: db}, nil
}

// NewMigrator returns a migrator over the route database at path with
// the embedded migration set. Closing the migrator closes the database.
func NewMigrator(path string) (*migrate.Migrate, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open route store: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		src.Close()
		db.Close()
		return nil, fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "deploy", driver)
	if err != nil {
		src.Close()
		db.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// migrateUp applies pending migrations against an already-open db. Only
// the source driver is closed afterwards: closing the migrator would
// also close the shared db handle.
func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		src.Close()
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "deploy", driver)
	if err != nil {
		src.Close()
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		src.Close()
		return fmt.Errorf("migrate route store: %w", err)
	}
	return src.Close()
}

const routeColumns = `thread_id, channel_id, guild_id, mapping_key, provider, provider_session_id, owner_user_id, cwd, origin, created_at, updated_at`

func (s *RouteStore) Upsert(r store.ThreadRoute) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.MappingKey == "" {
		if r.ProviderSessionID != "" {
			r.MappingKey = store.SessionMappingKey(r.Provider, r.ProviderSessionID)
		} else {
			r.MappingKey = store.ThreadMappingKey(r.ThreadID)
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO discord_thread_routes (`+routeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			guild_id = excluded.guild_id,
			mapping_key = excluded.mapping_key,
			provider = excluded.provider,
			provider_session_id = excluded.provider_session_id,
			owner_user_id = excluded.owner_user_id,
			cwd = excluded.cwd,
			origin = excluded.origin,
			updated_at = excluded.updated_at`,
		r.ThreadID, r.ChannelID, r.GuildID, r.MappingKey, r.Provider, r.ProviderSessionID,
		r.OwnerUserID, r.Cwd, r.Origin, r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert route %s: %w", r.ThreadID, err)
	}
	return nil
}

func (s *RouteStore) ByThread(threadID string) (*store.ThreadRoute, error) {
	row := s.db.QueryRow(`SELECT `+routeColumns+` FROM discord_thread_routes WHERE thread_id = ?`, threadID)
	return scanRoute(row)
}

func (s *RouteStore) BySession(provider, sessionID string) (*store.ThreadRoute, error) {
	if sessionID == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT `+routeColumns+` FROM discord_thread_routes
		WHERE provider = ? AND provider_session_id = ?
		ORDER BY updated_at DESC LIMIT 1`, provider, sessionID)
	return scanRoute(row)
}

func (s *RouteStore) UnclaimedByCwd(provider, cwd string) (*store.ThreadRoute, error) {
	row := s.db.QueryRow(`SELECT `+routeColumns+` FROM discord_thread_routes
		WHERE provider = ? AND provider_session_id = '' AND cwd = ?
		ORDER BY updated_at DESC LIMIT 1`, provider, cwd)
	return scanRoute(row)
}

func (s *RouteStore) Claim(threadID, providerSessionID string) error {
	res, err := s.db.Exec(`UPDATE discord_thread_routes
		SET provider_session_id = ?, mapping_key = provider || ':' || ?, updated_at = ?
		WHERE thread_id = ?`,
		providerSessionID, providerSessionID, time.Now().UnixMilli(), threadID)
	if err != nil {
		return fmt.Errorf("claim route %s: %w", threadID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim route %s: %w", threadID, err)
	}
	if n == 0 {
		return fmt.Errorf("claim route %s: route not found", threadID)
	}
	return nil
}

func (s *RouteStore) List() ([]store.ThreadRoute, error) {
	rows, err := s.db.Query(`SELECT ` + routeColumns + ` FROM discord_thread_routes ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var out []store.ThreadRoute
	for rows.Next() {
		var r store.ThreadRoute
		var created, updated int64
		if err := rows.Scan(&r.ThreadID, &r.ChannelID, &r.GuildID, &r.MappingKey,
			&r.Provider, &r.ProviderSessionID, &r.OwnerUserID, &r.Cwd, &r.Origin,
			&created, &updated); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		r.UpdatedAt = time.UnixMilli(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RouteStore) Delete(threadID string) error {
	if _, err := s.db.Exec(`DELETE FROM discord_thread_routes WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete route %s: %w", threadID, err)
	}
	return nil
}

func (s *RouteStore) Close() error {
	return s.db.Close()
}

func scanRoute(row *sql.Row) (*store.ThreadRoute, error) {
	var r store.ThreadRoute
	var created, updated int64
	err := row.Scan(&r.ThreadID, &r.ChannelID, &r.GuildID, &r.MappingKey,
		&r.Provider, &r.ProviderSessionID, &r.OwnerUserID, &r.Cwd, &r.Origin,
		&created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan route: %w", err)
	}
	r.CreatedAt = time.UnixMilli(created)
	r.UpdatedAt = time.UnixMilli(updated)
	return &r, nil
}
