// Package db handles database connectivity, migrations, and data access
// for soloist. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger deployments).
//
// Timestamps are stored as fixed-width RFC 3339 UTC strings so that
// string comparison orders them correctly on both drivers. UUIDs are
// stored in their canonical text form.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a write collides with an existing row.
var ErrDuplicate = errors.New("already exists")

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A file path like "soloist.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." or a lib/pq keyword DSN → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" errors on index creation for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable, for health checks.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// migrations lists DDL statements shared between SQLite and PostgreSQL.
// Any new migration must be appended here.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		created_at      TEXT NOT NULL,
		last_fetched_at TEXT NOT NULL,
		handle          TEXT NOT NULL,
		name            TEXT,
		host            TEXT NOT NULL,
		inbox           TEXT NOT NULL,
		shared_inbox    TEXT,
		uri             TEXT NOT NULL UNIQUE,
		public_key      TEXT NOT NULL,
		avatar_url      TEXT,
		banner_url      TEXT,
		description     TEXT,
		manually_approves_followers BOOLEAN NOT NULL DEFAULT FALSE,
		is_bot          BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id                TEXT PRIMARY KEY,
		created_at        TEXT NOT NULL,
		user_id           TEXT REFERENCES users(id) ON DELETE CASCADE,
		reply_id          TEXT REFERENCES posts(id) ON DELETE SET NULL,
		repost_id         TEXT REFERENCES posts(id) ON DELETE CASCADE,
		text              TEXT NOT NULL,
		title             TEXT,
		visibility        TEXT NOT NULL,
		is_sensitive      BOOLEAN NOT NULL DEFAULT FALSE,
		uri               TEXT NOT NULL UNIQUE,
		source_content    TEXT,
		source_media_type TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS posts_created_at ON posts(created_at)`,
	`CREATE INDEX IF NOT EXISTS posts_user ON posts(user_id)`,
	`CREATE TABLE IF NOT EXISTS remote_files (
		post_id    TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		ord        INTEGER NOT NULL,
		url        TEXT NOT NULL,
		media_type TEXT NOT NULL,
		PRIMARY KEY (post_id, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS local_files (
		id                TEXT PRIMARY KEY,
		created_at        TEXT NOT NULL,
		object_store_key  TEXT NOT NULL,
		object_store_type TEXT NOT NULL,
		media_type        TEXT NOT NULL,
		url               TEXT NOT NULL,
		post_id           TEXT REFERENCES posts(id) ON DELETE SET NULL,
		ord               INTEGER,
		emoji_name        TEXT UNIQUE,
		UNIQUE (post_id, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS mentions (
		post_id  TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		user_uri TEXT NOT NULL,
		name     TEXT NOT NULL,
		UNIQUE (post_id, user_uri)
	)`,
	`CREATE TABLE IF NOT EXISTS hashtags (
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		name    TEXT NOT NULL,
		UNIQUE (post_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS post_emojis (
		post_id    TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		uri        TEXT NOT NULL,
		media_type TEXT NOT NULL,
		image_url  TEXT NOT NULL,
		UNIQUE (post_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS follows (
		id         TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		to_id      TEXT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		accepted   BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS followers (
		id         TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		from_id    TEXT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		uri        TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		id               TEXT PRIMARY KEY,
		created_at       TEXT NOT NULL,
		user_id          TEXT REFERENCES users(id) ON DELETE CASCADE,
		post_id          TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		content          TEXT NOT NULL,
		uri              TEXT UNIQUE,
		emoji_uri        TEXT,
		emoji_media_type TEXT,
		emoji_image_url  TEXT,
		UNIQUE (user_id, post_id)
	)`,
	`CREATE INDEX IF NOT EXISTS reactions_post ON reactions(post_id)`,
	`CREATE TABLE IF NOT EXISTS emojis (
		id         TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		name       TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS reports (
		id           TEXT PRIMARY KEY,
		created_at   TEXT NOT NULL,
		from_user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		content      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		id                   TEXT PRIMARY KEY,
		instance_name        TEXT,
		instance_description TEXT,
		user_name            TEXT,
		user_description     TEXT,
		avatar_file_id       TEXT,
		banner_file_id       TEXT,
		maintainer_name      TEXT,
		maintainer_email     TEXT,
		theme_color          TEXT,
		user_public_key      TEXT NOT NULL,
		user_private_key     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS access_keys (
		id           TEXT PRIMARY KEY,
		created_at   TEXT NOT NULL,
		name         TEXT NOT NULL,
		last_used_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		id              TEXT PRIMARY KEY,
		created_at      TEXT NOT NULL,
		inbox_url       TEXT NOT NULL,
		payload         TEXT NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS deliveries_next_attempt ON deliveries(next_attempt_at)`,
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// q rewrites ? placeholders into $1..$n for PostgreSQL. Queries are
// written once in SQLite syntax; this keeps the two drivers in lockstep.
func (s *Store) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// timeLayout is fixed-width so lexicographic order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func tstr(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func tparse(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func tptr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := tparse(s.String)
	return &t
}

func idArg(id uuid.UUID) string { return id.String() }

func idPtrArg(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func strPtrArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func intPtrArg(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func parseID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func idPtr(s sql.NullString) *uuid.UUID {
	if !s.Valid {
		return nil
	}
	id := parseID(s.String)
	return &id
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func intPtr(i sql.NullInt64) *int {
	if !i.Valid {
		return nil
	}
	v := int(i.Int64)
	return &v
}

// IsUniqueViolation reports whether err is a unique-constraint failure on
// either driver. lib/pq exposes SQLSTATE 23505; modernc's message carries
// "UNIQUE constraint failed".
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") || strings.Contains(u, "host=") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
