// Package db handles database connectivity, migrations, and data access.
// It supports both SQLite (default, no external dependencies) and
// PostgreSQL (for larger deployments).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// dbtx is the subset of *sql.DB and *sql.Tx the data access methods use.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries provides all data access methods. It is embedded by both
// Store (auto-commit) and Tx (inside a transaction), so the same
// methods work in either mode.
type Queries struct {
	q      dbtx
	driver string
}

// Store wraps a database connection and provides all data access methods.
type Store struct {
	Queries
	db *sql.DB
}

// Tx is a Store view bound to an open transaction.
type Tx struct {
	Queries
}

// Open opens a database connection. The URL can be:
//   - A file path like "florapub.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
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

	return &Store{Queries: Queries{q: db, driver: driver}, db: db}, nil
}

// WithTx runs fn inside a single database transaction. The transaction
// is rolled back if fn returns an error and committed otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{Queries{q: tx, driver: s.driver}}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// commonMigrations lists DDL statements shared between SQLite and
// PostgreSQL. Timestamps are stored as RFC 3339 UTC text so the same
// schema and scan code work on both drivers.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id           TEXT NOT NULL PRIMARY KEY,
		username     TEXT NOT NULL,
		host         TEXT NOT NULL DEFAULT '',
		nickname     TEXT NOT NULL DEFAULT '',
		bio          TEXT NOT NULL DEFAULT '',
		uri          TEXT,
		inbox        TEXT NOT NULL DEFAULT '',
		shared_inbox TEXT NOT NULL DEFAULT '',
		outbox       TEXT NOT NULL DEFAULT '',
		public_key   TEXT NOT NULL DEFAULT '',
		private_key  TEXT NOT NULL DEFAULT '',
		fetched_at   TEXT,
		created_at   TEXT NOT NULL,
		UNIQUE(username, host)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_uri ON users(uri)`,
	`CREATE TABLE IF NOT EXISTS remote_public_keys (
		owner_id   TEXT NOT NULL,
		key_id     TEXT NOT NULL,
		pem        TEXT NOT NULL,
		fetched_at TEXT NOT NULL,
		UNIQUE(owner_id, key_id)
	)`,
	`CREATE INDEX IF NOT EXISTS remote_public_keys_key_id ON remote_public_keys(key_id)`,
	`CREATE TABLE IF NOT EXISTS follows (
		follower_id TEXT NOT NULL,
		followee_id TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		UNIQUE(follower_id, followee_id)
	)`,
	`CREATE INDEX IF NOT EXISTS follows_followee ON follows(followee_id)`,
	`CREATE TABLE IF NOT EXISTS follow_requests (
		id          TEXT NOT NULL PRIMARY KEY,
		uri         TEXT NOT NULL,
		follower_id TEXT NOT NULL,
		followee_id TEXT NOT NULL,
		incoming    INTEGER NOT NULL,
		created_at  TEXT NOT NULL,
		UNIQUE(follower_id, followee_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS follow_requests_uri ON follow_requests(uri)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id           TEXT NOT NULL PRIMARY KEY,
		uri          TEXT,
		author_id    TEXT NOT NULL,
		content      TEXT,
		visibility   TEXT NOT NULL,
		reply_to_id  TEXT,
		repost_of_id TEXT,
		created_at   TEXT NOT NULL,
		deleted_at   TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS posts_uri ON posts(uri)`,
	`CREATE INDEX IF NOT EXISTS posts_author ON posts(author_id)`,
	// A user gets at most one pure repost of a given post.
	`CREATE UNIQUE INDEX IF NOT EXISTS posts_unique_repost
		ON posts(author_id, repost_of_id) WHERE content IS NULL AND deleted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS post_hashtags (
		post_id TEXT NOT NULL,
		tag     TEXT NOT NULL,
		UNIQUE(post_id, tag)
	)`,
	`CREATE INDEX IF NOT EXISTS post_hashtags_tag ON post_hashtags(tag)`,
	`CREATE TABLE IF NOT EXISTS post_mentions (
		post_id        TEXT NOT NULL,
		target_user_id TEXT NOT NULL,
		UNIQUE(post_id, target_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_jobs (
		id          TEXT NOT NULL PRIMARY KEY,
		activity    TEXT NOT NULL,
		inbox       TEXT NOT NULL,
		key_id      TEXT NOT NULL,
		private_key TEXT NOT NULL,
		on_success  TEXT NOT NULL DEFAULT '',
		attempts    INTEGER NOT NULL DEFAULT 0,
		not_before  TEXT NOT NULL,
		expires_at  TEXT NOT NULL,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS delivery_jobs_due ON delivery_jobs(not_before)`,
	`CREATE TABLE IF NOT EXISTS user_tokens (
		id         TEXT NOT NULL PRIMARY KEY,
		user_id    TEXT NOT NULL,
		token      TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS uploaded_files (
		id         TEXT NOT NULL PRIMARY KEY,
		user_id    TEXT NOT NULL,
		filename   TEXT NOT NULL,
		media_type TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS post_attachments (
		post_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		UNIQUE(post_id, file_id)
	)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			// Index creation races are harmless on PostgreSQL.
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// rebind rewrites ? placeholders to $1..$n for PostgreSQL. Queries in
// this package are written with ? and rebound per driver.
func (c *Queries) rebind(query string) string {
	if c.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ignoreConflict returns the dialect-specific suffix that turns an
// INSERT into an idempotent upsert-by-natural-key no-op.
func (c *Queries) insertIgnore(query string) string {
	if c.driver == "sqlite" {
		return strings.Replace(query, "INSERT", "INSERT OR IGNORE", 1)
	}
	return query + " ON CONFLICT DO NOTHING"
}

func (c *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c *Queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

func (c *Queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

// Timestamps are stored as RFC 3339 UTC text.
func toDBTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toDBTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toDBTime(*t)
}

func fromDBTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func fromDBTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := fromDBTime(s.String)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
