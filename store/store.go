// Package store is the row-store and object-store port. It exposes a
// PostgREST-style fluent selector over database/sql with sqlite and
// Postgres dialects, transparent pagination, and retry on transient errors.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/mwestra/chronicle/config"
)

// SQLite accepts the Postgres type names below (they map onto its column
// affinities), so one schema serves both dialects.
const migrationSQL = `
CREATE TABLE IF NOT EXISTS channels (
    channel_id        TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    category_id       TEXT,
    nsfw              BOOLEAN NOT NULL DEFAULT FALSE,
    description       TEXT,
    suitable_posts    TEXT,
    unsuitable_posts  TEXT,
    rules             TEXT,
    setup_complete    BOOLEAN NOT NULL DEFAULT FALSE,
    enriched          BOOLEAN NOT NULL DEFAULT FALSE,
    summary_thread_id TEXT
);

CREATE TABLE IF NOT EXISTS members (
    member_id            TEXT PRIMARY KEY,
    username             TEXT NOT NULL,
    global_name          TEXT,
    server_nick          TEXT,
    avatar_url           TEXT,
    discord_created_at   TIMESTAMPTZ,
    guild_join_date      TIMESTAMPTZ,
    role_ids             JSONB,
    sharing_consent      BIGINT NOT NULL DEFAULT 0,
    dm_preference        BOOLEAN NOT NULL DEFAULT TRUE,
    permission_to_curate BIGINT NOT NULL DEFAULT 0,
    notifications        JSONB,
    twitter_handle       TEXT,
    instagram_handle     TEXT,
    tiktok_handle        TEXT,
    youtube_handle       TEXT,
    website_url          TEXT,
    updated_at           TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS messages (
    message_id     TEXT PRIMARY KEY,
    channel_id     TEXT NOT NULL,
    author_id      TEXT NOT NULL,
    content        TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL,
    edited_at      TIMESTAMPTZ,
    attachments    JSONB,
    embeds         JSONB,
    reaction_count BIGINT NOT NULL DEFAULT 0,
    reactors       JSONB,
    reference_id   TEXT,
    thread_id      TEXT,
    is_pinned      BOOLEAN NOT NULL DEFAULT FALSE,
    is_deleted     BOOLEAN NOT NULL DEFAULT FALSE,
    jump_url       TEXT,
    indexed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_indexed ON messages(indexed_at);

CREATE TABLE IF NOT EXISTS daily_summaries (
    date          TEXT NOT NULL,
    channel_id    TEXT NOT NULL,
    full_summary  TEXT,
    short_summary TEXT,
    thread_id     TEXT,
    status        TEXT NOT NULL DEFAULT 'pending',
    error         TEXT,
    PRIMARY KEY (date, channel_id)
);

CREATE TABLE IF NOT EXISTS system_logs (
    timestamp   TIMESTAMPTZ NOT NULL,
    level       TEXT NOT NULL,
    logger_name TEXT,
    message     TEXT NOT NULL,
    module      TEXT,
    function    TEXT,
    line        BIGINT,
    exception   TEXT,
    extra       TEXT,
    hostname    TEXT
);

CREATE TABLE IF NOT EXISTS assets (
    asset_id     TEXT PRIMARY KEY,
    author_id    TEXT NOT NULL,
    message_id   TEXT NOT NULL,
    workflow_url TEXT NOT NULL,
    model        TEXT,
    variant      TEXT,
    description  TEXT,
    created_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS asset_media (
    asset_id          TEXT NOT NULL,
    media_url         TEXT NOT NULL,
    content_type      TEXT,
    source_message_id TEXT,
    PRIMARY KEY (asset_id, media_url)
);
`

// Dialect selects placeholder style and upsert rendering.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Store wraps the SQL row store and the object store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	objects objectBackend
	logger  *slog.Logger
}

// Open connects per cfg, applies the schema, and picks the object backend.
func Open(cfg *config.StoreConfig) (*Store, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch cfg.Driver {
	case "pgx":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("store.postgres_dsn is required for the pgx driver")
		}
		// Simple protocol lets untyped JSON/text literals cast by column
		// context, which the generic value binding relies on.
		dsn := cfg.PostgresDSN
		if !strings.Contains(dsn, "default_query_exec_mode") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "default_query_exec_mode=simple_protocol"
		}
		db, err = sql.Open("pgx", dsn)
		dialect = DialectPostgres
	default:
		path := config.ExpandPath(cfg.SQLitePath)
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
		dialect = DialectSQLite
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}

	s := &Store{db: db, dialect: dialect, logger: slog.Default()}
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "" {
		s.objects = newSupabaseObjects(cfg.SupabaseURL, cfg.SupabaseServiceKey)
	} else {
		s.objects = newLocalObjects(config.ExpandPath(cfg.ObjectDir), cfg.ObjectBaseURL)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Table returns a fluent selector rooted at the named table.
func (s *Store) Table(name string) *Table {
	return &Table{store: s, name: name}
}

// Bucket returns the named object-store bucket.
func (s *Store) Bucket(name string) Bucket {
	return s.objects.bucket(name)
}

// ErrPermanent marks 4xx-class validation failures that must not be retried.
var ErrPermanent = errors.New("permanent store error")

// IsTransient reports whether err is worth retrying: network failures,
// lock contention, serialization conflicts, and 5xx-class backend errors.
// Validation errors and ErrPermanent are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrPermanent) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected, connection class,
		// insufficient resources class.
		return pgErr.Code == "40001" || pgErr.Code == "40P01" ||
			strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53")
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout")
}

var retryDelays = []time.Duration{250 * time.Millisecond, 1 * time.Second, 4 * time.Second}

// withRetry runs fn, retrying transient failures with capped backoff.
// Permanent failures surface immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying store operation", "op", op, "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

// placeholder renders the n-th (1-based) bind placeholder for the dialect.
func (s *Store) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// FormatTime renders a timestamp the way the store persists them:
// ISO-8601 UTC with a Z suffix.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
