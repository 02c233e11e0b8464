// Package store is the SQLite backend for leads, meetings, activities and
// subscriptions. Every committed write is published as a feed.Change.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/mattn/go-sqlite3"
)

// driverName is go-sqlite3 with the unicode_lower SQL function registered on
// every connection. SQLite's built-in LOWER only folds ASCII.
const driverName = "sqlite3_leadsync"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("unicode_lower", strings.ToLower, true)
		},
	})
}

// ErrNotFound is returned when a row addressed by identity does not exist.
var ErrNotFound = errors.New("store: row not found")

// DB wraps a SQLite database connection for the app-owned leadsync.db.
type DB struct {
	*sql.DB
	pub feed.Publisher
	now func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithClock replaces the clock used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Committed writes are published to pub, which may be nil.
func Open(path string, pub feed.Publisher, opts ...Option) (*DB, error) {
	db, err := sql.Open(driverName, path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	out := &DB{DB: db, pub: pub, now: time.Now}
	for _, opt := range opts {
		opt(out)
	}
	return out, nil
}

func (db *DB) publish(table string, kind feed.Kind, newRow, oldRow any) {
	if db.pub == nil {
		return
	}
	c, err := feed.NewChange(table, kind, newRow, oldRow)
	if err != nil {
		return
	}
	c.CommittedAt = db.now().UTC()
	db.pub.Publish(c)
}

func (db *DB) stamp() time.Time {
	return db.now().UTC().Truncate(time.Millisecond)
}

type scanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// jsonList encodes a list column. Nil encodes as an empty list.
func jsonList(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}
