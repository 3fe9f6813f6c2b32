package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RichardoC/padi-relay/internal/metrics"
	_ "github.com/mattn/go-sqlite3"
)

// Timestamps are stored as unix nanoseconds so (created_at, id) is an exact total order.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    title TEXT NOT NULL,
    system_prompt TEXT NOT NULL DEFAULT '',
    model_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    last_message_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_conversations_owner
    ON conversations(owner_id, last_message_at, created_at);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_order
    ON messages(conversation_id, created_at, id);`

// ErrConversationMissing is returned by InsertMessage when the parent conversation does not exist.
var ErrConversationMissing = errors.New("conversation does not exist")

type Database struct {
	db      *sql.DB
	metrics *metrics.Collector
}

// Open opens (or creates) the SQLite database at path and applies the schema.
// The collector may be nil.
func Open(path string, collector *metrics.Collector) (*Database, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Database{db: db, metrics: collector}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// track starts timing op. Defer the returned func with the address of the named error result.
func (d *Database) track(op string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		d.metrics.RecordTiming(op, time.Since(start), *errp)
	}
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
