// Package sqlite implements store.Records on SQLite through sqlx and the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/TheusHen/beacon/beacon/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS known_cases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	onset INTEGER NOT NULL,
	bucket_day INTEGER NOT NULL,
	key BLOB NOT NULL,
	UNIQUE (bucket_day, key)
);

CREATE TABLE IF NOT EXISTS contacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	date INTEGER NOT NULL,
	ephid BLOB NOT NULL,
	window_count INTEGER NOT NULL,
	attenuation REAL NOT NULL DEFAULT 0,
	associated_known_case INTEGER REFERENCES known_cases (id) ON DELETE SET NULL,
	UNIQUE (date, ephid)
);
CREATE INDEX IF NOT EXISTS idx_contacts_date ON contacts (date);

CREATE TABLE IF NOT EXISTS handshakes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	ephid BLOB NOT NULL,
	tx_power INTEGER,
	rssi INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_handshakes_timestamp ON handshakes (timestamp);
`

// DB is a SQLite backed store.Records.
type DB struct {
	db   *sqlx.DB
	path string
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite: create data directory: %w", err)
	}
	return open(path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
}

// OpenInMemory creates an in-memory database (for testing).
func OpenInMemory() (*DB, error) {
	return open(":memory:?_pragma=foreign_keys(ON)", ":memory:")
}

func open(dsn, path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection: the engine has a single writer, and an in-memory database
	// only exists on the connection that created it.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return &DB{db: conn, path: path}, nil
}

// Path returns the database path.
func (d *DB) Path() string { return d.path }

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return d.run(ctx, false, fn)
}

func (d *DB) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return d.run(ctx, true, fn)
}

func (d *DB) run(ctx context.Context, readOnly bool, fn func(tx store.Tx) error) error {
	sqlTx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", store.ErrStorage, err)
	}
	if err := fn(&tx{ctx: ctx, tx: sqlTx, readOnly: readOnly}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if readOnly {
		return sqlTx.Rollback()
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", store.ErrStorage, err)
	}
	return nil
}
