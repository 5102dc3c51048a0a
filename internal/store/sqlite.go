package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Schema holds the tables used by SQLiteStore.
const Schema = `
CREATE TABLE IF NOT EXISTS kv_state (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	version INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stream_records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	stream TEXT NOT NULL,
	value BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_records_stream ON stream_records(stream, seq);
`

// OpenSQLite opens (creating if needed) a SQLite database file with the
// pragmas the engine relies on for concurrent access.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	return db, nil
}

// SQLiteStore is the durable Store implementation.
type SQLiteStore struct {
	db  *sql.DB
	own bool
	now func() time.Time
}

// NewSQLiteStore opens the database at dbPath and applies the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.own = true
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing database handle. The caller keeps
// ownership of db; Close on the returned store does not close it.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to apply store schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle so other ledgers can share the file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	if !s.own {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, error) {
	var (
		e         Entry
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, version, updated_at FROM kv_state WHERE key = ?`, key).
		Scan(&e.Key, &e.Value, &e.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	e.UpdatedAt = time.UnixMilli(updatedAt)
	return e, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (Entry, error) {
	now := s.now()
	var (
		res sql.Result
		err error
	)
	if version == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO kv_state (key, value, version, updated_at) VALUES (?, ?, 1, ?)
			ON CONFLICT(key) DO NOTHING`,
			key, value, now.UnixMilli())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE kv_state SET value = ?, version = version + 1, updated_at = ?
			WHERE key = ? AND version = ?`,
			value, now.UnixMilli(), key, version)
	}
	if err != nil {
		return Entry{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, err
	}
	if n == 0 {
		return Entry{}, ErrVersionConflict
	}
	return Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   version + 1,
		UpdatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, version, updated_at FROM kv_state
		WHERE instr(key, ?) = 1 ORDER BY key ASC`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			updatedAt int64
		)
		if err := rows.Scan(&e.Key, &e.Value, &e.Version, &updatedAt); err != nil {
			return nil, err
		}
		e.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, stream string, value []byte) (Record, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_records (stream, value, created_at) VALUES (?, ?, ?)`,
		stream, value, now.UnixMilli())
	if err != nil {
		return Record{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Record{}, err
	}
	return Record{
		Seq:       seq,
		Stream:    stream,
		Value:     append([]byte(nil), value...),
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

func (s *SQLiteStore) Tail(ctx context.Context, stream string, n int) ([]Record, error) {
	query := `SELECT seq, stream, value, created_at FROM stream_records
		WHERE stream = ? ORDER BY seq DESC`
	args := []any{stream}
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			createdAt int64
		)
		if err := rows.Scan(&r.Seq, &r.Stream, &r.Value, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
