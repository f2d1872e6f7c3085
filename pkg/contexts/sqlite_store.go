package contexts

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteContextsSchemaV1 = `
CREATE TABLE IF NOT EXISTS contexts (
    id TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore keeps one JSON payload per context row. Every lookup reads the
// database so that edits are visible to the next run.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite context store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not open sqlite context store")
	}
	if _, err := db.Exec(sqliteContextsSchemaV1); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "could not migrate sqlite context store")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetContextByID(ctx context.Context, id string) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New("sqlite context store is closed")
	}

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json FROM contexts WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ContextNotFoundError{ID: id}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not load context %q", id)
	}

	var c Context
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, errors.Wrapf(err, "could not decode context %q", id)
	}
	return &c, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, c *Context) error {
	if c == nil || c.ID == "" {
		return errors.New("context id is required")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sqlite context store is closed")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contexts (id, payload_json, updated_at_ms) VALUES (?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET payload_json = excluded.payload_json, updated_at_ms = excluded.updated_at_ms`,
		c.ID, string(b), time.Now().UnixMilli())
	return errors.Wrapf(err, "could not store context %q", c.ID)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE id = ?`, id)
	return errors.Wrapf(err, "could not delete context %q", id)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
