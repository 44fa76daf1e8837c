package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/kimhsiao/incidentdesk/backend/internal/db"
)

// SQLiteStore is the default Store, backed by the kv_entries table.
type SQLiteStore struct {
	conn *db.DB
	repo *db.Repository
	now  func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database under dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	conn, err := db.Open(dataDir)
	if err != nil {
		return nil, persistErr("open", dataDir, err)
	}
	return &SQLiteStore{conn: conn, repo: db.NewRepository(conn.DB), now: time.Now}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, partition, key string) (Entry, error) {
	row, err := s.repo.Get(ctx, partition, key)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, persistErr("get", partition, err)
	}
	return Entry{Key: row.Key, Value: row.Value, UpdatedAt: row.UpdatedAt}, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, partition, key string, value []byte) error {
	if err := validKey(partition, key); err != nil {
		return err
	}
	if err := s.repo.Put(ctx, partition, key, value, s.now()); err != nil {
		return persistErr("put", partition, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, partition, key string) error {
	if err := s.repo.Delete(ctx, partition, key); err != nil {
		return persistErr("delete", partition, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, partition string, pred Predicate) ([]Entry, error) {
	rows, err := s.repo.List(ctx, partition)
	if err != nil {
		return nil, persistErr("list", partition, err)
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e := Entry{Key: row.Key, Value: row.Value, UpdatedAt: row.UpdatedAt}
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ClearPartition implements Store.
func (s *SQLiteStore) ClearPartition(ctx context.Context, partition string) error {
	if err := s.repo.ClearPartition(ctx, partition); err != nil {
		return persistErr("clear", partition, err)
	}
	return nil
}

// Close releases prepared statements and the connection.
func (s *SQLiteStore) Close() error {
	stmtErr := s.repo.Close()
	if err := s.conn.Close(); err != nil {
		return err
	}
	return stmtErr
}
