package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// KVRow is one row of kv_entries.
type KVRow struct {
	Partition string
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Repository provides partitioned key-value access to kv_entries.
type Repository struct {
	db *sql.DB

	// Prepared statements are created on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// another goroutine may have won the race; keep theirs
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

const (
	queryGet = `SELECT value, updated_at FROM kv_entries WHERE partition = ? AND key = ?`
	queryPut = `
	INSERT INTO kv_entries (partition, key, value, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(partition, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	queryDelete    = `DELETE FROM kv_entries WHERE partition = ? AND key = ?`
	queryList      = `SELECT key, value, updated_at FROM kv_entries WHERE partition = ? ORDER BY key`
	queryClear     = `DELETE FROM kv_entries WHERE partition = ?`
	queryPartCount = `SELECT COUNT(*) FROM kv_entries WHERE partition = ?`
)

// Get returns the row for (partition, key). sql.ErrNoRows is returned when
// absent.
func (r *Repository) Get(ctx context.Context, partition, key string) (*KVRow, error) {
	stmt, err := r.PrepareStmt(ctx, queryGet)
	if err != nil {
		return nil, err
	}

	row := KVRow{Partition: partition, Key: key}
	var updatedAt int64
	if err := stmt.QueryRowContext(ctx, partition, key).Scan(&row.Value, &updatedAt); err != nil {
		return nil, err
	}
	row.UpdatedAt = time.Unix(0, updatedAt)
	return &row, nil
}

// Put inserts or replaces the row for (partition, key).
func (r *Repository) Put(ctx context.Context, partition, key string, value []byte, at time.Time) error {
	stmt, err := r.PrepareStmt(ctx, queryPut)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, partition, key, value, at.UnixNano())
	return err
}

// Delete removes the row for (partition, key). Deleting an absent row is not
// an error.
func (r *Repository) Delete(ctx context.Context, partition, key string) error {
	stmt, err := r.PrepareStmt(ctx, queryDelete)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, partition, key)
	return err
}

// List returns every row in partition ordered by key.
func (r *Repository) List(ctx context.Context, partition string) ([]KVRow, error) {
	stmt, err := r.PrepareStmt(ctx, queryList)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KVRow
	for rows.Next() {
		row := KVRow{Partition: partition}
		var updatedAt int64
		if err := rows.Scan(&row.Key, &row.Value, &updatedAt); err != nil {
			return nil, err
		}
		row.UpdatedAt = time.Unix(0, updatedAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ClearPartition removes every row in partition.
func (r *Repository) ClearPartition(ctx context.Context, partition string) error {
	stmt, err := r.PrepareStmt(ctx, queryClear)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, partition)
	return err
}

// Count returns the number of rows in partition.
func (r *Repository) Count(ctx context.Context, partition string) (int, error) {
	stmt, err := r.PrepareStmt(ctx, queryPartCount)
	if err != nil {
		return 0, err
	}
	var n int
	err = stmt.QueryRowContext(ctx, partition).Scan(&n)
	return n, err
}
