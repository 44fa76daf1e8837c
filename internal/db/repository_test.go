// Package db tests for the key-value repository.
package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	conn, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	repo := NewRepository(conn.DB)
	t.Cleanup(func() {
		repo.Close()
		conn.Close()
	})
	return repo
}

func TestRepository_PutGet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 123)

	if err := repo.Put(ctx, "outbox", "op-1", []byte(`{"id":"op-1"}`), at); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	row, err := repo.Get(ctx, "outbox", "op-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(row.Value) != `{"id":"op-1"}` {
		t.Errorf("Value = %s", row.Value)
	}
	if !row.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %v, want %v", row.UpdatedAt, at)
	}

	// upsert replaces
	if err := repo.Put(ctx, "outbox", "op-1", []byte(`{}`), at.Add(time.Second)); err != nil {
		t.Fatalf("Put() upsert failed: %v", err)
	}
	row, _ = repo.Get(ctx, "outbox", "op-1")
	if string(row.Value) != `{}` {
		t.Errorf("Value after upsert = %s", row.Value)
	}
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepository(t)
	_, err := repo.Get(context.Background(), "outbox", "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Get() error = %v, want sql.ErrNoRows", err)
	}
}

func TestRepository_PartitionsAreIsolated(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now()

	for _, k := range []string{"b", "a", "c"} {
		if err := repo.Put(ctx, "cache:incidents", k, []byte(k), now); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.Put(ctx, "cache:alerts", "a", []byte("x"), now); err != nil {
		t.Fatal(err)
	}

	rows, err := repo.List(ctx, "cache:incidents")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(rows) != 3 || rows[0].Key != "a" || rows[2].Key != "c" {
		t.Errorf("List() = %+v, want a,b,c", rows)
	}

	if err := repo.ClearPartition(ctx, "cache:incidents"); err != nil {
		t.Fatalf("ClearPartition() failed: %v", err)
	}
	n, _ := repo.Count(ctx, "cache:incidents")
	if n != 0 {
		t.Errorf("Count after clear = %d, want 0", n)
	}
	n, _ = repo.Count(ctx, "cache:alerts")
	if n != 1 {
		t.Errorf("other partition Count = %d, want 1", n)
	}
}

func TestRepository_Delete(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if err := repo.Put(ctx, "p", "k", []byte("v"), time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, "p", "k"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := repo.Delete(ctx, "p", "k"); err != nil {
		t.Errorf("Delete() of absent row failed: %v", err)
	}
	if _, err := repo.Get(ctx, "p", "k"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Get() after delete error = %v", err)
	}
}
