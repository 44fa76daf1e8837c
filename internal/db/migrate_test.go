// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testScripts() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER);")},
		"V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"README.md":             {Data: []byte("ignored")},
		"Vx__broken.up.sql":     {Data: []byte("ignored")},
	}
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testScripts())

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testScripts())

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	v, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if v != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", v)
	}
}

// TestUpDown verifies apply order, idempotence and rollback.
func TestUpDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testScripts())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Description != "create_a" || applied[1].Version != 2 {
		t.Errorf("unexpected applied migrations: %+v", applied)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	v, _ := m.CurrentVersion()
	if v != 1 {
		t.Errorf("CurrentVersion() after Down = %d, want 1", v)
	}
	if _, err := db.Exec("SELECT * FROM b"); err == nil {
		t.Error("table b should be dropped after Down()")
	}
}

// TestUp_ModifiedScript verifies edited scripts are detected.
func TestUp_ModifiedScript(t *testing.T) {
	db := openMemory(t)
	scripts := testScripts()
	m := NewMigrator(db, scripts)
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatal(err)
	}

	scripts["V1__create_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id INTEGER, x TEXT);")}
	if err := m.Up(); err == nil {
		t.Error("Up() should fail when an applied script changed")
	}
}

// TestDown_Empty verifies rollback with nothing applied.
func TestDown_Empty(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testScripts())
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Down(); err == nil {
		t.Error("Down() should fail with no migrations applied")
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"V1__kv_store.up.sql", 1, true},
		{"V12__x.down.sql", 12, true},
		{"V0__zero.up.sql", 0, false},
		{"1__noprefix.up.sql", 0, false},
		{"V3.up.sql", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseVersion(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseVersion(%q) = %d, %v; want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

// TestEmbeddedMigrations verifies the shipped schema applies cleanly.
func TestEmbeddedMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, Migrations)
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
}
