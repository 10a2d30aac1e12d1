// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestMigrator_Up verifies migrations apply in version order and are recorded.
func TestMigrator_Up(t *testing.T) {
	db := openRaw(t)
	fsys := fstest.MapFS{
		"V2__add_column.up.sql":  {Data: []byte("ALTER TABLE t ADD COLUMN b TEXT;")},
		"V1__create_table.up.sql": {Data: []byte("CREATE TABLE t (a INTEGER);")},
		"README.md":               {Data: []byte("ignored")},
		"Vx__bad.up.sql":          {Data: []byte("ignored")},
	}

	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 || applied[0].Description != "create_table" {
		t.Errorf("applied = %+v", applied)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}

	// Second run is a no-op.
	if err := m.Up(); err != nil {
		t.Errorf("second Up() failed: %v", err)
	}
}

// TestMigrator_Up_modified verifies edited migrations are detected.
func TestMigrator_Up_modified(t *testing.T) {
	db := openRaw(t)
	fsys := fstest.MapFS{
		"V1__create_table.up.sql": {Data: []byte("CREATE TABLE t (a INTEGER);")},
	}
	m := NewMigrator(db, fsys)
	m.Initialize()
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["V1__create_table.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE t (a TEXT);")}
	err := m.Up()
	if err == nil || !strings.Contains(err.Error(), "modified") {
		t.Errorf("Up() error = %v, want modification error", err)
	}
}

// TestMigrator_Down verifies rollback of the latest migration.
func TestMigrator_Down(t *testing.T) {
	db := openRaw(t)
	fsys := fstest.MapFS{
		"V1__create_table.up.sql":   {Data: []byte("CREATE TABLE t (a INTEGER);")},
		"V1__create_table.down.sql": {Data: []byte("DROP TABLE t;")},
	}
	m := NewMigrator(db, fsys)
	m.Initialize()
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	version, _ := m.CurrentVersion()
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
	if err := m.Down(); err == nil {
		t.Error("Down() with nothing applied should fail")
	}
}

// TestMigrations_embedded verifies the shipped schema parses and rolls back cleanly.
func TestMigrations_embedded(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, Migrations())
	m.Initialize()
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	var count int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='entities'").Scan(&count)
	if count != 0 {
		t.Error("entities table should be dropped by rollback")
	}
}
