package db

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fieldops.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestMigrate(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	err = Migrate(ctx, db,
		`CREATE TABLE a (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE IF NOT EXISTS b (id INTEGER PRIMARY KEY)`,
	)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := db.Exec("INSERT INTO a (name) VALUES (?)", "foo"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var name string
	if err := db.QueryRow("SELECT name FROM a WHERE id = 1").Scan(&name); err != nil {
		t.Fatalf("select: %v", err)
	}
	if name != "foo" {
		t.Errorf("name = %q, want foo", name)
	}

	if err := Migrate(ctx, db, `CREATE TABLE a (id INTEGER)`); err == nil {
		t.Error("expected error re-creating existing table")
	}
}
