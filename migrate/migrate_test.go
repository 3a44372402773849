package migrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"overlayfs/store"
)

func TestRunOnFreshStoreIsNoop(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run: %v", err)
	}

	version, err := db.ReadSchemaVersion(ctx)
	if err != nil {
		t.Fatalf("ReadSchemaVersion: %v", err)
	}
	if version != store.CurrentSchemaVersion {
		t.Errorf("schema_version = %d, want %d", version, store.CurrentSchemaVersion)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run (first): %v", err)
	}
	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run (second): %v", err)
	}
}

// TestRunAddsSchemaVersionToLegacyStore exercises the one concrete
// legacy shape Run exists to handle: a meta.db produced before
// schema_version bookkeeping existed, with a bare meta(db_inode)
// table. This is built by hand with a raw database/sql connection
// rather than store.Open, since store.Open's own schema always
// includes schema_version.
func TestRunAddsSchemaVersionToLegacyStore(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "meta.db")

	raw, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE paths (path BLOB PRIMARY KEY, inode INTEGER NOT NULL)`,
		`CREATE TABLE stats (inode INTEGER PRIMARY KEY AUTOINCREMENT, stat BLOB NOT NULL)`,
		`CREATE TABLE meta (db_inode INTEGER)`,
		`INSERT INTO meta (db_inode) VALUES (42)`,
	} {
		if _, err := raw.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("fixture %q: %v", stmt, err)
		}
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("close fixture handle: %v", err)
	}

	db, err := store.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	if has, err := db.HasColumn(ctx, "meta", "schema_version"); err != nil {
		t.Fatalf("HasColumn (pre): %v", err)
	} else if has {
		t.Fatalf("fixture already has schema_version; test setup is wrong")
	}

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run: %v", err)
	}

	has, err := db.HasColumn(ctx, "meta", "schema_version")
	if err != nil {
		t.Fatalf("HasColumn (post): %v", err)
	}
	if !has {
		t.Fatalf("Run did not add schema_version column")
	}

	version, err := db.ReadSchemaVersion(ctx)
	if err != nil {
		t.Fatalf("ReadSchemaVersion: %v", err)
	}
	if version != store.CurrentSchemaVersion {
		t.Errorf("schema_version = %d, want %d", version, store.CurrentSchemaVersion)
	}

	if err := db.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	inode, err := db.ReadDBInode(ctx)
	if err != nil {
		db.Rollback()
		t.Fatalf("ReadDBInode: %v", err)
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if inode != 42 {
		t.Errorf("db_inode = %d, want 42 (preserved across migration)", inode)
	}
}
