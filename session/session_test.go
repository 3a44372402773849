package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"overlayfs/store"
)

// mkfs creates an empty, valid meta.db at dbPath — standing in for
// the separate mkfs-style provisioning step a real deployment would
// run once before the first mount. Mount itself refuses to fabricate
// a store (see TestMountRejectsMissingMetaFile).
func mkfs(t *testing.T, dbPath string) {
	t.Helper()
	db, err := store.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("mkfs: store.Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("mkfs: Close: %v", err)
	}
}

func TestMountWithPreCreatedStore(t *testing.T) {
	root := t.TempDir()
	dataRoot := filepath.Join(root, "data")
	if err := os.Mkdir(dataRoot, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	mkfs(t, filepath.Join(root, "meta.db"))

	s, err := Mount(context.Background(), dataRoot)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer s.Close()

	if s.Engine == nil {
		t.Fatalf("Mount returned nil Engine")
	}
}

func TestMountRejectsMissingMetaFile(t *testing.T) {
	root := t.TempDir()
	dataRoot := filepath.Join(root, "data")
	if err := os.Mkdir(dataRoot, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	_, err := Mount(context.Background(), dataRoot)
	if err == nil {
		t.Fatalf("Mount with no meta.db succeeded, want ENOENT")
	}
	if !errors.Is(err, unix.ENOENT) {
		t.Errorf("Mount error = %v, want one wrapping ENOENT", err)
	}
}

func TestMountRejectsBadSourceName(t *testing.T) {
	root := t.TempDir()
	notData := filepath.Join(root, "notdata")
	if err := os.Mkdir(notData, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := Mount(context.Background(), notData); err == nil {
		t.Errorf("Mount(%q) succeeded, want error", notData)
	}
}

func TestMountRejectsNonSqliteMetaFile(t *testing.T) {
	root := t.TempDir()
	dataRoot := filepath.Join(root, "data")
	if err := os.Mkdir(dataRoot, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "meta.db"), []byte("not a sqlite file"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Mount(context.Background(), dataRoot); err == nil {
		t.Errorf("Mount with bogus meta.db succeeded, want error")
	}
}

func TestMountTracksPathAcrossRemountWithCopiedStore(t *testing.T) {
	root := t.TempDir()
	dataRoot := filepath.Join(root, "data")
	dbPath := filepath.Join(root, "meta.db")
	if err := os.Mkdir(dataRoot, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	mkfs(t, dbPath)

	ctx := context.Background()
	s1, err := Mount(ctx, dataRoot)
	if err != nil {
		t.Fatalf("Mount (first): %v", err)
	}
	h, err := s1.Engine.Open(ctx, "a", unix.O_CREAT|unix.O_WRONLY, 0644, 7, 7)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s1.Engine.Close(h)
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate out-of-band copying of meta.db: write its bytes to a
	// brand new file at the same path, which the host assigns a
	// fresh inode.
	bytes, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("ReadFile meta.db: %v", err)
	}
	if err := os.Remove(dbPath); err != nil {
		t.Fatalf("Remove meta.db: %v", err)
	}
	if err := os.WriteFile(dbPath, bytes, 0644); err != nil {
		t.Fatalf("rewrite meta.db: %v", err)
	}

	s2, err := Mount(ctx, dataRoot)
	if err != nil {
		t.Fatalf("Mount (second, after copy): %v", err)
	}
	defer s2.Close()

	got, err := s2.Engine.Stat(ctx, "a")
	if err != nil {
		t.Fatalf("Stat(a) after rebuild-triggering remount: %v", err)
	}
	if got.Mode != uint32(0644|unix.S_IFREG) {
		t.Errorf("Mode = %o, want %o", got.Mode, 0644|unix.S_IFREG)
	}
	if got.Uid != 7 || got.Gid != 7 {
		t.Errorf("Uid/Gid = %d/%d, want 7/7", got.Uid, got.Gid)
	}
}
