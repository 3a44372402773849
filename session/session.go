// Package session implements the mount-time sequence: validating the
// source layout, opening the store and the host tree, migrating,
// rebuilding if the store was copied out from under a prior mount,
// and sweeping orphaned Stat rows — then handing back an ops.Engine
// ready to serve verbs.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"overlayfs/internal/logging"
	"overlayfs/migrate"
	"overlayfs/ops"
	"overlayfs/passthrough"
	"overlayfs/rebuild"
	"overlayfs/store"
)

var log = logging.For("session")

// sqliteMagic is the first 15 bytes of every valid sqlite3 database
// file, checked before meta.db is handed to database/sql so a
// non-store file fails fast with a clear error instead of a confusing
// driver failure deep inside go-sqlite3.
const sqliteMagic = "SQLite format 3"

// Session is a mounted overlay: the Store, the host root, and the
// Engine built from both. Close releases the Store; the host root
// descriptor is left open (cmd/overlayfs does not close it; it is
// released when the process exits), since its lifecycle isn't the
// session's to decide — a caller
// that wants to keep serving FUSE requests through a brief store
// maintenance window needs the descriptor to outlive Close.
type Session struct {
	Engine *ops.Engine

	db   *store.Store
	host *passthrough.Local
}

// Mount runs the full mount-time sequence against source, which must
// be a path ending in the "data" component; meta.db is derived as its
// sibling.
func Mount(ctx context.Context, source string) (*Session, error) {
	dataRoot, dbPath, err := SplitSource(source)
	if err != nil {
		return nil, err
	}

	if err := checkMagic(dbPath); err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	host, err := passthrough.Open(dataRoot)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate.Run(ctx, db); err != nil {
		db.Close()
		host.Close()
		return nil, err
	}

	dbInfo, err := os.Stat(dbPath)
	if err != nil {
		db.Close()
		host.Close()
		return nil, fmt.Errorf("overlay: stat meta.db: %w", err)
	}
	currentInode := int64(statIno(dbInfo))

	if err := db.Begin(ctx); err != nil {
		db.Close()
		host.Close()
		return nil, err
	}
	recordedInode, err := db.ReadDBInode(ctx)
	if err != nil {
		db.Rollback()
		db.Close()
		host.Close()
		return nil, err
	}
	if err := db.Commit(); err != nil {
		db.Close()
		host.Close()
		return nil, err
	}

	if recordedInode != 0 && recordedInode != currentInode {
		log.Info().Int64("recorded", recordedInode).Int64("current", currentInode).
			Msg("meta.db host inode changed since last mount; rebuilding")
		if err := rebuild.Run(ctx, dataRoot, db); err != nil {
			db.Close()
			host.Close()
			return nil, err
		}
	}

	if err := db.Begin(ctx); err != nil {
		db.Close()
		host.Close()
		return nil, err
	}
	if err := db.WriteDBInode(ctx, currentInode); err != nil {
		db.Rollback()
		db.Close()
		host.Close()
		return nil, err
	}
	if err := db.OrphanSweep(ctx); err != nil {
		db.Rollback()
		db.Close()
		host.Close()
		return nil, err
	}
	if err := db.Commit(); err != nil {
		db.Close()
		host.Close()
		return nil, err
	}

	log.Info().Str("data", dataRoot).Str("meta", dbPath).Msg("mounted")
	return &Session{
		Engine: ops.NewEngine(host, db),
		db:     db,
		host:   host,
	}, nil
}

// Close releases the Store. The data root descriptor is left open;
// a caller that wants it closed does so through Engine.Host.Close.
func (s *Session) Close() error {
	return s.db.Close()
}

// SplitSource validates that source's final path component is
// "data" and derives meta.db as its sibling.
func SplitSource(source string) (dataRoot, dbPath string, err error) {
	clean := strings.TrimRight(source, string(filepath.Separator))
	if filepath.Base(clean) != "data" {
		return "", "", fmt.Errorf("overlay: mount source %q must be a path ending in %q", source, "data")
	}
	return clean, filepath.Join(filepath.Dir(clean), "meta.db"), nil
}

// statIno extracts the host inode number from an os.FileInfo obtained
// via os.Stat/os.Lstat on a Unix platform.
func statIno(info os.FileInfo) uint64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return st.Ino
}

// checkMagic verifies dbPath looks like a sqlite3 file before handing
// it to database/sql. Per spec.md §6 ("The sibling file meta.db...
// both must exist") and the original fakefs_mount's open(db_path,
// O_RDONLY), a missing meta.db is a mount failure, not an invitation
// to fabricate one — a fresh store is created by a separate mkfs-style
// step, not implicitly by Mount.
func checkMagic(dbPath string) error {
	f, err := os.Open(dbPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("overlay: meta.db not found at %q: %w", dbPath, unix.ENOENT)
	}
	if err != nil {
		return fmt.Errorf("overlay: open meta.db: %w", err)
	}
	defer f.Close()

	buf := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("overlay: meta.db too short to be a valid store")
	}
	if string(buf) != sqliteMagic {
		return fmt.Errorf("overlay: meta.db does not have the sqlite3 magic header; not a valid store: %w", unix.EINVAL)
	}
	return nil
}
