package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Begin acquires the mount's single transaction lock and starts a
// sqlite transaction. The caller must follow with exactly one of
// Commit or Rollback before any other store call: this is the Go
// shape of the original wrap-transaction pattern — begin, perform the
// host operation, then commit the store mutation on success or roll
// it back on failure.
func (s *Store) Begin(ctx context.Context) error {
	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("overlay: begin transaction: %w", err)
	}
	s.tx = tx
	return nil
}

// Commit finalizes the store mutations made since Begin and releases
// the lock. Call this only after the paired host operation succeeded.
func (s *Store) Commit() error {
	defer s.mu.Unlock()
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		s.fatal("commit", err)
		return err
	}
	return nil
}

// Rollback discards the store mutations made since Begin and releases
// the lock. Call this when the paired host operation failed, so the
// store never records a change the host doesn't reflect.
func (s *Store) Rollback() error {
	defer s.mu.Unlock()
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil {
		s.fatal("rollback", err)
		return err
	}
	return nil
}

func (s *Store) stmt(ctx context.Context, st *sql.Stmt) *sql.Stmt {
	if s.tx == nil {
		panic("overlay: store method called outside Begin/Commit")
	}
	return s.tx.StmtContext(ctx, st)
}

// PathGetInode resolves a path to its overlay inode, the equivalent
// of the original driver's path_get_inode statement. ErrNotFound
// means the path has no overlay entry, which callers treat as the
// path not existing in the overlay (ENOENT, or on open(O_CREAT) the
// cue to create a new record).
func (s *Store) PathGetInode(ctx context.Context, path []byte) (int64, error) {
	var inode int64
	err := s.stmt(ctx, s.pathGetInode).QueryRowContext(ctx, path).Scan(&inode)
	if notFound(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		s.fatal("path_get_inode", err)
		return 0, err
	}
	return inode, nil
}

// PathReadStat resolves a path straight to its inode and Stat in one
// round trip, mirroring path_read_stat.
func (s *Store) PathReadStat(ctx context.Context, path []byte) (int64, Stat, error) {
	var inode int64
	var blob []byte
	err := s.stmt(ctx, s.pathReadStat).QueryRowContext(ctx, path).Scan(&inode, &blob)
	if notFound(err) {
		return 0, Stat{}, ErrNotFound
	}
	if err != nil {
		s.fatal("path_read_stat", err)
		return 0, Stat{}, err
	}
	stat, ok := DecodeStat(blob)
	if !ok {
		err := fmt.Errorf("overlay: corrupt stat blob for inode %d (%d bytes)", inode, len(blob))
		s.fatal("path_read_stat:decode", err)
		return 0, Stat{}, err
	}
	return inode, stat, nil
}

// PathCreate allocates a fresh overlay inode carrying stat, and binds
// path to it. This is the overlay side of every verb that creates a
// new host entry: open(O_CREAT), mkdir, mknod, symlink.
func (s *Store) PathCreate(ctx context.Context, path []byte, stat Stat) (int64, error) {
	res, err := s.stmt(ctx, s.statInsert).ExecContext(ctx, stat.Encode())
	if err != nil {
		s.fatal("stat_insert", err)
		return 0, err
	}
	inode, err := res.LastInsertId()
	if err != nil {
		s.fatal("stat_insert:last_insert_id", err)
		return 0, err
	}
	if _, err := s.stmt(ctx, s.pathInsert).ExecContext(ctx, path); err != nil {
		s.fatal("path_insert", err)
		return 0, err
	}
	return inode, nil
}

// InodeReadStat reads the Stat bound to an already-known inode,
// mirroring inode_read_stat. Used by fstat, where the caller already
// holds the inode from a prior open.
func (s *Store) InodeReadStat(ctx context.Context, inode int64) (Stat, error) {
	var blob []byte
	err := s.stmt(ctx, s.inodeReadStat).QueryRowContext(ctx, inode).Scan(&blob)
	if notFound(err) {
		return Stat{}, ErrNotFound
	}
	if err != nil {
		s.fatal("inode_read_stat", err)
		return Stat{}, err
	}
	stat, ok := DecodeStat(blob)
	if !ok {
		err := fmt.Errorf("overlay: corrupt stat blob for inode %d (%d bytes)", inode, len(blob))
		s.fatal("inode_read_stat:decode", err)
		return Stat{}, err
	}
	return stat, nil
}

// InodeWriteStat overwrites the Stat bound to an inode, the store
// half of setattr/fsetattr.
func (s *Store) InodeWriteStat(ctx context.Context, inode int64, stat Stat) error {
	res, err := s.stmt(ctx, s.inodeWriteStat).ExecContext(ctx, stat.Encode(), inode)
	if err != nil {
		s.fatal("inode_write_stat", err)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		s.fatal("inode_write_stat:rows_affected", err)
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PathLink binds an additional path to an existing inode, the store
// half of link(2): both paths now share one Stat, so changing one's
// mode through setattr is visible through the other.
func (s *Store) PathLink(ctx context.Context, path []byte, inode int64) error {
	if _, err := s.stmt(ctx, s.pathLink).ExecContext(ctx, path, inode); err != nil {
		s.fatal("path_link", err)
		return err
	}
	return nil
}

// PathUnlink removes a path's binding. It does not touch the stats
// row; an orphaned stat (no remaining path) is reclaimed later by the
// mount-time sweep, not inline, since inline sweeping would need an
// extra query on every unlink for a case that's rare in practice.
func (s *Store) PathUnlink(ctx context.Context, path []byte) error {
	if _, err := s.stmt(ctx, s.pathUnlink).ExecContext(ctx, path); err != nil {
		s.fatal("path_unlink", err)
		return err
	}
	return nil
}

// PathRename rebinds oldPath's entry to newPath, replacing whatever
// newPath previously pointed at — matching POSIX rename's
// overwrite-the-destination semantics and the original driver's
// "UPDATE OR REPLACE".
func (s *Store) PathRename(ctx context.Context, oldPath, newPath []byte) error {
	if _, err := s.stmt(ctx, s.pathRename).ExecContext(ctx, newPath, oldPath); err != nil {
		s.fatal("path_rename", err)
		return err
	}
	return nil
}

// PathEntry is one row of the paths table, surfaced whole for the
// rebuild engine and the fsck walk — both need every (path, inode)
// pair at once rather than one lookup at a time.
type PathEntry struct {
	Path  []byte
	Inode int64
}

// AllPaths returns every row in paths. Used by rebuild.Run to
// snapshot the pre-rebuild path→inode mapping, and by rebuild.Verify
// to walk the whole table looking for entries whose host file is
// gone.
func (s *Store) AllPaths(ctx context.Context) ([]PathEntry, error) {
	rows, err := s.stmt(ctx, s.allPaths).QueryContext(ctx)
	if err != nil {
		s.fatal("all_paths", err)
		return nil, err
	}
	defer rows.Close()

	var entries []PathEntry
	for rows.Next() {
		var e PathEntry
		if err := rows.Scan(&e.Path, &e.Inode); err != nil {
			s.fatal("all_paths:scan", err)
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		s.fatal("all_paths:rows", err)
		return nil, err
	}
	return entries, nil
}

// AllStatInodes returns every inode present in the stats table, used
// by rebuild.Verify to find Stat rows no Path references.
func (s *Store) AllStatInodes(ctx context.Context) ([]int64, error) {
	rows, err := s.stmt(ctx, s.allStatInodes).QueryContext(ctx)
	if err != nil {
		s.fatal("all_stat_inodes", err)
		return nil, err
	}
	defer rows.Close()

	var inodes []int64
	for rows.Next() {
		var inode int64
		if err := rows.Scan(&inode); err != nil {
			s.fatal("all_stat_inodes:scan", err)
			return nil, err
		}
		inodes = append(inodes, inode)
	}
	if err := rows.Err(); err != nil {
		s.fatal("all_stat_inodes:rows", err)
		return nil, err
	}
	return inodes, nil
}

// ReadDBInode reads the meta singleton's recorded host inode for
// meta.db itself, used at mount time to detect out-of-band copying.
func (s *Store) ReadDBInode(ctx context.Context) (int64, error) {
	var inode int64
	if err := s.stmt(ctx, s.metaRead).QueryRowContext(ctx).Scan(&inode); err != nil {
		s.fatal("meta_read", err)
		return 0, err
	}
	return inode, nil
}

// WriteDBInode records the current host inode of meta.db, so the next
// mount can tell whether the pair was copied rather than moved.
func (s *Store) WriteDBInode(ctx context.Context, inode int64) error {
	if _, err := s.stmt(ctx, s.metaUpsert).ExecContext(ctx, inode); err != nil {
		s.fatal("meta_upsert", err)
		return err
	}
	return nil
}

// DeleteAllPaths wipes the paths table, the first step of a rebuild:
// the engine repopulates it from a fresh walk of the host tree.
func (s *Store) DeleteAllPaths(ctx context.Context) error {
	if _, err := s.stmt(ctx, s.pathDeleteAll).ExecContext(ctx); err != nil {
		s.fatal("path_delete_all", err)
		return err
	}
	return nil
}

// ReadSchemaVersion reads the meta singleton's schema_version. Unlike
// the other statement-backed operations this runs directly against
// the database, not inside a Begin/Commit pair: migrate.Run calls it
// before the mount session has anything else to serialize against.
func (s *Store) ReadSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT schema_version FROM meta`).Scan(&version); err != nil {
		return 0, fmt.Errorf("overlay: read schema_version: %w", err)
	}
	return version, nil
}

// JournalMode reports sqlite's current journal_mode for meta.db.
// migrate.Run logs it when it is not "wal"; since Open has already
// switched the store to WAL by then, that log marks a store whose
// switch did not take effect.
func (s *Store) JournalMode(ctx context.Context) (string, error) {
	var mode string
	if err := s.db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		return "", fmt.Errorf("overlay: read journal_mode: %w", err)
	}
	return mode, nil
}

// HasColumn reports whether table has a column named column. migrate.Run
// uses this to detect a meta table predating schema_version.
func (s *Store) HasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("overlay: table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("overlay: table_info(%s) scan: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Migrate runs a raw schema-evolution statement directly against the
// database, outside the mount lock. migrate.Run is the only caller;
// it always runs before the session hands the store to ops.Engine.
func (s *Store) Migrate(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("overlay: migration step %q: %w", query, err)
	}
	return nil
}

// OrphanSweep deletes every stats row with no surviving path entry.
// session.Mount runs it once at the end of every mount, after any
// rebuild, so a process crash between unlink and sweep never leaks
// more than one mount's worth of orphaned rows.
func (s *Store) OrphanSweep(ctx context.Context) error {
	if _, err := s.stmt(ctx, s.orphanSweep).ExecContext(ctx); err != nil {
		s.fatal("orphan_sweep", err)
		return err
	}
	return nil
}
