// Package store implements the overlay's metadata sidecar: a SQLite
// file holding the paths/stats/meta relations from the original
// spec's data model, opened in write-ahead-log mode and guarded by a
// single per-mount transaction lock.
//
// The per-path and per-inode operations here correspond 1:1 to a
// statement from the original fakefs driver (path_get_inode,
// path_read_stat, path_create, inode_read_stat, inode_write_stat,
// path_link, path_unlink, path_rename). Alongside them are the meta
// singleton and orphan sweep used at mount time, the whole-table
// reads and delete used by the rebuild engine and fsck, and the
// schema helpers used by migrate.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"overlayfs/internal/logging"
)

var log = logging.For("store")

// ErrNotFound signals "row absent" — the zero-inode / no-rows case
// from the original design, not a store malfunction.
var ErrNotFound = errors.New("overlay: path or inode not found")

const schema = `
CREATE TABLE IF NOT EXISTS paths (
	path  BLOB PRIMARY KEY,
	inode INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS stats (
	inode INTEGER PRIMARY KEY AUTOINCREMENT,
	stat  BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	db_inode INTEGER,
	schema_version INTEGER NOT NULL DEFAULT 1
);
`

// CurrentSchemaVersion is the schema_version this build of the store
// understands. migrate.Run brings an older store up to it or rejects
// a newer/unrecognized one.
const CurrentSchemaVersion = 1

// Store is one mount's handle onto meta.db. It owns the prepared
// statements and the transaction lock; Begin/Commit/Rollback are the
// only way callers touch the lock.
type Store struct {
	db *sql.DB

	// mu is the single per-mount lock: Begin acquires it, Commit and
	// Rollback release it. It serializes the (host-op, store-mutate)
	// pairs so the pair is atomic with respect to every other caller.
	mu sync.Mutex
	tx *sql.Tx

	pathGetInode   *sql.Stmt
	pathReadStat   *sql.Stmt
	statInsert     *sql.Stmt
	pathInsert     *sql.Stmt
	inodeReadStat  *sql.Stmt
	inodeWriteStat *sql.Stmt
	pathLink       *sql.Stmt
	pathUnlink     *sql.Stmt
	pathRename     *sql.Stmt
	pathDeleteAll  *sql.Stmt
	allPaths       *sql.Stmt
	allStatInodes  *sql.Stmt
	metaRead       *sql.Stmt
	metaUpsert     *sql.Stmt
	orphanSweep    *sql.Stmt
}

// Open opens the sqlite file at dbPath, switches it to WAL mode,
// ensures the schema exists (a fresh mount creates it; an existing
// one is left alone), and prepares every statement the engine needs.
//
// Open does not perform the "first 15 bytes say SQLite format 3"
// sanity check or the data/meta.db path-derivation rule — those are
// mount-session concerns (session.Mount), not the store's.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("overlay: open meta.db: %w", err)
	}
	// The store is serialized by the mount lock, not by the sql
	// package's connection pool; one connection avoids the two
	// fighting each other over which goroutine holds the transaction.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("overlay: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("overlay: create schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", dbPath).Msg("opened metadata store")
	return s, nil
}

func (s *Store) prepare(ctx context.Context) error {
	stmts := []struct {
		dst  **sql.Stmt
		sql  string
	}{
		{&s.pathGetInode, `SELECT inode FROM paths WHERE path = ?`},
		{&s.pathReadStat, `SELECT stats.inode, stats.stat FROM stats NATURAL JOIN paths WHERE paths.path = ?`},
		{&s.statInsert, `INSERT INTO stats (stat) VALUES (?)`},
		{&s.pathInsert, `INSERT INTO paths (path, inode) VALUES (?, last_insert_rowid())`},
		{&s.inodeReadStat, `SELECT stat FROM stats WHERE inode = ?`},
		{&s.inodeWriteStat, `UPDATE stats SET stat = ? WHERE inode = ?`},
		{&s.pathLink, `INSERT INTO paths (path, inode) VALUES (?, ?)`},
		{&s.pathUnlink, `DELETE FROM paths WHERE path = ?`},
		{&s.pathRename, `UPDATE OR REPLACE paths SET path = ? WHERE path = ?`},
		{&s.pathDeleteAll, `DELETE FROM paths`},
		{&s.allPaths, `SELECT path, inode FROM paths`},
		{&s.allStatInodes, `SELECT inode FROM stats`},
		{&s.metaRead, `SELECT db_inode FROM meta`},
		{&s.metaUpsert, `UPDATE meta SET db_inode = ?`},
		{&s.orphanSweep, `DELETE FROM stats WHERE inode NOT IN (SELECT inode FROM paths)`},
	}
	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.sql)
		if err != nil {
			return fmt.Errorf("overlay: prepare %q: %w", st.sql, err)
		}
		*st.dst = prepared
	}
	// meta holds exactly one row; seed it if this is a fresh store.
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM meta`).Scan(&count); err != nil {
		return fmt.Errorf("overlay: count meta rows: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO meta (db_inode) VALUES (0)`); err != nil {
			return fmt.Errorf("overlay: seed meta row: %w", err)
		}
	}
	return nil
}

// Close releases the statement handles and the underlying sqlite
// connection.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.pathGetInode, s.pathReadStat, s.statInsert, s.pathInsert,
		s.inodeReadStat, s.inodeWriteStat, s.pathLink, s.pathUnlink,
		s.pathRename, s.pathDeleteAll, s.allPaths, s.allStatInodes,
		s.metaRead, s.metaUpsert, s.orphanSweep,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// fatal logs and aborts the process. Per the original design, any
// store error besides "no rows" signals logic-bug-or-corruption and
// must not be swallowed: proceeding risks silently losing I4.
func (s *Store) fatal(op string, err error) {
	log.Fatal().Err(err).Str("op", op).Msg("fatal metadata store error")
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
