// Package ops implements the overlay's user-facing verbs: open, link,
// unlink, rename, symlink, mknod, mkdir, rmdir, stat, fstat, setattr,
// fsetattr, and readlink. Every mutating verb follows the
// wrap-transaction pattern — begin, perform the host operation, then
// either roll back on host failure or mutate the Store and commit.
package ops

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"overlayfs/internal/logging"
	"overlayfs/passthrough"
	"overlayfs/store"
)

var log = logging.For("ops")

// Engine is the overlay's verb table, pairing one passthrough.Interface
// with one store.Store. It holds no state of its own beyond those two
// collaborators; Handle carries everything a caller needs between an
// Open and the Fstat/Fsetattr/Close calls that follow it.
type Engine struct {
	Host passthrough.Interface
	DB   *store.Store
}

// NewEngine builds an Engine over an already-opened host and store.
func NewEngine(host passthrough.Interface, db *store.Store) *Engine {
	return &Engine{Host: host, DB: db}
}

// Handle is an open file's identity: a host descriptor plus the
// overlay inode the descriptor resolved to. fstat/fsetattr key off
// Inode, never off Path — the descriptor's identity survives the
// original path being renamed or unlinked out from under it.
type Handle struct {
	Fd    int
	Inode uint64
}

// Close releases the host descriptor behind a Handle.
func (e *Engine) Close(h Handle) error {
	return e.Host.CloseFd(h.Fd)
}

// pathKey normalizes a caller-supplied relative path into the
// absolute byte-string form the Store's paths table keys on. Paths
// bind as []byte specifically so non-UTF-8 host paths round-trip
// exactly; string(path) is only for passthrough's os-level joins.
func pathKey(path string) []byte {
	if path == "" || path == "." {
		return []byte("/")
	}
	if path[0] == '/' {
		return []byte(path)
	}
	return append([]byte("/"), path...)
}

// toErrno maps a Store or passthrough error onto the errno a FUSE
// caller expects. store.ErrNotFound is the overlay's own "no Path
// record" signal and always means ENOENT to a verb caller.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return unix.ENOENT
	}
	return err
}

// Re-exported unchanged, per spec: these never touch the Store.

func (e *Engine) Statfs(out *unix.Statfs_t) error { return e.Host.Statfs(out) }
func (e *Engine) Flock(fd int, how int) error     { return e.Host.Flock(fd, how) }
func (e *Engine) Getpath(path string) string      { return e.Host.Getpath(path) }
func (e *Engine) Utime(path string, atime, mtime time.Time) error {
	return e.Host.Utime(path, atime, mtime)
}

// Getxattr, Setxattr, Removexattr, and Listxattr are the supplemented
// extended-attribute verbs (see SPEC_FULL.md): pure host passthrough,
// no Store involvement, since xattrs live on the host file itself.

func (e *Engine) Getxattr(path, attr string, dest []byte) (int, error) {
	return e.Host.Getxattr(path, attr, dest)
}

func (e *Engine) Setxattr(path, attr string, data []byte, flags int) error {
	return e.Host.Setxattr(path, attr, data, flags)
}

func (e *Engine) Removexattr(path, attr string) error {
	return e.Host.Removexattr(path, attr)
}

func (e *Engine) Listxattr(path string, dest []byte) (int, error) {
	return e.Host.Listxattr(path, dest)
}
