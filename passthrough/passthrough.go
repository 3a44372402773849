// Package passthrough is the host-filesystem side of the overlay: a
// thin wrapper over the syscalls the original fakefs driver re-exports
// unchanged (Statfs, Close, Flock, Getpath, Utime) plus the ones
// ops.Engine pairs with a store read or mutation (Open, Link, Unlink,
// Rmdir, Rename, Mknod, Mkdir, Readlink, Stat, Fstat, Truncate,
// Ftruncate, WriteFile, ReadFile). Symlink, Setattr and Fsetattr
// complete the host verb table but ops.Engine does not call them.
//
// Every method here talks to the kernel and nothing else: no store
// access, no locking. ops.Engine is what wraps a passthrough call in
// a Store transaction.
package passthrough

import (
	"fmt"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Interface is the full set of host operations the overlay needs.
// Local is the only production implementation; tests may substitute
// a fake that doesn't touch a real filesystem.
type Interface interface {
	Mount(source string) error
	Umount() error
	Statfs(out *unix.Statfs_t) error
	Close() error

	Open(path string, flags int, mode uint32) (fd int, err error)
	Stat(path string) (*syscall.Stat_t, error)
	Fstat(fd int) (*syscall.Stat_t, error)
	Link(oldPath, newPath string) error
	Unlink(path string) error
	Rmdir(path string) error
	Rename(oldPath, newPath string) error
	Symlink(target, linkPath string) error
	Mknod(path string, mode uint32, dev int) error
	Mkdir(path string, mode uint32) error
	Readlink(path string) (string, error)
	Flock(fd int, how int) error
	Setattr(path string, mode, uid, gid uint32) error
	Fsetattr(fd int, mode, uid, gid uint32) error
	Getpath(path string) string
	Utime(path string, atime, mtime time.Time) error
	Truncate(path string, size int64) error
	Ftruncate(fd int, size int64) error
	WriteFile(path string, data []byte, mode uint32) error
	ReadFile(path string) ([]byte, error)
	CloseFd(fd int) error

	Getxattr(path, attr string, dest []byte) (int, error)
	Setxattr(path, attr string, data []byte, flags int) error
	Removexattr(path, attr string) error
	Listxattr(path string, dest []byte) (int, error)
}

// Local operates on a real directory tree rooted at Root — the
// mount's data directory. Every relative path passed to its methods
// is joined against Root before reaching a syscall, the same join
// discipline as the teacher's node.path().
type Local struct {
	Root string

	rootFd int
}

var _ Interface = (*Local)(nil)

// Open opens Root as a directory descriptor, failing fast if source
// isn't a directory the process can enter. This descriptor is what
// the mount session holds for the lifetime of the mount.
func Open(root string) (*Local, error) {
	fd, err := unix.Open(root, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("overlay: open data root %q: %w", root, err)
	}
	return &Local{Root: root, rootFd: fd}, nil
}

// Mount verifies that source exists and is a directory. The original
// driver's notion of "mount" is folded into session.Mount; this
// method exists so passthrough.Interface carries the full verb table
// spec.md's EXTERNAL INTERFACES section names.
func (l *Local) Mount(source string) error {
	st, err := unix.Stat(source)
	if err != nil {
		return fmt.Errorf("overlay: stat mount source %q: %w", source, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("overlay: mount source %q is not a directory", source)
	}
	return nil
}

// Umount is a no-op at this layer: unmounting the FUSE mountpoint is
// the kernel's job, triggered by the fuseops server shutting down.
func (l *Local) Umount() error { return nil }

func (l *Local) join(path string) string {
	return filepath.Join(l.Root, path)
}

// Getpath returns the host path a relative overlay path resolves to.
// Re-exported unchanged per spec.md §6 — callers that only need a
// path string (no I/O) use this instead of duplicating the join.
func (l *Local) Getpath(path string) string {
	return l.join(path)
}

// Statfs reports filesystem-level statistics for the data root,
// re-exported unchanged.
func (l *Local) Statfs(out *unix.Statfs_t) error {
	return unix.Statfs(l.Root, out)
}

// Close releases the root directory descriptor.
func (l *Local) Close() error {
	if l.rootFd == 0 {
		return nil
	}
	return unix.Close(l.rootFd)
}

// CloseFd closes a descriptor returned by Open, the host half of
// ops.Engine.Close releasing a file handle.
func (l *Local) CloseFd(fd int) error {
	return unix.Close(fd)
}

// Open opens path (relative to Root) with flags and mode, returning a
// raw file descriptor for ops.Engine to hand to the caller.
func (l *Local) Open(path string, flags int, mode uint32) (int, error) {
	fd, err := unix.Open(l.join(path), flags, mode)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Stat reads a host entry's attributes without following a trailing
// symlink, matching fakefs_stat's use of lstat.
func (l *Local) Stat(path string) (*syscall.Stat_t, error) {
	var st syscall.Stat_t
	if err := syscall.Lstat(l.join(path), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Fstat reads an already-open descriptor's attributes, matching
// fakefs_fstat.
func (l *Local) Fstat(fd int) (*syscall.Stat_t, error) {
	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Link creates a new hard link, matching fakefs_link.
func (l *Local) Link(oldPath, newPath string) error {
	return unix.Link(l.join(oldPath), l.join(newPath))
}

// Unlink removes a directory entry, matching fakefs_unlink.
func (l *Local) Unlink(path string) error {
	return unix.Unlink(l.join(path))
}

// Rmdir removes an empty directory, matching fakefs_rmdir.
func (l *Local) Rmdir(path string) error {
	return unix.Rmdir(l.join(path))
}

// Rename replaces newPath with oldPath's entry, matching
// fakefs_rename's replace semantics.
func (l *Local) Rename(oldPath, newPath string) error {
	return unix.Rename(l.join(oldPath), l.join(newPath))
}

// Symlink creates a real host symlink at linkPath pointing at target.
// The overlay stores a symlink's target as a regular file instead (see
// ops.Engine.Symlink for why), so ops.Engine calls WriteFile rather
// than this method; nothing in this module calls Symlink.
func (l *Local) Symlink(target, linkPath string) error {
	return unix.Symlink(target, l.join(linkPath))
}

// Mknod creates a device/special file entry, matching fakefs_mknod.
func (l *Local) Mknod(path string, mode uint32, dev int) error {
	return unix.Mknod(l.join(path), mode, dev)
}

// Mkdir creates a directory, matching fakefs_mkdir.
func (l *Local) Mkdir(path string, mode uint32) error {
	return unix.Mkdir(l.join(path), mode)
}

// Readlink reads a real host symlink's target. ops.Engine calls this
// first and falls back to ReadFile when it fails with EINVAL (the host
// entry is a regular file holding the target), matching
// fakefs_readlink's fallback order.
func (l *Local) Readlink(path string) (string, error) {
	buf := make([]byte, 256)
	for {
		n, err := unix.Readlink(l.join(path), buf)
		if err != nil {
			return "", err
		}
		if n < len(buf) {
			return string(buf[:n]), nil
		}
		buf = make([]byte, len(buf)*2)
	}
}

// Flock applies an advisory lock to fd, re-exported unchanged.
func (l *Local) Flock(fd int, how int) error {
	return unix.Flock(fd, how)
}

// Setattr changes a host entry's mode/owner. ops.Engine does not call
// it: the authoritative mode/uid/gid live in the Store, and the
// overlay's Setattr never changes the host entry's mode or owner.
func (l *Local) Setattr(path string, mode, uid, gid uint32) error {
	full := l.join(path)
	if err := unix.Chmod(full, mode&07777); err != nil {
		return err
	}
	return unix.Lchown(full, int(uid), int(gid))
}

// Fsetattr is Setattr for an already-open descriptor.
func (l *Local) Fsetattr(fd int, mode, uid, gid uint32) error {
	if err := unix.Fchmod(fd, mode&07777); err != nil {
		return err
	}
	return unix.Fchown(fd, int(uid), int(gid))
}

// Utime sets a host entry's access and modification times,
// re-exported unchanged.
func (l *Local) Utime(path string, atime, mtime time.Time) error {
	times := []unix.Timeval{
		unix.NsecToTimeval(atime.UnixNano()),
		unix.NsecToTimeval(mtime.UnixNano()),
	}
	return unix.Lutimes(l.join(path), times)
}

// Truncate changes a host file's size; this is the one setattr field
// the overlay treats as content rather than metadata, so it goes
// straight to the host with no Store involvement.
func (l *Local) Truncate(path string, size int64) error {
	return unix.Truncate(l.join(path), size)
}

// Ftruncate is Truncate for an already-open descriptor.
func (l *Local) Ftruncate(fd int, size int64) error {
	return unix.Ftruncate(fd, size)
}

// WriteFile creates (or replaces) path with data as its entire
// content. ops.Engine uses this for symlink emulation: the overlay
// stores a symlink's target as the literal bytes of an ordinary host
// file, not as a real host symlink.
func (l *Local) WriteFile(path string, data []byte, mode uint32) error {
	fd, err := unix.Open(l.join(path), unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	_, err = unix.Write(fd, data)
	return err
}

// Getxattr, Setxattr, Removexattr, and Listxattr pass straight
// through to the host entry: extended attributes live on the host
// file itself and are not part of the overlay's authoritative
// metadata the way mode/uid/gid/rdev are.
func (l *Local) Getxattr(path, attr string, dest []byte) (int, error) {
	return unix.Lgetxattr(l.join(path), attr, dest)
}

func (l *Local) Setxattr(path, attr string, data []byte, flags int) error {
	return unix.Lsetxattr(l.join(path), attr, data, flags)
}

func (l *Local) Removexattr(path, attr string) error {
	return unix.Lremovexattr(l.join(path), attr)
}

func (l *Local) Listxattr(path string, dest []byte) (int, error) {
	return unix.Llistxattr(l.join(path), dest)
}

// ReadFile reads a host entry's entire content. ops.Engine's Readlink
// falls back to this when the host entry is a regular file standing
// in for a symlink.
func (l *Local) ReadFile(path string) ([]byte, error) {
	fd, err := unix.Open(l.join(path), unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	return out, nil
}
