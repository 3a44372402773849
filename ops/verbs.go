package ops

import (
	"context"
	"errors"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"overlayfs/attr"
	"overlayfs/store"
)

// Open delegates host open with the effective mode the host always
// sees (0666 — the overlay's mode is authoritative, not the host's).
// On O_CREAT, if no Path record exists yet, one is created with the
// requested mode and the caller's credentials. A pre-existing host
// file with no overlay metadata is an orphan: the descriptor is
// closed and ENOENT returned, since the overlay treats it as
// non-existent.
func (e *Engine) Open(ctx context.Context, path string, flags int, mode, uid, gid uint32) (Handle, error) {
	key := pathKey(path)

	if err := e.DB.Begin(ctx); err != nil {
		return Handle{}, err
	}

	fd, err := e.Host.Open(path, flags, 0666)
	if err != nil {
		e.DB.Rollback()
		return Handle{}, err
	}

	inode, err := e.DB.PathGetInode(ctx, key)
	switch {
	case err == nil:
		// already tracked; nothing to create.
	case errors.Is(err, store.ErrNotFound):
		if flags&unix.O_CREAT == 0 {
			e.Host.CloseFd(fd)
			e.DB.Rollback()
			return Handle{}, unix.ENOENT
		}
		stat := store.Stat{Mode: mode | unix.S_IFREG, Uid: uid, Gid: gid}
		inode, err = e.DB.PathCreate(ctx, key, stat)
		if err != nil {
			e.Host.CloseFd(fd)
			e.DB.Rollback()
			return Handle{}, err
		}
	default:
		e.Host.CloseFd(fd)
		e.DB.Rollback()
		return Handle{}, err
	}

	if err := e.DB.Commit(); err != nil {
		return Handle{}, err
	}
	log.Debug().Str("path", path).Uint64("inode", uint64(inode)).Msg("open")
	return Handle{Fd: fd, Inode: uint64(inode)}, nil
}

// Link host-links first, preserving any host-level failure such as
// cross-device linking, then binds dst to src's overlay inode so both
// paths share one Stat.
func (e *Engine) Link(ctx context.Context, src, dst string) error {
	if err := e.DB.Begin(ctx); err != nil {
		return err
	}
	if err := e.Host.Link(src, dst); err != nil {
		e.DB.Rollback()
		return err
	}
	inode, err := e.DB.PathGetInode(ctx, pathKey(src))
	if err != nil {
		e.Host.Unlink(dst)
		e.DB.Rollback()
		return toErrno(err)
	}
	if err := e.DB.PathLink(ctx, pathKey(dst), inode); err != nil {
		e.Host.Unlink(dst)
		e.DB.Rollback()
		return err
	}
	return e.DB.Commit()
}

// Unlink removes the host entry, then the Path record. The Stat row
// is left orphaned; it is reclaimed by the next mount's sweep, not
// inline.
func (e *Engine) Unlink(ctx context.Context, path string) error {
	if err := e.DB.Begin(ctx); err != nil {
		return err
	}
	if err := e.Host.Unlink(path); err != nil {
		e.DB.Rollback()
		return err
	}
	if err := e.DB.PathUnlink(ctx, pathKey(path)); err != nil {
		e.DB.Rollback()
		return err
	}
	return e.DB.Commit()
}

// Rmdir is Unlink for an empty directory.
func (e *Engine) Rmdir(ctx context.Context, path string) error {
	if err := e.DB.Begin(ctx); err != nil {
		return err
	}
	if err := e.Host.Rmdir(path); err != nil {
		e.DB.Rollback()
		return err
	}
	if err := e.DB.PathUnlink(ctx, pathKey(path)); err != nil {
		e.DB.Rollback()
		return err
	}
	return e.DB.Commit()
}

// Rename host-renames first (atomically replacing an existing dst,
// matching host rename semantics), then rebinds the Path record.
func (e *Engine) Rename(ctx context.Context, src, dst string) error {
	if err := e.DB.Begin(ctx); err != nil {
		return err
	}
	if err := e.Host.Rename(src, dst); err != nil {
		e.DB.Rollback()
		return err
	}
	if err := e.DB.PathRename(ctx, pathKey(src), pathKey(dst)); err != nil {
		e.DB.Rollback()
		return err
	}
	return e.DB.Commit()
}

// Symlink stores target's literal bytes in a regular host file at
// linkpath, rather than creating a real host symlink — this is so
// host tooling that refuses to package broken symlinks never sees
// one. Overlay Stat records mode S_IFLNK|0777; symlink permissions
// are always 0777 by convention.
func (e *Engine) Symlink(ctx context.Context, target, linkpath string, uid, gid uint32) error {
	if err := e.DB.Begin(ctx); err != nil {
		return err
	}
	if err := e.Host.WriteFile(linkpath, []byte(target), 0666); err != nil {
		e.Host.Unlink(linkpath)
		e.DB.Rollback()
		return err
	}
	stat := store.Stat{Mode: unix.S_IFLNK | 0777, Uid: uid, Gid: gid}
	if _, err := e.DB.PathCreate(ctx, pathKey(linkpath), stat); err != nil {
		e.Host.Unlink(linkpath)
		e.DB.Rollback()
		return err
	}
	return e.DB.Commit()
}

// Mknod creates the requested special file. Char and block devices
// get an ordinary regular host file (the host has no business
// honoring a device number it can't act on); every other requested
// type gets a host entry of that same type with a permissive mode.
// The overlay Stat always records the caller's requested mode
// verbatim, and rdev for char/block special only.
func (e *Engine) Mknod(ctx context.Context, path string, mode uint32, dev int, uid, gid uint32) error {
	if err := e.DB.Begin(ctx); err != nil {
		return err
	}

	var rdev uint32
	var hostMode uint32
	switch mode & unix.S_IFMT {
	case unix.S_IFCHR, unix.S_IFBLK:
		hostMode = unix.S_IFREG | 0666
		rdev = uint32(dev)
	default:
		hostMode = (mode & unix.S_IFMT) | 0666
	}

	if err := e.Host.Mknod(path, hostMode, 0); err != nil {
		e.DB.Rollback()
		return err
	}
	stat := store.Stat{Mode: mode, Uid: uid, Gid: gid, Rdev: rdev}
	if _, err := e.DB.PathCreate(ctx, pathKey(path), stat); err != nil {
		e.Host.Unlink(path)
		e.DB.Rollback()
		return err
	}
	return e.DB.Commit()
}

// Mkdir creates a host directory with a fixed permissive mode; the
// caller's requested permission bits live only in the overlay Stat.
func (e *Engine) Mkdir(ctx context.Context, path string, mode, uid, gid uint32) error {
	if err := e.DB.Begin(ctx); err != nil {
		return err
	}
	if err := e.Host.Mkdir(path, 0777); err != nil {
		e.DB.Rollback()
		return err
	}
	stat := store.Stat{Mode: mode | unix.S_IFDIR, Uid: uid, Gid: gid}
	if _, err := e.DB.PathCreate(ctx, pathKey(path), stat); err != nil {
		e.Host.Rmdir(path)
		e.DB.Rollback()
		return err
	}
	return e.DB.Commit()
}

// Stat resolves path to its overlay inode and Stat, then stats the
// host entry, all under the same transaction (MS read, passthrough
// read, MS commit), so no other verb can mutate either side of the
// pair in between — a rename or unlink racing a bare MS-read-then-
// commit could otherwise make the host stat observe a path the
// overlay read said existed a moment earlier.
func (e *Engine) Stat(ctx context.Context, path string) (fuse.Attr, error) {
	if err := e.DB.Begin(ctx); err != nil {
		return fuse.Attr{}, err
	}
	inode, stat, err := e.DB.PathReadStat(ctx, pathKey(path))
	if err != nil {
		e.DB.Rollback()
		return fuse.Attr{}, toErrno(err)
	}
	hostStat, err := e.Host.Stat(path)
	if err != nil {
		e.DB.Rollback()
		return fuse.Attr{}, err
	}
	if err := e.DB.Commit(); err != nil {
		return fuse.Attr{}, err
	}
	return attr.Project(hostStat, stat, uint64(inode)), nil
}

// Fstat reads by the descriptor's overlay inode, never by path — the
// descriptor's identity is that inode, independent of whatever the
// path currently resolves to.
func (e *Engine) Fstat(ctx context.Context, h Handle) (fuse.Attr, error) {
	hostStat, err := e.Host.Fstat(h.Fd)
	if err != nil {
		return fuse.Attr{}, err
	}
	if err := e.DB.Begin(ctx); err != nil {
		return fuse.Attr{}, err
	}
	stat, err := e.DB.InodeReadStat(ctx, int64(h.Inode))
	if err != nil {
		e.DB.Rollback()
		return fuse.Attr{}, toErrno(err)
	}
	if err := e.DB.Commit(); err != nil {
		return fuse.Attr{}, err
	}
	return attr.Project(hostStat, stat, h.Inode), nil
}

// AttrUpdate carries the subset of fields a setattr/fsetattr call
// wants to change. A nil field means "leave unchanged".
type AttrUpdate struct {
	Size *int64
	Mode *uint32
	Uid  *uint32
	Gid  *uint32
}

func applyAttrUpdate(stat store.Stat, upd AttrUpdate) store.Stat {
	if upd.Mode != nil {
		// file type is immutable: only the non-S_IFMT bits change.
		stat.Mode = (stat.Mode & unix.S_IFMT) | (*upd.Mode &^ unix.S_IFMT)
	}
	if upd.Uid != nil {
		stat.Uid = *upd.Uid
	}
	if upd.Gid != nil {
		stat.Gid = *upd.Gid
	}
	return stat
}

// Setattr treats size as content, not metadata: a size change goes
// straight to the host with no Store mutation. Every other field
// (uid, gid, the non-type bits of mode) is Store-only.
func (e *Engine) Setattr(ctx context.Context, path string, upd AttrUpdate) error {
	if upd.Size != nil {
		return e.Host.Truncate(path, *upd.Size)
	}

	if err := e.DB.Begin(ctx); err != nil {
		return err
	}
	inode, stat, err := e.DB.PathReadStat(ctx, pathKey(path))
	if err != nil {
		e.DB.Rollback()
		return toErrno(err)
	}
	stat = applyAttrUpdate(stat, upd)
	if err := e.DB.InodeWriteStat(ctx, inode, stat); err != nil {
		e.DB.Rollback()
		return err
	}
	return e.DB.Commit()
}

// Fsetattr is Setattr keyed by an open descriptor's overlay inode.
func (e *Engine) Fsetattr(ctx context.Context, h Handle, upd AttrUpdate) error {
	if upd.Size != nil {
		return e.Host.Ftruncate(h.Fd, *upd.Size)
	}

	if err := e.DB.Begin(ctx); err != nil {
		return err
	}
	stat, err := e.DB.InodeReadStat(ctx, int64(h.Inode))
	if err != nil {
		e.DB.Rollback()
		return toErrno(err)
	}
	stat = applyAttrUpdate(stat, upd)
	if err := e.DB.InodeWriteStat(ctx, int64(h.Inode), stat); err != nil {
		e.DB.Rollback()
		return err
	}
	return e.DB.Commit()
}

// Readlink verifies the Path exists and is a symlink, then delegates
// to the host, all under the same transaction the Path/Stat read
// started — matching the original fakefs_readlink, which calls
// realfs.readlink before db_commit, under the mount lock, so no other
// verb can rename or unlink the path between the overlay's symlink
// check and the host read. The host returns EINVAL on a regular
// file — which is exactly how the overlay stores a symlink's
// target — so that's treated as the expected fallback path, not an
// error: read the host file's bytes directly.
func (e *Engine) Readlink(ctx context.Context, path string) (string, error) {
	if err := e.DB.Begin(ctx); err != nil {
		return "", err
	}
	_, stat, err := e.DB.PathReadStat(ctx, pathKey(path))
	if err != nil {
		e.DB.Rollback()
		return "", toErrno(err)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFLNK {
		e.DB.Rollback()
		return "", unix.EINVAL
	}

	target, err := e.Host.Readlink(path)
	if err == nil {
		if err := e.DB.Commit(); err != nil {
			return "", err
		}
		return target, nil
	}
	if errors.Is(err, unix.EINVAL) {
		data, rerr := e.Host.ReadFile(path)
		if rerr != nil {
			e.DB.Rollback()
			return "", rerr
		}
		if err := e.DB.Commit(); err != nil {
			return "", err
		}
		return string(data), nil
	}
	e.DB.Rollback()
	return "", err
}
