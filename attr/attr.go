// Package attr projects a host syscall.Stat_t and an overlay Stat
// into the fuse.Attr the kernel actually sees: size, times, link
// count, and block count come straight from the host; mode, uid, gid,
// rdev, and inode are the overlay's authoritative values.
package attr

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"overlayfs/store"
)

// Project builds the fuse.Attr the kernel should see for one entry:
// hostStat supplies everything about the bytes on disk (size, block
// count, timestamps, link count), overlay supplies the identity the
// foreign OS actually cares about (mode, uid, gid, rdev), and
// overlayInode is the Store-assigned surrogate key that survives host
// inode renumbering.
func Project(hostStat *syscall.Stat_t, overlay store.Stat, overlayInode uint64) fuse.Attr {
	var out fuse.Attr
	out.FromStat(hostStat)
	out.Ino = overlayInode
	out.Mode = overlay.Mode
	out.Uid = overlay.Uid
	out.Gid = overlay.Gid
	out.Rdev = overlay.Rdev
	return out
}
