// Package fuseops adapts ops.Engine to github.com/hanwen/go-fuse/v2/fs:
// the InodeEmbedder/FileHandle surface the kernel actually talks to.
// Every method here does nothing but translate between FUSE's types
// and ops.Engine's verb table — all overlay semantics live in ops,
// store, and attr.
//
// Magic carries the original fakefs driver's 32-bit identifier,
// tagging this verb table the same way the original's fs_ops struct
// did.
package fuseops

import (
	"context"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"overlayfs/internal/logging"
	"overlayfs/ops"
)

// Magic is the original fakefs driver's 32-bit identifier, `'f'<<24 |
// 'a'<<16 | 'k'<<8 | 'e'`.
const Magic uint32 = 0x66616b65

var log = logging.For("fuseops")

// Root holds the one Engine shared by every Node in the mount. It is
// not itself an inode — go-fuse's root and every node under it share
// the single Node type below, exactly the way the teacher's
// OptiFSNode serves as both its own root and every child (via a
// RootNode back-reference).
type Root struct {
	Engine *ops.Engine
}

// Node is every inode in the mount, root included. Its identity
// (which overlay path it represents) comes entirely from its position
// in the go-fuse inode tree, via (*fs.Inode).Path — Node itself carries
// no path or name.
type Node struct {
	fs.Inode
	root *Root
}

// NewRoot builds the root InodeEmbedder for go-fuse's fs.Mount.
func NewRoot(engine *ops.Engine) *Node {
	return &Node{root: &Root{Engine: engine}}
}

var (
	_ fs.InodeEmbedder     = (*Node)(nil)
	_ fs.NodeLookuper      = (*Node)(nil)
	_ fs.NodeGetattrer     = (*Node)(nil)
	_ fs.NodeSetattrer     = (*Node)(nil)
	_ fs.NodeOpener        = (*Node)(nil)
	_ fs.NodeCreater       = (*Node)(nil)
	_ fs.NodeUnlinker      = (*Node)(nil)
	_ fs.NodeRmdirer       = (*Node)(nil)
	_ fs.NodeMkdirer       = (*Node)(nil)
	_ fs.NodeMknoder       = (*Node)(nil)
	_ fs.NodeRenamer       = (*Node)(nil)
	_ fs.NodeLinker        = (*Node)(nil)
	_ fs.NodeSymlinker     = (*Node)(nil)
	_ fs.NodeReadlinker    = (*Node)(nil)
	_ fs.NodeOpendirer     = (*Node)(nil)
	_ fs.NodeReaddirer     = (*Node)(nil)
	_ fs.NodeStatfser      = (*Node)(nil)
	_ fs.NodeGetxattrer    = (*Node)(nil)
	_ fs.NodeSetxattrer    = (*Node)(nil)
	_ fs.NodeRemovexattrer = (*Node)(nil)
	_ fs.NodeListxattrer   = (*Node)(nil)
)

// path returns this node's path relative to the overlay root, the
// form ops.Engine's verbs expect.
func (n *Node) path() string {
	return n.Path(n.Root())
}

func (r *Root) newChild() *Node {
	return &Node{root: r}
}

// callerIDs extracts the requesting uid/gid from ctx, defaulting to
// 0/0 if go-fuse didn't attach a Caller (as in some test harnesses).
func callerIDs(ctx context.Context) (uid, gid uint32) {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Uid, caller.Gid
	}
	return 0, 0
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	if err := syscall.Statfs(n.root.Engine.Getpath(n.path()), &st); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStatfsT(&st)
	return fs.OK
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := filepath.Join(n.path(), name)
	attr, err := n.root.Engine.Stat(ctx, childPath)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr = attr
	child := n.NewInode(ctx, n.root.newChild(), fs.StableAttr{Mode: attr.Mode, Ino: attr.Ino})
	return child, fs.OK
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fh, ok := f.(*FileHandle); ok {
		return fh.Getattr(ctx, out)
	}
	attr, err := n.root.Engine.Stat(ctx, n.path())
	if err != nil {
		return fs.ToErrno(err)
	}
	out.Attr = attr
	return fs.OK
}

func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var upd ops.AttrUpdate
	if sz, ok := in.GetSize(); ok {
		v := int64(sz)
		upd.Size = &v
	}
	if mode, ok := in.GetMode(); ok {
		v := mode
		upd.Mode = &v
	}
	if uid, ok := in.GetUID(); ok {
		v := uid
		upd.Uid = &v
	}
	if gid, ok := in.GetGID(); ok {
		v := gid
		upd.Gid = &v
	}

	var err error
	if fh, ok := f.(*FileHandle); ok {
		err = n.root.Engine.Fsetattr(ctx, fh.handle, upd)
	} else {
		err = n.root.Engine.Setattr(ctx, n.path(), upd)
	}
	if err != nil {
		return fs.ToErrno(err)
	}
	return n.Getattr(ctx, f, out)
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, err := n.root.Engine.Open(ctx, n.path(), int(flags), 0, 0, 0)
	if err != nil {
		return nil, 0, fs.ToErrno(err)
	}
	return newFileHandle(n.root.Engine, h), 0, fs.OK
}

func (n *Node) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	childPath := filepath.Join(n.path(), name)
	h, err := n.root.Engine.Open(ctx, childPath, int(flags)|unix.O_CREAT, mode, uid, gid)
	if err != nil {
		return nil, nil, 0, fs.ToErrno(err)
	}
	attr, err := n.root.Engine.Fstat(ctx, h)
	if err != nil {
		n.root.Engine.Close(h)
		return nil, nil, 0, fs.ToErrno(err)
	}
	out.Attr = attr
	child := n.NewInode(ctx, n.root.newChild(), fs.StableAttr{Mode: attr.Mode, Ino: attr.Ino})
	return child, newFileHandle(n.root.Engine, h), 0, fs.OK
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return fs.ToErrno(n.root.Engine.Unlink(ctx, filepath.Join(n.path(), name)))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return fs.ToErrno(n.root.Engine.Rmdir(ctx, filepath.Join(n.path(), name)))
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	childPath := filepath.Join(n.path(), name)
	if err := n.root.Engine.Mkdir(ctx, childPath, mode, uid, gid); err != nil {
		return nil, fs.ToErrno(err)
	}
	attr, err := n.root.Engine.Stat(ctx, childPath)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr = attr
	child := n.NewInode(ctx, n.root.newChild(), fs.StableAttr{Mode: attr.Mode, Ino: attr.Ino})
	return child, fs.OK
}

func (n *Node) Mknod(ctx context.Context, name string, mode, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	childPath := filepath.Join(n.path(), name)
	if err := n.root.Engine.Mknod(ctx, childPath, mode, int(dev), uid, gid); err != nil {
		return nil, fs.ToErrno(err)
	}
	attr, err := n.root.Engine.Stat(ctx, childPath)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr = attr
	child := n.NewInode(ctx, n.root.newChild(), fs.StableAttr{Mode: attr.Mode, Ino: attr.Ino})
	return child, fs.OK
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newParentNode := newParent.EmbeddedInode()
	src := filepath.Join(n.path(), name)
	dst := filepath.Join(newParentNode.Path(n.Root()), newName)
	return fs.ToErrno(n.root.Engine.Rename(ctx, src, dst))
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	targetNode := target.EmbeddedInode()
	src := targetNode.Path(n.Root())
	dst := filepath.Join(n.path(), name)
	if err := n.root.Engine.Link(ctx, src, dst); err != nil {
		return nil, fs.ToErrno(err)
	}
	attr, err := n.root.Engine.Stat(ctx, dst)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr = attr
	child := n.NewInode(ctx, n.root.newChild(), fs.StableAttr{Mode: attr.Mode, Ino: attr.Ino})
	return child, fs.OK
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	linkPath := filepath.Join(n.path(), name)
	if err := n.root.Engine.Symlink(ctx, target, linkPath, uid, gid); err != nil {
		return nil, fs.ToErrno(err)
	}
	attr, err := n.root.Engine.Stat(ctx, linkPath)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr = attr
	child := n.NewInode(ctx, n.root.newChild(), fs.StableAttr{Mode: attr.Mode, Ino: attr.Ino})
	return child, fs.OK
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.root.Engine.Readlink(ctx, n.path())
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	return []byte(target), fs.OK
}

func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	fd, err := n.root.Engine.Host.Open(n.path(), unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return fs.ToErrno(err)
	}
	n.root.Engine.Host.CloseFd(fd)
	return fs.OK
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return fs.NewLoopbackDirStream(n.root.Engine.Getpath(n.path()))
}

func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	n2, err := n.root.Engine.Getxattr(n.path(), attr, dest)
	if err != nil {
		return 0, fs.ToErrno(err)
	}
	return uint32(n2), fs.OK
}

func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return fs.ToErrno(n.root.Engine.Setxattr(n.path(), attr, data, int(flags)))
}

func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return fs.ToErrno(n.root.Engine.Removexattr(n.path(), attr))
}

func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	n2, err := n.root.Engine.Listxattr(n.path(), dest)
	if err != nil {
		return 0, fs.ToErrno(err)
	}
	return uint32(n2), fs.OK
}

