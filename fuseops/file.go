package fuseops

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"overlayfs/ops"
)

var (
	_ fs.FileHandle    = (*FileHandle)(nil)
	_ fs.FileReader    = (*FileHandle)(nil)
	_ fs.FileWriter    = (*FileHandle)(nil)
	_ fs.FileFlusher   = (*FileHandle)(nil)
	_ fs.FileFsyncer   = (*FileHandle)(nil)
	_ fs.FileReleaser  = (*FileHandle)(nil)
	_ fs.FileGetattrer = (*FileHandle)(nil)
)

// FileHandle is an open file's FUSE-facing identity: the ops.Handle
// that Stat/Setattr key off, guarded by a per-handle lock the way the
// teacher's OptiFSFile guards its descriptor.
type FileHandle struct {
	mu     sync.Mutex
	engine *ops.Engine
	handle ops.Handle
}

func newFileHandle(engine *ops.Engine, h ops.Handle) *FileHandle {
	return &FileHandle{engine: engine, handle: h}
}

func (f *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := syscall.Pread(f.handle.Fd, dest, off)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (f *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := syscall.Pwrite(f.handle.Fd, data, off)
	if err != nil {
		return 0, fs.ToErrno(err)
	}
	return uint32(n), fs.OK
}

func (f *FileHandle) Flush(ctx context.Context) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	// dup+close forces any buffered kernel state for this descriptor
	// to be written back without actually closing the caller's fd.
	newFd, err := syscall.Dup(f.handle.Fd)
	if err != nil {
		return fs.ToErrno(err)
	}
	return fs.ToErrno(syscall.Close(newFd))
}

func (f *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fs.ToErrno(syscall.Fsync(f.handle.Fd))
}

func (f *FileHandle) Release(ctx context.Context) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fs.ToErrno(f.engine.Close(f.handle))
}

func (f *FileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	attr, err := f.engine.Fstat(ctx, f.handle)
	if err != nil {
		return fs.ToErrno(err)
	}
	out.Attr = attr
	return fs.OK
}
