package attr

import (
	"syscall"
	"testing"

	"overlayfs/store"
)

func TestProjectOverridesIdentityFieldsOnly(t *testing.T) {
	host := &syscall.Stat_t{
		Mode:  syscall.S_IFREG | 0644,
		Uid:   99,
		Gid:   99,
		Rdev:  0,
		Size:  4096,
		Nlink: 2,
	}
	overlay := store.Stat{Mode: syscall.S_IFREG | 0600, Uid: 1000, Gid: 1000, Rdev: 0}

	got := Project(host, overlay, 42)

	if got.Ino != 42 {
		t.Errorf("Ino = %d, want 42", got.Ino)
	}
	if got.Mode != overlay.Mode {
		t.Errorf("Mode = %o, want %o", got.Mode, overlay.Mode)
	}
	if got.Uid != overlay.Uid || got.Gid != overlay.Gid {
		t.Errorf("Uid/Gid = %d/%d, want %d/%d", got.Uid, got.Gid, overlay.Uid, overlay.Gid)
	}
	if got.Size != uint64(host.Size) {
		t.Errorf("Size = %d, want passthrough host size %d", got.Size, host.Size)
	}
	if got.Nlink != uint32(host.Nlink) {
		t.Errorf("Nlink = %d, want passthrough host nlink %d", got.Nlink, host.Nlink)
	}
}

func TestProjectCharDeviceCarriesRdev(t *testing.T) {
	host := &syscall.Stat_t{Mode: syscall.S_IFREG | 0644}
	overlay := store.Stat{Mode: syscall.S_IFCHR | 0666, Rdev: 0x0105}

	got := Project(host, overlay, 7)

	if got.Rdev != overlay.Rdev {
		t.Errorf("Rdev = %#x, want %#x", got.Rdev, overlay.Rdev)
	}
	if got.Mode&syscall.S_IFMT != syscall.S_IFCHR {
		t.Errorf("Mode = %o, want S_IFCHR set", got.Mode)
	}
}
