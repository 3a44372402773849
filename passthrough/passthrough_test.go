package passthrough

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestOpenAndGetpath(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if got := l.Getpath("foo"); got != filepath.Join(dir, "foo") {
		t.Errorf("Getpath = %q, want %q", got, filepath.Join(dir, "foo"))
	}
}

func TestMkdirStatRmdir(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Mkdir("sub", 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	st, err := l.Stat("sub")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		t.Errorf("Stat mode = %o, want a directory", st.Mode)
	}
	if err := l.Rmdir("sub"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	if _, err := l.Stat("sub"); err == nil {
		t.Errorf("Stat after Rmdir succeeded, want error")
	}
}

func TestOpenWriteFstatUnlink(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	fd, err := l.Open("file.txt", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("Open(file): %v", err)
	}
	defer unix.Close(fd)

	if _, err := unix.Write(fd, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	st, err := l.Fstat(fd)
	if err != nil {
		t.Fatalf("Fstat: %v", err)
	}
	if st.Size != 5 {
		t.Errorf("Fstat size = %d, want 5", st.Size)
	}

	if err := l.Unlink("file.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := l.Stat("file.txt"); err == nil {
		t.Errorf("Stat after Unlink succeeded, want error")
	}
}

func TestLinkAndRename(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	fd, err := l.Open("a", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("Open(a): %v", err)
	}
	unix.Close(fd)

	if err := l.Link("a", "b"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := l.Rename("b", "c"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := l.Stat("c"); err != nil {
		t.Errorf("Stat(c) after rename: %v", err)
	}
	if _, err := l.Stat("b"); err == nil {
		t.Errorf("Stat(b) after rename succeeded, want error")
	}
}
