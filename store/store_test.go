package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPathCreateAndReadStat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := Stat{Mode: 0100644, Uid: 1000, Gid: 1000, Rdev: 0}

	if err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	inode, err := s.PathCreate(ctx, []byte("/hello.txt"), want)
	if err != nil {
		t.Fatalf("PathCreate: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if inode == 0 {
		t.Fatalf("PathCreate returned zero inode")
	}

	if err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	gotInode, got, err := s.PathReadStat(ctx, []byte("/hello.txt"))
	if err != nil {
		t.Fatalf("PathReadStat: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if gotInode != inode {
		t.Errorf("inode = %d, want %d", gotInode, inode)
	}
	if got != want {
		t.Errorf("stat = %+v, want %+v", got, want)
	}
}

func TestPathGetInodeNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer s.Commit()

	if _, err := s.PathGetInode(ctx, []byte("/missing")); err != ErrNotFound {
		t.Errorf("PathGetInode error = %v, want ErrNotFound", err)
	}
}

func TestPathLinkSharesStat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stat := Stat{Mode: 0100644, Uid: 0, Gid: 0, Rdev: 0}

	mustBegin(t, s, ctx)
	inode, err := s.PathCreate(ctx, []byte("/a"), stat)
	if err != nil {
		t.Fatalf("PathCreate: %v", err)
	}
	if err := s.PathLink(ctx, []byte("/b"), inode); err != nil {
		t.Fatalf("PathLink: %v", err)
	}
	mustCommit(t, s)

	mustBegin(t, s, ctx)
	updated := Stat{Mode: 0100600, Uid: 1, Gid: 1, Rdev: 0}
	if err := s.InodeWriteStat(ctx, inode, updated); err != nil {
		t.Fatalf("InodeWriteStat: %v", err)
	}
	mustCommit(t, s)

	mustBegin(t, s, ctx)
	_, gotA, err := s.PathReadStat(ctx, []byte("/a"))
	if err != nil {
		t.Fatalf("PathReadStat(/a): %v", err)
	}
	_, gotB, err := s.PathReadStat(ctx, []byte("/b"))
	if err != nil {
		t.Fatalf("PathReadStat(/b): %v", err)
	}
	mustCommit(t, s)

	if gotA != updated || gotB != updated {
		t.Errorf("link did not share stat: a=%+v b=%+v want %+v", gotA, gotB, updated)
	}
}

func TestPathUnlinkThenOrphanSweep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustBegin(t, s, ctx)
	inode, err := s.PathCreate(ctx, []byte("/gone"), Stat{Mode: 0100644})
	if err != nil {
		t.Fatalf("PathCreate: %v", err)
	}
	if err := s.PathUnlink(ctx, []byte("/gone")); err != nil {
		t.Fatalf("PathUnlink: %v", err)
	}
	mustCommit(t, s)

	mustBegin(t, s, ctx)
	if _, err := s.InodeReadStat(ctx, inode); err != nil {
		t.Fatalf("InodeReadStat before sweep: %v", err)
	}
	if err := s.OrphanSweep(ctx); err != nil {
		t.Fatalf("OrphanSweep: %v", err)
	}
	mustCommit(t, s)

	mustBegin(t, s, ctx)
	defer s.Commit()
	if _, err := s.InodeReadStat(ctx, inode); err != ErrNotFound {
		t.Errorf("InodeReadStat after sweep = %v, want ErrNotFound", err)
	}
}

func TestPathRenameReplacesDestination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustBegin(t, s, ctx)
	srcInode, err := s.PathCreate(ctx, []byte("/src"), Stat{Mode: 0100644})
	if err != nil {
		t.Fatalf("PathCreate(/src): %v", err)
	}
	if _, err := s.PathCreate(ctx, []byte("/dst"), Stat{Mode: 0100600}); err != nil {
		t.Fatalf("PathCreate(/dst): %v", err)
	}
	if err := s.PathRename(ctx, []byte("/src"), []byte("/dst")); err != nil {
		t.Fatalf("PathRename: %v", err)
	}
	mustCommit(t, s)

	mustBegin(t, s, ctx)
	defer s.Commit()

	if _, err := s.PathGetInode(ctx, []byte("/src")); err != ErrNotFound {
		t.Errorf("PathGetInode(/src) after rename = %v, want ErrNotFound", err)
	}
	dstInode, err := s.PathGetInode(ctx, []byte("/dst"))
	if err != nil {
		t.Fatalf("PathGetInode(/dst): %v", err)
	}
	if dstInode != srcInode {
		t.Errorf("PathGetInode(/dst) = %d, want %d (src's inode)", dstInode, srcInode)
	}
}

func TestRollbackDiscardsMutation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustBegin(t, s, ctx)
	if _, err := s.PathCreate(ctx, []byte("/doomed"), Stat{Mode: 0100644}); err != nil {
		t.Fatalf("PathCreate: %v", err)
	}
	if err := s.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	mustBegin(t, s, ctx)
	defer s.Commit()
	if _, err := s.PathGetInode(ctx, []byte("/doomed")); err != ErrNotFound {
		t.Errorf("PathGetInode after rollback = %v, want ErrNotFound", err)
	}
}

func mustBegin(t *testing.T, s *Store, ctx context.Context) {
	t.Helper()
	if err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
}

func mustCommit(t *testing.T, s *Store) {
	t.Helper()
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}
