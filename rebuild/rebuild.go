// Package rebuild reconciles the Store's paths table against the
// host tree after out-of-band copying (cp -a, tar, rsync) has
// renumbered host inodes. It also exposes a read-only consistency
// walk used by the fsck subcommand.
package rebuild

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"overlayfs/internal/logging"
	"overlayfs/store"
)

var log = logging.For("rebuild")

// Run reconciles db's paths table against the current state of the
// host tree rooted at dataRoot. It is triggered by the mount session
// when meta.db's observed host inode no longer matches the one it
// recorded at the previous mount — the signal that the whole pair was
// copied rather than moved, so every host inode may have changed.
//
// The algorithm groups live host entries by their *current* host
// inode, since that is what survives a cp -a/tar-style copy: entries
// that shared one inode before the copy still share one after. For
// each group, the previously recorded Stat is reused when every
// member path agreed on it before the copy; a group with no
// previously tracked member is left untracked (an orphan host entry);
// a group whose members disagree picks the lowest old Stat ID
// deterministically, merging the rest into it.
func Run(ctx context.Context, dataRoot string, db *store.Store) error {
	if err := db.Begin(ctx); err != nil {
		return err
	}

	oldStatID, err := snapshotOldStatIDs(ctx, db)
	if err != nil {
		db.Rollback()
		return err
	}

	groups, err := groupByHostInode(dataRoot)
	if err != nil {
		db.Rollback()
		return err
	}

	if err := db.DeleteAllPaths(ctx); err != nil {
		db.Rollback()
		return err
	}

	var inserted, skipped int
	for _, paths := range groups {
		statID, ok := resolveStatID(paths, oldStatID)
		if !ok {
			skipped += len(paths)
			continue
		}
		for _, p := range paths {
			if err := db.PathLink(ctx, []byte(p), statID); err != nil {
				db.Rollback()
				return err
			}
			inserted++
		}
	}

	if err := db.Commit(); err != nil {
		return err
	}
	log.Info().Int("paths_inserted", inserted).Int("orphan_entries", skipped).Msg("rebuild complete")
	return nil
}

// snapshotOldStatIDs reads the paths table as it stood before rebuild
// mutates it, so groupByHostInode's result can be correlated against
// what each path used to point at.
func snapshotOldStatIDs(ctx context.Context, db *store.Store) (map[string]int64, error) {
	entries, err := db.AllPaths(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]int64, len(entries))
	for _, e := range entries {
		snapshot[string(e.Path)] = e.Inode
	}
	return snapshot, nil
}

// groupByHostInode walks dataRoot and buckets every entry's overlay
// path (host path with dataRoot stripped, "/"-rooted) by its current
// host inode. Hard links sharing one host inode land in the same
// bucket, which is exactly the grouping a rebuild needs to preserve.
func groupByHostInode(dataRoot string) (map[uint64][]string, error) {
	groups := make(map[uint64][]string)
	err := filepath.WalkDir(dataRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dataRoot {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(dataRoot, path)
		if err != nil {
			return err
		}
		overlayPath := "/" + rel
		groups[uint64(st.Ino)] = append(groups[uint64(st.Ino)], overlayPath)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// resolveStatID decides which Stat ID a host-inode group should point
// at. ok is false when none of the group's members were previously
// tracked — the "orphan host entry" case, left alone entirely.
func resolveStatID(paths []string, oldStatID map[string]int64) (int64, bool) {
	seen := make(map[int64]bool)
	var distinct []int64
	for _, p := range paths {
		id, tracked := oldStatID[p]
		if !tracked {
			continue
		}
		if !seen[id] {
			seen[id] = true
			distinct = append(distinct, id)
		}
	}
	if len(distinct) == 0 {
		return 0, false
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i] < distinct[j] })
	return distinct[0], true
}

// statExists reports whether path still exists on the host, used by
// Verify to detect Path records whose host entry vanished outside the
// overlay's knowledge.
func statExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
