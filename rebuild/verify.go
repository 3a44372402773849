package rebuild

import (
	"context"
	"path/filepath"

	"overlayfs/store"
)

// Report is the result of a dry-run consistency walk: what the next
// mount's orphan sweep and rebuild would find, without mutating
// anything. cmd/overlayfs fsck prints this for an operator.
type Report struct {
	// MissingHostEntries lists paths tracked in the Store whose host
	// file no longer exists.
	MissingHostEntries []string
	// OrphanedStats lists inode numbers with no Path record
	// referencing them — reclaimed by the next mount-time sweep.
	OrphanedStats []int64
}

// Verify walks every Path record against the host tree and every Stat
// row against the Path table. It never mutates the Store; Run is the
// only thing that rewrites paths.
func Verify(ctx context.Context, dataRoot string, db *store.Store) (Report, error) {
	if err := db.Begin(ctx); err != nil {
		return Report{}, err
	}
	entries, err := db.AllPaths(ctx)
	if err != nil {
		db.Rollback()
		return Report{}, err
	}
	statInodes, err := db.AllStatInodes(ctx)
	if err != nil {
		db.Rollback()
		return Report{}, err
	}
	if err := db.Commit(); err != nil {
		return Report{}, err
	}

	referenced := make(map[int64]bool, len(entries))
	var report Report
	for _, e := range entries {
		referenced[e.Inode] = true
		hostPath := filepath.Join(dataRoot, string(e.Path))
		if !statExists(hostPath) {
			report.MissingHostEntries = append(report.MissingHostEntries, string(e.Path))
		}
	}
	for _, inode := range statInodes {
		if !referenced[inode] {
			report.OrphanedStats = append(report.OrphanedStats, inode)
		}
	}
	return report, nil
}
