package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"overlayfs/internal/logging"
	"overlayfs/rebuild"
	"overlayfs/session"
	"overlayfs/store"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck <source>",
	Short: "Report inconsistencies between the host tree and the store, without changing any path or stat record",
	Args:  cobra.ExactArgs(1),
	RunE:  runFsck,
}

func init() {
	rootCmd.AddCommand(fsckCmd)
}

func runFsck(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	logging.Init(logging.Config{Debug: debug})

	source := args[0]
	ctx := context.Background()

	dataRoot, dbPath, err := session.SplitSource(source)
	if err != nil {
		return err
	}

	db, err := store.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("fsck: %w", err)
	}
	defer db.Close()

	report, err := rebuild.Verify(ctx, dataRoot, db)
	if err != nil {
		return fmt.Errorf("fsck: %w", err)
	}

	if len(report.MissingHostEntries) == 0 && len(report.OrphanedStats) == 0 {
		fmt.Println("clean: no missing host entries, no orphaned stat rows")
		return nil
	}

	for _, path := range report.MissingHostEntries {
		fmt.Printf("missing host entry: %s\n", path)
	}
	for _, inode := range report.OrphanedStats {
		fmt.Printf("orphaned stat row: inode %d\n", inode)
	}
	return nil
}
