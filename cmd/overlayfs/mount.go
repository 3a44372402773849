package main

import (
	"context"
	"fmt"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/spf13/cobra"

	"overlayfs/fuseops"
	"overlayfs/internal/logging"
	"overlayfs/session"
)

var mountCmd = &cobra.Command{
	Use:   "mount <source> <mountpoint>",
	Short: "Mount the overlay filesystem",
	Long: `Mount takes a source directory whose final path component must be
"data" (meta.db lives as its sibling) and a mountpoint to expose the
overlay at.`,
	Args: cobra.ExactArgs(2),
	RunE: runMount,
}

func init() {
	mountCmd.Flags().Bool("allow-other", true, "allow access from users other than the one mounting")
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	allowOther, _ := cmd.Flags().GetBool("allow-other")
	logging.Init(logging.Config{Debug: debug})
	log := logging.For("cmd")

	source, mountpoint := args[0], args[1]

	ctx := context.Background()
	sess, err := session.Mount(ctx, source)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	defer sess.Close()

	root := fuseops.NewRoot(sess.Engine)

	zeroTimeout := time.Duration(0)
	opts := &gofuse.Options{}
	opts.Debug = debug
	opts.AllowOther = allowOther
	opts.EntryTimeout = &zeroTimeout
	opts.AttrTimeout = &zeroTimeout
	opts.MountOptions.Options = append(opts.MountOptions.Options, "fsname="+source)
	opts.NullPermissions = true

	server, err := gofuse.Mount(mountpoint, root, opts)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	log.Info().Str("mountpoint", mountpoint).Str("source", source).Msg("ready")
	server.Wait()
	return nil
}
