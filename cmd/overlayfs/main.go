// Command overlayfs mounts the overlay metadata filesystem over a
// host directory and provides a standalone fsck against its store,
// without needing a live mount.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "overlayfs",
	Short: "overlayfs mounts a metadata overlay over a host directory tree",
	Long: `overlayfs emulates foreign ownership, permission, and device-node
metadata on top of a host filesystem, recording it in a SQLite sidecar
next to the host tree instead of relying on the host's own semantics.`,
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "overlayfs: %v\n", err)
		os.Exit(1)
	}
}
