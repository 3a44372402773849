// Package migrate applies schema evolution steps to an already-opened
// Store. The original fakefs_mount handled exactly one legacy shape
// inline — switching an old rollback-journal store to WAL — and here
// store.Open performs that switch before this package runs; Run only
// logs the journal mode if it is not WAL. Run adds the schema_version
// bookkeeping that lets future migrations branch on what they're
// starting from, and returns an error for any schema_version other
// than store.CurrentSchemaVersion.
package migrate

import (
	"context"
	"fmt"

	"overlayfs/internal/logging"
	"overlayfs/store"
)

var log = logging.For("migrate")

// Run brings db up to store.CurrentSchemaVersion, or returns an error
// if db's schema is newer than this build understands.
func Run(ctx context.Context, db *store.Store) error {
	hasVersion, err := db.HasColumn(ctx, "meta", "schema_version")
	if err != nil {
		return err
	}
	if !hasVersion {
		log.Info().Msg("migrating pre-schema_version meta.db")
		if err := db.Migrate(ctx, fmt.Sprintf(
			"ALTER TABLE meta ADD COLUMN schema_version INTEGER NOT NULL DEFAULT %d",
			store.CurrentSchemaVersion)); err != nil {
			return err
		}
	}

	mode, err := db.JournalMode(ctx)
	if err != nil {
		return err
	}
	if mode != "wal" {
		log.Info().Str("journal_mode", mode).Msg("store was not in WAL mode at mount time")
	}

	version, err := db.ReadSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version > store.CurrentSchemaVersion {
		return fmt.Errorf("overlay: meta.db schema_version %d is newer than this build understands (%d)",
			version, store.CurrentSchemaVersion)
	}
	if version < store.CurrentSchemaVersion {
		return fmt.Errorf("overlay: meta.db schema_version %d has no migration path to %d",
			version, store.CurrentSchemaVersion)
	}
	return nil
}
