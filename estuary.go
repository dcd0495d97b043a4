// Package estuary is a change-data-capture synchronization engine: webhook
// ingestion and pull-based reconciliation converging into one canonical,
// idempotent entity store.
package estuary

import (
	"embed"
	"io/fs"
)

// migrationsFS contains the full estuary SQL migration tree, including
// dialect alternatives under data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

// GetMigrationsFS returns the full embedded migration tree.
func GetMigrationsFS() fs.FS {
	return migrationsFS
}
