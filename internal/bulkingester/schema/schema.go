// Package schema owns the DDL for the ingestion tables. Migration files are
// embedded in the binary and applied on startup.
package schema

import (
	"embed"

	"github.com/bvenu-lab/mangalm-ingest/internal/common/database"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFiles, "migrations")
}
