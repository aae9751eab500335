package database

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UniqueTableName returns a name safe to use for a session-scoped temporary
// table staging data for the given table.
func UniqueTableName(table string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("tmp_%s_%s", table, suffix)
}
