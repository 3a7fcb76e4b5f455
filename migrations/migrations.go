// Package migrations embeds the PostgreSQL schema.
package migrations

import "embed"

// FS holds the schema files under sql/ and development seeds under seeds/.
//
//go:embed sql/*.sql seeds/*.sql
var FS embed.FS

const (
	Dir      = "sql"
	SeedsDir = "seeds"
)
