// Package migrations embeds the per-tenant schema migrations.
package migrations

import "embed"

// FS holds the NNN_description.sql files applied by db.Migrator.
//
//go:embed *.sql
var FS embed.FS
