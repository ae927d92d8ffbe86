// Package migrations embeds the SQL migration files applied at startup by
// repository.ApplyMigrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
