// Package migrations embeds the SQL migration files for msync.db.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
