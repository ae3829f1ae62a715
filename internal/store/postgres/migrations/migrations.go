// Package migrations embeds the synced database schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
