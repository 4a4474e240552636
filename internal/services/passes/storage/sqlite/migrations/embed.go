package migrations

import "embed"

// FS contains embedded SQLite migrations for passes storage.
//
//go:embed *.sql
var FS embed.FS
