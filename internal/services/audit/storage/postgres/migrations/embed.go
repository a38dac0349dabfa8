package migrations

import "embed"

// FS contains embedded PostgreSQL migrations for audit storage.
//
//go:embed *.sql
var FS embed.FS
