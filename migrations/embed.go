// Package migrations holds the platform database schema.
package migrations

import "embed"

// FS contains the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
