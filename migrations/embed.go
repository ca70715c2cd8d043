// Package migrations embeds the Postgres schema for the commit ledger's
// Postgres backend. The SQLite state store carries its own schema.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
