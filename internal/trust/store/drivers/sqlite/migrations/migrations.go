// Package migrations embeds the schema migration files so the binary can
// bring any database file up to date without shipping loose SQL alongside it.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
