// Package migrations embeds the schema migration files applied by the
// migrate subcommand.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_fleet.sql",
	"002_create_nursery.sql",
	"003_create_dispatches.sql",
}
