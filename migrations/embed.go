// Package migrations embeds the SQL schema migrations for iofs-based
// golang-migrate runs.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
