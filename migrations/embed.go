// Package migrations embeds the database schema and applies it with
// golang-migrate. The pipeline binary runs migrations at startup, so a
// deployment needs no external migration files or separate migrator step.
package migrations

import "embed"

//go:embed sql/*.sql
var files embed.FS

// Files returns the embedded migration filesystem.
func Files() embed.FS {
	return files
}
