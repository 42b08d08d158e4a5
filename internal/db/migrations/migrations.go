package migrations

import "embed"

// FS holds one directory of migrations per database driver.
//
//go:embed postgres/*.sql sqlite3/*.sql
var FS embed.FS
