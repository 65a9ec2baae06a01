// Package migrations embeds the repository schema, one directory per SQL
// dialect. Migrations are embedded so they work regardless of working
// directory.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

// FS holds every dialect directory (postgres, sqlite, mysql).
//
//go:embed postgres/*.sql sqlite/*.sql mysql/*.sql
var FS embed.FS

// Dialect returns the migrations of one dialect, rooted at its directory.
func Dialect(name string) (fs.FS, error) {
	if _, err := fs.Stat(FS, name); err != nil {
		return nil, fmt.Errorf("migrations: unknown dialect %q", name)
	}
	return fs.Sub(FS, name)
}
