// Package migrations embeds the SQL schema migrations and seed files so
// both the migrate command and the API binary can apply them.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql
var sqlFS embed.FS

//go:embed seeds
var seedFS embed.FS

// Files returns the versioned migration files.
func Files() fs.FS {
	sub, err := fs.Sub(sqlFS, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// SeedFiles returns the idempotent seed files.
func SeedFiles() fs.FS {
	sub, err := fs.Sub(seedFS, "seeds")
	if err != nil {
		panic(err)
	}
	return sub
}
