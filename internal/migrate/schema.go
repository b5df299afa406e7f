package migrate

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Schema returns the embedded migrations.
func Schema() fs.FS {
	sub, err := fs.Sub(schemaFS, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}
