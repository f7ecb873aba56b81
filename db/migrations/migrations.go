package migrations

import "embed"

// FS holds the goose migrations for the sql backend
//
//go:embed *.sql
var FS embed.FS
