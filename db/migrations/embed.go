// Package dbmigrations exposes embedded SQL migrations for sigma binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into sigma binaries.
//
//go:embed *.sql
var Files embed.FS
