// Package dbmigrations exposes embedded SQL migrations for optflow binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into optflow binaries.
//
//go:embed *.sql
var Files embed.FS
