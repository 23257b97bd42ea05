// Package dbmigrations exposes embedded SQL migrations for Wayfare binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Wayfare binaries.
//
//go:embed *.sql
var Files embed.FS
