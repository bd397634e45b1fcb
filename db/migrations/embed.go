// Package dbmigrations exposes embedded SQL migrations for venuelink binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into venuelink binaries.
//
//go:embed *.sql
var Files embed.FS
