// Package dbmigrations exposes the embedded SQL migrations of the event recorder.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tinvest binaries.
//
//go:embed *.sql
var Files embed.FS
