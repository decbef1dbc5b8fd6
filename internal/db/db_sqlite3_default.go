//go:build !(cgo && sqlite3_cgo)

package db

import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// default: the wasm build of SQLite, no cgo required
const (
	driverID   = "ncruces/go-sqlite3"
	driverName = "sqlite3"
)
