//go:build !cgo

package opstate

import _ "modernc.org/sqlite" // pure Go SQLite driver for database/sql

const driverName = "sqlite"
