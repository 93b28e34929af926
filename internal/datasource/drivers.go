package datasource

import (
	// database/sql drivers: "sqlite3" (cgo) and "sqlite" (pure Go).
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)
