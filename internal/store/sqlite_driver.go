// ABOUTME: Registers the cgo SQLite driver alongside the pure Go one
// ABOUTME: database.driver "sqlite3" selects mattn/go-sqlite3 for deployments built with cgo

package store

import (
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the durable store selected by driver name.
// "sqlite" and "sqlite3" open a SQLiteStore; "bolt" opens a BoltStore.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", DriverModernc:
		return OpenSQLite(DriverModernc, path)
	case DriverCGO:
		return OpenSQLite(DriverCGO, path)
	case DriverBolt:
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
