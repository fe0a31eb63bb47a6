package kv

import (
	"fmt"
	"path/filepath"

	"github.com/dalebradshaw/healthsync/internal/ports"
)

// Drivers accepted by Open.
const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

// Open builds the KV backend named by driver rooted at path.
func Open(driver, path string) (ports.KV, error) {
	switch driver {
	case DriverBadger, "":
		return NewBadgerKV(path)
	case DriverSQLite:
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "healthsync.db")
		}
		return NewSQLiteKV(path)
	case DriverFile:
		return NewFileKV(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
