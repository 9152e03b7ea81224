// Package storage opens the persistence backend behind the audit chain and
// the patient records.
//
// Three drivers are available:
//   - sqlite: one database file with audit_logs and patients tables
//   - badger: an embedded key-value store
//   - memory: process-local, nothing survives exit
package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/medrec/medrec/internal/audit"
	"github.com/medrec/medrec/internal/records"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
	DriverMemory = "memory"
)

// Backend bundles the two stores of one driver.
type Backend struct {
	Driver   string
	Dir      string // Directory the driver writes to; empty for memory.
	Audit    audit.Store
	Patients records.Store

	closer io.Closer
}

// Open creates dir if needed and opens driver inside it.
func Open(driver, dir string) (*Backend, error) {
	if driver == DriverMemory {
		return &Backend{
			Driver:   driver,
			Audit:    audit.NewMemoryStore(),
			Patients: records.NewMemoryStore(),
		}, nil
	}

	if dir == "" {
		return nil, fmt.Errorf("storage driver %q needs a data directory", driver)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dir, err)
	}

	switch driver {
	case DriverSQLite:
		db, err := openSQLite(filepath.Join(dir, SQLiteFile))
		if err != nil {
			return nil, err
		}
		slog.Debug("storage opened", "driver", driver, "dir", dir)
		return &Backend{
			Driver:   driver,
			Dir:      dir,
			Audit:    NewSQLiteAuditStore(db),
			Patients: NewSQLitePatientStore(db),
			closer:   db,
		}, nil

	case DriverBadger:
		db, err := openBadger(dir)
		if err != nil {
			return nil, err
		}
		slog.Debug("storage opened", "driver", driver, "dir", dir)
		return &Backend{
			Driver:   driver,
			Dir:      dir,
			Audit:    NewBadgerAuditStore(db),
			Patients: NewBadgerPatientStore(db),
			closer:   db,
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q (want sqlite, badger or memory)", driver)
	}
}

// Close releases the underlying database.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}
