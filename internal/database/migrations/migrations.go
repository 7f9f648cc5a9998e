package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// Version describes where a database stands relative to the embedded migrations.
type Version struct {
	Current uint
	Latest  uint
	Dirty   bool
	// Empty is true when no migration was ever applied.
	Empty bool
}

// Status reads the schema version of db and the latest embedded version.
func Status(db *sql.DB) (Version, error) {
	var v Version

	latest, err := latestVersion()
	if err != nil {
		return v, fmt.Errorf("failed to determine latest version: %w", err)
	}
	v.Latest = latest

	// The migrate instance is not closed: closing it would close db,
	// which belongs to the caller.
	m, err := newMigrate(db)
	if err != nil {
		return v, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	current, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		v.Empty = true
		return v, nil
	}
	if err != nil {
		return v, fmt.Errorf("failed to get database version: %w", err)
	}
	v.Current = current
	v.Dirty = dirty
	return v, nil
}

// CheckDBMigrationStatus returns nil if the session history schema is at the
// latest version and an error describing the mismatch otherwise.
func CheckDBMigrationStatus(db *sql.DB) error {
	v, err := Status(db)
	if err != nil {
		return err
	}

	switch {
	case v.Empty:
		return fmt.Errorf("database has no schema version (needs migration)")
	case v.Dirty:
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", v.Current)
	case v.Current < v.Latest:
		return fmt.Errorf("database is at version %d but latest is %d (%d migrations behind)",
			v.Current, v.Latest, v.Latest-v.Current)
	case v.Current > v.Latest:
		return fmt.Errorf("database version %d is ahead of binary version %d (binary needs update)",
			v.Current, v.Latest)
	}
	return nil
}

// MigrateUp applies every pending migration. An up-to-date database is not an error.
func MigrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

func latestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()
	return lastVersion(src)
}

// lastVersion walks the source from its first migration to the end.
func lastVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			return version, nil
		}
		version = next
	}
}
