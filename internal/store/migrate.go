package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/pocketbase/dbx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := fs.ReadFile(fsys, dir+"/"+f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		migrations = append(migrations, Migration{Version: v, Name: f.Name(), UpSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Migrate applies the embedded scan store migrations in order.
func Migrate(db *dbx.DB) error {
	return MigrateFS(db, migrationsFS, "migrations")
}

// MigrateFS applies every migration in dir newer than the recorded schema
// version inside a single transaction.
func MigrateFS(db *dbx.DB, fsys fs.FS, dir string) error {
	migrations, err := loadMigrations(fsys, dir)
	if err != nil {
		return err
	}

	return db.Transactional(func(tx *dbx.Tx) error {
		if _, err := tx.NewQuery(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`).Execute(); err != nil {
			return fmt.Errorf("create schema_version: %w", err)
		}

		var current int
		err := tx.NewQuery(`SELECT version FROM schema_version LIMIT 1`).Row(&current)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := tx.NewQuery(`INSERT INTO schema_version(version) VALUES (0)`).Execute(); err != nil {
				return fmt.Errorf("init schema_version: %w", err)
			}
			current = 0
		} else if err != nil {
			return fmt.Errorf("read schema_version: %w", err)
		}

		for _, m := range migrations {
			if m.Version <= current {
				continue
			}
			if _, err := tx.NewQuery(m.UpSQL).Execute(); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.Name, err)
			}
			if _, err := tx.NewQuery(`UPDATE schema_version SET version = {:v}`).Bind(dbx.Params{"v": m.Version}).Execute(); err != nil {
				return fmt.Errorf("bump schema_version to %d: %w", m.Version, err)
			}
			current = m.Version
		}
		return nil
	})
}

// SchemaVersion returns the applied migration version.
func SchemaVersion(db *dbx.DB) (int, error) {
	var v int
	err := db.NewQuery(`SELECT version FROM schema_version LIMIT 1`).Row(&v)
	return v, err
}
