package server

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate walks the pipeline schema up or down. src is a golang-migrate
// source URL (file://migrations); dsn comes from the loaded config so the
// CLI and the store always hit the same database.
func Migrate(src, dsn, direction string, steps int) error {
	if src == "" {
		src = "file://migrations"
	}
	if dsn == "" {
		return fmt.Errorf("migrate: empty database DSN")
	}

	m, err := migrate.New(src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: open %s: %w", src, err)
	}
	defer m.Close()

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("migrate: unknown direction %q", direction)
	}
	if err == migrate.ErrNoChange {
		return nil
	}
	return err
}
