package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/liamcoop/tenantrules/internal/logger"
)

// migrationsDir picks the dialect directory under root from the URL scheme.
func migrationsDir(root, databaseURL string) (string, error) {
	scheme, _, ok := strings.Cut(databaseURL, "://")
	if !ok {
		return "", fmt.Errorf("database URL must include a scheme (postgres:// or sqlite://)")
	}
	switch scheme {
	case "postgres", "postgresql":
		return filepath.Join(root, "postgres"), nil
	case "sqlite":
		return filepath.Join(root, "sqlite"), nil
	default:
		return "", fmt.Errorf("unsupported database scheme %q", scheme)
	}
}

func run(databaseURL, root, command string, args []string) error {
	dir, err := migrationsDir(root, databaseURL)
	if err != nil {
		return err
	}
	logger.Info("connecting to database", "migrations", dir)

	m, err := migrate.New("file://"+filepath.ToSlash(dir), databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()

	switch command {
	case "up":
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no migrations to run, database is up to date")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("migrations completed")

	case "down":
		err := m.Down()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		logger.Info("rollback completed")

	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("no migrations applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		logger.Info("current version", "version", version, "dirty", dirty)

	case "force":
		if len(args) < 1 {
			return fmt.Errorf("force requires a version number: -command force <version>")
		}
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version number: %w", err)
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
		logger.Info("forced version", "version", version)

	default:
		return fmt.Errorf("unknown command %q (use: up, down, version, force)", command)
	}
	return nil
}

func main() {
	var databaseURL, root, command string

	flag.StringVar(&databaseURL, "database", os.Getenv("DATABASE_URL"), "database URL, postgres:// or sqlite://")
	flag.StringVar(&root, "path", "migrations", "migrations root containing postgres/ and sqlite/")
	flag.StringVar(&command, "command", "up", "migration command: up, down, version, force")
	flag.Parse()

	if databaseURL == "" {
		logger.Fatal("database URL is required, use -database or DATABASE_URL")
	}

	if err := run(databaseURL, root, command, flag.Args()); err != nil {
		logger.Fatal("migration failed", "command", command, "error", err)
	}
}
