package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/filedav-server/internal/config"
	"github.com/filedav-server/internal/database/sqlbuilder"
)

//go:embed migrations/sqlite3/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// sqliteParams enables foreign keys (file_properties cascade), waits on a busy
// database instead of failing, and takes the write lock at BEGIN.
const sqliteParams = "_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"

// DB is a connection pool that remembers which SQL dialect it speaks.
type DB struct {
	*sql.DB
	Dialect sqlbuilder.Dialect
}

// Open connects to the configured database and checks the connection.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	dialect, err := sqlbuilder.ParseDialect(cfg.Type)
	if err != nil {
		return nil, err
	}

	if dialect == sqlbuilder.SQLite {
		return OpenSQLite(cfg.SQLite.Path)
	}

	db, err := sql.Open(dialect.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, Dialect: dialect}, nil
}

// OpenSQLite opens a SQLite database file, creating its directory when needed.
func OpenSQLite(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?"+sqliteParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, Dialect: sqlbuilder.SQLite}, nil
}

// MigrateUp runs all pending migrations. ErrNoChange is not an error.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: closing it would close db, which the caller owns.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Version reports the current schema version and whether the last migration failed halfway.
func (db *DB) Version() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	dir := "migrations/" + db.Dialect.DriverName()
	sourceDriver, err := iofs.New(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	var dbDriver database.Driver
	if db.Dialect == sqlbuilder.Postgres {
		dbDriver, err = postgres.WithInstance(db.DB, &postgres.Config{})
	} else {
		dbDriver, err = sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	}
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, db.Dialect.DriverName(), dbDriver)
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}
