package database

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// goose keeps its base FS and dialect in package state
var gooseMu sync.Mutex

// MigrationManager applies the embedded goose migrations
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// ApplyMigrations applies all pending migrations
func (m *MigrationManager) ApplyMigrations() error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := m.setup(); err != nil {
		return err
	}
	if err := goose.Up(m.db, migrationsDir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Rollback reverts the most recent migration
func (m *MigrationManager) Rollback() error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := m.setup(); err != nil {
		return err
	}
	if err := goose.Down(m.db, migrationsDir); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Version returns the current schema version
func (m *MigrationManager) Version() (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := m.setup(); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(m.db)
}

// ValidateSchema ensures database matches expected structure
func (m *MigrationManager) ValidateSchema() error {
	v := NewSchemaValidator(m.db)
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

func (m *MigrationManager) setup() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	return nil
}
