package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a migrated database against the structure the store expects
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"students":           "Student identities",
		"kiosks":             "Kiosk registry",
		"behavior_requests":  "Live queue",
		"reflections":        "Live reflections",
		"device_sessions":    "Kiosk device sessions",
		"reflection_archive": "Approved reflection history",
		"goose_db_version":   "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column types the store scans into
func (v *SchemaValidator) ValidateTableStructure() error {
	requestColumns := map[string]string{
		"id":                "TEXT",
		"student_id":        "TEXT",
		"behaviors":         "TEXT",
		"mood":              "INTEGER",
		"urgent":            "INTEGER",
		"status":            "TEXT",
		"assigned_kiosk_id": "INTEGER",
		"created_at":        "DATETIME",
	}
	if err := v.validateColumns("behavior_requests", requestColumns); err != nil {
		return fmt.Errorf("behavior_requests table structure invalid: %w", err)
	}

	kioskColumns := map[string]string{
		"id":                          "INTEGER",
		"is_active":                   "INTEGER",
		"current_student_id":          "TEXT",
		"current_behavior_request_id": "TEXT",
		"activated_at":                "DATETIME",
	}
	if err := v.validateColumns("kiosks", kioskColumns); err != nil {
		return fmt.Errorf("kiosks table structure invalid: %w", err)
	}

	sessionColumns := map[string]string{
		"id":                 "TEXT",
		"kiosk_id":           "INTEGER",
		"device_fingerprint": "TEXT",
		"expires_at":         "DATETIME",
		"last_heartbeat":     "DATETIME",
	}
	if err := v.validateColumns("device_sessions", sessionColumns); err != nil {
		return fmt.Errorf("device_sessions table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that the uniqueness and lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_behavior_requests_live_student": "One live request per student",
		"idx_behavior_requests_kiosk_status": "Per-kiosk queue reads",
		"idx_device_sessions_kiosk":          "Sessions by kiosk",
		"idx_reflection_archive_student":     "Student history",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints probes that the live-request uniqueness and the kiosk occupant
// check are enforced by the database itself. Probe rows are written inside a
// transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT INTO students (id, name) VALUES ('__probe', 'probe')`); err != nil {
		return fmt.Errorf("failed to create probe student: %w", err)
	}
	insert := `INSERT INTO behavior_requests (id, student_id, behaviors, status, created_at)
		VALUES (?, '__probe', '[]', 'waiting', CURRENT_TIMESTAMP)`
	if _, err := tx.Exec(insert, "__probe_1"); err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	if _, err := tx.Exec(insert, "__probe_2"); err == nil {
		return fmt.Errorf("unique constraint not enforced: one live request per student")
	}

	if _, err := tx.Exec(`INSERT INTO kiosks (id, name, is_active, current_student_id) VALUES (-1, 'probe', 0, '__probe')`); err == nil {
		return fmt.Errorf("check constraint not enforced: inactive kiosk with occupant")
	}

	if _, err := tx.Exec(`INSERT INTO behavior_requests (id, student_id, behaviors, created_at)
		VALUES ('__probe_3', '__missing', '[]', CURRENT_TIMESTAMP)`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: behavior_requests.student_id")
	}

	return nil
}

// tableExists checks if a table exists in the database
func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// indexExists checks if an index exists in the database
func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
