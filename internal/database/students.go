package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"kioskqueue/internal/auth"
	"kioskqueue/pkg/types"
)

// UpsertStudent creates or updates a student. An empty SecretHash keeps the stored one.
func (m *Manager) UpsertStudent(ctx context.Context, student *types.Student) error {
	if !types.IsValidStudentID(student.ID) {
		return types.ErrInvalidStudentID
	}

	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO students (id, name, grade, secret_hash)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				grade = excluded.grade,
				secret_hash = CASE WHEN excluded.secret_hash = '' THEN students.secret_hash
					ELSE excluded.secret_hash END
		`, student.ID, student.Name, student.Grade, student.SecretHash)
		if err != nil {
			return fmt.Errorf("failed to upsert student: %w", err)
		}
		return nil
	})
}

// GetStudent retrieves a student by ID
func (m *Manager) GetStudent(ctx context.Context, studentID string) (*types.Student, error) {
	var s types.Student
	err := m.db.QueryRowContext(ctx,
		"SELECT id, name, grade, secret_hash FROM students WHERE id = ?", studentID,
	).Scan(&s.ID, &s.Name, &s.Grade, &s.SecretHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrStudentNotFound
		}
		return nil, fmt.Errorf("failed to query student: %w", err)
	}
	return &s, nil
}

// VerifyStudentSecret checks the secondary credential a student types at the kiosk
func (m *Manager) VerifyStudentSecret(ctx context.Context, studentID, secret string) error {
	student, err := m.GetStudent(ctx, studentID)
	if err != nil {
		return err
	}
	if !auth.CheckSecret(student.SecretHash, secret) {
		return types.ErrStudentVerification
	}
	return nil
}
