package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"kioskqueue/pkg/types"
)

const selectKiosk = `
	SELECT id, name, is_active, current_student_id, current_behavior_request_id,
		activated_at, activated_by
	FROM kiosks
`

func scanKiosk(row rowScanner) (*types.Kiosk, error) {
	var k types.Kiosk
	var studentID, requestID, activatedBy sql.NullString
	var activatedAt sql.NullTime

	if err := row.Scan(&k.ID, &k.Name, &k.IsActive, &studentID, &requestID, &activatedAt, &activatedBy); err != nil {
		return nil, err
	}

	k.CurrentStudentID = nullableString(studentID)
	k.CurrentBehaviorRequestID = nullableString(requestID)
	k.ActivatedAt = nullableTime(activatedAt)
	k.ActivatedBy = nullableString(activatedBy)
	return &k, nil
}

// EnsureKiosks provisions kiosks 1..count, leaving existing rows untouched
func (m *Manager) EnsureKiosks(ctx context.Context, count int) error {
	if count <= 0 {
		return fmt.Errorf("%w: kiosk count must be positive", types.ErrInvalidInput)
	}

	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		for id := 1; id <= count; id++ {
			_, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO kiosks (id, name) VALUES (?, ?)",
				id, fmt.Sprintf("Kiosk %d", id))
			if err != nil {
				return fmt.Errorf("failed to provision kiosk %d: %w", id, err)
			}
		}
		return nil
	})
}

// ListKiosks returns all kiosks ordered by id
func (m *Manager) ListKiosks(ctx context.Context) ([]*types.Kiosk, error) {
	rows, err := m.db.QueryContext(ctx, selectKiosk+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query kiosks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var kiosks []*types.Kiosk
	for rows.Next() {
		k, err := scanKiosk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan kiosk: %w", err)
		}
		kiosks = append(kiosks, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating kiosks: %w", err)
	}
	return kiosks, nil
}

// GetKiosk retrieves one kiosk
func (m *Manager) GetKiosk(ctx context.Context, kioskID int) (*types.Kiosk, error) {
	k, err := scanKiosk(m.db.QueryRowContext(ctx, selectKiosk+" WHERE id = ?", kioskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrKioskNotFound
		}
		return nil, fmt.Errorf("failed to query kiosk: %w", err)
	}
	return k, nil
}

// ActivateKiosk activates kioskID, or the lowest inactive kiosk when kioskID is 0
func (m *Manager) ActivateKiosk(ctx context.Context, kioskID int, activatedBy string, at time.Time) (int, error) {
	if kioskID < 0 {
		return 0, types.ErrInvalidKioskID
	}

	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		if kioskID == 0 {
			err := tx.QueryRowContext(ctx,
				"SELECT id FROM kiosks WHERE is_active = 0 ORDER BY id LIMIT 1").Scan(&kioskID)
			if errors.Is(err, sql.ErrNoRows) {
				return types.ErrNoKioskAvailable
			}
			if err != nil {
				return fmt.Errorf("failed to find inactive kiosk: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE kiosks SET is_active = 1, activated_at = ?, activated_by = ?
			WHERE id = ?
		`, at.UTC(), activatedBy, kioskID)
		if err != nil {
			return fmt.Errorf("failed to activate kiosk: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return types.ErrKioskNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Printf("Kiosk activated: kiosk=%d by=%s", kioskID, activatedBy)
	return kioskID, nil
}

// DeactivateKiosk flips the kiosk inactive and clears its occupant in one statement.
// A reflection in progress on the kiosk goes back to waiting, unassigned.
func (m *Manager) DeactivateKiosk(ctx context.Context, kioskID int) error {
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE kiosks
			SET is_active = 0, current_student_id = NULL, current_behavior_request_id = NULL
			WHERE id = ?
		`, kioskID)
		if err != nil {
			return fmt.Errorf("failed to deactivate kiosk: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return types.ErrKioskNotFound
		}
		return requeueActive(ctx, tx, "assigned_kiosk_id = ?", kioskID)
	})
	if err != nil {
		return err
	}

	log.Printf("Kiosk deactivated: kiosk=%d", kioskID)
	return nil
}

// DeactivateAllKiosks deactivates every active kiosk and returns how many changed
func (m *Manager) DeactivateAllKiosks(ctx context.Context) (int, error) {
	var count int64
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE kiosks
			SET is_active = 0, current_student_id = NULL, current_behavior_request_id = NULL
			WHERE is_active = 1
		`)
		if err != nil {
			return fmt.Errorf("failed to deactivate kiosks: %w", err)
		}
		if count, err = rowsAffected(res); err != nil {
			return err
		}
		return requeueActive(ctx, tx, "assigned_kiosk_id IS NOT NULL")
	})
	if err != nil {
		return 0, err
	}

	log.Printf("All kiosks deactivated: count=%d", count)
	return int(count), nil
}

// requeueActive returns active requests matching where to waiting with no kiosk
func requeueActive(ctx context.Context, tx *sql.Tx, where string, args ...interface{}) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE behavior_requests SET status = 'waiting', assigned_kiosk_id = NULL
		WHERE status = 'active' AND `+where, args...)
	if err != nil {
		return fmt.Errorf("failed to requeue active requests: %w", err)
	}
	return nil
}
