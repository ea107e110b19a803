package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"kioskqueue/pkg/types"
)

const (
	sessionCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	sessionCodeLength   = 8
	sessionCodeAttempts = 5
)

func newSessionCode() (string, error) {
	code := make([]byte, sessionCodeLength)
	max := big.NewInt(int64(len(sessionCodeAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = sessionCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// CreateDeviceSession mints a session code for an active kiosk
func (m *Manager) CreateDeviceSession(ctx context.Context, kioskID int, fingerprint string, createdAt, expiresAt time.Time) (*types.DeviceSession, error) {
	if !expiresAt.After(createdAt) {
		return nil, types.ErrInvalidTTL
	}

	var session *types.DeviceSession
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		var active bool
		err := tx.QueryRowContext(ctx, "SELECT is_active FROM kiosks WHERE id = ?", kioskID).Scan(&active)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrKioskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to query kiosk: %w", err)
		}
		if !active {
			return types.ErrKioskInactive
		}

		for attempt := 0; attempt < sessionCodeAttempts; attempt++ {
			code, err := newSessionCode()
			if err != nil {
				return fmt.Errorf("failed to generate session code: %w", err)
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO device_sessions
					(id, kiosk_id, device_fingerprint, created_at, expires_at, last_heartbeat)
				VALUES (?, ?, ?, ?, ?, ?)
			`, code, kioskID, fingerprint, createdAt.UTC(), expiresAt.UTC(), createdAt.UTC())
			if err != nil {
				if isUniqueViolation(err) {
					continue
				}
				return fmt.Errorf("failed to insert device session: %w", err)
			}

			session = &types.DeviceSession{
				ID:                code,
				KioskID:           kioskID,
				DeviceFingerprint: fingerprint,
				CreatedAt:         createdAt.UTC(),
				ExpiresAt:         expiresAt.UTC(),
				LastHeartbeat:     createdAt.UTC(),
			}
			return nil
		}
		return types.ErrSessionCodeExhausted
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Created device session: code=%s kiosk=%d expires=%s", session.ID, kioskID, session.ExpiresAt.Format(time.RFC3339))
	return session, nil
}

// ValidateDeviceSession reports whether the session is usable right now. A valid
// session presented with a different fingerprint is kept valid and the stored
// fingerprint is replaced in the same transaction.
func (m *Manager) ValidateDeviceSession(ctx context.Context, code, fingerprint string, now time.Time) (*types.Validation, error) {
	code = types.NormalizeSessionCode(code)
	result := &types.Validation{}

	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		var storedFingerprint string
		var expiresAt time.Time
		var active bool

		err := tx.QueryRowContext(ctx, `
			SELECT ds.kiosk_id, ds.device_fingerprint, ds.expires_at, k.is_active
			FROM device_sessions ds
			JOIN kiosks k ON k.id = ds.kiosk_id
			WHERE ds.id = ?
		`, code).Scan(&result.KioskID, &storedFingerprint, &expiresAt, &active)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to query device session: %w", err)
		}

		result.IsValid = active && now.Before(expiresAt)
		result.FingerprintMismatch = fingerprint != "" && fingerprint != storedFingerprint
		if result.IsValid {
			result.RemainingSeconds = int(expiresAt.Sub(now) / time.Second)
		}

		if result.IsValid && result.FingerprintMismatch {
			_, err := tx.ExecContext(ctx,
				"UPDATE device_sessions SET device_fingerprint = ? WHERE id = ?", fingerprint, code)
			if err != nil {
				return fmt.Errorf("failed to update device fingerprint: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.IsValid && result.FingerprintMismatch {
		log.Printf("Device fingerprint updated: code=%s kiosk=%d", code, result.KioskID)
	}
	return result, nil
}

// Heartbeat stamps last_heartbeat. expires_at is never touched.
func (m *Manager) Heartbeat(ctx context.Context, code string, now time.Time) (bool, error) {
	code = types.NormalizeSessionCode(code)

	var found bool
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE device_sessions SET last_heartbeat = ? WHERE id = ?", now.UTC(), code)
		if err != nil {
			return fmt.Errorf("failed to record heartbeat: %w", err)
		}
		n, err := rowsAffected(res)
		found = n > 0
		return err
	})
	return found, err
}

// GetDeviceSession retrieves a session by code
func (m *Manager) GetDeviceSession(ctx context.Context, code string) (*types.DeviceSession, error) {
	var s types.DeviceSession
	err := m.db.QueryRowContext(ctx, `
		SELECT id, kiosk_id, device_fingerprint, created_at, expires_at, last_heartbeat
		FROM device_sessions
		WHERE id = ?
	`, types.NormalizeSessionCode(code)).Scan(
		&s.ID, &s.KioskID, &s.DeviceFingerprint, &s.CreatedAt, &s.ExpiresAt, &s.LastHeartbeat,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query device session: %w", err)
	}
	return &s, nil
}
