// Package devicesession binds anonymous kiosk browsers to kiosks through
// time-boxed session codes and a cached device fingerprint.
package devicesession

import (
	"context"
	"fmt"
	"log"
	"time"

	"kioskqueue/internal/clock"
	"kioskqueue/internal/hub"
	"kioskqueue/pkg/interfaces"
	"kioskqueue/pkg/types"
)

// CurrentSessionKey holds the session code a kiosk browser is running under
const CurrentSessionKey = "kiosk_session_code"

// FingerprintFunc reports the current device's fingerprint
type FingerprintFunc func() (string, error)

// Manager creates and checks device sessions. A Manager returned by ForDevice also
// knows the local device, which is how kiosk browsers use it; the server uses the
// *For variants with a fingerprint taken from the request.
type Manager struct {
	store   interfaces.DeviceSessionStore
	bus     interfaces.EventBus
	clock   clock.Clock
	baseURL string

	fingerprint FingerprintFunc
	local       interfaces.LocalStore
}

// NewManager creates a new device session manager
func NewManager(store interfaces.DeviceSessionStore, bus interfaces.EventBus, clk clock.Clock, baseURL string) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		store:   store,
		bus:     bus,
		clock:   clk,
		baseURL: baseURL,
	}
}

// ForDevice returns a copy bound to one browser's fingerprint and local store
func (m *Manager) ForDevice(fingerprint FingerprintFunc, local interfaces.LocalStore) *Manager {
	c := *m
	c.fingerprint = fingerprint
	c.local = local
	return &c
}

func (m *Manager) deviceFingerprint() string {
	if m.fingerprint == nil {
		return ""
	}
	fp, err := m.fingerprint()
	if err != nil {
		log.Printf("Warning: fingerprint unavailable: err=%v", err)
	}
	return fp
}

// CreateSession mints a session for kioskID lasting ttlHours, bound to this device
func (m *Manager) CreateSession(ctx context.Context, kioskID, ttlHours int) (*types.SessionLink, error) {
	link, err := m.CreateSessionFor(ctx, kioskID, ttlHours, m.deviceFingerprint())
	if err != nil {
		return nil, err
	}
	if m.local != nil {
		if err := m.local.Set(CurrentSessionKey, link.SessionID); err != nil {
			log.Printf("Warning: failed to remember session locally: code=%s err=%v", link.SessionID, err)
		}
	}
	return link, nil
}

// CreateSessionFor mints a session bound to the given fingerprint
func (m *Manager) CreateSessionFor(ctx context.Context, kioskID, ttlHours int, fingerprint string) (*types.SessionLink, error) {
	if kioskID <= 0 {
		return nil, types.ErrInvalidKioskID
	}
	if ttlHours <= 0 {
		return nil, types.ErrInvalidTTL
	}

	now := m.clock.Now()
	session, err := m.store.CreateDeviceSession(ctx, kioskID, fingerprint, now, now.Add(time.Duration(ttlHours)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to create device session: %w", err)
	}

	hub.Notify(ctx, m.bus, types.TableDeviceSessions, types.OpInsert, session.ID)
	return &types.SessionLink{
		SessionID: session.ID,
		AccessURL: BuildAccessURL(m.baseURL, session.ID),
		KioskID:   session.KioskID,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// ValidateSession checks a code for this device. It never fails; an unusable
// session is reported as invalid.
func (m *Manager) ValidateSession(ctx context.Context, code string) *types.Validation {
	return m.ValidateFor(ctx, code, m.deviceFingerprint())
}

// ValidateFor checks a code presented with the given fingerprint. A valid session
// seen with a new fingerprint adopts it and reports the mismatch.
func (m *Manager) ValidateFor(ctx context.Context, code, fingerprint string) *types.Validation {
	code = types.NormalizeSessionCode(code)
	if !types.IsValidSessionCode(code) {
		return &types.Validation{}
	}

	result, err := m.store.ValidateDeviceSession(ctx, code, fingerprint, m.clock.Now())
	if err != nil {
		log.Printf("Warning: session validation failed: code=%s err=%v", code, err)
		return &types.Validation{}
	}

	if result.IsValid && result.FingerprintMismatch {
		hub.Notify(ctx, m.bus, types.TableDeviceSessions, types.OpUpdate, code)
	}
	return result
}

// Heartbeat records liveness. Failures are logged and reported as false; they
// never invalidate the session.
func (m *Manager) Heartbeat(ctx context.Context, code string) bool {
	code = types.NormalizeSessionCode(code)
	if !types.IsValidSessionCode(code) {
		return false
	}

	ok, err := m.store.Heartbeat(ctx, code, m.clock.Now())
	if err != nil {
		log.Printf("Warning: heartbeat failed: code=%s err=%v", code, err)
		return false
	}
	return ok
}

// Lookup returns the stored session for a code
func (m *Manager) Lookup(ctx context.Context, code string) (*types.DeviceSession, error) {
	code = types.NormalizeSessionCode(code)
	if !types.IsValidSessionCode(code) {
		return nil, types.ErrInvalidSessionCode
	}
	return m.store.GetDeviceSession(ctx, code)
}

// CurrentSession returns the code this device last created or adopted
func (m *Manager) CurrentSession() (string, bool) {
	if m.local == nil {
		return "", false
	}
	return m.local.Get(CurrentSessionKey)
}

// Adopt records a code opened from an access URL as this device's session
func (m *Manager) Adopt(code string) error {
	if m.local == nil {
		return nil
	}
	code = types.NormalizeSessionCode(code)
	if !types.IsValidSessionCode(code) {
		return types.ErrInvalidSessionCode
	}
	return m.local.Set(CurrentSessionKey, code)
}

// Clear forgets the local session. The server row is left to expire.
func (m *Manager) Clear() error {
	if m.local == nil {
		return nil
	}
	return m.local.Delete(CurrentSessionKey)
}

