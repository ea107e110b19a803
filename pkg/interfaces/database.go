package interfaces

import (
	"context"
	"time"

	"kioskqueue/pkg/types"
)

// RequestStore is the authoritative queue of behavior requests and their reflections.
// Every mutating method is one transaction.
type RequestStore interface {
	// CreateRequest inserts a waiting request. A second live request for the same
	// student fails with types.ErrDuplicateActiveRequest.
	CreateRequest(ctx context.Context, req *types.NewRequest, createdAt time.Time) (*types.BehaviorRequest, error)

	GetRequest(ctx context.Context, requestID string) (*types.BehaviorRequest, error)

	// ListRequests returns every request still in the live store, oldest first.
	// Position is left zero; callers derive it.
	ListRequests(ctx context.Context) ([]*types.BehaviorRequest, error)

	// ApplyAssignments rebinds waiting requests. Rows that are no longer waiting are
	// skipped, so a plan computed before a claim cannot undo it.
	ApplyAssignments(ctx context.Context, changes []types.AssignmentChange) error

	// ClaimRequest moves a waiting request to active and records the occupant on the
	// kiosk in one transaction. Losing the race returns types.ErrClaimLost.
	ClaimRequest(ctx context.Context, cmd types.ClaimCommand) error

	// SubmitReflection upserts the request's reflection and marks it completed.
	SubmitReflection(ctx context.Context, requestID string, answers types.Answers, submittedAt time.Time) (*types.Reflection, error)

	GetReflection(ctx context.Context, requestID string) (*types.Reflection, error)

	// MarkInReview moves a completed request to review.
	MarkInReview(ctx context.Context, requestID string) error

	// ApproveReflection archives the request and its reflection, deletes both from the
	// live store and releases the kiosk that held the request.
	ApproveReflection(ctx context.Context, requestID, approvedBy string, archivedAt time.Time) (*types.ReflectionArchive, error)

	// RequestRevision returns a completed request to waiting with the feedback recorded.
	RequestRevision(ctx context.Context, requestID, feedback string) (*types.BehaviorRequest, error)

	// ClearRequests deletes live requests created by requestedBy, or every live
	// request when requestedBy is empty. Returns the number removed.
	ClearRequests(ctx context.Context, requestedBy string) (int, error)

	ListArchive(ctx context.Context, studentID string) ([]*types.ReflectionArchive, error)
}

// KioskStore tracks the fixed kiosk pool
type KioskStore interface {
	// EnsureKiosks provisions kiosks 1..count. Existing rows are left alone.
	EnsureKiosks(ctx context.Context, count int) error
	ListKiosks(ctx context.Context) ([]*types.Kiosk, error)
	GetKiosk(ctx context.Context, kioskID int) (*types.Kiosk, error)

	// ActivateKiosk activates kioskID, or the lowest inactive kiosk when kioskID is 0.
	ActivateKiosk(ctx context.Context, kioskID int, activatedBy string, at time.Time) (int, error)

	// DeactivateKiosk clears is_active and both occupant fields in one statement.
	DeactivateKiosk(ctx context.Context, kioskID int) error
	DeactivateAllKiosks(ctx context.Context) (int, error)
}

// DeviceSessionStore holds kiosk device sessions
type DeviceSessionStore interface {
	// CreateDeviceSession mints a unique 8-character code bound to an active kiosk.
	CreateDeviceSession(ctx context.Context, kioskID int, fingerprint string, createdAt, expiresAt time.Time) (*types.DeviceSession, error)

	// ValidateDeviceSession checks validity and, when the session is otherwise valid
	// but the fingerprint differs, stores the new fingerprint in the same transaction.
	ValidateDeviceSession(ctx context.Context, code, fingerprint string, now time.Time) (*types.Validation, error)

	// Heartbeat updates last_heartbeat only. Reports false when no session matched.
	Heartbeat(ctx context.Context, code string, now time.Time) (bool, error)

	GetDeviceSession(ctx context.Context, code string) (*types.DeviceSession, error)
}

// StudentStore holds the student identities requests reference
type StudentStore interface {
	UpsertStudent(ctx context.Context, student *types.Student) error
	GetStudent(ctx context.Context, studentID string) (*types.Student, error)

	// VerifyStudentSecret compares a secondary credential against the stored hash.
	VerifyStudentSecret(ctx context.Context, studentID, secret string) error
}

// Store is the full persistence surface
type Store interface {
	RequestStore
	KioskStore
	DeviceSessionStore
	StudentStore

	HealthCheck(ctx context.Context) error
	Close() error
}
