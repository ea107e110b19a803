package types

import (
	"time"
)

// Request status values. A request is "live" while it is in any of these states;
// approval removes it from the live store entirely.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusReview    = "review"
)

// Staff roles supplied by the identity provider
const (
	RoleTeacher    = "teacher"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// Realtime tables. Events carry one of these as their topic.
const (
	TableBehaviorRequests = "behavior_requests"
	TableReflections      = "reflections"
	TableKiosks           = "kiosks"
	TableDeviceSessions   = "device_sessions"
)

// Event operations
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Student is referenced by behavior requests and never mutated by the queue core.
type Student struct {
	ID         string `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	Grade      string `json:"grade,omitempty" db:"grade"`
	SecretHash string `json:"-" db:"secret_hash"`
}

// BehaviorRequest is one queued incident awaiting a supervised reflection.
// Position is derived from the live queue on every read and is never persisted.
type BehaviorRequest struct {
	ID              string    `json:"id" db:"id"`
	StudentID       string    `json:"student_id" db:"student_id"`
	StudentName     string    `json:"student_name,omitempty" db:"-"`
	Behaviors       []string  `json:"behaviors" db:"behaviors"`
	Mood            int       `json:"mood" db:"mood"`
	Urgent          bool      `json:"urgent" db:"urgent"`
	Notes           string    `json:"notes,omitempty" db:"notes"`
	Status          string    `json:"status" db:"status"`
	AssignedKioskID *int      `json:"assigned_kiosk_id,omitempty" db:"assigned_kiosk_id"`
	RequestedBy     string    `json:"requested_by" db:"requested_by"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	Position        int       `json:"position" db:"-"`
}

// IsLive reports whether the request still occupies the student's single active slot.
func (r *BehaviorRequest) IsLive() bool {
	return r.Status == StatusWaiting || r.Status == StatusActive
}

// Reflection holds the four written answers for one submission cycle.
type Reflection struct {
	ID                string     `json:"id" db:"id"`
	BehaviorRequestID string     `json:"behavior_request_id" db:"behavior_request_id"`
	Answers           Answers    `json:"answers" db:"-"`
	TeacherApproved   bool       `json:"teacher_approved" db:"teacher_approved"`
	RevisionRequested bool       `json:"revision_requested" db:"revision_requested"`
	TeacherFeedback   *string    `json:"teacher_feedback,omitempty" db:"teacher_feedback"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty" db:"submitted_at"`
}

// Answers are the four reflection questions, in order.
type Answers [4]string

// Kiosk is one shared terminal slot. Occupant fields are only set while active.
type Kiosk struct {
	ID                       int        `json:"id" db:"id"`
	Name                     string     `json:"name" db:"name"`
	IsActive                 bool       `json:"is_active" db:"is_active"`
	CurrentStudentID         *string    `json:"current_student_id,omitempty" db:"current_student_id"`
	CurrentBehaviorRequestID *string    `json:"current_behavior_request_id,omitempty" db:"current_behavior_request_id"`
	ActivatedAt              *time.Time `json:"activated_at,omitempty" db:"activated_at"`
	ActivatedBy              *string    `json:"activated_by,omitempty" db:"activated_by"`
}

// DeviceSession binds a browsing context to a kiosk for a bounded time.
type DeviceSession struct {
	ID                string    `json:"id" db:"id"`
	KioskID           int       `json:"kiosk_id" db:"kiosk_id"`
	DeviceFingerprint string    `json:"device_fingerprint" db:"device_fingerprint"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	ExpiresAt         time.Time `json:"expires_at" db:"expires_at"`
	LastHeartbeat     time.Time `json:"last_heartbeat" db:"last_heartbeat"`
}

// SessionLink is what a staff member hands to a kiosk browser.
type SessionLink struct {
	SessionID string    `json:"session_id"`
	AccessURL string    `json:"access_url"`
	KioskID   int       `json:"kiosk_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Validation is the typed outcome of a device session check. It is never an error;
// the caller renders a recovery path from it.
type Validation struct {
	IsValid             bool `json:"is_valid"`
	KioskID             int  `json:"kiosk_id"`
	RemainingSeconds    int  `json:"remaining_seconds"`
	FingerprintMismatch bool `json:"fingerprint_mismatch"`
}

// ReflectionArchive is the history record written when a reflection is approved.
type ReflectionArchive struct {
	ID                string    `json:"id"`
	BehaviorRequestID string    `json:"behavior_request_id"`
	StudentID         string    `json:"student_id"`
	Behaviors         []string  `json:"behaviors"`
	Mood              int       `json:"mood"`
	Answers           Answers   `json:"answers"`
	TeacherFeedback   string    `json:"teacher_feedback,omitempty"`
	ApprovedBy        string    `json:"approved_by"`
	CreatedAt         time.Time `json:"created_at"`
	SubmittedAt       time.Time `json:"submitted_at"`
	ArchivedAt        time.Time `json:"archived_at"`
}

// Actor is the staff identity taken from the identity provider.
type Actor struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Event is an invalidation signal. Payload contents are not relied on for correctness;
// subscribers re-fetch.
type Event struct {
	Table     string    `json:"table"`
	Op        string    `json:"op"`
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClaimCommand moves a waiting request to active and records the student as the kiosk
// occupant. The store applies both effects in one transaction or neither.
type ClaimCommand struct {
	RequestID string
	StudentID string
	KioskID   int
	ClaimedAt time.Time
}

// AssignmentChange rebinds one waiting request. A nil KioskID orphans it.
type AssignmentChange struct {
	RequestID string
	KioskID   *int
}

// NewRequest carries the staff input for addToQueue.
type NewRequest struct {
	StudentID   string
	Behaviors   []string
	Mood        int
	Urgent      bool
	Notes       string
	RequestedBy string
}
