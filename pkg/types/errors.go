package types

import (
	"errors"
	"fmt"
)

// Error kinds. Every specific error below wraps exactly one kind so callers can branch
// with errors.Is on the kind alone.
var (
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrSessionInvalid = errors.New("session invalid")
	ErrTransient      = errors.New("transient failure")
	ErrInvalidInput   = errors.New("invalid input")
)

var (
	ErrDuplicateActiveRequest = fmt.Errorf("%w: student already has an active behavior request", ErrConflict)
	ErrClaimLost              = fmt.Errorf("%w: request was claimed by another kiosk", ErrConflict)
	ErrInvalidTransition      = fmt.Errorf("%w: request is not in a state that allows this action", ErrConflict)
	ErrNoKioskAvailable       = fmt.Errorf("%w: no inactive kiosk available", ErrConflict)
	ErrSessionCodeExhausted   = fmt.Errorf("%w: could not mint a unique session code", ErrConflict)
	ErrKioskBusy              = fmt.Errorf("%w: kiosk already has an active reflection", ErrConflict)

	ErrRequestNotFound    = fmt.Errorf("%w: behavior request", ErrNotFound)
	ErrReflectionNotFound = fmt.Errorf("%w: reflection", ErrNotFound)
	ErrKioskNotFound      = fmt.Errorf("%w: kiosk", ErrNotFound)
	ErrStudentNotFound    = fmt.Errorf("%w: student", ErrNotFound)
	ErrSessionNotFound    = fmt.Errorf("%w: device session", ErrNotFound)
	ErrQueueEmpty         = fmt.Errorf("%w: no waiting request for this kiosk", ErrNotFound)

	ErrRoleNotPermitted    = fmt.Errorf("%w: role may not perform this action", ErrUnauthorized)
	ErrStudentVerification = fmt.Errorf("%w: student verification failed", ErrUnauthorized)

	ErrSessionExpired     = fmt.Errorf("%w: device session expired or kiosk inactive", ErrSessionInvalid)
	ErrSessionKioskDiffer = fmt.Errorf("%w: device session belongs to another kiosk", ErrSessionInvalid)
	ErrKioskInactive      = fmt.Errorf("%w: kiosk is not active", ErrSessionInvalid)

	ErrStoreUnavailable = fmt.Errorf("%w: store unavailable", ErrTransient)
	ErrBusUnavailable   = fmt.Errorf("%w: event bus unavailable", ErrTransient)

	ErrEmptyBehaviors     = fmt.Errorf("%w: at least one behavior is required", ErrInvalidInput)
	ErrInvalidMood        = fmt.Errorf("%w: mood must be between 0 and 100", ErrInvalidInput)
	ErrInvalidStudentID   = fmt.Errorf("%w: student ID must be 1-50 characters, alphanumeric + underscore/hyphen only", ErrInvalidInput)
	ErrFeedbackRequired   = fmt.Errorf("%w: revision feedback must not be empty", ErrInvalidInput)
	ErrAnswerTooShort     = fmt.Errorf("%w: every answer must be longer than %d characters", ErrInvalidInput, MinAnswerLength)
	ErrInvalidTTL         = fmt.Errorf("%w: session ttl must be positive", ErrInvalidInput)
	ErrInvalidSessionCode = fmt.Errorf("%w: session code must be 8 alphanumeric characters", ErrInvalidInput)
	ErrInvalidKioskID     = fmt.Errorf("%w: kiosk ID must be positive", ErrInvalidInput)
)
