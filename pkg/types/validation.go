package types

import (
	"regexp"
	"strings"
)

// MinAnswerLength is the client-side gate for reflection answers: an answer must be
// strictly longer than this many characters.
const MinAnswerLength = 10

var (
	studentIDRegex   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	sessionCodeRegex = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)
)

// IsValidStudentID checks if a student ID meets format requirements
func IsValidStudentID(studentID string) bool {
	if len(studentID) < 1 || len(studentID) > 50 {
		return false
	}
	return studentIDRegex.MatchString(studentID)
}

// IsValidSessionCode checks the 8-character alphanumeric session code, any case.
func IsValidSessionCode(code string) bool {
	return sessionCodeRegex.MatchString(code)
}

// NormalizeSessionCode upper-cases a code so lookups are case-insensitive.
func NormalizeSessionCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsStaffRole reports whether the role comes from the staff identity provider.
func IsStaffRole(role string) bool {
	switch role {
	case RoleTeacher, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// CanClearAllQueues reports whether the role may clear every kiosk queue rather than
// only the requests the actor created.
func CanClearAllQueues(role string) bool {
	return role == RoleAdmin || role == RoleSuperAdmin
}

// NormalizeBehaviors trims, drops empties and de-duplicates behavior tags while
// keeping first-seen order.
func NormalizeBehaviors(behaviors []string) []string {
	seen := make(map[string]bool, len(behaviors))
	out := make([]string, 0, len(behaviors))
	for _, b := range behaviors {
		b = strings.TrimSpace(b)
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}

// Validate checks staff input for a new behavior request. Behaviors are normalized in
// place.
func (n *NewRequest) Validate() error {
	if !IsValidStudentID(n.StudentID) {
		return ErrInvalidStudentID
	}
	n.Behaviors = NormalizeBehaviors(n.Behaviors)
	if len(n.Behaviors) == 0 {
		return ErrEmptyBehaviors
	}
	if n.Mood < 0 || n.Mood > 100 {
		return ErrInvalidMood
	}
	return nil
}

// ValidateAnswers applies the client-side length gate. The store never calls this;
// kiosk clients call it before submitting.
func ValidateAnswers(answers Answers) error {
	for _, a := range answers {
		if len([]rune(strings.TrimSpace(a))) <= MinAnswerLength {
			return ErrAnswerTooShort
		}
	}
	return nil
}
