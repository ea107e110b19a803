package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"kioskqueue/pkg/types"
)

const selectRequest = `
	SELECT r.id, r.student_id, s.name, r.behaviors, r.mood, r.urgent, r.notes,
		r.status, r.assigned_kiosk_id, r.requested_by, r.created_at
	FROM behavior_requests r
	JOIN students s ON s.id = r.student_id
`

func scanRequest(row rowScanner) (*types.BehaviorRequest, error) {
	var req types.BehaviorRequest
	var behaviorsJSON string
	var kioskID sql.NullInt64

	err := row.Scan(
		&req.ID,
		&req.StudentID,
		&req.StudentName,
		&behaviorsJSON,
		&req.Mood,
		&req.Urgent,
		&req.Notes,
		&req.Status,
		&kioskID,
		&req.RequestedBy,
		&req.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(behaviorsJSON), &req.Behaviors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal behaviors: %w", err)
	}
	req.AssignedKioskID = nullableInt(kioskID)

	return &req, nil
}

func getRequest(ctx context.Context, q queryer, requestID string) (*types.BehaviorRequest, error) {
	req, err := scanRequest(q.QueryRowContext(ctx, selectRequest+" WHERE r.id = ?", requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to query behavior request: %w", err)
	}
	return req, nil
}

// CreateRequest inserts a new waiting request
func (m *Manager) CreateRequest(ctx context.Context, newReq *types.NewRequest, createdAt time.Time) (*types.BehaviorRequest, error) {
	behaviorsJSON, err := json.Marshal(newReq.Behaviors)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal behaviors: %w", err)
	}

	var created *types.BehaviorRequest
	err = m.executeWrite(ctx, func(tx *sql.Tx) error {
		var name string
		err := tx.QueryRowContext(ctx, "SELECT name FROM students WHERE id = ?", newReq.StudentID).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrStudentNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to query student: %w", err)
		}

		var live int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM behavior_requests
			WHERE student_id = ? AND status IN ('waiting', 'active')
		`, newReq.StudentID).Scan(&live)
		if err != nil {
			return fmt.Errorf("failed to check live requests: %w", err)
		}
		if live > 0 {
			return types.ErrDuplicateActiveRequest
		}

		req := &types.BehaviorRequest{
			ID:          m.newID(createdAt),
			StudentID:   newReq.StudentID,
			StudentName: name,
			Behaviors:   newReq.Behaviors,
			Mood:        newReq.Mood,
			Urgent:      newReq.Urgent,
			Notes:       newReq.Notes,
			Status:      types.StatusWaiting,
			RequestedBy: newReq.RequestedBy,
			CreatedAt:   createdAt.UTC(),
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO behavior_requests
				(id, student_id, behaviors, mood, urgent, notes, status, requested_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			req.ID,
			req.StudentID,
			string(behaviorsJSON),
			req.Mood,
			req.Urgent,
			req.Notes,
			req.Status,
			req.RequestedBy,
			req.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return types.ErrDuplicateActiveRequest
			}
			return fmt.Errorf("failed to insert behavior request: %w", err)
		}

		created = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Created behavior request: id=%s student=%s", created.ID, created.StudentID)
	return created, nil
}

// GetRequest retrieves a live request by ID
func (m *Manager) GetRequest(ctx context.Context, requestID string) (*types.BehaviorRequest, error) {
	return getRequest(ctx, m.db, requestID)
}

// ListRequests returns every live request ordered by created_at, ties by id
func (m *Manager) ListRequests(ctx context.Context) ([]*types.BehaviorRequest, error) {
	rows, err := m.db.QueryContext(ctx, selectRequest+" ORDER BY r.created_at, r.id")
	if err != nil {
		return nil, fmt.Errorf("failed to query behavior requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var requests []*types.BehaviorRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan behavior request: %w", err)
		}
		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating behavior requests: %w", err)
	}

	return requests, nil
}

// ApplyAssignments rebinds waiting requests to kiosks in one transaction
func (m *Manager) ApplyAssignments(ctx context.Context, changes []types.AssignmentChange) error {
	if len(changes) == 0 {
		return nil
	}

	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE behavior_requests SET assigned_kiosk_id = ?
			WHERE id = ? AND status = 'waiting'
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare assignment update: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, change := range changes {
			if _, err := stmt.ExecContext(ctx, change.KioskID, change.RequestID); err != nil {
				return fmt.Errorf("failed to assign request %s: %w", change.RequestID, err)
			}
		}
		return nil
	})
}

// ClaimRequest sets the request active and records the kiosk occupant together
func (m *Manager) ClaimRequest(ctx context.Context, cmd types.ClaimCommand) error {
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		var busy int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM behavior_requests
			WHERE assigned_kiosk_id = ? AND status = 'active' AND id != ?
		`, cmd.KioskID, cmd.RequestID).Scan(&busy)
		if err != nil {
			return fmt.Errorf("failed to check kiosk occupancy: %w", err)
		}
		if busy > 0 {
			return types.ErrKioskBusy
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE behavior_requests SET status = 'active'
			WHERE id = ? AND student_id = ? AND status = 'waiting' AND assigned_kiosk_id = ?
		`, cmd.RequestID, cmd.StudentID, cmd.KioskID)
		if err != nil {
			return fmt.Errorf("failed to activate request: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := getRequest(ctx, tx, cmd.RequestID); err != nil {
				return err
			}
			return types.ErrClaimLost
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE kiosks SET current_student_id = ?, current_behavior_request_id = ?
			WHERE id = ? AND is_active = 1
		`, cmd.StudentID, cmd.RequestID, cmd.KioskID)
		if err != nil {
			return fmt.Errorf("failed to record kiosk occupant: %w", err)
		}
		if n, err = rowsAffected(res); err != nil {
			return err
		}
		if n == 0 {
			return types.ErrKioskInactive
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("Kiosk claimed request: kiosk=%d request=%s student=%s", cmd.KioskID, cmd.RequestID, cmd.StudentID)
	return nil
}

const selectReflection = `
	SELECT id, behavior_request_id, answer1, answer2, answer3, answer4,
		teacher_approved, revision_requested, teacher_feedback, submitted_at
	FROM reflections
	WHERE behavior_request_id = ?
`

func getReflection(ctx context.Context, q queryer, requestID string) (*types.Reflection, error) {
	var r types.Reflection
	var feedback sql.NullString
	var submittedAt sql.NullTime

	err := q.QueryRowContext(ctx, selectReflection, requestID).Scan(
		&r.ID,
		&r.BehaviorRequestID,
		&r.Answers[0],
		&r.Answers[1],
		&r.Answers[2],
		&r.Answers[3],
		&r.TeacherApproved,
		&r.RevisionRequested,
		&feedback,
		&submittedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrReflectionNotFound
		}
		return nil, fmt.Errorf("failed to query reflection: %w", err)
	}

	r.TeacherFeedback = nullableString(feedback)
	r.SubmittedAt = nullableTime(submittedAt)
	return &r, nil
}

// SubmitReflection upserts the reflection row and marks the request completed.
// Running it again for the same request replaces the answers; there is never more
// than one reflection row per request.
func (m *Manager) SubmitReflection(ctx context.Context, requestID string, answers types.Answers, submittedAt time.Time) (*types.Reflection, error) {
	var reflection *types.Reflection
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		req, err := getRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != types.StatusActive && req.Status != types.StatusCompleted {
			return types.ErrInvalidTransition
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reflections
				(id, behavior_request_id, answer1, answer2, answer3, answer4,
				 teacher_approved, revision_requested, submitted_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
			ON CONFLICT (behavior_request_id) DO UPDATE SET
				id = excluded.id,
				answer1 = excluded.answer1,
				answer2 = excluded.answer2,
				answer3 = excluded.answer3,
				answer4 = excluded.answer4,
				teacher_approved = 0,
				revision_requested = 0,
				submitted_at = excluded.submitted_at
		`,
			m.newID(submittedAt),
			requestID,
			answers[0],
			answers[1],
			answers[2],
			answers[3],
			submittedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert reflection: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE behavior_requests SET status = 'completed' WHERE id = ?", requestID); err != nil {
			return fmt.Errorf("failed to complete request: %w", err)
		}

		reflection, err = getReflection(ctx, tx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Reflection submitted: request=%s reflection=%s", requestID, reflection.ID)
	return reflection, nil
}

// GetReflection returns the live reflection of a request
func (m *Manager) GetReflection(ctx context.Context, requestID string) (*types.Reflection, error) {
	return getReflection(ctx, m.db, requestID)
}

// MarkInReview moves a completed request to review. Already in review is a no-op.
func (m *Manager) MarkInReview(ctx context.Context, requestID string) error {
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		req, err := getRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		switch req.Status {
		case types.StatusReview:
			return nil
		case types.StatusCompleted:
		default:
			return types.ErrInvalidTransition
		}

		_, err = tx.ExecContext(ctx, "UPDATE behavior_requests SET status = 'review' WHERE id = ?", requestID)
		if err != nil {
			return fmt.Errorf("failed to mark request in review: %w", err)
		}
		return nil
	})
}

// ApproveReflection archives the request, removes it from the live store and
// releases its kiosk.
func (m *Manager) ApproveReflection(ctx context.Context, requestID, approvedBy string, archivedAt time.Time) (*types.ReflectionArchive, error) {
	var archive *types.ReflectionArchive
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		req, err := getRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != types.StatusCompleted && req.Status != types.StatusReview {
			return types.ErrInvalidTransition
		}
		reflection, err := getReflection(ctx, tx, requestID)
		if err != nil {
			return err
		}

		a := &types.ReflectionArchive{
			ID:                uuid.New().String(),
			BehaviorRequestID: req.ID,
			StudentID:         req.StudentID,
			Behaviors:         req.Behaviors,
			Mood:              req.Mood,
			Answers:           reflection.Answers,
			ApprovedBy:        approvedBy,
			CreatedAt:         req.CreatedAt,
			ArchivedAt:        archivedAt.UTC(),
		}
		if reflection.TeacherFeedback != nil {
			a.TeacherFeedback = *reflection.TeacherFeedback
		}
		if reflection.SubmittedAt != nil {
			a.SubmittedAt = *reflection.SubmittedAt
		}

		behaviorsJSON, err := json.Marshal(a.Behaviors)
		if err != nil {
			return fmt.Errorf("failed to marshal behaviors: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reflection_archive
				(id, behavior_request_id, student_id, behaviors, mood,
				 answer1, answer2, answer3, answer4, teacher_feedback,
				 approved_by, created_at, submitted_at, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			a.ID, a.BehaviorRequestID, a.StudentID, string(behaviorsJSON), a.Mood,
			a.Answers[0], a.Answers[1], a.Answers[2], a.Answers[3], a.TeacherFeedback,
			a.ApprovedBy, a.CreatedAt, a.SubmittedAt, a.ArchivedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to archive reflection: %w", err)
		}

		if err := releaseOccupant(ctx, tx, requestID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM reflections WHERE behavior_request_id = ?", requestID); err != nil {
			return fmt.Errorf("failed to delete reflection: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM behavior_requests WHERE id = ?", requestID); err != nil {
			return fmt.Errorf("failed to delete behavior request: %w", err)
		}

		archive = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Reflection approved: request=%s student=%s by=%s", requestID, archive.StudentID, approvedBy)
	return archive, nil
}

// RequestRevision sends a completed request back to waiting with reviewer feedback.
// The request keeps its original created_at and its kiosk when that kiosk is still
// active.
func (m *Manager) RequestRevision(ctx context.Context, requestID, feedback string) (*types.BehaviorRequest, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, types.ErrFeedbackRequired
	}

	var updated *types.BehaviorRequest
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		req, err := getRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != types.StatusCompleted && req.Status != types.StatusReview {
			return types.ErrInvalidTransition
		}
		if _, err := getReflection(ctx, tx, requestID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE reflections
			SET revision_requested = 1, teacher_approved = 0, teacher_feedback = ?
			WHERE behavior_request_id = ?
		`, feedback, requestID)
		if err != nil {
			return fmt.Errorf("failed to record revision: %w", err)
		}

		var kioskID *int
		if req.AssignedKioskID != nil {
			var active bool
			err := tx.QueryRowContext(ctx, "SELECT is_active FROM kiosks WHERE id = ?", *req.AssignedKioskID).Scan(&active)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to query kiosk: %w", err)
			}
			if active {
				kioskID = req.AssignedKioskID
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE behavior_requests SET status = 'waiting', assigned_kiosk_id = ?
			WHERE id = ?
		`, kioskID, requestID)
		if err != nil {
			if isUniqueViolation(err) {
				return types.ErrDuplicateActiveRequest
			}
			return fmt.Errorf("failed to return request to waiting: %w", err)
		}

		if err := releaseOccupant(ctx, tx, requestID); err != nil {
			return err
		}

		updated, err = getRequest(ctx, tx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Revision requested: request=%s student=%s", requestID, updated.StudentID)
	return updated, nil
}

// ClearRequests deletes live requests created by requestedBy, or all of them when
// requestedBy is empty.
func (m *Manager) ClearRequests(ctx context.Context, requestedBy string) (int, error) {
	var cleared int64
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		const scope = "SELECT id FROM behavior_requests WHERE ? = '' OR requested_by = ?"

		_, err := tx.ExecContext(ctx, `
			UPDATE kiosks SET current_student_id = NULL, current_behavior_request_id = NULL
			WHERE current_behavior_request_id IN (`+scope+`)
		`, requestedBy, requestedBy)
		if err != nil {
			return fmt.Errorf("failed to release kiosks: %w", err)
		}

		_, err = tx.ExecContext(ctx, "DELETE FROM reflections WHERE behavior_request_id IN ("+scope+")", requestedBy, requestedBy)
		if err != nil {
			return fmt.Errorf("failed to delete reflections: %w", err)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM behavior_requests WHERE ? = '' OR requested_by = ?", requestedBy, requestedBy)
		if err != nil {
			return fmt.Errorf("failed to delete behavior requests: %w", err)
		}
		cleared, err = rowsAffected(res)
		return err
	})
	if err != nil {
		return 0, err
	}

	log.Printf("Cleared behavior requests: count=%d requested_by=%q", cleared, requestedBy)
	return int(cleared), nil
}

// ListArchive returns approved reflections, newest first. An empty studentID lists all.
func (m *Manager) ListArchive(ctx context.Context, studentID string) ([]*types.ReflectionArchive, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, behavior_request_id, student_id, behaviors, mood,
			answer1, answer2, answer3, answer4, teacher_feedback,
			approved_by, created_at, submitted_at, archived_at
		FROM reflection_archive
		WHERE ? = '' OR student_id = ?
		ORDER BY archived_at DESC, id
	`, studentID, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reflection archive: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var archive []*types.ReflectionArchive
	for rows.Next() {
		var a types.ReflectionArchive
		var behaviorsJSON string
		err := rows.Scan(
			&a.ID, &a.BehaviorRequestID, &a.StudentID, &behaviorsJSON, &a.Mood,
			&a.Answers[0], &a.Answers[1], &a.Answers[2], &a.Answers[3], &a.TeacherFeedback,
			&a.ApprovedBy, &a.CreatedAt, &a.SubmittedAt, &a.ArchivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %w", err)
		}
		if err := json.Unmarshal([]byte(behaviorsJSON), &a.Behaviors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal behaviors: %w", err)
		}
		archive = append(archive, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reflection archive: %w", err)
	}
	return archive, nil
}

// releaseOccupant clears the kiosk whose occupant is this request
func releaseOccupant(ctx context.Context, tx *sql.Tx, requestID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE kiosks SET current_student_id = NULL, current_behavior_request_id = NULL
		WHERE current_behavior_request_id = ?
	`, requestID)
	if err != nil {
		return fmt.Errorf("failed to release kiosk occupant: %w", err)
	}
	return nil
}
