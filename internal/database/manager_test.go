package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kioskqueue/internal/auth"
	"kioskqueue/pkg/database"
	"kioskqueue/pkg/types"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Test database setup helpers
func setupTestDB(t *testing.T) (*Manager, func()) {
	t.Helper()

	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	cleanup := func() {
		_ = manager.Close()
	}
	return manager, cleanup
}

func seedStudents(t *testing.T, m *Manager, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := m.UpsertStudent(context.Background(), &types.Student{ID: id, Name: "Student " + id}); err != nil {
			t.Fatalf("UpsertStudent(%s): %v", id, err)
		}
	}
}

func seedKiosks(t *testing.T, m *Manager, count int, active ...int) {
	t.Helper()
	ctx := context.Background()
	if err := m.EnsureKiosks(ctx, count); err != nil {
		t.Fatalf("EnsureKiosks: %v", err)
	}
	for _, id := range active {
		if _, err := m.ActivateKiosk(ctx, id, "admin", baseTime); err != nil {
			t.Fatalf("ActivateKiosk(%d): %v", id, err)
		}
	}
}

func addRequest(t *testing.T, m *Manager, studentID string, offset time.Duration) *types.BehaviorRequest {
	t.Helper()
	req, err := m.CreateRequest(context.Background(), &types.NewRequest{
		StudentID:   studentID,
		Behaviors:   []string{"disruptive"},
		Mood:        50,
		RequestedBy: "teacher1",
	}, baseTime.Add(offset))
	if err != nil {
		t.Fatalf("CreateRequest(%s): %v", studentID, err)
	}
	return req
}

func assign(t *testing.T, m *Manager, requestID string, kioskID int) {
	t.Helper()
	if err := m.ApplyAssignments(context.Background(), []types.AssignmentChange{{RequestID: requestID, KioskID: &kioskID}}); err != nil {
		t.Fatalf("ApplyAssignments: %v", err)
	}
}

// claimAndSubmit walks a request through active and completed on kiosk 1
func claimAndSubmit(t *testing.T, m *Manager, req *types.BehaviorRequest) {
	t.Helper()
	ctx := context.Background()
	assign(t, m, req.ID, 1)
	if err := m.ClaimRequest(ctx, types.ClaimCommand{RequestID: req.ID, StudentID: req.StudentID, KioskID: 1, ClaimedAt: baseTime}); err != nil {
		t.Fatalf("ClaimRequest: %v", err)
	}
	answers := types.Answers{"I talked over the teacher", "It distracted everyone", "I felt bored today", "Ask for a break next time"}
	if _, err := m.SubmitReflection(ctx, req.ID, answers, baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("SubmitReflection: %v", err)
	}
}

func TestManager_CreateRequestUniqueness(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")

	ctx := context.Background()
	req := addRequest(t, manager, "s1", 0)

	if req.Status != types.StatusWaiting {
		t.Errorf("Expected status waiting, got %s", req.Status)
	}
	if req.StudentName != "Student s1" {
		t.Errorf("Expected student name to be joined, got %q", req.StudentName)
	}

	_, err := manager.CreateRequest(ctx, &types.NewRequest{StudentID: "s1", Behaviors: []string{"late"}, Mood: 10}, baseTime)
	if !errors.Is(err, types.ErrDuplicateActiveRequest) {
		t.Errorf("Expected ErrDuplicateActiveRequest, got %v", err)
	}

	requests, err := manager.ListRequests(ctx)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(requests) != 1 {
		t.Errorf("Expected exactly one live request, got %d", len(requests))
	}
}

func TestManager_CreateRequestUnknownStudent(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := manager.CreateRequest(context.Background(), &types.NewRequest{StudentID: "ghost", Behaviors: []string{"late"}}, baseTime)
	if !errors.Is(err, types.ErrStudentNotFound) {
		t.Errorf("Expected ErrStudentNotFound, got %v", err)
	}
}

func TestManager_ListRequestsOrdering(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1", "s2", "s3")

	r2 := addRequest(t, manager, "s2", 2*time.Second)
	r1 := addRequest(t, manager, "s1", time.Second)
	r3 := addRequest(t, manager, "s3", 3*time.Second)

	requests, err := manager.ListRequests(context.Background())
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	want := []string{r1.ID, r2.ID, r3.ID}
	for i, req := range requests {
		if req.ID != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], req.ID)
		}
		if !req.CreatedAt.Equal(baseTime.Add(time.Duration(i+1) * time.Second)) {
			t.Errorf("index %d: created_at did not round-trip: %v", i, req.CreatedAt)
		}
	}
}

func TestManager_ApplyAssignmentsSkipsNonWaiting(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")
	seedKiosks(t, manager, 2, 1, 2)

	ctx := context.Background()
	req := addRequest(t, manager, "s1", 0)
	assign(t, manager, req.ID, 1)

	if err := manager.ClaimRequest(ctx, types.ClaimCommand{RequestID: req.ID, StudentID: "s1", KioskID: 1}); err != nil {
		t.Fatalf("ClaimRequest: %v", err)
	}

	// A plan computed before the claim must not move the active request
	assign(t, manager, req.ID, 2)

	got, err := manager.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.AssignedKioskID == nil || *got.AssignedKioskID != 1 {
		t.Errorf("Expected active request to stay on kiosk 1, got %v", got.AssignedKioskID)
	}

	if err := manager.ApplyAssignments(ctx, nil); err != nil {
		t.Errorf("empty plan should be a no-op, got %v", err)
	}
}

func TestManager_ClaimRequest(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1", "s2")
	seedKiosks(t, manager, 2, 1, 2)

	ctx := context.Background()
	r1 := addRequest(t, manager, "s1", 0)
	r2 := addRequest(t, manager, "s2", time.Second)
	assign(t, manager, r1.ID, 1)
	assign(t, manager, r2.ID, 1)

	if err := manager.ClaimRequest(ctx, types.ClaimCommand{RequestID: r1.ID, StudentID: "s1", KioskID: 1}); err != nil {
		t.Fatalf("ClaimRequest: %v", err)
	}

	kiosk, err := manager.GetKiosk(ctx, 1)
	if err != nil {
		t.Fatalf("GetKiosk: %v", err)
	}
	if kiosk.CurrentStudentID == nil || *kiosk.CurrentStudentID != "s1" {
		t.Errorf("Expected kiosk occupant s1, got %v", kiosk.CurrentStudentID)
	}
	if kiosk.CurrentBehaviorRequestID == nil || *kiosk.CurrentBehaviorRequestID != r1.ID {
		t.Errorf("Expected kiosk request %s, got %v", r1.ID, kiosk.CurrentBehaviorRequestID)
	}

	tests := []struct {
		name string
		cmd  types.ClaimCommand
		want error
	}{
		{"second claim of same request", types.ClaimCommand{RequestID: r1.ID, StudentID: "s1", KioskID: 2}, types.ErrClaimLost},
		{"kiosk already has an active reflection", types.ClaimCommand{RequestID: r2.ID, StudentID: "s2", KioskID: 1}, types.ErrKioskBusy},
		{"request assigned elsewhere", types.ClaimCommand{RequestID: r2.ID, StudentID: "s2", KioskID: 2}, types.ErrClaimLost},
		{"stale request", types.ClaimCommand{RequestID: "missing", StudentID: "s2", KioskID: 2}, types.ErrRequestNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := manager.ClaimRequest(ctx, tt.cmd)
			if !errors.Is(err, tt.want) {
				t.Errorf("ClaimRequest() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestManager_ClaimRequestInactiveKioskRollsBack(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")
	seedKiosks(t, manager, 1, 1)

	ctx := context.Background()
	req := addRequest(t, manager, "s1", 0)
	assign(t, manager, req.ID, 1)

	// Flip the kiosk inactive without letting requeue clear the assignment
	if _, err := manager.GetDB().Exec("UPDATE kiosks SET is_active = 0 WHERE id = 1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	err := manager.ClaimRequest(ctx, types.ClaimCommand{RequestID: req.ID, StudentID: "s1", KioskID: 1})
	if !errors.Is(err, types.ErrKioskInactive) {
		t.Fatalf("Expected ErrKioskInactive, got %v", err)
	}

	got, _ := manager.GetRequest(ctx, req.ID)
	if got.Status != types.StatusWaiting {
		t.Errorf("Expected request to stay waiting after rollback, got %s", got.Status)
	}
}

func TestManager_ConcurrentClaims(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")
	seedKiosks(t, manager, 1, 1)

	req := addRequest(t, manager, "s1", 0)
	assign(t, manager, req.ID, 1)

	const claimers = 8
	var wg sync.WaitGroup
	results := make(chan error, claimers)

	wg.Add(claimers)
	for i := 0; i < claimers; i++ {
		go func() {
			defer wg.Done()
			results <- manager.ClaimRequest(context.Background(), types.ClaimCommand{RequestID: req.ID, StudentID: "s1", KioskID: 1})
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, types.ErrConflict):
		default:
			t.Errorf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("Expected exactly one winning claim, got %d", wins)
	}
}

func TestManager_SubmitReflectionUpsert(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")
	seedKiosks(t, manager, 1, 1)

	ctx := context.Background()
	req := addRequest(t, manager, "s1", 0)
	claimAndSubmit(t, manager, req)

	got, _ := manager.GetRequest(ctx, req.ID)
	if got.Status != types.StatusCompleted {
		t.Errorf("Expected status completed, got %s", got.Status)
	}

	first, err := manager.GetReflection(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetReflection: %v", err)
	}
	if first.SubmittedAt == nil {
		t.Error("Expected submitted_at to be set")
	}

	// Re-running the submission supersedes the row instead of adding one
	answers := types.Answers{"second attempt answer", "second attempt answer", "second attempt answer", "second attempt answer"}
	second, err := manager.SubmitReflection(ctx, req.ID, answers, baseTime.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("SubmitReflection rerun: %v", err)
	}
	if second.ID == first.ID {
		t.Error("Expected a new reflection id on resubmission")
	}
	if second.Answers != answers {
		t.Errorf("Expected answers to be replaced, got %v", second.Answers)
	}

	var count int
	if err := manager.GetDB().QueryRow("SELECT COUNT(*) FROM reflections WHERE behavior_request_id = ?", req.ID).Scan(&count); err != nil {
		t.Fatalf("count reflections: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected one reflection row, got %d", count)
	}

	if _, err := manager.SubmitReflection(ctx, "missing", answers, baseTime); !errors.Is(err, types.ErrRequestNotFound) {
		t.Errorf("Expected ErrRequestNotFound for stale id, got %v", err)
	}
}

func TestManager_SubmitReflectionAcceptsShortAnswers(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")
	seedKiosks(t, manager, 1, 1)

	ctx := context.Background()
	req := addRequest(t, manager, "s1", 0)
	assign(t, manager, req.ID, 1)
	if err := manager.ClaimRequest(ctx, types.ClaimCommand{RequestID: req.ID, StudentID: "s1", KioskID: 1}); err != nil {
		t.Fatalf("ClaimRequest: %v", err)
	}

	if _, err := manager.SubmitReflection(ctx, req.ID, types.Answers{"a", "b", "c", "d"}, baseTime); err != nil {
		t.Errorf("store must not enforce answer length, got %v", err)
	}
}

func TestManager_SubmitReflectionRequiresActive(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")

	req := addRequest(t, manager, "s1", 0)
	_, err := manager.SubmitReflection(context.Background(), req.ID, types.Answers{}, baseTime)
	if !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for a waiting request, got %v", err)
	}
}

func TestManager_ApproveReflection(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")
	seedKiosks(t, manager, 1, 1)

	ctx := context.Background()
	req := addRequest(t, manager, "s1", 0)
	claimAndSubmit(t, manager, req)

	if err := manager.MarkInReview(ctx, req.ID); err != nil {
		t.Fatalf("MarkInReview: %v", err)
	}
	if err := manager.MarkInReview(ctx, req.ID); err != nil {
		t.Errorf("MarkInReview should be idempotent, got %v", err)
	}

	archive, err := manager.ApproveReflection(ctx, req.ID, "teacher1", baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("ApproveReflection: %v", err)
	}
	if archive.StudentID != "s1" || archive.ApprovedBy != "teacher1" {
		t.Errorf("unexpected archive %+v", archive)
	}

	if _, err := manager.GetRequest(ctx, req.ID); !errors.Is(err, types.ErrRequestNotFound) {
		t.Errorf("Expected request to be removed, got %v", err)
	}
	if _, err := manager.GetReflection(ctx, req.ID); !errors.Is(err, types.ErrReflectionNotFound) {
		t.Errorf("Expected reflection to be removed, got %v", err)
	}

	kiosk, _ := manager.GetKiosk(ctx, 1)
	if kiosk.CurrentStudentID != nil || kiosk.CurrentBehaviorRequestID != nil {
		t.Errorf("Expected kiosk occupant to be cleared, got %v/%v", kiosk.CurrentStudentID, kiosk.CurrentBehaviorRequestID)
	}

	history, err := manager.ListArchive(ctx, "s1")
	if err != nil {
		t.Fatalf("ListArchive: %v", err)
	}
	if len(history) != 1 || history[0].BehaviorRequestID != req.ID {
		t.Errorf("Expected one archive entry for %s, got %+v", req.ID, history)
	}
	if len(history[0].Behaviors) != 1 || history[0].Behaviors[0] != "disruptive" {
		t.Errorf("Expected behaviors to round-trip, got %v", history[0].Behaviors)
	}

	// The student may be queued again
	addRequest(t, manager, "s1", 2*time.Hour)
}

func TestManager_ApproveReflectionRequiresCompleted(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")

	req := addRequest(t, manager, "s1", 0)
	if _, err := manager.ApproveReflection(context.Background(), req.ID, "t", baseTime); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestManager_RequestRevision(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")
	seedKiosks(t, manager, 2, 1)

	ctx := context.Background()
	req := addRequest(t, manager, "s1", 0)
	claimAndSubmit(t, manager, req)

	if _, err := manager.RequestRevision(ctx, req.ID, "   "); !errors.Is(err, types.ErrFeedbackRequired) {
		t.Errorf("Expected ErrFeedbackRequired, got %v", err)
	}

	updated, err := manager.RequestRevision(ctx, req.ID, "expand on Q2")
	if err != nil {
		t.Fatalf("RequestRevision: %v", err)
	}
	if updated.Status != types.StatusWaiting {
		t.Errorf("Expected status waiting, got %s", updated.Status)
	}
	if !updated.CreatedAt.Equal(req.CreatedAt) {
		t.Errorf("Expected original created_at %v, got %v", req.CreatedAt, updated.CreatedAt)
	}
	if updated.AssignedKioskID == nil || *updated.AssignedKioskID != 1 {
		t.Errorf("Expected request to keep active kiosk 1, got %v", updated.AssignedKioskID)
	}

	reflection, err := manager.GetReflection(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetReflection: %v", err)
	}
	if !reflection.RevisionRequested {
		t.Error("Expected revision_requested to be true")
	}
	if reflection.TeacherFeedback == nil || *reflection.TeacherFeedback != "expand on Q2" {
		t.Errorf("Expected feedback to be stored, got %v", reflection.TeacherFeedback)
	}

	kiosk, _ := manager.GetKiosk(ctx, 1)
	if kiosk.CurrentBehaviorRequestID != nil {
		t.Error("Expected kiosk occupant to be released on revision")
	}

	if _, err := manager.CreateRequest(ctx, &types.NewRequest{StudentID: "s1", Behaviors: []string{"late"}}, baseTime); !errors.Is(err, types.ErrDuplicateActiveRequest) {
		t.Errorf("revised request is live again, expected ErrDuplicateActiveRequest, got %v", err)
	}
}

func TestManager_RequestRevisionConflictsWithNewerLiveRequest(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")
	seedKiosks(t, manager, 1, 1)

	ctx := context.Background()
	first := addRequest(t, manager, "s1", 0)
	claimAndSubmit(t, manager, first)

	// A completed request is not live, so staff may queue the student again
	second := addRequest(t, manager, "s1", 2*time.Minute)

	_, err := manager.RequestRevision(ctx, first.ID, "expand on Q3")
	if !errors.Is(err, types.ErrDuplicateActiveRequest) || !errors.Is(err, types.ErrConflict) {
		t.Fatalf("Expected ErrDuplicateActiveRequest, got %v", err)
	}

	got, err := manager.GetRequest(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != types.StatusCompleted {
		t.Errorf("Expected first request to stay completed, got %s", got.Status)
	}
	reflection, err := manager.GetReflection(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetReflection: %v", err)
	}
	if reflection.RevisionRequested || reflection.TeacherFeedback != nil {
		t.Error("Expected the rejected revision to leave the reflection untouched")
	}

	live, err := manager.GetRequest(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if live.Status != types.StatusWaiting {
		t.Errorf("Expected newer request to stay waiting, got %s", live.Status)
	}
}

func TestManager_RequestRevisionDropsInactiveKiosk(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")
	seedKiosks(t, manager, 1, 1)

	ctx := context.Background()
	req := addRequest(t, manager, "s1", 0)
	claimAndSubmit(t, manager, req)

	if err := manager.DeactivateKiosk(ctx, 1); err != nil {
		t.Fatalf("DeactivateKiosk: %v", err)
	}

	updated, err := manager.RequestRevision(ctx, req.ID, "redo question three")
	if err != nil {
		t.Fatalf("RequestRevision: %v", err)
	}
	if updated.AssignedKioskID != nil {
		t.Errorf("Expected inactive kiosk to be dropped, got %v", *updated.AssignedKioskID)
	}
}

func TestManager_ClearRequests(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1", "s2", "s3")
	seedKiosks(t, manager, 1, 1)

	ctx := context.Background()
	r1 := addRequest(t, manager, "s1", 0)
	_, err := manager.CreateRequest(ctx, &types.NewRequest{StudentID: "s2", Behaviors: []string{"late"}, RequestedBy: "teacher2"}, baseTime.Add(time.Second))
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	addRequest(t, manager, "s3", 2*time.Second)
	claimAndSubmit(t, manager, r1)

	cleared, err := manager.ClearRequests(ctx, "teacher1")
	if err != nil {
		t.Fatalf("ClearRequests: %v", err)
	}
	if cleared != 2 {
		t.Errorf("Expected 2 requests cleared for teacher1, got %d", cleared)
	}

	kiosk, _ := manager.GetKiosk(ctx, 1)
	if kiosk.CurrentBehaviorRequestID != nil {
		t.Error("Expected occupant of a cleared request to be released")
	}

	remaining, _ := manager.ListRequests(ctx)
	if len(remaining) != 1 || remaining[0].RequestedBy != "teacher2" {
		t.Errorf("Expected only teacher2's request to remain, got %d", len(remaining))
	}

	if cleared, err = manager.ClearRequests(ctx, ""); err != nil || cleared != 1 {
		t.Errorf("ClearRequests(all) = %d, %v", cleared, err)
	}
}

func TestManager_KioskActivation(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedKiosks(t, manager, 2)

	ctx := context.Background()

	// Provisioning twice leaves existing rows alone
	if err := manager.EnsureKiosks(ctx, 2); err != nil {
		t.Fatalf("EnsureKiosks: %v", err)
	}

	id, err := manager.ActivateKiosk(ctx, 0, "admin", baseTime)
	if err != nil || id != 1 {
		t.Fatalf("ActivateKiosk(auto) = %d, %v; want 1", id, err)
	}
	id, err = manager.ActivateKiosk(ctx, 0, "admin", baseTime)
	if err != nil || id != 2 {
		t.Fatalf("ActivateKiosk(auto) = %d, %v; want 2", id, err)
	}
	if _, err := manager.ActivateKiosk(ctx, 0, "admin", baseTime); !errors.Is(err, types.ErrNoKioskAvailable) {
		t.Errorf("Expected ErrNoKioskAvailable, got %v", err)
	}
	if _, err := manager.ActivateKiosk(ctx, 9, "admin", baseTime); !errors.Is(err, types.ErrKioskNotFound) {
		t.Errorf("Expected ErrKioskNotFound, got %v", err)
	}

	kiosk, _ := manager.GetKiosk(ctx, 1)
	if !kiosk.IsActive || kiosk.ActivatedBy == nil || *kiosk.ActivatedBy != "admin" || kiosk.ActivatedAt == nil {
		t.Errorf("unexpected kiosk after activation: %+v", kiosk)
	}

	count, err := manager.DeactivateAllKiosks(ctx)
	if err != nil || count != 2 {
		t.Errorf("DeactivateAllKiosks() = %d, %v; want 2", count, err)
	}
}

func TestManager_DeactivateClearsOccupantAndRequeues(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedStudents(t, manager, "s1")
	seedKiosks(t, manager, 1, 1)

	ctx := context.Background()
	req := addRequest(t, manager, "s1", 0)
	assign(t, manager, req.ID, 1)
	if err := manager.ClaimRequest(ctx, types.ClaimCommand{RequestID: req.ID, StudentID: "s1", KioskID: 1}); err != nil {
		t.Fatalf("ClaimRequest: %v", err)
	}

	if err := manager.DeactivateKiosk(ctx, 1); err != nil {
		t.Fatalf("DeactivateKiosk: %v", err)
	}

	kiosk, _ := manager.GetKiosk(ctx, 1)
	if kiosk.IsActive || kiosk.CurrentStudentID != nil || kiosk.CurrentBehaviorRequestID != nil {
		t.Errorf("Expected inactive, unoccupied kiosk, got %+v", kiosk)
	}

	got, _ := manager.GetRequest(ctx, req.ID)
	if got.Status != types.StatusWaiting || got.AssignedKioskID != nil {
		t.Errorf("Expected in-progress request to be requeued unassigned, got %s/%v", got.Status, got.AssignedKioskID)
	}

	if err := manager.DeactivateKiosk(ctx, 42); !errors.Is(err, types.ErrKioskNotFound) {
		t.Errorf("Expected ErrKioskNotFound, got %v", err)
	}
}

func TestManager_DeviceSessionLifecycle(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedKiosks(t, manager, 2, 1)

	ctx := context.Background()
	expires := baseTime.Add(2 * time.Hour)

	if _, err := manager.CreateDeviceSession(ctx, 2, "fp", baseTime, expires); !errors.Is(err, types.ErrKioskInactive) {
		t.Errorf("Expected ErrKioskInactive, got %v", err)
	}
	if _, err := manager.CreateDeviceSession(ctx, 7, "fp", baseTime, expires); !errors.Is(err, types.ErrKioskNotFound) {
		t.Errorf("Expected ErrKioskNotFound, got %v", err)
	}
	if _, err := manager.CreateDeviceSession(ctx, 1, "fp", baseTime, baseTime); !errors.Is(err, types.ErrInvalidTTL) {
		t.Errorf("Expected ErrInvalidTTL, got %v", err)
	}

	session, err := manager.CreateDeviceSession(ctx, 1, "fp-original", baseTime, expires)
	if err != nil {
		t.Fatalf("CreateDeviceSession: %v", err)
	}
	if !types.IsValidSessionCode(session.ID) || session.ID != types.NormalizeSessionCode(session.ID) {
		t.Errorf("Expected 8-char uppercase code, got %q", session.ID)
	}

	tests := []struct {
		name         string
		code         string
		fingerprint  string
		now          time.Time
		wantValid    bool
		wantMismatch bool
		wantSeconds  int
	}{
		{"matching fingerprint", session.ID, "fp-original", baseTime.Add(time.Hour), true, false, 3600},
		{"lower-case code", "  " + lower(session.ID), "fp-original", baseTime.Add(time.Hour), true, false, 3600},
		{"drifted fingerprint recovers", session.ID, "fp-new", baseTime.Add(time.Hour), true, true, 3600},
		{"new fingerprint now matches", session.ID, "fp-new", baseTime.Add(time.Hour), true, false, 3600},
		{"expired", session.ID, "fp-new", expires, false, false, 0},
		{"unknown code", "ZZZZZZZZ", "fp-new", baseTime, false, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := manager.ValidateDeviceSession(ctx, tt.code, tt.fingerprint, tt.now)
			if err != nil {
				t.Fatalf("ValidateDeviceSession: %v", err)
			}
			if v.IsValid != tt.wantValid || v.FingerprintMismatch != tt.wantMismatch || v.RemainingSeconds != tt.wantSeconds {
				t.Errorf("got %+v, want valid=%v mismatch=%v seconds=%d", v, tt.wantValid, tt.wantMismatch, tt.wantSeconds)
			}
		})
	}

	stored, err := manager.GetDeviceSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetDeviceSession: %v", err)
	}
	if stored.DeviceFingerprint != "fp-new" {
		t.Errorf("Expected stored fingerprint fp-new, got %s", stored.DeviceFingerprint)
	}

	ok, err := manager.Heartbeat(ctx, session.ID, baseTime.Add(90*time.Minute))
	if err != nil || !ok {
		t.Fatalf("Heartbeat() = %v, %v", ok, err)
	}
	stored, _ = manager.GetDeviceSession(ctx, session.ID)
	if !stored.LastHeartbeat.Equal(baseTime.Add(90 * time.Minute)) {
		t.Errorf("Expected last_heartbeat to move, got %v", stored.LastHeartbeat)
	}
	if !stored.ExpiresAt.Equal(expires) {
		t.Errorf("Heartbeat must not extend expires_at, got %v", stored.ExpiresAt)
	}

	if ok, err := manager.Heartbeat(ctx, "NOPE1234", baseTime); err != nil || ok {
		t.Errorf("Heartbeat(unknown) = %v, %v; want false, nil", ok, err)
	}
}

func TestManager_SessionInvalidWhenKioskDeactivated(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()
	seedKiosks(t, manager, 1, 1)

	ctx := context.Background()
	session, err := manager.CreateDeviceSession(ctx, 1, "fp", baseTime, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateDeviceSession: %v", err)
	}

	if err := manager.DeactivateKiosk(ctx, 1); err != nil {
		t.Fatalf("DeactivateKiosk: %v", err)
	}

	v, err := manager.ValidateDeviceSession(ctx, session.ID, "other-fp", baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("ValidateDeviceSession: %v", err)
	}
	if v.IsValid {
		t.Error("Session on an inactive kiosk must be invalid")
	}
	if v.KioskID != 1 {
		t.Errorf("Expected kiosk id to be reported, got %d", v.KioskID)
	}

	stored, _ := manager.GetDeviceSession(ctx, session.ID)
	if stored.DeviceFingerprint != "fp" {
		t.Error("Fingerprint must only be rewritten for an otherwise valid session")
	}
}

func TestManager_StudentSecret(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	hash, err := auth.HashSecret("2012-04-01")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if err := manager.UpsertStudent(ctx, &types.Student{ID: "s1", Name: "Sam", SecretHash: hash}); err != nil {
		t.Fatalf("UpsertStudent: %v", err)
	}
	// Renaming without a secret keeps the stored hash
	if err := manager.UpsertStudent(ctx, &types.Student{ID: "s1", Name: "Samuel"}); err != nil {
		t.Fatalf("UpsertStudent: %v", err)
	}

	student, _ := manager.GetStudent(ctx, "s1")
	if student.Name != "Samuel" {
		t.Errorf("Expected name update, got %s", student.Name)
	}

	if err := manager.VerifyStudentSecret(ctx, "s1", "2012-04-01"); err != nil {
		t.Errorf("VerifyStudentSecret(correct) = %v", err)
	}
	if err := manager.VerifyStudentSecret(ctx, "s1", "1999-01-01"); !errors.Is(err, types.ErrStudentVerification) {
		t.Errorf("Expected ErrStudentVerification, got %v", err)
	}
	if err := manager.VerifyStudentSecret(ctx, "ghost", "x"); !errors.Is(err, types.ErrStudentNotFound) {
		t.Errorf("Expected ErrStudentNotFound, got %v", err)
	}
	if err := manager.UpsertStudent(ctx, &types.Student{ID: "bad id"}); !errors.Is(err, types.ErrInvalidStudentID) {
		t.Errorf("Expected ErrInvalidStudentID, got %v", err)
	}
}

func TestManager_SingleWriterPattern(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	const numWrites = 10
	ids := make([]string, numWrites)
	for i := range ids {
		ids[i] = fmt.Sprintf("student-%d", i)
	}
	seedStudents(t, manager, ids...)

	var wg sync.WaitGroup
	errs := make(chan error, numWrites)

	wg.Add(numWrites)
	for i := 0; i < numWrites; i++ {
		go func(id int) {
			defer wg.Done()
			_, err := manager.CreateRequest(context.Background(), &types.NewRequest{
				StudentID: ids[id],
				Behaviors: []string{"late"},
			}, baseTime.Add(time.Duration(id)*time.Millisecond))
			if err != nil {
				errs <- err
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent write failed: %v", err)
	}

	requests, err := manager.ListRequests(context.Background())
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(requests) != numWrites {
		t.Errorf("Expected %d requests, got %d", numWrites, len(requests))
	}
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	manager, _ := setupTestDB(t)

	if err := manager.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	err := manager.EnsureKiosks(context.Background(), 1)
	if !errors.Is(err, types.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable after close, got %v", err)
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
