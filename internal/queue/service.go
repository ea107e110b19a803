// Package queue runs the behavior request lifecycle: enqueueing, assignment
// passes, kiosk claims and the reflection review cycle. Every transition is one
// store command followed by invalidation events.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"kioskqueue/internal/assignment"
	"kioskqueue/internal/clock"
	"kioskqueue/internal/hub"
	"kioskqueue/pkg/interfaces"
	"kioskqueue/pkg/types"
)

// Service is the queue's operation surface
type Service struct {
	store interfaces.Store
	bus   interfaces.EventBus
	clock clock.Clock

	// passMu serializes assignment passes within this process
	passMu sync.Mutex
}

// NewService creates a new queue service
func NewService(store interfaces.Store, bus interfaces.EventBus, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		store: store,
		bus:   bus,
		clock: clk,
	}
}

// AddToQueue validates and inserts a waiting request, then runs an assignment pass.
// The returned request carries its kiosk and position after the pass.
func (s *Service) AddToQueue(ctx context.Context, req *types.NewRequest) (*types.BehaviorRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Notes = strings.TrimSpace(req.Notes)

	created, err := s.store.CreateRequest(ctx, req, s.clock.Now())
	if err != nil {
		return nil, err
	}
	hub.Notify(ctx, s.bus, types.TableBehaviorRequests, types.OpInsert, created.ID)

	requests, err := s.Rebalance(ctx)
	if err != nil {
		log.Printf("Warning: assignment pass failed after insert: request=%s err=%v", created.ID, err)
		return created, nil
	}
	for _, r := range requests {
		if r.ID == created.ID {
			return r, nil
		}
	}
	return created, nil
}

// ListQueue returns every live request with derived positions
func (s *Service) ListQueue(ctx context.Context) ([]*types.BehaviorRequest, error) {
	requests, err := s.store.ListRequests(ctx)
	if err != nil {
		return nil, err
	}
	assignment.Annotate(requests)
	return requests, nil
}

// KioskQueue returns the live requests bound to one kiosk: its active request
// first, then the waiting line in position order.
func (s *Service) KioskQueue(ctx context.Context, kioskID int) ([]*types.BehaviorRequest, error) {
	requests, err := s.ListQueue(ctx)
	if err != nil {
		return nil, err
	}

	var active, waiting []*types.BehaviorRequest
	for _, r := range requests {
		if r.AssignedKioskID == nil || *r.AssignedKioskID != kioskID {
			continue
		}
		switch r.Status {
		case types.StatusActive:
			active = append(active, r)
		case types.StatusWaiting:
			waiting = append(waiting, r)
		}
	}
	// ListRequests is oldest first, which is position order within one kiosk
	return append(active, waiting...), nil
}

// Rebalance runs one assignment pass and persists the changed bindings. It
// returns the live requests as they stand after the pass, positions stamped.
func (s *Service) Rebalance(ctx context.Context) ([]*types.BehaviorRequest, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	requests, err := s.store.ListRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	kiosks, err := s.store.ListKiosks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list kiosks: %w", err)
	}

	plan := assignment.Assign(requests, kiosks)
	if plan.Empty() {
		assignment.Annotate(requests)
		return requests, nil
	}

	if err := s.store.ApplyAssignments(ctx, plan.Changes); err != nil {
		return nil, fmt.Errorf("failed to apply assignments: %w", err)
	}
	assignment.ApplyPlan(requests, plan)

	log.Printf("Assignment pass applied: changes=%d active_kiosks=%d", len(plan.Changes), len(plan.Queues))
	hub.Notify(ctx, s.bus, types.TableBehaviorRequests, types.OpUpdate, "")
	return requests, nil
}

// checkSession confirms the code names an unexpired session on this kiosk and the
// kiosk is active
func (s *Service) checkSession(ctx context.Context, kioskID int, code string) error {
	code = types.NormalizeSessionCode(code)
	if !types.IsValidSessionCode(code) {
		return types.ErrInvalidSessionCode
	}

	session, err := s.store.GetDeviceSession(ctx, code)
	if errors.Is(err, types.ErrSessionNotFound) {
		return types.ErrSessionExpired
	}
	if err != nil {
		return err
	}
	if session.KioskID != kioskID {
		return types.ErrSessionKioskDiffer
	}
	if !s.clock.Now().Before(session.ExpiresAt) {
		return types.ErrSessionExpired
	}

	kiosk, err := s.store.GetKiosk(ctx, kioskID)
	if err != nil {
		return err
	}
	if !kiosk.IsActive {
		return types.ErrSessionExpired
	}
	return nil
}

// BeginReflection claims the position-1 request of a kiosk for the student at it.
// When another writer wins the claim, the next request in line is tried; the
// number of attempts is bounded by the queue length seen on the first read.
func (s *Service) BeginReflection(ctx context.Context, kioskID int, sessionCode string) (*types.BehaviorRequest, error) {
	if err := s.checkSession(ctx, kioskID, sessionCode); err != nil {
		return nil, err
	}

	attempts := -1
	for {
		requests, err := s.store.ListRequests(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list requests: %w", err)
		}
		if attempts < 0 {
			attempts = len(requests)
		}

		next := assignment.NextInLine(requests, kioskID)
		if next == nil {
			return nil, types.ErrQueueEmpty
		}

		err = s.store.ClaimRequest(ctx, types.ClaimCommand{
			RequestID: next.ID,
			StudentID: next.StudentID,
			KioskID:   kioskID,
			ClaimedAt: s.clock.Now(),
		})
		switch {
		case err == nil:
			next.Status = types.StatusActive
			next.Position = 0
			hub.Notify(ctx, s.bus, types.TableBehaviorRequests, types.OpUpdate, next.ID)
			hub.Notify(ctx, s.bus, types.TableKiosks, types.OpUpdate, fmt.Sprint(kioskID))
			return next, nil
		case errors.Is(err, types.ErrClaimLost):
			attempts--
			if attempts <= 0 {
				return nil, err
			}
			log.Printf("Claim lost, trying next in line: kiosk=%d request=%s", kioskID, next.ID)
		default:
			return nil, err
		}
	}
}

// ActiveRequest returns the request currently in progress on a kiosk
func (s *Service) ActiveRequest(ctx context.Context, kioskID int) (*types.BehaviorRequest, error) {
	kiosk, err := s.store.GetKiosk(ctx, kioskID)
	if err != nil {
		return nil, err
	}
	if kiosk.CurrentBehaviorRequestID == nil {
		return nil, ErrNoActiveRequest
	}
	req, err := s.store.GetRequest(ctx, *kiosk.CurrentBehaviorRequestID)
	if errors.Is(err, types.ErrRequestNotFound) {
		return nil, ErrNoActiveRequest
	}
	return req, err
}

// SubmitReflection records the four answers and marks the request completed.
// Answer length is checked by the kiosk client, not here.
func (s *Service) SubmitReflection(ctx context.Context, requestID string, answers types.Answers) (*types.Reflection, error) {
	reflection, err := s.store.SubmitReflection(ctx, requestID, answers, s.clock.Now())
	if err != nil {
		return nil, err
	}

	hub.Notify(ctx, s.bus, types.TableReflections, types.OpUpdate, reflection.ID)
	hub.Notify(ctx, s.bus, types.TableBehaviorRequests, types.OpUpdate, requestID)
	return reflection, nil
}

// GetReflection returns the live reflection of a request
func (s *Service) GetReflection(ctx context.Context, requestID string) (*types.Reflection, error) {
	return s.store.GetReflection(ctx, requestID)
}

// MarkInReview records that a reviewer opened a completed reflection
func (s *Service) MarkInReview(ctx context.Context, requestID string, actor types.Actor) error {
	if !types.IsStaffRole(actor.Role) {
		return types.ErrRoleNotPermitted
	}
	if err := s.store.MarkInReview(ctx, requestID); err != nil {
		return err
	}
	hub.Notify(ctx, s.bus, types.TableBehaviorRequests, types.OpUpdate, requestID)
	return nil
}

// ApproveReflection archives the reflection and removes the request from the queue
func (s *Service) ApproveReflection(ctx context.Context, requestID string, actor types.Actor) (*types.ReflectionArchive, error) {
	if !types.IsStaffRole(actor.Role) {
		return nil, types.ErrRoleNotPermitted
	}

	archived, err := s.store.ApproveReflection(ctx, requestID, actor.UserID, s.clock.Now())
	if err != nil {
		return nil, err
	}

	hub.Notify(ctx, s.bus, types.TableReflections, types.OpDelete, requestID)
	hub.Notify(ctx, s.bus, types.TableBehaviorRequests, types.OpDelete, requestID)
	hub.Notify(ctx, s.bus, types.TableKiosks, types.OpUpdate, "")
	return archived, nil
}

// RequestRevision sends a completed reflection back to the queue with feedback and
// runs an assignment pass so the request lands on an active kiosk.
func (s *Service) RequestRevision(ctx context.Context, requestID, feedback string, actor types.Actor) (*types.BehaviorRequest, error) {
	if !types.IsStaffRole(actor.Role) {
		return nil, types.ErrRoleNotPermitted
	}
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, types.ErrFeedbackRequired
	}

	req, err := s.store.RequestRevision(ctx, requestID, feedback)
	if err != nil {
		return nil, err
	}
	hub.Notify(ctx, s.bus, types.TableReflections, types.OpUpdate, requestID)
	hub.Notify(ctx, s.bus, types.TableBehaviorRequests, types.OpUpdate, requestID)
	hub.Notify(ctx, s.bus, types.TableKiosks, types.OpUpdate, "")

	requests, err := s.Rebalance(ctx)
	if err != nil {
		log.Printf("Warning: assignment pass failed after revision: request=%s err=%v", requestID, err)
		return req, nil
	}
	for _, r := range requests {
		if r.ID == req.ID {
			return r, nil
		}
	}
	return req, nil
}

// ClearQueues removes live requests. Teachers clear the requests they created;
// admins clear everything.
func (s *Service) ClearQueues(ctx context.Context, actor types.Actor) (int, error) {
	var scope string
	switch {
	case types.CanClearAllQueues(actor.Role):
		scope = ""
	case actor.Role == types.RoleTeacher:
		scope = actor.UserID
	default:
		return 0, types.ErrRoleNotPermitted
	}

	removed, err := s.store.ClearRequests(ctx, scope)
	if err != nil {
		return 0, err
	}
	log.Printf("Queues cleared: by=%s role=%s removed=%d", actor.UserID, actor.Role, removed)

	if removed > 0 {
		hub.Notify(ctx, s.bus, types.TableBehaviorRequests, types.OpDelete, "")
		hub.Notify(ctx, s.bus, types.TableKiosks, types.OpUpdate, "")
		if _, err := s.Rebalance(ctx); err != nil {
			log.Printf("Warning: assignment pass failed after clear: err=%v", err)
		}
	}
	return removed, nil
}

// VerifyStudent checks the student's secondary credential before they start at a kiosk
func (s *Service) VerifyStudent(ctx context.Context, studentID, secret string) error {
	if err := s.store.VerifyStudentSecret(ctx, studentID, secret); err != nil {
		log.Printf("Student verification failed: student=%s", studentID)
		return err
	}
	return nil
}

// Archive returns the approved reflection history of a student
func (s *Service) Archive(ctx context.Context, studentID string) ([]*types.ReflectionArchive, error) {
	return s.store.ListArchive(ctx, studentID)
}
