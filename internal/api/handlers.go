package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"kioskqueue/pkg/types"
)

// AddToQueueRequest is the body of POST /api/queue
type AddToQueueRequest struct {
	StudentID string   `json:"student_id"`
	Behaviors []string `json:"behaviors"`
	Mood      int      `json:"mood"`
	Urgent    bool     `json:"urgent"`
	Notes     string   `json:"notes"`
}

// RevisionRequest is the body of POST /api/queue/{id}/revision
type RevisionRequest struct {
	Feedback string `json:"feedback"`
}

// ActivateKioskRequest is the body of POST /api/kiosks/activate. A zero or
// missing kiosk_id activates the lowest inactive kiosk.
type ActivateKioskRequest struct {
	KioskID int `json:"kiosk_id"`
}

// CreateSessionRequest is the body of POST /api/device-sessions
type CreateSessionRequest struct {
	KioskID  int `json:"kiosk_id"`
	TTLHours int `json:"ttl_hours"`
}

// VerifyStudentRequest is the body of POST /api/kiosk/{code}/verify
type VerifyStudentRequest struct {
	StudentID string `json:"student_id"`
	Secret    string `json:"secret"`
}

// SubmitReflectionRequest is the body of POST /api/kiosk/{code}/reflection
type SubmitReflectionRequest struct {
	Answers types.Answers `json:"answers"`
}

// KioskQueueResponse is what a kiosk screen renders
type KioskQueueResponse struct {
	KioskID  int                      `json:"kiosk_id"`
	Requests []*types.BehaviorRequest `json:"requests"`
}

// Staff handlers

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	requests, err := s.queue.ListQueue(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

func (s *Server) handleAddToQueue(w http.ResponseWriter, r *http.Request) {
	var body AddToQueueRequest
	if err := decodeJSON(r, &body); err != nil {
		s.sendError(w, err)
		return
	}

	req, err := s.queue.AddToQueue(r.Context(), &types.NewRequest{
		StudentID:   body.StudentID,
		Behaviors:   body.Behaviors,
		Mood:        body.Mood,
		Urgent:      body.Urgent,
		Notes:       body.Notes,
		RequestedBy: actorFrom(r.Context()).UserID,
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, req)
}

func (s *Server) handleClearQueues(w http.ResponseWriter, r *http.Request) {
	removed, err := s.queue.ClearQueues(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleGetReflection(w http.ResponseWriter, r *http.Request) {
	reflection, err := s.queue.GetReflection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, reflection)
}

func (s *Server) handleMarkInReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.MarkInReview(r.Context(), id, actorFrom(r.Context())); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"id": id, "status": types.StatusReview})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	archived, err := s.queue.ApproveReflection(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, archived)
}

func (s *Server) handleRevision(w http.ResponseWriter, r *http.Request) {
	var body RevisionRequest
	if err := decodeJSON(r, &body); err != nil {
		s.sendError(w, err)
		return
	}

	req, err := s.queue.RequestRevision(r.Context(), chi.URLParam(r, "id"), body.Feedback, actorFrom(r.Context()))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, req)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	history, err := s.queue.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"archive": history})
}

func (s *Server) handleListKiosks(w http.ResponseWriter, r *http.Request) {
	kiosks, err := s.kiosks.List(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"kiosks": kiosks})
}

func (s *Server) handleActivateKiosk(w http.ResponseWriter, r *http.Request) {
	var body ActivateKioskRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.sendError(w, err)
			return
		}
	}

	id, err := s.kiosks.Activate(r.Context(), body.KioskID, actorFrom(r.Context()))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"kiosk_id": id})
}

func (s *Server) handleDeactivateKiosk(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		s.sendError(w, types.ErrInvalidKioskID)
		return
	}
	if err := s.kiosks.Deactivate(r.Context(), id); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"kiosk_id": id})
}

func (s *Server) handleDeactivateAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.kiosks.DeactivateAll(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"deactivated": n})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body CreateSessionRequest
	if err := decodeJSON(r, &body); err != nil {
		s.sendError(w, err)
		return
	}
	if body.TTLHours == 0 {
		body.TTLHours = s.config.DefaultSessionTTL
	}

	link, err := s.sessions.CreateSessionFor(r.Context(), body.KioskID, body.TTLHours, r.Header.Get(FingerprintHeader))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, link)
}

// Kiosk handlers

// handleValidate always answers 200; validity is in the body
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	v := s.sessions.ValidateFor(r.Context(), codeFrom(r.Context()), r.Header.Get(FingerprintHeader))
	s.sendJSON(w, http.StatusOK, v)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ok := s.sessions.Heartbeat(r.Context(), codeFrom(r.Context()))
	s.sendJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleKioskQueue(w http.ResponseWriter, r *http.Request) {
	kioskID := validationFrom(r.Context()).KioskID
	requests, err := s.queue.KioskQueue(r.Context(), kioskID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, KioskQueueResponse{KioskID: kioskID, Requests: requests})
}

func (s *Server) handleVerifyStudent(w http.ResponseWriter, r *http.Request) {
	var body VerifyStudentRequest
	if err := decodeJSON(r, &body); err != nil {
		s.sendError(w, err)
		return
	}
	if err := s.queue.VerifyStudent(r.Context(), body.StudentID, body.Secret); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	kioskID := validationFrom(r.Context()).KioskID
	req, err := s.queue.BeginReflection(r.Context(), kioskID, codeFrom(r.Context()))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, req)
}

// handleSubmitReflection submits for the request in progress on the session's kiosk
func (s *Server) handleSubmitReflection(w http.ResponseWriter, r *http.Request) {
	var body SubmitReflectionRequest
	if err := decodeJSON(r, &body); err != nil {
		s.sendError(w, err)
		return
	}

	active, err := s.queue.ActiveRequest(r.Context(), validationFrom(r.Context()).KioskID)
	if err != nil {
		s.sendError(w, err)
		return
	}

	reflection, err := s.queue.SubmitReflection(r.Context(), active.ID, body.Answers)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, reflection)
}
