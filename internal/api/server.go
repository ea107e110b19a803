// Package api exposes the queue, kiosk registry and device sessions over HTTP.
// Staff routes take an identity provider token; kiosk routes are keyed by the
// device session code in the path.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"kioskqueue/internal/auth"
	"kioskqueue/internal/clock"
	"kioskqueue/internal/devicesession"
	"kioskqueue/internal/kiosk"
	"kioskqueue/internal/queue"
	"kioskqueue/internal/websocket"
	"kioskqueue/pkg/types"
)

// FingerprintHeader carries the kiosk browser's device fingerprint
const FingerprintHeader = "X-Device-Fingerprint"

// HealthChecker reports store health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Registry is the websocket registry surface used for health output
type Registry interface {
	GetStats() map[string]int
}

// Config holds the HTTP layer's settings
type Config struct {
	JWTSecret           string
	DefaultSessionTTL   int
	KioskRequestsPerMin int
	AllowedOrigin       string
}

// Server wires HTTP routes to the queue services
type Server struct {
	queue    *queue.Service
	kiosks   *kiosk.Registry
	sessions *devicesession.Manager
	health   HealthChecker
	registry Registry
	ws       *websocket.Handler
	limiter  *RateLimiter
	clock    clock.Clock
	config   Config
	router   chi.Router
}

// NewServer creates the server and its routes
func NewServer(q *queue.Service, kiosks *kiosk.Registry, sessions *devicesession.Manager, health HealthChecker, registry Registry, ws *websocket.Handler, clk clock.Clock, config Config) *Server {
	if clk == nil {
		clk = clock.Real()
	}
	if config.KioskRequestsPerMin <= 0 {
		config.KioskRequestsPerMin = 100
	}
	if config.AllowedOrigin == "" {
		config.AllowedOrigin = "*"
	}
	s := &Server{
		queue:    q,
		kiosks:   kiosks,
		sessions: sessions,
		health:   health,
		registry: registry,
		ws:       ws,
		limiter:  NewRateLimiter(clk, config.KioskRequestsPerMin, time.Minute),
		clock:    clk,
		config:   config,
	}
	s.router = s.routes()
	return s
}

// Limiter exposes the kiosk rate limiter so the app can clean it up periodically
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)

	if s.ws != nil {
		r.Get("/ws", s.ws.HandleWebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.jsonMiddleware)

		r.Get("/health", s.healthCheck)
		r.With(s.kioskMiddleware).Get("/kiosk/s/{code}", s.handleValidate)

		r.Route("/api", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)

				r.Get("/queue", s.handleListQueue)
				r.Post("/queue", s.handleAddToQueue)
				r.Delete("/queue", s.handleClearQueues)
				r.Get("/queue/{id}/reflection", s.handleGetReflection)
				r.Post("/queue/{id}/review", s.handleMarkInReview)
				r.Post("/queue/{id}/approve", s.handleApprove)
				r.Post("/queue/{id}/revision", s.handleRevision)

				r.Get("/students/{id}/archive", s.handleArchive)

				r.Get("/kiosks", s.handleListKiosks)
				r.Post("/kiosks/activate", s.handleActivateKiosk)
				r.Post("/kiosks/deactivate-all", s.handleDeactivateAll)
				r.Post("/kiosks/{id}/deactivate", s.handleDeactivateKiosk)

				r.Post("/device-sessions", s.handleCreateSession)
			})

			r.Route("/kiosk/{code}", func(r chi.Router) {
				r.Use(s.kioskMiddleware)

				r.Get("/validate", s.handleValidate)
				r.Post("/heartbeat", s.handleHeartbeat)

				r.Group(func(r chi.Router) {
					r.Use(s.sessionMiddleware)

					r.Get("/queue", s.handleKioskQueue)
					r.Post("/verify", s.handleVerifyStudent)
					r.Post("/begin", s.handleBegin)
					r.Post("/reflection", s.handleSubmitReflection)
				})
			})
		})
	})

	return r
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Middleware

type actorKey struct{}
type codeKey struct{}
type validationKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			s.sendError(w, err)
			return
		}
		claims, err := auth.ParseToken(s.config.JWTSecret, token)
		if err != nil {
			s.sendError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, claims.Actor())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) types.Actor {
	actor, _ := ctx.Value(actorKey{}).(types.Actor)
	return actor
}

// kioskMiddleware checks the code format and applies the per-code rate limit
func (s *Server) kioskMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := types.NormalizeSessionCode(chi.URLParam(r, "code"))
		if !types.IsValidSessionCode(code) {
			s.sendError(w, types.ErrInvalidSessionCode)
			return
		}
		if !s.limiter.Allow(code) {
			s.sendMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		ctx := context.WithValue(r.Context(), codeKey{}, code)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func codeFrom(ctx context.Context) string {
	code, _ := ctx.Value(codeKey{}).(string)
	return code
}

// sessionMiddleware rejects kiosk calls without a valid device session
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := s.sessions.ValidateFor(r.Context(), codeFrom(r.Context()), r.Header.Get(FingerprintHeader))
		if !v.IsValid {
			s.sendError(w, types.ErrSessionExpired)
			return
		}
		ctx := context.WithValue(r.Context(), validationKey{}, v)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validationFrom(ctx context.Context) *types.Validation {
	v, _ := ctx.Value(validationKey{}).(*types.Validation)
	return v
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.config.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+FingerprintHeader)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Responses

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections,omitempty"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Timestamp: s.clock.Now(), Database: "healthy"}
	if err := s.health.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = fmt.Sprintf("error: %v", err)
	}
	if s.registry != nil {
		resp.Connections = s.registry.GetStats()
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) sendMessage(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// sendError replies with the status for err's kind. Internal errors are logged and
// not echoed.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		log.Printf("Internal error: %v", err)
		message = "internal error"
	}
	s.sendMessage(w, code, message)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", types.ErrInvalidInput)
	}
	return nil
}
