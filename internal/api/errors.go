package api

import (
	"errors"
	"net/http"

	"kioskqueue/internal/auth"
	"kioskqueue/pkg/types"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error kind to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrSessionInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
