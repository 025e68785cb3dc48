// internal/handler/response.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
)

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps a service error to its HTTP status code.
func StatusFor(err error) int {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, appErrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, appErrors.ErrInvalidTransitionKind):
		return http.StatusConflict
	case errors.Is(err, appErrors.ErrInvalidConfig),
		errors.Is(err, appErrors.ErrInvalidFilter),
		errors.Is(err, appErrors.ErrBadRequest),
		errors.As(err, &verr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// WriteError writes {"error": "..."}. Internal errors are logged and their
// detail is not exposed.
func WriteError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = http.StatusText(status)
	}
	WriteJSON(w, status, map[string]string{"error": msg})
}
