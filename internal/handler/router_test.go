package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
)

func TestStatusFor(t *testing.T) {
	type req struct {
		TenantID string `validate:"required"`
	}
	verr := validator.New().Struct(req{})
	require.Error(t, verr)

	tests := []struct {
		err  error
		want int
	}{
		{appErrors.NewCampaignNotFound("x"), http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", appErrors.NewCampaignNotFound("x")), http.StatusNotFound},
		{appErrors.NewInvalidTransition("x", "completed", "resume"), http.StatusConflict},
		{appErrors.InvalidConfig("batch_size"), http.StatusBadRequest},
		{appErrors.InvalidFilter("nobody"), http.StatusBadRequest},
		{appErrors.BadRequest("bad json"), http.StatusBadRequest},
		{verr, http.StatusBadRequest},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestWriteError_HidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, zerolog.Nop(), errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "Internal Server Error", body["error"])

	w = httptest.NewRecorder()
	WriteError(w, zerolog.Nop(), appErrors.NewCampaignNotFound("abc"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "campaign with ID abc not found", body["error"])
}

func TestRouter_OpsEndpoints(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	healthy := true
	r := NewRouter(RouterConfig{
		Metrics: metrics,
		Health: map[string]Pinger{
			"database": func(context.Context) error {
				if healthy {
					return nil
				}
				return errors.New("down")
			},
		},
	}, zerolog.Nop())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "# metrics", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	healthy = false
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "down")
}
