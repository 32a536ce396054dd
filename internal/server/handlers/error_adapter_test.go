package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/webjobd/internal/errors"
)

func TestRespondWithErrorJobAPI(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{"unknown job", apperrors.NotFound("job j1 not found"), http.StatusNotFound, apperrors.CodeNotFound, "job j1 not found"},
		{"failed job", apperrors.Conflict("job j1 failed"), http.StatusConflict, apperrors.CodeConflict, "job j1 failed"},
		{"expired job", apperrors.Gone("job j1 has expired"), http.StatusGone, apperrors.CodeGone, "job j1 has expired"},
		{"job still running", apperrors.Unavailable("job j1 is RUNNING"), http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "job j1 is RUNNING"},
		{"database down", apperrors.NewExternalServiceError("could not read job"), http.StatusBadGateway, apperrors.CodeExternalService, "could not read job"},
		{"bad upload", apperrors.BadRequest(`invalid upload file name "../x"`), http.StatusBadRequest, apperrors.CodeBadRequest, `invalid upload file name "../x"`},
		{"plain error hides its text", errors.New("open /srv/jobs/j1: permission denied"), http.StatusInternalServerError, apperrors.CodeInternal, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs/j1", nil)
			req = req.WithContext(apperrors.WithRequestID(req.Context(), "req-1"))
			rec := httptest.NewRecorder()

			respondWithError(rec, req, tt.err)

			require.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var resp apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Equal(t, tt.wantMessage, resp.Error.Message)
			assert.Equal(t, "req-1", resp.Error.RequestID)
		})
	}
}

func TestRespondWithErrorWrappedInternal(t *testing.T) {
	err := apperrors.WrapInternal(context.Background(), errors.New("disk full"), "create job directory")
	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodPost, "/jobs", nil), err)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
	assert.Contains(t, rec.Body.String(), "create job directory")
}

func TestSetHTTPErrorResponder(t *testing.T) {
	t.Cleanup(ResetHTTPErrorResponder)

	var got error
	SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, err error) {
		got = err
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/jobs/j1", nil), apperrors.NotFound("job j1 not found"))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	ae, isApp := apperrors.As(got)
	require.True(t, isApp)
	assert.Equal(t, apperrors.CodeNotFound, ae.Code)

	SetHTTPErrorResponder(nil)
	rec = httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/jobs/j1", nil), apperrors.NotFound("job j1 not found"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
