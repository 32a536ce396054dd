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

func healthyCheck(context.Context) error { return nil }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		checkers   map[string]CheckerFunc
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "all dependencies usable",
			checkers:   map[string]CheckerFunc{"database": healthyCheck, "state_file": healthyCheck, "dispatcher": healthyCheck},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{"database": "healthy", "state_file": "healthy", "dispatcher": "healthy"},
		},
		{
			name: "database timing out degrades",
			checkers: map[string]CheckerFunc{
				"database":   func(context.Context) error { return context.DeadlineExceeded },
				"state_file": healthyCheck,
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"database": "timeout", "state_file": "healthy"},
		},
		{
			name:       "no checkers",
			checkers:   map[string]CheckerFunc{},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewHealthManager("1.2.3")
			for name, c := range tt.checkers {
				m.RegisterChecker(name, c)
			}
			rec := httptest.NewRecorder()
			m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			require.Equal(t, tt.wantCode, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "1.2.3", resp.Version)
			if tt.wantChecks != nil {
				assert.Equal(t, tt.wantChecks, resp.Checks)
			}
		})
	}
}

func TestHealthHandlerHaltedService(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("database", CheckerFunc(healthyCheck))
	m.RegisterChecker("state_file", CheckerFunc(func(context.Context) error {
		return errors.New("service halted: disk full")
	}))

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	req = req.WithContext(apperrors.WithRequestID(req.Context(), "req-7"))
	rec := httptest.NewRecorder()
	m.ReadinessHandler(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, apperrors.CodeServiceUnavailable, resp.Error.Code)
	assert.Equal(t, "req-7", resp.Error.RequestID)
	assert.Equal(t, "1.2.3", resp.Error.Details["version"])
	checks, isMap := resp.Error.Details["checks"].(map[string]any)
	require.True(t, isMap)
	assert.Equal(t, "unhealthy", checks["state_file"])
	assert.Equal(t, "healthy", checks["database"])
}

func TestLivenessIgnoresCheckers(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("database", CheckerFunc(func(context.Context) error { return errors.New("down") }))

	for _, h := range []http.HandlerFunc{m.LivenessHandler, m.StartupHandler} {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRegisterCheckerReplaces(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("database", CheckerFunc(func(context.Context) error { return errors.New("down") }))
	m.RegisterChecker("database", CheckerFunc(healthyCheck))

	assert.Equal(t, map[string]string{"database": "healthy"}, m.runChecks(context.Background()))
}

func TestGlobalHealthHandlers(t *testing.T) {
	original := GetHealthManager()
	t.Cleanup(func() {
		globalMu.Lock()
		globalHealthManager = original
		globalMu.Unlock()
	})

	handlers := map[string]http.HandlerFunc{
		"health":    HealthHandler,
		"liveness":  LivenessHandler,
		"readiness": ReadinessHandler,
		"startup":   StartupHandler,
	}

	globalMu.Lock()
	globalHealthManager = nil
	globalMu.Unlock()
	for name, h := range handlers {
		t.Run(name+" before init", func(t *testing.T) {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}

	m := InitHealthManager("test-version")
	require.Same(t, m, GetHealthManager())
	m.RegisterChecker("database", CheckerFunc(healthyCheck))
	for name, h := range handlers {
		t.Run(name+" after init", func(t *testing.T) {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}
