package httpserver

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
)

func TestWriteError_MapsCoreErrorCodeAndDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	err := domain.NewCoreError(domain.CodeQueueFull, domain.ErrQueueFull, map[string]any{"currentWaiting": 1, "maxQueueSize": 1})
	writeError(rec, httptest.NewRequest(http.MethodPost, "/v1/admit", nil), err, nil)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "QUEUE_FULL")
	require.Contains(t, rec.Body.String(), "currentWaiting")
}

func TestWriteError_BackendUnavailableMapsTo503(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodPost, "/v1/admit", nil), domain.ErrBackendUnavailable, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWriteError_UnknownErrorMapsTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodPost, "/v1/admit", nil), errors.New("boom"), nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
