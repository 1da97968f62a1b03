package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteJSON(w, http.StatusOK, map[string]string{"key": "value"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"key":"value"}`, w.Body.String())
}

func TestWriteMessage(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteMessage(w, "done"))
	assert.JSONEq(t, `{"message":"done"}`, w.Body.String())
}

func TestWriteAppError_Kinds(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"validation", apperr.Validation("email is required"), http.StatusBadRequest, "validation_error"},
		{"auth", apperr.Auth("invalid token"), http.StatusUnauthorized, "auth_error"},
		{"conflict", apperr.Conflict("already initialized"), http.StatusConflict, "conflict"},
		{"csrf", apperr.Csrf("state mismatch"), http.StatusBadRequest, "csrf_error"},
		{"quota", apperr.QuotaExceeded("tenants", 2, 2), http.StatusBadRequest, "quota_exceeded"},
		{"unclassified", errors.New("database exploded"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/x", nil)

			WriteAppError(w, r, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.wantKind, resp.Error)
		})
	}
}

func TestWriteAppError_HidesInternalMessage(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)

	WriteAppError(w, r, errors.New("pq: password authentication failed"))

	resp := decodeError(t, w)
	assert.Equal(t, "internal server error", resp.Message)
	assert.NotContains(t, w.Body.String(), "password authentication")
}

func TestWriteAppError_PermissionDeniedListsMissing(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)

	WriteAppError(w, r, apperr.PermissionDenied([]string{"seo:content:write", "seo:analysis:run"}))

	assert.Equal(t, http.StatusForbidden, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, []string{"seo:content:write", "seo:analysis:run"}, resp.Missing)
}

func TestWriteAppError_SurfacesProviderMessage(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)

	WriteAppError(w, r, apperr.ExternalService("identity provider", errors.New("AADSTS70008: code expired")))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Contains(t, resp.Message, "AADSTS70008")
}
