package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/httputil"
)

func TestHandlers_Search(t *testing.T) {
	store := &memStore{entries: []Entry{
		{ID: "1", Action: ActionTenantCreate, TargetType: TargetTenant},
		{ID: "2", Action: ActionLogin, TargetType: TargetUser},
	}}

	router := mux.NewRouter()
	NewHandlers(store).RegisterRoutes(router, httputil.Guards{})

	t.Run("filters by target type", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit?targetType=tenant", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Entries []Entry `json:"entries"`
			Count   int     `json:"count"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, 1, body.Count)
		assert.Equal(t, ActionTenantCreate, body.Entries[0].Action)
	})

	t.Run("rejects malformed since", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit?since=yesterday", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "validation_error")
	})

	t.Run("admin guard applies", func(t *testing.T) {
		guarded := mux.NewRouter()
		NewHandlers(store).RegisterRoutes(guarded, httputil.Guards{
			Admin: func(http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusForbidden)
				})
			},
		})
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestParseFilter(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/audit?actorId=4&action=login,logout&limit=20&offset=40&since=2026-01-02T00:00:00Z", nil)
	f, err := parseFilter(r)
	require.NoError(t, err)
	require.NotNil(t, f.ActorID)
	assert.Equal(t, int64(4), *f.ActorID)
	assert.Equal(t, []Action{ActionLogin, ActionLogout}, f.Actions)
	assert.Equal(t, 20, f.Limit)
	assert.Equal(t, 40, f.Offset)
	require.NotNil(t, f.Since)

	_, err = parseFilter(httptest.NewRequest(http.MethodGet, "/audit?actorId=x", nil))
	assert.Error(t, err)
}
