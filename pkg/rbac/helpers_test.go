package rbac

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/auth"
)

const sqliteSchema = `
CREATE TABLE permission_overrides (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	applet_id TEXT NOT NULL,
	role TEXT NOT NULL,
	permissions TEXT NOT NULL,
	updated_by INTEGER,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (applet_id, role)
)`

func newSQLiteStore(t *testing.T) *OverrideStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)
	return NewOverrideStore(db)
}

func newTestResolver(t *testing.T) (*Resolver, *OverrideStore) {
	t.Helper()
	manifests, err := NewManifests()
	require.NoError(t, err)
	store := newSQLiteStore(t)
	cache, err := NewOverrideCache(store, 0, nil)
	require.NoError(t, err)
	return NewResolver(manifests, cache, store), store
}

func withRole(r *http.Request, role auth.Role) *http.Request {
	claims := &auth.Claims{UserID: 7, Email: "someone@example.com", Role: role}
	return r.WithContext(auth.WithClaims(r.Context(), claims))
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}
