package auth

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
)

type captureRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureRecorder) Record(ctx context.Context, e audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *captureRecorder) actions() []audit.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.Action, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Action
	}
	return out
}

type handlerFixture struct {
	router   *mux.Router
	mock     sqlmock.Sqlmock
	recorder *captureRecorder
	tokens   *TokenService
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	f := newServiceFixture(t, nil)
	recorder := &captureRecorder{}
	h := NewHandlers(f.svc, f.svc.tokens, CookieConfig{}, recorder, nil, nil)

	router := mux.NewRouter()
	h.RegisterRoutes(router, httputil.Guards{})
	return &handlerFixture{router: router, mock: f.mock, recorder: recorder, tokens: f.svc.tokens}
}

func (f *handlerFixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	var body httputil.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	return nil
}

func TestHandlers_SetupOnlyOnce(t *testing.T) {
	f := newHandlerFixture(t)
	setup := SetupInput{Email: "root@example.com", Password: "CorrectHorse42", DisplayName: "Root"}

	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("LOCK TABLE users").WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	f.mock.ExpectQuery("INSERT INTO users").
		WithArgs("root@example.com", sqlmock.AnyArg(), "Root", "admin", "local", true,
			nil, sqlmock.AnyArg(), nil, nil, fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	f.mock.ExpectCommit()

	rec := f.do(http.MethodPost, "/setup", setup)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, RoleAdmin, resp.User.Role)
	require.NotNil(t, sessionCookie(rec))

	claims, err := f.tokens.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), claims.UserID)

	// Second call.
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rec = f.do(http.MethodPost, "/setup", setup)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "conflict", body.Error)
	assert.Equal(t, "already initialized", body.Message)

	assert.Equal(t, []audit.Action{audit.ActionSetup}, f.recorder.actions())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandlers_SetupRace(t *testing.T) {
	f := newHandlerFixture(t)

	// The pre-check passes but another bootstrap committed first.
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("LOCK TABLE users").WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	f.mock.ExpectRollback()

	rec := f.do(http.MethodPost, "/setup", SetupInput{Email: "root@example.com", Password: "CorrectHorse42"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandlers_SetupWeakPassword(t *testing.T) {
	f := newHandlerFixture(t)
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	rec := f.do(http.MethodPost, "/setup", SetupInput{Email: "root@example.com", Password: "password"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "validation_error", body.Error)
	assert.NotEmpty(t, body.Details["unmet"])
}

func TestHandlers_SetupOverlongPassword(t *testing.T) {
	f := newHandlerFixture(t)
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	rec := f.do(http.MethodPost, "/setup", SetupInput{Email: "root@example.com", Password: "Aa1" + strings.Repeat("x", 77)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "validation_error", body.Error)
	assert.Equal(t, []interface{}{"at most 72 bytes"}, body.Details["unmet"])
}

func TestHandlers_Login(t *testing.T) {
	hash := mustHash(t, "CorrectHorse42")

	t.Run("success sets cookie", func(t *testing.T) {
		f := newHandlerFixture(t)
		f.mock.ExpectQuery("SELECT .* FROM users WHERE lower").
			WillReturnRows(userRows(&User{ID: 3, Email: "ada@example.com", PasswordHash: hash,
				Role: RoleEditor, AuthProvider: ProviderLocal, IsActive: true}))
		f.mock.ExpectExec("UPDATE users SET last_login_at").WillReturnResult(sqlmock.NewResult(0, 1))

		rec := f.do(http.MethodPost, "/login", loginRequest{Email: "ada@example.com", Password: "CorrectHorse42"})
		require.Equal(t, http.StatusOK, rec.Code)
		c := sessionCookie(rec)
		require.NotNil(t, c)
		assert.True(t, c.HttpOnly)
		assert.Equal(t, []audit.Action{audit.ActionLogin}, f.recorder.actions())
	})

	t.Run("failure is audited", func(t *testing.T) {
		f := newHandlerFixture(t)
		f.mock.ExpectQuery("SELECT .* FROM users WHERE lower").WillReturnError(sql.ErrNoRows)

		rec := f.do(http.MethodPost, "/login", loginRequest{Email: "nobody@example.com", Password: "x"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, sessionCookie(rec))
		assert.Equal(t, []audit.Action{audit.ActionLoginFailed}, f.recorder.actions())
	})

	t.Run("missing body", func(t *testing.T) {
		f := newHandlerFixture(t)
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandlers_Logout(t *testing.T) {
	f := newHandlerFixture(t)
	token, err := f.tokens.Issue(Claims{UserID: 3, Email: "ada@example.com", Role: RoleViewer})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	c := sessionCookie(rec)
	require.NotNil(t, c)
	assert.Equal(t, -1, c.MaxAge)
	assert.Equal(t, []audit.Action{audit.ActionLogout}, f.recorder.actions())
}

func TestHandlers_ForgotPasswordIsGeneric(t *testing.T) {
	f := newHandlerFixture(t)
	f.mock.ExpectQuery("SELECT .* FROM users WHERE lower").WillReturnError(sql.ErrNoRows)

	rec := f.do(http.MethodPost, "/forgot-password", forgotPasswordRequest{Email: "ghost@example.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), forgotPasswordMessage)
	assert.Empty(t, f.recorder.actions())
}

func TestHandlers_MeAndVerify(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no session in context")

	f.mock.ExpectQuery(`SELECT .* FROM users WHERE id = \$1`).
		WillReturnRows(userRows(&User{ID: 3, Email: "ada@example.com", Role: RoleEditor, AuthProvider: ProviderLocal, IsActive: true}))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req = req.WithContext(WithClaims(req.Context(), &Claims{UserID: 3, Role: RoleEditor}))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"ada@example.com"`)
	assert.NotContains(t, rec.Body.String(), "password")

	req = httptest.NewRequest(http.MethodGet, "/verify", nil)
	req = req.WithContext(WithClaims(req.Context(), &Claims{UserID: 3, Role: RoleEditor}))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), `"valid":true`)
}

func TestHandlers_UpdateUserSelfDemotion(t *testing.T) {
	f := newHandlerFixture(t)

	body, _ := json.Marshal(map[string]interface{}{"role": "viewer"})
	req := httptest.NewRequest(http.MethodPatch, "/users/1", bytes.NewReader(body))
	req = req.WithContext(WithClaims(req.Context(), &Claims{UserID: 1, Role: RoleAdmin}))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandlers_UpdateUser(t *testing.T) {
	f := newHandlerFixture(t)

	f.mock.ExpectExec("UPDATE users SET").
		WithArgs(nil, nil, false, fixedNow, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .* FROM users WHERE id = \$1`).
		WillReturnRows(userRows(&User{ID: 7, Email: "x@example.com", Role: RoleViewer, AuthProvider: ProviderLocal, IsActive: false}))

	body, _ := json.Marshal(map[string]interface{}{"isActive": false})
	req := httptest.NewRequest(http.MethodPatch, "/users/7", bytes.NewReader(body))
	req = req.WithContext(WithClaims(req.Context(), &Claims{UserID: 1, Email: "root@example.com", Role: RoleAdmin}))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.recorder.entries, 1)
	entry := f.recorder.entries[0]
	assert.Equal(t, audit.ActionUserUpdate, entry.Action)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, int64(1), *entry.ActorID)
	assert.Equal(t, false, entry.Details["isActive"])
}
