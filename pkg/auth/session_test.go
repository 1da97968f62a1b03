package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewTokenService_RejectsShortSecret(t *testing.T) {
	_, err := NewTokenService("short", "tenantgate")
	assert.Error(t, err)
}

func TestTokenService_IssueVerify(t *testing.T) {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	tokens, err := NewTokenService(testSecret, "tenantgate", WithTokenClock(func() time.Time { return now }))
	require.NoError(t, err)

	token, err := tokens.Issue(Claims{
		UserID:       42,
		Email:        "ada@example.com",
		Role:         RoleManager,
		AuthProvider: ProviderFederated,
		TenantID:     "TNT-ABCD1234",
	})
	require.NoError(t, err)

	claims, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, RoleManager, claims.Role)
	assert.Equal(t, ProviderFederated, claims.AuthProvider)
	assert.Equal(t, "TNT-ABCD1234", claims.TenantID)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, "tenantgate", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.True(t, now.Add(DefaultSessionTTL).Equal(claims.ExpiresAt.Time), "expires at %s", claims.ExpiresAt.Time)
}

func TestTokenService_VerifyFailures(t *testing.T) {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens, err := NewTokenService(testSecret, "tenantgate", WithTokenClock(clock))
	require.NoError(t, err)

	valid, err := tokens.Issue(Claims{UserID: 1, Role: RoleViewer})
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		later, err := NewTokenService(testSecret, "tenantgate",
			WithTokenClock(func() time.Time { return now.Add(25 * time.Hour) }))
		require.NoError(t, err)
		_, err = later.Verify(valid)
		assert.True(t, apperr.Is(err, apperr.KindAuth))
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewTokenService("ffffffffffffffffffffffffffffffff", "tenantgate", WithTokenClock(clock))
		require.NoError(t, err)
		_, err = other.Verify(valid)
		assert.True(t, apperr.Is(err, apperr.KindAuth))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := NewTokenService(testSecret, "someone-else", WithTokenClock(clock))
		require.NoError(t, err)
		_, err = other.Verify(valid)
		assert.True(t, apperr.Is(err, apperr.KindAuth))
	})

	t.Run("unexpected algorithm", func(t *testing.T) {
		claims := Claims{UserID: 1, RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tenantgate",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}}
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = tokens.Verify(unsigned)
		assert.True(t, apperr.Is(err, apperr.KindAuth))
	})

	t.Run("missing", func(t *testing.T) {
		_, err := tokens.Verify("")
		assert.True(t, apperr.Is(err, apperr.KindAuth))
	})
}

func TestSessionCookie(t *testing.T) {
	tokens, err := NewTokenService(testSecret, "tenantgate")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	tokens.SetSessionCookie(rec, CookieConfig{Secure: true}, "abc")
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, SessionCookieName, c.Name)
	assert.Equal(t, "abc", c.Value)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, int(DefaultSessionTTL.Seconds()), c.MaxAge)

	rec = httptest.NewRecorder()
	ClearSessionCookie(rec, CookieConfig{})
	cookies = rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestClaimsContext(t *testing.T) {
	assert.Nil(t, ClaimsFromContext(context.Background()))

	ctx := WithClaims(context.Background(), &Claims{UserID: 3})
	require.NotNil(t, ClaimsFromContext(ctx))
	assert.Equal(t, int64(3), ClaimsFromContext(ctx).UserID)
}
