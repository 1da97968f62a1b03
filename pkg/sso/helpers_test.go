package sso

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
)

const (
	testClientID = "tenantgate-client"
	testKeyID    = "test-key"
)

// fakeIdP is an OIDC issuer with a Graph-style directory under /graph.
type fakeIdP struct {
	server             *httptest.Server
	key                *rsa.PrivateKey
	tokenCalls         atomic.Int32
	clientAuthRejected atomic.Bool

	mu     sync.Mutex
	claims jwt.MapClaims
	me     map[string]interface{}
	groups []map[string]string
	// memberOfStatus, when set, is returned by /graph/me/memberOf instead of a page.
	memberOfStatus int
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdP{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"issuer":                                idp.server.URL,
			"authorization_endpoint":                idp.server.URL + "/authorize",
			"token_endpoint":                        idp.server.URL + "/token",
			"jwks_uri":                              idp.server.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKeyID,
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		idp.tokenCalls.Add(1)
		_ = r.ParseForm()
		if _, _, ok := r.BasicAuth(); ok || r.Form.Get("client_id") == "" {
			idp.clientAuthRejected.Store(true)
			writeTestJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "invalid_client",
			})
			return
		}
		if r.Form.Get("code") == "expired-code" {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "authorization code expired",
			})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": "user-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idp.idToken(t),
		})
	})
	mux.HandleFunc("/graph/me", func(w http.ResponseWriter, r *http.Request) {
		idp.mu.Lock()
		defer idp.mu.Unlock()
		if idp.me == nil {
			http.Error(w, "no profile", http.StatusNotFound)
			return
		}
		writeTestJSON(w, http.StatusOK, idp.me)
	})
	mux.HandleFunc("/graph/me/memberOf", func(w http.ResponseWriter, r *http.Request) {
		idp.mu.Lock()
		defer idp.mu.Unlock()
		if idp.memberOfStatus != 0 {
			http.Error(w, "directory unavailable", idp.memberOfStatus)
			return
		}
		values := make([]map[string]string, len(idp.groups))
		copy(values, idp.groups)
		writeTestJSON(w, http.StatusOK, map[string]interface{}{"value": values})
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)

	idp.claims = jwt.MapClaims{
		"sub":                "subject-1",
		"oid":                "object-1",
		"preferred_username": "ada@example.com",
		"name":               "Ada Lovelace",
		"email":              "Ada@Example.com",
		"nonce":              NonceFor("s"),
	}
	return idp
}

func (p *fakeIdP) idToken(t *testing.T) string {
	p.mu.Lock()
	claims := jwt.MapClaims{}
	for k, v := range p.claims {
		claims[k] = v
	}
	p.mu.Unlock()

	now := time.Now()
	claims["iss"] = p.server.URL
	claims["aud"] = testClientID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(time.Hour).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(p.key)
	require.NoError(t, err)
	return signed
}

func (p *fakeIdP) config() *Config {
	cfg := &Config{
		ID:           1,
		Provider:     "entra",
		Enabled:      true,
		ClientID:     testClientID,
		ClientSecret: "client-secret",
		IssuerURL:    p.server.URL,
		RedirectURL:  "https://app.example.com/sso/callback",
		Scopes:       []string{"openid", "profile", "email"},
		GroupRoleMapping: map[string]auth.Role{
			"Platform Admins": auth.RoleAdmin,
			"Editors":         auth.RoleEditor,
		},
		DefaultRole:   auth.RoleViewer,
		AutoProvision: true,
		UpdatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	return cfg
}

func writeTestJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// memConfigs is an in-memory ConfigStore.
type memConfigs struct {
	mu      sync.Mutex
	configs map[string]*Config
}

func newMemConfigs(configs ...*Config) *memConfigs {
	m := &memConfigs{configs: map[string]*Config{}}
	for _, c := range configs {
		m.configs[c.Provider] = c
	}
	return m
}

func (m *memConfigs) GetEnabled(ctx context.Context) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.configs {
		if c.Enabled {
			copied := *c
			return &copied, nil
		}
	}
	return nil, apperr.NotFound("sso config not found")
}

func (m *memConfigs) Get(ctx context.Context, provider string) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[provider]
	if !ok {
		return nil, apperr.NotFound("sso config not found")
	}
	copied := *c
	return &copied, nil
}

func (m *memConfigs) List(ctx context.Context) ([]*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Config{}
	for _, c := range m.configs {
		out = append(out, c.Masked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (m *memConfigs) Save(ctx context.Context, c *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *c
	if prev, ok := m.configs[c.Provider]; ok && (c.ClientSecret == "" || c.ClientSecret == MaskedSecret) {
		stored.ClientSecret = prev.ClientSecret
	}
	stored.UpdatedAt = time.Now()
	m.configs[c.Provider] = &stored
	c.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *memConfigs) Delete(ctx context.Context, provider string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.configs[provider]
	delete(m.configs, provider)
	return ok, nil
}

// memUsers is an in-memory federated user store.
type memUsers struct {
	mu          sync.Mutex
	nextID      int64
	byExternal  map[string]*auth.User
	upsertErr   map[string]error
	deactivated []string
}

func newMemUsers(users ...*auth.User) *memUsers {
	m := &memUsers{byExternal: map[string]*auth.User{}, upsertErr: map[string]error{}, nextID: 100}
	for _, u := range users {
		u.AuthProvider = auth.ProviderFederated
		m.byExternal[u.ExternalID] = u
	}
	return m
}

func (m *memUsers) GetByExternalID(ctx context.Context, externalID string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byExternal[externalID]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	copied := *u
	return &copied, nil
}

func (m *memUsers) UpsertFederated(ctx context.Context, p auth.FederatedProfile) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.upsertErr[p.ExternalID]; err != nil {
		return nil, err
	}
	u, ok := m.byExternal[p.ExternalID]
	if !ok {
		m.nextID++
		u = &auth.User{ID: m.nextID, ExternalID: p.ExternalID, AuthProvider: auth.ProviderFederated}
		m.byExternal[p.ExternalID] = u
	}
	u.Email = auth.NormalizeEmail(p.Email)
	u.DisplayName = p.DisplayName
	u.Role = p.Role
	u.IsActive = p.IsActive
	u.Groups = p.Groups
	u.JobTitle = p.JobTitle
	u.Department = p.Department
	copied := *u
	return &copied, nil
}

func (m *memUsers) TouchLastLogin(ctx context.Context, id int64) error {
	return nil
}

func (m *memUsers) ActiveFederatedExternalIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, u := range m.byExternal {
		if u.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memUsers) DeactivateByExternalID(ctx context.Context, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byExternal[externalID]
	if !ok || !u.IsActive {
		return false, nil
	}
	u.IsActive = false
	m.deactivated = append(m.deactivated, externalID)
	return true, nil
}

func (m *memUsers) get(externalID string) *auth.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byExternal[externalID]
}

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

func newTestTokens(t *testing.T) *auth.TokenService {
	t.Helper()
	tokens, err := auth.NewTokenService("0123456789abcdef0123456789abcdef", "tenantgate-test")
	require.NoError(t, err)
	return tokens
}
