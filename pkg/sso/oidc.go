package sso

import (
	"context"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
)

// Provider is a discovered OIDC issuer bound to one config version.
type Provider struct {
	config   *Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth2   *oauth2.Config
}

// OAuth2Config returns the authorization code settings.
func (p *Provider) OAuth2Config() *oauth2.Config {
	return p.oauth2
}

// TokenURL is the discovered token endpoint.
func (p *Provider) TokenURL() string {
	return p.provider.Endpoint().TokenURL
}

// AppTokenSource returns client-credential tokens for directory calls.
func (p *Provider) AppTokenSource(ctx context.Context) oauth2.TokenSource {
	cc := &clientcredentials.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		TokenURL:     p.TokenURL(),
		Scopes:       p.config.DirectoryScopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return cc.TokenSource(ctx)
}

// Verify checks the ID token signature against the provider's JWKS, plus
// issuer, audience and expiry, and decodes the identity claims.
func (p *Provider) Verify(ctx context.Context, rawIDToken string) (*IDClaims, error) {
	token, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, apperr.Auth("id token verification failed: %v", err)
	}
	var claims IDClaims
	if err := token.Claims(&claims); err != nil {
		return nil, apperr.Auth("failed to decode id token claims: %v", err)
	}
	return &claims, nil
}

// ProviderCache builds providers lazily and keeps one per config version.
// The key set fetched during discovery is cached by go-oidc for the life of
// the provider.
type ProviderCache struct {
	client *http.Client

	mu      sync.Mutex
	entries map[string]*cachedProvider
}

type cachedProvider struct {
	version  int64
	provider *Provider
}

// NewProviderCache creates a cache whose discovery, JWKS and token calls go
// through client.
func NewProviderCache(client *http.Client) *ProviderCache {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &ProviderCache{client: client, entries: make(map[string]*cachedProvider)}
}

// Context attaches the outbound client so oauth2 and go-oidc use it.
func (c *ProviderCache) Context(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, c.client)
}

// Client returns the outbound HTTP client.
func (c *ProviderCache) Client() *http.Client {
	return c.client
}

// Get returns the provider for cfg, discovering it on first use or when cfg
// is newer than the cached entry.
func (c *ProviderCache) Get(ctx context.Context, cfg *Config) (*Provider, error) {
	c.mu.Lock()
	entry, ok := c.entries[cfg.Provider]
	c.mu.Unlock()
	if ok && entry.version == cfg.Version() {
		return entry.provider, nil
	}

	discovered, err := oidc.NewProvider(c.Context(ctx), cfg.IssuerURL)
	if err != nil {
		return nil, apperr.ExternalService("oidc discovery", err)
	}
	// Codes are single-use; a pinned style keeps oauth2 from retrying the exchange.
	endpoint := discovered.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	p := &Provider{
		config:   cfg,
		provider: discovered,
		verifier: discovered.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
	}

	c.mu.Lock()
	c.entries[cfg.Provider] = &cachedProvider{version: cfg.Version(), provider: p}
	c.mu.Unlock()
	return p, nil
}

// Invalidate drops the cached provider so the next Get rediscovers it.
func (c *ProviderCache) Invalidate(provider string) {
	c.mu.Lock()
	delete(c.entries, provider)
	c.mu.Unlock()
}
