package sso

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/async"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

const (
	// DefaultHTTPTimeout bounds every outbound provider call.
	DefaultHTTPTimeout = 15 * time.Second

	stateBytes       = 32
	lastLoginTimeout = 5 * time.Second
)

// ConfigSource loads provider configs.
type ConfigSource interface {
	GetEnabled(ctx context.Context) (*Config, error)
}

// FederatedUsers is the user store surface the gateway writes through.
type FederatedUsers interface {
	UpsertFederated(ctx context.Context, p auth.FederatedProfile) (*auth.User, error)
	TouchLastLogin(ctx context.Context, id int64) error
}

// GatewayConfig holds gateway settings.
type GatewayConfig struct {
	// AppRoot is where a completed login redirects. Defaults to "/".
	AppRoot string
	// DirectoryRPS limits profile and group calls. Zero disables limiting.
	DirectoryRPS float64
}

// Gateway drives the OIDC authorization code flow.
type Gateway struct {
	configs   ConfigSource
	providers *ProviderCache
	users     FederatedUsers
	tokens    *auth.TokenService
	cfg       GatewayConfig
	limiter   *rate.Limiter
	metrics   *observability.Metrics
	logger    *observability.Logger
}

// NewGateway wires the login gateway. metrics may be nil.
func NewGateway(configs ConfigSource, providers *ProviderCache, users FederatedUsers, tokens *auth.TokenService, cfg GatewayConfig, metrics *observability.Metrics, logger *observability.Logger) *Gateway {
	if cfg.AppRoot == "" {
		cfg.AppRoot = "/"
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Gateway{
		configs:   configs,
		providers: providers,
		users:     users,
		tokens:    tokens,
		cfg:       cfg,
		limiter:   NewLimiter(cfg.DirectoryRPS),
		metrics:   metrics,
		logger:    logger,
	}
}

// AppRoot is the post-login redirect target.
func (g *Gateway) AppRoot() string {
	return g.cfg.AppRoot
}

func (g *Gateway) enabledConfig(ctx context.Context) (*Config, error) {
	cfg, err := g.configs.GetEnabled(ctx)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Configuration("single sign-on is not configured")
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Status reports whether a provider is enabled, for the login page.
func (g *Gateway) Status(ctx context.Context) (enabled bool, provider string, err error) {
	cfg, err := g.configs.GetEnabled(ctx)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, cfg.Provider, nil
}

// NewState returns a random URL-safe state value.
func NewState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NonceFor derives the ID token nonce bound to a login attempt's state, so the
// state cookie alone carries both values.
func NonceFor(state string) string {
	sum := sha256.Sum256([]byte("nonce:" + state))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Authorize starts a login attempt. The caller stores state in the sso_state
// cookie and redirects to the returned URL.
func (g *Gateway) Authorize(ctx context.Context) (redirectURL, state string, err error) {
	cfg, err := g.enabledConfig(ctx)
	if err != nil {
		return "", "", err
	}
	provider, err := g.providers.Get(ctx, cfg)
	if err != nil {
		return "", "", err
	}
	state, err = NewState()
	if err != nil {
		return "", "", err
	}
	return provider.OAuth2Config().AuthCodeURL(state, oidc.Nonce(NonceFor(state))), state, nil
}

// Callback is what the provider sent back, plus the state cookie.
type Callback struct {
	Code             string
	State            string
	CookieState      string
	Error            string
	ErrorDescription string
}

// LoginResult is a completed federated login.
type LoginResult struct {
	User   *auth.User
	Token  string
	Groups []string
}

// CheckState rejects callbacks not bound to this browser's attempt.
func CheckState(state, cookieState string) error {
	if state == "" {
		return apperr.Csrf("missing state parameter")
	}
	if cookieState == "" {
		return apperr.Csrf("missing state cookie")
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(cookieState)) != 1 {
		return apperr.Csrf("state mismatch")
	}
	return nil
}

// Complete finishes a login attempt. The state check runs before anything
// reaches the provider.
func (g *Gateway) Complete(ctx context.Context, cb Callback) (*LoginResult, error) {
	res, err := g.complete(ctx, cb)
	if err != nil {
		g.metrics.ObserveLogin(string(auth.ProviderFederated), "failure")
		return nil, err
	}
	g.metrics.ObserveLogin(string(auth.ProviderFederated), "success")
	return res, nil
}

func (g *Gateway) complete(ctx context.Context, cb Callback) (*LoginResult, error) {
	if err := CheckState(cb.State, cb.CookieState); err != nil {
		return nil, err
	}
	if cb.Error != "" {
		desc := cb.ErrorDescription
		if desc == "" {
			desc = cb.Error
		}
		return nil, apperr.ExternalService("identity provider", errors.New(desc)).WithDetail("error", cb.Error)
	}
	if cb.Code == "" {
		return nil, apperr.Validation("missing authorization code")
	}

	cfg, err := g.enabledConfig(ctx)
	if err != nil {
		return nil, err
	}
	provider, err := g.providers.Get(ctx, cfg)
	if err != nil {
		return nil, err
	}

	octx := g.providers.Context(ctx)
	token, err := provider.OAuth2Config().Exchange(octx, cb.Code)
	if err != nil {
		return nil, exchangeError(err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, apperr.ExternalService("identity provider", errors.New("token response has no id_token"))
	}
	claims, err := provider.Verify(octx, rawIDToken)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(NonceFor(cb.CookieState))) != 1 {
		return nil, apperr.Auth("id token nonce mismatch")
	}

	profile := g.profile(ctx, cfg, claims, token)
	if profile.Email == "" {
		return nil, apperr.Validation("identity provider returned no email address")
	}
	profile.Role = MapRole(cfg, profile.Groups)
	profile.IsActive = true

	user, err := g.users.UpsertFederated(ctx, profile)
	if err != nil {
		return nil, err
	}
	userID := user.ID
	bg := observability.WithLogger(context.WithoutCancel(ctx), g.logger.WithField("user_id", userID))
	async.SafeGo(bg, lastLoginTimeout, "record last login", func(ctx context.Context) error {
		return g.users.TouchLastLogin(ctx, userID)
	})

	session, err := g.tokens.Issue(auth.ClaimsForUser(user))
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &LoginResult{User: user, Token: session, Groups: profile.Groups}, nil
}

// profile merges ID token claims with the directory profile and groups.
// A failed profile lookup keeps the claim values; a failed group lookup
// leaves the user with no groups, so MapRole assigns the default role.
func (g *Gateway) profile(ctx context.Context, cfg *Config, claims *IDClaims, token *oauth2.Token) auth.FederatedProfile {
	p := auth.FederatedProfile{
		ExternalID:  claims.ExternalID(),
		Email:       claims.Email,
		DisplayName: claims.Name,
		Groups:      claims.Groups,
	}
	if p.Email == "" && strings.Contains(claims.PreferredUsername, "@") {
		p.Email = claims.PreferredUsername
	}

	if cfg.DirectoryURL != "" {
		dir := NewDirectoryClient(cfg.DirectoryURL, g.providers.Client(), oauth2.StaticTokenSource(token), g.limiter)
		log := g.logger.WithField("external_id", p.ExternalID)

		if me, err := dir.Me(ctx); err != nil {
			log.WithError(err).Warn("failed to fetch directory profile")
		} else {
			if email := me.Email(); email != "" {
				p.Email = email
			}
			if me.DisplayName != "" {
				p.DisplayName = me.DisplayName
			}
			p.JobTitle = me.JobTitle
			p.Department = me.Department
		}

		groups, err := dir.MemberOf(ctx, "")
		if err != nil {
			log.WithError(err).Warn("failed to fetch group memberships")
			groups = []string{}
		}
		p.Groups = groups
	}

	if p.Groups == nil {
		p.Groups = []string{}
	}
	p.Email = auth.NormalizeEmail(p.Email)
	if p.DisplayName == "" {
		p.DisplayName = p.Email
	}
	return p
}

func exchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		desc := re.ErrorDescription
		if desc == "" {
			desc = re.ErrorCode
		}
		if desc == "" && re.Response != nil {
			desc = fmt.Sprintf("token endpoint returned %d", re.Response.StatusCode)
		}
		if desc == "" {
			desc = "token exchange failed"
		}
		return apperr.ExternalService("identity provider", errors.New(desc))
	}
	return apperr.ExternalService("identity provider", err)
}
