package sso

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
)

const (
	// StateCookieName holds the CSRF state of a pending login.
	StateCookieName = "sso_state"
	stateCookieTTL  = 10 * time.Minute
)

// ConfigStore is the admin surface over stored provider configs.
type ConfigStore interface {
	Get(ctx context.Context, provider string) (*Config, error)
	List(ctx context.Context) ([]*Config, error)
	Save(ctx context.Context, c *Config) error
	Delete(ctx context.Context, provider string) (bool, error)
}

// Handlers provides HTTP handlers for federated login, sync and config
type Handlers struct {
	gateway    *Gateway
	reconciler *Reconciler
	configs    ConfigStore
	providers  *ProviderCache
	tokens     *auth.TokenService
	cookies    auth.CookieConfig
	audit      audit.Recorder
}

// NewHandlers creates SSO handlers. recorder may be nil.
func NewHandlers(gateway *Gateway, reconciler *Reconciler, configs ConfigStore, providers *ProviderCache, tokens *auth.TokenService, cookies auth.CookieConfig, recorder audit.Recorder) *Handlers {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Handlers{
		gateway:    gateway,
		reconciler: reconciler,
		configs:    configs,
		providers:  providers,
		tokens:     tokens,
		cookies:    cookies,
		audit:      recorder,
	}
}

// RegisterRoutes registers SSO routes
func (h *Handlers) RegisterRoutes(router *mux.Router, guards httputil.Guards) {
	router.HandleFunc("/sso/status", h.status).Methods("GET")
	router.HandleFunc("/sso/authorize", h.authorize).Methods("GET")
	router.HandleFunc("/sso/callback", h.callback).Methods("GET")

	router.Handle("/sso/sync", guards.AdminHandler(h.sync)).Methods("POST")
	router.Handle("/sso/sync/status", guards.AdminHandler(h.syncStatus)).Methods("GET")
	router.Handle("/sso/config", guards.AdminHandler(h.getConfig)).Methods("GET")
	router.Handle("/sso/config", guards.AdminHandler(h.putConfig)).Methods("PUT")
	router.Handle("/sso/config", guards.AdminHandler(h.deleteConfig)).Methods("DELETE")
}

func (h *Handlers) setStateCookie(w http.ResponseWriter, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    state,
		Path:     "/",
		Domain:   h.cookies.Domain,
		MaxAge:   int(stateCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.cookies.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) record(r *http.Request, entry audit.Entry) {
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		entry = entry.WithActor(claims.UserID, claims.Email)
	}
	h.audit.Record(r.Context(), entry)
}

// status handles GET /sso/status
func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	enabled, provider, err := h.gateway.Status(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"enabled":  enabled,
		"provider": provider,
	})
}

// authorize handles GET /sso/authorize
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request) {
	redirectURL, state, err := h.gateway.Authorize(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	h.setStateCookie(w, state)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// callback handles GET /sso/callback
func (h *Handlers) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cb := Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	if c, err := r.Cookie(StateCookieName); err == nil {
		cb.CookieState = c.Value
	}
	// The state is single use whatever the outcome.
	h.clearStateCookie(w)

	res, err := h.gateway.Complete(r.Context(), cb)
	if err != nil {
		h.record(r, audit.FromRequest(r, audit.ActionSSOLoginFailed).
			WithDetail("reason", string(apperr.KindOf(err))))
		httputil.WriteAppError(w, r, err)
		return
	}

	h.tokens.SetSessionCookie(w, h.cookies, res.Token)
	h.audit.Record(r.Context(), audit.FromRequest(r, audit.ActionSSOLogin).
		WithActor(res.User.ID, res.User.Email).
		WithTarget(audit.TargetUser, strconv.FormatInt(res.User.ID, 10)).
		WithDetail("groups", res.Groups).
		WithDetail("role", string(res.User.Role)))
	http.Redirect(w, r, h.gateway.AppRoot(), http.StatusFound)
}

// sync handles POST /sso/sync
func (h *Handlers) sync(w http.ResponseWriter, r *http.Request) {
	result, err := h.reconciler.Run(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	h.record(r, audit.FromRequest(r, audit.ActionSSOSync).
		WithDetail("created", result.Created).
		WithDetail("updated", result.Updated).
		WithDetail("deactivated", result.Deactivated).
		WithDetail("skipped", result.Skipped).
		WithDetail("errors", result.Errors))
	httputil.WriteSuccess(w, result)
}

// syncStatus handles GET /sso/sync/status
func (h *Handlers) syncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.reconciler.Status(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, status)
}

// getConfig handles GET /sso/config?provider=
func (h *Handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	provider := httputil.QueryString(r, "provider", "")
	if provider == "" {
		configs, err := h.configs.List(r.Context())
		if err != nil {
			httputil.WriteAppError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, configs)
		return
	}

	cfg, err := h.configs.Get(r.Context(), provider)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, cfg.Masked())
}

// putConfig handles PUT /sso/config
func (h *Handlers) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := httputil.ParseJSON(r, &cfg); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	if cfg.ClientSecret == "" || cfg.ClientSecret == MaskedSecret {
		_, err := h.configs.Get(r.Context(), cfg.Provider)
		if apperr.Is(err, apperr.KindNotFound) {
			httputil.WriteAppError(w, r, apperr.Validation("clientSecret is required"))
			return
		}
		if err != nil {
			httputil.WriteAppError(w, r, err)
			return
		}
	}

	if err := h.configs.Save(r.Context(), &cfg); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	h.providers.Invalidate(cfg.Provider)

	h.record(r, audit.FromRequest(r, audit.ActionSSOConfigUpdate).
		WithTarget(audit.TargetSSOConfig, cfg.Provider).
		WithDetail("enabled", cfg.Enabled).
		WithDetail("secretChanged", cfg.ClientSecret != "" && cfg.ClientSecret != MaskedSecret))
	httputil.WriteSuccess(w, cfg.Masked())
}

// deleteConfig handles DELETE /sso/config?provider=
func (h *Handlers) deleteConfig(w http.ResponseWriter, r *http.Request) {
	provider := httputil.QueryString(r, "provider", "")
	if provider == "" {
		httputil.WriteAppError(w, r, apperr.Validation("provider is required"))
		return
	}
	existed, err := h.configs.Delete(r.Context(), provider)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if !existed {
		httputil.WriteAppError(w, r, apperr.NotFound("sso config %s not found", provider))
		return
	}
	h.providers.Invalidate(provider)

	h.record(r, audit.FromRequest(r, audit.ActionSSOConfigDelete).
		WithTarget(audit.TargetSSOConfig, provider))
	httputil.WriteNoContent(w)
}
