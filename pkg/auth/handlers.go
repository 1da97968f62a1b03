package auth

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// Handlers provides HTTP handlers for the account API
type Handlers struct {
	service *Service
	tokens  *TokenService
	cookies CookieConfig
	audit   audit.Recorder
	metrics *observability.Metrics
	// throttle guards the unauthenticated credential endpoints; may be nil
	throttle func(http.Handler) http.Handler
}

// NewHandlers creates account handlers. recorder, metrics and throttle may be nil.
func NewHandlers(service *Service, tokens *TokenService, cookies CookieConfig, recorder audit.Recorder, metrics *observability.Metrics, throttle func(http.Handler) http.Handler) *Handlers {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Handlers{
		service:  service,
		tokens:   tokens,
		cookies:  cookies,
		audit:    recorder,
		metrics:  metrics,
		throttle: throttle,
	}
}

// RegisterRoutes registers account routes
func (h *Handlers) RegisterRoutes(router *mux.Router, guards httputil.Guards) {
	public := func(fn http.HandlerFunc) http.Handler {
		if h.throttle == nil {
			return fn
		}
		return h.throttle(fn)
	}

	router.Handle("/setup", public(h.setup)).Methods("POST")
	router.Handle("/login", public(h.login)).Methods("POST")
	router.HandleFunc("/logout", h.logout).Methods("POST")
	router.Handle("/me", guards.SessionHandler(h.me)).Methods("GET")
	router.Handle("/verify", guards.SessionHandler(h.verify)).Methods("GET")
	router.Handle("/forgot-password", public(h.forgotPassword)).Methods("POST")
	router.Handle("/reset-password", public(h.resetPassword)).Methods("POST")
	router.Handle("/change-password", guards.SessionHandler(h.changePassword)).Methods("POST")

	router.Handle("/invite/validate", public(h.validateInvite)).Methods("GET", "POST")
	router.Handle("/invite/accept", public(h.acceptInvite)).Methods("POST")

	router.Handle("/users/invite", guards.AdminHandler(h.createInvite)).Methods("POST")
	router.Handle("/users", guards.AdminHandler(h.listUsers)).Methods("GET")
	router.Handle("/users/{id}", guards.AdminHandler(h.updateUser)).Methods("PATCH")
}

// SessionResponse is returned by every endpoint that signs a user in.
type SessionResponse struct {
	User      *User     `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *Handlers) startSession(w http.ResponseWriter, status int, s *Session) {
	h.tokens.SetSessionCookie(w, h.cookies, s.Token)
	httputil.WriteJSON(w, status, SessionResponse{
		User:      s.User,
		Token:     s.Token,
		ExpiresAt: time.Now().Add(h.tokens.TTL()),
	})
}

func (h *Handlers) record(r *http.Request, entry audit.Entry) {
	if claims := ClaimsFromContext(r.Context()); claims != nil && entry.ActorID == nil {
		entry = entry.WithActor(claims.UserID, claims.Email)
	}
	h.audit.Record(r.Context(), entry)
}

// setup handles POST /setup
func (h *Handlers) setup(w http.ResponseWriter, r *http.Request) {
	var req SetupInput
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	session, err := h.service.Setup(r.Context(), req)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	h.record(r, audit.FromRequest(r, audit.ActionSetup).
		WithActor(session.User.ID, session.User.Email).
		WithTarget(audit.TargetUser, idString(session.User.ID)))
	h.startSession(w, http.StatusCreated, session)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// login handles POST /login
func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	session, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if apperr.Is(err, apperr.KindAuth) {
			h.metrics.ObserveLogin(string(ProviderLocal), "failure")
			h.record(r, audit.FromRequest(r, audit.ActionLoginFailed).
				WithDetail("email", NormalizeEmail(req.Email)))
		}
		httputil.WriteAppError(w, r, err)
		return
	}

	h.metrics.ObserveLogin(string(ProviderLocal), "success")
	h.record(r, audit.FromRequest(r, audit.ActionLogin).
		WithActor(session.User.ID, session.User.Email))
	h.startSession(w, http.StatusOK, session)
}

// logout handles POST /logout. It succeeds with or without a session.
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	token := httputil.BearerToken(r)
	if c, err := r.Cookie(SessionCookieName); err == nil && token == "" {
		token = c.Value
	}
	if claims, err := h.tokens.Verify(token); err == nil {
		h.record(r, audit.FromRequest(r, audit.ActionLogout).WithActor(claims.UserID, claims.Email))
	}

	ClearSessionCookie(w, h.cookies)
	httputil.WriteMessage(w, "logged out")
}

// me handles GET /me
func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		httputil.WriteAppError(w, r, apperr.Auth("authentication required"))
		return
	}

	user, err := h.service.Me(r.Context(), claims.UserID)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

// verify handles GET /verify
func (h *Handlers) verify(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		httputil.WriteAppError(w, r, apperr.Auth("authentication required"))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"valid":  true,
		"claims": claims,
	})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// forgotPasswordMessage is returned whether or not the account exists.
const forgotPasswordMessage = "if an account exists for that email, a reset link has been sent"

// forgotPassword handles POST /forgot-password
func (h *Handlers) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	if u := h.service.ForgotPassword(r.Context(), req.Email); u != nil {
		h.record(r, audit.FromRequest(r, audit.ActionPasswordResetRequest).
			WithTarget(audit.TargetUser, idString(u.ID)))
	}
	httputil.WriteMessage(w, forgotPasswordMessage)
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// resetPassword handles POST /reset-password
func (h *Handlers) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	u, err := h.service.ResetPassword(r.Context(), req.Token, req.Password)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	h.record(r, audit.FromRequest(r, audit.ActionPasswordReset).
		WithActor(u.ID, u.Email).
		WithTarget(audit.TargetUser, idString(u.ID)))
	httputil.WriteMessage(w, "password has been reset")
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// changePassword handles POST /change-password
func (h *Handlers) changePassword(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		httputil.WriteAppError(w, r, apperr.Auth("authentication required"))
		return
	}

	var req changePasswordRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	if err := h.service.ChangePassword(r.Context(), claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	h.record(r, audit.FromRequest(r, audit.ActionPasswordChange).
		WithTarget(audit.TargetUser, idString(claims.UserID)))
	httputil.WriteMessage(w, "password changed")
}

type inviteTokenRequest struct {
	Token string `json:"token"`
}

// validateInvite handles GET /invite/validate?token= and POST /invite/validate
func (h *Handlers) validateInvite(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if r.Method == http.MethodPost {
		var req inviteTokenRequest
		if err := httputil.ParseJSON(r, &req); err != nil {
			httputil.WriteAppError(w, r, err)
			return
		}
		token = req.Token
	}

	u, err := h.service.ValidateInvite(r.Context(), token)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"valid":       true,
		"email":       u.Email,
		"displayName": u.DisplayName,
		"role":        u.Role,
		"expiresAt":   u.InviteExpiresAt,
	})
}

type acceptInviteRequest struct {
	Token       string `json:"token"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

// acceptInvite handles POST /invite/accept
func (h *Handlers) acceptInvite(w http.ResponseWriter, r *http.Request) {
	var req acceptInviteRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	session, err := h.service.AcceptInvite(r.Context(), req.Token, req.Password, req.DisplayName)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	h.record(r, audit.FromRequest(r, audit.ActionInviteAccept).
		WithActor(session.User.ID, session.User.Email).
		WithTarget(audit.TargetUser, idString(session.User.ID)))
	h.startSession(w, http.StatusOK, session)
}

type createInviteRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// createInvite handles POST /users/invite
func (h *Handlers) createInvite(w http.ResponseWriter, r *http.Request) {
	var req createInviteRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if req.Role == "" {
		req.Role = RoleViewer
	}

	invite, err := h.service.CreateInvite(r.Context(), req.Email, req.DisplayName, req.Role)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	h.record(r, audit.FromRequest(r, audit.ActionInviteCreate).
		WithTarget(audit.TargetUser, idString(invite.User.ID)).
		WithDetail("email", invite.User.Email).
		WithDetail("role", string(invite.User.Role)))
	httputil.WriteCreated(w, invite)
}

// listUsers handles GET /users
func (h *Handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", 100)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	offset, err := httputil.QueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	users, err := h.service.ListUsers(r.Context(), limit, offset)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

// updateUser handles PATCH /users/{id}
func (h *Handlers) updateUser(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathInt64(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	var upd UserUpdate
	if err := httputil.ParseJSON(r, &upd); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	if claims := ClaimsFromContext(r.Context()); claims != nil && claims.UserID == id {
		if (upd.IsActive != nil && !*upd.IsActive) || (upd.Role != nil && *upd.Role != RoleAdmin) {
			httputil.WriteAppError(w, r, apperr.Validation("admins cannot demote or deactivate themselves"))
			return
		}
	}

	user, err := h.service.UpdateUser(r.Context(), id, upd)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	entry := audit.FromRequest(r, audit.ActionUserUpdate).WithTarget(audit.TargetUser, idString(id))
	if upd.Role != nil {
		entry = entry.WithDetail("role", string(*upd.Role))
	}
	if upd.IsActive != nil {
		entry = entry.WithDetail("isActive", *upd.IsActive)
	}
	h.record(r, entry)
	httputil.WriteSuccess(w, user)
}
