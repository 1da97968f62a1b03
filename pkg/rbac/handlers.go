package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
)

// Handlers provides HTTP handlers for permission inspection and overrides
type Handlers struct {
	resolver *Resolver
	audit    audit.Recorder
}

// NewHandlers creates permission handlers
func NewHandlers(resolver *Resolver, recorder audit.Recorder) *Handlers {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Handlers{resolver: resolver, audit: recorder}
}

// RegisterRoutes registers permission routes
func (h *Handlers) RegisterRoutes(router *mux.Router, guards httputil.Guards) {
	router.Handle("/permissions", guards.AdminHandler(h.list)).Methods("GET")
	router.Handle("/permissions/me", guards.SessionHandler(h.me)).Methods("GET")
	router.Handle("/permissions/check", guards.SessionHandler(h.check)).Methods("POST")
	router.Handle("/permissions/override", guards.AdminHandler(h.setOverride)).Methods("PUT")
	router.Handle("/permissions/override/{role}", guards.AdminHandler(h.deleteOverride)).Methods("DELETE")
}

// AppletPermissions is the admin view of one applet.
type AppletPermissions struct {
	Manifest *Manifest    `json:"manifest"`
	Roles    []Resolution `json:"roles"`
}

type overrideRequest struct {
	Applet      string   `json:"applet"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type checkRequest struct {
	Applet      string   `json:"applet"`
	Permissions []string `json:"permissions"`
}

func parseRole(s string) (auth.Role, error) {
	role, ok := auth.ParseRole(s)
	if !ok {
		return "", apperr.Validation("unknown role %q", s)
	}
	return role, nil
}

func (h *Handlers) record(r *http.Request, action audit.Action, appletID string, role auth.Role, details map[string]interface{}) {
	entry := audit.FromRequest(r, action).
		WithTarget(audit.TargetPermission, appletID+"/"+string(role)).
		WithDetail("applet", appletID).
		WithDetail("role", string(role))
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		entry = entry.WithActor(claims.UserID, claims.Email)
	}
	for k, v := range details {
		entry = entry.WithDetail(k, v)
	}
	h.audit.Record(r.Context(), entry)
}

// list handles GET /permissions?applet=
func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	appletID := httputil.QueryString(r, "applet", "")
	if appletID == "" {
		httputil.WriteSuccess(w, h.resolver.Manifests().List())
		return
	}

	m, ok := h.resolver.Manifests().Get(appletID)
	if !ok {
		httputil.WriteAppError(w, r, apperr.NotFound("unknown applet %q", appletID))
		return
	}
	view := AppletPermissions{Manifest: m}
	for _, role := range auth.AllRoles() {
		res, err := h.resolver.Explain(r.Context(), appletID, role)
		if err != nil {
			httputil.WriteAppError(w, r, err)
			return
		}
		view.Roles = append(view.Roles, *res)
	}
	httputil.WriteSuccess(w, view)
}

// me handles GET /permissions/me?applet=
func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		httputil.WriteAppError(w, r, apperr.Auth("authentication required"))
		return
	}

	appletID := httputil.QueryString(r, "applet", "")
	if appletID != "" {
		res, err := h.resolver.Explain(r.Context(), appletID, claims.Role)
		if err != nil {
			httputil.WriteAppError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, res)
		return
	}

	all := []Resolution{}
	for _, m := range h.resolver.Manifests().List() {
		res, err := h.resolver.Explain(r.Context(), m.ID, claims.Role)
		if err != nil {
			httputil.WriteAppError(w, r, err)
			return
		}
		all = append(all, *res)
	}
	httputil.WriteSuccess(w, all)
}

// check handles POST /permissions/check. It answers 200 when the caller holds
// every requested key and 403 listing the missing keys otherwise.
func (h *Handlers) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if req.Applet == "" || len(req.Permissions) == 0 {
		httputil.WriteAppError(w, r, apperr.Validation("applet and permissions are required"))
		return
	}

	allowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteSuccess(w, map[string]interface{}{"allowed": true})
	})
	h.resolver.RequirePermission(req.Applet, req.Permissions...)(allowed).ServeHTTP(w, r)
}

// setOverride handles PUT /permissions/override
func (h *Handlers) setOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if req.Applet == "" {
		httputil.WriteAppError(w, r, apperr.Validation("applet is required"))
		return
	}
	role, err := parseRole(req.Role)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if req.Permissions == nil {
		httputil.WriteAppError(w, r, apperr.Validation("permissions is required"))
		return
	}

	var actorID *int64
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		id := claims.UserID
		actorID = &id
	}

	o, err := h.resolver.SetOverride(r.Context(), req.Applet, role, req.Permissions, actorID)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	h.record(r, audit.ActionPermissionOverrideSet, o.AppletID, o.Role, map[string]interface{}{
		"permissions": o.Permissions,
	})

	res, err := h.resolver.Explain(r.Context(), o.AppletID, o.Role)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

// deleteOverride handles DELETE /permissions/override/{role}?applet=
func (h *Handlers) deleteOverride(w http.ResponseWriter, r *http.Request) {
	roleName, err := httputil.PathVar(r, "role")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	role, err := parseRole(roleName)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	appletID := httputil.QueryString(r, "applet", "")
	if appletID == "" {
		httputil.WriteAppError(w, r, apperr.Validation("applet is required"))
		return
	}

	if err := h.resolver.DeleteOverride(r.Context(), appletID, role); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	h.record(r, audit.ActionPermissionOverrideDelete, appletID, role, nil)

	res, err := h.resolver.Explain(r.Context(), appletID, role)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, res)
}
