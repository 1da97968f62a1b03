package tenants

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
)

// Manager is the tenant API used by the handlers.
type Manager interface {
	CreateTenant(ctx context.Context, in CreateInput) (*CreateResult, error)
	Provision(ctx context.Context, identifier string) (*Tenant, error)
	Get(ctx context.Context, identifier string) (*Tenant, error)
	List(ctx context.Context, status string) ([]*Tenant, error)
	Update(ctx context.Context, identifier string, in UpdateInput) (*Tenant, error)
	Suspend(ctx context.Context, identifier string) (*Tenant, error)
	Activate(ctx context.Context, identifier string) (*Tenant, error)
	Decommission(ctx context.Context, identifier string) (*Tenant, error)
}

// Handlers provides HTTP handlers for tenant management
type Handlers struct {
	service Manager
	audit   audit.Recorder
}

// NewHandlers creates tenant handlers
func NewHandlers(service Manager, recorder audit.Recorder) *Handlers {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Handlers{service: service, audit: recorder}
}

// RegisterRoutes registers tenant routes. All of them require an admin.
func (h *Handlers) RegisterRoutes(router *mux.Router, guards httputil.Guards) {
	router.Handle("/tenants", guards.AdminHandler(h.list)).Methods("GET")
	router.Handle("/tenants", guards.AdminHandler(h.create)).Methods("POST")
	router.Handle("/tenants/{id}", guards.AdminHandler(h.get)).Methods("GET")
	router.Handle("/tenants/{id}", guards.AdminHandler(h.update)).Methods("PATCH")
	router.Handle("/tenants/{id}", guards.AdminHandler(h.statusHandler(Manager.Decommission))).Methods("DELETE")
	router.Handle("/tenants/{id}/provision", guards.AdminHandler(h.provision)).Methods("POST")
	router.Handle("/tenants/{id}/suspend", guards.AdminHandler(h.statusHandler(Manager.Suspend))).Methods("POST")
	router.Handle("/tenants/{id}/activate", guards.AdminHandler(h.statusHandler(Manager.Activate))).Methods("POST")
	router.Handle("/tenants/{id}/decommission", guards.AdminHandler(h.statusHandler(Manager.Decommission))).Methods("POST")
}

func (h *Handlers) record(r *http.Request, action audit.Action, t *Tenant, details map[string]interface{}) {
	entry := audit.FromRequest(r, action).WithTarget(audit.TargetTenant, t.TenantID)
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		entry = entry.WithActor(claims.UserID, claims.Email)
	}
	for k, v := range details {
		entry = entry.WithDetail(k, v)
	}
	h.audit.Record(r.Context(), entry)
}

// list handles GET /tenants
func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.service.List(r.Context(), httputil.QueryString(r, "status", ""))
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, tenants)
}

// create handles POST /tenants
func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httputil.ParseJSON(r, &in); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	result, err := h.service.CreateTenant(r.Context(), in)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	details := map[string]interface{}{"name": result.Tenant.Name, "status": string(result.Tenant.Status)}
	if result.Warning != "" {
		details["warning"] = result.Warning
	}
	h.record(r, audit.ActionTenantCreate, result.Tenant, details)
	httputil.WriteCreated(w, result)
}

// get handles GET /tenants/{id}
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathVar(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	t, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, t)
}

// update handles PATCH /tenants/{id}
func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathVar(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var in UpdateInput
	if err := httputil.ParseJSON(r, &in); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	t, err := h.service.Update(r.Context(), id, in)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	h.record(r, audit.ActionTenantUpdate, t, nil)
	httputil.WriteSuccess(w, t)
}

// provision handles POST /tenants/{id}/provision
func (h *Handlers) provision(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathVar(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	t, err := h.service.Provision(r.Context(), id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	h.record(r, audit.ActionTenantProvision, t, map[string]interface{}{
		"database": t.Database.Name,
		"attempts": t.Provisioning.Attempts,
	})
	httputil.WriteSuccess(w, t)
}

// statusHandler builds the handler for a lifecycle transition
func (h *Handlers) statusHandler(change func(Manager, context.Context, string) (*Tenant, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httputil.PathVar(r, "id")
		if err != nil {
			httputil.WriteAppError(w, r, err)
			return
		}

		t, err := change(h.service, r.Context(), id)
		if err != nil {
			httputil.WriteAppError(w, r, err)
			return
		}
		h.record(r, audit.ActionTenantStatus, t, map[string]interface{}{"status": string(t.Status)})
		httputil.WriteSuccess(w, t)
	}
}
