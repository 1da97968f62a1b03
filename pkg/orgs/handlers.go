package orgs

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
)

// Service is the organization API used by the handlers.
type Service interface {
	Get(ctx context.Context) (*Organization, error)
	Upsert(ctx context.Context, in UpdateInput) (*Organization, error)
}

// Handlers provides HTTP handlers for the organization API
type Handlers struct {
	service Service
	audit   audit.Recorder
}

// NewHandlers creates organization handlers
func NewHandlers(service Service, recorder audit.Recorder) *Handlers {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Handlers{service: service, audit: recorder}
}

// RegisterRoutes registers organization routes
func (h *Handlers) RegisterRoutes(router *mux.Router, guards httputil.Guards) {
	router.Handle("/organization", guards.AdminHandler(h.get)).Methods("GET")
	router.Handle("/organization", guards.AdminHandler(h.put)).Methods("PUT")
}

// get handles GET /organization
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	org, err := h.service.Get(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

// put handles PUT /organization
func (h *Handlers) put(w http.ResponseWriter, r *http.Request) {
	var in UpdateInput
	if err := httputil.ParseJSON(r, &in); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	org, err := h.service.Upsert(r.Context(), in)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	entry := audit.FromRequest(r, audit.ActionOrganizationUpdate).
		WithTarget(audit.TargetOrganization, "singleton").
		WithDetail("maxTenants", org.MaxTenants).
		WithDetail("maxUsers", org.MaxUsers)
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		entry = entry.WithActor(claims.UserID, claims.Email)
	}
	h.audit.Record(r.Context(), entry)

	httputil.WriteSuccess(w, org)
}
