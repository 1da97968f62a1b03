package tenants

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/orgs"
)

const maxIDAttempts = 5

// Registry is the tenant persistence used by the service.
type Registry interface {
	Create(ctx context.Context, t *Tenant) error
	GetByTenantID(ctx context.Context, tenantID string) (*Tenant, error)
	GetByID(ctx context.Context, id int64) (*Tenant, error)
	List(ctx context.Context, status Status) ([]*Tenant, error)
	CountLive(ctx context.Context) (int64, error)
	Update(ctx context.Context, id int64, in UpdateInput) (*Tenant, error)
	SetStatus(ctx context.Context, id int64, status Status) error
	SaveProvisioning(ctx context.Context, id int64, state ProvisioningState) error
	MarkProvisioned(ctx context.Context, id int64, db DatabaseInfo, state ProvisioningState) error
}

// OrganizationSource returns the organization whose limits apply.
type OrganizationSource interface {
	Get(ctx context.Context) (*orgs.Organization, error)
}

// TenantProvisioner runs the provisioning checklist for a tenant.
type TenantProvisioner interface {
	Provision(ctx context.Context, t *Tenant, save StateSaver) (ProvisioningState, error)
}

// Locator reports where new tenant databases are created.
type Locator interface {
	Location() (host string, port int)
}

// Service implements tenant lifecycle operations.
type Service struct {
	registry    Registry
	orgs        OrganizationSource
	provisioner TenantProvisioner
	locator     Locator
	metrics     *observability.Metrics
	logger      *observability.Logger
	now         func() time.Time
	newID       func() (string, error)
}

// NewService creates a tenant service.
func NewService(registry Registry, organizations OrganizationSource, provisioner TenantProvisioner, locator Locator, metrics *observability.Metrics, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		registry:    registry,
		orgs:        organizations,
		provisioner: provisioner,
		locator:     locator,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
		newID:       GenerateTenantID,
	}
}

// CreateTenant registers a tenant and provisions its database. A provisioning
// failure does not fail the call: the tenant is returned in the provisioning
// state with a warning and can be retried with Provision.
func (s *Service) CreateTenant(ctx context.Context, in CreateInput) (*CreateResult, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	slug := Slugify(name)
	if slug == "" {
		return nil, apperr.Validation("name must contain at least one letter or digit")
	}

	org, err := s.orgs.Get(ctx)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Configuration("an organization must be configured before creating tenants")
	}
	if err != nil {
		return nil, err
	}

	live, err := s.registry.CountLive(ctx)
	if err != nil {
		return nil, err
	}
	if live >= org.MaxTenants {
		return nil, apperr.QuotaExceeded("tenants", live, org.MaxTenants)
	}

	host, port := s.locator.Location()
	t := &Tenant{
		Name:           name,
		Slug:           slug,
		Description:    strings.TrimSpace(in.Description),
		OrganizationID: org.ID,
		Status:         StatusProvisioning,
		Metadata:       in.Metadata,
		Provisioning:   ProvisioningState{CompletedSteps: []string{}},
	}
	if in.Settings != nil {
		t.Settings = *in.Settings
	}

	if err := s.insertWithFreshID(ctx, t, host, port); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"tenant_id": t.TenantID,
		"slug":      t.Slug,
	}).Info("tenant registered")

	result := &CreateResult{Tenant: t}
	if err := s.provision(ctx, t); err != nil {
		result.Warning = "tenant created but provisioning failed; retry with POST /tenants/" + t.TenantID + "/provision"
	}
	return result, nil
}

func (s *Service) insertWithFreshID(ctx context.Context, t *Tenant, host string, port int) error {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.newID()
		if err != nil {
			return err
		}
		t.TenantID = id
		t.Database = DatabaseInfo{Name: DatabaseName(id), Host: host, Port: port}

		err = s.registry.Create(ctx, t)
		if errors.Is(err, errTenantIDTaken) {
			s.logger.WithField("tenant_id", id).Warn("tenant id collision, regenerating")
			continue
		}
		return err
	}
	return apperr.Internal(errors.New("could not allocate a unique tenant id"))
}

// Provision runs provisioning for an unprovisioned tenant. Already provisioned
// tenants are rejected before anything is written.
func (s *Service) Provision(ctx context.Context, identifier string) (*Tenant, error) {
	t, err := s.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if t.Database.Provisioned {
		return nil, apperr.AlreadyProvisioned(t.TenantID)
	}
	if t.Status == StatusDecommissioned {
		return nil, apperr.Validation("tenant %s is decommissioned", t.TenantID)
	}

	if err := s.provision(ctx, t); err != nil {
		return nil, apperr.Provisioning(t.TenantID, err)
	}
	return t, nil
}

func (s *Service) provision(ctx context.Context, t *Tenant) error {
	start := s.now()
	save := func(ctx context.Context, state ProvisioningState) error {
		return s.registry.SaveProvisioning(ctx, t.ID, state)
	}

	state, err := s.provisioner.Provision(ctx, t, save)
	t.Provisioning = state
	if err != nil {
		s.metrics.ObserveProvisioning("failure", s.now().Sub(start))
		return err
	}

	provisionedAt := s.now().UTC()
	db := t.Database
	db.Provisioned = true
	db.ProvisionedAt = &provisionedAt
	if err := s.registry.MarkProvisioned(ctx, t.ID, db, state); err != nil {
		s.metrics.ObserveProvisioning("failure", s.now().Sub(start))
		return err
	}
	t.Database = db
	t.Status = StatusActive
	s.metrics.ObserveProvisioning("success", s.now().Sub(start))
	return nil
}

// Get loads a tenant by public id or record id.
func (s *Service) Get(ctx context.Context, identifier string) (*Tenant, error) {
	kind, recordID := ClassifyIdentifier(identifier)
	switch kind {
	case KindTenantID:
		return s.registry.GetByTenantID(ctx, strings.TrimSpace(identifier))
	case KindRecordID:
		return s.registry.GetByID(ctx, recordID)
	default:
		return nil, apperr.NotFound("tenant %q not found", identifier)
	}
}

// List returns all tenants, or those with the given status.
func (s *Service) List(ctx context.Context, status string) ([]*Tenant, error) {
	st := Status(status)
	if st != "" && !st.Valid() {
		return nil, apperr.Validation("unknown status %q", status)
	}
	return s.registry.List(ctx, st)
}

// Update changes the name, description, settings or metadata of a tenant.
// The slug is fixed at creation.
func (s *Service) Update(ctx context.Context, identifier string, in UpdateInput) (*Tenant, error) {
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.Validation("name cannot be empty")
		}
		in.Name = &name
	}
	t, err := s.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusDecommissioned {
		return nil, apperr.Validation("tenant %s is decommissioned", t.TenantID)
	}
	return s.registry.Update(ctx, t.ID, in)
}

// Suspend moves an active tenant to suspended.
func (s *Service) Suspend(ctx context.Context, identifier string) (*Tenant, error) {
	return s.transition(ctx, identifier, StatusSuspended)
}

// Activate moves a suspended tenant back to active.
func (s *Service) Activate(ctx context.Context, identifier string) (*Tenant, error) {
	return s.transition(ctx, identifier, StatusActive)
}

// Decommission retires a tenant. The tenant database is kept.
func (s *Service) Decommission(ctx context.Context, identifier string) (*Tenant, error) {
	return s.transition(ctx, identifier, StatusDecommissioned)
}

func (s *Service) transition(ctx context.Context, identifier string, to Status) (*Tenant, error) {
	t, err := s.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, to) {
		return nil, apperr.Validation("cannot change tenant status from %s to %s", t.Status, to)
	}
	if to == StatusActive && !t.Database.Provisioned {
		return nil, apperr.Validation("tenant %s must be provisioned before activation", t.TenantID)
	}
	if err := s.registry.SetStatus(ctx, t.ID, to); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"tenant_id": t.TenantID,
		"from":      string(t.Status),
		"to":        string(to),
	}).Info("tenant status changed")
	t.Status = to
	return t, nil
}
