package tenants

import (
	"time"
)

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusProvisioning   Status = "provisioning"
	StatusActive         Status = "active"
	StatusSuspended      Status = "suspended"
	StatusDecommissioned Status = "decommissioned"
)

// LiveStatuses are the statuses counted against the organization's tenant limit.
var LiveStatuses = []Status{StatusProvisioning, StatusActive, StatusSuspended}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusProvisioning, StatusActive, StatusSuspended, StatusDecommissioned:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusProvisioning: {StatusActive, StatusDecommissioned},
	StatusActive:       {StatusSuspended, StatusDecommissioned},
	StatusSuspended:    {StatusActive, StatusDecommissioned},
}

// CanTransition reports whether a tenant may move from one status to another.
// Decommissioned is terminal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DatabaseInfo locates a tenant's database.
type DatabaseInfo struct {
	Name          string     `json:"name"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Provisioned   bool       `json:"provisioned"`
	ProvisionedAt *time.Time `json:"provisionedAt,omitempty"`
}

// Settings holds per-tenant limits and feature flags.
type Settings struct {
	MaxSeats     int             `json:"maxSeats,omitempty"`
	MaxStorageMB int             `json:"maxStorageMB,omitempty"`
	Features     map[string]bool `json:"features,omitempty"`
}

// ProvisioningState is the persisted checklist of a provisioning run.
type ProvisioningState struct {
	CompletedSteps []string   `json:"completedSteps"`
	LastError      string     `json:"lastError,omitempty"`
	Attempts       int        `json:"attempts"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

// Completed reports whether step has already been done.
func (p *ProvisioningState) Completed(step string) bool {
	for _, s := range p.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// Tenant is a registry record.
type Tenant struct {
	ID             int64                  `json:"id"`
	TenantID       string                 `json:"tenantId"`
	Name           string                 `json:"name"`
	Slug           string                 `json:"slug"`
	Description    string                 `json:"description,omitempty"`
	OrganizationID int64                  `json:"organizationId"`
	Status         Status                 `json:"status"`
	Database       DatabaseInfo           `json:"database"`
	Settings       Settings               `json:"settings"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Provisioning   ProvisioningState      `json:"provisioning"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// CreateInput is the request to create a tenant.
type CreateInput struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Settings    *Settings              `json:"settings,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// UpdateInput changes mutable tenant fields. Nil fields are left unchanged.
type UpdateInput struct {
	Name        *string                `json:"name,omitempty"`
	Description *string                `json:"description,omitempty"`
	Settings    *Settings              `json:"settings,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CreateResult is returned by CreateTenant. Warning is set when the tenant
// was registered but provisioning failed and must be retried.
type CreateResult struct {
	Tenant  *Tenant `json:"tenant"`
	Warning string  `json:"warning,omitempty"`
}
