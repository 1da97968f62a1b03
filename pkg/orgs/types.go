package orgs

import "time"

const (
	DefaultMaxTenants = 10
	DefaultMaxUsers   = 100
)

// Organization is the singleton organization.
type Organization struct {
	ID         int64                  `json:"id"`
	Name       string                 `json:"name"`
	MaxTenants int64                  `json:"maxTenants"`
	MaxUsers   int64                  `json:"maxUsers"`
	Settings   map[string]interface{} `json:"settings,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// UpdateInput is a partial update. Nil fields keep their value, or take the
// defaults when the organization is being created.
type UpdateInput struct {
	Name       *string                `json:"name,omitempty"`
	MaxTenants *int64                 `json:"maxTenants,omitempty"`
	MaxUsers   *int64                 `json:"maxUsers,omitempty"`
	Settings   map[string]interface{} `json:"settings,omitempty"`
}
