package auth

import (
	"strconv"
	"strings"
	"time"
)

// Role is a platform role. Roles are totally ordered by privilege.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleEditor  Role = "editor"
	RoleViewer  Role = "viewer"
)

// rolePriority orders roles from most to least privileged. The same order
// resolves federated group conflicts and permission gates.
var rolePriority = map[Role]int{
	RoleAdmin:   4,
	RoleManager: 3,
	RoleEditor:  2,
	RoleViewer:  1,
}

// AllRoles returns every role, most privileged first.
func AllRoles() []Role {
	return []Role{RoleAdmin, RoleManager, RoleEditor, RoleViewer}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePriority[r]
	return ok
}

// Priority returns the role's rank; unknown roles rank 0.
func (r Role) Priority() int {
	return rolePriority[r]
}

// AtLeast reports whether r is as privileged as min.
func (r Role) AtLeast(min Role) bool {
	return r.Valid() && r.Priority() >= min.Priority()
}

// ParseRole normalizes and validates a role name.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// HighestRole returns the most privileged valid role in roles, or "" when
// none is valid.
func HighestRole(roles ...Role) Role {
	var best Role
	for _, r := range roles {
		if r.Valid() && r.Priority() > best.Priority() {
			best = r
		}
	}
	return best
}

// Provider identifies how a user authenticates.
type Provider string

const (
	ProviderLocal     Provider = "local"
	ProviderFederated Provider = "federated"
)

// User is an identity record. Federated users have no password and are keyed
// by ExternalID; local users are keyed by Email.
type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	DisplayName  string     `json:"displayName"`
	Role         Role       `json:"role"`
	AuthProvider Provider   `json:"authProvider"`
	IsActive     bool       `json:"isActive"`
	ExternalID   string     `json:"externalId,omitempty"`
	Groups       []string   `json:"groups,omitempty"`
	JobTitle     string     `json:"jobTitle,omitempty"`
	Department   string     `json:"department,omitempty"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`

	InviteTokenHash string     `json:"-"`
	InviteExpiresAt *time.Time `json:"-"`
	ResetTokenHash  string     `json:"-"`
	ResetExpiresAt  *time.Time `json:"-"`
}

// HasPassword reports whether the account has completed password setup.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// FederatedProfile carries directory attributes for a federated upsert.
type FederatedProfile struct {
	ExternalID  string
	Email       string
	DisplayName string
	JobTitle    string
	Department  string
	Groups      []string
	Role        Role
	IsActive    bool
}

// UserUpdate holds optional admin changes to a user.
type UserUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	Role        *Role   `json:"role,omitempty"`
	IsActive    *bool   `json:"isActive,omitempty"`
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
