package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/httputil"
)

// Action names an audited operation.
type Action string

const (
	ActionSetup                    Action = "setup"
	ActionLogin                    Action = "login"
	ActionLoginFailed              Action = "login_failed"
	ActionLogout                   Action = "logout"
	ActionPasswordChange           Action = "password_change"
	ActionPasswordResetRequest     Action = "password_reset_request"
	ActionPasswordReset            Action = "password_reset"
	ActionInviteCreate             Action = "invite_create"
	ActionInviteAccept             Action = "invite_accept"
	ActionUserUpdate               Action = "user_update"
	ActionSSOLogin                 Action = "sso_login"
	ActionSSOLoginFailed           Action = "sso_login_failed"
	ActionSSOConfigUpdate          Action = "sso_config_update"
	ActionSSOConfigDelete          Action = "sso_config_delete"
	ActionSSOSync                  Action = "sso_sync"
	ActionTenantCreate             Action = "tenant_create"
	ActionTenantUpdate             Action = "tenant_update"
	ActionTenantProvision          Action = "tenant_provision"
	ActionTenantStatus             Action = "tenant_status"
	ActionOrganizationUpdate       Action = "organization_update"
	ActionPermissionOverrideSet    Action = "permission_override_set"
	ActionPermissionOverrideDelete Action = "permission_override_delete"
)

// Target types
const (
	TargetUser         = "user"
	TargetTenant       = "tenant"
	TargetOrganization = "organization"
	TargetSSOConfig    = "sso_config"
	TargetPermission   = "permission"
)

// Entry is one audit log row.
type Entry struct {
	ID         string                 `json:"id"`
	ActorID    *int64                 `json:"actorId,omitempty"`
	ActorEmail string                 `json:"actorEmail,omitempty"`
	Action     Action                 `json:"action"`
	TargetType string                 `json:"targetType,omitempty"`
	TargetID   string                 `json:"targetId,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	IPAddress  string                 `json:"ipAddress,omitempty"`
	UserAgent  string                 `json:"userAgent,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// FromRequest starts an entry carrying the caller's network details.
func FromRequest(r *http.Request, action Action) Entry {
	return Entry{
		Action:    action,
		IPAddress: httputil.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// WithActor sets the acting user.
func (e Entry) WithActor(id int64, email string) Entry {
	e.ActorID = &id
	e.ActorEmail = email
	return e
}

// WithTarget sets the affected resource.
func (e Entry) WithTarget(targetType, targetID string) Entry {
	e.TargetType = targetType
	e.TargetID = targetID
	return e
}

// WithDetail adds one detail field.
func (e Entry) WithDetail(key string, value interface{}) Entry {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	e.Details = details
	return e
}

// Recorder accepts audit entries. Implementations must not block and must
// not fail the caller.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// NopRecorder discards every entry.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Entry) {}

// Filter narrows a search.
type Filter struct {
	ActorID    *int64
	Actions    []Action
	TargetType string
	TargetID   string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}
