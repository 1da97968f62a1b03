package sso

import (
	"net/url"
	"strings"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/auth"
)

// MaskedSecret replaces the client secret on every read.
const MaskedSecret = "********"

// Config is the federation settings of one provider.
type Config struct {
	ID               int64                `json:"id"`
	Provider         string               `json:"provider"`
	Enabled          bool                 `json:"enabled"`
	ClientID         string               `json:"clientId"`
	ClientSecret     string               `json:"clientSecret,omitempty"`
	IssuerURL        string               `json:"issuerUrl"`
	RedirectURL      string               `json:"redirectUrl"`
	Scopes           []string             `json:"scopes"`
	GroupRoleMapping map[string]auth.Role `json:"groupRoleMapping"`
	DefaultRole      auth.Role            `json:"defaultRole"`
	AutoProvision    bool                 `json:"autoProvision"`
	DirectoryURL     string               `json:"directoryUrl,omitempty"`
	DirectoryScopes  []string             `json:"directoryScopes,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// Masked returns a copy safe to send to clients.
func (c *Config) Masked() *Config {
	out := *c
	if out.ClientSecret != "" {
		out.ClientSecret = MaskedSecret
	}
	return &out
}

// Version identifies one stored revision of the config. Cached providers
// built from an older version are rebuilt.
func (c *Config) Version() int64 {
	return c.UpdatedAt.UnixNano()
}

// Normalize fills defaults and canonicalizes role names.
func (c *Config) Normalize() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.IssuerURL = strings.TrimRight(strings.TrimSpace(c.IssuerURL), "/")
	c.DirectoryURL = strings.TrimRight(strings.TrimSpace(c.DirectoryURL), "/")
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"openid", "profile", "email"}
	}
	if c.DefaultRole == "" {
		c.DefaultRole = auth.RoleViewer
	}
	if role, ok := auth.ParseRole(string(c.DefaultRole)); ok {
		c.DefaultRole = role
	}
	for group, role := range c.GroupRoleMapping {
		if parsed, ok := auth.ParseRole(string(role)); ok {
			c.GroupRoleMapping[group] = parsed
		}
	}
}

// Validate checks a config before it is stored.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return apperr.Validation("provider is required")
	}
	if c.ClientID == "" {
		return apperr.Validation("clientId is required")
	}
	if c.IssuerURL == "" {
		return apperr.Validation("issuerUrl is required")
	}
	if err := validateURL("issuerUrl", c.IssuerURL); err != nil {
		return err
	}
	if c.RedirectURL == "" {
		return apperr.Validation("redirectUrl is required")
	}
	if err := validateURL("redirectUrl", c.RedirectURL); err != nil {
		return err
	}
	if c.DirectoryURL != "" {
		if err := validateURL("directoryUrl", c.DirectoryURL); err != nil {
			return err
		}
	}

	hasOpenID := false
	for _, s := range c.Scopes {
		if s == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return apperr.Validation("scopes must include openid")
	}

	if !c.DefaultRole.Valid() {
		return apperr.Validation("unknown default role %q", c.DefaultRole)
	}
	for group, role := range c.GroupRoleMapping {
		if !role.Valid() {
			return apperr.Validation("group %q maps to unknown role %q", group, role)
		}
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return apperr.Validation("%s must be an absolute http(s) URL", field)
	}
	return nil
}

// IDClaims are the identity claims read from a verified ID token.
type IDClaims struct {
	Subject           string   `json:"sub"`
	ObjectID          string   `json:"oid"`
	PreferredUsername string   `json:"preferred_username"`
	Name              string   `json:"name"`
	Email             string   `json:"email"`
	Groups            []string `json:"groups"`
	Nonce             string   `json:"nonce"`
}

// ExternalID is the directory object id when the provider sends one, else
// the subject.
func (c IDClaims) ExternalID() string {
	if c.ObjectID != "" {
		return c.ObjectID
	}
	return c.Subject
}

// DirectoryUser is one user object from the directory API.
type DirectoryUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	JobTitle          string `json:"jobTitle"`
	Department        string `json:"department"`
	AccountEnabled    *bool  `json:"accountEnabled"`
	UserType          string `json:"userType"`
}

// Email returns mail, else a UPN that looks like an address.
func (u DirectoryUser) Email() string {
	if u.Mail != "" {
		return auth.NormalizeEmail(u.Mail)
	}
	if strings.Contains(u.UserPrincipalName, "@") {
		return auth.NormalizeEmail(u.UserPrincipalName)
	}
	return ""
}

// Enabled treats a missing accountEnabled as enabled.
func (u DirectoryUser) Enabled() bool {
	return u.AccountEnabled == nil || *u.AccountEnabled
}

// Placeholder reports guests and external service accounts.
func (u DirectoryUser) Placeholder() bool {
	return strings.EqualFold(u.UserType, "Guest") || strings.Contains(u.UserPrincipalName, "#EXT#")
}

// SyncResult summarizes one reconciliation run.
type SyncResult struct {
	Created      int         `json:"created"`
	Updated      int         `json:"updated"`
	Deactivated  int         `json:"deactivated"`
	Skipped      int         `json:"skipped"`
	Errors       int         `json:"errors"`
	Total        int         `json:"total"`
	ErrorDetails []SyncError `json:"errorDetails"`
	StartedAt    time.Time   `json:"startedAt"`
	FinishedAt   time.Time   `json:"finishedAt"`
}

// SyncError records a per-user failure.
type SyncError struct {
	ExternalID string `json:"externalId"`
	Email      string `json:"email,omitempty"`
	Error      string `json:"error"`
}

func (r *SyncResult) fail(u DirectoryUser, err error) {
	r.Errors++
	r.ErrorDetails = append(r.ErrorDetails, SyncError{ExternalID: u.ID, Email: u.Email(), Error: err.Error()})
}

func (r *SyncResult) outcomes() map[string]int {
	return map[string]int{
		"created":     r.Created,
		"updated":     r.Updated,
		"deactivated": r.Deactivated,
		"skipped":     r.Skipped,
		"errors":      r.Errors,
	}
}

// SyncStatus is served by GET /sso/sync/status.
type SyncStatus struct {
	Running    bool        `json:"running"`
	LastResult *SyncResult `json:"lastResult"`
}
