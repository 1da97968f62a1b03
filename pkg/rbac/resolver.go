package rbac

import (
	"context"
	"sort"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/auth"
)

// Source says where a resolved permission set came from.
type Source string

const (
	SourceDefault  Source = "default"
	SourceOverride Source = "override"
)

// Resolution is the effective permission set of a role in an applet.
type Resolution struct {
	AppletID    string    `json:"appletId"`
	Role        auth.Role `json:"role"`
	Permissions []string  `json:"permissions"`
	Source      Source    `json:"source"`
	Defaults    []string  `json:"defaults"`
}

// OverrideWriter persists overrides.
type OverrideWriter interface {
	Upsert(ctx context.Context, o *Override) error
	Delete(ctx context.Context, appletID string, role auth.Role) (bool, error)
}

// Resolver computes effective permissions from manifests and overrides.
type Resolver struct {
	manifests *Manifests
	cache     *OverrideCache
	writer    OverrideWriter
}

// NewResolver creates a resolver.
func NewResolver(manifests *Manifests, cache *OverrideCache, writer OverrideWriter) *Resolver {
	return &Resolver{manifests: manifests, cache: cache, writer: writer}
}

// Manifests returns the applet registry.
func (r *Resolver) Manifests() *Manifests {
	return r.manifests
}

func (r *Resolver) manifest(appletID string) (*Manifest, error) {
	m, ok := r.manifests.Get(appletID)
	if !ok {
		return nil, apperr.NotFound("unknown applet %q", appletID)
	}
	return m, nil
}

// Resolve returns the permission keys granted to role in an applet.
func (r *Resolver) Resolve(ctx context.Context, appletID string, role auth.Role) ([]string, error) {
	res, err := r.Explain(ctx, appletID, role)
	if err != nil {
		return nil, err
	}
	return res.Permissions, nil
}

// Explain resolves like Resolve and also reports the source and the
// manifest default.
func (r *Resolver) Explain(ctx context.Context, appletID string, role auth.Role) (*Resolution, error) {
	m, err := r.manifest(appletID)
	if err != nil {
		return nil, err
	}
	res := &Resolution{AppletID: appletID, Role: role, Defaults: m.DefaultsFor(role), Source: SourceDefault}

	perms, ok, err := r.cache.Get(ctx, appletID, role)
	if err != nil {
		return nil, err
	}
	if ok {
		res.Permissions = perms
		res.Source = SourceOverride
		return res, nil
	}
	res.Permissions = m.DefaultsFor(role)
	return res, nil
}

// Missing returns the keys in required that role does not hold, in the order
// they were requested.
func (r *Resolver) Missing(ctx context.Context, appletID string, role auth.Role, required ...string) ([]string, error) {
	granted, err := r.Resolve(ctx, appletID, role)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(granted))
	for _, k := range granted {
		have[k] = true
	}
	var missing []string
	for _, k := range required {
		if !have[k] {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// SetOverride replaces the default set of role in an applet. Every key must
// be declared by the applet. The cache is refreshed before returning.
func (r *Resolver) SetOverride(ctx context.Context, appletID string, role auth.Role, permissions []string, actorID *int64) (*Override, error) {
	m, err := r.manifest(appletID)
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, apperr.Validation("unknown role %q", role)
	}

	seen := make(map[string]bool, len(permissions))
	keys := make([]string, 0, len(permissions))
	var undeclared []string
	for _, k := range permissions {
		if seen[k] {
			continue
		}
		seen[k] = true
		if !m.HasKey(k) {
			undeclared = append(undeclared, k)
			continue
		}
		keys = append(keys, k)
	}
	if len(undeclared) > 0 {
		sort.Strings(undeclared)
		return nil, apperr.Validation("applet %s does not declare %v", appletID, undeclared).
			WithDetail("undeclared", undeclared)
	}

	o := &Override{AppletID: appletID, Role: role, Permissions: keys, UpdatedBy: actorID}
	if err := r.writer.Upsert(ctx, o); err != nil {
		return nil, err
	}
	if err := r.cache.Refresh(ctx, appletID); err != nil {
		r.cache.Invalidate(appletID)
		return nil, err
	}
	return o, nil
}

// DeleteOverride restores the manifest default for role in an applet.
func (r *Resolver) DeleteOverride(ctx context.Context, appletID string, role auth.Role) error {
	if _, err := r.manifest(appletID); err != nil {
		return err
	}
	if !role.Valid() {
		return apperr.Validation("unknown role %q", role)
	}
	existed, err := r.writer.Delete(ctx, appletID, role)
	if err != nil {
		return err
	}
	if !existed {
		return apperr.NotFound("no override for role %s in applet %s", role, appletID)
	}
	if err := r.cache.Refresh(ctx, appletID); err != nil {
		r.cache.Invalidate(appletID)
		return err
	}
	return nil
}
