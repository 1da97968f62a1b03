package sso

import (
	"strings"

	"github.com/platinummonkey/tenantgate/pkg/auth"
)

// MapRole picks the most privileged role among the mapped groups, falling
// back to the config's default role. Group names match case-insensitively.
func MapRole(cfg *Config, groups []string) auth.Role {
	var mapped []auth.Role
	for _, g := range groups {
		if role, ok := lookupGroup(cfg.GroupRoleMapping, g); ok {
			mapped = append(mapped, role)
		}
	}
	if best := auth.HighestRole(mapped...); best != "" {
		return best
	}
	if cfg.DefaultRole.Valid() {
		return cfg.DefaultRole
	}
	return auth.RoleViewer
}

func lookupGroup(mapping map[string]auth.Role, group string) (auth.Role, bool) {
	if role, ok := mapping[group]; ok {
		return role, true
	}
	for name, role := range mapping {
		if strings.EqualFold(name, group) {
			return role, true
		}
	}
	return "", false
}
