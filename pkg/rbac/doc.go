// Package rbac resolves per-applet permissions for platform roles.
//
// # Manifests
//
// Every applet ships a YAML manifest declaring its permission keys and the
// default key set for each role:
//
//	id: seo
//	name: SEO
//	permissions:
//	  - key: seo:content:read
//	    description: Read content and keyword reports
//	defaults:
//	  viewer: [seo:content:read]
//
// Built-in manifests are embedded in the binary. Extra manifests can be
// dropped into a directory; a Watcher reloads them when files change.
//
// # Overrides
//
// An administrator may replace the default set for one (applet, role) pair.
// Overrides live in the permission_overrides table and are read through an
// OverrideCache, which loads an applet's overrides on first use and is
// refreshed by every write before the write returns. There is no expiry.
//
// # Resolution
//
// Resolve returns the override when one exists, otherwise the manifest
// default, otherwise an empty set:
//
//	perms, err := resolver.Resolve(ctx, "seo", auth.RoleViewer)
//
// RequirePermission gates a handler on a set of keys and reports exactly the
// keys the caller is missing.
package rbac
