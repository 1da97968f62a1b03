package rbac

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tenantgate/pkg/auth"
)

//go:embed manifests/*.yaml
var builtinManifests embed.FS

// PermissionDef declares one permission key of an applet.
type PermissionDef struct {
	Key         string `yaml:"key" json:"key"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Manifest describes an applet's permission keys and default role mapping.
type Manifest struct {
	ID          string              `yaml:"id" json:"id"`
	Name        string              `yaml:"name" json:"name"`
	Description string              `yaml:"description" json:"description,omitempty"`
	Permissions []PermissionDef     `yaml:"permissions" json:"permissions"`
	Defaults    map[string][]string `yaml:"defaults" json:"defaults"`
}

// HasKey reports whether key is declared by the manifest.
func (m *Manifest) HasKey(key string) bool {
	for _, p := range m.Permissions {
		if p.Key == key {
			return true
		}
	}
	return false
}

// DefaultsFor returns a copy of the default set for role.
func (m *Manifest) DefaultsFor(role auth.Role) []string {
	return append([]string{}, m.Defaults[string(role)]...)
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that the manifest is self-consistent: keys are unique and
// every default references a declared key of a known role.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("manifest id is required")
	}
	seen := make(map[string]bool, len(m.Permissions))
	for _, p := range m.Permissions {
		if p.Key == "" {
			return fmt.Errorf("manifest %s: permission key is required", m.ID)
		}
		if seen[p.Key] {
			return fmt.Errorf("manifest %s: duplicate permission key %q", m.ID, p.Key)
		}
		seen[p.Key] = true
	}

	normalized := make(map[string][]string, len(m.Defaults))
	for roleName, keys := range m.Defaults {
		role, ok := auth.ParseRole(roleName)
		if !ok {
			return fmt.Errorf("manifest %s: unknown role %q in defaults", m.ID, roleName)
		}
		for _, key := range keys {
			if !seen[key] {
				return fmt.Errorf("manifest %s: default for %s references undeclared key %q", m.ID, role, key)
			}
		}
		normalized[string(role)] = keys
	}
	m.Defaults = normalized
	return nil
}

// Manifests holds the known applets. Built-in manifests are fixed; manifests
// loaded from a directory can be replaced at runtime.
type Manifests struct {
	mu       sync.RWMutex
	builtin  map[string]*Manifest
	external map[string]*Manifest
}

// NewManifests returns a registry holding the embedded manifests.
func NewManifests() (*Manifests, error) {
	builtin, err := loadFS(builtinManifests, "manifests")
	if err != nil {
		return nil, err
	}
	return &Manifests{builtin: builtin, external: map[string]*Manifest{}}, nil
}

// NewManifestsFrom returns a registry holding only the given manifests.
func NewManifestsFrom(manifests ...*Manifest) *Manifests {
	builtin := make(map[string]*Manifest, len(manifests))
	for _, m := range manifests {
		builtin[m.ID] = m
	}
	return &Manifests{builtin: builtin, external: map[string]*Manifest{}}
}

func loadFS(fsys fs.FS, dir string) (map[string]*Manifest, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}
	out := make(map[string]*Manifest)
	for _, entry := range entries {
		if entry.IsDir() || !isManifestFile(entry.Name()) {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest %s: %w", entry.Name(), err)
		}
		m, err := ParseManifest(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if _, dup := out[m.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate applet id %q", entry.Name(), m.ID)
		}
		out[m.ID] = m
	}
	return out, nil
}

func isManifestFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// LoadDir replaces the directory-loaded manifests with the contents of dir.
// On error the previous set is kept. Built-in applets cannot be shadowed.
func (r *Manifests) LoadDir(dir string) error {
	loaded, err := loadFS(os.DirFS(dir), ".")
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range loaded {
		if _, ok := r.builtin[id]; ok {
			return fmt.Errorf("applet %q is built in and cannot be redefined", id)
		}
	}
	r.external = loaded
	return nil
}

// Get returns the manifest for an applet.
func (r *Manifests) Get(appletID string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.builtin[appletID]; ok {
		return m, true
	}
	m, ok := r.external[appletID]
	return m, ok
}

// List returns all manifests ordered by id.
func (r *Manifests) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manifest, 0, len(r.builtin)+len(r.external))
	for _, m := range r.builtin {
		out = append(out, m)
	}
	for _, m := range r.external {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
