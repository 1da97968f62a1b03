package rbac

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// DefaultCacheSize bounds the number of applets whose overrides are cached.
const DefaultCacheSize = 256

// OverrideLoader reads the overrides of one applet.
type OverrideLoader interface {
	ListForApplet(ctx context.Context, appletID string) ([]Override, error)
}

type roleOverrides map[auth.Role][]string

// OverrideCache caches overrides per applet. Entries never expire; writers
// call Refresh after changing an applet's overrides.
type OverrideCache struct {
	loader  OverrideLoader
	entries *lru.Cache[string, roleOverrides]
	group   singleflight.Group
	metrics *observability.Metrics

	// generation is bumped by Refresh and Invalidate so a lazy load that
	// started before a write cannot overwrite the refreshed entry.
	mu         sync.Mutex
	epoch      uint64
	generation map[string]uint64
}

// NewOverrideCache creates a cache holding at most size applets.
func NewOverrideCache(loader OverrideLoader, size int, metrics *observability.Metrics) (*OverrideCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, roleOverrides](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create override cache: %w", err)
	}
	return &OverrideCache{
		loader:     loader,
		entries:    entries,
		metrics:    metrics,
		generation: make(map[string]uint64),
	}, nil
}

// Get returns the override for (applet, role). ok is false when the role has
// no override. The applet's overrides are loaded on first use; concurrent
// first uses share one load.
func (c *OverrideCache) Get(ctx context.Context, appletID string, role auth.Role) (perms []string, ok bool, err error) {
	entry, hit := c.entries.Get(appletID)
	c.metrics.ObservePermissionCache(hit)
	if !hit {
		v, err, _ := c.group.Do(appletID, func() (interface{}, error) {
			return c.load(ctx, appletID)
		})
		if err != nil {
			return nil, false, err
		}
		entry = v.(roleOverrides)
	}

	perms, ok = entry[role]
	if !ok {
		return nil, false, nil
	}
	return append([]string{}, perms...), true, nil
}

func (c *OverrideCache) load(ctx context.Context, appletID string) (roleOverrides, error) {
	c.mu.Lock()
	epoch, gen := c.epoch, c.generation[appletID]
	c.mu.Unlock()

	overrides, err := c.loader.ListForApplet(ctx, appletID)
	if err != nil {
		return nil, fmt.Errorf("failed to load overrides for %s: %w", appletID, err)
	}
	entry := make(roleOverrides, len(overrides))
	for _, o := range overrides {
		entry[o.Role] = o.Permissions
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch && c.generation[appletID] == gen {
		c.entries.Add(appletID, entry)
	}
	return entry, nil
}

// Refresh reloads an applet's overrides from the store.
func (c *OverrideCache) Refresh(ctx context.Context, appletID string) error {
	c.bump(appletID)
	c.group.Forget(appletID)
	_, err := c.load(ctx, appletID)
	return err
}

// Invalidate drops an applet's overrides; the next Get reloads them.
func (c *OverrideCache) Invalidate(appletID string) {
	c.bump(appletID)
	c.group.Forget(appletID)
	c.entries.Remove(appletID)
}

// Purge drops every cached applet.
func (c *OverrideCache) Purge() {
	c.mu.Lock()
	c.epoch++
	c.mu.Unlock()
	c.entries.Purge()
}

func (c *OverrideCache) bump(appletID string) {
	c.mu.Lock()
	c.generation[appletID]++
	c.mu.Unlock()
}
