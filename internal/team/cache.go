// Package team serves organization membership lists through a bounded,
// time-limited cache.
package team

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"stead.org/internal/obs"
	"stead.org/internal/rbac"
)

// Source loads the authoritative membership list of an organization.
type Source interface {
	Memberships(ctx context.Context, orgID string) ([]rbac.Membership, error)
}

// Config tunes the cache.
type Config struct {
	TTL         time.Duration
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.NumCounters <= 0 {
		c.NumCounters = 1 << 14
	}
	if c.MaxCost <= 0 {
		c.MaxCost = 1 << 20
	}
	if c.BufferItems <= 0 {
		c.BufferItems = 64
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type entry struct {
	members   []rbac.Membership
	expiresAt time.Time
	gen       uint64
}

// Cache memoizes Source results per organization for a fixed TTL.
// Concurrent misses for the same organization share one load.
type Cache struct {
	source Source
	store  *ristretto.Cache
	group  singleflight.Group
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	gens map[string]uint64
}

func NewCache(source Source, cfg Config) (*Cache, error) {
	if source == nil {
		return nil, errors.New("team: source is required")
	}
	cfg = cfg.withDefaults()
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		source: source,
		store:  store,
		ttl:    cfg.TTL,
		now:    cfg.Now,
		gens:   make(map[string]uint64),
	}, nil
}

// Members returns the organization's members, loading them on a miss or
// after the entry expired.
func (c *Cache) Members(ctx context.Context, orgID string) ([]rbac.Membership, error) {
	if v, ok := c.store.Get(orgID); ok {
		e := v.(*entry)
		if c.now().Before(e.expiresAt) && e.gen == c.generation(orgID) {
			obs.ObserveTeamCache("hit")
			return cloneMembers(e.members), nil
		}
		obs.ObserveTeamCache("expired")
	} else {
		obs.ObserveTeamCache("miss")
	}

	gen := c.generation(orgID)
	v, err, _ := c.group.Do(orgID, func() (any, error) {
		members, err := c.source.Memberships(ctx, orgID)
		if err != nil {
			return nil, err
		}
		e := &entry{members: cloneMembers(members), expiresAt: c.now().Add(c.ttl), gen: gen}
		if e.gen == c.generation(orgID) {
			c.store.Set(orgID, e, int64(len(members))+1)
			c.store.Wait()
		}
		return e.members, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneMembers(v.([]rbac.Membership)), nil
}

// Invalidate drops the cached list for orgID. Loads that started before the
// call do not repopulate the cache.
func (c *Cache) Invalidate(orgID string) {
	c.mu.Lock()
	c.gens[orgID]++
	c.mu.Unlock()
	c.store.Del(orgID)
}

// Track wraps store so that role assignments made through it drop the
// organization's cached member list. Changes made by other processes are
// only seen once the TTL runs out.
func (c *Cache) Track(store rbac.AdminStore) rbac.AdminStore {
	return &trackedStore{AdminStore: store, cache: c}
}

type trackedStore struct {
	rbac.AdminStore
	cache *Cache
}

func (s *trackedStore) AssignRole(ctx context.Context, orgID, userID, roleID string) error {
	if err := s.AdminStore.AssignRole(ctx, orgID, userID, roleID); err != nil {
		return err
	}
	s.cache.Invalidate(orgID)
	return nil
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	c.store.Close()
}

func (c *Cache) generation(orgID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[orgID]
}

func cloneMembers(in []rbac.Membership) []rbac.Membership {
	out := make([]rbac.Membership, len(in))
	copy(out, in)
	return out
}
