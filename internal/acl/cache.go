// Package acl caches each connected agent's readable sync groups.
//
// Entries are warmed lazily from the database and invalidated by the
// permission change feed. There is no TTL: if the feed is delayed, reads
// see stale memberships until the next invalidation arrives.
package acl

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vircadia/vircadia-world-sub000/internal/store"
)

// Cache is the per-agent sync group read cache. Lookups never touch the
// database; an agent with no warmed entry can read nothing.
type Cache struct {
	store  store.Store
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]map[string]struct{} // agent_id -> set of sync groups
}

// New creates an empty cache backed by the given store.
func New(s store.Store, logger *slog.Logger) *Cache {
	return &Cache{
		store:   s,
		logger:  logger.With("component", "acl"),
		entries: make(map[string]map[string]struct{}),
	}
}

// Warm loads the agent's readable sync groups and replaces the cached set
// atomically. On a query failure the previous entry, if any, is kept:
// stale-but-available beats absent.
func (c *Cache) Warm(ctx context.Context, agentID string) error {
	groups, err := c.store.GetAgentSyncGroups(ctx, agentID)
	if err != nil {
		c.logger.Warn("sync group warm failed, keeping previous entry", "agent_id", agentID, "error", err)
		return err
	}

	set := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		set[g] = struct{}{}
	}

	c.mu.Lock()
	c.entries[agentID] = set
	c.mu.Unlock()
	return nil
}

// CanRead reports whether the agent's warmed entry contains the sync group.
// No entry means false.
func (c *Cache) CanRead(agentID, syncGroup string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.entries[agentID]
	if !ok {
		return false
	}
	_, ok = set[syncGroup]
	return ok
}

// Warmed reports whether the agent has a cached entry at all.
func (c *Cache) Warmed(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[agentID]
	return ok
}

// Invalidate re-warms the agent's entry. Driven by the external permission
// change feed.
func (c *Cache) Invalidate(ctx context.Context, agentID string) {
	_ = c.Warm(ctx, agentID)
}

// Forget drops the agent's entry. Called when the agent's last session
// terminates.
func (c *Cache) Forget(agentID string) {
	c.mu.Lock()
	delete(c.entries, agentID)
	c.mu.Unlock()
}
