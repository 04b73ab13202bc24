package tenant

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/caskstorage/cask/lib/defaults"
	"github.com/caskstorage/cask/lib/storage/broker"
	"github.com/caskstorage/cask/lib/utils"
)

// JWKSCacheConfig configures the JWKS cache.
type JWKSCacheConfig struct {
	Provider Provider
	Broker   broker.Broker
	// TTL bounds how long a set is served without a reload.
	TTL time.Duration
	// Clock is overridable in tests.
	Clock clockwork.Clock
	// Log is an optional logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *JWKSCacheConfig) CheckAndSetDefaults() error {
	if c.Provider == nil {
		return trace.BadParameter("missing Provider")
	}
	if c.Broker == nil {
		return trace.BadParameter("missing Broker")
	}
	if c.TTL <= 0 {
		c.TTL = defaults.JWKSCacheTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log
	}
	return nil
}

type jwksEntry struct {
	set       *jose.JSONWebKeySet
	fetchedAt time.Time
}

// JWKSCache is the process-wide per-tenant JWKS store. Reads are served
// concurrently; cold loads for the same tenant are collapsed behind a keyed
// mutex so a burst of requests triggers one upstream fetch.
type JWKSCache struct {
	cfg     JWKSCacheConfig
	keyLock *utils.KeyLock

	mu      sync.RWMutex
	entries map[string]jwksEntry
}

// NewJWKSCache builds an empty cache.
func NewJWKSCache(cfg JWKSCacheConfig) (*JWKSCache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &JWKSCache{
		cfg:     cfg,
		keyLock: utils.NewKeyLock(),
		entries: make(map[string]jwksEntry),
	}, nil
}

// Get returns the tenant's key set, fetching it if absent or stale.
func (c *JWKSCache) Get(ctx context.Context, tenantID string) (*jose.JSONWebKeySet, error) {
	if set, ok := c.lookup(tenantID); ok {
		return set, nil
	}

	release, err := c.keyLock.Acquire(ctx, tenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer release()

	// Another waiter may have loaded it while this one queued.
	if set, ok := c.lookup(tenantID); ok {
		return set, nil
	}

	set, err := c.cfg.Provider.JWKS(ctx, tenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.mu.Lock()
	c.entries[tenantID] = jwksEntry{set: set, fetchedAt: c.cfg.Clock.Now()}
	c.mu.Unlock()
	return set, nil
}

func (c *JWKSCache) lookup(tenantID string) (*jose.JSONWebKeySet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[tenantID]
	if !ok || c.cfg.Clock.Since(entry.fetchedAt) >= c.cfg.TTL {
		return nil, false
	}
	return entry.set, true
}

// Invalidate drops the tenant's cached set; the next Get reloads.
func (c *JWKSCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}

// Run subscribes to JWKS invalidation messages until ctx is done.
func (c *JWKSCache) Run(ctx context.Context) error {
	updates, unsubscribe, err := c.cfg.Broker.Subscribe(ctx, defaults.ChannelJWKSUpdate)
	if err != nil {
		return trace.Wrap(err)
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case tenantID, ok := <-updates:
			if !ok {
				return nil
			}
			c.Invalidate(tenantID)
			c.cfg.Log.DebugContext(ctx, "invalidated tenant jwks", "tenant", tenantID)
		}
	}
}
