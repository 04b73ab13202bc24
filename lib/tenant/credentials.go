package tenant

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/caskstorage/cask/lib/defaults"
	"github.com/caskstorage/cask/lib/storage/broker"
)

// credentialCacheEntries is a generous entry cap; the working bound is the
// byte budget, enforced separately.
const credentialCacheEntries = 100000

// CredentialCacheConfig configures the S3 credential cache.
type CredentialCacheConfig struct {
	Provider Provider
	Broker   broker.Broker
	// TTL bounds an entry's lifetime.
	TTL time.Duration
	// MaxBytes is the cache-wide byte budget.
	MaxBytes int
	// Clock is overridable in tests.
	Clock clockwork.Clock
	// Log is an optional logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *CredentialCacheConfig) CheckAndSetDefaults() error {
	if c.Provider == nil {
		return trace.BadParameter("missing Provider")
	}
	if c.Broker == nil {
		return trace.BadParameter("missing Broker")
	}
	if c.TTL <= 0 {
		c.TTL = defaults.S3CredentialsCacheTTL
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaults.S3CredentialsCacheSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log
	}
	return nil
}

type credentialEntry struct {
	cred     *S3Credential
	bytes    int
	storedAt time.Time
}

// CredentialCache is the process-wide S3 credential store: LRU bounded by
// the cumulative byte cost of its entries, with a per-entry TTL and broker
// invalidation.
type CredentialCache struct {
	cfg CredentialCacheConfig

	mu    sync.Mutex
	lru   *lru.Cache[string, credentialEntry]
	bytes int
}

// NewCredentialCache builds an empty cache.
func NewCredentialCache(cfg CredentialCacheConfig) (*CredentialCache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &CredentialCache{cfg: cfg}
	// The eviction callback keeps the byte count honest for every removal
	// path: explicit Remove, RemoveOldest and entry-cap eviction alike.
	cache, err := lru.NewWithEvict(credentialCacheEntries, func(key string, entry credentialEntry) {
		c.bytes -= entry.bytes
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.lru = cache
	return c, nil
}

// Get resolves an access key to the credential, from cache or the provider.
func (c *CredentialCache) Get(ctx context.Context, tenantID, accessKeyID string) (*S3Credential, error) {
	key := CredentialKey(tenantID, accessKeyID)

	c.mu.Lock()
	if entry, ok := c.lru.Get(key); ok {
		if c.cfg.Clock.Since(entry.storedAt) < c.cfg.TTL {
			c.mu.Unlock()
			return entry.cred, nil
		}
		c.lru.Remove(key)
	}
	c.mu.Unlock()

	cred, err := c.cfg.Provider.S3Credential(ctx, tenantID, accessKeyID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry := credentialEntry{cred: cred, bytes: cred.Bytes(), storedAt: c.cfg.Clock.Now()}
	c.lru.Add(key, entry)
	c.bytes += entry.bytes
	for c.bytes > c.cfg.MaxBytes && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
	return cred, nil
}

// Invalidate drops a single credential by its cache key.
func (c *CredentialCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len returns the number of live entries, exposed for tests.
func (c *CredentialCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes returns the tracked byte cost, exposed for tests.
func (c *CredentialCache) Bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Run subscribes to credential invalidation messages until ctx is done.
func (c *CredentialCache) Run(ctx context.Context) error {
	updates, unsubscribe, err := c.cfg.Broker.Subscribe(ctx, defaults.ChannelS3CredentialsUpdate)
	if err != nil {
		return trace.Wrap(err)
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case key, ok := <-updates:
			if !ok {
				return nil
			}
			c.Invalidate(key)
			c.cfg.Log.DebugContext(ctx, "invalidated s3 credential", "key", key)
		}
	}
}
