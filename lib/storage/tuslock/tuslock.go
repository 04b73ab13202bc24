// Package tuslock provides the cross-node mutual exclusion for resumable
// uploads. A client holds a lease on an upload id across many HTTP
// requests; the lease is a transaction-scoped Postgres advisory lock, and
// the broker expedites handoff so the current holder releases promptly
// instead of waiting out its idle timeout.
package tuslock

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/caskstorage/cask"
	"github.com/caskstorage/cask/lib/defaults"
	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/broker"
	"github.com/caskstorage/cask/lib/storage/database"
	logutils "github.com/caskstorage/cask/lib/utils/log"
)

var log = logutils.NewPackageLogger(cask.ComponentKey, cask.Component(cask.ComponentTUSLock))

// LockTx is the transaction handle a lease holds open. database.Tx
// implements it.
type LockTx interface {
	MustLockObject(ctx context.Context, bucketID, name, version string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Database opens lease transactions; the concrete store implements Begin.
type Database interface {
	Begin(ctx context.Context, tenant string) (LockTx, error)
}

// NewDatabase adapts a concrete store.
func NewDatabase(store *database.Store) Database {
	return storeDatabase{store: store}
}

type storeDatabase struct {
	store *database.Store
}

func (s storeDatabase) Begin(ctx context.Context, tenant string) (LockTx, error) {
	tx, err := s.store.Begin(ctx, tenant)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tx, nil
}

// Config configures a Locker.
type Config struct {
	Database Database
	Broker   broker.Broker
	// Tenant scopes the advisory keys and the lease transactions.
	Tenant api.Tenant
	// AcquireTimeout bounds a single lock call.
	AcquireTimeout time.Duration
	// RetryPeriod is the pause between acquisition attempts.
	RetryPeriod time.Duration
	// Clock is overridable in tests.
	Clock clockwork.Clock
	// Log is an optional logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Database == nil {
		return trace.BadParameter("missing Database")
	}
	if c.Broker == nil {
		return trace.BadParameter("missing Broker")
	}
	if c.Tenant.Ref == "" {
		return trace.BadParameter("missing Tenant")
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaults.TUSLockTimeout
	}
	if c.RetryPeriod <= 0 {
		c.RetryPeriod = defaults.TUSLockRetryPeriod
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.With("tenant", c.Tenant.Ref)
	}
	return nil
}

// Locker hands out leases on upload ids.
type Locker struct {
	cfg Config
}

// NewLocker builds a Locker.
func NewLocker(cfg Config) (*Locker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Locker{cfg: cfg}, nil
}

// NewLock creates an unacquired lock for an upload id of the form
// "bucket/key/version". Key segments may themselves contain slashes; the
// version is the last segment.
func (l *Locker) NewLock(id string) *Lock {
	return &Lock{locker: l, id: id}
}

// Lock is a single lease. Lock and Unlock pair; a Lock is not reusable
// after Unlock.
type Lock struct {
	locker *Locker
	id     string

	mu          sync.Mutex
	tx          LockTx
	unsubscribe func()
	done        chan struct{}
}

// parseID splits "bucket/key/version" into its parts. The key may contain
// slashes, so the split is first and last.
func parseID(id string) (bucketID, name, version string, err error) {
	first := strings.Index(id, "/")
	last := strings.LastIndex(id, "/")
	if first <= 0 || last <= first || last == len(id)-1 {
		return "", "", "", trace.BadParameter("malformed upload lock id %q", id)
	}
	return id[:first], id[first+1 : last], id[last+1:], nil
}

// Lock blocks until the advisory lock on the id is held or the acquisition
// budget elapses. While blocked it publishes release requests so the
// current holder (on this node or another) lets go early. onRelease fires
// when another node asks this holder to release; the callback must arrange
// for Unlock to be called.
func (lk *Lock) Lock(ctx context.Context, onRelease func()) error {
	bucketID, name, version, err := parseID(lk.id)
	if err != nil {
		return trace.Wrap(err)
	}

	cfg := lk.locker.cfg
	ctx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()

	tx, err := cfg.Database.Begin(ctx, cfg.Tenant.Ref)
	if err != nil {
		return api.ConvertError(err)
	}

	for {
		err := tx.MustLockObject(ctx, bucketID, name, version)
		if err == nil {
			break
		}
		if !trace.IsCompareFailed(err) {
			lk.rollback(ctx, tx)
			return api.ConvertError(err)
		}

		// Another holder: ask it to release and pause before retrying.
		if err := cfg.Broker.Publish(ctx, defaults.ChannelLockRelease, lk.id); err != nil {
			cfg.Log.WarnContext(ctx, "failed to publish lock release request", "id", lk.id, "error", err)
		}
		select {
		case <-ctx.Done():
			lk.rollback(context.WithoutCancel(ctx), tx)
			return api.NewError(api.CodeLockTimeout, "timed out acquiring upload lock %q", lk.id).WithCause(ctx.Err())
		case <-cfg.Clock.After(cfg.RetryPeriod):
		}
	}

	// Held. Listen for release requests until Unlock.
	releases, unsubscribe, err := cfg.Broker.Subscribe(context.WithoutCancel(ctx), defaults.ChannelLockRelease)
	if err != nil {
		lk.rollback(context.WithoutCancel(ctx), tx)
		return api.ConvertError(err)
	}

	done := make(chan struct{})
	lk.mu.Lock()
	lk.tx = tx
	lk.unsubscribe = unsubscribe
	lk.done = done
	lk.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case id, ok := <-releases:
				if !ok {
					return
				}
				if id != lk.id {
					continue
				}
				if onRelease != nil {
					onRelease()
				}
				return
			}
		}
	}()
	return nil
}

// Unlock commits the lease transaction, releasing the advisory lock, and
// removes the release listener. Unlock is idempotent.
func (lk *Lock) Unlock(ctx context.Context) error {
	lk.mu.Lock()
	tx, unsubscribe, done := lk.tx, lk.unsubscribe, lk.done
	lk.tx, lk.unsubscribe, lk.done = nil, nil, nil
	lk.mu.Unlock()

	if tx == nil {
		return nil
	}
	close(done)
	unsubscribe()
	if err := tx.Commit(ctx); err != nil {
		return api.ConvertError(err)
	}
	return nil
}

func (lk *Lock) rollback(ctx context.Context, tx LockTx) {
	if err := tx.Rollback(ctx); err != nil {
		lk.locker.cfg.Log.WarnContext(ctx, "failed to roll back lease transaction", "id", lk.id, "error", err)
	}
}
