package database

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/gravitational/trace"

	"github.com/caskstorage/cask/lib/storage/api"
)

// advisoryKey derives the stable 64-bit key the advisory lock family uses.
// Postgres advisory locks are keyed on a bigint, so resources are hashed.
func advisoryKey(parts ...string) int64 {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{':'})
		}
		h.Write([]byte(p))
	}
	return int64(h.Sum64())
}

// objectLockKey is the advisory key for a (tenant, bucket, name[, version]).
func objectLockKey(tenant, bucketID, name, version string) int64 {
	if version == "" {
		return advisoryKey("object", api.ObjectKey(tenant, bucketID, name))
	}
	return advisoryKey("object", api.ObjectVersionKey(tenant, bucketID, name, version))
}

// WaitObjectLock blocks until the transaction-scoped advisory lock on the
// object is held, or the timeout elapses. The lock is released at commit or
// rollback.
func (t *Tx) WaitObjectLock(ctx context.Context, bucketID, name, version string, timeout time.Duration) error {
	if timeout > 0 {
		// lock_timeout fails the statement rather than the connection, and
		// SET LOCAL confines it to this transaction.
		if _, err := t.tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())); err != nil {
			return convertError(err)
		}
	}
	if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", objectLockKey(t.tenant, bucketID, name, version)); err != nil {
		converted := convertError(err)
		if trace.IsCompareFailed(converted) {
			return api.NewError(api.CodeLockTimeout, "timed out waiting for lock on %s/%s", bucketID, name).WithCause(err)
		}
		return converted
	}
	if timeout > 0 {
		if _, err := t.tx.Exec(ctx, "SET LOCAL lock_timeout = DEFAULT"); err != nil {
			return convertError(err)
		}
	}
	return nil
}

// MustLockObject tries to take the advisory lock without waiting and fails
// with a compare-failed error when another holder exists. The TUS locker
// polls this.
func (t *Tx) MustLockObject(ctx context.Context, bucketID, name, version string) error {
	var acquired bool
	err := t.tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)",
		objectLockKey(t.tenant, bucketID, name, version)).Scan(&acquired)
	if err != nil {
		return convertError(err)
	}
	if !acquired {
		return trace.CompareFailed("object %s/%s version %q is locked", bucketID, name, version)
	}
	return nil
}

// LockResource takes a transaction-scoped advisory lock on an arbitrary
// resource named by (kind, id). The Iceberg catalog serializes namespace
// counting under it.
func (t *Tx) LockResource(ctx context.Context, kind, id string) error {
	if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryKey(kind, id)); err != nil {
		return convertError(err)
	}
	return nil
}
