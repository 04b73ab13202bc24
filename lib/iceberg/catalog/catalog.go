// Package catalog maps tenant-facing Iceberg namespaces and tables onto
// warehouse-internal names and proxies catalog operations to the upstream
// REST catalog shards. The metastore rows, shard reservations and upstream
// calls for a create or drop are enclosed in one database transaction held
// under a per-namespace advisory lock.
package catalog

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/caskstorage/cask"
	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/database"
	"github.com/caskstorage/cask/lib/tenant"
	logutils "github.com/caskstorage/cask/lib/utils/log"
)

var log = logutils.NewPackageLogger(cask.ComponentKey, cask.Component(cask.ComponentIceberg))

// Tx is the slice of a metastore transaction the catalog uses.
type Tx interface {
	LockResource(ctx context.Context, kind, id string) error
	CreateIcebergNamespace(ctx context.Context, name, internalName string) (*database.IcebergNamespace, error)
	FindIcebergNamespace(ctx context.Context, name string) (*database.IcebergNamespace, error)
	ListIcebergNamespaces(ctx context.Context) ([]database.IcebergNamespace, error)
	SoftDeleteIcebergNamespace(ctx context.Context, name string) error
	CountIcebergNamespaces(ctx context.Context) (int64, error)
	CountIcebergTables(ctx context.Context, namespace string) (int64, error)
	CreateIcebergTable(ctx context.Context, namespace, name, shardID string) (*database.IcebergTable, error)
	FindIcebergTable(ctx context.Context, namespace, name string) (*database.IcebergTable, error)
	ListIcebergTables(ctx context.Context, namespace string) ([]database.IcebergTable, error)
	SoftDeleteIcebergTable(ctx context.Context, namespace, name string) (*database.IcebergTable, error)
	ReserveShard(ctx context.Context) (string, error)
	FreeShard(ctx context.Context, id string) error
}

// Database runs metastore transactions.
type Database interface {
	WithTransaction(ctx context.Context, tenant string, fn func(tx Tx) error) error
}

type storeDatabase struct {
	store *database.Store
}

func (s storeDatabase) WithTransaction(ctx context.Context, tenant string, fn func(tx Tx) error) error {
	return s.store.WithTransaction(ctx, tenant, func(tx *database.Tx) error {
		return fn(tx)
	})
}

// NewDatabase adapts a metastore to the catalog's Database interface.
func NewDatabase(store *database.Store) Database {
	return storeDatabase{store: store}
}

// LimitsProvider resolves the per-tenant resource limits.
type LimitsProvider interface {
	Limits(ctx context.Context, tenantID string) (tenant.Limits, error)
}

// Config wires the tenant catalog.
type Config struct {
	Database Database
	Upstream Upstream
	Limits   LimitsProvider
	// Tenant scopes every operation.
	Tenant api.Tenant
	// Suffix is the deployment-configured reserved Iceberg suffix,
	// additional to the global reserved set.
	Suffix string
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
	if c.Upstream == nil {
		return trace.BadParameter("missing Upstream")
	}
	if c.Limits == nil {
		return trace.BadParameter("missing Limits")
	}
	if c.Tenant.Ref == "" {
		return trace.BadParameter("missing Tenant")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.With("tenant", c.Tenant.Ref)
	}
	return nil
}

// Catalog is the per-tenant facade over the warehouse shards.
type Catalog struct {
	cfg      Config
	reserved []string
}

// NewCatalog builds a Catalog.
func NewCatalog(cfg Config) (*Catalog, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Catalog{cfg: cfg, reserved: reservedSuffixes(cfg.Suffix)}, nil
}

func (c *Catalog) lockID(namespace string) string {
	return c.cfg.Tenant.Ref + ":" + namespace
}

// CreateNamespace allocates the internal name and inserts the mapping row.
// The upstream namespace is created lazily when the first table lands on a
// shard.
func (c *Catalog) CreateNamespace(ctx context.Context, name string) (ns *database.IcebergNamespace, err error) {
	if err := ValidateResourceName(name, c.reserved); err != nil {
		return nil, trace.Wrap(err)
	}
	limits, err := c.cfg.Limits.Limits(ctx, c.cfg.Tenant.Ref)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	err = c.cfg.Database.WithTransaction(ctx, c.cfg.Tenant.Ref, func(tx Tx) error {
		if err := tx.LockResource(ctx, "namespace", c.lockID(name)); err != nil {
			return trace.Wrap(err)
		}
		if _, err := tx.FindIcebergNamespace(ctx, name); err == nil {
			return trace.AlreadyExists("namespace %q already exists", name)
		} else if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		if limits.MaxNamespaces > 0 {
			n, err := tx.CountIcebergNamespaces(ctx)
			if err != nil {
				return trace.Wrap(err)
			}
			if n >= int64(limits.MaxNamespaces) {
				return trace.LimitExceeded("namespace limit %d reached", limits.MaxNamespaces)
			}
		}
		ns, err = tx.CreateIcebergNamespace(ctx, name, newInternalName(c.cfg.Tenant.Ref))
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, api.ConvertError(err)
	}
	return ns, nil
}

// GetNamespace resolves a live namespace.
func (c *Catalog) GetNamespace(ctx context.Context, name string) (ns *database.IcebergNamespace, err error) {
	err = c.cfg.Database.WithTransaction(ctx, c.cfg.Tenant.Ref, func(tx Tx) error {
		ns, err = tx.FindIcebergNamespace(ctx, name)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, api.ConvertError(err)
	}
	return ns, nil
}

// ListNamespaces returns the tenant's live namespaces.
func (c *Catalog) ListNamespaces(ctx context.Context) (out []database.IcebergNamespace, err error) {
	err = c.cfg.Database.WithTransaction(ctx, c.cfg.Tenant.Ref, func(tx Tx) error {
		out, err = tx.ListIcebergNamespaces(ctx)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, api.ConvertError(err)
	}
	return out, nil
}

// DropNamespace soft-deletes the namespace. It fails while live tables
// remain; the internal name stays reserved forever.
func (c *Catalog) DropNamespace(ctx context.Context, name string) error {
	err := c.cfg.Database.WithTransaction(ctx, c.cfg.Tenant.Ref, func(tx Tx) error {
		if err := tx.LockResource(ctx, "namespace", c.lockID(name)); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(tx.SoftDeleteIcebergNamespace(ctx, name))
	})
	return api.ConvertError(err)
}

// CreateTable reserves a shard slot and creates the table upstream, all in
// one metastore transaction so a failed upstream call rolls the reservation
// back. The upstream namespace is created on first use; its 409 is ignored.
func (c *Catalog) CreateTable(ctx context.Context, namespace, name string, spec json.RawMessage) (tbl *database.IcebergTable, doc json.RawMessage, err error) {
	if err := ValidateResourceName(name, c.reserved); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	limits, err := c.cfg.Limits.Limits(ctx, c.cfg.Tenant.Ref)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	err = c.cfg.Database.WithTransaction(ctx, c.cfg.Tenant.Ref, func(tx Tx) error {
		if err := tx.LockResource(ctx, "namespace", c.lockID(namespace)); err != nil {
			return trace.Wrap(err)
		}
		ns, err := tx.FindIcebergNamespace(ctx, namespace)
		if err != nil {
			return trace.Wrap(err)
		}
		if limits.MaxTables > 0 {
			n, err := tx.CountIcebergTables(ctx, namespace)
			if err != nil {
				return trace.Wrap(err)
			}
			if n >= int64(limits.MaxTables) {
				return trace.LimitExceeded("table limit %d reached in namespace %q", limits.MaxTables, namespace)
			}
		}
		if _, err := tx.FindIcebergTable(ctx, namespace, name); err == nil {
			return trace.AlreadyExists("table %q already exists in namespace %q", name, namespace)
		} else if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}

		shardID, err := tx.ReserveShard(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := c.cfg.Upstream.CreateNamespace(ctx, shardID, ns.InternalName); err != nil && !IsAlreadyExists(err) {
			return trace.Wrap(err)
		}
		doc, err = c.cfg.Upstream.CreateTable(ctx, shardID, ns.InternalName, name, spec)
		if err != nil {
			return trace.Wrap(err)
		}
		tbl, err = tx.CreateIcebergTable(ctx, namespace, name, shardID)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, nil, api.ConvertError(err)
	}
	return tbl, doc, nil
}

// DropTable soft-deletes the metastore row, frees the shard slot and drops
// the table upstream. When the upstream namespace is left empty it is
// dropped too.
func (c *Catalog) DropTable(ctx context.Context, namespace, name string) error {
	err := c.cfg.Database.WithTransaction(ctx, c.cfg.Tenant.Ref, func(tx Tx) error {
		if err := tx.LockResource(ctx, "namespace", c.lockID(namespace)); err != nil {
			return trace.Wrap(err)
		}
		ns, err := tx.FindIcebergNamespace(ctx, namespace)
		if err != nil {
			return trace.Wrap(err)
		}
		tbl, err := tx.SoftDeleteIcebergTable(ctx, namespace, name)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := tx.FreeShard(ctx, tbl.ShardID); err != nil {
			return trace.Wrap(err)
		}
		if err := c.cfg.Upstream.DropTable(ctx, tbl.ShardID, ns.InternalName, name); err != nil {
			return trace.Wrap(err)
		}

		remaining, err := c.cfg.Upstream.ListTables(ctx, tbl.ShardID, ns.InternalName)
		if err != nil {
			// The table itself is gone; namespace GC can happen on the
			// next drop.
			c.cfg.Log.WarnContext(ctx, "failed to list upstream namespace after drop",
				"namespace", namespace, "shard", tbl.ShardID, "error", err)
			return nil
		}
		if len(remaining) == 0 {
			if err := c.cfg.Upstream.DropNamespace(ctx, tbl.ShardID, ns.InternalName); err != nil {
				c.cfg.Log.WarnContext(ctx, "failed to drop empty upstream namespace",
					"namespace", namespace, "shard", tbl.ShardID, "error", err)
			}
		}
		return nil
	})
	return api.ConvertError(err)
}

// ListTables returns the live tables of a namespace.
func (c *Catalog) ListTables(ctx context.Context, namespace string) (out []database.IcebergTable, err error) {
	err = c.cfg.Database.WithTransaction(ctx, c.cfg.Tenant.Ref, func(tx Tx) error {
		if _, err := tx.FindIcebergNamespace(ctx, namespace); err != nil {
			return trace.Wrap(err)
		}
		out, err = tx.ListIcebergTables(ctx, namespace)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, api.ConvertError(err)
	}
	return out, nil
}

// LoadTable proxies the upstream table document under the internal name.
func (c *Catalog) LoadTable(ctx context.Context, namespace, name string) (json.RawMessage, error) {
	var internalName, shardID string
	err := c.cfg.Database.WithTransaction(ctx, c.cfg.Tenant.Ref, func(tx Tx) error {
		ns, err := tx.FindIcebergNamespace(ctx, namespace)
		if err != nil {
			return trace.Wrap(err)
		}
		tbl, err := tx.FindIcebergTable(ctx, namespace, name)
		if err != nil {
			return trace.Wrap(err)
		}
		internalName, shardID = ns.InternalName, tbl.ShardID
		return nil
	})
	if err != nil {
		return nil, api.ConvertError(err)
	}
	doc, err := c.cfg.Upstream.LoadTable(ctx, shardID, internalName, name)
	return doc, trace.Wrap(err)
}
