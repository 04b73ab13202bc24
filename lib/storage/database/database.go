// Package database is the transactional gateway to the metadata store. All
// bucket, object, multipart and orphan-job state lives in Postgres; every
// mutation of it goes through a Tx obtained from Store.WithTransaction so
// the object coordinator can keep database rows and blob versions moving in
// lockstep.
package database

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/caskstorage/cask"
	"github.com/caskstorage/cask/lib/defaults"
	logutils "github.com/caskstorage/cask/lib/utils/log"
)

var log = logutils.NewPackageLogger(cask.ComponentKey, cask.Component(cask.ComponentDatabase))

// Role selects the row-security posture of a transaction.
type Role string

const (
	// RoleAuthenticated is the default tenant-scoped role; row policies
	// restrict what it can see and touch.
	RoleAuthenticated Role = "authenticated"
	// RoleService bypasses row policies. Cleanup jobs and read-modify-write
	// flows that must observe rows the caller cannot run under it.
	RoleService Role = "service_role"
)

// Config holds the connection parameters for the store.
type Config struct {
	// ConnString is a pgx pool connection string.
	ConnString string
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration
	// Clock is used for timestamps, overridable in tests.
	Clock clockwork.Clock
	// Log is an optional logger, defaults to the package logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" {
		return trace.BadParameter("missing ConnString")
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaults.DatabaseConnectTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log
	}
	return nil
}

// Store owns the connection pool. A Store is scoped to a role; use
// AsSuperUser to obtain a service-role view backed by the same pool.
type Store struct {
	cfg  Config
	pool *pgxpool.Pool
	role Role
}

// New connects to the database and runs pending schema migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err, "parsing connection string")
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, trace.Wrap(err, "creating connection pool")
	}

	s := &Store{cfg: cfg, pool: pool, role: RoleAuthenticated}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Pool exposes the underlying pool for collaborators that manage their own
// connections (the notification broker hijacks one).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Clock returns the store clock.
func (s *Store) Clock() clockwork.Clock { return s.cfg.Clock }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// AsSuperUser returns a view of the store whose transactions run under the
// service role, bypassing row policies. The pool is shared.
func (s *Store) AsSuperUser() *Store {
	if s.role == RoleService {
		return s
	}
	clone := *s
	clone.role = RoleService
	return &clone
}

// Tx is a tenant-scoped transaction. All row operations hang off it.
type Tx struct {
	tx     pgx.Tx
	tenant string
	role   Role
	clock  clockwork.Clock
}

// Tenant returns the tenant the transaction is scoped to.
func (t *Tx) Tenant() string { return t.tenant }

// WithTransaction runs fn inside a transaction scoped to tenant. The
// transaction commits iff fn returns nil; any error rolls it back and is
// returned converted to the storage error taxonomy's underlying trace types.
func (s *Store) WithTransaction(ctx context.Context, tenant string, fn func(tx *Tx) error) error {
	if tenant == "" {
		return trace.BadParameter("missing tenant")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return convertError(err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.cfg.Log.WarnContext(ctx, "transaction rollback failed", "error", err)
		}
	}()

	// Row policies key off these settings; SET LOCAL scopes them to the
	// transaction.
	if _, err := tx.Exec(ctx,
		"SELECT set_config('cask.tenant_id', $1, true), set_config('cask.role', $2, true)",
		tenant, string(s.role),
	); err != nil {
		return convertError(err)
	}

	if err := fn(&Tx{tx: tx, tenant: tenant, role: s.role, clock: s.cfg.Clock}); err != nil {
		return trace.Wrap(err)
	}
	return convertError(tx.Commit(ctx))
}

// Begin opens a tenant-scoped transaction that outlives the call. The
// caller owns its lifetime and must Commit or Rollback it; the resumable
// upload locker holds one open for the duration of a lease.
func (s *Store) Begin(ctx context.Context, tenant string) (*Tx, error) {
	if tenant == "" {
		return nil, trace.BadParameter("missing tenant")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, convertError(err)
	}
	if _, err := tx.Exec(ctx,
		"SELECT set_config('cask.tenant_id', $1, true), set_config('cask.role', $2, true)",
		tenant, string(s.role),
	); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.cfg.Log.WarnContext(ctx, "transaction rollback failed", "error", rbErr)
		}
		return nil, convertError(err)
	}
	return &Tx{tx: tx, tenant: tenant, role: s.role, clock: s.cfg.Clock}, nil
}

// Commit completes a transaction obtained from Begin, releasing any
// advisory locks it holds.
func (t *Tx) Commit(ctx context.Context) error {
	return convertError(t.tx.Commit(ctx))
}

// Rollback abandons a transaction obtained from Begin.
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return convertError(err)
	}
	return nil
}

// convertError maps driver errors onto the trace taxonomy consumed by
// lib/storage/api.ConvertError.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return trace.AlreadyExists("already exists: %s", pgErr.Detail)
		case pgerrcode.ForeignKeyViolation:
			return trace.NotFound("referenced row does not exist: %s", pgErr.Detail)
		case pgerrcode.LockNotAvailable:
			return trace.CompareFailed("row is locked")
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return trace.CompareFailed("transaction conflict: %v", pgErr.Message)
		case pgerrcode.QueryCanceled:
			return trace.Wrap(context.DeadlineExceeded, "query canceled")
		case pgerrcode.InsufficientPrivilege:
			return trace.AccessDenied("insufficient database privileges")
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return trace.NotFound("not found")
	}
	return trace.Wrap(err)
}

// IsSerializationError reports whether err is a transient conflict worth a
// single retry (multipart progress updates do this).
func IsSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return trace.IsCompareFailed(err)
}
