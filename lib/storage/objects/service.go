// Package objects is the object lifecycle coordinator. It owns the
// invariant between the metadata database and the blob store: on return
// from any mutation, either both sides are updated and a webhook was
// scheduled, or no database row points at a missing blob. Failures after
// bytes landed schedule the stray version for deletion by the orphan
// sweeper.
package objects

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/caskstorage/cask"
	"github.com/caskstorage/cask/lib/defaults"
	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/blob"
	"github.com/caskstorage/cask/lib/storage/database"
	"github.com/caskstorage/cask/lib/storage/webhook"
	logutils "github.com/caskstorage/cask/lib/utils/log"
)

var log = logutils.NewPackageLogger(cask.ComponentKey, cask.Component(cask.ComponentObjects))

// Tx is the slice of the database transaction the coordinator uses. The
// concrete implementation is database.Tx; tests substitute an in-memory
// fake.
type Tx interface {
	FindBucket(ctx context.Context, id string) (*api.Bucket, error)
	CreateBucket(ctx context.Context, b api.Bucket) (*api.Bucket, error)
	ListBuckets(ctx context.Context) ([]api.Bucket, error)
	DeleteBucket(ctx context.Context, id string) error
	FindObject(ctx context.Context, bucketID, name string, cols database.ObjectColumns, opts database.FindOptions) (*api.Object, error)
	CreateObject(ctx context.Context, obj api.Object) (*api.Object, error)
	UpsertObject(ctx context.Context, obj api.Object) (*api.Object, error)
	UpdateObject(ctx context.Context, bucketID, name string, update api.Object) (*api.Object, error)
	DeleteObject(ctx context.Context, bucketID, name, version string) (*api.Object, error)
	DeleteObjects(ctx context.Context, bucketID string, names []string) ([]api.Object, error)
	ListObjects(ctx context.Context, bucketID string, opts database.ListOptions, cols database.ObjectColumns) ([]api.Object, error)
	WaitObjectLock(ctx context.Context, bucketID, name, version string, timeout time.Duration) error
	ScheduleOrphanDelete(ctx context.Context, bucketID, name, version string) error
	ClaimOrphanJobs(ctx context.Context, limit int) ([]database.OrphanJob, error)
	RequeueOrphanJob(ctx context.Context, job database.OrphanJob) error
}

// Database abstracts the transactional gateway.
type Database interface {
	WithTransaction(ctx context.Context, tenant string, fn func(tx Tx) error) error
	AsSuperUser() Database
}

// NewDatabase adapts a concrete store to the coordinator's Database.
func NewDatabase(store *database.Store) Database {
	return storeDatabase{store: store}
}

type storeDatabase struct {
	store *database.Store
}

func (s storeDatabase) WithTransaction(ctx context.Context, tenant string, fn func(tx Tx) error) error {
	return s.store.WithTransaction(ctx, tenant, func(tx *database.Tx) error {
		return fn(tx)
	})
}

func (s storeDatabase) AsSuperUser() Database {
	return storeDatabase{store: s.store.AsSuperUser()}
}

// Config configures the coordinator for one tenant.
type Config struct {
	// Database is the metadata gateway.
	Database Database
	// Blob is the byte store adapter.
	Blob blob.Adapter
	// Webhooks dispatches lifecycle events; nil disables dispatch.
	Webhooks *webhook.Dispatcher
	// Tenant scopes every operation.
	Tenant api.Tenant
	// FileSizeLimit is the tenant-wide per-object cap in bytes.
	FileSizeLimit int64
	// URLLengthLimit bounds delete-many batch sizes.
	URLLengthLimit int
	// LockWaitTimeout bounds WaitObjectLock inside write transactions.
	LockWaitTimeout time.Duration
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
	if c.Blob == nil {
		return trace.BadParameter("missing Blob")
	}
	if c.Tenant.Ref == "" {
		return trace.BadParameter("missing Tenant")
	}
	if c.FileSizeLimit <= 0 {
		c.FileSizeLimit = defaults.DefaultFileSizeLimit
	}
	if c.URLLengthLimit <= 0 {
		c.URLLengthLimit = defaults.URLLengthLimit
	}
	if c.LockWaitTimeout <= 0 {
		c.LockWaitTimeout = defaults.ObjectLockWaitTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.With("tenant", c.Tenant.Ref)
	}
	return nil
}

// Service is the per-tenant coordinator.
type Service struct {
	cfg Config
}

// NewService builds a coordinator.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg}, nil
}

// Tenant returns the tenant the service operates for.
func (s *Service) Tenant() api.Tenant { return s.cfg.Tenant }

// key derives the unversioned blob key of an object.
func (s *Service) key(bucketID, name string) string {
	return api.ObjectKey(s.cfg.Tenant.Ref, bucketID, name)
}

// maxFileSize resolves the effective cap: the smallest of the bucket limit,
// the tenant limit and the configured default.
func (s *Service) maxFileSize(bucket *api.Bucket) int64 {
	limit := min(s.cfg.FileSizeLimit, defaults.DefaultFileSizeLimit)
	if bucket != nil && bucket.FileSizeLimit != nil && *bucket.FileSizeLimit > 0 {
		limit = min(limit, *bucket.FileSizeLimit)
	}
	return limit
}

// emit dispatches lifecycle events, best-effort. Delivery runs detached
// from the request context so a finished request doesn't cancel it.
func (s *Service) emit(events ...api.Event) {
	if s.cfg.Webhooks == nil {
		return
	}
	s.cfg.Webhooks.Dispatch(context.Background(), s.cfg.Tenant, events...)
}

// event builds a lifecycle event for an object.
func (s *Service) event(eventType api.EventType, obj *api.Object, reqID string) api.Event {
	payload := api.EventPayload{
		Tenant:   s.cfg.Tenant,
		BucketID: obj.BucketID,
		Name:     obj.Name,
		Version:  obj.Version,
		ReqID:    reqID,
	}
	switch eventType {
	case api.ObjectCreatedPut, api.ObjectCreatedPost, api.ObjectCreatedCopy,
		api.ObjectCreatedMove, api.ObjectUpdatedMetadata:
		metadata := obj.Metadata
		payload.Metadata = &metadata
	}
	return api.NewEvent(eventType, payload, s.cfg.Clock.Now())
}

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cask",
		Subsystem: "objects",
		Name:      "operations_total",
		Help:      "Object lifecycle operations by type and result.",
	}, []string{"operation", "result"})

	uploadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cask",
		Subsystem: "objects",
		Name:      "uploaded_bytes_total",
		Help:      "Bytes accepted by object uploads.",
	})

	orphanJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cask",
		Subsystem: "objects",
		Name:      "orphan_jobs_total",
		Help:      "Orphan cleanup jobs by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(operationsTotal, uploadedBytes, orphanJobsTotal)
}

// observe records the outcome of an operation.
func observe(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(operation, result).Inc()
}
