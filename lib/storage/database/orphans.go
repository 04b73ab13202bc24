package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/caskstorage/cask/lib/storage/api"
)

// OrphanJob is a queued request to delete a blob version no longer
// referenced by a current object row. Jobs are idempotent: deleting an
// already-gone blob succeeds.
type OrphanJob struct {
	ID        int64
	Tenant    string
	BucketID  string
	Name      string
	Version   string
	Event     api.EventType
	Attempts  int32
	CreatedAt time.Time
}

// ScheduleOrphanDelete enqueues an admin-delete job for the given blob
// version inside the current transaction, so the job becomes visible only
// if the surrounding write commits.
func (t *Tx) ScheduleOrphanDelete(ctx context.Context, bucketID, name, version string) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO orphan_jobs
  (tenant_id, bucket_id, name, version, event, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		t.tenant, bucketID, name, version, string(api.ObjectAdminDelete), t.clock.Now().UTC(),
	)
	return convertError(err)
}

// ClaimOrphanJobs pops up to limit pending jobs, skipping rows other
// sweepers hold. Claimed rows are deleted; a failed job is re-enqueued by
// RequeueOrphanJob.
func (t *Tx) ClaimOrphanJobs(ctx context.Context, limit int) ([]OrphanJob, error) {
	rows, err := t.tx.Query(ctx, `DELETE FROM orphan_jobs
WHERE id = ANY(ARRAY(
  SELECT id FROM orphan_jobs ORDER BY id ASC LIMIT $1 FOR UPDATE SKIP LOCKED))
RETURNING id, tenant_id, bucket_id, name, version, event, attempts, created_at`,
		limit,
	)
	if err != nil {
		return nil, convertError(err)
	}
	return collectOrphanJobs(rows)
}

// RequeueOrphanJob puts a failed job back with its attempt counter bumped.
func (t *Tx) RequeueOrphanJob(ctx context.Context, job OrphanJob) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO orphan_jobs
  (tenant_id, bucket_id, name, version, event, attempts, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.Tenant, job.BucketID, job.Name, job.Version, string(job.Event), job.Attempts+1, job.CreatedAt,
	)
	return convertError(err)
}

// PendingOrphanJobs lists queued jobs for an object, newest last. Tests and
// the admin surface read the queue through it.
func (t *Tx) PendingOrphanJobs(ctx context.Context, bucketID, name string) ([]OrphanJob, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, tenant_id, bucket_id, name, version, event, attempts, created_at
FROM orphan_jobs
WHERE tenant_id = $1 AND bucket_id = $2 AND name = $3
ORDER BY id ASC`, t.tenant, bucketID, name)
	if err != nil {
		return nil, convertError(err)
	}
	return collectOrphanJobs(rows)
}

func collectOrphanJobs(rows pgx.Rows) ([]OrphanJob, error) {
	defer rows.Close()
	var out []OrphanJob
	for rows.Next() {
		var job OrphanJob
		var event string
		if err := rows.Scan(&job.ID, &job.Tenant, &job.BucketID, &job.Name, &job.Version,
			&event, &job.Attempts, &job.CreatedAt); err != nil {
			return nil, convertError(err)
		}
		job.Event = api.EventType(event)
		out = append(out, job)
	}
	return out, convertError(rows.Err())
}
