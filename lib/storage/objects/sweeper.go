package objects

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/caskstorage/cask/lib/defaults"
	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/database"
)

// maxOrphanAttempts drops a job after this many failed deletions; the blob
// then waits for a manual reconcile instead of looping forever.
const maxOrphanAttempts = 10

// RunSweeper processes the orphan-job queue until ctx is done. Each pass
// claims a batch of jobs, deletes the referenced blob versions and requeues
// failures with a bumped attempt counter. Jobs are idempotent: deleting an
// already-gone blob succeeds.
func (s *Service) RunSweeper(ctx context.Context) {
	defer s.cfg.Log.InfoContext(ctx, "exited orphan sweep loop")

	for {
		for range defaults.MaxIterationLimit {
			n, err := s.sweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.cfg.Log.ErrorContext(ctx, "orphan sweep pass failed", "error", err)
				break
			}
			if n < defaults.SweepBatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(defaults.SweepPeriod):
		}
	}
}

// sweepOnce claims and processes one batch, returning how many jobs it
// claimed.
func (s *Service) sweepOnce(ctx context.Context) (int, error) {
	t0 := s.cfg.Clock.Now()
	var jobs []database.OrphanJob
	err := s.cfg.Database.AsSuperUser().WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		var err error
		jobs, err = tx.ClaimOrphanJobs(ctx, defaults.SweepBatchSize)
		return trace.Wrap(err)
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var failed []database.OrphanJob
	for _, job := range jobs {
		key := api.ObjectKey(job.Tenant, job.BucketID, job.Name)
		if err := s.cfg.Blob.DeleteObject(ctx, key, job.Version); err != nil {
			orphanJobsTotal.WithLabelValues("error").Inc()
			s.cfg.Log.ErrorContext(ctx, "orphan blob deletion failed",
				"bucket", job.BucketID, "name", job.Name, "version", job.Version,
				"attempts", job.Attempts, "error", err)
			if job.Attempts+1 < maxOrphanAttempts {
				failed = append(failed, job)
			}
			continue
		}
		orphanJobsTotal.WithLabelValues("ok").Inc()
	}

	if len(failed) > 0 {
		err := s.cfg.Database.AsSuperUser().WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
			for _, job := range failed {
				if err := tx.RequeueOrphanJob(ctx, job); err != nil {
					return trace.Wrap(err)
				}
			}
			return nil
		})
		if err != nil {
			return len(jobs), trace.Wrap(err)
		}
	}

	s.cfg.Log.DebugContext(ctx, "swept orphan jobs",
		"claimed", len(jobs), "requeued", len(failed),
		"elapsed", s.cfg.Clock.Since(t0).String())
	return len(jobs), nil
}
