package objects

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/database"
)

// fakeDB is an in-memory stand-in for the transactional gateway. It is not
// transactional: tests that exercise rollback behavior inject errors
// instead.
type fakeDB struct {
	mu      sync.Mutex
	buckets map[string]api.Bucket
	objects map[string]api.Object
	orphans []database.OrphanJob
	nextJob int64

	// failUpsertAt makes the Nth upsert fail (1-based); 0 disables.
	failUpsertAt   int
	failUpdate     bool
	upsertAttempts int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		buckets: make(map[string]api.Bucket),
		objects: make(map[string]api.Object),
	}
}

func objKey(bucketID, name string) string { return bucketID + "\x00" + name }

// WithTransaction snapshots the state and restores it when fn fails, so
// rolled-back permission probes leave no trace, like the real gateway.
func (f *fakeDB) WithTransaction(ctx context.Context, tenant string, fn func(tx Tx) error) error {
	f.mu.Lock()
	buckets := make(map[string]api.Bucket, len(f.buckets))
	for k, v := range f.buckets {
		buckets[k] = v
	}
	objects := make(map[string]api.Object, len(f.objects))
	for k, v := range f.objects {
		objects[k] = v
	}
	orphans := append([]database.OrphanJob(nil), f.orphans...)
	nextJob := f.nextJob
	f.mu.Unlock()

	if err := fn(f); err != nil {
		f.mu.Lock()
		f.buckets, f.objects, f.orphans, f.nextJob = buckets, objects, orphans, nextJob
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeDB) AsSuperUser() Database { return f }

func (f *fakeDB) FindBucket(ctx context.Context, id string) (*api.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.buckets[id]
	if !ok {
		return nil, trace.NotFound("bucket %q not found", id)
	}
	return &b, nil
}

func (f *fakeDB) CreateBucket(ctx context.Context, b api.Bucket) (*api.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buckets[b.ID]; ok {
		return nil, trace.AlreadyExists("bucket %q exists", b.ID)
	}
	f.buckets[b.ID] = b
	return &b, nil
}

func (f *fakeDB) ListBuckets(ctx context.Context) ([]api.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]api.Bucket, 0, len(f.buckets))
	for _, b := range f.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDB) DeleteBucket(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buckets[id]; !ok {
		return trace.NotFound("bucket %q not found", id)
	}
	for key := range f.objects {
		if strings.HasPrefix(key, id+"\x00") {
			return trace.BadParameter("bucket %q is not empty", id)
		}
	}
	delete(f.buckets, id)
	return nil
}

func (f *fakeDB) FindObject(ctx context.Context, bucketID, name string, cols database.ObjectColumns, opts database.FindOptions) (*api.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[objKey(bucketID, name)]
	if !ok {
		if opts.DontErrorOnEmpty {
			return nil, nil
		}
		return nil, trace.NotFound("object %q not found", name)
	}
	return &obj, nil
}

func (f *fakeDB) CreateObject(ctx context.Context, obj api.Object) (*api.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[objKey(obj.BucketID, obj.Name)]; ok {
		return nil, trace.AlreadyExists("object %q exists", obj.Name)
	}
	f.objects[objKey(obj.BucketID, obj.Name)] = obj
	return &obj, nil
}

func (f *fakeDB) UpsertObject(ctx context.Context, obj api.Object) (*api.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertAttempts++
	if f.failUpsertAt > 0 && f.upsertAttempts >= f.failUpsertAt {
		return nil, trace.ConnectionProblem(nil, "injected upsert failure")
	}
	f.objects[objKey(obj.BucketID, obj.Name)] = obj
	return &obj, nil
}

func (f *fakeDB) UpdateObject(ctx context.Context, bucketID, name string, update api.Object) (*api.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate {
		return nil, trace.ConnectionProblem(nil, "injected update failure")
	}
	if _, ok := f.objects[objKey(bucketID, name)]; !ok {
		return nil, trace.NotFound("object %q not found", name)
	}
	delete(f.objects, objKey(bucketID, name))
	update.BucketID = bucketID
	f.objects[objKey(bucketID, update.Name)] = update
	return &update, nil
}

func (f *fakeDB) DeleteObject(ctx context.Context, bucketID, name, version string) (*api.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[objKey(bucketID, name)]
	if !ok || (version != "" && obj.Version != version) {
		return nil, trace.NotFound("object %q not found", name)
	}
	delete(f.objects, objKey(bucketID, name))
	return &obj, nil
}

func (f *fakeDB) DeleteObjects(ctx context.Context, bucketID string, names []string) ([]api.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.Object
	for _, name := range names {
		if obj, ok := f.objects[objKey(bucketID, name)]; ok {
			delete(f.objects, objKey(bucketID, name))
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *fakeDB) ListObjects(ctx context.Context, bucketID string, opts database.ListOptions, cols database.ObjectColumns) ([]api.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.Object
	for key, obj := range f.objects {
		if !strings.HasPrefix(key, bucketID+"\x00") {
			continue
		}
		if !strings.HasPrefix(obj.Name, opts.Prefix) || obj.Name <= opts.StartAfter {
			continue
		}
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakeDB) WaitObjectLock(ctx context.Context, bucketID, name, version string, timeout time.Duration) error {
	return nil
}

func (f *fakeDB) ScheduleOrphanDelete(ctx context.Context, bucketID, name, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextJob++
	f.orphans = append(f.orphans, database.OrphanJob{
		ID:       f.nextJob,
		Tenant:   "t1",
		BucketID: bucketID,
		Name:     name,
		Version:  version,
		Event:    api.ObjectAdminDelete,
	})
	return nil
}

func (f *fakeDB) ClaimOrphanJobs(ctx context.Context, limit int) ([]database.OrphanJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(limit, len(f.orphans))
	claimed := append([]database.OrphanJob(nil), f.orphans[:n]...)
	f.orphans = f.orphans[n:]
	return claimed, nil
}

func (f *fakeDB) RequeueOrphanJob(ctx context.Context, job database.OrphanJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.Attempts++
	f.nextJob++
	job.ID = f.nextJob
	f.orphans = append(f.orphans, job)
	return nil
}

// orphanVersions returns the queued versions for an object, in order.
func (f *fakeDB) orphanVersions(bucketID, name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, job := range f.orphans {
		if job.BucketID == bucketID && job.Name == name {
			out = append(out, job.Version)
		}
	}
	return out
}
