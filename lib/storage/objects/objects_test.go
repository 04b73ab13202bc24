package objects

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/blob"
)

func newTestService(t *testing.T, db *fakeDB, store *blob.Memory) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Database: db,
		Blob:     store,
		Tenant:   api.Tenant{Ref: "t1", Host: "t1.example.com"},
		Clock:    clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return svc
}

func withBucket(db *fakeDB, bucket api.Bucket) *fakeDB {
	db.buckets[bucket.ID] = bucket
	return db
}

func TestUploadThenRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	svc := newTestService(t, db, store)

	obj, err := svc.Upload(ctx, UploadRequest{
		BucketID: "b",
		Name:     "k",
		Body:     strings.NewReader("hello"),
		MimeType: "text/plain",
	})
	require.NoError(t, err)
	require.NotEmpty(t, obj.Version)
	require.EqualValues(t, 5, obj.Metadata.Size)
	require.Equal(t, "text/plain", obj.Metadata.MimeType)
	require.NotEmpty(t, obj.Metadata.ETag)

	// The blob exists under the committed version.
	_, err = store.HeadObject(ctx, "t1/b/k", obj.Version)
	require.NoError(t, err)

	got, reader, err := svc.Read(ctx, "b", "k", blob.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, obj.Version, got.Version)
	body, err := io.ReadAll(reader.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
}

func TestUploadOverwriteSchedulesPriorVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	svc := newTestService(t, db, store)

	first, err := svc.Upload(ctx, UploadRequest{BucketID: "b", Name: "k", Body: strings.NewReader("v1"), Upsert: true})
	require.NoError(t, err)
	second, err := svc.Upload(ctx, UploadRequest{BucketID: "b", Name: "k", Body: strings.NewReader("v22"), Upsert: true})
	require.NoError(t, err)

	require.NotEqual(t, first.Version, second.Version)
	require.Equal(t, []string{first.Version}, db.orphanVersions("b", "k"))

	// The sweeper removes the displaced blob.
	_, err = svc.sweepOnce(ctx)
	require.NoError(t, err)
	_, err = store.HeadObject(ctx, "t1/b/k", first.Version)
	require.True(t, trace.IsNotFound(err))
	_, err = store.HeadObject(ctx, "t1/b/k", second.Version)
	require.NoError(t, err)
}

func TestUploadWithoutUpsertConflicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	svc := newTestService(t, db, blob.NewMemory(nil))

	_, err := svc.Upload(ctx, UploadRequest{BucketID: "b", Name: "k", Body: strings.NewReader("v1")})
	require.NoError(t, err)
	_, err = svc.Upload(ctx, UploadRequest{BucketID: "b", Name: "k", Body: strings.NewReader("v2")})
	require.True(t, api.IsCode(err, api.CodeKeyAlreadyExists), "got %v", err)
}

func TestUploadEnforcesBucketSizeLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limit := int64(3)
	db := withBucket(newFakeDB(), api.Bucket{ID: "b", FileSizeLimit: &limit})
	store := blob.NewMemory(nil)
	svc := newTestService(t, db, store)

	_, err := svc.Upload(ctx, UploadRequest{BucketID: "b", Name: "k", Body: strings.NewReader("hello")})
	require.True(t, api.IsCode(err, api.CodeEntityTooLarge), "got %v", err)
	// Nothing landed and no row exists.
	require.Equal(t, 0, store.Len())
	_, err = svc.Head(ctx, "b", "k")
	require.True(t, api.IsCode(err, api.CodeNoSuchKey), "got %v", err)
}

func TestUploadEnforcesMimeAllowList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b", AllowedMimeTypes: []string{"image/*"}})
	svc := newTestService(t, db, blob.NewMemory(nil))

	_, err := svc.Upload(ctx, UploadRequest{BucketID: "b", Name: "k", Body: strings.NewReader("x"), MimeType: "text/plain"})
	require.True(t, api.IsCode(err, api.CodeInvalidRequest), "got %v", err)

	_, err = svc.Upload(ctx, UploadRequest{BucketID: "b", Name: "k", Body: strings.NewReader("x"), MimeType: "image/png"})
	require.NoError(t, err)
}

func TestUploadCommitFailureSchedulesNewVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	svc := newTestService(t, db, store)

	// The permission probe is the first upsert; the commit is the second.
	// Only the commit fails.
	db.failUpsertAt = 2
	_, err := svc.Upload(ctx, UploadRequest{BucketID: "b", Name: "k2", Body: strings.NewReader("hello"), Upsert: true})
	require.Error(t, err)

	// The stray version was scheduled; after the sweep no blob remains for k2.
	versions := db.orphanVersions("b", "k2")
	require.Len(t, versions, 1)
	_, err = svc.sweepOnce(ctx)
	require.NoError(t, err)
	_, err = store.HeadObject(ctx, "t1/b/k2", versions[0])
	require.True(t, trace.IsNotFound(err))
}

func TestUploadRejectsInvalidKey(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, withBucket(newFakeDB(), api.Bucket{ID: "b"}), blob.NewMemory(nil))
	_, err := svc.Upload(context.Background(), UploadRequest{BucketID: "b", Name: "bad\x01key", Body: strings.NewReader("x")})
	require.True(t, api.IsCode(err, api.CodeInvalidKey), "got %v", err)
}

func TestUploadMissingBucket(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newFakeDB(), blob.NewMemory(nil))
	_, err := svc.Upload(context.Background(), UploadRequest{BucketID: "nope", Name: "k", Body: strings.NewReader("x")})
	require.True(t, api.IsCode(err, api.CodeNoSuchBucket), "got %v", err)
}

func TestDeleteRemovesRowAndBlob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	svc := newTestService(t, db, store)

	obj, err := svc.Upload(ctx, UploadRequest{BucketID: "b", Name: "k", Body: strings.NewReader("hello")})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "b", "k", "req-1"))
	_, err = svc.Head(ctx, "b", "k")
	require.True(t, api.IsCode(err, api.CodeNoSuchKey))
	_, err = store.HeadObject(ctx, "t1/b/k", obj.Version)
	require.True(t, trace.IsNotFound(err))

	require.True(t, api.IsCode(svc.Delete(ctx, "b", "k", "req-2"), api.CodeNoSuchKey))
}

func TestDeleteManyRemovesBlobsAndSidecars(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	svc := newTestService(t, db, store)

	var names []string
	for _, name := range []string{"a", "b", "c"} {
		_, err := svc.Upload(ctx, UploadRequest{BucketID: "b", Name: name, Body: strings.NewReader("x")})
		require.NoError(t, err)
		names = append(names, name)
	}

	deleted, err := svc.DeleteMany(ctx, "b", append(names, "missing"), "req-1")
	require.NoError(t, err)
	require.Len(t, deleted, 3)
	require.Equal(t, 0, store.Len())
}

func TestMoveRetargetsRowAndSchedulesOldVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	svc := newTestService(t, db, store)

	src, err := svc.Upload(ctx, UploadRequest{BucketID: "b", Name: "old", Body: strings.NewReader("hello")})
	require.NoError(t, err)

	moved, err := svc.Move(ctx, MoveRequest{BucketID: "b", SrcName: "old", DstName: "new"})
	require.NoError(t, err)
	require.Equal(t, "new", moved.Name)
	require.NotEqual(t, src.Version, moved.Version)

	_, err = svc.Head(ctx, "b", "old")
	require.True(t, api.IsCode(err, api.CodeNoSuchKey))
	require.Equal(t, []string{src.Version}, db.orphanVersions("b", "old"))

	// Moving onto itself returns the object unchanged.
	same, err := svc.Move(ctx, MoveRequest{BucketID: "b", SrcName: "new", DstName: "new"})
	require.NoError(t, err)
	require.Equal(t, moved.Version, same.Version)
}

func TestCopyCreatesIndependentObject(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	svc := newTestService(t, db, store)

	src, err := svc.Upload(ctx, UploadRequest{BucketID: "b", Name: "src", Body: strings.NewReader("hello")})
	require.NoError(t, err)

	dst, err := svc.Copy(ctx, CopyRequest{
		SrcBucketID: "b", SrcName: "src",
		DstBucketID: "b", DstName: "dst",
	})
	require.NoError(t, err)
	require.NotEqual(t, src.Version, dst.Version)

	// Both blobs are live.
	_, err = store.HeadObject(ctx, "t1/b/src", src.Version)
	require.NoError(t, err)
	_, err = store.HeadObject(ctx, "t1/b/dst", dst.Version)
	require.NoError(t, err)
}

func TestListObjectsV2DelimiterCollapse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	svc := newTestService(t, db, blob.NewMemory(nil))

	for _, name := range []string{"a/1.txt", "a/2.txt", "b.txt", "c/d/e.txt"} {
		_, err := svc.Upload(ctx, UploadRequest{BucketID: "b", Name: name, Body: strings.NewReader("x")})
		require.NoError(t, err)
	}

	res, err := svc.ListObjectsV2(ctx, ListRequest{BucketID: "b", Delimiter: "/"})
	require.NoError(t, err)
	require.Equal(t, []string{"a/", "c/"}, res.CommonPrefixes)
	require.Len(t, res.Objects, 1)
	require.Equal(t, "b.txt", res.Objects[0].Name)
	// KeyCount is folders plus files after collapse.
	require.Equal(t, 3, res.KeyCount)
	require.False(t, res.IsTruncated)
}

func TestListObjectsV2Pagination(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	svc := newTestService(t, db, blob.NewMemory(nil))

	for _, name := range []string{"a/1", "a/2", "b", "c/1", "d"} {
		_, err := svc.Upload(ctx, UploadRequest{BucketID: "b", Name: name, Body: strings.NewReader("x")})
		require.NoError(t, err)
	}

	page1, err := svc.ListObjectsV2(ctx, ListRequest{BucketID: "b", Delimiter: "/", MaxKeys: 2})
	require.NoError(t, err)
	require.True(t, page1.IsTruncated)
	require.Equal(t, 2, page1.KeyCount)
	require.NotEmpty(t, page1.NextContinuationToken)

	page2, err := svc.ListObjectsV2(ctx, ListRequest{
		BucketID: "b", Delimiter: "/", MaxKeys: 10,
		ContinuationToken: page1.NextContinuationToken,
	})
	require.NoError(t, err)
	require.False(t, page2.IsTruncated)

	// Across both pages: folders a/, c/ and files b, d, no duplicates.
	var all []string
	all = append(all, page1.CommonPrefixes...)
	for _, o := range page1.Objects {
		all = append(all, o.Name)
	}
	all = append(all, page2.CommonPrefixes...)
	for _, o := range page2.Objects {
		all = append(all, o.Name)
	}
	require.ElementsMatch(t, []string{"a/", "b", "c/", "d"}, all)
}

func TestSweeperRequeuesFailedJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	svc := newTestService(t, db, store)

	require.NoError(t, db.ScheduleOrphanDelete(ctx, "b", "k", "v-gone"))

	// Deleting a missing blob succeeds (idempotent job), so the queue
	// drains on the first pass.
	n, err := svc.sweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, db.orphanVersions("b", "k"))
}

func TestBatchByURLLength(t *testing.T) {
	t.Parallel()

	// "ab" encodes to itself: each name costs 2+9=11.
	names := []string{"ab", "ab", "ab", "ab"}
	batches := batchByURLLength(names, 22)
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 2)
	require.Len(t, batches[1], 2)

	// One byte less and only one name fits per batch: the accumulation is
	// encoded(p).length + 9 <= limit, exactly.
	batches = batchByURLLength(names, 21)
	require.Len(t, batches, 4)

	// An oversized single name still ships alone.
	batches = batchByURLLength([]string{strings.Repeat("x", 100)}, 50)
	require.Len(t, batches, 1)
}

func TestEncodeURIComponent(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc-_.!~*'()", encodeURIComponent("abc-_.!~*'()"))
	require.Equal(t, "a%20b", encodeURIComponent("a b"))
	require.Equal(t, "a%2Fb", encodeURIComponent("a/b"))
	require.Equal(t, "%E2%82%AC", encodeURIComponent("€"))
	require.Equal(t, "%00", encodeURIComponent("\x00"))
}
