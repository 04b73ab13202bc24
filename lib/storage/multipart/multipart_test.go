package multipart

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/blob"
	"github.com/caskstorage/cask/lib/storage/database"
)

// fakeDB holds uploads and parts in memory and restores a snapshot when a
// transaction callback fails, matching the real gateway's rollback.
type fakeDB struct {
	mu      sync.Mutex
	buckets map[string]api.Bucket
	uploads map[string]api.MultipartUpload
	parts   map[string][]api.UploadPart
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		buckets: make(map[string]api.Bucket),
		uploads: make(map[string]api.MultipartUpload),
		parts:   make(map[string][]api.UploadPart),
	}
}

func (f *fakeDB) WithTransaction(ctx context.Context, tenant string, fn func(tx Tx) error) error {
	f.mu.Lock()
	uploads := make(map[string]api.MultipartUpload, len(f.uploads))
	for k, v := range f.uploads {
		uploads[k] = v
	}
	parts := make(map[string][]api.UploadPart, len(f.parts))
	for k, v := range f.parts {
		parts[k] = append([]api.UploadPart(nil), v...)
	}
	f.mu.Unlock()

	if err := fn(f); err != nil {
		f.mu.Lock()
		f.uploads, f.parts = uploads, parts
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeDB) FindBucket(ctx context.Context, id string) (*api.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.buckets[id]
	if !ok {
		return nil, trace.NotFound("bucket %q not found", id)
	}
	return &b, nil
}

func (f *fakeDB) CreateMultipartUpload(ctx context.Context, u api.MultipartUpload) (*api.MultipartUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.uploads[u.ID]; ok {
		return nil, trace.AlreadyExists("upload %q exists", u.ID)
	}
	u.CreatedAt = time.Now()
	f.uploads[u.ID] = u
	return &u, nil
}

func (f *fakeDB) FindMultipartUpload(ctx context.Context, id string, opts database.FindOptions) (*api.MultipartUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[id]
	if !ok {
		return nil, trace.NotFound("upload %q not found", id)
	}
	return &u, nil
}

func (f *fakeDB) UpdateMultipartUploadProgress(ctx context.Context, id string, size int64, signature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[id]
	if !ok {
		return trace.NotFound("upload %q not found", id)
	}
	u.InProgressSize = size
	u.UploadSignature = signature
	f.uploads[id] = u
	return nil
}

func (f *fakeDB) InsertUploadPart(ctx context.Context, p api.UploadPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[p.UploadID] = append(f.parts[p.UploadID], p)
	return nil
}

func (f *fakeDB) ListParts(ctx context.Context, uploadID string, marker int32, maxParts int) ([]api.UploadPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.UploadPart
	for _, p := range f.parts[uploadID] {
		if p.PartNumber > marker {
			out = append(out, p)
		}
	}
	if maxParts > 0 && len(out) > maxParts {
		out = out[:maxParts]
	}
	return out, nil
}

func (f *fakeDB) DeleteMultipartUpload(ctx context.Context, id string) (*api.MultipartUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[id]
	if !ok {
		return nil, trace.NotFound("upload %q not found", id)
	}
	delete(f.uploads, id)
	delete(f.parts, id)
	return &u, nil
}

func (f *fakeDB) ListMultipartUploads(ctx context.Context, bucketID, keyMarker, uploadIDMarker string, limit int) ([]api.MultipartUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.MultipartUpload
	for _, u := range f.uploads {
		if u.BucketID == bucketID {
			out = append(out, u)
		}
	}
	return out, nil
}

// recordingCompleter stands in for the object coordinator.
type recordingCompleter struct {
	mu      sync.Mutex
	calls   []completeCall
	checks  []canUploadCall
	objects map[string]*api.Object
	// denyUpload fails every permission check when set.
	denyUpload error
	// onComplete runs after a recorded Complete, before it returns.
	onComplete func()
}

type completeCall struct {
	BucketID string
	Name     string
	Version  string
	Metadata api.ObjectMetadata
	Owner    string
}

type canUploadCall struct {
	BucketID string
	Name     string
	Owner    string
	Upsert   bool
}

func (r *recordingCompleter) CanUpload(ctx context.Context, bucketID, name, owner string, upsert bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, canUploadCall{BucketID: bucketID, Name: name, Owner: owner, Upsert: upsert})
	return r.denyUpload
}

func (r *recordingCompleter) Complete(ctx context.Context, bucketID, name, version string, metadata api.ObjectMetadata, userMetadata map[string]string, owner, reqID string) (*api.Object, error) {
	r.mu.Lock()
	r.calls = append(r.calls, completeCall{BucketID: bucketID, Name: name, Version: version, Metadata: metadata, Owner: owner})
	r.mu.Unlock()
	if r.onComplete != nil {
		r.onComplete()
	}
	return &api.Object{BucketID: bucketID, Name: name, Version: version, Metadata: metadata, Owner: owner}, nil
}

func (r *recordingCompleter) Head(ctx context.Context, bucketID, name string) (*api.Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[bucketID+"/"+name]
	if !ok {
		return nil, api.NewError(api.CodeNoSuchKey, "object %q does not exist", name)
	}
	return obj, nil
}

func newTestService(t *testing.T, db *fakeDB, store blob.Adapter, completer Completer) *Service {
	t.Helper()
	if completer == nil {
		completer = &recordingCompleter{}
	}
	svc, err := NewService(Config{
		Database:   db,
		Blob:       store,
		Objects:    completer,
		SigningKey: []byte("test-signing-key"),
		Tenant:     api.Tenant{Ref: "t1", Host: "t1.example.com"},
		Clock:      clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return svc
}

func withBucket(db *fakeDB, bucket api.Bucket) *fakeDB {
	db.buckets[bucket.ID] = bucket
	return db
}

func TestInitiateStartsAtSignedZero(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	svc := newTestService(t, db, blob.NewMemory(nil), nil)

	upload, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: "k", MimeType: "text/plain"})
	require.NoError(t, err)
	require.NotEmpty(t, upload.ID)
	require.NotEmpty(t, upload.Version)
	require.Zero(t, upload.InProgressSize)
	require.NoError(t, svc.signer.Verify(upload.UploadSignature, 0))
}

func TestInitiateMissingBucket(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newFakeDB(), blob.NewMemory(nil), nil)
	_, err := svc.Initiate(context.Background(), InitiateRequest{BucketID: "nope", Key: "k"})
	require.True(t, api.IsCode(err, api.CodeNoSuchBucket), "got %v", err)
}

func TestInitiateEnforcesMimeAllowList(t *testing.T) {
	t.Parallel()

	db := withBucket(newFakeDB(), api.Bucket{ID: "b", AllowedMimeTypes: []string{"image/*"}})
	svc := newTestService(t, db, blob.NewMemory(nil), nil)
	_, err := svc.Initiate(context.Background(), InitiateRequest{BucketID: "b", Key: "k", MimeType: "text/plain"})
	require.True(t, api.IsCode(err, api.CodeInvalidRequest), "got %v", err)
}

func TestUploadPartAdvancesSignedProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	svc := newTestService(t, db, blob.NewMemory(nil), nil)

	upload, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: "k"})
	require.NoError(t, err)

	part, err := svc.UploadPart(ctx, UploadPartRequest{
		UploadID:      upload.ID,
		PartNumber:    1,
		Body:          strings.NewReader("12345678"),
		ContentLength: 8,
	})
	require.NoError(t, err)
	require.NotEmpty(t, part.ETag)

	stored := db.uploads[upload.ID]
	require.EqualValues(t, 8, stored.InProgressSize)
	require.NoError(t, svc.signer.Verify(stored.UploadSignature, 8))
	require.Len(t, db.parts[upload.ID], 1)
}

func TestUploadPartRejectsTamperedProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	svc := newTestService(t, db, blob.NewMemory(nil), nil)

	upload, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: "k"})
	require.NoError(t, err)

	_, err = svc.UploadPart(ctx, UploadPartRequest{
		UploadID: upload.ID, PartNumber: 1,
		Body: strings.NewReader("12345678"), ContentLength: 8,
	})
	require.NoError(t, err)

	// Rewind the accounted size behind the signature's back, as a replayed
	// or tampered row would.
	tampered := db.uploads[upload.ID]
	tampered.InProgressSize = 0
	db.uploads[upload.ID] = tampered

	_, err = svc.UploadPart(ctx, UploadPartRequest{
		UploadID: upload.ID, PartNumber: 2,
		Body: strings.NewReader("12345678"), ContentLength: 8,
	})
	require.True(t, api.IsCode(err, api.CodeInvalidUploadSignature), "got %v", err)
	// The rejected part left the row untouched.
	require.EqualValues(t, 0, db.uploads[upload.ID].InProgressSize)
	require.Len(t, db.parts[upload.ID], 1)
}

func TestUploadPartEnforcesSizeCaps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limit := int64(10)
	db := withBucket(newFakeDB(), api.Bucket{ID: "b", FileSizeLimit: &limit})
	svc := newTestService(t, db, blob.NewMemory(nil), nil)

	upload, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: "k"})
	require.NoError(t, err)

	_, err = svc.UploadPart(ctx, UploadPartRequest{
		UploadID: upload.ID, PartNumber: 1,
		Body: strings.NewReader("123456"), ContentLength: 6,
	})
	require.NoError(t, err)

	// A second part would push the total past the bucket cap; the accounted
	// size stays where it was.
	_, err = svc.UploadPart(ctx, UploadPartRequest{
		UploadID: upload.ID, PartNumber: 2,
		Body: strings.NewReader("123456"), ContentLength: 6,
	})
	require.True(t, api.IsCode(err, api.CodeEntityTooLarge), "got %v", err)
	require.EqualValues(t, 6, db.uploads[upload.ID].InProgressSize)

	_, err = svc.UploadPart(ctx, UploadPartRequest{
		UploadID: upload.ID, PartNumber: 2,
		Body: strings.NewReader("x"), ContentLength: -1,
	})
	require.True(t, api.IsCode(err, api.CodeMissingContentLength), "got %v", err)
}

// failingBlob fails UploadPart so the progress compensation path runs.
type failingBlob struct {
	blob.Adapter
}

func (f failingBlob) UploadPart(ctx context.Context, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (string, error) {
	io.Copy(io.Discard, body)
	return "", trace.ConnectionProblem(errors.New("injected"), "stream failed")
}

func TestUploadPartFailureRollsBackProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	svc := newTestService(t, db, blob.NewMemory(nil), nil)

	upload, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: "k"})
	require.NoError(t, err)

	// Swap in a blob adapter that fails the stream after the progress was
	// accounted.
	svc.cfg.Blob = failingBlob{Adapter: svc.cfg.Blob}
	_, err = svc.UploadPart(ctx, UploadPartRequest{
		UploadID: upload.ID, PartNumber: 1,
		Body: strings.NewReader("12345678"), ContentLength: 8,
	})
	require.Error(t, err)

	// The compensation subtracted the bytes and re-signed, so the next part
	// still verifies.
	stored := db.uploads[upload.ID]
	require.EqualValues(t, 0, stored.InProgressSize)
	require.NoError(t, svc.signer.Verify(stored.UploadSignature, 0))
}

func TestCompleteCreatesObjectAndDropsUpload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	completer := &recordingCompleter{}
	svc := newTestService(t, db, store, completer)

	upload, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: "k", MimeType: "text/plain"})
	require.NoError(t, err)

	part, err := svc.UploadPart(ctx, UploadPartRequest{
		UploadID: upload.ID, PartNumber: 1,
		Body: strings.NewReader("12345678"), ContentLength: 8,
	})
	require.NoError(t, err)

	obj, err := svc.Complete(ctx, CompleteRequest{
		UploadID: upload.ID,
		Parts:    []blob.UploadedPart{{PartNumber: 1, ETag: part.ETag}},
	})
	require.NoError(t, err)
	require.Equal(t, upload.Version, obj.Version)
	require.EqualValues(t, 8, obj.Metadata.Size)

	// The coordinator committed the row and the upload row is gone.
	require.Len(t, completer.calls, 1)
	require.Equal(t, "k", completer.calls[0].Name)
	require.Empty(t, db.uploads)

	// The assembled blob is readable under the allocated version.
	reader, err := store.GetObject(ctx, "t1/b/k", upload.Version, blob.GetOptions{})
	require.NoError(t, err)
	body, err := io.ReadAll(reader.Body)
	require.NoError(t, err)
	require.Equal(t, "12345678", string(body))
}

func TestCompleteUsesStoredPartsWhenNoneGiven(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	svc := newTestService(t, db, store, nil)

	upload, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: "k"})
	require.NoError(t, err)
	for i, chunk := range []string{"aaaa", "bbbb"} {
		_, err := svc.UploadPart(ctx, UploadPartRequest{
			UploadID: upload.ID, PartNumber: int32(i + 1),
			Body: strings.NewReader(chunk), ContentLength: int64(len(chunk)),
		})
		require.NoError(t, err)
	}

	obj, err := svc.Complete(ctx, CompleteRequest{UploadID: upload.ID})
	require.NoError(t, err)
	require.EqualValues(t, 8, obj.Metadata.Size)
}

func TestCompleteChecksWritePermissionBeforeAssembly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	completer := &recordingCompleter{denyUpload: api.NewError(api.CodeAccessDenied, "write denied")}
	svc := newTestService(t, db, blob.NewMemory(nil), completer)

	upload, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: "k", Owner: "alice"})
	require.NoError(t, err)
	part, err := svc.UploadPart(ctx, UploadPartRequest{
		UploadID: upload.ID, PartNumber: 1,
		Body: strings.NewReader("12345678"), ContentLength: 8,
	})
	require.NoError(t, err)

	// The denied check runs as an upsert on the upload's key, before the
	// blob assembly and before the row commit.
	_, err = svc.Complete(ctx, CompleteRequest{
		UploadID: upload.ID,
		Parts:    []blob.UploadedPart{{PartNumber: 1, ETag: part.ETag}},
	})
	require.True(t, api.IsCode(err, api.CodeAccessDenied), "got %v", err)
	require.Equal(t, []canUploadCall{{BucketID: "b", Name: "k", Owner: "alice", Upsert: true}}, completer.checks)
	require.Empty(t, completer.calls)
	require.Contains(t, db.uploads, upload.ID)

	// Abort runs the same check and leaves the upload in place when denied.
	require.True(t, api.IsCode(svc.Abort(ctx, upload.ID), api.CodeAccessDenied))
	require.Contains(t, db.uploads, upload.ID)

	// Once permitted, the upload completes normally.
	completer.denyUpload = nil
	_, err = svc.Complete(ctx, CompleteRequest{
		UploadID: upload.ID,
		Parts:    []blob.UploadedPart{{PartNumber: 1, ETag: part.ETag}},
	})
	require.NoError(t, err)
	require.Len(t, completer.calls, 1)
}

func TestCompleteToleratesRacingRowDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	completer := &recordingCompleter{}
	svc := newTestService(t, db, blob.NewMemory(nil), completer)

	upload, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: "k"})
	require.NoError(t, err)
	part, err := svc.UploadPart(ctx, UploadPartRequest{
		UploadID: upload.ID, PartNumber: 1,
		Body: strings.NewReader("12345678"), ContentLength: 8,
	})
	require.NoError(t, err)

	// A racing abort drops the row between the commit and the final delete.
	completer.onComplete = func() {
		_, err := db.DeleteMultipartUpload(ctx, upload.ID)
		require.NoError(t, err)
	}
	obj, err := svc.Complete(ctx, CompleteRequest{
		UploadID: upload.ID,
		Parts:    []blob.UploadedPart{{PartNumber: 1, ETag: part.ETag}},
	})
	require.NoError(t, err)
	require.Equal(t, upload.Version, obj.Version)
	require.Empty(t, db.uploads)
}

func TestAbortRemovesUpload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	svc := newTestService(t, db, store, nil)

	upload, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: "k"})
	require.NoError(t, err)
	_, err = svc.UploadPart(ctx, UploadPartRequest{
		UploadID: upload.ID, PartNumber: 1,
		Body: strings.NewReader("x"), ContentLength: 1,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Abort(ctx, upload.ID))
	require.Empty(t, db.uploads)
	require.True(t, api.IsCode(svc.Abort(ctx, upload.ID), api.CodeNoSuchUpload))
}

func TestAbortRetrySucceedsAfterPartialAbort(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	svc := newTestService(t, db, store, nil)

	upload, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: "k"})
	require.NoError(t, err)
	_, err = svc.UploadPart(ctx, UploadPartRequest{
		UploadID: upload.ID, PartNumber: 1,
		Body: strings.NewReader("x"), ContentLength: 1,
	})
	require.NoError(t, err)

	// A prior abort removed the blob-side upload but crashed before the row
	// delete. The retry must still destroy the row, or the sweep would log
	// the same failure forever.
	require.NoError(t, store.AbortMultipartUpload(ctx, "t1/b/k", upload.Version, upload.ID))
	require.NoError(t, svc.Abort(ctx, upload.ID))
	require.Empty(t, db.uploads)
}

func TestUploadPartCopyAccountsSourceSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	store := blob.NewMemory(nil)
	completer := &recordingCompleter{objects: make(map[string]*api.Object)}
	svc := newTestService(t, db, store, completer)

	// Seed the copy source both blob-side and in the coordinator fake.
	info, err := store.UploadObject(ctx, "t1/b/src", "v-src", strings.NewReader("0123456789"), "text/plain", "")
	require.NoError(t, err)
	completer.objects["b/src"] = &api.Object{
		BucketID: "b", Name: "src", Version: "v-src",
		Metadata: api.ObjectMetadata{Size: info.Size, ETag: info.ETag},
	}

	upload, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: "dst"})
	require.NoError(t, err)

	part, err := svc.UploadPartCopy(ctx, UploadPartCopyRequest{
		UploadID: upload.ID, PartNumber: 1,
		SrcBucket: "b", SrcName: "src",
		Range: &blob.Range{Start: 2, End: 5},
	})
	require.NoError(t, err)
	require.NotEmpty(t, part.ETag)
	require.EqualValues(t, 4, db.uploads[upload.ID].InProgressSize)

	obj, err := svc.Complete(ctx, CompleteRequest{UploadID: upload.ID})
	require.NoError(t, err)
	require.EqualValues(t, 4, obj.Metadata.Size)

	reader, err := store.GetObject(ctx, "t1/b/dst", upload.Version, blob.GetOptions{})
	require.NoError(t, err)
	body, err := io.ReadAll(reader.Body)
	require.NoError(t, err)
	require.Equal(t, "2345", string(body))

	// An unsatisfiable range never touches the accounting.
	_, err = svc.UploadPartCopy(ctx, UploadPartCopyRequest{
		UploadID: upload.ID, PartNumber: 2,
		SrcBucket: "b", SrcName: "src",
		Range: &blob.Range{Start: 5, End: 50},
	})
	require.True(t, api.IsCode(err, api.CodeInvalidRequest), "got %v", err)
}

func TestListUploads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := withBucket(newFakeDB(), api.Bucket{ID: "b"})
	svc := newTestService(t, db, blob.NewMemory(nil), nil)

	for _, key := range []string{"k1", "k2"} {
		_, err := svc.Initiate(ctx, InitiateRequest{BucketID: "b", Key: key})
		require.NoError(t, err)
	}
	uploads, err := svc.List(ctx, "b", "", "", 0)
	require.NoError(t, err)
	require.Len(t, uploads, 2)
}

func TestProgressSigner(t *testing.T) {
	t.Parallel()

	signer := NewProgressSigner([]byte("secret"))
	sig := signer.Sign(42)
	require.NoError(t, signer.Verify(sig, 42))
	require.True(t, api.IsCode(signer.Verify(sig, 43), api.CodeInvalidUploadSignature))
	require.True(t, api.IsCode(signer.Verify(sig+"x", 42), api.CodeInvalidUploadSignature))
	require.NotEqual(t, sig, NewProgressSigner([]byte("other")).Sign(42))
}
