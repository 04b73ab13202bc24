package objects

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/blob"
	"github.com/caskstorage/cask/lib/storage/database"
	"github.com/caskstorage/cask/lib/utils"
)

// errDryRun aborts a permission-check transaction after the simulated write
// succeeded. It never escapes this package.
var errDryRun = errors.New("dry run rollback")

// UploadRequest describes a single-shot object write.
type UploadRequest struct {
	BucketID     string
	Name         string
	Body         io.Reader
	MimeType     string
	CacheControl string
	UserMetadata map[string]string
	Owner        string
	// Upsert permits overwriting an existing object.
	Upsert bool
	// Post marks form-style uploads; the emitted event becomes
	// Object:Created:Post instead of Put.
	Post bool
	// ReqID correlates the emitted events with the request.
	ReqID string
}

// Upload streams the body into a fresh blob version and commits the row.
// The blob write happens before the row write; any failure in between
// schedules the new version for orphan deletion.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (obj *api.Object, err error) {
	defer func() { observe("upload", err) }()

	if !api.IsValidKey(req.Name) {
		return nil, api.NewError(api.CodeInvalidKey, "invalid object key %q", req.Name)
	}

	bucket, err := s.canUpload(ctx, req.BucketID, req.Name, req.Owner, req.Upsert)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.MimeType != "" && !bucket.AllowsMime(req.MimeType) {
		return nil, api.NewError(api.CodeInvalidRequest, "mime type %q is not allowed in bucket %q", req.MimeType, req.BucketID)
	}

	version := uuid.NewString()
	limited := utils.NewLimitReader(req.Body, s.maxFileSize(bucket))

	info, err := s.cfg.Blob.UploadObject(ctx, s.key(req.BucketID, req.Name), version, limited, req.MimeType, req.CacheControl)
	if err != nil {
		if limited.Exceeded() {
			return nil, api.NewError(api.CodeEntityTooLarge, "the object exceeded the maximum allowed size").WithCause(err)
		}
		return nil, api.ConvertError(err)
	}
	uploadedBytes.Add(float64(info.Size))

	eventType := api.ObjectCreatedPut
	if req.Post {
		eventType = api.ObjectCreatedPost
	}
	obj, err = s.complete(ctx, completeParams{
		BucketID:     req.BucketID,
		Name:         req.Name,
		Version:      version,
		Metadata:     objectMetadata(info),
		UserMetadata: req.UserMetadata,
		Owner:        req.Owner,
		Upsert:       req.Upsert,
		EventType:    eventType,
		ReqID:        req.ReqID,
	})
	if err != nil {
		// The bytes are in; make sure they don't outlive the failure.
		s.scheduleOrphan(ctx, req.BucketID, req.Name, version)
		return nil, trace.Wrap(err)
	}
	return obj, nil
}

type completeParams struct {
	BucketID     string
	Name         string
	Version      string
	Metadata     api.ObjectMetadata
	UserMetadata map[string]string
	Owner        string
	Upsert       bool
	EventType    api.EventType
	ReqID        string
}

// complete is the shared commit step of upload, copy and multipart
// completion: serialize on the object lock, read the current row under a
// row lock, upsert the new version and schedule the displaced version for
// deletion. The multipart state machine calls it after assembly.
func (s *Service) complete(ctx context.Context, p completeParams) (*api.Object, error) {
	var obj *api.Object
	err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		if err := tx.WaitObjectLock(ctx, p.BucketID, p.Name, "", s.cfg.LockWaitTimeout); err != nil {
			return trace.Wrap(err)
		}
		prior, err := tx.FindObject(ctx, p.BucketID, p.Name, database.ColsIdentity,
			database.FindOptions{ForUpdate: true, DontErrorOnEmpty: true})
		if err != nil {
			return trace.Wrap(err)
		}
		if prior != nil && !p.Upsert {
			return api.NewError(api.CodeKeyAlreadyExists, "key %q already exists in bucket %q", p.Name, p.BucketID)
		}

		obj, err = tx.UpsertObject(ctx, api.Object{
			BucketID:     p.BucketID,
			Name:         p.Name,
			Version:      p.Version,
			Metadata:     p.Metadata,
			UserMetadata: p.UserMetadata,
			Owner:        p.Owner,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if prior != nil && prior.Version != p.Version {
			if err := tx.ScheduleOrphanDelete(ctx, p.BucketID, p.Name, prior.Version); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, api.ConvertError(err)
	}

	s.emit(s.event(p.EventType, obj, p.ReqID))
	return obj, nil
}

// Complete exposes the commit step for the multipart state machine, which
// has already streamed its bytes.
func (s *Service) Complete(ctx context.Context, bucketID, name, version string, metadata api.ObjectMetadata, userMetadata map[string]string, owner, reqID string) (*api.Object, error) {
	obj, err := s.complete(ctx, completeParams{
		BucketID:     bucketID,
		Name:         name,
		Version:      version,
		Metadata:     metadata,
		UserMetadata: userMetadata,
		Owner:        owner,
		Upsert:       true,
		EventType:    api.ObjectCreatedPost,
		ReqID:        reqID,
	})
	if err != nil {
		s.scheduleOrphan(ctx, bucketID, name, version)
		return nil, trace.Wrap(err)
	}
	return obj, nil
}

// CanUpload exposes the write-permission check to the multipart state
// machine, which must settle it before blob-side assembly.
func (s *Service) CanUpload(ctx context.Context, bucketID, name, owner string, upsert bool) error {
	_, err := s.canUpload(ctx, bucketID, name, owner, upsert)
	return trace.Wrap(err)
}

// canUpload checks the write permission by simulating the row write inside
// a transaction that is always rolled back, and returns the bucket so the
// caller can apply its limits.
func (s *Service) canUpload(ctx context.Context, bucketID, name, owner string, upsert bool) (*api.Bucket, error) {
	var bucket *api.Bucket
	err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		var err error
		bucket, err = tx.FindBucket(ctx, bucketID)
		if err != nil {
			return trace.Wrap(err)
		}
		existing, err := tx.FindObject(ctx, bucketID, name, database.ColsIdentity,
			database.FindOptions{DontErrorOnEmpty: true})
		if err != nil {
			return trace.Wrap(err)
		}
		if existing != nil && !upsert {
			return api.NewError(api.CodeKeyAlreadyExists, "key %q already exists in bucket %q", name, bucketID)
		}

		probe := api.Object{BucketID: bucketID, Name: name, Version: uuid.NewString(), Owner: owner}
		if _, err := tx.UpsertObject(ctx, probe); err != nil {
			return trace.Wrap(err)
		}
		return errDryRun
	})
	if err != nil && !errors.Is(err, errDryRun) {
		if trace.IsNotFound(err) {
			return nil, api.NewError(api.CodeNoSuchBucket, "bucket %q does not exist", bucketID).WithCause(err)
		}
		return nil, api.ConvertError(err)
	}
	return bucket, nil
}

// scheduleOrphan enqueues an admin-delete for a stray blob version in its
// own service-role transaction. Enqueue failures are logged only: the sweep
// of in-flight uploads is the backstop.
func (s *Service) scheduleOrphan(ctx context.Context, bucketID, name, version string) {
	err := s.cfg.Database.AsSuperUser().WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		return tx.ScheduleOrphanDelete(ctx, bucketID, name, version)
	})
	if err != nil {
		s.cfg.Log.ErrorContext(ctx, "failed to schedule orphan deletion",
			"bucket", bucketID, "name", name, "version", version, "error", err)
	}
}

// objectMetadata converts blob-side info into the stored row metadata.
func objectMetadata(info blob.ObjectInfo) api.ObjectMetadata {
	return api.ObjectMetadata{
		Size:         info.Size,
		MimeType:     info.MimeType,
		CacheControl: info.CacheControl,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}
}
