// Package multipart implements the S3 multipart upload state machine:
// initiate, upload-part, complete, abort. Upload progress is accounted
// server-side under a row lock and authenticated with an HMAC signature so
// a tampered or replayed part submission cannot inflate the accepted size.
package multipart

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/caskstorage/cask"
	"github.com/caskstorage/cask/lib/defaults"
	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/blob"
	"github.com/caskstorage/cask/lib/storage/database"
	"github.com/caskstorage/cask/lib/utils"
	logutils "github.com/caskstorage/cask/lib/utils/log"
)

var log = logutils.NewPackageLogger(cask.ComponentKey, cask.Component(cask.ComponentMultipart))

// Tx is the database slice the state machine uses; database.Tx implements
// it, tests substitute a fake.
type Tx interface {
	FindBucket(ctx context.Context, id string) (*api.Bucket, error)
	CreateMultipartUpload(ctx context.Context, u api.MultipartUpload) (*api.MultipartUpload, error)
	FindMultipartUpload(ctx context.Context, id string, opts database.FindOptions) (*api.MultipartUpload, error)
	UpdateMultipartUploadProgress(ctx context.Context, id string, size int64, signature string) error
	InsertUploadPart(ctx context.Context, p api.UploadPart) error
	ListParts(ctx context.Context, uploadID string, marker int32, maxParts int) ([]api.UploadPart, error)
	DeleteMultipartUpload(ctx context.Context, id string) (*api.MultipartUpload, error)
	ListMultipartUploads(ctx context.Context, bucketID, keyMarker, uploadIDMarker string, limit int) ([]api.MultipartUpload, error)
}

// Database abstracts the transactional gateway.
type Database interface {
	WithTransaction(ctx context.Context, tenant string, fn func(tx Tx) error) error
}

// NewDatabase adapts a concrete store.
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

// Completer is the slice of the object coordinator the state machine
// needs: checking the write permission, finalizing the object row once the
// blob side assembled, and resolving copy sources.
type Completer interface {
	CanUpload(ctx context.Context, bucketID, name, owner string, upsert bool) error
	Complete(ctx context.Context, bucketID, name, version string, metadata api.ObjectMetadata, userMetadata map[string]string, owner, reqID string) (*api.Object, error)
	Head(ctx context.Context, bucketID, name string) (*api.Object, error)
}

// Config configures the state machine for one tenant.
type Config struct {
	Database Database
	Blob     blob.Adapter
	// Objects finalizes completed uploads.
	Objects Completer
	// SigningKey secures the progress signatures.
	SigningKey []byte
	// Tenant scopes every operation.
	Tenant api.Tenant
	// FileSizeLimit is the tenant-wide per-object cap in bytes.
	FileSizeLimit int64
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
	if c.Objects == nil {
		return trace.BadParameter("missing Objects")
	}
	if len(c.SigningKey) == 0 {
		return trace.BadParameter("missing SigningKey")
	}
	if c.Tenant.Ref == "" {
		return trace.BadParameter("missing Tenant")
	}
	if c.FileSizeLimit <= 0 {
		c.FileSizeLimit = defaults.DefaultFileSizeLimit
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.With("tenant", c.Tenant.Ref)
	}
	return nil
}

// Service is the per-tenant multipart state machine.
type Service struct {
	cfg    Config
	signer *ProgressSigner
}

// NewService builds the state machine.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg, signer: NewProgressSigner(cfg.SigningKey)}, nil
}

func (s *Service) key(bucketID, name string) string {
	return api.ObjectKey(s.cfg.Tenant.Ref, bucketID, name)
}

func (s *Service) maxFileSize(bucket *api.Bucket) int64 {
	limit := min(s.cfg.FileSizeLimit, defaults.DefaultFileSizeLimit)
	if bucket != nil && bucket.FileSizeLimit != nil && *bucket.FileSizeLimit > 0 {
		limit = min(limit, *bucket.FileSizeLimit)
	}
	return limit
}

// InitiateRequest describes a CreateMultipartUpload call.
type InitiateRequest struct {
	BucketID     string
	Key          string
	MimeType     string
	CacheControl string
	UserMetadata map[string]string
	Owner        string
}

// Initiate opens a multipart upload: a fresh version is allocated, the blob
// store issues the upload id, and the row starts at progress zero with a
// matching signature.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*api.MultipartUpload, error) {
	if !api.IsValidKey(req.Key) {
		return nil, api.NewError(api.CodeInvalidKey, "invalid object key %q", req.Key)
	}

	var bucket *api.Bucket
	err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		var err error
		bucket, err = tx.FindBucket(ctx, req.BucketID)
		return trace.Wrap(err)
	})
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, api.NewError(api.CodeNoSuchBucket, "bucket %q does not exist", req.BucketID).WithCause(err)
		}
		return nil, api.ConvertError(err)
	}
	if req.MimeType != "" && !bucket.AllowsMime(req.MimeType) {
		return nil, api.NewError(api.CodeInvalidRequest, "mime type %q is not allowed in bucket %q", req.MimeType, req.BucketID)
	}

	version := uuid.NewString()
	uploadID, err := s.cfg.Blob.CreateMultipartUpload(ctx, s.key(req.BucketID, req.Key), version, req.MimeType, req.CacheControl)
	if err != nil {
		return nil, api.ConvertError(err)
	}

	var upload *api.MultipartUpload
	err = s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		var err error
		upload, err = tx.CreateMultipartUpload(ctx, api.MultipartUpload{
			ID:              uploadID,
			BucketID:        req.BucketID,
			Key:             req.Key,
			Version:         version,
			InProgressSize:  0,
			UploadSignature: s.signer.Sign(0),
			UserMetadata:    req.UserMetadata,
			Owner:           req.Owner,
			MimeType:        req.MimeType,
			CacheControl:    req.CacheControl,
		})
		return trace.Wrap(err)
	})
	if err != nil {
		// The blob-side upload would otherwise linger until the sweep.
		if abortErr := s.cfg.Blob.AbortMultipartUpload(ctx, s.key(req.BucketID, req.Key), version, uploadID); abortErr != nil {
			s.cfg.Log.ErrorContext(ctx, "failed to abort blob upload after row creation failure",
				"upload_id", uploadID, "error", abortErr)
		}
		return nil, api.ConvertError(err)
	}
	return upload, nil
}

// UploadPartRequest describes one part upload.
type UploadPartRequest struct {
	UploadID      string
	PartNumber    int32
	Body          io.Reader
	ContentLength int64
	ReqID         string
}

// UploadPart accounts the part size under a row lock, streams the bytes,
// and persists the part. A failed stream is compensated by rolling the
// accounted size back in a second transaction.
func (s *Service) UploadPart(ctx context.Context, req UploadPartRequest) (*api.UploadPart, error) {
	if req.ContentLength < 0 {
		return nil, api.NewError(api.CodeMissingContentLength, "part upload requires a content length")
	}
	if req.ContentLength > defaults.MaxPartSize {
		return nil, api.NewError(api.CodeEntityTooLarge, "part exceeds the maximum part size of %d bytes", defaults.MaxPartSize)
	}
	if req.PartNumber < 1 || int(req.PartNumber) > defaults.MaxPartsPerUpload {
		return nil, api.NewError(api.CodeInvalidRequest, "part number must be between 1 and %d", defaults.MaxPartsPerUpload)
	}

	upload, err := s.reserveProgress(ctx, req.UploadID, req.ContentLength)
	if err != nil {
		// A serialization conflict means another part raced the row; retry
		// once, further conflicts surface as a signature failure.
		if !database.IsSerializationError(err) {
			return nil, trace.Wrap(err)
		}
		upload, err = s.reserveProgress(ctx, req.UploadID, req.ContentLength)
		if err != nil {
			if database.IsSerializationError(err) {
				return nil, api.NewError(api.CodeInvalidUploadSignature, "upload progress changed concurrently")
			}
			return nil, trace.Wrap(err)
		}
	}

	limited := utils.NewLimitReader(req.Body, req.ContentLength)
	etag, err := s.cfg.Blob.UploadPart(ctx, s.key(upload.BucketID, upload.Key), upload.Version,
		upload.ID, req.PartNumber, limited, req.ContentLength)
	if err != nil {
		s.releaseProgress(ctx, req.UploadID, req.ContentLength)
		if limited.Exceeded() {
			return nil, api.NewError(api.CodeEntityTooLarge, "part body exceeded the declared content length")
		}
		return nil, api.ConvertError(err)
	}

	part := api.UploadPart{
		UploadID:   upload.ID,
		PartNumber: req.PartNumber,
		ETag:       etag,
		Version:    upload.Version,
	}
	err = s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		return trace.Wrap(tx.InsertUploadPart(ctx, part))
	})
	if err != nil {
		s.releaseProgress(ctx, req.UploadID, req.ContentLength)
		return nil, api.ConvertError(err)
	}
	return &part, nil
}

// UploadPartCopyRequest copies a part from an existing object.
type UploadPartCopyRequest struct {
	UploadID   string
	PartNumber int32
	SrcBucket  string
	SrcName    string
	// Range optionally restricts the copy to a byte range of the source.
	Range *blob.Range
	ReqID string
}

// UploadPartCopy accounts the copied size like UploadPart and has the blob
// store copy the bytes server-side.
func (s *Service) UploadPartCopy(ctx context.Context, req UploadPartCopyRequest) (*api.UploadPart, error) {
	if req.PartNumber < 1 || int(req.PartNumber) > defaults.MaxPartsPerUpload {
		return nil, api.NewError(api.CodeInvalidRequest, "part number must be between 1 and %d", defaults.MaxPartsPerUpload)
	}

	src, err := s.cfg.Objects.Head(ctx, req.SrcBucket, req.SrcName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	size := src.Metadata.Size
	if req.Range != nil {
		if req.Range.Start < 0 || req.Range.End < req.Range.Start || req.Range.End >= src.Metadata.Size {
			return nil, api.NewError(api.CodeInvalidRequest, "copy source range is not satisfiable")
		}
		size = req.Range.End - req.Range.Start + 1
	}
	if size > defaults.MaxPartSize {
		return nil, api.NewError(api.CodeEntityTooLarge, "part exceeds the maximum part size of %d bytes", defaults.MaxPartSize)
	}

	upload, err := s.reserveProgress(ctx, req.UploadID, size)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	etag, err := s.cfg.Blob.UploadPartCopy(ctx,
		s.key(upload.BucketID, upload.Key), upload.Version, upload.ID, req.PartNumber,
		s.key(req.SrcBucket, req.SrcName), src.Version, req.Range)
	if err != nil {
		s.releaseProgress(ctx, req.UploadID, size)
		return nil, api.ConvertError(err)
	}

	part := api.UploadPart{
		UploadID:   upload.ID,
		PartNumber: req.PartNumber,
		ETag:       etag,
		Version:    upload.Version,
	}
	err = s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		return trace.Wrap(tx.InsertUploadPart(ctx, part))
	})
	if err != nil {
		s.releaseProgress(ctx, req.UploadID, size)
		return nil, api.ConvertError(err)
	}
	return &part, nil
}

// List pages through the bucket's in-flight uploads.
func (s *Service) List(ctx context.Context, bucketID, keyMarker, uploadIDMarker string, maxUploads int) ([]api.MultipartUpload, error) {
	if maxUploads <= 0 || maxUploads > defaults.MaxListKeys {
		maxUploads = defaults.MaxListKeys
	}
	var uploads []api.MultipartUpload
	err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		var err error
		uploads, err = tx.ListMultipartUploads(ctx, bucketID, keyMarker, uploadIDMarker, maxUploads)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, api.ConvertError(err)
	}
	return uploads, nil
}

// reserveProgress bumps the accounted size under the row lock after
// verifying the stored signature and the size cap.
func (s *Service) reserveProgress(ctx context.Context, uploadID string, partBytes int64) (*api.MultipartUpload, error) {
	var upload *api.MultipartUpload
	err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		var err error
		upload, err = tx.FindMultipartUpload(ctx, uploadID, database.FindOptions{ForUpdate: true})
		if err != nil {
			if trace.IsNotFound(err) {
				return api.NewError(api.CodeNoSuchUpload, "upload %q does not exist", uploadID).WithCause(err)
			}
			return trace.Wrap(err)
		}
		if err := s.signer.Verify(upload.UploadSignature, upload.InProgressSize); err != nil {
			return trace.Wrap(err)
		}

		bucket, err := tx.FindBucket(ctx, upload.BucketID)
		if err != nil {
			return trace.Wrap(err)
		}
		newSize := upload.InProgressSize + partBytes
		if newSize > s.maxFileSize(bucket) {
			return api.NewError(api.CodeEntityTooLarge, "the upload exceeded the maximum allowed size")
		}
		if err := tx.UpdateMultipartUploadProgress(ctx, uploadID, newSize, s.signer.Sign(newSize)); err != nil {
			return trace.Wrap(err)
		}
		upload.InProgressSize = newSize
		return nil
	})
	if err != nil {
		return nil, api.ConvertError(err)
	}
	return upload, nil
}

// releaseProgress compensates a failed part upload by subtracting its bytes
// again. Failures are logged: the signature then blocks further parts and
// the client must retry or abort.
func (s *Service) releaseProgress(ctx context.Context, uploadID string, partBytes int64) {
	err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		upload, err := tx.FindMultipartUpload(ctx, uploadID, database.FindOptions{ForUpdate: true})
		if err != nil {
			return trace.Wrap(err)
		}
		newSize := max(upload.InProgressSize-partBytes, 0)
		return trace.Wrap(tx.UpdateMultipartUploadProgress(ctx, uploadID, newSize, s.signer.Sign(newSize)))
	})
	if err != nil {
		s.cfg.Log.ErrorContext(ctx, "failed to roll back upload progress",
			"upload_id", uploadID, "bytes", partBytes, "error", err)
	}
}

// CompleteRequest finalizes an upload. Parts may come from the request
// body; when empty the persisted parts are used, up to the part limit.
type CompleteRequest struct {
	UploadID string
	Parts    []blob.UploadedPart
	ReqID    string
}

// Complete assembles the blob, commits the object row through the
// coordinator and drops the upload row.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (*api.Object, error) {
	upload, err := s.find(ctx, req.UploadID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Assembly consumes the upstream upload; the write permission must be
	// settled before that.
	if err := s.cfg.Objects.CanUpload(ctx, upload.BucketID, upload.Key, upload.Owner, true); err != nil {
		return nil, trace.Wrap(err)
	}

	parts := req.Parts
	if len(parts) == 0 {
		err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
			stored, err := tx.ListParts(ctx, req.UploadID, 0, defaults.MaxPartsPerUpload)
			if err != nil {
				return trace.Wrap(err)
			}
			for _, p := range stored {
				parts = append(parts, blob.UploadedPart{PartNumber: p.PartNumber, ETag: p.ETag})
			}
			return nil
		})
		if err != nil {
			return nil, api.ConvertError(err)
		}
	}
	if len(parts) > defaults.MaxPartsPerUpload {
		return nil, api.NewError(api.CodeInvalidRequest, "too many parts: %d, the limit is %d", len(parts), defaults.MaxPartsPerUpload)
	}

	info, err := s.cfg.Blob.CompleteMultipartUpload(ctx, s.key(upload.BucketID, upload.Key), upload.Version, upload.ID, parts)
	if err != nil {
		return nil, api.ConvertError(err)
	}

	obj, err := s.cfg.Objects.Complete(ctx, upload.BucketID, upload.Key, upload.Version, api.ObjectMetadata{
		Size:         info.Size,
		MimeType:     info.MimeType,
		CacheControl: info.CacheControl,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, upload.UserMetadata, upload.Owner, req.ReqID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	err = s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		// A racing abort may have dropped the row already.
		if _, err := tx.DeleteMultipartUpload(ctx, req.UploadID); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		return nil
	})
	if err != nil {
		return nil, api.ConvertError(err)
	}
	return obj, nil
}

// Abort discards the upload on both sides. Parts already in the blob store
// are cleaned by the store's abort; the row goes away with them. A missing
// blob-side upload counts as already aborted so a retry after a partial
// abort still removes the row.
func (s *Service) Abort(ctx context.Context, uploadID string) error {
	upload, err := s.find(ctx, uploadID)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.cfg.Objects.CanUpload(ctx, upload.BucketID, upload.Key, upload.Owner, true); err != nil {
		return trace.Wrap(err)
	}
	err = s.cfg.Blob.AbortMultipartUpload(ctx, s.key(upload.BucketID, upload.Key), upload.Version, upload.ID)
	if err != nil && !trace.IsNotFound(err) {
		return api.ConvertError(err)
	}
	err = s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		if _, err := tx.DeleteMultipartUpload(ctx, uploadID); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		return nil
	})
	return api.ConvertError(err)
}

// SweepExpired aborts uploads of a bucket older than ttl. A scheduled
// caller runs it so abandoned uploads don't accumulate blob-side parts.
func (s *Service) SweepExpired(ctx context.Context, bucketID string, ttl time.Duration) (int, error) {
	cutoff := s.cfg.Clock.Now().Add(-ttl)
	var stale []api.MultipartUpload
	err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		uploads, err := tx.ListMultipartUploads(ctx, bucketID, "", "", defaults.MaxListKeys)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, u := range uploads {
			if u.CreatedAt.Before(cutoff) {
				stale = append(stale, u)
			}
		}
		return nil
	})
	if err != nil {
		return 0, api.ConvertError(err)
	}

	aborted := 0
	for _, u := range stale {
		if err := s.Abort(ctx, u.ID); err != nil {
			s.cfg.Log.ErrorContext(ctx, "failed to abort expired upload", "upload_id", u.ID, "error", err)
			continue
		}
		aborted++
	}
	return aborted, nil
}

// find reads the upload row without locking it.
func (s *Service) find(ctx context.Context, uploadID string) (*api.MultipartUpload, error) {
	var upload *api.MultipartUpload
	err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		var err error
		upload, err = tx.FindMultipartUpload(ctx, uploadID, database.FindOptions{})
		return trace.Wrap(err)
	})
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, api.NewError(api.CodeNoSuchUpload, "upload %q does not exist", uploadID).WithCause(err)
		}
		return nil, api.ConvertError(err)
	}
	return upload, nil
}
