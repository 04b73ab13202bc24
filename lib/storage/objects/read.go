package objects

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/caskstorage/cask/lib/defaults"
	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/blob"
)

// Head returns the current row for (bucket, name).
func (s *Service) Head(ctx context.Context, bucketID, name string) (*api.Object, error) {
	return s.findObject(ctx, bucketID, name)
}

// Read opens the blob of the current version. The caller owns closing the
// body.
func (s *Service) Read(ctx context.Context, bucketID, name string, opts blob.GetOptions) (*api.Object, *blob.ObjectReader, error) {
	obj, err := s.findObject(ctx, bucketID, name)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	reader, err := s.cfg.Blob.GetObject(ctx, s.key(bucketID, name), obj.Version, opts)
	if err != nil {
		return nil, nil, api.ConvertError(err)
	}
	return obj, reader, nil
}

// Buckets proxies bucket CRUD through the coordinator so the HTTP layer has
// a single dependency.

// CreateBucket creates a bucket after validating its name against the
// bucket-name policy and the reserved suffixes.
func (s *Service) CreateBucket(ctx context.Context, bucket api.Bucket) (out *api.Bucket, err error) {
	defer func() { observe("create_bucket", err) }()

	if !api.IsValidBucketName(bucket.ID) {
		return nil, api.NewError(api.CodeInvalidBucketName, "invalid bucket name %q", bucket.ID)
	}
	if api.HasReservedSuffix(bucket.ID, defaults.ReservedBucketSuffixes) {
		return nil, api.NewError(api.CodeInvalidBucketName, "bucket name %q uses a reserved suffix", bucket.ID)
	}
	txErr := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		var err error
		out, err = tx.CreateBucket(ctx, bucket)
		return trace.Wrap(err)
	})
	if txErr != nil {
		if trace.IsAlreadyExists(txErr) {
			return nil, api.NewError(api.CodeBucketAlreadyExists, "bucket %q already exists", bucket.ID).WithCause(txErr)
		}
		return nil, api.ConvertError(txErr)
	}
	return out, nil
}

// GetBucket returns a bucket.
func (s *Service) GetBucket(ctx context.Context, id string) (*api.Bucket, error) {
	var out *api.Bucket
	err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		var err error
		out, err = tx.FindBucket(ctx, id)
		return trace.Wrap(err)
	})
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, api.NewError(api.CodeNoSuchBucket, "bucket %q does not exist", id).WithCause(err)
		}
		return nil, api.ConvertError(err)
	}
	return out, nil
}

// ListBuckets lists the tenant's buckets.
func (s *Service) ListBuckets(ctx context.Context) ([]api.Bucket, error) {
	var out []api.Bucket
	err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		var err error
		out, err = tx.ListBuckets(ctx)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, api.ConvertError(err)
	}
	return out, nil
}

// DeleteBucket removes an empty bucket.
func (s *Service) DeleteBucket(ctx context.Context, id string) (err error) {
	defer func() { observe("delete_bucket", err) }()

	err = s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		return trace.Wrap(tx.DeleteBucket(ctx, id))
	})
	if err != nil {
		if trace.IsNotFound(err) {
			return api.NewError(api.CodeNoSuchBucket, "bucket %q does not exist", id).WithCause(err)
		}
		return api.ConvertError(err)
	}
	return nil
}
