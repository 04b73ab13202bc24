package objects

import (
	"context"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/blob"
	"github.com/caskstorage/cask/lib/storage/database"
)

// CopyRequest describes a server-side copy.
type CopyRequest struct {
	SrcBucketID string
	SrcName     string
	DstBucketID string
	DstName     string
	Owner       string
	Upsert      bool
	// Metadata optionally overrides destination mime type / cache control.
	MimeType     string
	CacheControl string
	Conditions   blob.CopyConditions
	ReqID        string
}

// Copy duplicates the source blob under a fresh destination version and
// commits the destination row, emitting Object:Created:Copy.
func (s *Service) Copy(ctx context.Context, req CopyRequest) (obj *api.Object, err error) {
	defer func() { observe("copy", err) }()

	if !api.IsValidKey(req.DstName) {
		return nil, api.NewError(api.CodeInvalidKey, "invalid object key %q", req.DstName)
	}
	if _, err := s.canUpload(ctx, req.DstBucketID, req.DstName, req.Owner, req.Upsert); err != nil {
		return nil, trace.Wrap(err)
	}

	src, err := s.findObject(ctx, req.SrcBucketID, req.SrcName)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	version := uuid.NewString()
	if _, err := s.cfg.Blob.CopyObject(ctx,
		s.key(req.SrcBucketID, req.SrcName), src.Version,
		s.key(req.DstBucketID, req.DstName), version,
		blob.CopyOptions{MimeType: req.MimeType, CacheControl: req.CacheControl, Conditions: req.Conditions},
	); err != nil {
		return nil, api.ConvertError(err)
	}
	// Read metadata back from the store rather than trusting the copy
	// response; metadata directives may have rewritten it.
	info, err := s.cfg.Blob.HeadObject(ctx, s.key(req.DstBucketID, req.DstName), version)
	if err != nil {
		s.scheduleOrphan(ctx, req.DstBucketID, req.DstName, version)
		return nil, api.ConvertError(err)
	}

	obj, err = s.complete(ctx, completeParams{
		BucketID:     req.DstBucketID,
		Name:         req.DstName,
		Version:      version,
		Metadata:     objectMetadata(info),
		UserMetadata: src.UserMetadata,
		Owner:        req.Owner,
		Upsert:       req.Upsert,
		EventType:    api.ObjectCreatedCopy,
		ReqID:        req.ReqID,
	})
	if err != nil {
		s.scheduleOrphan(ctx, req.DstBucketID, req.DstName, version)
		return nil, trace.Wrap(err)
	}
	return obj, nil
}

// MoveRequest describes a rename.
type MoveRequest struct {
	BucketID string
	SrcName  string
	DstName  string
	Owner    string
	ReqID    string
}

// Move renames an object by copying the blob to a fresh destination version
// and retargeting the row. The old blob version is scheduled for deletion.
// Moving an object onto itself returns the source unchanged.
func (s *Service) Move(ctx context.Context, req MoveRequest) (obj *api.Object, err error) {
	defer func() { observe("move", err) }()

	if !api.IsValidKey(req.DstName) {
		return nil, api.NewError(api.CodeInvalidKey, "invalid object key %q", req.DstName)
	}

	src, err := s.findObject(ctx, req.BucketID, req.SrcName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Same blob key means same object identity.
	if s.key(req.BucketID, req.SrcName) == s.key(req.BucketID, req.DstName) {
		return src, nil
	}
	if _, err := s.canUpload(ctx, req.BucketID, req.DstName, req.Owner, false); err != nil {
		return nil, trace.Wrap(err)
	}

	version := uuid.NewString()
	if _, err := s.cfg.Blob.CopyObject(ctx,
		s.key(req.BucketID, req.SrcName), src.Version,
		s.key(req.BucketID, req.DstName), version,
		blob.CopyOptions{},
	); err != nil {
		return nil, api.ConvertError(err)
	}
	info, err := s.cfg.Blob.HeadObject(ctx, s.key(req.BucketID, req.DstName), version)
	if err != nil {
		s.scheduleOrphan(ctx, req.BucketID, req.DstName, version)
		return nil, api.ConvertError(err)
	}

	err = s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		if err := tx.WaitObjectLock(ctx, req.BucketID, req.SrcName, "", s.cfg.LockWaitTimeout); err != nil {
			return trace.Wrap(err)
		}
		current, err := tx.FindObject(ctx, req.BucketID, req.SrcName, database.ColsAll,
			database.FindOptions{ForUpdate: true})
		if err != nil {
			return trace.Wrap(err)
		}
		update := *current
		update.Name = req.DstName
		update.Version = version
		update.Metadata = objectMetadata(info)
		obj, err = tx.UpdateObject(ctx, req.BucketID, req.SrcName, update)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(tx.ScheduleOrphanDelete(ctx, req.BucketID, req.SrcName, current.Version))
	})
	if err != nil {
		s.scheduleOrphan(ctx, req.BucketID, req.DstName, version)
		return nil, api.ConvertError(err)
	}

	removed := *src
	s.emit(
		s.event(api.ObjectRemovedMove, &removed, req.ReqID),
		s.event(api.ObjectCreatedMove, obj, req.ReqID),
	)
	return obj, nil
}

// findObject reads the current row outside any surrounding transaction.
func (s *Service) findObject(ctx context.Context, bucketID, name string) (*api.Object, error) {
	var obj *api.Object
	err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		var err error
		obj, err = tx.FindObject(ctx, bucketID, name, database.ColsAll, database.FindOptions{})
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, api.ConvertError(err)
	}
	return obj, nil
}
