package database

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/caskstorage/cask/lib/storage/api"
)

// CreateBucket inserts a bucket row.
func (t *Tx) CreateBucket(ctx context.Context, b api.Bucket) (*api.Bucket, error) {
	if b.Name == "" {
		b.Name = b.ID
	}
	b.CreatedAt = t.clock.Now().UTC()
	_, err := t.tx.Exec(ctx, `INSERT INTO buckets
  (id, tenant_id, name, public, file_size_limit, allowed_mime_types, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, t.tenant, b.Name, b.Public, b.FileSizeLimit, b.AllowedMimeTypes, b.CreatedAt,
	)
	if err != nil {
		return nil, convertError(err)
	}
	return &b, nil
}

// FindBucket returns the bucket or a not-found error.
func (t *Tx) FindBucket(ctx context.Context, id string) (*api.Bucket, error) {
	var b api.Bucket
	err := t.tx.QueryRow(ctx, `SELECT id, name, public, file_size_limit, allowed_mime_types, created_at
FROM buckets WHERE tenant_id = $1 AND id = $2`, t.tenant, id).
		Scan(&b.ID, &b.Name, &b.Public, &b.FileSizeLimit, &b.AllowedMimeTypes, &b.CreatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	return &b, nil
}

// UpdateBucket rewrites the mutable bucket attributes.
func (t *Tx) UpdateBucket(ctx context.Context, b api.Bucket) (*api.Bucket, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE buckets
SET public = $3, file_size_limit = $4, allowed_mime_types = $5
WHERE tenant_id = $1 AND id = $2`,
		t.tenant, b.ID, b.Public, b.FileSizeLimit, b.AllowedMimeTypes,
	)
	if err != nil {
		return nil, convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return nil, trace.NotFound("bucket %q not found", b.ID)
	}
	return &b, nil
}

// DeleteBucket removes an empty bucket; a bucket with live objects fails
// with a bad-parameter error.
func (t *Tx) DeleteBucket(ctx context.Context, id string) error {
	n, err := t.CountObjects(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if n > 0 {
		return trace.BadParameter("bucket %q is not empty", id)
	}
	tag, err := t.tx.Exec(ctx,
		"DELETE FROM buckets WHERE tenant_id = $1 AND id = $2", t.tenant, id)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("bucket %q not found", id)
	}
	return nil
}

// ListBuckets returns the tenant's buckets ordered by id.
func (t *Tx) ListBuckets(ctx context.Context) ([]api.Bucket, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, name, public, file_size_limit, allowed_mime_types, created_at
FROM buckets WHERE tenant_id = $1 ORDER BY id ASC`, t.tenant)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []api.Bucket
	for rows.Next() {
		var b api.Bucket
		if err := rows.Scan(&b.ID, &b.Name, &b.Public, &b.FileSizeLimit, &b.AllowedMimeTypes, &b.CreatedAt); err != nil {
			return nil, convertError(err)
		}
		out = append(out, b)
	}
	return out, convertError(rows.Err())
}
