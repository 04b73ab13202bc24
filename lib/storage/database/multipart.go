package database

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/caskstorage/cask/lib/storage/api"
)

// CreateMultipartUpload persists the row for a freshly initiated upload.
// The id is the opaque upload id issued by the blob store.
func (t *Tx) CreateMultipartUpload(ctx context.Context, u api.MultipartUpload) (*api.MultipartUpload, error) {
	u.CreatedAt = t.clock.Now().UTC()
	_, err := t.tx.Exec(ctx, `INSERT INTO multipart_uploads
  (id, tenant_id, bucket_id, key, version, in_progress_size, upload_signature,
   user_metadata, owner, mime_type, cache_control, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, t.tenant, u.BucketID, u.Key, u.Version, u.InProgressSize, u.UploadSignature,
		u.UserMetadata, nullable(u.Owner), u.MimeType, u.CacheControl, u.CreatedAt,
	)
	if err != nil {
		return nil, convertError(err)
	}
	return &u, nil
}

// FindMultipartUpload selects the upload row. ForUpdate serializes the
// in-flight size accounting across concurrent part uploads.
func (t *Tx) FindMultipartUpload(ctx context.Context, id string, opts FindOptions) (*api.MultipartUpload, error) {
	query := `SELECT id, bucket_id, key, version, in_progress_size, upload_signature,
  user_metadata, owner, mime_type, cache_control, created_at
FROM multipart_uploads WHERE tenant_id = $1 AND id = $2`
	if opts.ForUpdate {
		query += " FOR UPDATE"
	}
	u, err := scanMultipartUpload(t.tx.QueryRow(ctx, query, t.tenant, id))
	if err != nil {
		if opts.DontErrorOnEmpty && trace.IsNotFound(convertError(err)) {
			return nil, nil
		}
		return nil, convertError(err)
	}
	return u, nil
}

// UpdateMultipartUploadProgress writes the new accepted size and its
// matching signature. Compensation after a failed part upload goes through
// the same statement with the rolled-back values.
func (t *Tx) UpdateMultipartUploadProgress(ctx context.Context, id string, size int64, signature string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE multipart_uploads
SET in_progress_size = $3, upload_signature = $4
WHERE tenant_id = $1 AND id = $2`,
		t.tenant, id, size, signature,
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("multipart upload %q not found", id)
	}
	return nil
}

// InsertUploadPart records an accepted part; re-uploading the same part
// number replaces the earlier etag.
func (t *Tx) InsertUploadPart(ctx context.Context, p api.UploadPart) error {
	p.CreatedAt = t.clock.Now().UTC()
	_, err := t.tx.Exec(ctx, `INSERT INTO upload_parts
  (tenant_id, upload_id, part_number, etag, version, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (tenant_id, upload_id, part_number) DO UPDATE SET
  etag = excluded.etag, created_at = excluded.created_at`,
		t.tenant, p.UploadID, p.PartNumber, p.ETag, p.Version, p.CreatedAt,
	)
	return convertError(err)
}

// ListParts returns up to maxParts accepted parts with part numbers greater
// than marker, ordered ascending.
func (t *Tx) ListParts(ctx context.Context, uploadID string, marker int32, maxParts int) ([]api.UploadPart, error) {
	if maxParts <= 0 {
		maxParts = 1000
	}
	rows, err := t.tx.Query(ctx, `SELECT upload_id, part_number, etag, version, created_at
FROM upload_parts
WHERE tenant_id = $1 AND upload_id = $2 AND part_number > $3
ORDER BY part_number ASC
LIMIT $4`, t.tenant, uploadID, marker, maxParts)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []api.UploadPart
	for rows.Next() {
		var p api.UploadPart
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.ETag, &p.Version, &p.CreatedAt); err != nil {
			return nil, convertError(err)
		}
		out = append(out, p)
	}
	return out, convertError(rows.Err())
}

// DeleteMultipartUpload removes the upload row and its parts, returning the
// final row so the caller can clean the blob side.
func (t *Tx) DeleteMultipartUpload(ctx context.Context, id string) (*api.MultipartUpload, error) {
	u, err := scanMultipartUpload(t.tx.QueryRow(ctx, `DELETE FROM multipart_uploads
WHERE tenant_id = $1 AND id = $2
RETURNING id, bucket_id, key, version, in_progress_size, upload_signature,
  user_metadata, owner, mime_type, cache_control, created_at`, t.tenant, id))
	if err != nil {
		return nil, convertError(err)
	}
	if _, err := t.tx.Exec(ctx,
		"DELETE FROM upload_parts WHERE tenant_id = $1 AND upload_id = $2",
		t.tenant, id,
	); err != nil {
		return nil, convertError(err)
	}
	return u, nil
}

// ListMultipartUploads pages through in-flight uploads of a bucket ordered
// by (key, id), for the ListMultipartUploads S3 call and the sweeper.
func (t *Tx) ListMultipartUploads(ctx context.Context, bucketID, keyMarker, uploadIDMarker string, limit int) ([]api.MultipartUpload, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := t.tx.Query(ctx, `SELECT id, bucket_id, key, version, in_progress_size, upload_signature,
  user_metadata, owner, mime_type, cache_control, created_at
FROM multipart_uploads
WHERE tenant_id = $1 AND bucket_id = $2 AND (key, id) > ($3, $4)
ORDER BY key ASC, id ASC
LIMIT $5`, t.tenant, bucketID, keyMarker, uploadIDMarker, limit)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []api.MultipartUpload
	for rows.Next() {
		u, err := scanMultipartUpload(rows)
		if err != nil {
			return nil, convertError(err)
		}
		out = append(out, *u)
	}
	return out, convertError(rows.Err())
}

func scanMultipartUpload(row pgx.Row) (*api.MultipartUpload, error) {
	var u api.MultipartUpload
	var owner *string
	err := row.Scan(&u.ID, &u.BucketID, &u.Key, &u.Version, &u.InProgressSize, &u.UploadSignature,
		&u.UserMetadata, &owner, &u.MimeType, &u.CacheControl, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		u.Owner = *owner
	}
	return &u, nil
}
