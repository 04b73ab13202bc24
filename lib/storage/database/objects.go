package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/caskstorage/cask/lib/storage/api"
)

// FindOptions tune object lookups.
type FindOptions struct {
	// ForUpdate takes a row-level lock without waiting; a held lock fails
	// the lookup with a compare-failed error.
	ForUpdate bool
	// DontErrorOnEmpty makes a missing row return (nil, nil) instead of a
	// not-found error.
	DontErrorOnEmpty bool
}

// FindObject selects the current row for (bucket, name) with the given
// projection.
func (t *Tx) FindObject(ctx context.Context, bucketID, name string, cols ObjectColumns, opts FindOptions) (*api.Object, error) {
	if cols == 0 {
		cols = ColsAll
	}
	query := fmt.Sprintf(
		"SELECT %s FROM objects WHERE tenant_id = $1 AND bucket_id = $2 AND name = $3",
		cols.selectList(),
	)
	if opts.ForUpdate {
		query += " FOR UPDATE NOWAIT"
	}
	obj, err := scanObject(t.tx.QueryRow(ctx, query, t.tenant, bucketID, name), cols)
	if err != nil {
		if opts.DontErrorOnEmpty && trace.IsNotFound(convertError(err)) {
			return nil, nil
		}
		return nil, convertError(err)
	}
	return obj, nil
}

// CreateObject inserts a brand new row; an existing (bucket, name) fails
// with already-exists.
func (t *Tx) CreateObject(ctx context.Context, obj api.Object) (*api.Object, error) {
	return t.writeObject(ctx, obj, false)
}

// UpsertObject inserts or replaces the row for (bucket, name). The caller
// owns scheduling the prior version for orphan deletion; concurrent upserts
// are linearized by the coordinator's lock-then-select-for-update dance, and
// the row that commits last wins.
func (t *Tx) UpsertObject(ctx context.Context, obj api.Object) (*api.Object, error) {
	return t.writeObject(ctx, obj, true)
}

func (t *Tx) writeObject(ctx context.Context, obj api.Object, upsert bool) (*api.Object, error) {
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	now := t.clock.Now().UTC()
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = now
	}
	obj.UpdatedAt = now

	query := `INSERT INTO objects
  (id, tenant_id, bucket_id, name, version, metadata, user_metadata, owner, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if upsert {
		query += ` ON CONFLICT (tenant_id, bucket_id, name) DO UPDATE SET
  version = excluded.version,
  metadata = excluded.metadata,
  user_metadata = excluded.user_metadata,
  owner = excluded.owner,
  updated_at = excluded.updated_at`
	}
	query += " RETURNING id, created_at"

	err := t.tx.QueryRow(ctx, query,
		obj.ID, t.tenant, obj.BucketID, obj.Name, obj.Version,
		obj.Metadata, obj.UserMetadata, nullable(obj.Owner), obj.CreatedAt, obj.UpdatedAt,
	).Scan(&obj.ID, &obj.CreatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	return &obj, nil
}

// UpdateObject rewrites name, version and metadata of an existing row. Move
// uses it to retarget the row at the destination key in one statement.
func (t *Tx) UpdateObject(ctx context.Context, bucketID, name string, update api.Object) (*api.Object, error) {
	now := t.clock.Now().UTC()
	row := t.tx.QueryRow(ctx, `UPDATE objects SET
  name = $4, version = $5, metadata = $6, user_metadata = $7, owner = $8, updated_at = $9
WHERE tenant_id = $1 AND bucket_id = $2 AND name = $3
RETURNING id, bucket_id, name, version, metadata, user_metadata, owner, created_at, updated_at`,
		t.tenant, bucketID, name,
		update.Name, update.Version, update.Metadata, update.UserMetadata, nullable(update.Owner), now,
	)
	obj, err := scanObject(row, ColsAll)
	if err != nil {
		return nil, convertError(err)
	}
	return obj, nil
}

// DeleteObject removes the row and returns it. A version, when given, must
// match the current row.
func (t *Tx) DeleteObject(ctx context.Context, bucketID, name, version string) (*api.Object, error) {
	query := `DELETE FROM objects
WHERE tenant_id = $1 AND bucket_id = $2 AND name = $3`
	args := []any{t.tenant, bucketID, name}
	if version != "" {
		query += " AND version = $4"
		args = append(args, version)
	}
	query += " RETURNING id, bucket_id, name, version, metadata, user_metadata, owner, created_at, updated_at"
	obj, err := scanObject(t.tx.QueryRow(ctx, query, args...), ColsAll)
	if err != nil {
		return nil, convertError(err)
	}
	return obj, nil
}

// DeleteObjects removes every named row present and returns the deleted
// rows; missing names are skipped silently.
func (t *Tx) DeleteObjects(ctx context.Context, bucketID string, names []string) ([]api.Object, error) {
	rows, err := t.tx.Query(ctx, `DELETE FROM objects
WHERE tenant_id = $1 AND bucket_id = $2 AND name = ANY($3)
RETURNING id, bucket_id, name, version, metadata, user_metadata, owner, created_at, updated_at`,
		t.tenant, bucketID, names,
	)
	if err != nil {
		return nil, convertError(err)
	}
	return collectObjects(rows, ColsAll)
}

// SortOrder is the listing direction.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ListOptions page through a bucket's objects ordered by name.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListObjects returns up to Limit object rows with names greater than
// StartAfter, ordered by name ascending. Delimiter collapse happens in the
// coordinator on top of these pages.
func (t *Tx) ListObjects(ctx context.Context, bucketID string, opts ListOptions, cols ObjectColumns) ([]api.Object, error) {
	if cols == 0 {
		cols = ColsAll
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM objects
WHERE tenant_id = $1 AND bucket_id = $2 AND name LIKE $3 || '%%' AND name > $4
ORDER BY name ASC
LIMIT $5`, cols.selectList())
	rows, err := t.tx.Query(ctx, query, t.tenant, bucketID, escapeLike(opts.Prefix), opts.StartAfter, opts.Limit)
	if err != nil {
		return nil, convertError(err)
	}
	return collectObjects(rows, cols)
}

// SearchOptions tune SearchObjects.
type SearchOptions struct {
	Limit      int
	Offset     int
	SortColumn string
	SortOrder  SortOrder
}

// searchSortColumns is the closed set of sortable columns.
var searchSortColumns = map[string]string{
	"":           "name",
	"name":       "name",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

// SearchObjects lists objects under prefix with arbitrary sort column and
// offset paging, for the REST listing surface.
func (t *Tx) SearchObjects(ctx context.Context, bucketID, prefix string, opts SearchOptions) ([]api.Object, error) {
	col, ok := searchSortColumns[opts.SortColumn]
	if !ok {
		return nil, trace.BadParameter("unsupported sort column %q", opts.SortColumn)
	}
	order := "ASC"
	if opts.SortOrder == SortDesc {
		order = "DESC"
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM objects
WHERE tenant_id = $1 AND bucket_id = $2 AND name LIKE $3 || '%%'
ORDER BY %s %s
LIMIT $4 OFFSET $5`, ColsAll.selectList(), col, order)
	rows, err := t.tx.Query(ctx, query, t.tenant, bucketID, escapeLike(prefix), opts.Limit, opts.Offset)
	if err != nil {
		return nil, convertError(err)
	}
	return collectObjects(rows, ColsAll)
}

// CountObjects returns the number of live objects in the bucket. DeleteBucket
// uses it to enforce the empty-bucket rule.
func (t *Tx) CountObjects(ctx context.Context, bucketID string) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx,
		"SELECT count(*) FROM objects WHERE tenant_id = $1 AND bucket_id = $2",
		t.tenant, bucketID,
	).Scan(&n)
	if err != nil {
		return 0, convertError(err)
	}
	return n, nil
}

func collectObjects(rows pgx.Rows, cols ObjectColumns) ([]api.Object, error) {
	defer rows.Close()
	var out []api.Object
	for rows.Next() {
		obj, err := scanObject(rows, cols)
		if err != nil {
			return nil, convertError(err)
		}
		out = append(out, *obj)
	}
	if err := rows.Err(); err != nil {
		return nil, convertError(err)
	}
	return out, nil
}

// scanObject scans a row whose columns follow the projection's stable order.
func scanObject(row pgx.Row, cols ObjectColumns) (*api.Object, error) {
	var obj api.Object
	var owner *string
	var createdAt, updatedAt *time.Time

	targets := make([]any, 0, 9)
	if cols.Has(ColID) {
		targets = append(targets, &obj.ID)
	}
	if cols.Has(ColBucketID) {
		targets = append(targets, &obj.BucketID)
	}
	if cols.Has(ColName) {
		targets = append(targets, &obj.Name)
	}
	if cols.Has(ColVersion) {
		targets = append(targets, &obj.Version)
	}
	if cols.Has(ColMetadata) {
		targets = append(targets, &obj.Metadata)
	}
	if cols.Has(ColUserMetadata) {
		targets = append(targets, &obj.UserMetadata)
	}
	if cols.Has(ColOwner) {
		targets = append(targets, &owner)
	}
	if cols.Has(ColCreatedAt) {
		targets = append(targets, &createdAt)
	}
	if cols.Has(ColUpdatedAt) {
		targets = append(targets, &updatedAt)
	}
	if err := row.Scan(targets...); err != nil {
		return nil, err
	}
	if owner != nil {
		obj.Owner = *owner
	}
	if createdAt != nil {
		obj.CreatedAt = *createdAt
	}
	if updatedAt != nil {
		obj.UpdatedAt = *updatedAt
	}
	return &obj, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// escapeLike escapes LIKE metacharacters so prefixes match literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
