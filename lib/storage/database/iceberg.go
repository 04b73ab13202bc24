package database

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// IcebergNamespace is a tenant-facing namespace mapped onto an internal
// warehouse name. Rows are soft-deleted so internal names are never reused.
type IcebergNamespace struct {
	Tenant       string
	Name         string
	InternalName string
	DeletedAt    *time.Time
	CreatedAt    time.Time
}

// IcebergTable records a table and the shard slot it occupies.
type IcebergTable struct {
	Tenant    string
	Namespace string
	Name      string
	ShardID   string
	DeletedAt *time.Time
	CreatedAt time.Time
}

// CreateIcebergNamespace inserts the mapping row.
func (t *Tx) CreateIcebergNamespace(ctx context.Context, name, internalName string) (*IcebergNamespace, error) {
	ns := IcebergNamespace{
		Tenant:       t.tenant,
		Name:         name,
		InternalName: internalName,
		CreatedAt:    t.clock.Now().UTC(),
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO iceberg_namespaces
  (tenant_id, name, internal_name, created_at)
VALUES ($1, $2, $3, $4)`,
		ns.Tenant, ns.Name, ns.InternalName, ns.CreatedAt,
	)
	if err != nil {
		return nil, convertError(err)
	}
	return &ns, nil
}

// FindIcebergNamespace resolves a live namespace by tenant-facing name.
func (t *Tx) FindIcebergNamespace(ctx context.Context, name string) (*IcebergNamespace, error) {
	var ns IcebergNamespace
	err := t.tx.QueryRow(ctx, `SELECT tenant_id, name, internal_name, deleted_at, created_at
FROM iceberg_namespaces
WHERE tenant_id = $1 AND name = $2 AND deleted_at IS NULL`, t.tenant, name).
		Scan(&ns.Tenant, &ns.Name, &ns.InternalName, &ns.DeletedAt, &ns.CreatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	return &ns, nil
}

// ListIcebergNamespaces returns the tenant's live namespaces.
func (t *Tx) ListIcebergNamespaces(ctx context.Context) ([]IcebergNamespace, error) {
	rows, err := t.tx.Query(ctx, `SELECT tenant_id, name, internal_name, deleted_at, created_at
FROM iceberg_namespaces
WHERE tenant_id = $1 AND deleted_at IS NULL
ORDER BY name ASC`, t.tenant)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []IcebergNamespace
	for rows.Next() {
		var ns IcebergNamespace
		if err := rows.Scan(&ns.Tenant, &ns.Name, &ns.InternalName, &ns.DeletedAt, &ns.CreatedAt); err != nil {
			return nil, convertError(err)
		}
		out = append(out, ns)
	}
	return out, convertError(rows.Err())
}

// SoftDeleteIcebergNamespace marks the namespace deleted; its internal name
// stays reserved. Fails if live tables remain.
func (t *Tx) SoftDeleteIcebergNamespace(ctx context.Context, name string) error {
	n, err := t.CountIcebergTables(ctx, name)
	if err != nil {
		return trace.Wrap(err)
	}
	if n > 0 {
		return trace.BadParameter("namespace %q still has tables", name)
	}
	tag, err := t.tx.Exec(ctx, `UPDATE iceberg_namespaces SET deleted_at = $3
WHERE tenant_id = $1 AND name = $2 AND deleted_at IS NULL`,
		t.tenant, name, t.clock.Now().UTC(),
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("namespace %q not found", name)
	}
	return nil
}

// CountIcebergNamespaces counts the tenant's live namespaces for limit
// enforcement. Callers hold an advisory lock over the check-then-create.
func (t *Tx) CountIcebergNamespaces(ctx context.Context) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx,
		"SELECT count(*) FROM iceberg_namespaces WHERE tenant_id = $1 AND deleted_at IS NULL",
		t.tenant).Scan(&n)
	return n, convertError(err)
}

// CountIcebergTables counts live tables in a namespace.
func (t *Tx) CountIcebergTables(ctx context.Context, namespace string) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx,
		"SELECT count(*) FROM iceberg_tables WHERE tenant_id = $1 AND namespace = $2 AND deleted_at IS NULL",
		t.tenant, namespace).Scan(&n)
	return n, convertError(err)
}

// CreateIcebergTable inserts the table row pointing at its shard.
func (t *Tx) CreateIcebergTable(ctx context.Context, namespace, name, shardID string) (*IcebergTable, error) {
	tbl := IcebergTable{
		Tenant:    t.tenant,
		Namespace: namespace,
		Name:      name,
		ShardID:   shardID,
		CreatedAt: t.clock.Now().UTC(),
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO iceberg_tables
  (tenant_id, namespace, name, shard_id, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		tbl.Tenant, tbl.Namespace, tbl.Name, tbl.ShardID, tbl.CreatedAt,
	)
	if err != nil {
		return nil, convertError(err)
	}
	return &tbl, nil
}

// FindIcebergTable resolves a live table.
func (t *Tx) FindIcebergTable(ctx context.Context, namespace, name string) (*IcebergTable, error) {
	var tbl IcebergTable
	err := t.tx.QueryRow(ctx, `SELECT tenant_id, namespace, name, shard_id, deleted_at, created_at
FROM iceberg_tables
WHERE tenant_id = $1 AND namespace = $2 AND name = $3 AND deleted_at IS NULL`,
		t.tenant, namespace, name).
		Scan(&tbl.Tenant, &tbl.Namespace, &tbl.Name, &tbl.ShardID, &tbl.DeletedAt, &tbl.CreatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	return &tbl, nil
}

// ListIcebergTables returns the live tables of a namespace.
func (t *Tx) ListIcebergTables(ctx context.Context, namespace string) ([]IcebergTable, error) {
	rows, err := t.tx.Query(ctx, `SELECT tenant_id, namespace, name, shard_id, deleted_at, created_at
FROM iceberg_tables
WHERE tenant_id = $1 AND namespace = $2 AND deleted_at IS NULL
ORDER BY name ASC`, t.tenant, namespace)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []IcebergTable
	for rows.Next() {
		var tbl IcebergTable
		if err := rows.Scan(&tbl.Tenant, &tbl.Namespace, &tbl.Name, &tbl.ShardID, &tbl.DeletedAt, &tbl.CreatedAt); err != nil {
			return nil, convertError(err)
		}
		out = append(out, tbl)
	}
	return out, convertError(rows.Err())
}

// SoftDeleteIcebergTable marks the table deleted and returns its shard so
// the caller can free the slot.
func (t *Tx) SoftDeleteIcebergTable(ctx context.Context, namespace, name string) (*IcebergTable, error) {
	var tbl IcebergTable
	err := t.tx.QueryRow(ctx, `UPDATE iceberg_tables SET deleted_at = $4
WHERE tenant_id = $1 AND namespace = $2 AND name = $3 AND deleted_at IS NULL
RETURNING tenant_id, namespace, name, shard_id, deleted_at, created_at`,
		t.tenant, namespace, name, t.clock.Now().UTC()).
		Scan(&tbl.Tenant, &tbl.Namespace, &tbl.Name, &tbl.ShardID, &tbl.DeletedAt, &tbl.CreatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	return &tbl, nil
}

// ReserveShard picks the least-loaded shard with free capacity and bumps
// its reservation count, all under a row lock.
func (t *Tx) ReserveShard(ctx context.Context) (string, error) {
	var id string
	err := t.tx.QueryRow(ctx, `UPDATE iceberg_shards SET reserved = reserved + 1
WHERE id = (
  SELECT id FROM iceberg_shards
  WHERE reserved < capacity
  ORDER BY reserved ASC, id ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED)
RETURNING id`).Scan(&id)
	if err != nil {
		converted := convertError(err)
		if trace.IsNotFound(converted) {
			return "", trace.LimitExceeded("no shard capacity available")
		}
		return "", converted
	}
	return id, nil
}

// FreeShard releases one reservation on the shard.
func (t *Tx) FreeShard(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE iceberg_shards SET reserved = greatest(reserved - 1, 0) WHERE id = $1", id)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("shard %q not found", id)
	}
	return nil
}
