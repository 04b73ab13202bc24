package database

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
)

// migrations run in order inside a single transaction per pending version.
// Append only; never edit a shipped migration.
var migrations = []string{
	// 1: core metadata tables.
	`CREATE TABLE buckets (
  tenant_id text NOT NULL,
  id text NOT NULL,
  name text NOT NULL,
  public boolean NOT NULL DEFAULT false,
  file_size_limit bigint,
  allowed_mime_types text[],
  created_at timestamptz NOT NULL,
  PRIMARY KEY (tenant_id, id)
);
CREATE TABLE objects (
  id uuid NOT NULL,
  tenant_id text NOT NULL,
  bucket_id text NOT NULL,
  name text NOT NULL,
  version text NOT NULL,
  metadata jsonb NOT NULL DEFAULT '{}',
  user_metadata jsonb,
  owner text,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  PRIMARY KEY (tenant_id, bucket_id, name),
  FOREIGN KEY (tenant_id, bucket_id) REFERENCES buckets (tenant_id, id)
);
CREATE INDEX objects_name_prefix_idx ON objects (tenant_id, bucket_id, name text_pattern_ops);`,

	// 2: multipart upload state.
	`CREATE TABLE multipart_uploads (
  id text NOT NULL,
  tenant_id text NOT NULL,
  bucket_id text NOT NULL,
  key text NOT NULL,
  version text NOT NULL,
  in_progress_size bigint NOT NULL DEFAULT 0,
  upload_signature text NOT NULL,
  user_metadata jsonb,
  owner text,
  mime_type text NOT NULL DEFAULT '',
  cache_control text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL,
  PRIMARY KEY (tenant_id, id)
);
CREATE INDEX multipart_uploads_bucket_key_idx ON multipart_uploads (tenant_id, bucket_id, key, id);
CREATE TABLE upload_parts (
  tenant_id text NOT NULL,
  upload_id text NOT NULL,
  part_number integer NOT NULL,
  etag text NOT NULL,
  version text NOT NULL,
  created_at timestamptz NOT NULL,
  PRIMARY KEY (tenant_id, upload_id, part_number)
);`,

	// 3: orphan cleanup queue.
	`CREATE TABLE orphan_jobs (
  id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  tenant_id text NOT NULL,
  bucket_id text NOT NULL,
  name text NOT NULL,
  version text NOT NULL,
  event text NOT NULL,
  attempts integer NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL
);
CREATE INDEX orphan_jobs_object_idx ON orphan_jobs (tenant_id, bucket_id, name);`,

	// 4: Iceberg catalog metastore with shard reservations.
	`CREATE TABLE iceberg_namespaces (
  tenant_id text NOT NULL,
  name text NOT NULL,
  internal_name text NOT NULL UNIQUE,
  deleted_at timestamptz,
  created_at timestamptz NOT NULL,
  PRIMARY KEY (tenant_id, name)
);
CREATE TABLE iceberg_shards (
  id text PRIMARY KEY,
  capacity integer NOT NULL,
  reserved integer NOT NULL DEFAULT 0,
  CHECK (reserved >= 0 AND reserved <= capacity)
);
CREATE TABLE iceberg_tables (
  tenant_id text NOT NULL,
  namespace text NOT NULL,
  name text NOT NULL,
  shard_id text NOT NULL REFERENCES iceberg_shards (id),
  deleted_at timestamptz,
  created_at timestamptz NOT NULL,
  PRIMARY KEY (tenant_id, namespace, name),
  FOREIGN KEY (tenant_id, namespace) REFERENCES iceberg_namespaces (tenant_id, name)
);`,

	// 5: row security; policies key off the per-transaction settings.
	`ALTER TABLE objects ENABLE ROW LEVEL SECURITY;
ALTER TABLE objects FORCE ROW LEVEL SECURITY;
CREATE POLICY objects_tenant_isolation ON objects
  USING (tenant_id = current_setting('cask.tenant_id', true));
ALTER TABLE buckets ENABLE ROW LEVEL SECURITY;
ALTER TABLE buckets FORCE ROW LEVEL SECURITY;
CREATE POLICY buckets_tenant_isolation ON buckets
  USING (tenant_id = current_setting('cask.tenant_id', true));
ALTER TABLE multipart_uploads ENABLE ROW LEVEL SECURITY;
ALTER TABLE multipart_uploads FORCE ROW LEVEL SECURITY;
CREATE POLICY multipart_tenant_isolation ON multipart_uploads
  USING (tenant_id = current_setting('cask.tenant_id', true)
         AND (current_setting('cask.role', true) = 'service_role'
              OR owner IS NULL
              OR owner = current_setting('cask.role', true)));`,
}

// migrate applies pending migrations, serialized across nodes by an
// advisory lock so concurrent gateways don't race on DDL.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryKey("schema", "migrations")); err != nil {
		return trace.Wrap(err)
	}
	if _, err := tx.Exec(ctx,
		"CREATE TABLE IF NOT EXISTS schema_version (version integer PRIMARY KEY, applied_at timestamptz NOT NULL)",
	); err != nil {
		return trace.Wrap(err)
	}

	var current int
	if err := tx.QueryRow(ctx, "SELECT COALESCE(max(version), 0) FROM schema_version").Scan(&current); err != nil {
		return trace.Wrap(err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		s.cfg.Log.InfoContext(ctx, "applying schema migration", "version", version)
		if _, err := tx.Exec(ctx, migrations[i]); err != nil {
			return trace.Wrap(err, "migration %d", version)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_version (version, applied_at) VALUES ($1, $2)",
			version, s.cfg.Clock.Now().UTC(),
		); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(tx.Commit(ctx))
}
