package ducklake

import (
	"context"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// DBSource reads snapshot state from a DuckLake catalog database. The
// catalog is append-only: files carry begin/end snapshot markers, so a
// snapshot's view is a range predicate rather than a join against a
// membership table.
type DBSource struct {
	pool *pgxpool.Pool
}

// NewDBSource builds a DBSource over an established pool.
func NewDBSource(pool *pgxpool.Pool) (*DBSource, error) {
	if pool == nil {
		return nil, trace.BadParameter("missing pool")
	}
	return &DBSource{pool: pool}, nil
}

// Snapshot implements Source. Columns, data files and delete files are
// fetched concurrently once the table header resolves.
func (s *DBSource) Snapshot(ctx context.Context, tableID, snapshotID int64) (*Snapshot, error) {
	snap := &Snapshot{TableID: tableID, SnapshotID: snapshotID, SequenceNumber: snapshotID}

	err := s.pool.QueryRow(ctx, `SELECT
  coalesce(t.path, ''), coalesce(sch.path, '')
FROM ducklake_table t
JOIN ducklake_schema sch ON sch.schema_id = t.schema_id
WHERE t.table_id = $1
  AND t.begin_snapshot <= $2 AND (t.end_snapshot IS NULL OR t.end_snapshot > $2)`,
		tableID, snapshotID).Scan(&snap.TablePrefix, &snap.SchemaPrefix)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, trace.NotFound("table %d not visible at snapshot %d", tableID, snapshotID)
		}
		return nil, trace.Wrap(err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		columns, err := s.columns(gctx, tableID, snapshotID)
		snap.Columns = columns
		return trace.Wrap(err)
	})
	group.Go(func() error {
		files, err := s.dataFiles(gctx, tableID, snapshotID)
		snap.DataFiles = files
		return trace.Wrap(err)
	})
	group.Go(func() error {
		files, err := s.deleteFiles(gctx, tableID, snapshotID)
		snap.DeleteFiles = files
		return trace.Wrap(err)
	})
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}
	return snap, nil
}

func (s *DBSource) columns(ctx context.Context, tableID, snapshotID int64) ([]Column, error) {
	rows, err := s.pool.Query(ctx, `SELECT column_id, column_name, column_type
FROM ducklake_column
WHERE table_id = $1
  AND begin_snapshot <= $2 AND (end_snapshot IS NULL OR end_snapshot > $2)
ORDER BY column_order ASC`, tableID, snapshotID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var col Column
		var rawType string
		if err := rows.Scan(&col.ID, &col.Name, &rawType); err != nil {
			return nil, trace.Wrap(err)
		}
		col.Type = icebergType(rawType)
		out = append(out, col)
	}
	return out, trace.Wrap(rows.Err())
}

func (s *DBSource) dataFiles(ctx context.Context, tableID, snapshotID int64) ([]File, error) {
	rows, err := s.pool.Query(ctx, `SELECT data_file_id, path, coalesce(file_format, ''), record_count, file_size_bytes
FROM ducklake_data_file
WHERE table_id = $1
  AND begin_snapshot <= $2 AND (end_snapshot IS NULL OR end_snapshot > $2)
ORDER BY data_file_id ASC`, tableID, snapshotID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	files, ids, err := scanFiles(rows)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.attachStats(ctx, tableID, ids, files); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]File, 0, len(ids))
	for _, id := range ids {
		out = append(out, *files[id])
	}
	return out, nil
}

func (s *DBSource) deleteFiles(ctx context.Context, tableID, snapshotID int64) ([]File, error) {
	rows, err := s.pool.Query(ctx, `SELECT delete_file_id, path, coalesce(format, ''), record_count, file_size_bytes
FROM ducklake_delete_file
WHERE table_id = $1
  AND begin_snapshot <= $2 AND (end_snapshot IS NULL OR end_snapshot > $2)
ORDER BY delete_file_id ASC`, tableID, snapshotID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	files, ids, err := scanFiles(rows)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]File, 0, len(ids))
	for _, id := range ids {
		out = append(out, *files[id])
	}
	return out, nil
}

func scanFiles(rows pgx.Rows) (map[int64]*File, []int64, error) {
	defer rows.Close()
	files := make(map[int64]*File)
	var ids []int64
	for rows.Next() {
		var id int64
		f := &File{
			ColumnSizes: make(map[int32]int64),
			ValueCounts: make(map[int32]int64),
			NullCounts:  make(map[int32]int64),
			LowerBounds: make(map[int32]string),
			UpperBounds: make(map[int32]string),
		}
		if err := rows.Scan(&id, &f.Path, &f.Format, &f.RecordCount, &f.FileSize); err != nil {
			return nil, nil, trace.Wrap(err)
		}
		files[id] = f
		ids = append(ids, id)
	}
	return files, ids, trace.Wrap(rows.Err())
}

func (s *DBSource) attachStats(ctx context.Context, tableID int64, ids []int64, files map[int64]*File) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := s.pool.Query(ctx, `SELECT data_file_id, column_id,
  column_size_bytes, value_count, null_count, min_value, max_value
FROM ducklake_file_column_statistics
WHERE table_id = $1 AND data_file_id = ANY($2)`, tableID, ids)
	if err != nil {
		return trace.Wrap(err)
	}
	defer rows.Close()

	for rows.Next() {
		var fileID int64
		var columnID int32
		var size, values, nulls *int64
		var lower, upper *string
		if err := rows.Scan(&fileID, &columnID, &size, &values, &nulls, &lower, &upper); err != nil {
			return trace.Wrap(err)
		}
		f, ok := files[fileID]
		if !ok {
			continue
		}
		if size != nil {
			f.ColumnSizes[columnID] = *size
		}
		if values != nil {
			f.ValueCounts[columnID] = *values
		}
		if nulls != nil {
			f.NullCounts[columnID] = *nulls
		}
		if lower != nil {
			f.LowerBounds[columnID] = *lower
		}
		if upper != nil {
			f.UpperBounds[columnID] = *upper
		}
	}
	return trace.Wrap(rows.Err())
}

// icebergType maps DuckDB column types onto Iceberg primitive names.
func icebergType(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BOOLEAN", "BOOL":
		return "boolean"
	case "TINYINT", "SMALLINT", "INTEGER", "INT":
		return "int"
	case "BIGINT", "HUGEINT":
		return "long"
	case "FLOAT", "REAL":
		return "float"
	case "DOUBLE":
		return "double"
	case "DATE":
		return "date"
	case "TIMESTAMP", "DATETIME":
		return "timestamp"
	case "TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ":
		return "timestamptz"
	case "VARCHAR", "TEXT", "STRING":
		return "string"
	case "BLOB", "BYTEA", "BINARY":
		return "binary"
	default:
		return "string"
	}
}
