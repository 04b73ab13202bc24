package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/database"
	"github.com/caskstorage/cask/lib/tenant"
)

type fakeShard struct {
	capacity int
	reserved int
}

type fakeDB struct {
	namespaces map[string]*database.IcebergNamespace
	tables     map[string]*database.IcebergTable
	shards     map[string]*fakeShard
	locks      []string
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		namespaces: make(map[string]*database.IcebergNamespace),
		tables:     make(map[string]*database.IcebergTable),
		shards:     map[string]*fakeShard{"shard-a": {capacity: 2}},
	}
}

func (f *fakeDB) snapshot() *fakeDB {
	out := newFakeDB()
	out.shards = make(map[string]*fakeShard)
	for k, v := range f.namespaces {
		ns := *v
		out.namespaces[k] = &ns
	}
	for k, v := range f.tables {
		tbl := *v
		out.tables[k] = &tbl
	}
	for k, v := range f.shards {
		shard := *v
		out.shards[k] = &shard
	}
	return out
}

func (f *fakeDB) restore(snap *fakeDB) {
	f.namespaces = snap.namespaces
	f.tables = snap.tables
	f.shards = snap.shards
}

// WithTransaction rolls the state back when fn fails, mirroring the real
// transaction semantics.
func (f *fakeDB) WithTransaction(ctx context.Context, tenant string, fn func(tx Tx) error) error {
	snap := f.snapshot()
	if err := fn(&fakeTx{db: f}); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

type fakeTx struct {
	db *fakeDB
}

func (t *fakeTx) LockResource(ctx context.Context, kind, id string) error {
	t.db.locks = append(t.db.locks, kind+":"+id)
	return nil
}

func (t *fakeTx) CreateIcebergNamespace(ctx context.Context, name, internalName string) (*database.IcebergNamespace, error) {
	if _, ok := t.db.namespaces[name]; ok {
		return nil, trace.AlreadyExists("namespace %q already exists", name)
	}
	ns := &database.IcebergNamespace{Tenant: "t1", Name: name, InternalName: internalName, CreatedAt: time.Now()}
	t.db.namespaces[name] = ns
	return ns, nil
}

func (t *fakeTx) FindIcebergNamespace(ctx context.Context, name string) (*database.IcebergNamespace, error) {
	ns, ok := t.db.namespaces[name]
	if !ok || ns.DeletedAt != nil {
		return nil, trace.NotFound("namespace %q not found", name)
	}
	return ns, nil
}

func (t *fakeTx) ListIcebergNamespaces(ctx context.Context) ([]database.IcebergNamespace, error) {
	var out []database.IcebergNamespace
	for _, ns := range t.db.namespaces {
		if ns.DeletedAt == nil {
			out = append(out, *ns)
		}
	}
	return out, nil
}

func (t *fakeTx) SoftDeleteIcebergNamespace(ctx context.Context, name string) error {
	n, err := t.CountIcebergTables(ctx, name)
	if err != nil {
		return err
	}
	if n > 0 {
		return trace.BadParameter("namespace %q still has tables", name)
	}
	ns, ok := t.db.namespaces[name]
	if !ok || ns.DeletedAt != nil {
		return trace.NotFound("namespace %q not found", name)
	}
	now := time.Now()
	ns.DeletedAt = &now
	return nil
}

func (t *fakeTx) CountIcebergNamespaces(ctx context.Context) (int64, error) {
	var n int64
	for _, ns := range t.db.namespaces {
		if ns.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) CountIcebergTables(ctx context.Context, namespace string) (int64, error) {
	var n int64
	for _, tbl := range t.db.tables {
		if tbl.Namespace == namespace && tbl.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) CreateIcebergTable(ctx context.Context, namespace, name, shardID string) (*database.IcebergTable, error) {
	key := namespace + "/" + name
	if _, ok := t.db.tables[key]; ok {
		return nil, trace.AlreadyExists("table %q already exists", name)
	}
	tbl := &database.IcebergTable{Tenant: "t1", Namespace: namespace, Name: name, ShardID: shardID, CreatedAt: time.Now()}
	t.db.tables[key] = tbl
	return tbl, nil
}

func (t *fakeTx) FindIcebergTable(ctx context.Context, namespace, name string) (*database.IcebergTable, error) {
	tbl, ok := t.db.tables[namespace+"/"+name]
	if !ok || tbl.DeletedAt != nil {
		return nil, trace.NotFound("table %q not found", name)
	}
	return tbl, nil
}

func (t *fakeTx) ListIcebergTables(ctx context.Context, namespace string) ([]database.IcebergTable, error) {
	var out []database.IcebergTable
	for _, tbl := range t.db.tables {
		if tbl.Namespace == namespace && tbl.DeletedAt == nil {
			out = append(out, *tbl)
		}
	}
	return out, nil
}

func (t *fakeTx) SoftDeleteIcebergTable(ctx context.Context, namespace, name string) (*database.IcebergTable, error) {
	tbl, err := t.FindIcebergTable(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tbl.DeletedAt = &now
	return tbl, nil
}

func (t *fakeTx) ReserveShard(ctx context.Context) (string, error) {
	for id, shard := range t.db.shards {
		if shard.reserved < shard.capacity {
			shard.reserved++
			return id, nil
		}
	}
	return "", trace.LimitExceeded("no shard capacity available")
}

func (t *fakeTx) FreeShard(ctx context.Context, id string) error {
	shard, ok := t.db.shards[id]
	if !ok {
		return trace.NotFound("shard %q not found", id)
	}
	if shard.reserved > 0 {
		shard.reserved--
	}
	return nil
}

type upstreamCall struct {
	op        string
	shard     string
	namespace string
	table     string
}

type fakeUpstream struct {
	calls []upstreamCall
	// tables tracks live upstream tables per shard+namespace.
	tables map[string][]string

	namespaceExists bool
	createTableErr  error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{tables: make(map[string][]string)}
}

func (f *fakeUpstream) key(shard, namespace string) string { return shard + "/" + namespace }

func (f *fakeUpstream) CreateNamespace(ctx context.Context, shardID, namespace string) error {
	f.calls = append(f.calls, upstreamCall{op: "createNamespace", shard: shardID, namespace: namespace})
	if f.namespaceExists {
		return &Error{Message: "namespace exists", Type: "AlreadyExistsException", Code: http.StatusConflict}
	}
	return nil
}

func (f *fakeUpstream) DropNamespace(ctx context.Context, shardID, namespace string) error {
	f.calls = append(f.calls, upstreamCall{op: "dropNamespace", shard: shardID, namespace: namespace})
	return nil
}

func (f *fakeUpstream) CreateTable(ctx context.Context, shardID, namespace, table string, spec json.RawMessage) (json.RawMessage, error) {
	f.calls = append(f.calls, upstreamCall{op: "createTable", shard: shardID, namespace: namespace, table: table})
	if f.createTableErr != nil {
		return nil, f.createTableErr
	}
	f.tables[f.key(shardID, namespace)] = append(f.tables[f.key(shardID, namespace)], table)
	return json.RawMessage(`{"metadata-location":"s3://warehouse/` + table + `"}`), nil
}

func (f *fakeUpstream) DropTable(ctx context.Context, shardID, namespace, table string) error {
	f.calls = append(f.calls, upstreamCall{op: "dropTable", shard: shardID, namespace: namespace, table: table})
	key := f.key(shardID, namespace)
	var remaining []string
	for _, name := range f.tables[key] {
		if name != table {
			remaining = append(remaining, name)
		}
	}
	f.tables[key] = remaining
	return nil
}

func (f *fakeUpstream) ListTables(ctx context.Context, shardID, namespace string) ([]string, error) {
	return f.tables[f.key(shardID, namespace)], nil
}

func (f *fakeUpstream) LoadTable(ctx context.Context, shardID, namespace, table string) (json.RawMessage, error) {
	for _, name := range f.tables[f.key(shardID, namespace)] {
		if name == table {
			return json.RawMessage(`{"metadata-location":"s3://warehouse/` + table + `"}`), nil
		}
	}
	return nil, &Error{Message: "table not found", Type: "NoSuchTableException", Code: http.StatusNotFound}
}

type fixedLimits struct {
	limits tenant.Limits
}

func (f fixedLimits) Limits(ctx context.Context, tenantID string) (tenant.Limits, error) {
	return f.limits, nil
}

func newTestCatalog(t *testing.T, db *fakeDB, upstream *fakeUpstream, limits tenant.Limits) *Catalog {
	t.Helper()
	catalog, err := NewCatalog(Config{
		Database: db,
		Upstream: upstream,
		Limits:   fixedLimits{limits: limits},
		Tenant:   api.Tenant{Ref: "t1"},
		Clock:    clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return catalog
}

func TestValidateResourceName(t *testing.T) {
	suffixes := reservedSuffixes("--analytics")
	for _, name := range []string{"orders", "a", "order_items_2024", "x9"} {
		require.NoError(t, ValidateResourceName(name, suffixes), name)
	}
	for _, name := range []string{
		"", "Orders", "order-items", "order.items", "_orders", "orders_",
		"awsorders", "orders--iceberg", "orders--s3-table", "orders--analytics",
		strings.Repeat("a", 256),
	} {
		err := ValidateResourceName(name, suffixes)
		require.Error(t, err, name)
		require.True(t, api.IsCode(err, api.CodeInvalidRequest), name)
	}
}

func TestCreateNamespaceMapsInternalName(t *testing.T) {
	db := newFakeDB()
	catalog := newTestCatalog(t, db, newFakeUpstream(), tenant.Limits{})

	ns, err := catalog.CreateNamespace(context.Background(), "analytics")
	require.NoError(t, err)
	require.Equal(t, "analytics", ns.Name)
	require.True(t, strings.HasPrefix(ns.InternalName, "t1_"))
	require.NotContains(t, ns.InternalName, "-")

	// The check-then-create ran under the per-namespace advisory lock.
	require.Contains(t, db.locks, "namespace:t1:analytics")

	// No upstream namespace yet; it is created with the first table.
	_, err = catalog.CreateNamespace(context.Background(), "analytics")
	require.True(t, trace.IsAlreadyExists(err) || api.IsCode(err, api.CodeResourceAlreadyExists))
}

func TestCreateNamespaceEnforcesLimit(t *testing.T) {
	db := newFakeDB()
	catalog := newTestCatalog(t, db, newFakeUpstream(), tenant.Limits{MaxNamespaces: 1})

	_, err := catalog.CreateNamespace(context.Background(), "one")
	require.NoError(t, err)
	_, err = catalog.CreateNamespace(context.Background(), "two")
	require.Error(t, err)
	require.Len(t, db.namespaces, 1)
}

func TestCreateTableOrdering(t *testing.T) {
	db := newFakeDB()
	upstream := newFakeUpstream()
	catalog := newTestCatalog(t, db, upstream, tenant.Limits{})

	ns, err := catalog.CreateNamespace(context.Background(), "analytics")
	require.NoError(t, err)

	tbl, doc, err := catalog.CreateTable(context.Background(), "analytics", "orders", nil)
	require.NoError(t, err)
	require.Equal(t, "shard-a", tbl.ShardID)
	require.Contains(t, string(doc), "metadata-location")
	require.Equal(t, 1, db.shards["shard-a"].reserved)

	// Namespace create precedes table create, both under the internal name.
	require.Equal(t, []upstreamCall{
		{op: "createNamespace", shard: "shard-a", namespace: ns.InternalName},
		{op: "createTable", shard: "shard-a", namespace: ns.InternalName, table: "orders"},
	}, upstream.calls)
}

func TestCreateTableIgnoresUpstreamNamespaceConflict(t *testing.T) {
	db := newFakeDB()
	upstream := newFakeUpstream()
	upstream.namespaceExists = true
	catalog := newTestCatalog(t, db, upstream, tenant.Limits{})

	_, err := catalog.CreateNamespace(context.Background(), "analytics")
	require.NoError(t, err)
	_, _, err = catalog.CreateTable(context.Background(), "analytics", "orders", nil)
	require.NoError(t, err)
}

func TestCreateTableRollsBackShardOnUpstreamFailure(t *testing.T) {
	db := newFakeDB()
	upstream := newFakeUpstream()
	upstream.createTableErr = &Error{Message: "boom", Type: "InternalServerError", Code: http.StatusInternalServerError}
	catalog := newTestCatalog(t, db, upstream, tenant.Limits{})

	_, err := catalog.CreateNamespace(context.Background(), "analytics")
	require.NoError(t, err)
	_, _, err = catalog.CreateTable(context.Background(), "analytics", "orders", nil)
	require.Error(t, err)

	require.Equal(t, 0, db.shards["shard-a"].reserved)
	require.Empty(t, db.tables)
}

func TestCreateTableEnforcesLimitAndShardCapacity(t *testing.T) {
	db := newFakeDB()
	catalog := newTestCatalog(t, db, newFakeUpstream(), tenant.Limits{MaxTables: 1})

	_, err := catalog.CreateNamespace(context.Background(), "analytics")
	require.NoError(t, err)
	_, _, err = catalog.CreateTable(context.Background(), "analytics", "one", nil)
	require.NoError(t, err)
	_, _, err = catalog.CreateTable(context.Background(), "analytics", "two", nil)
	require.Error(t, err)

	// Shard capacity runs out independently of tenant limits.
	db2 := newFakeDB()
	db2.shards["shard-a"].capacity = 0
	catalog2 := newTestCatalog(t, db2, newFakeUpstream(), tenant.Limits{})
	_, err = catalog2.CreateNamespace(context.Background(), "analytics")
	require.NoError(t, err)
	_, _, err = catalog2.CreateTable(context.Background(), "analytics", "one", nil)
	require.Error(t, err)
}

func TestDropTableFreesShardAndCollectsNamespace(t *testing.T) {
	db := newFakeDB()
	upstream := newFakeUpstream()
	catalog := newTestCatalog(t, db, upstream, tenant.Limits{})

	ns, err := catalog.CreateNamespace(context.Background(), "analytics")
	require.NoError(t, err)
	_, _, err = catalog.CreateTable(context.Background(), "analytics", "orders", nil)
	require.NoError(t, err)

	require.NoError(t, catalog.DropTable(context.Background(), "analytics", "orders"))
	require.Equal(t, 0, db.shards["shard-a"].reserved)

	last := upstream.calls[len(upstream.calls)-1]
	require.Equal(t, upstreamCall{op: "dropNamespace", shard: "shard-a", namespace: ns.InternalName}, last)

	// The soft-deleted row remains; the name resolves to nothing.
	_, err = catalog.ListTables(context.Background(), "analytics")
	require.NoError(t, err)
	tbl := db.tables["analytics/orders"]
	require.NotNil(t, tbl)
	require.NotNil(t, tbl.DeletedAt)
}

func TestDropNamespaceRefusesWhileTablesRemain(t *testing.T) {
	db := newFakeDB()
	catalog := newTestCatalog(t, db, newFakeUpstream(), tenant.Limits{})

	_, err := catalog.CreateNamespace(context.Background(), "analytics")
	require.NoError(t, err)
	_, _, err = catalog.CreateTable(context.Background(), "analytics", "orders", nil)
	require.NoError(t, err)

	require.Error(t, catalog.DropNamespace(context.Background(), "analytics"))
	require.NoError(t, catalog.DropTable(context.Background(), "analytics", "orders"))
	require.NoError(t, catalog.DropNamespace(context.Background(), "analytics"))
}

func TestHandlerRoundtrip(t *testing.T) {
	db := newFakeDB()
	upstream := newFakeUpstream()
	handler := NewHandler(newTestCatalog(t, db, upstream, tenant.Limits{}))

	do := func(method, target, body string) *httptest.ResponseRecorder {
		var reader *strings.Reader
		if body == "" {
			reader = strings.NewReader("")
		} else {
			reader = strings.NewReader(body)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, target, reader))
		return rec
	}

	rec := do("GET", "/v1/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"prefix":"t1"`)

	rec = do("POST", "/v1/namespaces", `{"namespace":["analytics"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do("POST", "/v1/namespaces/analytics/tables", `{"name":"orders"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "metadata-location")

	rec = do("GET", "/v1/namespaces/analytics/tables", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Identifiers []struct {
			Name string `json:"name"`
		} `json:"identifiers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Identifiers, 1)
	require.Equal(t, "orders", listed.Identifiers[0].Name)

	rec = do("GET", "/v1/namespaces/analytics/tables/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do("DELETE", "/v1/namespaces/analytics/tables/orders", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do("DELETE", "/v1/namespaces/analytics", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerRendersIcebergErrorModel(t *testing.T) {
	handler := NewHandler(newTestCatalog(t, newFakeDB(), newFakeUpstream(), tenant.Limits{}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/namespaces/absent", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var out struct {
		Error Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, http.StatusNotFound, out.Error.Code)
	require.NotEmpty(t, out.Error.Type)
	require.NotEmpty(t, out.Error.Message)
}
