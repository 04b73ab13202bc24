package database

import "strings"

// ObjectColumns is a bitmask selecting which object columns a query reads.
// Projections are an explicit enum set rather than ad-hoc column strings so
// the SQL surface stays closed.
type ObjectColumns uint16

const (
	ColID ObjectColumns = 1 << iota
	ColBucketID
	ColName
	ColVersion
	ColMetadata
	ColUserMetadata
	ColOwner
	ColCreatedAt
	ColUpdatedAt

	// ColsAll selects every column.
	ColsAll = ColID | ColBucketID | ColName | ColVersion | ColMetadata |
		ColUserMetadata | ColOwner | ColCreatedAt | ColUpdatedAt
	// ColsIdentity is the cheapest projection that still identifies a blob.
	ColsIdentity = ColID | ColBucketID | ColName | ColVersion
)

// objectColumnNames is ordered to match the bit positions above.
var objectColumnNames = []struct {
	col  ObjectColumns
	name string
}{
	{ColID, "id"},
	{ColBucketID, "bucket_id"},
	{ColName, "name"},
	{ColVersion, "version"},
	{ColMetadata, "metadata"},
	{ColUserMetadata, "user_metadata"},
	{ColOwner, "owner"},
	{ColCreatedAt, "created_at"},
	{ColUpdatedAt, "updated_at"},
}

// selectList renders the projection as a SQL column list in a stable order.
func (c ObjectColumns) selectList() string {
	parts := make([]string, 0, len(objectColumnNames))
	for _, cn := range objectColumnNames {
		if c&cn.col != 0 {
			parts = append(parts, cn.name)
		}
	}
	return strings.Join(parts, ", ")
}

// Has reports whether the projection includes col.
func (c ObjectColumns) Has(col ObjectColumns) bool { return c&col != 0 }
