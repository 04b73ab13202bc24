package ducklake

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caskstorage/cask/lib/storage/api"
)

// VirtualPrefix roots the manifest namespace inside a bucket. Objects under
// it are generated on demand, never stored.
const VirtualPrefix = "__ducklake__"

// VirtualPath addresses one generated manifest document.
type VirtualPath struct {
	TableID    int64
	SnapshotID int64
	// Filename is "snap-<id>.avro" for the manifest list or
	// "<snap>-m<n>.avro" for a manifest.
	Filename string
}

// String renders the full virtual key.
func (p VirtualPath) String() string {
	return fmt.Sprintf("%s/t%d/s%d/%s", VirtualPrefix, p.TableID, p.SnapshotID, p.Filename)
}

// ParseVirtualPath parses "__ducklake__/t<tableId>/s<snapshotId>/<file>".
func ParseVirtualPath(path string) (*VirtualPath, error) {
	parts := strings.Split(path, "/")
	if len(parts) != 4 || parts[0] != VirtualPrefix {
		return nil, api.NewError(api.CodeInvalidRequest, "invalid manifest path %q", path)
	}
	tableID, err := parsePrefixedID(parts[1], 't')
	if err != nil {
		return nil, api.NewError(api.CodeInvalidRequest, "invalid table segment in %q", path)
	}
	snapshotID, err := parsePrefixedID(parts[2], 's')
	if err != nil {
		return nil, api.NewError(api.CodeInvalidRequest, "invalid snapshot segment in %q", path)
	}
	if !strings.HasSuffix(parts[3], ".avro") || len(parts[3]) == len(".avro") {
		return nil, api.NewError(api.CodeInvalidRequest, "invalid manifest filename in %q", path)
	}
	return &VirtualPath{TableID: tableID, SnapshotID: snapshotID, Filename: parts[3]}, nil
}

func parsePrefixedID(segment string, prefix byte) (int64, error) {
	if len(segment) < 2 || segment[0] != prefix {
		return 0, fmt.Errorf("missing %q prefix", string(prefix))
	}
	return strconv.ParseInt(segment[1:], 10, 64)
}
