package catalog

import (
	"strings"

	"github.com/google/uuid"

	"github.com/caskstorage/cask/lib/defaults"
	"github.com/caskstorage/cask/lib/storage/api"
)

// ValidateResourceName enforces the warehouse naming policy on tenant-facing
// namespace and table names: lowercase alphanumerics and underscores, no
// leading or trailing underscore, 1-255 characters. Names starting with
// "aws" and names ending in a reserved suffix are refused because they
// collide with warehouse-internal addressing.
func ValidateResourceName(name string, reservedSuffixes []string) error {
	if len(name) == 0 || len(name) > 255 {
		return api.NewError(api.CodeInvalidRequest, "resource name must be 1-255 characters")
	}
	if !isLowerAlnum(name[0]) || !isLowerAlnum(name[len(name)-1]) {
		return api.NewError(api.CodeInvalidRequest, "resource name %q must start and end with a lowercase letter or digit", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isLowerAlnum(c) && c != '_' {
			return api.NewError(api.CodeInvalidRequest, "resource name %q contains invalid character %q", name, string(c))
		}
	}
	if strings.HasPrefix(name, "aws") {
		return api.NewError(api.CodeInvalidRequest, "resource name %q may not start with \"aws\"", name)
	}
	for _, suffix := range reservedSuffixes {
		if suffix != "" && strings.HasSuffix(name, suffix) {
			return api.NewError(api.CodeInvalidRequest, "resource name %q ends in reserved suffix %q", name, suffix)
		}
	}
	return nil
}

func isLowerAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// reservedSuffixes combines the global reserved suffixes with the
// deployment-configured Iceberg one.
func reservedSuffixes(configured string) []string {
	out := append([]string(nil), defaults.ReservedBucketSuffixes...)
	if configured != "" {
		out = append(out, configured)
	}
	return out
}

// newInternalName allocates the warehouse-internal namespace name. Internal
// names are never reused, so soft-deleted namespaces keep theirs reserved.
func newInternalName(tenantID string) string {
	return tenantID + "_" + strings.ReplaceAll(uuid.NewString(), "-", "_")
}
