// Package tenant provides the per-tenant configuration contract and the
// process-wide caches in front of it: a JWKS cache with coalesced cold
// loads and a byte-bounded S3 credential cache. Both follow the same
// lifecycle: construct, Run to subscribe for invalidations, cancel the
// context to shut down.
package tenant

import (
	"context"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"

	"github.com/caskstorage/cask"
	logutils "github.com/caskstorage/cask/lib/utils/log"
)

var log = logutils.NewPackageLogger(cask.ComponentKey, cask.Component(cask.ComponentTenant))

// Limits are the per-tenant resource caps.
type Limits struct {
	// FileSizeLimit caps a single object in bytes; zero means the global
	// default applies.
	FileSizeLimit int64
	// MaxCatalogs caps Iceberg catalogs.
	MaxCatalogs int
	// MaxNamespaces caps Iceberg namespaces per catalog.
	MaxNamespaces int
	// MaxTables caps Iceberg tables per namespace.
	MaxTables int
}

// S3Credential is one tenant-issued S3 key pair.
type S3Credential struct {
	// AccessKeyID is the public half presented in SigV4 credentials.
	AccessKeyID string
	// SecretAccessKey seeds the SigV4 signing chain.
	SecretAccessKey string
	// Description labels the credential for operators.
	Description string
	// Claims scope what the credential may touch.
	Claims map[string]string
}

// Bytes approximates the heap cost of a cached credential, used by the
// byte-bounded cache.
func (c *S3Credential) Bytes() int {
	n := len(c.AccessKeyID) + len(c.SecretAccessKey) + len(c.Description)
	for k, v := range c.Claims {
		n += len(k) + len(v)
	}
	// Struct and map overhead.
	return n + 256
}

// Provider fetches tenant configuration from its source of truth. Callers
// go through the caches in this package rather than hitting it directly.
type Provider interface {
	// JWKS returns the tenant's current JSON web key set.
	JWKS(ctx context.Context, tenantID string) (*jose.JSONWebKeySet, error)
	// S3Credential resolves an access key id to the full credential.
	S3Credential(ctx context.Context, tenantID, accessKeyID string) (*S3Credential, error)
	// URLSigningKeys returns the rotated signing key set for signed URL
	// tokens, newest first.
	URLSigningKeys(ctx context.Context, tenantID string) ([][]byte, error)
	// Limits returns the tenant resource caps.
	Limits(ctx context.Context, tenantID string) (Limits, error)
}

// CredentialKey is the cache and invalidation key for an S3 credential;
// broker invalidation payloads carry it.
func CredentialKey(tenantID, accessKeyID string) string {
	return tenantID + "/" + accessKeyID
}

// SplitCredentialKey is the inverse of CredentialKey.
func SplitCredentialKey(key string) (tenantID, accessKeyID string, err error) {
	for i := range key {
		if key[i] == '/' {
			if i == 0 || i == len(key)-1 {
				break
			}
			return key[:i], key[i+1:], nil
		}
	}
	return "", "", trace.BadParameter("malformed credential cache key %q", key)
}
