// Package defaults holds the tunable limits and timeouts of the gateway.
package defaults

import "time"

const (
	// MaxPartSize is the server-enforced cap on a single multipart part,
	// mirroring the underlying S3 contract.
	MaxPartSize int64 = 5 * 1024 * 1024 * 1024

	// MaxPartsPerUpload is the maximum number of parts for a single
	// multipart upload.
	// See https://docs.aws.amazon.com/AmazonS3/latest/userguide/qfacts.html
	MaxPartsPerUpload = 10000

	// MaxListKeys is the default and maximum page size for ListObjectsV2.
	MaxListKeys = 1000

	// DefaultFileSizeLimit applies when neither the bucket nor the tenant
	// configures a smaller cap.
	DefaultFileSizeLimit int64 = 50 * 1024 * 1024 * 1024

	// URLLengthLimit bounds the cumulative encoded key length of a single
	// DeleteObjects batch sent to the blob store.
	URLLengthLimit = 8000

	// MaxIterationLimit bounds paging loops against external stores.
	MaxIterationLimit = 1000
)

const (
	// WebhookTimeout is the per-delivery HTTP timeout of the event
	// dispatcher.
	WebhookTimeout = 4 * time.Second

	// WebhookIdleConns is the keep-alive pool size of the dispatcher.
	WebhookIdleConns = 20

	// TUSLockTimeout is the overall budget for acquiring a resumable
	// upload lease across nodes.
	TUSLockTimeout = 15 * time.Second

	// TUSLockRetryPeriod is the pause between advisory lock attempts while
	// the current holder is asked to release.
	TUSLockRetryPeriod = 100 * time.Millisecond

	// ObjectLockWaitTimeout bounds WaitObjectLock inside copy and move
	// transactions.
	ObjectLockWaitTimeout = 5 * time.Second

	// SweepPeriod is how often the orphan sweeper drains the admin delete
	// queue.
	SweepPeriod = 30 * time.Second

	// SweepBatchSize is how many orphan jobs a single sweep pass claims.
	SweepBatchSize = 100

	// DatabaseConnectTimeout bounds initial pool establishment.
	DatabaseConnectTimeout = 30 * time.Second

	// JWKSCacheTTL bounds how long a tenant JWKS is served without reload.
	JWKSCacheTTL = time.Hour

	// S3CredentialsCacheTTL bounds per-credential cache entries.
	S3CredentialsCacheTTL = time.Hour

	// S3CredentialsCacheSize is the byte budget of the credential cache.
	S3CredentialsCacheSize = 50 * 1024 * 1024

	// ManifestCacheEntries caps the DuckLake manifest cache; entries are
	// immutable once built so the cap only bounds memory.
	ManifestCacheEntries = 128

	// UpstreamCatalogTimeout bounds a single call to a warehouse shard's
	// REST catalog.
	UpstreamCatalogTimeout = 30 * time.Second

	// UpstreamCatalogMaxResponse bounds how much of an upstream catalog
	// response is read.
	UpstreamCatalogMaxResponse int64 = 8 * 1024 * 1024
)

const (
	// ChannelJWKSUpdate invalidates a cached tenant JWKS.
	ChannelJWKSUpdate = "tenants_jwks_update"

	// ChannelS3CredentialsUpdate invalidates a cached tenant S3 credential.
	ChannelS3CredentialsUpdate = "tenants_s3_credentials_update"

	// ChannelLockRelease asks the current holder of a resumable upload
	// lease to release it promptly.
	ChannelLockRelease = "REQUEST_LOCK_RELEASE"
)

// ReservedBucketSuffixes may not appear at the end of tenant-facing bucket
// or namespace names; they address internal warehouses.
var ReservedBucketSuffixes = []string{
	"--iceberg",
	"--s3-table",
}
