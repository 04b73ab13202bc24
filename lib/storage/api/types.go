// Package api holds the shared data model and the wire error taxonomy of
// the gateway: buckets, objects, multipart uploads and the lifecycle event
// envelope every other package exchanges.
package api

import (
	"strings"
	"time"
)

// Bucket is a tenant-scoped container of objects.
type Bucket struct {
	// ID is the bucket identifier, unique per tenant.
	ID string
	// Name is the display name.
	Name string
	// Public marks the bucket readable without authentication.
	Public bool
	// FileSizeLimit optionally caps a single object, in bytes.
	FileSizeLimit *int64
	// AllowedMimeTypes optionally restricts uploads to a set of
	// "type/subtype" or "type/*" patterns.
	AllowedMimeTypes []string
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time
}

// AllowsMime reports whether mimeType passes the bucket allow-list. An
// empty list allows everything.
func (b *Bucket) AllowsMime(mimeType string) bool {
	if len(b.AllowedMimeTypes) == 0 {
		return true
	}
	base, _, _ := strings.Cut(mimeType, ";")
	base = strings.TrimSpace(strings.ToLower(base))
	for _, pattern := range b.AllowedMimeTypes {
		pattern = strings.ToLower(pattern)
		if pattern == base {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
			if kind, _, found := strings.Cut(base, "/"); found && kind == prefix {
				return true
			}
		}
	}
	return false
}

// ObjectMetadata is the blob-derived metadata stored alongside an object row.
type ObjectMetadata struct {
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimetype"`
	CacheControl string    `json:"cacheControl"`
	ETag         string    `json:"eTag"`
	LastModified time.Time `json:"lastModified"`
}

// Object is the current row for a (tenant, bucket, name). At most one row
// is current per triple; each write allocates a fresh opaque Version.
type Object struct {
	ID           string
	BucketID     string
	Name         string
	Version      string
	Metadata     ObjectMetadata
	UserMetadata map[string]string
	Owner        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MultipartUpload is the persisted state of an in-flight S3 multipart
// upload. InProgressSize is monotonically nondecreasing and is protected
// against tampering by UploadSignature.
type MultipartUpload struct {
	ID              string
	BucketID        string
	Key             string
	Version         string
	InProgressSize  int64
	UploadSignature string
	UserMetadata    map[string]string
	Owner           string
	MimeType        string
	CacheControl    string
	CreatedAt       time.Time
}

// UploadPart records one accepted part of a multipart upload.
type UploadPart struct {
	UploadID   string
	PartNumber int32
	ETag       string
	Version    string
	CreatedAt  time.Time
}

// ObjectKey derives the blob path for an object, without version.
func ObjectKey(tenantID, bucketID, name string) string {
	return tenantID + "/" + bucketID + "/" + name
}

// ObjectVersionKey derives the versioned blob path.
func ObjectVersionKey(tenantID, bucketID, name, version string) string {
	return ObjectKey(tenantID, bucketID, name) + "/" + version
}

// Tenant identifies the customer partition an operation runs under.
type Tenant struct {
	// Ref is the stable tenant reference.
	Ref string
	// Host is the tenant-facing hostname, carried in event payloads.
	Host string
}
