// Package blob defines the adapter contract to the backing blob store and
// its S3 implementation. The adapter owns bytes only: metadata rows and
// lifecycle invariants live with the object coordinator.
package blob

import (
	"context"
	"io"
	"time"
)

// ObjectInfo is the blob-side metadata of a stored object.
type ObjectInfo struct {
	Size         int64
	MimeType     string
	CacheControl string
	ETag         string
	LastModified time.Time
}

// Range is a byte range, inclusive on both ends like HTTP ranges.
type Range struct {
	Start int64
	End   int64
}

// GetOptions are the conditional-read knobs of GetObject.
type GetOptions struct {
	IfModifiedSince *time.Time
	IfNoneMatch     string
	Range           *Range
}

// ObjectReader is an open download. Body must be closed by the caller.
// NotModified is set (with a nil Body) when a conditional read matched.
type ObjectReader struct {
	Body         io.ReadCloser
	Info         ObjectInfo
	ContentRange string
	NotModified  bool
}

// CopyConditions guard CopyObject against concurrent source changes.
type CopyConditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   *time.Time
	IfUnmodifiedSince *time.Time
}

// CopyOptions carry optional metadata overrides for the destination.
type CopyOptions struct {
	MimeType     string
	CacheControl string
	Conditions   CopyConditions
}

// UploadedPart identifies one completed part of a multipart upload.
type UploadedPart struct {
	PartNumber int32
	ETag       string
}

// Adapter is the stable contract between the gateway and the blob store.
// Keys are the derived tenant/bucket/name paths; version is appended to the
// key by the adapter. Every call honours ctx cancellation.
type Adapter interface {
	UploadObject(ctx context.Context, key, version string, body io.Reader, mimeType, cacheControl string) (ObjectInfo, error)
	GetObject(ctx context.Context, key, version string, opts GetOptions) (*ObjectReader, error)
	HeadObject(ctx context.Context, key, version string) (ObjectInfo, error)
	CopyObject(ctx context.Context, srcKey, srcVersion, dstKey, dstVersion string, opts CopyOptions) (ObjectInfo, error)
	DeleteObject(ctx context.Context, key, version string) error
	// DeleteObjects removes fully-versioned keys in bulk; missing keys are
	// not an error.
	DeleteObjects(ctx context.Context, versionedKeys []string) error

	CreateMultipartUpload(ctx context.Context, key, version, mimeType, cacheControl string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (etag string, err error)
	UploadPartCopy(ctx context.Context, dstKey, dstVersion, uploadID string, partNumber int32, srcKey, srcVersion string, rng *Range) (etag string, err error)
	CompleteMultipartUpload(ctx context.Context, key, version, uploadID string, parts []UploadedPart) (ObjectInfo, error)
	AbortMultipartUpload(ctx context.Context, key, version, uploadID string) error

	Close() error
}

// VersionedKey joins a blob key with its version suffix.
func VersionedKey(key, version string) string {
	if version == "" {
		return key
	}
	return key + "/" + version
}
