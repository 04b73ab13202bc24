package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gravitational/trace"

	"github.com/caskstorage/cask"
	"github.com/caskstorage/cask/lib/defaults"
	logutils "github.com/caskstorage/cask/lib/utils/log"
)

var log = logutils.NewPackageLogger(cask.ComponentKey, cask.Component(cask.ComponentBlob))

// S3Config configures the S3 adapter.
type S3Config struct {
	// Bucket is the single backing bucket all tenants share; tenant and
	// logical bucket live in the key prefix.
	Bucket string
	// Region of the backing bucket.
	Region string
	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string
	// ForcePathStyle disables virtual-hosted addressing, required by most
	// S3-compatible stores.
	ForcePathStyle bool
	// AccessKeyID and SecretAccessKey are optional static credentials; when
	// empty the SDK default chain applies.
	AccessKeyID     string
	SecretAccessKey string
	// Client overrides the constructed client, for tests.
	Client *s3.Client
}

// CheckAndSetDefaults validates the config.
func (c *S3Config) CheckAndSetDefaults() error {
	if c.Bucket == "" {
		return trace.BadParameter("missing Bucket")
	}
	if c.Region == "" {
		return trace.BadParameter("missing Region")
	}
	return nil
}

// S3 is the blob adapter backed by an S3-compatible store.
type S3 struct {
	cfg      S3Config
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3 builds the adapter.
func NewS3(cfg S3Config) (*S3, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := cfg.Client
	if client == nil {
		opts := s3.Options{
			Region:       cfg.Region,
			UsePathStyle: cfg.ForcePathStyle,
		}
		if cfg.Endpoint != "" {
			opts.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.AccessKeyID != "" {
			opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		}
		client = s3.New(opts)
	}
	return &S3{
		cfg:      cfg,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// UploadObject streams body into the versioned key. The manager uploader
// switches to multipart transparently for large bodies.
func (s *S3) UploadObject(ctx context.Context, key, version string, body io.Reader, mimeType, cacheControl string) (ObjectInfo, error) {
	start := time.Now()
	versioned := VersionedKey(key, version)
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(versioned),
		Body:   body,
	}
	if mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}
	if cacheControl != "" {
		input.CacheControl = aws.String(cacheControl)
	}
	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return ObjectInfo{}, trace.Wrap(ConvertS3Error(err), "PutObject(%v)", versioned)
	}

	// The uploader response omits size and date, so read them back.
	info, err := s.HeadObject(ctx, key, version)
	if err != nil {
		return ObjectInfo{}, trace.Wrap(err)
	}
	if out.ETag != nil {
		info.ETag = strings.Trim(*out.ETag, `"`)
	}
	log.DebugContext(ctx, "uploaded object", "key", versioned, "size", info.Size, "elapsed", time.Since(start).String())
	return info, nil
}

// GetObject opens a download with optional range and conditional headers.
func (s *S3) GetObject(ctx context.Context, key, version string, opts GetOptions) (*ObjectReader, error) {
	versioned := VersionedKey(key, version)
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(versioned),
	}
	if opts.IfModifiedSince != nil {
		input.IfModifiedSince = opts.IfModifiedSince
	}
	if opts.IfNoneMatch != "" {
		input.IfNoneMatch = aws.String(opts.IfNoneMatch)
	}
	if opts.Range != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", opts.Range.Start, opts.Range.End))
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isNotModified(err) {
			return &ObjectReader{NotModified: true}, nil
		}
		return nil, trace.Wrap(ConvertS3Error(err), "GetObject(%v)", versioned)
	}
	reader := &ObjectReader{
		Body: out.Body,
		Info: ObjectInfo{
			Size:         aws.ToInt64(out.ContentLength),
			MimeType:     aws.ToString(out.ContentType),
			CacheControl: aws.ToString(out.CacheControl),
			ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
			LastModified: aws.ToTime(out.LastModified),
		},
		ContentRange: aws.ToString(out.ContentRange),
	}
	return reader, nil
}

// HeadObject returns the metadata of the versioned key.
func (s *S3) HeadObject(ctx context.Context, key, version string) (ObjectInfo, error) {
	versioned := VersionedKey(key, version)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(versioned),
	})
	if err != nil {
		return ObjectInfo{}, trace.Wrap(ConvertS3Error(err), "HeadObject(%v)", versioned)
	}
	return ObjectInfo{
		Size:         aws.ToInt64(out.ContentLength),
		MimeType:     aws.ToString(out.ContentType),
		CacheControl: aws.ToString(out.CacheControl),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// CopyObject performs a server-side copy between versioned keys.
func (s *S3) CopyObject(ctx context.Context, srcKey, srcVersion, dstKey, dstVersion string, opts CopyOptions) (ObjectInfo, error) {
	src := VersionedKey(srcKey, srcVersion)
	dst := VersionedKey(dstKey, dstVersion)
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(s.cfg.Bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(url.PathEscape(s.cfg.Bucket + "/" + src)),
	}
	if opts.MimeType != "" || opts.CacheControl != "" {
		input.MetadataDirective = s3types.MetadataDirectiveReplace
		if opts.MimeType != "" {
			input.ContentType = aws.String(opts.MimeType)
		}
		if opts.CacheControl != "" {
			input.CacheControl = aws.String(opts.CacheControl)
		}
	}
	if opts.Conditions.IfMatch != "" {
		input.CopySourceIfMatch = aws.String(opts.Conditions.IfMatch)
	}
	if opts.Conditions.IfNoneMatch != "" {
		input.CopySourceIfNoneMatch = aws.String(opts.Conditions.IfNoneMatch)
	}
	if opts.Conditions.IfModifiedSince != nil {
		input.CopySourceIfModifiedSince = opts.Conditions.IfModifiedSince
	}
	if opts.Conditions.IfUnmodifiedSince != nil {
		input.CopySourceIfUnmodifiedSince = opts.Conditions.IfUnmodifiedSince
	}
	out, err := s.client.CopyObject(ctx, input)
	if err != nil {
		return ObjectInfo{}, trace.Wrap(ConvertS3Error(err), "CopyObject(%v -> %v)", src, dst)
	}
	info, err := s.HeadObject(ctx, dstKey, dstVersion)
	if err != nil {
		return ObjectInfo{}, trace.Wrap(err)
	}
	if out.CopyObjectResult != nil && out.CopyObjectResult.ETag != nil {
		info.ETag = strings.Trim(*out.CopyObjectResult.ETag, `"`)
	}
	return info, nil
}

// DeleteObject removes a single versioned key. Deleting a missing key
// succeeds, matching S3 semantics.
func (s *S3) DeleteObject(ctx context.Context, key, version string) error {
	versioned := VersionedKey(key, version)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(versioned),
	})
	if err != nil {
		return trace.Wrap(ConvertS3Error(err), "DeleteObject(%v)", versioned)
	}
	return nil
}

// DeleteObjects removes versioned keys in chunks of 1000, the S3 per-call
// limit.
func (s *S3) DeleteObjects(ctx context.Context, versionedKeys []string) error {
	const chunkSize = 1000
	for start := 0; start < len(versionedKeys); start += chunkSize {
		end := min(start+chunkSize, len(versionedKeys))
		objects := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, key := range versionedKeys[start:end] {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(key)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.cfg.Bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return trace.Wrap(ConvertS3Error(err), "DeleteObjects(%d keys)", end-start)
		}
		for _, failed := range out.Errors {
			log.WarnContext(ctx, "bulk delete failed for key",
				"key", aws.ToString(failed.Key), "code", aws.ToString(failed.Code))
		}
	}
	return nil
}

// CreateMultipartUpload initiates an upload on the versioned key and
// returns the store-issued upload id.
func (s *S3) CreateMultipartUpload(ctx context.Context, key, version, mimeType, cacheControl string) (string, error) {
	versioned := VersionedKey(key, version)
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(versioned),
	}
	if mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}
	if cacheControl != "" {
		input.CacheControl = aws.String(cacheControl)
	}
	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", trace.Wrap(ConvertS3Error(err), "CreateMultipartUpload(%v)", versioned)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart streams one part.
func (s *S3) UploadPart(ctx context.Context, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (string, error) {
	if int(partNumber) > defaults.MaxPartsPerUpload {
		return "", trace.LimitExceeded("part number %d exceeds the %d part limit", partNumber, defaults.MaxPartsPerUpload)
	}
	versioned := VersionedKey(key, version)
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(versioned),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          body,
		ContentLength: aws.Int64(length),
	})
	if err != nil {
		return "", trace.Wrap(ConvertS3Error(err), "UploadPart(upload %v) part(%v)", uploadID, partNumber)
	}
	return strings.Trim(aws.ToString(out.ETag), `"`), nil
}

// UploadPartCopy copies a byte range of an existing object in as a part.
func (s *S3) UploadPartCopy(ctx context.Context, dstKey, dstVersion, uploadID string, partNumber int32, srcKey, srcVersion string, rng *Range) (string, error) {
	src := VersionedKey(srcKey, srcVersion)
	input := &s3.UploadPartCopyInput{
		Bucket:     aws.String(s.cfg.Bucket),
		Key:        aws.String(VersionedKey(dstKey, dstVersion)),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		CopySource: aws.String(url.PathEscape(s.cfg.Bucket + "/" + src)),
	}
	if rng != nil {
		input.CopySourceRange = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	}
	out, err := s.client.UploadPartCopy(ctx, input)
	if err != nil {
		return "", trace.Wrap(ConvertS3Error(err), "UploadPartCopy(upload %v) part(%v)", uploadID, partNumber)
	}
	if out.CopyPartResult == nil {
		return "", trace.BadParameter("upload part copy returned no result")
	}
	return strings.Trim(aws.ToString(out.CopyPartResult.ETag), `"`), nil
}

// CompleteMultipartUpload assembles the parts into the final object.
func (s *S3) CompleteMultipartUpload(ctx context.Context, key, version, uploadID string, parts []UploadedPart) (ObjectInfo, error) {
	if len(parts) == 0 {
		return ObjectInfo{}, trace.BadParameter("multipart upload must have at least one part")
	}
	if len(parts) > defaults.MaxPartsPerUpload {
		return ObjectInfo{}, trace.BadParameter("too many parts for a single upload (%d), must be at most %d",
			len(parts), defaults.MaxPartsPerUpload)
	}
	versioned := VersionedKey(key, version)
	completed := make([]s3types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = s3types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		}
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.cfg.Bucket),
		Key:             aws.String(versioned),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return ObjectInfo{}, trace.Wrap(ConvertS3Error(err), "CompleteMultipartUpload(upload %v)", uploadID)
	}
	info, err := s.HeadObject(ctx, key, version)
	if err != nil {
		return ObjectInfo{}, trace.Wrap(err)
	}
	return info, nil
}

// AbortMultipartUpload discards the upload and its parts.
func (s *S3) AbortMultipartUpload(ctx context.Context, key, version, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.cfg.Bucket),
		Key:      aws.String(VersionedKey(key, version)),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return trace.Wrap(ConvertS3Error(err), "AbortMultipartUpload(upload %v)", uploadID)
	}
	return nil
}

// Close implements Adapter. The SDK client holds no resources needing
// explicit release.
func (s *S3) Close() error { return nil }
