// Package s3api is the S3 protocol surface of the gateway: it authenticates
// inbound SigV4 requests against tenant credentials, resolves the addressed
// operation from the method, path and marker query parameters, and
// translates between AWS XML wire shapes and the object and multipart
// coordinators.
package s3api

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/caskstorage/cask"
	"github.com/caskstorage/cask/lib/defaults"
	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/blob"
	"github.com/caskstorage/cask/lib/storage/multipart"
	"github.com/caskstorage/cask/lib/storage/objects"
	"github.com/caskstorage/cask/lib/tenant"
	awsutils "github.com/caskstorage/cask/lib/utils/aws"
	logutils "github.com/caskstorage/cask/lib/utils/log"
)

var log = logutils.NewPackageLogger(cask.ComponentKey, cask.Component(cask.ComponentS3API))

// ObjectService is the slice of the object coordinator the handlers call.
type ObjectService interface {
	Upload(ctx context.Context, req objects.UploadRequest) (*api.Object, error)
	Read(ctx context.Context, bucketID, name string, opts blob.GetOptions) (*api.Object, *blob.ObjectReader, error)
	Head(ctx context.Context, bucketID, name string) (*api.Object, error)
	Copy(ctx context.Context, req objects.CopyRequest) (*api.Object, error)
	Delete(ctx context.Context, bucketID, name, reqID string) error
	DeleteMany(ctx context.Context, bucketID string, names []string, reqID string) ([]api.Object, error)
	ListObjectsV2(ctx context.Context, req objects.ListRequest) (*objects.ListResult, error)
	CreateBucket(ctx context.Context, bucket api.Bucket) (*api.Bucket, error)
	GetBucket(ctx context.Context, id string) (*api.Bucket, error)
	ListBuckets(ctx context.Context) ([]api.Bucket, error)
	DeleteBucket(ctx context.Context, id string) error
}

// MultipartService is the slice of the multipart state machine the handlers
// call.
type MultipartService interface {
	Initiate(ctx context.Context, req multipart.InitiateRequest) (*api.MultipartUpload, error)
	UploadPart(ctx context.Context, req multipart.UploadPartRequest) (*api.UploadPart, error)
	UploadPartCopy(ctx context.Context, req multipart.UploadPartCopyRequest) (*api.UploadPart, error)
	Complete(ctx context.Context, req multipart.CompleteRequest) (*api.Object, error)
	Abort(ctx context.Context, uploadID string) error
	List(ctx context.Context, bucketID, keyMarker, uploadIDMarker string, maxUploads int) ([]api.MultipartUpload, error)
}

// CredentialResolver resolves access key ids to tenant credentials; the
// tenant credential cache implements it.
type CredentialResolver interface {
	Get(ctx context.Context, tenantID, accessKeyID string) (*tenant.S3Credential, error)
}

// Config wires the handler.
type Config struct {
	Verifier    *awsutils.Verifier
	Credentials CredentialResolver
	Objects     ObjectService
	Multipart   MultipartService
	// Tenant scopes the handler; one handler serves one tenant host.
	Tenant api.Tenant
	// Region is reported in HeadBucket responses.
	Region string
	// Clock is overridable in tests.
	Clock clockwork.Clock
	// Log is an optional logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Verifier == nil {
		return trace.BadParameter("missing Verifier")
	}
	if c.Credentials == nil {
		return trace.BadParameter("missing Credentials")
	}
	if c.Objects == nil {
		return trace.BadParameter("missing Objects")
	}
	if c.Multipart == nil {
		return trace.BadParameter("missing Multipart")
	}
	if c.Tenant.Ref == "" {
		return trace.BadParameter("missing Tenant")
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.With("tenant", c.Tenant.Ref)
	}
	return nil
}

// Handler serves the S3 HTTP surface for one tenant.
type Handler struct {
	cfg Config
}

// NewHandler builds a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Handler{cfg: cfg}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	w.Header().Set("x-amz-request-id", reqID)

	op, err := Resolve(r)
	if err != nil {
		h.writeError(w, r, reqID, err)
		return
	}
	if err := h.authenticate(r); err != nil {
		h.writeError(w, r, reqID, err)
		return
	}

	bucket, key := splitPath(r.URL.Path)
	if err := h.dispatch(w, r, op, bucket, key, reqID); err != nil {
		h.writeError(w, r, reqID, err)
	}
}

// authenticate verifies the request signature against the tenant credential
// named by its access key id.
func (h *Handler) authenticate(r *http.Request) error {
	sig, err := awsutils.ParseRequest(r)
	if err != nil {
		return convertAuthError(err)
	}
	cred, err := h.cfg.Credentials.Get(r.Context(), h.cfg.Tenant.Ref, sig.KeyID)
	if err != nil {
		if trace.IsNotFound(err) || api.IsCode(err, api.CodeNoSuchKey) {
			return api.NewError(api.CodeAccessDenied, "unknown access key id").WithCause(err)
		}
		return api.ConvertError(err)
	}
	err = h.cfg.Verifier.VerifyParsed(r, sig, awsutils.Credentials{
		AccessKeyID:     cred.AccessKeyID,
		SecretAccessKey: cred.SecretAccessKey,
	})
	return convertAuthError(err)
}

func convertAuthError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, awsutils.ErrExpiredSignature):
		return api.NewError(api.CodeExpiredSignature, "the provided signature is expired").WithCause(err)
	case errors.Is(err, awsutils.ErrInvalidSignature):
		return api.NewError(api.CodeInvalidSignature, "invalid signature: %v", trace.UserMessage(err)).WithCause(err)
	default:
		return api.ConvertError(err)
	}
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, op Operation, bucket, key, reqID string) error {
	ctx := r.Context()
	switch op {
	case OpListBuckets:
		return h.listBuckets(ctx, w)
	case OpCreateBucket:
		return h.createBucket(ctx, w, r, bucket)
	case OpDeleteBucket:
		return h.deleteBucket(ctx, w, bucket)
	case OpHeadBucket:
		return h.headBucket(ctx, w, bucket)
	case OpListObjectsV2:
		return h.listObjects(ctx, w, r, bucket)
	case OpGetObject:
		return h.getObject(ctx, w, r, bucket, key)
	case OpHeadObject:
		return h.headObject(ctx, w, bucket, key)
	case OpPutObject:
		return h.putObject(ctx, w, r, bucket, key, reqID)
	case OpCopyObject:
		return h.copyObject(ctx, w, r, bucket, key, reqID)
	case OpDeleteObject:
		return h.deleteObject(ctx, w, bucket, key, reqID)
	case OpDeleteObjects:
		return h.deleteObjects(ctx, w, r, bucket, reqID)
	case OpCreateMultipartUpload:
		return h.createMultipartUpload(ctx, w, r, bucket, key)
	case OpUploadPart:
		return h.uploadPart(ctx, w, r, reqID)
	case OpUploadPartCopy:
		return h.uploadPartCopy(ctx, w, r, reqID)
	case OpCompleteMultipartUpload:
		return h.completeMultipartUpload(ctx, w, r, bucket, key, reqID)
	case OpAbortMultipartUpload:
		return h.abortMultipartUpload(ctx, w, r)
	case OpListMultipartUploads:
		return h.listMultipartUploads(ctx, w, r, bucket)
	}
	return api.NewError(api.CodeInvalidRequest, "unsupported operation %q", op)
}

func (h *Handler) listBuckets(ctx context.Context, w http.ResponseWriter) error {
	buckets, err := h.cfg.Objects.ListBuckets(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	out := listAllMyBucketsResult{
		Owner: owner{ID: h.cfg.Tenant.Ref, DisplayName: h.cfg.Tenant.Ref},
	}
	for _, b := range buckets {
		out.Buckets = append(out.Buckets, bucketEntry{Name: b.ID, CreationDate: s3Time(b.CreatedAt)})
	}
	return writeXML(w, http.StatusOK, out)
}

func (h *Handler) createBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) error {
	_, err := h.cfg.Objects.CreateBucket(ctx, api.Bucket{
		ID:     bucket,
		Name:   bucket,
		Public: r.Header.Get("x-amz-acl") == "public-read",
	})
	if err != nil {
		return trace.Wrap(err)
	}
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) deleteBucket(ctx context.Context, w http.ResponseWriter, bucket string) error {
	if err := h.cfg.Objects.DeleteBucket(ctx, bucket); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) headBucket(ctx context.Context, w http.ResponseWriter, bucket string) error {
	if _, err := h.cfg.Objects.GetBucket(ctx, bucket); err != nil {
		return trace.Wrap(err)
	}
	w.Header().Set("x-amz-bucket-region", h.cfg.Region)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) listObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) error {
	query := r.URL.Query()
	maxKeys := defaults.MaxListKeys
	if v := query.Get("max-keys"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return api.NewError(api.CodeInvalidRequest, "invalid max-keys %q", v)
		}
		maxKeys = n
	}
	// The listing caps pages at MaxListKeys; the response reports the
	// effective value.
	if maxKeys <= 0 || maxKeys > defaults.MaxListKeys {
		maxKeys = defaults.MaxListKeys
	}

	res, err := h.cfg.Objects.ListObjectsV2(ctx, objects.ListRequest{
		BucketID:          bucket,
		Prefix:            query.Get("prefix"),
		Delimiter:         query.Get("delimiter"),
		MaxKeys:           maxKeys,
		ContinuationToken: query.Get("continuation-token"),
		StartAfter:        query.Get("start-after"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	encodingType := query.Get("encoding-type")
	encode := func(s string) string {
		if encodingType == "url" {
			return url.QueryEscape(s)
		}
		return s
	}

	out := listBucketResult{
		Name:                  bucket,
		Prefix:                encode(query.Get("prefix")),
		Delimiter:             encode(query.Get("delimiter")),
		StartAfter:            encode(query.Get("start-after")),
		MaxKeys:               maxKeys,
		KeyCount:              res.KeyCount,
		IsTruncated:           res.IsTruncated,
		ContinuationToken:     query.Get("continuation-token"),
		NextContinuationToken: res.NextContinuationToken,
		EncodingType:          encodingType,
	}
	for _, obj := range res.Objects {
		out.Contents = append(out.Contents, objectEntry{
			Key:          encode(obj.Name),
			LastModified: s3Time(obj.Metadata.LastModified),
			ETag:         quoteETag(obj.Metadata.ETag),
			Size:         obj.Metadata.Size,
			StorageClass: "STANDARD",
		})
	}
	for _, prefix := range res.CommonPrefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, commonPrefix{Prefix: encode(prefix)})
	}
	return writeXML(w, http.StatusOK, out)
}

func (h *Handler) getObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key string) error {
	opts, err := getOptionsFromRequest(ctx, h.cfg.Objects, r, bucket, key)
	if err != nil {
		return trace.Wrap(err)
	}

	obj, reader, err := h.cfg.Objects.Read(ctx, bucket, key, opts)
	if err != nil {
		return trace.Wrap(err)
	}
	if reader.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	defer reader.Body.Close()

	writeObjectHeaders(w, obj, reader.Info)
	if reader.ContentRange != "" {
		w.Header().Set("Content-Range", reader.ContentRange)
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if _, err := io.Copy(w, reader.Body); err != nil {
		// Headers are out; all that is left is logging the broken stream.
		h.cfg.Log.WarnContext(ctx, "object download interrupted",
			"bucket", bucket, "key", key, "error", err)
	}
	return nil
}

func (h *Handler) headObject(ctx context.Context, w http.ResponseWriter, bucket, key string) error {
	obj, err := h.cfg.Objects.Head(ctx, bucket, key)
	if err != nil {
		return trace.Wrap(err)
	}
	writeObjectHeaders(w, obj, blob.ObjectInfo{
		Size:         obj.Metadata.Size,
		MimeType:     obj.Metadata.MimeType,
		CacheControl: obj.Metadata.CacheControl,
		ETag:         obj.Metadata.ETag,
		LastModified: obj.Metadata.LastModified,
	})
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Metadata.Size, 10))
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) putObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key, reqID string) error {
	if r.ContentLength < 0 {
		return api.NewError(api.CodeMissingContentLength, "PutObject requires a content length")
	}
	obj, err := h.cfg.Objects.Upload(ctx, objects.UploadRequest{
		BucketID:     bucket,
		Name:         key,
		Body:         r.Body,
		MimeType:     r.Header.Get("Content-Type"),
		CacheControl: r.Header.Get("Cache-Control"),
		UserMetadata: userMetadataFromHeaders(r.Header),
		Upsert:       true,
		ReqID:        reqID,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	w.Header().Set("ETag", quoteETag(obj.Metadata.ETag))
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) copyObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key, reqID string) error {
	srcBucket, srcKey, err := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if err != nil {
		return trace.Wrap(err)
	}
	obj, err := h.cfg.Objects.Copy(ctx, objects.CopyRequest{
		SrcBucketID: srcBucket,
		SrcName:     srcKey,
		DstBucketID: bucket,
		DstName:     key,
		Upsert:      true,
		MimeType:    r.Header.Get("Content-Type"),
		ReqID:       reqID,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return writeXML(w, http.StatusOK, copyObjectResult{
		LastModified: s3Time(obj.Metadata.LastModified),
		ETag:         quoteETag(obj.Metadata.ETag),
	})
}

func (h *Handler) deleteObject(ctx context.Context, w http.ResponseWriter, bucket, key, reqID string) error {
	err := h.cfg.Objects.Delete(ctx, bucket, key, reqID)
	// Deleting an absent key succeeds on the wire.
	if err != nil && !api.IsCode(err, api.CodeNoSuchKey) {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) deleteObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, reqID string) error {
	var req deleteRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		return api.NewError(api.CodeInvalidRequest, "malformed Delete body: %v", err)
	}
	names := make([]string, 0, len(req.Objects))
	for _, obj := range req.Objects {
		names = append(names, obj.Key)
	}

	deleted, err := h.cfg.Objects.DeleteMany(ctx, bucket, names, reqID)
	if err != nil {
		return trace.Wrap(err)
	}

	out := deleteResult{}
	if !req.Quiet {
		for _, obj := range deleted {
			out.Deleted = append(out.Deleted, deletedEntry{Key: obj.Name})
		}
	}
	return writeXML(w, http.StatusOK, out)
}

func (h *Handler) createMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key string) error {
	upload, err := h.cfg.Multipart.Initiate(ctx, multipart.InitiateRequest{
		BucketID:     bucket,
		Key:          key,
		MimeType:     r.Header.Get("Content-Type"),
		CacheControl: r.Header.Get("Cache-Control"),
		UserMetadata: userMetadataFromHeaders(r.Header),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return writeXML(w, http.StatusOK, initiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadID: upload.ID,
	})
}

func (h *Handler) uploadPart(ctx context.Context, w http.ResponseWriter, r *http.Request, reqID string) error {
	partNumber, err := parsePartNumber(r.URL.Query().Get("partNumber"))
	if err != nil {
		return trace.Wrap(err)
	}
	part, err := h.cfg.Multipart.UploadPart(ctx, multipart.UploadPartRequest{
		UploadID:      r.URL.Query().Get("uploadId"),
		PartNumber:    partNumber,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		ReqID:         reqID,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	w.Header().Set("ETag", quoteETag(part.ETag))
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) uploadPartCopy(ctx context.Context, w http.ResponseWriter, r *http.Request, reqID string) error {
	partNumber, err := parsePartNumber(r.URL.Query().Get("partNumber"))
	if err != nil {
		return trace.Wrap(err)
	}
	srcBucket, srcKey, err := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if err != nil {
		return trace.Wrap(err)
	}
	var rng *blob.Range
	if header := r.Header.Get("x-amz-copy-source-range"); header != "" {
		rng, err = parseRange(header)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	part, err := h.cfg.Multipart.UploadPartCopy(ctx, multipart.UploadPartCopyRequest{
		UploadID:   r.URL.Query().Get("uploadId"),
		PartNumber: partNumber,
		SrcBucket:  srcBucket,
		SrcName:    srcKey,
		Range:      rng,
		ReqID:      reqID,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return writeXML(w, http.StatusOK, copyPartResult{
		LastModified: s3Time(h.cfg.Clock.Now()),
		ETag:         quoteETag(part.ETag),
	})
}

func (h *Handler) completeMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key, reqID string) error {
	var req completeMultipartUpload
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return api.NewError(api.CodeInvalidRequest, "malformed CompleteMultipartUpload body: %v", err)
	}
	parts := make([]blob.UploadedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, blob.UploadedPart{
			PartNumber: p.PartNumber,
			ETag:       strings.Trim(p.ETag, `"`),
		})
	}

	obj, err := h.cfg.Multipart.Complete(ctx, multipart.CompleteRequest{
		UploadID: r.URL.Query().Get("uploadId"),
		Parts:    parts,
		ReqID:    reqID,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return writeXML(w, http.StatusOK, completeMultipartUploadResult{
		Location: fmt.Sprintf("https://%s/%s/%s", h.cfg.Tenant.Host, bucket, key),
		Bucket:   bucket,
		Key:      key,
		ETag:     quoteETag(obj.Metadata.ETag),
	})
}

func (h *Handler) abortMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if err := h.cfg.Multipart.Abort(ctx, r.URL.Query().Get("uploadId")); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) listMultipartUploads(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) error {
	query := r.URL.Query()
	maxUploads := 0
	if v := query.Get("max-uploads"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return api.NewError(api.CodeInvalidRequest, "invalid max-uploads %q", v)
		}
		maxUploads = n
	}
	uploads, err := h.cfg.Multipart.List(ctx, bucket, query.Get("key-marker"), query.Get("upload-id-marker"), maxUploads)
	if err != nil {
		return trace.Wrap(err)
	}
	out := listMultipartUploadsResult{Bucket: bucket}
	for _, u := range uploads {
		out.Uploads = append(out.Uploads, uploadEntry{
			Key:       u.Key,
			UploadID:  u.ID,
			Initiated: s3Time(u.CreatedAt),
		})
	}
	return writeXML(w, http.StatusOK, out)
}

// getOptionsFromRequest maps the conditional and range headers onto blob
// read options. Open-ended ranges are resolved against the object size.
func getOptionsFromRequest(ctx context.Context, svc ObjectService, r *http.Request, bucket, key string) (blob.GetOptions, error) {
	var opts blob.GetOptions
	if v := r.Header.Get("If-None-Match"); v != "" {
		opts.IfNoneMatch = strings.Trim(v, `"`)
	}
	if v := r.Header.Get("If-Modified-Since"); v != "" {
		t, err := http.ParseTime(v)
		if err != nil {
			return opts, api.NewError(api.CodeInvalidRequest, "invalid If-Modified-Since header")
		}
		opts.IfModifiedSince = &t
	}

	header := r.Header.Get("Range")
	if header == "" {
		return opts, nil
	}
	start, end, suffix, err := parseRangeSpec(header)
	if err != nil {
		return opts, trace.Wrap(err)
	}
	if end >= 0 && !suffix {
		opts.Range = &blob.Range{Start: start, End: end}
		return opts, nil
	}

	// "bytes=N-" and "bytes=-N" need the object size.
	obj, err := svc.Head(ctx, bucket, key)
	if err != nil {
		return opts, trace.Wrap(err)
	}
	size := obj.Metadata.Size
	if suffix {
		start = max(size-end, 0)
		opts.Range = &blob.Range{Start: start, End: size - 1}
		return opts, nil
	}
	if start >= size {
		return opts, api.NewError(api.CodeInvalidRequest, "range start %d is past the object size %d", start, size)
	}
	opts.Range = &blob.Range{Start: start, End: size - 1}
	return opts, nil
}

// parseRange parses a fully specified "bytes=start-end" range.
func parseRange(header string) (*blob.Range, error) {
	start, end, suffix, err := parseRangeSpec(header)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if suffix || end < 0 {
		return nil, api.NewError(api.CodeInvalidRequest, "range %q must name both bounds", header)
	}
	return &blob.Range{Start: start, End: end}, nil
}

// parseRangeSpec parses an HTTP range header. suffix marks "bytes=-N"
// (last N bytes, returned in end); an open "bytes=N-" yields end == -1.
func parseRangeSpec(header string) (start, end int64, suffix bool, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, false, api.NewError(api.CodeInvalidRequest, "unsupported range %q", header)
	}
	first, last, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false, api.NewError(api.CodeInvalidRequest, "malformed range %q", header)
	}
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false, api.NewError(api.CodeInvalidRequest, "malformed range %q", header)
		}
		return 0, n, true, nil
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false, api.NewError(api.CodeInvalidRequest, "malformed range %q", header)
	}
	if last == "" {
		return start, -1, false, nil
	}
	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, false, api.NewError(api.CodeInvalidRequest, "malformed range %q", header)
	}
	return start, end, false, nil
}

func parsePartNumber(raw string) (int32, error) {
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || n < 1 {
		return 0, api.NewError(api.CodeInvalidRequest, "invalid part number %q", raw)
	}
	return int32(n), nil
}

// parseCopySource splits an x-amz-copy-source header into bucket and key.
// The value may be URL-encoded and may carry a leading slash.
func parseCopySource(raw string) (bucket, key string, err error) {
	if raw == "" {
		return "", "", api.NewError(api.CodeInvalidRequest, "missing x-amz-copy-source")
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = raw
	}
	bucket, key = splitPath("/" + strings.TrimPrefix(decoded, "/"))
	if bucket == "" || key == "" {
		return "", "", api.NewError(api.CodeInvalidRequest, "malformed x-amz-copy-source %q", raw)
	}
	return bucket, key, nil
}

// userMetadataFromHeaders collects x-amz-meta-* headers.
func userMetadataFromHeaders(headers http.Header) map[string]string {
	var meta map[string]string
	for name, values := range headers {
		lower := strings.ToLower(name)
		if rest, ok := strings.CutPrefix(lower, "x-amz-meta-"); ok && len(values) > 0 {
			if meta == nil {
				meta = make(map[string]string)
			}
			meta[rest] = values[0]
		}
	}
	return meta
}

func writeObjectHeaders(w http.ResponseWriter, obj *api.Object, info blob.ObjectInfo) {
	if info.MimeType != "" {
		w.Header().Set("Content-Type", info.MimeType)
	}
	if info.CacheControl != "" {
		w.Header().Set("Cache-Control", info.CacheControl)
	}
	w.Header().Set("ETag", quoteETag(info.ETag))
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("x-amz-version-id", obj.Version)
	for name, value := range obj.UserMetadata {
		w.Header().Set("x-amz-meta-"+name, value)
	}
}

func writeXML(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(xml.NewEncoder(w).Encode(payload))
}

// writeError renders the wire error shape. HEAD responses carry the status
// only.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, reqID string, err error) {
	rendered := api.ConvertError(err).Render()
	if r.Method == http.MethodHead {
		w.WriteHeader(rendered.StatusCode)
		return
	}
	writeErr := writeXML(w, rendered.StatusCode, errorResponse{
		Code:      string(rendered.Code),
		Message:   rendered.Message,
		Resource:  r.URL.Path,
		RequestID: reqID,
	})
	if writeErr != nil {
		h.cfg.Log.WarnContext(r.Context(), "failed to render error response", "error", writeErr)
	}
}
