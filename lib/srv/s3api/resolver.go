package s3api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/caskstorage/cask/lib/storage/api"
)

// Operation names one S3 API action after routing.
type Operation string

const (
	OpListBuckets             Operation = "ListBuckets"
	OpCreateBucket            Operation = "CreateBucket"
	OpDeleteBucket            Operation = "DeleteBucket"
	OpHeadBucket              Operation = "HeadBucket"
	OpListObjectsV2           Operation = "ListObjectsV2"
	OpGetObject               Operation = "GetObject"
	OpHeadObject              Operation = "HeadObject"
	OpPutObject               Operation = "PutObject"
	OpCopyObject              Operation = "CopyObject"
	OpDeleteObject            Operation = "DeleteObject"
	OpDeleteObjects           Operation = "DeleteObjects"
	OpCreateMultipartUpload   Operation = "CreateMultipartUpload"
	OpUploadPart              Operation = "UploadPart"
	OpUploadPartCopy          Operation = "UploadPartCopy"
	OpCompleteMultipartUpload Operation = "CompleteMultipartUpload"
	OpAbortMultipartUpload    Operation = "AbortMultipartUpload"
	OpListMultipartUploads    Operation = "ListMultipartUploads"
)

// splitPath breaks a path-style S3 URL into bucket and key. Either may be
// empty.
func splitPath(path string) (bucket, key string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", ""
	}
	bucket, key, _ = strings.Cut(path, "/")
	return bucket, key
}

// Resolve maps an incoming request onto the S3 operation it addresses. The
// disambiguators are, in order: path shape (service, bucket, object), the
// marker query parameters (uploads, uploadId, partNumber, delete) and the
// x-amz-copy-source header.
func Resolve(r *http.Request) (Operation, error) {
	bucket, key := splitPath(r.URL.Path)
	query := r.URL.Query()

	switch {
	case bucket == "":
		if r.Method == http.MethodGet {
			return OpListBuckets, nil
		}
	case key == "":
		return resolveBucket(r, query)
	default:
		return resolveObject(r, query)
	}
	return "", api.NewError(api.CodeInvalidRequest, "unsupported operation %s %s", r.Method, r.URL.Path)
}

func resolveBucket(r *http.Request, query url.Values) (Operation, error) {
	switch r.Method {
	case http.MethodGet:
		if query.Has("uploads") {
			return OpListMultipartUploads, nil
		}
		return OpListObjectsV2, nil
	case http.MethodPut:
		return OpCreateBucket, nil
	case http.MethodDelete:
		return OpDeleteBucket, nil
	case http.MethodHead:
		return OpHeadBucket, nil
	case http.MethodPost:
		if query.Has("delete") {
			return OpDeleteObjects, nil
		}
	}
	return "", api.NewError(api.CodeInvalidRequest, "unsupported operation %s %s", r.Method, r.URL.Path)
}

func resolveObject(r *http.Request, query url.Values) (Operation, error) {
	copySource := r.Header.Get("x-amz-copy-source") != ""
	switch r.Method {
	case http.MethodGet:
		return OpGetObject, nil
	case http.MethodHead:
		return OpHeadObject, nil
	case http.MethodPut:
		if query.Has("partNumber") && query.Has("uploadId") {
			if copySource {
				return OpUploadPartCopy, nil
			}
			return OpUploadPart, nil
		}
		if copySource {
			return OpCopyObject, nil
		}
		return OpPutObject, nil
	case http.MethodPost:
		if query.Has("uploads") {
			return OpCreateMultipartUpload, nil
		}
		if query.Has("uploadId") {
			return OpCompleteMultipartUpload, nil
		}
	case http.MethodDelete:
		if query.Has("uploadId") {
			return OpAbortMultipartUpload, nil
		}
		return OpDeleteObject, nil
	}
	return "", api.NewError(api.CodeInvalidRequest, "unsupported operation %s %s", r.Method, r.URL.Path)
}
