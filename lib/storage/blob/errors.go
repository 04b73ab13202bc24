package blob

import (
	"errors"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/gravitational/trace"

	"github.com/caskstorage/cask/lib/storage/api"
)

// ConvertS3Error converts S3 SDK errors to the internal taxonomy: known
// codes become the matching trace class, anything else is wrapped as an
// S3Error carrying the upstream HTTP status.
func ConvertS3Error(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NoSuchUpload", "NotFound":
			return trace.NotFound("%s", apiErr.ErrorMessage())
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return trace.AccessDenied("%s", apiErr.ErrorMessage())
		case "EntityTooLarge":
			return trace.LimitExceeded("%s", apiErr.ErrorMessage())
		case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
			return trace.AlreadyExists("%s", apiErr.ErrorMessage())
		case "PreconditionFailed":
			return trace.CompareFailed("%s", apiErr.ErrorMessage())
		case "SlowDown":
			return api.NewError(api.CodeSlowDown, "the blob store asked to slow down").WithCause(err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return trace.NotFound("blob not found")
		case http.StatusForbidden:
			return trace.AccessDenied("blob access denied")
		default:
			return api.S3Error(respErr.HTTPStatusCode(), err)
		}
	}

	return trace.Wrap(err)
}

// isNotModified reports a 304 response from a conditional read.
func isNotModified(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotModified
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotModified"
}
