package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gravitational/trace"
)

// Code enumerates every error the gateway puts on the wire. Classification
// is by this enum, never by message text.
type Code string

const (
	CodeNoSuchBucket           Code = "NoSuchBucket"
	CodeNoSuchKey              Code = "NoSuchKey"
	CodeNoSuchUpload           Code = "NoSuchUpload"
	CodeInvalidJWT             Code = "InvalidJWT"
	CodeInvalidRequest         Code = "InvalidRequest"
	CodeTenantNotFound         Code = "TenantNotFound"
	CodeEntityTooLarge         Code = "EntityTooLarge"
	CodeInternalError          Code = "InternalError"
	CodeResourceAlreadyExists  Code = "ResourceAlreadyExists"
	CodeInvalidBucketName      Code = "InvalidBucketName"
	CodeInvalidKey             Code = "InvalidKey"
	CodeKeyAlreadyExists       Code = "KeyAlreadyExists"
	CodeBucketAlreadyExists    Code = "BucketAlreadyExists"
	CodeDatabaseTimeout        Code = "DatabaseTimeout"
	CodeInvalidSignature       Code = "InvalidSignature"
	CodeExpiredSignature       Code = "ExpiredSignature"
	CodeAccessDenied           Code = "AccessDenied"
	CodeResourceLocked         Code = "ResourceLocked"
	CodeMissingContentLength   Code = "MissingContentLength"
	CodeInvalidUploadSignature Code = "InvalidUploadSignature"
	CodeLockTimeout            Code = "LockTimeout"
	CodeSlowDown               Code = "SlowDown"
	CodeAbortedTerminate       Code = "AbortedTerminate"
	CodeS3Error                Code = "S3Error"
)

var codeStatus = map[Code]int{
	CodeNoSuchBucket:           http.StatusNotFound,
	CodeNoSuchKey:              http.StatusNotFound,
	CodeNoSuchUpload:           http.StatusNotFound,
	CodeInvalidJWT:             http.StatusBadRequest,
	CodeInvalidRequest:         http.StatusBadRequest,
	CodeTenantNotFound:         http.StatusBadRequest,
	CodeEntityTooLarge:         http.StatusRequestEntityTooLarge,
	CodeInternalError:          http.StatusInternalServerError,
	CodeResourceAlreadyExists:  http.StatusConflict,
	CodeInvalidBucketName:      http.StatusBadRequest,
	CodeInvalidKey:             http.StatusBadRequest,
	CodeKeyAlreadyExists:       http.StatusConflict,
	CodeBucketAlreadyExists:    http.StatusConflict,
	CodeDatabaseTimeout:        544,
	CodeInvalidSignature:       http.StatusBadRequest,
	CodeExpiredSignature:       http.StatusBadRequest,
	CodeAccessDenied:           http.StatusForbidden,
	CodeResourceLocked:         http.StatusLocked,
	CodeMissingContentLength:   http.StatusLengthRequired,
	CodeInvalidUploadSignature: http.StatusBadRequest,
	CodeLockTimeout:            http.StatusServiceUnavailable,
	CodeSlowDown:               http.StatusServiceUnavailable,
	CodeAbortedTerminate:       http.StatusInternalServerError,
	CodeS3Error:                http.StatusInternalServerError,
}

// Rendered is the wire shape of an error.
type Rendered struct {
	StatusCode int    `json:"statusCode"`
	Code       Code   `json:"code"`
	Message    string `json:"message"`
}

// Error is a classified gateway error. The HTTP layer calls Render; logs use
// OriginalError for the raw cause.
type Error struct {
	code    Code
	status  int
	message string
	cause   error
}

// NewError creates an Error with the given code. The status code comes from
// the wire taxonomy.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{
		code:    code,
		status:  codeStatus[code],
		message: fmt.Sprintf(format, args...),
	}
}

// WithCause attaches the underlying cause, kept for logs only.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// WithStatus overrides the rendered HTTP status, used by S3Error to carry
// the upstream status through.
func (e *Error) WithStatus(status int) *Error {
	e.status = status
	return e
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v", e.code, e.message)
}

// Code returns the taxonomy code.
func (e *Error) Code() Code {
	return e.code
}

// Render returns the wire representation.
func (e *Error) Render() Rendered {
	return Rendered{StatusCode: e.status, Code: e.code, Message: e.message}
}

// OriginalError returns the wrapped cause, or the error itself when there
// is none.
func (e *Error) OriginalError() error {
	if e.cause != nil {
		return e.cause
	}
	return e
}

// Unwrap supports errors.Is and errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// AsError extracts a gateway Error from an arbitrary error chain.
func AsError(err error) (*Error, bool) {
	var out *Error
	if errors.As(err, &out) {
		return out, true
	}
	return nil, false
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	if e, ok := AsError(err); ok {
		return e.code == code
	}
	return false
}

// S3Error wraps a blob-layer failure, carrying the upstream HTTP status.
func S3Error(status int, cause error) *Error {
	return NewError(CodeS3Error, "blob store request failed: %v", cause).WithStatus(status).WithCause(cause)
}

// ConvertError classifies an arbitrary error into the wire taxonomy.
// Already-classified errors pass through unchanged; trace classes map onto
// their closest code; everything else becomes InternalError.
func ConvertError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeDatabaseTimeout, "operation timed out").WithCause(err)
	case errors.Is(err, context.Canceled):
		return NewError(CodeAbortedTerminate, "request aborted").WithCause(err)
	case trace.IsLimitExceeded(err):
		return NewError(CodeEntityTooLarge, "the object exceeded the maximum allowed size").WithCause(err)
	case trace.IsNotFound(err):
		return NewError(CodeNoSuchKey, "the specified key does not exist").WithCause(err)
	case trace.IsAlreadyExists(err):
		return NewError(CodeResourceAlreadyExists, "the resource already exists").WithCause(err)
	case trace.IsAccessDenied(err):
		return NewError(CodeAccessDenied, "access denied").WithCause(err)
	case trace.IsBadParameter(err):
		return NewError(CodeInvalidRequest, "invalid request: %v", trace.UserMessage(err)).WithCause(err)
	case trace.IsCompareFailed(err):
		return NewError(CodeResourceLocked, "the resource is locked").WithCause(err)
	default:
		return NewError(CodeInternalError, "internal error").WithCause(err)
	}
}
