package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestErrorRender(t *testing.T) {
	t.Parallel()

	err := NewError(CodeNoSuchBucket, "bucket %q does not exist", "avatars")
	rendered := err.Render()
	require.Equal(t, http.StatusNotFound, rendered.StatusCode)
	require.Equal(t, CodeNoSuchBucket, rendered.Code)
	require.Contains(t, rendered.Message, "avatars")
}

func TestErrorOriginalError(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := NewError(CodeInternalError, "internal error").WithCause(cause)
	require.Equal(t, cause, err.OriginalError())
	require.ErrorIs(t, err, cause)

	bare := NewError(CodeInvalidKey, "bad key")
	require.Equal(t, bare, bare.OriginalError())
}

func TestConvertError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "passthrough", err: NewError(CodeResourceLocked, "locked"), want: CodeResourceLocked},
		{name: "wrapped passthrough", err: trace.Wrap(NewError(CodeExpiredSignature, "stale")), want: CodeExpiredSignature},
		{name: "limit exceeded", err: trace.LimitExceeded("too big"), want: CodeEntityTooLarge},
		{name: "not found", err: trace.NotFound("gone"), want: CodeNoSuchKey},
		{name: "already exists", err: trace.AlreadyExists("dup"), want: CodeResourceAlreadyExists},
		{name: "access denied", err: trace.AccessDenied("no"), want: CodeAccessDenied},
		{name: "bad parameter", err: trace.BadParameter("nope"), want: CodeInvalidRequest},
		{name: "unknown", err: errors.New("boom"), want: CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			converted := ConvertError(tt.err)
			require.Equal(t, tt.want, converted.Code())
		})
	}
}

func TestS3ErrorCarriesUpstreamStatus(t *testing.T) {
	t.Parallel()

	cause := errors.New("upstream said no")
	err := S3Error(http.StatusBadGateway, cause)
	require.Equal(t, http.StatusBadGateway, err.Render().StatusCode)
	require.Equal(t, cause, err.OriginalError())
}

func TestStatusTaxonomy(t *testing.T) {
	t.Parallel()

	// Pin the non-obvious wire statuses.
	require.Equal(t, 544, NewError(CodeDatabaseTimeout, "").Render().StatusCode)
	require.Equal(t, http.StatusLocked, NewError(CodeResourceLocked, "").Render().StatusCode)
	require.Equal(t, http.StatusLengthRequired, NewError(CodeMissingContentLength, "").Render().StatusCode)
	require.Equal(t, http.StatusServiceUnavailable, NewError(CodeSlowDown, "").Render().StatusCode)
	require.Equal(t, http.StatusRequestEntityTooLarge, NewError(CodeEntityTooLarge, "").Render().StatusCode)
}
