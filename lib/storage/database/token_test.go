package database

import (
	"encoding/base64"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestContinuationTokenRoundTrip(t *testing.T) {
	t.Parallel()

	in := Cursor{
		StartAfter: "photos/2024/cat.png",
		SortOrder:  SortDesc,
		SortColumn: "created_at",
		AfterValue: "1719932400",
	}
	out, err := DecodeContinuationToken(EncodeContinuationToken(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestContinuationTokenDefaults(t *testing.T) {
	t.Parallel()

	out, err := DecodeContinuationToken(EncodeContinuationToken(Cursor{StartAfter: "a"}))
	require.NoError(t, err)
	require.Equal(t, Cursor{StartAfter: "a", SortOrder: SortAsc, SortColumn: "name"}, out)
}

func TestContinuationTokenWireFormat(t *testing.T) {
	t.Parallel()

	token := EncodeContinuationToken(Cursor{StartAfter: "k", SortOrder: SortAsc, SortColumn: "name", AfterValue: "v"})
	raw, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)
	require.Equal(t, "l:k\no:asc\nc:name\na:v", string(raw))
}

func TestContinuationTokenMalformed(t *testing.T) {
	t.Parallel()

	for _, token := range []string{
		"not-base64!",
		base64.StdEncoding.EncodeToString([]byte("no tags here")),
		base64.StdEncoding.EncodeToString([]byte("l:k\no:sideways")),
	} {
		_, err := DecodeContinuationToken(token)
		require.True(t, trace.IsBadParameter(err), "token %q", token)
	}
}

func TestObjectColumnsSelectList(t *testing.T) {
	t.Parallel()

	require.Equal(t, "id, bucket_id, name, version", ColsIdentity.selectList())
	require.Equal(t,
		"id, bucket_id, name, version, metadata, user_metadata, owner, created_at, updated_at",
		ColsAll.selectList())
	require.Equal(t, "name, version", (ColName | ColVersion).selectList())
}

func TestAdvisoryKeyStable(t *testing.T) {
	t.Parallel()

	// Lock keys must be stable across processes and distinct per resource.
	require.Equal(t, advisoryKey("namespace", "t1", "sales"), advisoryKey("namespace", "t1", "sales"))
	require.NotEqual(t, advisoryKey("namespace", "t1", "sales"), advisoryKey("namespace", "t1", "hr"))
	require.NotEqual(t,
		objectLockKey("t1", "b", "k", ""),
		objectLockKey("t1", "b", "k", "v1"))
}

func TestEscapeLike(t *testing.T) {
	t.Parallel()

	require.Equal(t, `photos/`, escapeLike("photos/"))
	require.Equal(t, `100\%\_done`, escapeLike(`100%_done`))
	require.Equal(t, `a\\b`, escapeLike(`a\b`))
}
