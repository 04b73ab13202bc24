package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsValidBucketName(t *testing.T) {
	t.Parallel()

	valid := []string{
		"avatars",
		"My Bucket",
		"bucket_1",
		"a!b#c$d",
		"files(v2)",
		"a?b=c;d:e+f,g",
		strings.Repeat("a", 100),
	}
	for _, name := range valid {
		require.True(t, IsValidBucketName(name), "expected %q to be valid", name)
	}

	invalid := []string{
		"",
		strings.Repeat("a", 101),
		"bücket",
		"bucket/name",
		"bucket\x00",
		"bucket\n",
	}
	for _, name := range invalid {
		require.False(t, IsValidBucketName(name), "expected %q to be invalid", name)
	}
}

func TestIsValidKey(t *testing.T) {
	t.Parallel()

	valid := []string{
		"file.txt",
		"dir/sub/file.txt",
		"ключ",
		"キー",
		"emoji-🚀",
		"white space",
		"tab\tand\nnewline\rallowed",
	}
	for _, name := range valid {
		require.True(t, IsValidKey(name), "expected %q to be valid", name)
	}

	invalid := []string{
		"",
		"nul\x00byte",
		"bell\x07",
		"esc\x1b",
		string(rune(0xFFFE)),
		string(rune(0xFFFF)),
		// Unpaired surrogate half encoded as raw bytes.
		"\xed\xa0\x80",
		// Truncated multibyte sequence.
		"abc\xc3",
	}
	for _, name := range invalid {
		require.False(t, IsValidKey(name), "expected %q to be invalid", name)
	}
}

func TestHasReservedSuffix(t *testing.T) {
	t.Parallel()

	suffixes := []string{"--iceberg", "--s3-table"}
	require.True(t, HasReservedSuffix("warehouse--iceberg", suffixes))
	require.True(t, HasReservedSuffix("x--s3-table", suffixes))
	require.False(t, HasReservedSuffix("iceberg", suffixes))
	require.False(t, HasReservedSuffix("warehouse", nil))
}
