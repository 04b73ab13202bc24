package api

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// bucketNameRegexp matches the ASCII subset allowed in bucket identifiers.
var bucketNameRegexp = regexp.MustCompile(`^[\w!-.*'()&$@=;:+,? ]{1,100}$`)

// IsValidBucketName reports whether name is a well formed bucket
// identifier: 1-100 characters from a restricted ASCII set.
func IsValidBucketName(name string) bool {
	return bucketNameRegexp.MatchString(name)
}

// IsValidKey reports whether name is a well formed object key. Keys accept
// all of Unicode except C0 control characters (other than tab, LF and CR),
// the noncharacters U+FFFE and U+FFFF, and byte sequences that do not decode
// to valid UTF-8 (which covers unpaired surrogates).
func IsValidKey(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); {
		r, size := utf8.DecodeRuneInString(name[i:])
		if r == utf8.RuneError && size == 1 {
			return false
		}
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
		if r == 0xFFFE || r == 0xFFFF {
			return false
		}
		i += size
	}
	return true
}

// HasReservedSuffix reports whether name ends with one of the reserved
// suffixes that address internal warehouses; such names are rejected for
// tenant-facing creation.
func HasReservedSuffix(name string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if suffix != "" && strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
