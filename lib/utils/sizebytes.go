package utils

import (
	"math"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// size suffixes accepted by ParseFileSize, binary multipliers. Other units
// (TB and up, or IEC spellings) are rejected on purpose: tenant facing
// limits are kept within this range.
var sizeSuffixes = []struct {
	suffix     string
	multiplier float64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseFileSize converts a human size limit such as "20MB" or "1.5gb" into
// bytes. The numeric part may carry up to three decimal digits of precision.
func ParseFileSize(s string) (int64, error) {
	in := strings.TrimSpace(s)
	if in == "" {
		return 0, trace.BadParameter("empty size")
	}
	upper := strings.ToUpper(in)
	for _, candidate := range sizeSuffixes {
		if !strings.HasSuffix(upper, candidate.suffix) {
			continue
		}
		number := strings.TrimSpace(strings.TrimSuffix(upper, candidate.suffix))
		if number == "" {
			return 0, trace.BadParameter("size %q has no numeric part", s)
		}
		value, err := strconv.ParseFloat(number, 64)
		if err != nil {
			return 0, trace.BadParameter("size %q has invalid numeric part", s)
		}
		if value < 0 {
			return 0, trace.BadParameter("size %q must not be negative", s)
		}
		return int64(math.Round(value * candidate.multiplier)), nil
	}
	// A bare number is taken as bytes.
	if value, err := strconv.ParseInt(in, 10, 64); err == nil {
		if value < 0 {
			return 0, trace.BadParameter("size %q must not be negative", s)
		}
		return value, nil
	}
	return 0, trace.BadParameter("size %q has unsupported unit, expected one of B, KB, MB, GB", s)
}

// FormatFileSize renders a byte count with the largest suffix that keeps the
// value at or above one, rounded to three decimal digits. It is the inverse
// of ParseFileSize within that precision.
func FormatFileSize(bytes int64) string {
	value := float64(bytes)
	for _, candidate := range sizeSuffixes {
		if value >= candidate.multiplier {
			scaled := math.Round(value/candidate.multiplier*1000) / 1000
			return trimZeroes(strconv.FormatFloat(scaled, 'f', 3, 64)) + candidate.suffix
		}
	}
	return strconv.FormatInt(bytes, 10) + "B"
}

func trimZeroes(s string) string {
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
