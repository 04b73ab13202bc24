package ducklake

import (
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"github.com/gravitational/trace"
)

// epoch is the Iceberg reference date for date and timestamp encoding.
var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// encodeBound converts a DuckLake statistics value, stored as text, into
// the single-value binary form the Iceberg spec dictates for the column
// type: little-endian fixed width for numerics, UTF-8 for strings, days
// since epoch for dates and microseconds since epoch for timestamps.
func encodeBound(icebergType, value string) ([]byte, error) {
	switch icebergType {
	case "boolean":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, trace.BadParameter("invalid boolean bound %q", value)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case "int":
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return nil, trace.BadParameter("invalid int bound %q", value)
		}
		return le32(int32(n)), nil

	case "long":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, trace.BadParameter("invalid long bound %q", value)
		}
		return le64(n), nil

	case "float":
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, trace.BadParameter("invalid float bound %q", value)
		}
		return le32(int32(math.Float32bits(float32(f)))), nil

	case "double":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, trace.BadParameter("invalid double bound %q", value)
		}
		return le64(int64(math.Float64bits(f))), nil

	case "date":
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			return nil, trace.BadParameter("invalid date bound %q", value)
		}
		days := int32(t.Sub(epoch).Hours() / 24)
		return le32(days), nil

	case "timestamp", "timestamptz":
		t, err := parseTimestamp(value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return le64(t.Sub(epoch).Microseconds()), nil

	case "string":
		return []byte(value), nil

	default:
		// binary, uuid, fixed and anything unknown pass through raw.
		return []byte(value), nil
	}
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999",
		"2006-01-02T15:04:05.999999",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, trace.BadParameter("invalid timestamp bound %q", value)
}

func le32(v int32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(v))
	return out
}

func le64(v int64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(v))
	return out
}
