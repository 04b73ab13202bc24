package database

import (
	"encoding/base64"
	"strings"

	"github.com/gravitational/trace"
)

// Cursor is the decoded form of a listing continuation token. The encoded
// token is opaque to clients: base64 over newline-separated tagged fields.
type Cursor struct {
	// StartAfter is the last name of the previous page.
	StartAfter string
	// SortOrder is "asc" or "desc".
	SortOrder SortOrder
	// SortColumn is the column the listing is ordered by.
	SortColumn string
	// AfterValue is the sort-column value of the last row, used when the
	// sort column is not the name.
	AfterValue string
}

// EncodeContinuationToken renders the cursor as an opaque token.
func EncodeContinuationToken(c Cursor) string {
	if c.SortOrder == "" {
		c.SortOrder = SortAsc
	}
	if c.SortColumn == "" {
		c.SortColumn = "name"
	}
	raw := strings.Join([]string{
		"l:" + c.StartAfter,
		"o:" + string(c.SortOrder),
		"c:" + c.SortColumn,
		"a:" + c.AfterValue,
	}, "\n")
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeContinuationToken parses a token produced by
// EncodeContinuationToken. Unknown tags are ignored so tokens survive field
// additions.
func DecodeContinuationToken(token string) (Cursor, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, trace.BadParameter("malformed continuation token")
	}
	c := Cursor{SortOrder: SortAsc, SortColumn: "name"}
	for _, line := range strings.Split(string(raw), "\n") {
		tag, value, found := strings.Cut(line, ":")
		if !found {
			return Cursor{}, trace.BadParameter("malformed continuation token")
		}
		switch tag {
		case "l":
			c.StartAfter = value
		case "o":
			if value != string(SortAsc) && value != string(SortDesc) {
				return Cursor{}, trace.BadParameter("malformed continuation token")
			}
			c.SortOrder = SortOrder(value)
		case "c":
			c.SortColumn = value
		case "a":
			c.AfterValue = value
		}
	}
	return c, nil
}
