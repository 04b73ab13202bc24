package utils

import (
	"io"

	"github.com/gravitational/trace"
)

// LimitReader wraps an upload stream and fails it the moment the cumulative
// byte count exceeds the configured cap. Unlike io.LimitReader it does not
// silently truncate: the first byte past the cap surfaces a LimitExceeded
// error so the caller can abort the write and report EntityTooLarge.
type LimitReader struct {
	r     io.Reader
	limit int64
	read  int64
}

// NewLimitReader creates a LimitReader with the given cap in bytes.
func NewLimitReader(r io.Reader, limit int64) *LimitReader {
	return &LimitReader{r: r, limit: limit}
}

// Read implements io.Reader.
func (l *LimitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.limit {
		return n, trace.LimitExceeded("stream exceeded maximum allowed size of %v bytes", l.limit)
	}
	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (l *LimitReader) BytesRead() int64 {
	return l.read
}

// Exceeded reports whether the stream went past the cap.
func (l *LimitReader) Exceeded() bool {
	return l.read > l.limit
}
