package multipart

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"

	"github.com/caskstorage/cask/lib/storage/api"
)

// ProgressSigner authenticates the in-flight size of a multipart upload.
// The stored signature must match the stored size on every part upload;
// a mismatch means the row was tampered with or a part was double-counted.
type ProgressSigner struct {
	key []byte
}

// NewProgressSigner builds a signer over the given secret.
func NewProgressSigner(key []byte) *ProgressSigner {
	return &ProgressSigner{key: key}
}

// Sign returns the signature for a progress value.
func (s *ProgressSigner) Sign(progress int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte("progress:" + strconv.FormatInt(progress, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks that signature matches progress.
func (s *ProgressSigner) Verify(signature string, progress int64) error {
	expected := s.Sign(progress)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return api.NewError(api.CodeInvalidUploadSignature, "upload signature does not match the upload progress")
	}
	return nil
}
