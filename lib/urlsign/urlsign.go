// Package urlsign issues and verifies the HMAC-signed tokens carried by
// time-limited object URLs. Tokens are compact-serialized JWS documents
// (HS256) over a small JSON payload, signed with a per-tenant key.
package urlsign

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrInvalidToken marks tokens that fail parsing or signature checks.
	ErrInvalidToken = errors.New("invalid url signing token")
	// ErrExpiredToken marks tokens past their exp claim.
	ErrExpiredToken = errors.New("expired url signing token")
)

// Claims is the signed payload of a URL token.
type Claims struct {
	// URL is the path the token grants access to.
	URL string `json:"url"`
	// Owner optionally pins the owner recorded on uploads through this
	// token.
	Owner string `json:"owner,omitempty"`
	// Upsert permits overwriting an existing object on upload.
	Upsert bool `json:"upsert,omitempty"`
	// Transformations carries the rendering options of image URLs.
	Transformations string `json:"transformations,omitempty"`
	// Exp is the expiry as seconds since epoch.
	Exp int64 `json:"exp"`
}

// Sign produces a compact JWS over claims with the given tenant key. Any
// "role" member smuggled into the raw payload is stripped before signing so
// the signer cannot be used as an escalation oracle.
func Sign(key []byte, claims Claims) (string, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return SignRaw(key, raw)
}

// SignRaw signs an arbitrary JSON payload after stripping the "role"
// member.
func SignRaw(key []byte, payload []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", trace.BadParameter("token payload is not a JSON object: %v", err)
	}
	delete(fields, "role")
	stripped, err := json.Marshal(fields)
	if err != nil {
		return "", trace.Wrap(err)
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	jws, err := signer.Sign(stripped)
	if err != nil {
		return "", trace.Wrap(err)
	}
	token, err := jws.CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// Verify checks token against every key currently considered valid for the
// tenant (supporting rotation) and returns the claims. Expiry is checked
// against clock.
func Verify(keys [][]byte, token string, clock clockwork.Clock) (*Claims, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, trace.Wrap(ErrInvalidToken, "parse: %v", err)
	}

	var payload []byte
	for _, key := range keys {
		if out, err := jws.Verify(key); err == nil {
			payload = out
			break
		}
	}
	if payload == nil {
		return nil, trace.Wrap(ErrInvalidToken, "signature does not match any active key")
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, trace.Wrap(ErrInvalidToken, "claims: %v", err)
	}
	if claims.Exp <= 0 {
		return nil, trace.Wrap(ErrInvalidToken, "missing exp claim")
	}
	if clock.Now().After(time.Unix(claims.Exp, 0)) {
		return nil, trace.Wrap(ErrExpiredToken)
	}
	return &claims, nil
}
