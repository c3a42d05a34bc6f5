// Package cookie implements the signed-cookie format server requests carry
// (spec §4.4): base64(digest || "|" || field1 || "|" || ... || "|" || fieldN),
// where digest is a keyed HMAC-SHA256 of the remainder. The signing key is
// session-unique (generated randomly at agent startup), so a cookie
// issued in one process cannot be replayed against another.
//
// The signing idiom is the same one the teacher uses for outbound webhook
// signatures (X-Arkeep-Signature: sha256=<hex>) — here the signature rides
// inside the encoded payload instead of a header, since cookies are opaque
// blobs embedded in a larger response body rather than top-level requests.
package cookie

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalid is returned by Decode for any cookie that fails signature
// verification or does not match the expected field count. Decoding never
// distinguishes *why* a cookie is invalid — a mismatched digest and a
// truncated encoding are both just "invalid" to the caller, since both
// indicate the cookie must not be trusted.
var ErrInvalid = errors.New("cookie: invalid")

const sep = "|"

// Signer issues and validates cookies using a single session-unique key.
// The zero value is not usable — create with NewSigner.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer with the given key. Callers should generate a
// fresh random key per ConnectionManager session (e.g. 32 bytes from
// crypto/rand) so cookies do not survive a process restart.
func NewSigner(key []byte) *Signer {
	return &Signer{key: append([]byte(nil), key...)}
}

// Encode signs fields and returns the base64 cookie: base64(digest || "|" ||
// field1 || "|" || ... || "|" || fieldN). Fields must not themselves contain
// the "|" separator.
func (s *Signer) Encode(fields ...string) (string, error) {
	for _, f := range fields {
		if strings.Contains(f, sep) {
			return "", errors.New("cookie: field contains separator byte")
		}
	}

	body := strings.Join(fields, sep)
	digest := s.digest([]byte(body))

	raw := append(digest, []byte(sep+body)...)
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode verifies and splits an encoded cookie, returning its fields in
// order. Any single-byte mutation of the encoded form — or a field count
// that does not match wantFields when wantFields >= 0 — causes ErrInvalid.
func (s *Signer) Decode(encoded string, wantFields int) ([]string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalid
	}

	if len(raw) < sha256.Size+1 {
		return nil, ErrInvalid
	}

	digest := raw[:sha256.Size]
	rest := raw[sha256.Size:]
	if len(rest) == 0 || rest[0] != sep[0] {
		return nil, ErrInvalid
	}
	body := rest[1:]

	want := s.digest(body)
	if !hmac.Equal(digest, want) {
		return nil, ErrInvalid
	}

	fields := strings.Split(string(body), sep)
	if wantFields >= 0 && len(fields) != wantFields {
		return nil, ErrInvalid
	}

	return fields, nil
}

func (s *Signer) digest(body []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return mac.Sum(nil)
}
