// Package token implements the gateway's session token format (spec §4.2,
// §3 SessionToken): a compact three-segment, base64url, HMAC-SHA256 signed
// token carrying {sub, iat, exp}. It is deliberately not a general purpose
// JWT library — the wire format is fixed (header literal, no padding, exact
// field set) so the build/verify pair is a direct, from-scratch port of
// original_source/lightning/auth.py's JwtTokenUtils rather than something
// layered on top of an RFC 7519 library.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SecretSize is the required length, in bytes, of the signing secret.
const SecretSize = 32

// header is fixed for the lifetime of the format; it is never read from the
// wire beyond validating it matches exactly.
var header = struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
}{Typ: "JWT", Alg: "HS256"}

// Payload is the signed content of a session token (spec §3).
type Payload struct {
	Subject string `json:"sub"`
	IssuedAt int64 `json:"iat"`
	Expiry   int64 `json:"exp"`
}

// Errors returned by Verify. Callers type-switch or errors.Is against these.
var (
	// ErrMalformedToken covers a wrong segment count, invalid base64, or
	// invalid JSON in any segment.
	ErrMalformedToken = errors.New("malformed token")
	// ErrUnsupportedAlgorithm covers a header with alg != HS256 or
	// typ != JWT.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrBadSignature covers a recomputed signature that does not match.
	ErrBadSignature = errors.New("bad signature")
)

// Service builds and verifies session tokens using a fixed 32-byte secret.
type Service struct {
	secret [SecretSize]byte
}

// NewService constructs a Service from a 32-byte secret.
func NewService(secret []byte) (*Service, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("token secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	s := &Service{}
	copy(s.secret[:], secret)
	return s, nil
}

// Build signs payload and returns the compact "header.payload.signature"
// representation, with base64url padding characters stripped.
func (s *Service) Build(payload Payload) (string, error) {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	headerB64 := encodeSegment(headerJSON)
	payloadB64 := encodeSegment(payloadJSON)

	msg := headerB64 + "." + payloadB64
	sig := s.sign(msg)
	sigB64 := encodeSegment(sig)

	return msg + "." + sigB64, nil
}

// Verify splits tok into its three segments, validates the header,
// recomputes the signature in constant time, and returns the decoded
// Payload. It does not check expiry; the caller compares Expiry against
// wall clock (spec §4.2).
func (s *Service) Verify(tok string) (Payload, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return Payload{}, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	var gotHeader struct {
		Typ string `json:"typ"`
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &gotHeader); err != nil {
		return Payload{}, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	if gotHeader.Typ != header.Typ {
		return Payload{}, fmt.Errorf("%w: not a JWT token", ErrUnsupportedAlgorithm)
	}
	if gotHeader.Alg != header.Alg {
		return Payload{}, fmt.Errorf("%w: only HS256 is supported", ErrUnsupportedAlgorithm)
	}

	sig, err := decodeSegment(parts[2])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: signature: %v", ErrMalformedToken, err)
	}
	expected := s.sign(parts[0] + "." + parts[1])
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return Payload{}, ErrBadSignature
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	var payload Payload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}

	return payload, nil
}

func (s *Service) sign(msg string) []byte {
	mac := hmac.New(sha256.New, s.secret[:])
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
