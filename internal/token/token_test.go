package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSecret() []byte {
	return []byte("01234567890123456789012345678901")
}

func TestVerifyBuildRoundTrip(t *testing.T) {
	svc, err := NewService(testSecret())
	require.NoError(t, err)

	now := time.Now().Unix()
	payload := Payload{Subject: "acct-1", IssuedAt: now, Expiry: now + 3600}

	tok, err := svc.Build(payload)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(tok, "."))

	got, err := svc.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	svc, err := NewService(testSecret())
	require.NoError(t, err)

	tok, err := svc.Build(Payload{Subject: "acct-1", IssuedAt: 1, Expiry: 2})
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)

	// Flip the last character of the signature segment.
	sig := []byte(parts[2])
	if sig[len(sig)-1] == 'a' {
		sig[len(sig)-1] = 'b'
	} else {
		sig[len(sig)-1] = 'a'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err = svc.Verify(tampered)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	svc, err := NewService(testSecret())
	require.NoError(t, err)

	tok, err := svc.Build(Payload{Subject: "acct-1", IssuedAt: 1, Expiry: 2})
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)

	tampered := parts[0] + "." + parts[1] + "xx" + "." + parts[2]

	_, err = svc.Verify(tampered)
	require.Error(t, err)
}

func TestVerifyRejectsWrongSegmentCount(t *testing.T) {
	svc, err := NewService(testSecret())
	require.NoError(t, err)

	_, err = svc.Verify("only.two")
	require.ErrorIs(t, err, ErrMalformedToken)

	_, err = svc.Verify("a.b.c.d")
	require.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyRejectsInvalidBase64WithThreeSegments(t *testing.T) {
	svc, err := NewService(testSecret())
	require.NoError(t, err)

	_, err = svc.Verify("not!base64.not!base64.not!base64")
	require.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyRejectsDifferentSecret(t *testing.T) {
	svc1, err := NewService(testSecret())
	require.NoError(t, err)
	svc2, err := NewService([]byte("11111111111111111111111111111111"[:32]))
	require.NoError(t, err)

	tok, err := svc1.Build(Payload{Subject: "acct-1", IssuedAt: 1, Expiry: 2})
	require.NoError(t, err)

	_, err = svc2.Verify(tok)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestNewServiceRejectsWrongSecretSize(t *testing.T) {
	_, err := NewService([]byte("too-short"))
	require.Error(t, err)
}
