package lollipop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveAssertionRefRoundTrip(t *testing.T) {
	jwk := JWK{Kty: "EC", Crv: "secp256k1", X: "Q8K81dZcC4DdKl52iW7bT0ubXXm2amN835M14XBhX2s", Y: "lLsw82Q414zPWPluI5BmdKHK6XbFfinc8aRqbZCEv0A"}

	for _, algo := range []HashAlgo{AlgoSHA256, AlgoSHA512} {
		thumbprint, err := jwk.Thumbprint(algo)
		require.NoError(t, err)

		ref, err := DeriveAssertionRef(thumbprint, algo)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(ref), string(algo)+"-"))

		parsed, err := ref.Algo()
		require.NoError(t, err)
		assert.Equal(t, algo, parsed)
		assert.Equal(t, thumbprint, ref.Thumbprint())
		assert.NoError(t, ref.Validate())
	}
}

func TestThumbprintDeterministic(t *testing.T) {
	jwk := JWK{Kty: "EC", Crv: "P-256", X: "x-coordinate-value-here-43-chars-aaaaaaaaaa", Y: "y-coordinate-value-here-43-chars-aaaaaaaaaa"}
	a, err := jwk.Thumbprint(AlgoSHA256)
	require.NoError(t, err)
	b, err := jwk.Thumbprint(AlgoSHA256)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// A different key must not collide.
	other := jwk
	other.X = "different-x-coordinate-43-chars-aaaaaaaaaaa"
	c, err := other.Thumbprint(AlgoSHA256)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestThumbprintKeyTypes(t *testing.T) {
	tests := []struct {
		name    string
		jwk     JWK
		wantErr bool
	}{
		{"ec", JWK{Kty: "EC", Crv: "P-256", X: "x", Y: "y"}, false},
		{"okp", JWK{Kty: "OKP", Crv: "Ed25519", X: "x"}, false},
		{"rsa", JWK{Kty: "RSA", E: "AQAB", N: "n"}, false},
		{"ec missing y", JWK{Kty: "EC", Crv: "P-256", X: "x"}, true},
		{"unknown kty", JWK{Kty: "oct"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.jwk.Thumbprint(AlgoSHA256)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDeriveAssertionRefRejectsMalformedThumbprint(t *testing.T) {
	// Not base64url.
	_, err := DeriveAssertionRef("!!!not-base64!!!", AlgoSHA256)
	assert.ErrorIs(t, err, ErrMalformedAssertionRef)

	// Wrong digest length for the algo.
	short := "YWJj" // 3 bytes
	_, err = DeriveAssertionRef(short, AlgoSHA256)
	assert.ErrorIs(t, err, ErrMalformedAssertionRef)

	_, err = DeriveAssertionRef(short, HashAlgo("md5"))
	assert.ErrorIs(t, err, ErrUnsupportedAlgo)
}

func TestAssertionRefValidate(t *testing.T) {
	jwk := JWK{Kty: "OKP", Crv: "Ed25519", X: "JWmEygPh5R9GGlvPJCRGDKbtdwVMGVrA9dRYm1pzXUI"}
	ref, err := AssertionRefForJWK(jwk, AlgoSHA512)
	require.NoError(t, err)
	assert.NoError(t, ref.Validate())

	assert.Error(t, AssertionRef("no-separator-but-bad-algo").Validate())
	assert.Error(t, AssertionRef("noseparator").Validate())
	assert.Error(t, AssertionRef("sha256-tooshort").Validate())
}
