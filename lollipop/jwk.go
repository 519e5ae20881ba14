package lollipop

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

// JWK carries the public-key members relevant for thumbprint computation.
// Private members are never accepted by this gateway.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	E   string `json:"e,omitempty"`
	N   string `json:"n,omitempty"`
}

// canonical returns the RFC 7638 canonical JSON form: only the required
// members for the key type, lexicographic order, no whitespace. Built by
// hand so the output is byte-exact regardless of encoder behavior.
func (k JWK) canonical() (string, error) {
	switch k.Kty {
	case "EC":
		if k.Crv == "" || k.X == "" || k.Y == "" {
			return "", fmt.Errorf("EC JWK missing crv/x/y")
		}
		return `{"crv":"` + k.Crv + `","kty":"EC","x":"` + k.X + `","y":"` + k.Y + `"}`, nil
	case "OKP":
		if k.Crv == "" || k.X == "" {
			return "", fmt.Errorf("OKP JWK missing crv/x")
		}
		return `{"crv":"` + k.Crv + `","kty":"OKP","x":"` + k.X + `"}`, nil
	case "RSA":
		if k.E == "" || k.N == "" {
			return "", fmt.Errorf("RSA JWK missing e/n")
		}
		return `{"e":"` + k.E + `","kty":"RSA","n":"` + k.N + `"}`, nil
	}
	return "", fmt.Errorf("unsupported key type %q", k.Kty)
}

// Thumbprint computes the RFC 7638 thumbprint of the JWK, unpadded base64url.
func (k JWK) Thumbprint(algo HashAlgo) (string, error) {
	canonical, err := k.canonical()
	if err != nil {
		return "", err
	}
	switch algo {
	case AlgoSHA256:
		sum := sha256.Sum256([]byte(canonical))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case AlgoSHA512:
		sum := sha512.Sum512([]byte(canonical))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgo, algo)
}

// AssertionRefForJWK derives the assertion ref bound at key reservation.
func AssertionRefForJWK(k JWK, algo HashAlgo) (AssertionRef, error) {
	thumbprint, err := k.Thumbprint(algo)
	if err != nil {
		return "", err
	}
	return DeriveAssertionRef(thumbprint, algo)
}
