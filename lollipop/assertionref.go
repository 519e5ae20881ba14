// Package lollipop implements the proof-of-possession protocol core: the
// assertion-ref codec, the key-binding codec, PoP header parsing, and the
// locals resolver that enriches signed requests with consumer credentials.
package lollipop

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// HashAlgo identifies the digest used for the JWK thumbprint.
type HashAlgo string

const (
	AlgoSHA256 HashAlgo = "sha256"
	AlgoSHA512 HashAlgo = "sha512"
)

// digestSize returns the raw digest length in bytes, or 0 for unknown algos.
func (a HashAlgo) digestSize() int {
	switch a {
	case AlgoSHA256:
		return sha256.Size
	case AlgoSHA512:
		return sha512.Size
	}
	return 0
}

// AssertionRef is the canonical identifier of a bound public key, in the
// form "<algo>-<thumbprint>" where thumbprint is the unpadded base64url
// digest of the canonical JWK (RFC 7638).
type AssertionRef string

var (
	// ErrMalformedAssertionRef indicates the value does not parse as
	// "<algo>-<thumbprint>" with a known algo and a well-formed thumbprint.
	ErrMalformedAssertionRef = errors.New("malformed assertion ref")
	// ErrUnsupportedAlgo indicates a hash algorithm outside {sha256, sha512}.
	ErrUnsupportedAlgo = errors.New("unsupported hash algorithm")
)

// DeriveAssertionRef composes an AssertionRef from an already-computed JWK
// thumbprint. The thumbprint must be unpadded base64url and decode to the
// digest size of algo.
func DeriveAssertionRef(thumbprint string, algo HashAlgo) (AssertionRef, error) {
	size := algo.digestSize()
	if size == 0 {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgo, algo)
	}
	raw, err := base64.RawURLEncoding.DecodeString(thumbprint)
	if err != nil {
		return "", fmt.Errorf("%w: thumbprint is not base64url: %v", ErrMalformedAssertionRef, err)
	}
	if len(raw) != size {
		return "", fmt.Errorf("%w: thumbprint is %d bytes, %s requires %d", ErrMalformedAssertionRef, len(raw), algo, size)
	}
	return AssertionRef(string(algo) + "-" + thumbprint), nil
}

// Algo parses the hash-algorithm prefix, the part before the first '-'.
func (r AssertionRef) Algo() (HashAlgo, error) {
	prefix, _, ok := strings.Cut(string(r), "-")
	if !ok {
		return "", fmt.Errorf("%w: %q has no algo prefix", ErrMalformedAssertionRef, r)
	}
	algo := HashAlgo(prefix)
	if algo.digestSize() == 0 {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgo, prefix)
	}
	return algo, nil
}

// Thumbprint returns the part after the algo prefix. It does not validate;
// call Validate first when the value comes from an untrusted source.
func (r AssertionRef) Thumbprint() string {
	_, thumbprint, _ := strings.Cut(string(r), "-")
	return thumbprint
}

// Validate checks the full "<algo>-<thumbprint>" shape.
func (r AssertionRef) Validate() error {
	algo, err := r.Algo()
	if err != nil {
		return err
	}
	_, err = DeriveAssertionRef(r.Thumbprint(), algo)
	return err
}

func (r AssertionRef) String() string { return string(r) }
