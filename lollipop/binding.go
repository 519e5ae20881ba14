package lollipop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// LoginType records how the session holding a key binding was established.
type LoginType string

const (
	// LoginLegacy is the standard full-assertion login.
	LoginLegacy LoginType = "LEGACY"
	// LoginLV is "livello veloce" fast-login.
	LoginLV LoginType = "LV"
)

// ErrMalformedBinding indicates a stored key binding that decodes as neither
// the compact object shape nor a bare assertion ref.
var ErrMalformedBinding = errors.New("malformed key binding")

// KeyBinding ties the public key bound at login to the login type that
// established it. One binding per fiscal code at a time.
type KeyBinding struct {
	AssertionRef AssertionRef
	LoginType    LoginType
}

// compactBinding is the canonical stored shape. Short member names keep the
// session-store value small.
type compactBinding struct {
	A AssertionRef `json:"a"`
	T LoginType    `json:"t"`
}

// EncodeBinding serializes a binding in the canonical compact shape.
// New writes always use this form, regardless of how the value was read.
func EncodeBinding(b KeyBinding) ([]byte, error) {
	if err := b.AssertionRef.Validate(); err != nil {
		return nil, err
	}
	if b.LoginType != LoginLegacy && b.LoginType != LoginLV {
		return nil, fmt.Errorf("%w: login type %q", ErrMalformedBinding, b.LoginType)
	}
	return json.Marshal(compactBinding{A: b.AssertionRef, T: b.LoginType})
}

// DecodeBinding reads a stored key binding. The store may hold either the
// compact object {"a":…,"t":…} or, for bindings written before the compact
// format, a bare assertion-ref string. A value that looks like the compact
// object but has extra or renamed members is a hard decode failure, not a
// fallback to the legacy shape.
func DecodeBinding(raw []byte) (KeyBinding, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return KeyBinding{}, fmt.Errorf("%w: empty value", ErrMalformedBinding)
	}

	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		var c compactBinding
		if err := dec.Decode(&c); err != nil {
			return KeyBinding{}, fmt.Errorf("%w: %v", ErrMalformedBinding, err)
		}
		if c.A == "" || (c.T != LoginLegacy && c.T != LoginLV) {
			return KeyBinding{}, fmt.Errorf("%w: incomplete compact object", ErrMalformedBinding)
		}
		if err := c.A.Validate(); err != nil {
			return KeyBinding{}, fmt.Errorf("%w: %v", ErrMalformedBinding, err)
		}
		return KeyBinding{AssertionRef: c.A, LoginType: c.T}, nil
	}

	// Legacy single-field format: the bare assertion ref, login type implied.
	ref := AssertionRef(strings.TrimSpace(string(trimmed)))
	if err := ref.Validate(); err != nil {
		return KeyBinding{}, fmt.Errorf("%w: %v", ErrMalformedBinding, err)
	}
	return KeyBinding{AssertionRef: ref, LoginType: LoginLegacy}, nil
}
