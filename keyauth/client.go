// Package keyauth is the typed client for the external key-authority
// service that owns public-key reserve/activate/revoke lifecycle.
package keyauth

import (
	"context"
	"errors"
	"time"

	"github.com/pagopa/io-auth-gateway/lollipop"
)

// KeyStatus is the lifecycle state of a public key at the authority.
type KeyStatus string

const (
	StatusPending KeyStatus = "PENDING"
	StatusValid   KeyStatus = "VALID"
	StatusRevoked KeyStatus = "REVOKED"
)

var (
	// ErrConflict indicates the key is already reserved.
	ErrConflict = errors.New("key already reserved")
	// ErrForbidden indicates the authority refused the operation because the
	// binding has been revoked or invalidated upstream.
	ErrForbidden = errors.New("key authority refused the operation")
)

// ReservedKey is returned by Reserve; the key stays PENDING until activation.
type ReservedKey struct {
	AssertionRef lollipop.AssertionRef `json:"assertion_ref"`
	Status       KeyStatus             `json:"status"`
}

// ActivatedKey is returned by Activate once the key is bound to the user.
type ActivatedKey struct {
	AssertionRef lollipop.AssertionRef `json:"assertion_ref"`
	Status       KeyStatus             `json:"status"`
	ExpiresAt    time.Time             `json:"expires_at"`
}

// Client is the request/response contract toward the key authority. Revoke
// is intentionally absent: revocation is delivered through RevokeQueue, an
// at-least-once asynchronous channel, never as a synchronous call.
type Client interface {
	lollipop.ConsumerParamsSource

	// Reserve registers a new public key, leaving it PENDING.
	Reserve(ctx context.Context, jwk lollipop.JWK, algo lollipop.HashAlgo) (*ReservedKey, error)
	// Activate binds a reserved key to the user's identity assertion.
	Activate(ctx context.Context, ref lollipop.AssertionRef, fiscalCode, assertion string, expiresAt time.Time) (*ActivatedKey, error)
}
