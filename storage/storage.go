// Package storage defines the gateway's persistence contracts: the session
// store, the per-user key-binding store, and the authentication-lock table.
// The stores are externally shared across gateway instances; implementations
// must tolerate concurrent writers.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pagopa/io-auth-gateway/lollipop"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrLockExists is returned by LockStore.Insert when the fiscal code
	// already has an unreleased lock row. The check is made inside the
	// store's own exclusive write path, not client-side: the gateway is
	// horizontally scaled and no in-process mutex can arbitrate.
	ErrLockExists = errors.New("authentication lock already present")
)

// TokenKind names one session-token namespace. Every kind indexes the same
// underlying user session.
type TokenKind string

const (
	TokenSession   TokenKind = "session"
	TokenWallet    TokenKind = "wallet"
	TokenMyPortal  TokenKind = "myportal"
	TokenFastLogin TokenKind = "fastlogin"
	TokenSupport   TokenKind = "support"
)

// AllTokenKinds lists every namespace a full invalidation must clear.
var AllTokenKinds = []TokenKind{TokenSession, TokenWallet, TokenMyPortal, TokenFastLogin, TokenSupport}

// SessionTokens maps each token kind issued at login to its opaque value.
type SessionTokens map[TokenKind]string

// UserIdentity is the resolved owner of a presented session token.
type UserIdentity struct {
	FiscalCode string
	LoginType  lollipop.LoginType
	// AssertionRef is the key binding captured when the session was created,
	// empty when the session was established without a bound key.
	AssertionRef lollipop.AssertionRef
}

// SessionInfo is the TTL view of a user's session.
type SessionInfo struct {
	Active    bool
	TTL       time.Duration
	LoginType lollipop.LoginType
}

// SessionStore holds token-indexed device sessions, TTL-bounded.
type SessionStore interface {
	// CreateSession records a session for the user with the given tokens.
	// binding may be nil for sessions established without a bound key.
	CreateSession(ctx context.Context, fiscalCode string, tokens SessionTokens, ttl time.Duration, binding *lollipop.KeyBinding) error
	// Lookup resolves a presented token to its owner. ErrNotFound covers
	// unknown and expired tokens alike.
	Lookup(ctx context.Context, kind TokenKind, token string) (*UserIdentity, error)
	// SessionInfo reports whether the user has an active session and its
	// remaining TTL. An absent session is not an error.
	SessionInfo(ctx context.Context, fiscalCode string) (SessionInfo, error)
	// DeleteAllSessions removes the user's session and every token indexing
	// it, across all kinds. Deleting an absent session succeeds: the
	// invalidation pipeline must be retry-safe.
	DeleteAllSessions(ctx context.Context, fiscalCode string) error
}

// BindingStore holds the per-fiscal-code key binding. Values are stored in
// the lollipop binding encoding (compact on write, legacy tolerated on read).
type BindingStore interface {
	// GetBinding returns the user's key binding, or (nil, nil) when none
	// exists. A stored value that fails to decode is an error.
	GetBinding(ctx context.Context, fiscalCode string) (*lollipop.KeyBinding, error)
	SetBinding(ctx context.Context, fiscalCode string, binding lollipop.KeyBinding) error
	// DeleteBinding is idempotent; removing an absent binding succeeds.
	DeleteBinding(ctx context.Context, fiscalCode string) error
}

// LockRow is one authentication-lock event. A row is active lock evidence
// while Released is false; multiple unreleased rows may coexist.
type LockRow struct {
	FiscalCode string
	UnlockCode string
	Released   bool
	CreatedAt  time.Time
}

// LockStore is the row-per-lock table keyed by (fiscal code, unlock code).
type LockStore interface {
	// InsertLock creates an unreleased lock row. Fails with ErrLockExists
	// when the fiscal code already has any unreleased row; the insert is
	// conditional/exclusive so concurrent lock attempts cannot both succeed.
	InsertLock(ctx context.Context, fiscalCode, unlockCode string) error
	// ListUnreleased returns the active lock rows for the fiscal code.
	ListUnreleased(ctx context.Context, fiscalCode string) ([]LockRow, error)
	// ReleaseLock marks one row released. ErrNotFound when no unreleased
	// row matches.
	ReleaseLock(ctx context.Context, fiscalCode, unlockCode string) error
}

// Store combines the three persistence concerns; each backend implements all
// of them over one database handle.
type Store interface {
	SessionStore
	BindingStore
	LockStore
}
