// Package sessionctl orchestrates session invalidation, authentication
// locking, and the combined session-state query across the session store,
// the lock table, and the key authority.
package sessionctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pagopa/io-auth-gateway/keyauth"
	"github.com/pagopa/io-auth-gateway/lollipop"
	"github.com/pagopa/io-auth-gateway/storage"
)

var (
	// ErrAlreadyLocked indicates the fiscal code already has an unreleased
	// authentication lock.
	ErrAlreadyLocked = errors.New("authentication already locked")
	// ErrUnlockCodeMismatch indicates the supplied unlock code matches none
	// of the unreleased lock rows.
	ErrUnlockCodeMismatch = errors.New("unlock code does not match")
)

// Revoker schedules an asynchronous key revocation. Enqueue must not block.
type Revoker interface {
	Enqueue(ref lollipop.AssertionRef)
}

// NotificationService clears the push-notification device registration when
// an account is locked. External collaborator.
type NotificationService interface {
	DeleteRegistration(ctx context.Context, fiscalCode string) error
}

// NoopNotifications satisfies NotificationService for deployments without a
// notification hub.
type NoopNotifications struct{}

func (NoopNotifications) DeleteRegistration(context.Context, string) error { return nil }

// SessionState is the client-facing combination of lock status and session
// TTL.
type SessionState struct {
	AccessEnabled bool
	Session       storage.SessionInfo
}

// Manager sequences the multi-store session operations. All multi-step
// writes are ordered await chains: later steps assume earlier steps
// committed, so no step runs before its predecessor has returned.
type Manager struct {
	sessions      storage.SessionStore
	bindings      storage.BindingStore
	locks         storage.LockStore
	authority     keyauth.Client
	revoker       Revoker
	notifications NotificationService
	logger        *slog.Logger
	hashUserID    func(string) string
}

// Config carries the Manager's collaborators.
type Config struct {
	Sessions      storage.SessionStore
	Bindings      storage.BindingStore
	Locks         storage.LockStore
	Authority     keyauth.Client
	Revoker       Revoker
	Notifications NotificationService
	Logger        *slog.Logger
	// HashUserID pseudonymizes fiscal codes before they reach log output.
	HashUserID func(string) string
}

// NewManager wires a Manager from its collaborators.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		sessions:      cfg.Sessions,
		bindings:      cfg.Bindings,
		locks:         cfg.Locks,
		authority:     cfg.Authority,
		revoker:       cfg.Revoker,
		notifications: cfg.Notifications,
		logger:        cfg.Logger,
		hashUserID:    cfg.HashUserID,
	}
	if m.notifications == nil {
		m.notifications = NoopNotifications{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.hashUserID == nil {
		m.hashUserID = func(s string) string { return s }
	}
	return m
}

// InvalidateSession runs the full logout sequence: detached key revocation,
// then key-binding delete, then deletion of every session token. The revoke
// dispatch never blocks or fails the pipeline; the two deletes are strict —
// the first failure aborts and is surfaced, and a partially completed run is
// safe to retry because both deletes are idempotent.
func (m *Manager) InvalidateSession(ctx context.Context, fiscalCode string) error {
	m.dispatchRevoke(ctx, fiscalCode)

	if err := m.bindings.DeleteBinding(ctx, fiscalCode); err != nil {
		return fmt.Errorf("deleting key binding: %w", err)
	}
	if err := m.sessions.DeleteAllSessions(ctx, fiscalCode); err != nil {
		return fmt.Errorf("deleting sessions: %w", err)
	}
	m.logger.Info("session invalidated", "user_hash", m.hashUserID(fiscalCode))
	return nil
}

// LockAuthentication locks the account: full invalidation, then clearing of
// the push-notification registration, then the conditional lock-row insert.
// The lock row is written last so a failure anywhere upstream can never
// leave the account marked locked with live session state behind it, and
// the notification clear is ordered before the lock write so a client retry
// after a partial failure cannot leave a locked-but-still-registered device.
func (m *Manager) LockAuthentication(ctx context.Context, fiscalCode, unlockCode string) error {
	existing, err := m.locks.ListUnreleased(ctx, fiscalCode)
	if err != nil {
		return fmt.Errorf("checking lock state: %w", err)
	}
	if len(existing) > 0 {
		return ErrAlreadyLocked
	}

	if err := m.InvalidateSession(ctx, fiscalCode); err != nil {
		return err
	}
	if err := m.notifications.DeleteRegistration(ctx, fiscalCode); err != nil {
		return fmt.Errorf("clearing notification registration: %w", err)
	}
	if err := m.locks.InsertLock(ctx, fiscalCode, unlockCode); err != nil {
		if errors.Is(err, storage.ErrLockExists) {
			return ErrAlreadyLocked
		}
		return fmt.Errorf("writing lock row: %w", err)
	}
	m.logger.Info("authentication locked", "user_hash", m.hashUserID(fiscalCode))
	return nil
}

// UnlockAuthentication releases lock rows. With no unlock code every
// unreleased row is released; with a code it must match one of the rows
// (else ErrUnlockCodeMismatch) and only that row is released. Unlocking an
// account with no lock rows succeeds: unlock is idempotent.
func (m *Manager) UnlockAuthentication(ctx context.Context, fiscalCode, unlockCode string) error {
	rows, err := m.locks.ListUnreleased(ctx, fiscalCode)
	if err != nil {
		return fmt.Errorf("listing lock rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	if unlockCode != "" {
		matched := false
		for _, row := range rows {
			if row.UnlockCode == unlockCode {
				matched = true
				break
			}
		}
		if !matched {
			m.logger.Warn("unlock attempted with mismatched code", "user_hash", m.hashUserID(fiscalCode))
			return ErrUnlockCodeMismatch
		}
		rows = []storage.LockRow{{FiscalCode: fiscalCode, UnlockCode: unlockCode}}
	}

	for _, row := range rows {
		if err := m.locks.ReleaseLock(ctx, fiscalCode, row.UnlockCode); err != nil {
			return fmt.Errorf("releasing lock row: %w", err)
		}
	}
	m.logger.Info("authentication unlocked", "user_hash", m.hashUserID(fiscalCode), "released", len(rows))
	return nil
}

// GetSessionState combines lock status and session TTL. The two reads are
// independent and run concurrently. An absent session yields Active=false
// regardless of lock status.
func (m *Manager) GetSessionState(ctx context.Context, fiscalCode string) (*SessionState, error) {
	var (
		locked bool
		info   storage.SessionInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := m.locks.ListUnreleased(gctx, fiscalCode)
		if err != nil {
			return fmt.Errorf("checking lock state: %w", err)
		}
		locked = len(rows) > 0
		return nil
	})
	g.Go(func() error {
		var err error
		info, err = m.sessions.SessionInfo(gctx, fiscalCode)
		if err != nil {
			return fmt.Errorf("reading session ttl: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &SessionState{AccessEnabled: !locked, Session: info}, nil
}

// BindKey runs the login-side key flow: reserve the public key, activate it
// against the identity assertion, create the session with its tokens, and
// record the binding. The binding write is last; a session without a
// binding is valid (PoP not required), a binding without a session is not.
func (m *Manager) BindKey(ctx context.Context, fiscalCode string, jwk lollipop.JWK, algo lollipop.HashAlgo, assertion string, loginType lollipop.LoginType, expiresAt time.Time, tokens storage.SessionTokens, sessionTTL time.Duration) (*lollipop.KeyBinding, error) {
	reserved, err := m.authority.Reserve(ctx, jwk, algo)
	if err != nil {
		return nil, fmt.Errorf("reserving key: %w", err)
	}
	if _, err := m.authority.Activate(ctx, reserved.AssertionRef, fiscalCode, assertion, expiresAt); err != nil {
		return nil, fmt.Errorf("activating key: %w", err)
	}

	binding := lollipop.KeyBinding{AssertionRef: reserved.AssertionRef, LoginType: loginType}
	if err := m.sessions.CreateSession(ctx, fiscalCode, tokens, sessionTTL, &binding); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if err := m.bindings.SetBinding(ctx, fiscalCode, binding); err != nil {
		return nil, fmt.Errorf("storing key binding: %w", err)
	}
	m.logger.Info("key bound", "user_hash", m.hashUserID(fiscalCode), "assertion_ref", string(binding.AssertionRef))
	return &binding, nil
}

// dispatchRevoke enqueues revocation of the currently bound key, if any.
// Best effort: a failed binding read only costs the revocation, never the
// pipeline.
func (m *Manager) dispatchRevoke(ctx context.Context, fiscalCode string) {
	if m.revoker == nil {
		return
	}
	binding, err := m.bindings.GetBinding(ctx, fiscalCode)
	if err != nil {
		m.logger.Warn("skipping key revocation, binding unreadable",
			"user_hash", m.hashUserID(fiscalCode), "error", err)
		return
	}
	if binding == nil {
		return
	}
	m.revoker.Enqueue(binding.AssertionRef)
}
