// Package postgres implements storage.Store backed by PostgreSQL.
//
// The key spaces mirror the BBolt and in-memory backends: a sessions table
// keyed by fiscal code, a token index table per-row instead of per-bucket,
// the key-binding table, and the row-per-lock auth_locks table. A partial
// unique index on unreleased lock rows makes the conditional lock insert
// safe across concurrently writing gateway instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagopa/io-auth-gateway/lollipop"
	"github.com/pagopa/io-auth-gateway/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// SessionStore
// ---------------------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, fiscalCode string, tokens storage.SessionTokens, ttl time.Duration, binding *lollipop.KeyBinding) error {
	loginType := lollipop.LoginLegacy
	assertionRef := lollipop.AssertionRef("")
	if binding != nil {
		loginType = binding.LoginType
		assertionRef = binding.AssertionRef
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := deleteAllInTx(ctx, tx, fiscalCode); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (fiscal_code, login_type, assertion_ref, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		fiscalCode, loginType, assertionRef, time.Now().Add(ttl))
	if err != nil {
		return err
	}
	for kind, token := range tokens {
		_, err = tx.Exec(ctx,
			`INSERT INTO session_tokens (kind, token, fiscal_code) VALUES ($1, $2, $3)`,
			kind, token, fiscalCode)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) Lookup(ctx context.Context, kind storage.TokenKind, token string) (*storage.UserIdentity, error) {
	var identity storage.UserIdentity
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT s.fiscal_code, s.login_type, s.assertion_ref, s.expires_at
		 FROM session_tokens t JOIN sessions s ON s.fiscal_code = t.fiscal_code
		 WHERE t.kind = $1 AND t.token = $2`,
		kind, token).Scan(&identity.FiscalCode, &identity.LoginType, &identity.AssertionRef, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(expiresAt) {
		return nil, storage.ErrNotFound
	}
	return &identity, nil
}

func (s *Store) SessionInfo(ctx context.Context, fiscalCode string) (storage.SessionInfo, error) {
	var loginType lollipop.LoginType
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT login_type, expires_at FROM sessions WHERE fiscal_code = $1`,
		fiscalCode).Scan(&loginType, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.SessionInfo{}, nil
	}
	if err != nil {
		return storage.SessionInfo{}, err
	}
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return storage.SessionInfo{}, nil
	}
	return storage.SessionInfo{Active: true, TTL: remaining, LoginType: loginType}, nil
}

func (s *Store) DeleteAllSessions(ctx context.Context, fiscalCode string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := deleteAllInTx(ctx, tx, fiscalCode); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func deleteAllInTx(ctx context.Context, tx pgx.Tx, fiscalCode string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM session_tokens WHERE fiscal_code = $1`, fiscalCode); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `DELETE FROM sessions WHERE fiscal_code = $1`, fiscalCode)
	return err
}

// ---------------------------------------------------------------------------
// BindingStore
// ---------------------------------------------------------------------------

func (s *Store) GetBinding(ctx context.Context, fiscalCode string) (*lollipop.KeyBinding, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT binding FROM key_bindings WHERE fiscal_code = $1`,
		fiscalCode).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	binding, err := lollipop.DecodeBinding([]byte(raw))
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

func (s *Store) SetBinding(ctx context.Context, fiscalCode string, binding lollipop.KeyBinding) error {
	raw, err := lollipop.EncodeBinding(binding)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO key_bindings (fiscal_code, binding) VALUES ($1, $2)
		 ON CONFLICT (fiscal_code) DO UPDATE SET binding = $2`,
		fiscalCode, string(raw))
	return err
}

func (s *Store) DeleteBinding(ctx context.Context, fiscalCode string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM key_bindings WHERE fiscal_code = $1`, fiscalCode)
	return err
}

// ---------------------------------------------------------------------------
// LockStore
// ---------------------------------------------------------------------------

func (s *Store) InsertLock(ctx context.Context, fiscalCode, unlockCode string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auth_locks (fiscal_code, unlock_code) VALUES ($1, $2)`,
		fiscalCode, unlockCode)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return storage.ErrLockExists
	}
	return err
}

func (s *Store) ListUnreleased(ctx context.Context, fiscalCode string) ([]storage.LockRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT unlock_code, created_at FROM auth_locks
		 WHERE fiscal_code = $1 AND NOT released
		 ORDER BY created_at`,
		fiscalCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []storage.LockRow
	for rows.Next() {
		row := storage.LockRow{FiscalCode: fiscalCode}
		if err := rows.Scan(&row.UnlockCode, &row.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *Store) ReleaseLock(ctx context.Context, fiscalCode, unlockCode string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auth_locks SET released = TRUE
		 WHERE fiscal_code = $1 AND unlock_code = $2 AND NOT released`,
		fiscalCode, unlockCode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
