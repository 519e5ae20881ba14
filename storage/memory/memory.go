// Package memory provides a thread-safe in-memory implementation of
// storage.Store. Suitable for testing, demos, and single-process use.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pagopa/io-auth-gateway/lollipop"
	"github.com/pagopa/io-auth-gateway/storage"
)

type userSession struct {
	tokens       storage.SessionTokens
	expiresAt    time.Time
	loginType    lollipop.LoginType
	assertionRef lollipop.AssertionRef
}

// Store is a thread-safe in-memory implementation of storage.Store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*userSession
	tokens   map[storage.TokenKind]map[string]string
	bindings map[string][]byte
	locks    map[string][]storage.LockRow
	now      func() time.Time
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty in-memory Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*userSession),
		tokens:   make(map[storage.TokenKind]map[string]string),
		bindings: make(map[string][]byte),
		locks:    make(map[string][]storage.LockRow),
		now:      time.Now,
	}
}

// ---------------------------------------------------------------------------
// SessionStore
// ---------------------------------------------------------------------------

func (s *Store) CreateSession(_ context.Context, fiscalCode string, tokens storage.SessionTokens, ttl time.Duration, binding *lollipop.KeyBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteAllLocked(fiscalCode)

	sess := &userSession{
		tokens:    make(storage.SessionTokens, len(tokens)),
		expiresAt: s.now().Add(ttl),
		loginType: lollipop.LoginLegacy,
	}
	if binding != nil {
		sess.loginType = binding.LoginType
		sess.assertionRef = binding.AssertionRef
	}
	for kind, token := range tokens {
		sess.tokens[kind] = token
		if s.tokens[kind] == nil {
			s.tokens[kind] = make(map[string]string)
		}
		s.tokens[kind][token] = fiscalCode
	}
	s.sessions[fiscalCode] = sess
	return nil
}

func (s *Store) Lookup(_ context.Context, kind storage.TokenKind, token string) (*storage.UserIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fiscalCode, ok := s.tokens[kind][token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	sess, ok := s.sessions[fiscalCode]
	if !ok || s.now().After(sess.expiresAt) {
		return nil, storage.ErrNotFound
	}
	return &storage.UserIdentity{
		FiscalCode:   fiscalCode,
		LoginType:    sess.loginType,
		AssertionRef: sess.assertionRef,
	}, nil
}

func (s *Store) SessionInfo(_ context.Context, fiscalCode string) (storage.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[fiscalCode]
	if !ok {
		return storage.SessionInfo{}, nil
	}
	remaining := sess.expiresAt.Sub(s.now())
	if remaining <= 0 {
		return storage.SessionInfo{}, nil
	}
	return storage.SessionInfo{Active: true, TTL: remaining, LoginType: sess.loginType}, nil
}

func (s *Store) DeleteAllSessions(_ context.Context, fiscalCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteAllLocked(fiscalCode)
	return nil
}

func (s *Store) deleteAllLocked(fiscalCode string) {
	sess, ok := s.sessions[fiscalCode]
	if !ok {
		return
	}
	for kind, token := range sess.tokens {
		delete(s.tokens[kind], token)
	}
	delete(s.sessions, fiscalCode)
}

// ---------------------------------------------------------------------------
// BindingStore
// ---------------------------------------------------------------------------

func (s *Store) GetBinding(_ context.Context, fiscalCode string) (*lollipop.KeyBinding, error) {
	s.mu.RLock()
	raw, ok := s.bindings[fiscalCode]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	binding, err := lollipop.DecodeBinding(raw)
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

func (s *Store) SetBinding(_ context.Context, fiscalCode string, binding lollipop.KeyBinding) error {
	raw, err := lollipop.EncodeBinding(binding)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.bindings[fiscalCode] = raw
	s.mu.Unlock()
	return nil
}

func (s *Store) DeleteBinding(_ context.Context, fiscalCode string) error {
	s.mu.Lock()
	delete(s.bindings, fiscalCode)
	s.mu.Unlock()
	return nil
}

// PutRawBinding stores a pre-encoded binding value as-is. It exists so that
// legacy single-field values can be seeded for migration testing.
func (s *Store) PutRawBinding(fiscalCode string, raw []byte) {
	s.mu.Lock()
	s.bindings[fiscalCode] = append([]byte(nil), raw...)
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// LockStore
// ---------------------------------------------------------------------------

func (s *Store) InsertLock(_ context.Context, fiscalCode, unlockCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.locks[fiscalCode] {
		if !row.Released {
			return storage.ErrLockExists
		}
	}
	s.locks[fiscalCode] = append(s.locks[fiscalCode], storage.LockRow{
		FiscalCode: fiscalCode,
		UnlockCode: unlockCode,
		CreatedAt:  s.now(),
	})
	return nil
}

func (s *Store) ListUnreleased(_ context.Context, fiscalCode string) ([]storage.LockRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []storage.LockRow
	for _, row := range s.locks[fiscalCode] {
		if !row.Released {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (s *Store) ReleaseLock(_ context.Context, fiscalCode, unlockCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.locks[fiscalCode]
	for i := range rows {
		if rows[i].UnlockCode == unlockCode && !rows[i].Released {
			rows[i].Released = true
			return nil
		}
	}
	return storage.ErrNotFound
}
