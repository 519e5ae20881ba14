// Package bbolt provides a BBolt-backed implementation of storage.Store.
// BBolt serializes writers, which makes the conditional lock insert and the
// token-index updates naturally atomic within one Update transaction.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pagopa/io-auth-gateway/lollipop"
	"github.com/pagopa/io-auth-gateway/storage"
)

var (
	bucketSessions = []byte("sessions")
	bucketBindings = []byte("bindings")
	bucketLocks    = []byte("locks")
)

func tokenBucket(kind storage.TokenKind) []byte {
	return []byte("tokens:" + string(kind))
}

// lockKeySep separates fiscal code and unlock code in lock-row keys. Fiscal
// codes and unlock codes are alphanumeric, so NUL cannot collide.
const lockKeySep = "\x00"

type sessionRecord struct {
	Tokens       storage.SessionTokens `json:"tokens"`
	ExpiresAt    time.Time             `json:"expires_at"`
	LoginType    lollipop.LoginType    `json:"login_type"`
	AssertionRef lollipop.AssertionRef `json:"assertion_ref,omitempty"`
}

type lockRecord struct {
	Released  bool      `json:"released"`
	CreatedAt time.Time `json:"created_at"`
}

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewStoreFromFile opens a BBolt database at the given path.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// SessionStore
// ---------------------------------------------------------------------------

func (s *Store) CreateSession(_ context.Context, fiscalCode string, tokens storage.SessionTokens, ttl time.Duration, binding *lollipop.KeyBinding) error {
	rec := sessionRecord{
		Tokens:    tokens,
		ExpiresAt: time.Now().Add(ttl),
		LoginType: lollipop.LoginLegacy,
	}
	if binding != nil {
		rec.LoginType = binding.LoginType
		rec.AssertionRef = binding.AssertionRef
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := deleteAllInTx(tx, fiscalCode); err != nil {
			return err
		}
		b, err := tx.CreateBucketIfNotExists(bucketSessions)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(fiscalCode), data); err != nil {
			return err
		}
		for kind, token := range tokens {
			tb, err := tx.CreateBucketIfNotExists(tokenBucket(kind))
			if err != nil {
				return err
			}
			if err := tb.Put([]byte(token), []byte(fiscalCode)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Lookup(_ context.Context, kind storage.TokenKind, token string) (*storage.UserIdentity, error) {
	var identity *storage.UserIdentity
	err := s.db.View(func(tx *bbolt.Tx) error {
		tb := tx.Bucket(tokenBucket(kind))
		if tb == nil {
			return storage.ErrNotFound
		}
		fiscalCode := tb.Get([]byte(token))
		if fiscalCode == nil {
			return storage.ErrNotFound
		}
		rec, err := sessionInTx(tx, string(fiscalCode))
		if err != nil {
			return err
		}
		if time.Now().After(rec.ExpiresAt) {
			return storage.ErrNotFound
		}
		identity = &storage.UserIdentity{
			FiscalCode:   string(fiscalCode),
			LoginType:    rec.LoginType,
			AssertionRef: rec.AssertionRef,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

func (s *Store) SessionInfo(_ context.Context, fiscalCode string) (storage.SessionInfo, error) {
	var info storage.SessionInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := sessionInTx(tx, fiscalCode)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		remaining := time.Until(rec.ExpiresAt)
		if remaining <= 0 {
			return nil
		}
		info = storage.SessionInfo{Active: true, TTL: remaining, LoginType: rec.LoginType}
		return nil
	})
	return info, err
}

func (s *Store) DeleteAllSessions(_ context.Context, fiscalCode string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteAllInTx(tx, fiscalCode)
	})
}

func sessionInTx(tx *bbolt.Tx, fiscalCode string) (*sessionRecord, error) {
	b := tx.Bucket(bucketSessions)
	if b == nil {
		return nil, storage.ErrNotFound
	}
	data := b.Get([]byte(fiscalCode))
	if data == nil {
		return nil, storage.ErrNotFound
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func deleteAllInTx(tx *bbolt.Tx, fiscalCode string) error {
	rec, err := sessionInTx(tx, fiscalCode)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	for kind, token := range rec.Tokens {
		if tb := tx.Bucket(tokenBucket(kind)); tb != nil {
			if err := tb.Delete([]byte(token)); err != nil {
				return err
			}
		}
	}
	return tx.Bucket(bucketSessions).Delete([]byte(fiscalCode))
}

// ---------------------------------------------------------------------------
// BindingStore
// ---------------------------------------------------------------------------

func (s *Store) GetBinding(_ context.Context, fiscalCode string) (*lollipop.KeyBinding, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBindings)
		if b == nil {
			return nil
		}
		if data := b.Get([]byte(fiscalCode)); data != nil {
			raw = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
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
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketBindings)
		if err != nil {
			return err
		}
		return b.Put([]byte(fiscalCode), raw)
	})
}

func (s *Store) DeleteBinding(_ context.Context, fiscalCode string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBindings)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(fiscalCode))
	})
}

// ---------------------------------------------------------------------------
// LockStore
// ---------------------------------------------------------------------------

func lockKey(fiscalCode, unlockCode string) []byte {
	return []byte(fiscalCode + lockKeySep + unlockCode)
}

func (s *Store) InsertLock(_ context.Context, fiscalCode, unlockCode string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketLocks)
		if err != nil {
			return err
		}
		// The serialized Update transaction is the exclusivity guarantee:
		// any unreleased row for the fiscal code blocks the insert.
		prefix := []byte(fiscalCode + lockKeySep)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec lockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.Released {
				return storage.ErrLockExists
			}
		}
		data, err := json.Marshal(lockRecord{CreatedAt: time.Now()})
		if err != nil {
			return err
		}
		return b.Put(lockKey(fiscalCode, unlockCode), data)
	})
}

func (s *Store) ListUnreleased(_ context.Context, fiscalCode string) ([]storage.LockRow, error) {
	var rows []storage.LockRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if b == nil {
			return nil
		}
		prefix := []byte(fiscalCode + lockKeySep)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec lockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Released {
				continue
			}
			rows = append(rows, storage.LockRow{
				FiscalCode: fiscalCode,
				UnlockCode: string(k[len(prefix):]),
				CreatedAt:  rec.CreatedAt,
			})
		}
		return nil
	})
	return rows, err
}

func (s *Store) ReleaseLock(_ context.Context, fiscalCode, unlockCode string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if b == nil {
			return storage.ErrNotFound
		}
		key := lockKey(fiscalCode, unlockCode)
		data := b.Get(key)
		if data == nil {
			return storage.ErrNotFound
		}
		var rec lockRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Released {
			return storage.ErrNotFound
		}
		rec.Released = true
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
}
