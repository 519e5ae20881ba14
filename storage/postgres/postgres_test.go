package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagopa/io-auth-gateway/lollipop"
	"github.com/pagopa/io-auth-gateway/storage"
)

const fc = "AAABBB80A01H501X"

// newTestStore connects to the database named by GATEWAY_TEST_POSTGRES_DSN
// and skips the test when the variable is unset. The schema is applied and
// the test user's rows are wiped before each test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("GATEWAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GATEWAY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := NewStoreFromDSN(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	for _, q := range []string{
		`DELETE FROM session_tokens WHERE fiscal_code = $1`,
		`DELETE FROM sessions WHERE fiscal_code = $1`,
		`DELETE FROM key_bindings WHERE fiscal_code = $1`,
		`DELETE FROM auth_locks WHERE fiscal_code = $1`,
	} {
		_, err := s.pool.Exec(ctx, q, fc)
		require.NoError(t, err)
	}
	return s
}

func testBinding(t *testing.T) lollipop.KeyBinding {
	t.Helper()
	ref, err := lollipop.AssertionRefForJWK(lollipop.JWK{Kty: "OKP", Crv: "Ed25519", X: "pgkey"}, lollipop.AlgoSHA256)
	require.NoError(t, err)
	return lollipop.KeyBinding{AssertionRef: ref, LoginType: lollipop.LoginLV}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	binding := testBinding(t)

	tokens := storage.SessionTokens{
		storage.TokenSession: "pg-tok-session",
		storage.TokenWallet:  "pg-tok-wallet",
	}
	require.NoError(t, s.CreateSession(ctx, fc, tokens, time.Hour, &binding))

	identity, err := s.Lookup(ctx, storage.TokenSession, "pg-tok-session")
	require.NoError(t, err)
	assert.Equal(t, fc, identity.FiscalCode)
	assert.Equal(t, lollipop.LoginLV, identity.LoginType)
	assert.Equal(t, binding.AssertionRef, identity.AssertionRef)

	info, err := s.SessionInfo(ctx, fc)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Greater(t, info.TTL, 59*time.Minute)

	require.NoError(t, s.DeleteAllSessions(ctx, fc))
	_, err = s.Lookup(ctx, storage.TokenSession, "pg-tok-session")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Lookup(ctx, storage.TokenWallet, "pg-tok-wallet")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExpiredSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateSession(ctx, fc, storage.SessionTokens{storage.TokenSession: "pg-tok"}, -time.Minute, nil))
	_, err := s.Lookup(ctx, storage.TokenSession, "pg-tok")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	info, err := s.SessionInfo(ctx, fc)
	require.NoError(t, err)
	assert.False(t, info.Active)
}

func TestBindingRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	binding := testBinding(t)

	got, err := s.GetBinding(ctx, fc)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SetBinding(ctx, fc, binding))
	got, err = s.GetBinding(ctx, fc)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, binding, *got)

	// Upsert replaces.
	binding.LoginType = lollipop.LoginLegacy
	require.NoError(t, s.SetBinding(ctx, fc, binding))
	got, err = s.GetBinding(ctx, fc)
	require.NoError(t, err)
	assert.Equal(t, lollipop.LoginLegacy, got.LoginType)

	require.NoError(t, s.DeleteBinding(ctx, fc))
	got, err = s.GetBinding(ctx, fc)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLockConditionalInsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertLock(ctx, fc, "111111111"))
	// The partial unique index arbitrates, whatever the unlock code.
	assert.ErrorIs(t, s.InsertLock(ctx, fc, "222222222"), storage.ErrLockExists)

	rows, err := s.ListUnreleased(ctx, fc)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "111111111", rows[0].UnlockCode)

	require.NoError(t, s.ReleaseLock(ctx, fc, "111111111"))
	rows, err = s.ListUnreleased(ctx, fc)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Released rows no longer block.
	require.NoError(t, s.InsertLock(ctx, fc, "333333333"))
	assert.ErrorIs(t, s.ReleaseLock(ctx, fc, "999999999"), storage.ErrNotFound)
}
