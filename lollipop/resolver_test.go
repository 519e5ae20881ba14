package lollipop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBindings struct {
	binding *KeyBinding
	err     error
	calls   int
}

func (f *fakeBindings) GetBinding(_ context.Context, _ string) (*KeyBinding, error) {
	f.calls++
	return f.binding, f.err
}

type fakeAuthority struct {
	params *ConsumerParams
	err    error
	calls  int
	lastOp string
}

func (f *fakeAuthority) GenerateConsumerParams(_ context.Context, ref AssertionRef, operationID string) (*ConsumerParams, error) {
	f.calls++
	f.lastOp = operationID
	if f.err != nil {
		return nil, f.err
	}
	p := *f.params
	p.AssertionRef = ref
	return &p, nil
}

func signedHeaders(thumbprint string) PopHeaders {
	return PopHeaders{
		Signature:      "sig1=:dGVzdA==:",
		SignatureInput: `sig1=();created=1;nonce="op-1";keyid="` + thumbprint + `"`,
		OriginalMethod: "POST",
		OriginalURL:    "https://api.example.org/messages",
	}
}

func newTestResolver(bindings *fakeBindings, authority *fakeAuthority) *LocalsResolver {
	return &LocalsResolver{
		Bindings:  &StoreBindingResolver{Bindings: bindings},
		Authority: authority,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestResolveSuccess(t *testing.T) {
	jwk := JWK{Kty: "EC", Crv: "P-256", X: "xcoord", Y: "ycoord"}
	thumbprint, err := jwk.Thumbprint(AlgoSHA256)
	require.NoError(t, err)
	ref, err := DeriveAssertionRef(thumbprint, AlgoSHA256)
	require.NoError(t, err)

	bindings := &fakeBindings{binding: &KeyBinding{AssertionRef: ref, LoginType: LoginLegacy}}
	authority := &fakeAuthority{params: &ConsumerParams{
		AssertionType: "SAML",
		AuthJWT:       "jwt-token",
		PublicKey:     "encoded-key",
	}}
	lr := newTestResolver(bindings, authority)

	locals, err := lr.Resolve(context.Background(), Caller{FiscalCode: "AAABBB80A01H501X"}, signedHeaders(thumbprint))
	require.NoError(t, err)
	require.NotNil(t, locals)
	assert.Equal(t, ref, locals.AssertionRef)
	assert.Equal(t, "SAML", locals.AssertionType)
	assert.Equal(t, "jwt-token", locals.AuthJWT)
	assert.Equal(t, "AAABBB80A01H501X", locals.UserID)
	assert.Equal(t, "POST", locals.OriginalMethod)
	assert.Equal(t, "op-1", authority.lastOp)
	assert.Equal(t, 1, authority.calls)
}

func TestResolveNoBinding(t *testing.T) {
	authority := &fakeAuthority{}
	lr := newTestResolver(&fakeBindings{}, authority)

	locals, err := lr.Resolve(context.Background(), Caller{FiscalCode: "AAABBB80A01H501X"}, signedHeaders("thumb"))
	require.NoError(t, err)
	assert.Nil(t, locals)
	assert.Equal(t, 0, authority.calls)
}

func TestResolveMismatchSkipsAuthority(t *testing.T) {
	ref, err := AssertionRefForJWK(JWK{Kty: "OKP", Crv: "Ed25519", X: "bound"}, AlgoSHA256)
	require.NoError(t, err)
	otherThumb, err := JWK{Kty: "OKP", Crv: "Ed25519", X: "claimed"}.Thumbprint(AlgoSHA256)
	require.NoError(t, err)

	bindings := &fakeBindings{binding: &KeyBinding{AssertionRef: ref, LoginType: LoginLegacy}}
	authority := &fakeAuthority{}
	lr := newTestResolver(bindings, authority)

	locals, err := lr.Resolve(context.Background(), Caller{FiscalCode: "AAABBB80A01H501X"}, signedHeaders(otherThumb))
	assert.ErrorIs(t, err, ErrAssertionRefMismatch)
	assert.Nil(t, locals)
	// The authority is never consulted for a tampered keyid.
	assert.Equal(t, 0, authority.calls)
}

func TestResolveGarbageKeyIDIsMismatch(t *testing.T) {
	ref, err := AssertionRefForJWK(JWK{Kty: "OKP", Crv: "Ed25519", X: "bound"}, AlgoSHA256)
	require.NoError(t, err)

	bindings := &fakeBindings{binding: &KeyBinding{AssertionRef: ref, LoginType: LoginLegacy}}
	authority := &fakeAuthority{}
	lr := newTestResolver(bindings, authority)

	_, err = lr.Resolve(context.Background(), Caller{FiscalCode: "AAABBB80A01H501X"}, signedHeaders("!!!not-base64!!!"))
	assert.ErrorIs(t, err, ErrAssertionRefMismatch)
	assert.Equal(t, 0, authority.calls)
}

func TestResolveMissingKeyID(t *testing.T) {
	ref, err := AssertionRefForJWK(JWK{Kty: "OKP", Crv: "Ed25519", X: "bound"}, AlgoSHA256)
	require.NoError(t, err)

	lr := newTestResolver(&fakeBindings{binding: &KeyBinding{AssertionRef: ref, LoginType: LoginLegacy}}, &fakeAuthority{})

	headers := signedHeaders("thumb")
	headers.SignatureInput = `sig1=();created=1;nonce="op-1"`
	_, err = lr.Resolve(context.Background(), Caller{FiscalCode: "AAABBB80A01H501X"}, headers)
	assert.ErrorIs(t, err, ErrMissingKeyID)
}

func TestResolveBindingLookupError(t *testing.T) {
	wantErr := errors.New("store down")
	authority := &fakeAuthority{}
	lr := newTestResolver(&fakeBindings{err: wantErr}, authority)

	_, err := lr.Resolve(context.Background(), Caller{FiscalCode: "AAABBB80A01H501X"}, signedHeaders("thumb"))
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, authority.calls)
}

func TestResolveAuthorityFailure(t *testing.T) {
	jwk := JWK{Kty: "EC", Crv: "P-256", X: "xcoord", Y: "ycoord"}
	thumbprint, err := jwk.Thumbprint(AlgoSHA256)
	require.NoError(t, err)
	ref, err := DeriveAssertionRef(thumbprint, AlgoSHA256)
	require.NoError(t, err)

	wantErr := errors.New("authority refused")
	bindings := &fakeBindings{binding: &KeyBinding{AssertionRef: ref, LoginType: LoginLegacy}}
	lr := newTestResolver(bindings, &fakeAuthority{err: wantErr})

	locals, err := lr.Resolve(context.Background(), Caller{FiscalCode: "AAABBB80A01H501X"}, signedHeaders(thumbprint))
	assert.ErrorIs(t, err, wantErr)
	assert.Nil(t, locals)
}

func TestIdentityBindingResolver(t *testing.T) {
	r := IdentityBindingResolver{}

	ref, ok, err := r.Resolve(context.Background(), Caller{FiscalCode: "AAABBB80A01H501X"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, ref)

	ref, ok, err = r.Resolve(context.Background(), Caller{
		FiscalCode:   "AAABBB80A01H501X",
		AssertionRef: AssertionRef("sha256-whatever"),
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, AssertionRef("sha256-whatever"), ref)
}

func TestIdentityResolverSkipsStore(t *testing.T) {
	// Fast-login deployments never touch the binding store during PoP.
	jwk := JWK{Kty: "EC", Crv: "P-256", X: "xcoord", Y: "ycoord"}
	thumbprint, err := jwk.Thumbprint(AlgoSHA256)
	require.NoError(t, err)
	ref, err := DeriveAssertionRef(thumbprint, AlgoSHA256)
	require.NoError(t, err)

	store := &fakeBindings{}
	lr := &LocalsResolver{
		Bindings:  IdentityBindingResolver{},
		Authority: &fakeAuthority{params: &ConsumerParams{AssertionType: "SAML"}},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	locals, err := lr.Resolve(context.Background(), Caller{
		FiscalCode:   "AAABBB80A01H501X",
		AssertionRef: ref,
	}, signedHeaders(thumbprint))
	require.NoError(t, err)
	require.NotNil(t, locals)
	assert.Equal(t, 0, store.calls)
}
