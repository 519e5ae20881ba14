package lollipop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAssertionRefMismatch indicates the signature's keyid resolves to a key
// different from the one bound at login. The binding is never "upgraded" to
// the claimed key.
var ErrAssertionRefMismatch = errors.New("signature keyid does not match bound key")

// Caller is the verified identity of the requester, as established by the
// session layer before PoP resolution runs.
type Caller struct {
	FiscalCode string
	// AssertionRef is non-empty when the identity layer already verified the
	// binding cryptographically (fast-login), making a store lookup redundant.
	AssertionRef AssertionRef
}

// BindingResolver obtains the assertion ref bound to a caller, if any.
// ok is false when the caller has no active key binding, which is not an
// error: PoP is simply not required for that caller.
type BindingResolver interface {
	Resolve(ctx context.Context, caller Caller) (ref AssertionRef, ok bool, err error)
}

// BindingGetter is the read side of the key-binding store.
// A nil binding with nil error means no binding exists.
type BindingGetter interface {
	GetBinding(ctx context.Context, fiscalCode string) (*KeyBinding, error)
}

// StoreBindingResolver reads the binding from the session store by fiscal
// code. This is the legacy resolution strategy.
type StoreBindingResolver struct {
	Bindings BindingGetter
}

func (r *StoreBindingResolver) Resolve(ctx context.Context, caller Caller) (AssertionRef, bool, error) {
	binding, err := r.Bindings.GetBinding(ctx, caller.FiscalCode)
	if err != nil {
		return "", false, fmt.Errorf("reading key binding: %w", err)
	}
	if binding == nil {
		return "", false, nil
	}
	return binding.AssertionRef, true, nil
}

// IdentityBindingResolver trusts the assertion ref carried by the verified
// caller identity, skipping the store round trip. This is the current
// (fast-login) resolution strategy.
type IdentityBindingResolver struct{}

func (IdentityBindingResolver) Resolve(_ context.Context, caller Caller) (AssertionRef, bool, error) {
	if caller.AssertionRef == "" {
		return "", false, nil
	}
	return caller.AssertionRef, true, nil
}

// ConsumerParams are the time-boxed credentials minted by the key authority
// for a downstream signed-message consumer.
type ConsumerParams struct {
	AssertionRef  AssertionRef `json:"assertion_ref"`
	AssertionType string       `json:"assertion_type"`
	AuthJWT       string       `json:"auth_jwt"`
	PublicKey     string       `json:"pub_key"`
}

// ConsumerParamsSource mints consumer credentials for a bound key. The
// operation id deduplicates and traces the authority-side work.
type ConsumerParamsSource interface {
	GenerateConsumerParams(ctx context.Context, ref AssertionRef, operationID string) (*ConsumerParams, error)
}

// Locals is the enriched request context forwarded to a signed-message
// consumer alongside the raw body.
type Locals struct {
	AssertionRef   AssertionRef
	AssertionType  string
	AuthJWT        string
	PublicKey      string
	UserID         string
	Signature      string
	SignatureInput string
	OriginalMethod string
	OriginalURL    string
}

// LocalsResolver runs the PoP protocol core for one request: resolve the
// bound key, verify the signature claims that key, and mint consumer
// credentials.
type LocalsResolver struct {
	Bindings  BindingResolver
	Authority ConsumerParamsSource
	Logger    *slog.Logger
	// HashUserID pseudonymizes the fiscal code for audit events. Raw fiscal
	// codes never reach the log.
	HashUserID func(string) string
}

// Resolve returns the enriched locals for a signed request, or (nil, nil)
// when the caller has no key binding and PoP is not required. Every failing
// branch emits one structured audit event before returning; it is the only
// forensic trail for PoP failures.
func (lr *LocalsResolver) Resolve(ctx context.Context, caller Caller, headers PopHeaders) (*Locals, error) {
	operationID := ExtractOperationID(headers.SignatureInput)

	boundRef, ok, err := lr.Bindings.Resolve(ctx, caller)
	if err != nil {
		lr.auditFailure(ctx, operationID, caller, "", "binding_lookup_failed", err)
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	thumbprint, err := ExtractKeyThumbprint(headers.SignatureInput)
	if err != nil {
		lr.auditFailure(ctx, operationID, caller, boundRef, "keyid_missing", err)
		return nil, err
	}

	algo, err := boundRef.Algo()
	if err != nil {
		lr.auditFailure(ctx, operationID, caller, boundRef, "bound_ref_malformed", err)
		return nil, err
	}
	claimedRef, err := DeriveAssertionRef(thumbprint, algo)
	if err != nil || claimedRef != boundRef {
		if err == nil {
			err = ErrAssertionRefMismatch
		} else {
			err = fmt.Errorf("%w: %v", ErrAssertionRefMismatch, err)
		}
		lr.auditFailure(ctx, operationID, caller, boundRef, "assertion_ref_mismatch", err)
		return nil, err
	}

	params, err := lr.Authority.GenerateConsumerParams(ctx, boundRef, operationID)
	if err != nil {
		lr.auditFailure(ctx, operationID, caller, boundRef, "consumer_params_failed", err)
		return nil, err
	}

	return &Locals{
		AssertionRef:   params.AssertionRef,
		AssertionType:  params.AssertionType,
		AuthJWT:        params.AuthJWT,
		PublicKey:      params.PublicKey,
		UserID:         caller.FiscalCode,
		Signature:      headers.Signature,
		SignatureInput: headers.SignatureInput,
		OriginalMethod: headers.OriginalMethod,
		OriginalURL:    headers.OriginalURL,
	}, nil
}

func (lr *LocalsResolver) auditFailure(ctx context.Context, operationID string, caller Caller, ref AssertionRef, reason string, err error) {
	if lr.Logger == nil {
		return
	}
	hashed := caller.FiscalCode
	if lr.HashUserID != nil {
		hashed = lr.HashUserID(caller.FiscalCode)
	}
	lr.Logger.LogAttrs(ctx, slog.LevelWarn, "lollipop resolution failed",
		slog.String("operation_id", operationID),
		slog.String("user_hash", hashed),
		slog.String("assertion_ref", string(ref)),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
}
