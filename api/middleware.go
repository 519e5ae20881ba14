package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pagopa/io-auth-gateway/lollipop"
	"github.com/pagopa/io-auth-gateway/storage"
)

type contextKey int

const identityKey contextKey = iota

// SessionAuthMiddleware authenticates the mobile client's bearer session
// token and stores the resolved identity on the request context.
func (a *API) SessionAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		identity, err := a.sessions.Lookup(r.Context(), storage.TokenSession, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OperatorAuthMiddleware authenticates the privileged surface with the
// deployment's operator API key.
func (a *API) OperatorAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if a.operatorKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(a.operatorKey)) != 1 {
			a.audit.logFailure(AuditOperatorDenied, r, "bad or missing operator key")
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

func identityFromContext(ctx context.Context) *storage.UserIdentity {
	identity, _ := ctx.Value(identityKey).(*storage.UserIdentity)
	return identity
}

// callerFromIdentity maps the authenticated identity to a resolver caller.
// The assertion ref captured at session creation always travels with the
// caller: the resolution strategy decides whether to trust it or read the
// store, never whether the tamper check applies.
func callerFromIdentity(identity *storage.UserIdentity) lollipop.Caller {
	return lollipop.Caller{
		FiscalCode:   identity.FiscalCode,
		AssertionRef: identity.AssertionRef,
	}
}
