package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pagopa/io-auth-gateway/internal/util"
	"github.com/pagopa/io-auth-gateway/keyauth"
	"github.com/pagopa/io-auth-gateway/lollipop"
	"github.com/pagopa/io-auth-gateway/sessionctl"
	"github.com/pagopa/io-auth-gateway/storage"
)

var (
	fiscalCodeRe = regexp.MustCompile(`^[A-Z0-9]{16}$`)
	unlockCodeRe = regexp.MustCompile(`^\d{9}$`)
)

const defaultSessionTTL = 30 * 24 * time.Hour

func fiscalCodeParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	fc := chi.URLParam(r, "fiscalCode")
	if !fiscalCodeRe.MatchString(fc) {
		writeError(w, http.StatusBadRequest, "invalid fiscal code")
		return "", false
	}
	return fc, true
}

// FirstLollipopSign handles POST /first-lollipop/sign: validate the PoP
// headers, resolve the locals, and forward body plus locals to the
// signed-message consumer.
func (a *API) FirstLollipopSign(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	userHash := a.hashUserID(identity.FiscalCode)

	// Header validation happens before any store or authority access.
	headers, err := lollipop.PopHeadersFromRequest(r.Header)
	if err != nil {
		a.audit.logUser(AuditPopValidationError, r, userHash, slog.String("reason", err.Error()))
		mapError(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	locals, err := a.resolver.Resolve(r.Context(), callerFromIdentity(identity), headers)
	if err != nil {
		switch {
		case errors.Is(err, lollipop.ErrAssertionRefMismatch), errors.Is(err, keyauth.ErrForbidden):
			a.audit.logUser(AuditPopForbidden, r, userHash)
		case errors.Is(err, lollipop.ErrMissingKeyID):
			a.audit.logUser(AuditPopValidationError, r, userHash, slog.String("reason", err.Error()))
		default:
			a.audit.logUser(AuditPopInternalError, r, userHash, slog.String("reason", err.Error()))
		}
		mapError(w, err)
		return
	}

	resp, err := a.consumer.Sign(r.Context(), locals, body)
	if err != nil {
		a.audit.logUser(AuditPopInternalError, r, userHash, slog.String("reason", err.Error()))
		mapError(w, err)
		return
	}

	a.audit.logUser(AuditSignForwarded, r, userHash, slog.Int("consumer_status", resp.StatusCode))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// GetSession handles GET /sessions/{fiscalCode}.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	fc, ok := fiscalCodeParam(w, r)
	if !ok {
		return
	}
	state, err := a.mgr.GetSessionState(r.Context(), fc)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionInfoResponse(state.Session))
}

// GetSessionState handles GET /sessions/{fiscalCode}/state.
func (a *API) GetSessionState(w http.ResponseWriter, r *http.Request) {
	fc, ok := fiscalCodeParam(w, r)
	if !ok {
		return
	}
	state, err := a.mgr.GetSessionState(r.Context(), fc)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionStateResponse{
		AccessEnabled: state.AccessEnabled,
		SessionInfo:   sessionInfoResponse(state.Session),
	})
}

func sessionInfoResponse(info storage.SessionInfo) SessionInfoResponse {
	resp := SessionInfoResponse{Active: info.Active}
	if info.Active {
		ttl := int64(info.TTL.Seconds())
		resp.TTL = &ttl
		resp.LoginType = string(info.LoginType)
	}
	return resp
}

// LockSession handles POST /sessions/{fiscalCode}/lock. The operator may
// supply an unlock code; otherwise one is generated and returned.
func (a *API) LockSession(w http.ResponseWriter, r *http.Request) {
	fc, ok := fiscalCodeParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeOptionalJSON[LockSessionRequest](w, r)
	if !ok {
		return
	}
	unlockCode := req.UnlockCode
	if unlockCode == "" {
		generated, err := util.RandomUnlockCode()
		if err != nil {
			mapError(w, err)
			return
		}
		unlockCode = generated
	} else if !unlockCodeRe.MatchString(unlockCode) {
		writeError(w, http.StatusBadRequest, "unlock code must be 9 digits")
		return
	}

	if err := a.mgr.LockAuthentication(r.Context(), fc, unlockCode); err != nil {
		if errors.Is(err, sessionctl.ErrAlreadyLocked) {
			a.audit.logUser(AuditLockConflict, r, a.hashUserID(fc))
		}
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditAuthLocked, r, a.hashUserID(fc))
	writeJSON(w, http.StatusOK, LockSessionResponse{UnlockCode: unlockCode})
}

// Logout handles POST /sessions/{fiscalCode}/logout: full invalidation
// without an authentication lock.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	fc, ok := fiscalCodeParam(w, r)
	if !ok {
		return
	}
	if err := a.mgr.InvalidateSession(r.Context(), fc); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditSessionInvalidated, r, a.hashUserID(fc))
	writeJSON(w, http.StatusOK, SuccessResponse{Message: "ok"})
}

// UnlockSession handles DELETE /sessions/{fiscalCode}/lock: releases every
// lock row for the user.
func (a *API) UnlockSession(w http.ResponseWriter, r *http.Request) {
	fc, ok := fiscalCodeParam(w, r)
	if !ok {
		return
	}
	if err := a.mgr.UnlockAuthentication(r.Context(), fc, ""); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditAuthUnlocked, r, a.hashUserID(fc))
	writeJSON(w, http.StatusOK, SuccessResponse{Message: "ok"})
}

// LockAuthentication handles POST /auth/{fiscalCode}/lock. Unlike the
// operator session lock, the unlock code is mandatory here: it is the
// user's proof of identity at release time.
func (a *API) LockAuthentication(w http.ResponseWriter, r *http.Request) {
	fc, ok := fiscalCodeParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[AuthLockRequest](w, r)
	if !ok {
		return
	}
	if !unlockCodeRe.MatchString(req.UnlockCode) {
		writeError(w, http.StatusBadRequest, "unlock code must be 9 digits")
		return
	}
	if err := a.mgr.LockAuthentication(r.Context(), fc, req.UnlockCode); err != nil {
		if errors.Is(err, sessionctl.ErrAlreadyLocked) {
			a.audit.logUser(AuditLockConflict, r, a.hashUserID(fc))
		}
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditAuthLocked, r, a.hashUserID(fc))
	w.WriteHeader(http.StatusNoContent)
}

// ReleaseAuthenticationLock handles POST /auth/{fiscalCode}/release-lock.
func (a *API) ReleaseAuthenticationLock(w http.ResponseWriter, r *http.Request) {
	fc, ok := fiscalCodeParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeOptionalJSON[AuthUnlockRequest](w, r)
	if !ok {
		return
	}
	unlockCode := req.UnlockCode
	if unlockCode != "" && !unlockCodeRe.MatchString(unlockCode) {
		writeError(w, http.StatusBadRequest, "unlock code must be 9 digits")
		return
	}
	if err := a.mgr.UnlockAuthentication(r.Context(), fc, unlockCode); err != nil {
		if errors.Is(err, sessionctl.ErrUnlockCodeMismatch) {
			a.audit.logUser(AuditUnlockMismatch, r, a.hashUserID(fc))
		}
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditAuthUnlocked, r, a.hashUserID(fc))
	w.WriteHeader(http.StatusNoContent)
}

// BindKey handles POST /sessions/{fiscalCode}/lollipop: the login-side
// reserve → activate → session → binding flow. The identity-provider
// integration calls this after assertion verification.
func (a *API) BindKey(w http.ResponseWriter, r *http.Request) {
	fc, ok := fiscalCodeParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[BindKeyRequest](w, r)
	if !ok {
		return
	}

	algo := lollipop.HashAlgo(req.Algo)
	if algo != lollipop.AlgoSHA256 && algo != lollipop.AlgoSHA512 {
		writeError(w, http.StatusBadRequest, "algo must be sha256 or sha512")
		return
	}
	loginType := lollipop.LoginType(req.LoginType)
	if loginType == "" {
		loginType = lollipop.LoginLegacy
	}
	if loginType != lollipop.LoginLegacy && loginType != lollipop.LoginLV {
		writeError(w, http.StatusBadRequest, "login_type must be LEGACY or LV")
		return
	}
	if req.Assertion == "" {
		writeError(w, http.StatusBadRequest, "assertion is required")
		return
	}
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultSessionTTL)
	}
	ttl := defaultSessionTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	tokens := make(storage.SessionTokens, len(storage.AllTokenKinds))
	for _, kind := range storage.AllTokenKinds {
		token, err := util.RandomToken(32)
		if err != nil {
			mapError(w, err)
			return
		}
		tokens[kind] = token
	}

	binding, err := a.mgr.BindKey(r.Context(), fc, req.PubKey, algo, req.Assertion, loginType, expiresAt, tokens, ttl)
	if err != nil {
		mapError(w, err)
		return
	}

	respTokens := make(map[string]string, len(tokens))
	for kind, token := range tokens {
		respTokens[string(kind)] = token
	}
	a.audit.logUser(AuditKeyBound, r, a.hashUserID(fc),
		slog.String("assertion_ref", string(binding.AssertionRef)))
	writeJSON(w, http.StatusCreated, BindKeyResponse{
		AssertionRef: string(binding.AssertionRef),
		LoginType:    string(binding.LoginType),
		Tokens:       respTokens,
	})
}
