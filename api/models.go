package api

import (
	"time"

	"github.com/pagopa/io-auth-gateway/lollipop"
)

// SessionInfoResponse is the TTL view of a user's session.
type SessionInfoResponse struct {
	Active    bool   `json:"active"`
	TTL       *int64 `json:"ttl,omitempty"`
	LoginType string `json:"login_type,omitempty"`
}

// SessionStateResponse is returned from GET /sessions/{fiscalCode}/state.
type SessionStateResponse struct {
	AccessEnabled bool                `json:"access_enabled"`
	SessionInfo   SessionInfoResponse `json:"session_info"`
}

// LockSessionRequest is the JSON body for POST /sessions/{fiscalCode}/lock.
// The unlock code is optional; when absent one is generated and returned.
type LockSessionRequest struct {
	UnlockCode string `json:"unlock_code,omitempty"`
}

// LockSessionResponse is returned from POST /sessions/{fiscalCode}/lock.
type LockSessionResponse struct {
	UnlockCode string `json:"unlock_code"`
}

// AuthLockRequest is the JSON body for POST /auth/{fiscalCode}/lock.
type AuthLockRequest struct {
	UnlockCode string `json:"unlock_code"`
}

// AuthUnlockRequest is the JSON body for POST /auth/{fiscalCode}/release-lock.
// The unlock code is optional; absence releases every lock row.
type AuthUnlockRequest struct {
	UnlockCode string `json:"unlock_code,omitempty"`
}

// BindKeyRequest is the JSON body for POST /sessions/{fiscalCode}/lollipop.
type BindKeyRequest struct {
	PubKey     lollipop.JWK `json:"pub_key"`
	Algo       string       `json:"algo"`
	Assertion  string       `json:"assertion"`
	LoginType  string       `json:"login_type"`
	ExpiresAt  time.Time    `json:"expires_at"`
	TTLSeconds int64        `json:"session_ttl_seconds,omitempty"`
}

// BindKeyResponse is returned from POST /sessions/{fiscalCode}/lollipop.
type BindKeyResponse struct {
	AssertionRef string            `json:"assertion_ref"`
	LoginType    string            `json:"login_type"`
	Tokens       map[string]string `json:"tokens"`
}

// SuccessResponse acknowledges a state-changing operation with no payload.
type SuccessResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
