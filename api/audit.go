package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditSignForwarded      AuditEvent = "sign_forwarded"
	AuditPopValidationError AuditEvent = "pop_validation_error"
	AuditPopForbidden       AuditEvent = "pop_forbidden"
	AuditPopInternalError   AuditEvent = "pop_internal_error"
	AuditSessionInvalidated AuditEvent = "session_invalidated"
	AuditAuthLocked         AuditEvent = "auth_locked"
	AuditAuthUnlocked       AuditEvent = "auth_unlocked"
	AuditLockConflict       AuditEvent = "lock_conflict"
	AuditUnlockMismatch     AuditEvent = "unlock_code_mismatch"
	AuditKeyBound           AuditEvent = "key_bound"
	AuditOperatorDenied     AuditEvent = "operator_denied"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Fiscal codes appear only as the
// user_hash attribute, never raw.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logUser is a convenience for events tied to a (hashed) user id.
func (al *auditLogger) logUser(event AuditEvent, r *http.Request, userHash string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_hash", userHash),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed request with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
