package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pagopa/io-auth-gateway/keyauth"
	"github.com/pagopa/io-auth-gateway/lollipop"
	"github.com/pagopa/io-auth-gateway/sessionctl"
	"github.com/pagopa/io-auth-gateway/storage"
)

// forbiddenMessage is deliberately fixed for every forbidden branch so the
// response cannot be used as an oracle on key-binding existence.
const forbiddenMessage = "operation not allowed"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates domain errors into HTTP responses. Internal detail is
// never echoed to the client: a 500 carries only a generic message plus a
// correlation id that is also written to the log.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lollipop.ErrMissingPopHeader),
		errors.Is(err, lollipop.ErrMissingKeyID),
		errors.Is(err, lollipop.ErrMalformedAssertionRef),
		errors.Is(err, lollipop.ErrUnsupportedAlgo):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lollipop.ErrAssertionRefMismatch),
		errors.Is(err, keyauth.ErrForbidden),
		errors.Is(err, sessionctl.ErrUnlockCodeMismatch):
		writeError(w, http.StatusForbidden, forbiddenMessage)
	case errors.Is(err, sessionctl.ErrAlreadyLocked),
		errors.Is(err, keyauth.ErrConflict),
		errors.Is(err, storage.ErrLockExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		correlationID := uuid.NewString()
		slog.Error("internal error", "correlation_id", correlationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:         "internal server error",
			CorrelationID: correlationID,
		})
	}
}

func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}

// decodeOptionalJSON decodes a body that may legitimately be absent. An empty
// body yields the zero value; a present but malformed body is a 400. The
// decode is attempted unconditionally so chunked requests, which carry no
// Content-Length, are not silently ignored.
func decodeOptionalJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return v, true
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}
