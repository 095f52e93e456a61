// Package httputil centralizes JSON response envelopes so every handler
// speaks the same error dialect.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "trainshare/pkg/domain-errors"
)

// statusForCode maps domain error codes to HTTP statuses.
var statusForCode = map[dErrors.Code]int{
	dErrors.CodeInvalidInput: http.StatusBadRequest,
	dErrors.CodeUnauthorized: http.StatusUnauthorized,
	dErrors.CodeForbidden:    http.StatusForbidden,
	dErrors.CodeNotFound:     http.StatusNotFound,
	dErrors.CodeConflict:     http.StatusConflict,
	dErrors.CodeTimeout:      http.StatusGatewayTimeout,
	dErrors.CodeInternal:     http.StatusInternalServerError,
}

// WriteError renders a domain error as a JSON envelope. Internal errors omit
// the description so store/infra details never leak to callers.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status, ok := statusForCode[code]
	if !ok {
		status = http.StatusInternalServerError
		code = dErrors.CodeInternal
	}

	body := map[string]string{"error": string(code)}
	if code != dErrors.CodeInternal {
		if msg := dErrors.MessageOf(err); msg != "" {
			body["error_description"] = msg
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteJSON renders v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
