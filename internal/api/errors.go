package api

import (
	"encoding/json"
	"net/http"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes of the status server.
const (
	codeJournalDisabled    = "journal_disabled"
	codeInvalidQuery       = "invalid_query"
	codeJournalUnavailable = "journal_unavailable"
	codeInternal           = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Client may have gone away
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes an Error carrying the request's X-Request-ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:    status,
		Code:      code,
		Message:   message,
		RequestID: requestID(r),
	})
}

// writeInvalidQuery rejects a malformed query parameter.
func writeInvalidQuery(w http.ResponseWriter, r *http.Request, param, message string) {
	writeError(w, r, http.StatusBadRequest, codeInvalidQuery, param+": "+message)
}
