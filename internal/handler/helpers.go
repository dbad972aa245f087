// Package handler implements the HTTP endpoints: the public verification
// route plus the root-key-gated management surface.
package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keygatehq/keygate/internal/model"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// classifyDBError maps constraint violations from the three supported drivers
// to client-facing HTTP statuses. Returns (httpStatus, cleanMessage).
func classifyDBError(err error, fallbackMsg string) (int, string) {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate key") ||
		strings.Contains(lower, "duplicate entry"):
		return http.StatusConflict, fallbackMsg + ": already exists"
	case strings.Contains(lower, "not null constraint") ||
		strings.Contains(lower, "null value in column") ||
		strings.Contains(lower, "column cannot be null"):
		return http.StatusBadRequest, fallbackMsg + ": missing required field"
	case strings.Contains(lower, "foreign key"):
		return http.StatusBadRequest, fallbackMsg + ": referenced resource does not exist"
	default:
		return http.StatusInternalServerError, fallbackMsg + ": " + err.Error()
	}
}

// listResponse wraps resources in the standard list envelope.
func listResponse(resources []map[string]interface{}) model.ListResponse {
	return model.ListResponse{
		Resource: resources,
		Meta:     &model.ResponseMeta{Count: len(resources)},
	}
}
