package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/entdb/entdb/pkg/types"
)

// errorBody is the JSON error envelope on every non-2xx response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      types.Code `json:"code"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a coded error onto an HTTP status. Internal errors
// never leak their cause to the client.
func writeError(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	status := statusOf(code)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   message,
		Retryable: types.IsRetryable(err),
	}})
}

func writeErrorf(w http.ResponseWriter, code types.Code, format string, args ...any) {
	writeError(w, types.E(code, format, args...))
}

func statusOf(code types.Code) int {
	switch code {
	case types.CodeInvalidArgument:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeAccessDenied:
		return http.StatusForbidden
	case types.CodeSchemaMismatch, types.CodeSchemaCompat:
		return http.StatusConflict
	case types.CodeTimeout:
		return http.StatusGatewayTimeout
	case types.CodeConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body with a size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return types.E(types.CodeInvalidArgument, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return types.WrapErr(types.CodeInvalidArgument, err, "invalid request body")
	}
	return nil
}
