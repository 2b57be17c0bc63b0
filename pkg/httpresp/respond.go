package httpresp

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wisbric/kernel/pkg/kerrors"
)

// Respond writes data as a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope returned for every
// non-2xx response (spec §7).
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RespondError writes err as a JSON error response, translating a
// *kerrors.Error into its stable Kind/status and logging the underlying
// cause (if any) without leaking it to the caller.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := RequestIDFromContext(r.Context())

	if kerr, ok := kerrors.As(err); ok {
		if kerr.Cause != nil {
			slog.Error("request failed", "path", r.URL.Path, "kind", kerr.Kind, "request_id", reqID, "cause", kerr.Cause)
		}
		Respond(w, kerr.Kind.HTTPStatus(), ErrorResponse{Error: string(kerr.Kind), Message: kerr.Message, RequestID: reqID})
		return
	}

	slog.Error("request failed with unclassified error", "path", r.URL.Path, "request_id", reqID, "error", err)
	Respond(w, http.StatusInternalServerError, ErrorResponse{Error: string(kerrors.Internal), Message: "internal error", RequestID: reqID})
}

// DecodeJSON decodes the request body into dst, returning a
// kerrors.Validation error on malformed input.
func DecodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return kerrors.Wrap(kerrors.Validation, "malformed JSON body", err)
	}
	return nil
}
