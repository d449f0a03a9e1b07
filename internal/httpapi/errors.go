package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"vqvdb/internal/codecerr"
	"vqvdb/internal/manager"
	"vqvdb/pkg/types"
)

// modelNotFoundError is returned when a request names a model id that is not
// in the models directory.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// IsModelNotFound reports whether err names an unknown model id.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// statusFor maps codec error kinds to HTTP status codes.
func statusFor(err error) int {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case IsModelNotFound(err):
		return http.StatusNotFound
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests
	case errors.Is(err, manager.ErrClosed):
		return http.StatusServiceUnavailable
	}
	switch codecerr.KindOf(err) {
	case codecerr.UnknownBackend, codecerr.ShapeMismatch, codecerr.InvalidToken, codecerr.EmptyGrid:
		return http.StatusBadRequest
	case codecerr.ModelMismatch, codecerr.UnsupportedVersion, codecerr.TruncatedFile, codecerr.CorruptFile:
		return http.StatusUnprocessableEntity
	case codecerr.ResourceExhausted, codecerr.ModelLoad:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func kindLabel(err error) string {
	var ce *codecerr.Error
	if !errors.As(err, &ce) {
		return ""
	}
	return strings.ReplaceAll(ce.Kind.String(), " ", "_")
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Kind: kind, Code: status})
}

func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	kind := kindLabel(err)
	if kind != "" {
		codecErrorsTotal.WithLabelValues(kind).Inc()
	}
	writeJSONError(w, status, err.Error(), kind)
	return status
}
