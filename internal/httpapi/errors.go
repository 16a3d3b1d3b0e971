package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"inferd/internal/locator"
	"inferd/internal/service"
	"inferd/internal/slot"
	"inferd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// mapError translates taxonomy kinds into status codes. Formatting for
// humans happened inside the error; this only picks the code.
func mapError(err error) (status int, kind string) {
	if errors.Is(err, service.ErrInvalidRequest) {
		return http.StatusBadRequest, ""
	}
	if slot.IsTooBusy(err) {
		IncrementBackpressure("slot")
		return http.StatusTooManyRequests, ""
	}
	if errors.Is(err, locator.ErrNoWritableVolume) {
		return http.StatusInsufficientStorage, string(slot.KindStorageAccessDenied)
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode(), string(slot.KindOf(err))
	}
	k := slot.KindOf(err)
	switch k {
	case slot.KindModelNotFound:
		return http.StatusNotFound, string(k)
	case slot.KindModelUnavailable, slot.KindOutOfResources:
		return http.StatusServiceUnavailable, string(k)
	case slot.KindModelLoadTimeout, slot.KindInferenceTimeout:
		return http.StatusGatewayTimeout, string(k)
	case slot.KindStorageAccessDenied:
		return http.StatusInsufficientStorage, string(k)
	default:
		return http.StatusInternalServerError, string(k)
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status, Kind: kind})
}
