package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"agritrace.org/internal/certify"
	"agritrace.org/internal/obs"
)

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleServiceError maps certify errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, certify.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, certify.ErrConflict),
		errors.Is(err, certify.ErrAlreadyRevoked),
		errors.Is(err, certify.ErrAlreadyAnchored),
		errors.Is(err, certify.ErrInvalidTransition),
		errors.Is(err, certify.ErrNotEligible):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, certify.ErrInvalidInput),
		errors.Is(err, certify.ErrTooManyTokens),
		errors.Is(err, certify.ErrNoTokens):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, certify.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, certify.ErrAnchoringFailure):
		writeError(w, r, http.StatusServiceUnavailable, "anchoring unavailable")
	case errors.Is(err, certify.ErrReferencedEntityMissing):
		obs.Error("referenced entity missing", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		writeError(w, r, http.StatusInternalServerError, "certificate data incomplete")
	default:
		obs.Error("request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
