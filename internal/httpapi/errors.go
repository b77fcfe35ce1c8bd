package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sadam-codes/chatbot-builder/internal/auth"
	"github.com/sadam-codes/chatbot-builder/internal/query"
)

// Error types reported in the envelope.
const (
	typeInvalidRequest      = "invalid_request"
	typeAuthentication      = "authentication"
	typeNotFound            = "not_found"
	typeTranscriptionFailed = "transcription_failed"
	typeUpstreamUnavailable = "upstream_unavailable"
	typeTimeout             = "timeout"
	typeInternal            = "internal"
)

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// classify maps an error to its HTTP status and envelope. Messages of
// unclassified errors are not exposed.
func classify(err error) (int, apiError) {
	switch {
	case errors.Is(err, query.ErrValidation):
		return http.StatusBadRequest, apiError{typeInvalidRequest, err.Error()}
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, apiError{typeAuthentication, "invalid token"}
	case errors.Is(err, query.ErrNotFound):
		return http.StatusNotFound, apiError{typeNotFound, query.ErrNotFound.Error()}
	case errors.Is(err, query.ErrTranscriptionFailed):
		return http.StatusUnprocessableEntity, apiError{typeTranscriptionFailed, "Could not transcribe audio"}
	case errors.Is(err, query.ErrUpstreamUnavailable):
		return http.StatusBadGateway, apiError{typeUpstreamUnavailable, query.ErrUpstreamUnavailable.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, apiError{typeTimeout, "request timeout"}
	default:
		return http.StatusInternalServerError, apiError{typeInternal, "internal error"}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "httpapi: request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const maxJSONBody = 1 << 20

// decodeJSON strictly decodes a single JSON object from the request body.
// Unknown fields and trailing data are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, query.ErrValidation)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: trailing data: %w", query.ErrValidation)
	}
	return nil
}
