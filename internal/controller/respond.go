package controller

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	appErrors "github.com/unclebandit/followup/internal/errors"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto an HTTP status and the JSON error envelope.
// Anything not recognised is a 500 and its detail stays in the log.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var (
		verr *appErrors.ValidationError
		nerr *appErrors.NotFoundError
		cerr *appErrors.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{errorDetail{Code: "validation_error", Message: verr.Message, Field: verr.Field}})
	case errors.As(err, &nerr):
		writeJSON(w, http.StatusNotFound, errorBody{errorDetail{Code: "not_found", Message: nerr.Error()}})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusConflict, errorBody{errorDetail{Code: "conflict", Message: cerr.Message}})
	default:
		if log != nil {
			log.ErrorContext(r.Context(), "request failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{errorDetail{Code: "internal", Message: "internal error"}})
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return appErrors.NewValidation("body", "invalid request body: %v", err)
	}
	return nil
}
