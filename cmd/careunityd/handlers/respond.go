// Package handlers provides the REST API of careunityd.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/careunity/careunity/backend/internal/errors"
	"github.com/careunity/careunity/backend/internal/logging"
)

// maxRequestBytes caps JSON request bodies.
const maxRequestBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    errors.ErrorCode    `json:"code"`
	Message string              `json:"message"`
	Fields  []errors.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError reports err as {"error":{"code","message"}} with the status
// its code maps to. Internal failures are logged and not echoed.
func writeError(w http.ResponseWriter, logger *logging.Logger, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)
	detail := errorDetail{Code: code, Message: err.Error()}

	var appErr *errors.AppError
	var valErr *errors.ValidationError
	switch {
	case errors.As(err, &valErr):
		detail.Message = "validation failed"
		detail.Fields = valErr.Fields
	case errors.As(err, &appErr):
		detail.Message = appErr.Message
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorWithCode("Request failed", string(code), err)
		if code == errors.ErrInternal || code == errors.ErrDatabase {
			detail.Message = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeErrorCode(w http.ResponseWriter, status int, code errors.ErrorCode, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
