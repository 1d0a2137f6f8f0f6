// Package httpx renders the JSON envelope shared by every endpoint.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"account-service/internal/apperr"
	"account-service/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Response struct {
	StatusCode int    `json:"statusCode"`
	Data       any    `json:"data"`
	Message    string `json:"message"`
	Success    bool   `json:"success"`
}

type ErrorResponse struct {
	StatusCode int      `json:"statusCode"`
	Message    string   `json:"message"`
	Errors     []string `json:"errors"`
	Success    bool     `json:"success"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func Respond(w http.ResponseWriter, status int, data any, message string) {
	if message == "" {
		message = "Successful response"
	}
	WriteJSON(w, status, Response{
		StatusCode: status,
		Data:       data,
		Message:    message,
		Success:    status < http.StatusBadRequest,
	})
}

// Fail renders err. Internal errors are logged, reported to Sentry and
// answered with a generic message.
func Fail(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal("something went wrong", err)
	}

	status := appErr.Kind.Status()
	message := appErr.Message
	if appErr.Kind == apperr.KindInternal {
		if logger != nil {
			logger.Error("request_failed", map[string]any{
				"error":      err.Error(),
				"path":       r.URL.Path,
				"request_id": observability.RequestIDFromContext(r.Context()),
			})
		}
		observability.CaptureError(err, map[string]string{
			"path":       r.URL.Path,
			"request_id": observability.RequestIDFromContext(r.Context()),
		})
		message = "something went wrong"
	}

	details := appErr.Details
	if details == nil {
		details = []string{}
	}

	WriteJSON(w, status, ErrorResponse{
		StatusCode: status,
		Message:    message,
		Errors:     details,
		Success:    false,
	})
}

// DecodeJSON reads a bounded body into dst and rejects unknown fields.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return apperr.BadRequest("invalid json body")
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
