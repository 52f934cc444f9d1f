// Package api provides HTTP handlers for the gateway API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/wa-gateway/internal/service"
)

// defaultMaxRequestBodySize caps JSON request bodies (1MB).
const defaultMaxRequestBodySize = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorCode writes a JSON error response carrying a condition code.
func ErrorCode(w http.ResponseWriter, code service.Code, message string) {
	JSON(w, StatusFor(code), map[string]string{"error": message, "code": string(code)})
}

// StatusFor maps a condition code to its HTTP status.
func StatusFor(code service.Code) int {
	switch code {
	case service.CodeInvalidInput:
		return http.StatusBadRequest
	case service.CodeAuthRequired:
		return http.StatusUnauthorized
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeAlreadyConnected, service.CodeSessionFailed:
		return http.StatusConflict
	case service.CodeRateLimited:
		return http.StatusTooManyRequests
	case service.CodeNotReady:
		return http.StatusServiceUnavailable
	case service.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// serviceError writes err using its condition code. Internal causes are
// logged, never returned.
func serviceError(w http.ResponseWriter, r *http.Request, err error) {
	code := service.CodeOf(err)
	if code == service.CodeInternal {
		slog.Error("Request failed", "path", r.URL.Path, "error", err)
	}
	ErrorCode(w, code, service.MessageOf(err))
}

// decodeJSON reads a bounded JSON body into v. It writes the error response
// itself and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBody int64, v any) bool {
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			JSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large", "code": string(service.CodeInvalidInput)})
			return false
		}
		ErrorCode(w, service.CodeInvalidInput, "invalid request body")
		return false
	}
	return true
}

// queryInt parses a non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
