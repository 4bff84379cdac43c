// Package api provides HTTP API utilities including standardized error handling.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/subcults/pds/internal/middleware"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeForbidden indicates the request is forbidden.
	ErrCodeForbidden = "forbidden"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeInvalidCID indicates a CID string failed to parse or did not
	// carry the expected CIDv1/dag-cbor/sha2-256 prefix.
	ErrCodeInvalidCID = "invalid_cid"

	// ErrCodeRecordNotFound indicates the requested (collection, rkey) is
	// absent from the repository's current MST.
	ErrCodeRecordNotFound = "record_not_found"

	// ErrCodeRepoNotFound indicates the requested DID has no repository
	// (no commits have ever been written for it).
	ErrCodeRepoNotFound = "repo_not_found"

	// ErrCodeBadSignature indicates a commit's signature failed to verify
	// against its claimed signing key.
	ErrCodeBadSignature = "bad_signature"

	// ErrCodeInvalidDID indicates a did string failed identity.DID
	// validation.
	ErrCodeInvalidDID = "invalid_did"

	// ErrCodeInvalidCollection indicates a collection NSID failed
	// identity.Collection validation.
	ErrCodeInvalidCollection = "invalid_collection"

	// ErrCodeInvalidRkey indicates a record key failed identity.Rkey
	// validation.
	ErrCodeInvalidRkey = "invalid_rkey"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response.
// It writes the appropriate HTTP status code and returns a JSON error body.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// The error_code will be automatically logged by the logging middleware
// for all 4xx and 5xx responses if you call SetErrorCode on the context
// and pass the updated context to WriteError.
//
// Example:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeRecordNotFound)
//	WriteError(w, ctx, http.StatusNotFound, api.ErrCodeRecordNotFound, "record not found")
//
// Or in a handler with middleware:
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeRecordNotFound)
//	    api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeRecordNotFound, "record not found")
//	}
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	// Update the context in the response writer if supported (for logging middleware)
	middleware.UpdateResponseContext(w, ctx)

	// Create error response
	errResp := ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}

	// Marshal to JSON
	data, err := json.Marshal(errResp)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	// Write response
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
// This is a convenience function to map error codes to HTTP status codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeBadRequest, ErrCodeInvalidCID, ErrCodeInvalidDID, ErrCodeInvalidCollection, ErrCodeInvalidRkey:
		return http.StatusBadRequest
	case ErrCodeRecordNotFound, ErrCodeRepoNotFound:
		return http.StatusNotFound
	case ErrCodeBadSignature:
		return http.StatusUnauthorized
	case ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
