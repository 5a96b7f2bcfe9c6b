// Package core provides the domain types and error taxonomy shared by the
// cache, queue, sync engine and datasource packages.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/tidwall/gjson"
)

// ErrorType represents the class of an upstream failure.
type ErrorType string

const (
	// ErrorTypeNetwork indicates the upstream could not be reached at all.
	ErrorTypeNetwork ErrorType = "network_error"
	// ErrorTypeValidation indicates the upstream rejected the payload (4xx, 422)
	ErrorTypeValidation ErrorType = "validation_error"
	// ErrorTypeAuthentication indicates missing or rejected credentials (401/403)
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeNotFound indicates the referenced resource does not exist (404)
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeServer indicates an upstream 5xx
	ErrorTypeServer ErrorType = "server_error"
	// ErrorTypeSerialization indicates a payload that could not be encoded or decoded
	ErrorTypeSerialization ErrorType = "serialization_error"
)

// ErrInvalidArgument marks programmer errors such as an empty cache key.
var ErrInvalidArgument = errors.New("invalid argument")

// SyncError is the error type returned by upstream clients.
type SyncError struct {
	Type       ErrorType           `json:"type"`
	Message    string              `json:"message"`
	StatusCode int                 `json:"status_code,omitempty"`
	Fields     map[string][]string `json:"errors,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *SyncError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status code to report for this error.
func (e *SyncError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusUnprocessableEntity
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeNetwork:
		return http.StatusServiceUnavailable
	case ErrorTypeServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *SyncError) ToJSON() map[string]interface{} {
	body := map[string]interface{}{
		"type":    e.Type,
		"message": e.Message,
	}
	if len(e.Fields) > 0 {
		body["errors"] = e.Fields
	}
	return map[string]interface{}{"error": body}
}

// NewNetworkError creates a reachability error.
func NewNetworkError(message string, err error) *SyncError {
	return &SyncError{Type: ErrorTypeNetwork, Message: message, Err: err}
}

// NewValidationError creates a validation error (422 unless status says otherwise).
func NewValidationError(statusCode int, message string, fields map[string][]string) *SyncError {
	return &SyncError{Type: ErrorTypeValidation, Message: message, StatusCode: statusCode, Fields: fields}
}

// NewAuthenticationError creates an authentication error (401/403)
func NewAuthenticationError(statusCode int, message string) *SyncError {
	return &SyncError{Type: ErrorTypeAuthentication, Message: message, StatusCode: statusCode}
}

// NewNotFoundError creates a not found error (404)
func NewNotFoundError(message string) *SyncError {
	return &SyncError{Type: ErrorTypeNotFound, Message: message, StatusCode: http.StatusNotFound}
}

// NewServerError creates an upstream server error.
func NewServerError(statusCode int, message string, err error) *SyncError {
	return &SyncError{Type: ErrorTypeServer, Message: message, StatusCode: statusCode, Err: err}
}

// NewSerializationError creates an encode/decode error.
func NewSerializationError(message string, err error) *SyncError {
	return &SyncError{Type: ErrorTypeSerialization, Message: message, Err: err}
}

// ClassifyHTTPStatus maps a non-2xx upstream response to a SyncError.
// Laravel bodies of the form {"message": "...", "errors": {"field": ["..."]}}
// are unpacked into Message and Fields.
func ClassifyHTTPStatus(statusCode int, body []byte) *SyncError {
	message := http.StatusText(statusCode)
	var fields map[string][]string
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if m := parsed.Get("message"); m.Exists() && m.String() != "" {
			message = m.String()
		} else if m := parsed.Get("error.message"); m.Exists() && m.String() != "" {
			message = m.String()
		}
		if errs := parsed.Get("errors"); errs.IsObject() {
			fields = make(map[string][]string)
			errs.ForEach(func(key, value gjson.Result) bool {
				for _, item := range value.Array() {
					fields[key.String()] = append(fields[key.String()], item.String())
				}
				return true
			})
		}
	} else if len(body) > 0 {
		message = string(body)
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewAuthenticationError(statusCode, message)
	case statusCode == http.StatusNotFound:
		return NewNotFoundError(message)
	case statusCode >= 400 && statusCode < 500:
		return NewValidationError(statusCode, message, fields)
	default:
		return NewServerError(statusCode, message, nil)
	}
}

// IsNetworkError reports whether err means the upstream was unreachable.
// Only these failures are eligible for offline queueing or stale fallback.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		if syncErr.Type == ErrorTypeNetwork {
			return true
		}
		if syncErr.Err == nil {
			return false
		}
		err = syncErr.Err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// ErrorTypeOf returns the SyncError type of err, or "" when err is not a SyncError.
func ErrorTypeOf(err error) ErrorType {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Type
	}
	return ""
}
