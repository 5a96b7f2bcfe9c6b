package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"testing"
)

func TestSyncError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *SyncError
		expected string
	}{
		{
			name:     "with status",
			err:      &SyncError{Type: ErrorTypeValidation, Message: "reason is required", StatusCode: 422},
			expected: "validation_error (422): reason is required",
		},
		{
			name:     "without status",
			err:      &SyncError{Type: ErrorTypeNetwork, Message: "dial failed"},
			expected: "network_error: dial failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSyncError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewNetworkError("primary api unreachable", inner)
	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}
}

func TestSyncError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		err  *SyncError
		want int
	}{
		{NewNetworkError("x", nil), http.StatusServiceUnavailable},
		{NewValidationError(0, "x", nil), http.StatusUnprocessableEntity},
		{NewValidationError(http.StatusBadRequest, "x", nil), http.StatusBadRequest},
		{NewAuthenticationError(http.StatusForbidden, "x"), http.StatusForbidden},
		{NewNotFoundError("x"), http.StatusNotFound},
		{NewServerError(0, "x", nil), http.StatusBadGateway},
		{NewSerializationError("x", nil), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.err.Type), func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSyncError_ToJSON(t *testing.T) {
	err := NewValidationError(422, "invalid", map[string][]string{"reason": {"required"}})
	body, ok := err.ToJSON()["error"].(map[string]interface{})
	if !ok {
		t.Fatal("expected error object")
	}
	if body["type"] != ErrorTypeValidation || body["message"] != "invalid" {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["errors"]; !ok {
		t.Error("expected field errors")
	}

	plain := NewNotFoundError("gone").ToJSON()["error"].(map[string]interface{})
	if _, ok := plain["errors"]; ok {
		t.Error("errors key should be omitted when there are no field errors")
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantType    ErrorType
		wantMessage string
	}{
		{"unauthorized", 401, `{"message":"Unauthenticated."}`, ErrorTypeAuthentication, "Unauthenticated."},
		{"forbidden", 403, ``, ErrorTypeAuthentication, "Forbidden"},
		{"not found", 404, `{"message":"Road not found"}`, ErrorTypeNotFound, "Road not found"},
		{"laravel validation", 422, `{"message":"The reason field is required.","errors":{"reason":["The reason field is required."]}}`, ErrorTypeValidation, "The reason field is required."},
		{"nested message", 400, `{"error":{"message":"bad target"}}`, ErrorTypeValidation, "bad target"},
		{"server", 500, `Internal Server Error`, ErrorTypeServer, "Internal Server Error"},
		{"bad gateway", 502, ``, ErrorTypeServer, "Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyHTTPStatus(tt.status, []byte(tt.body))
			if err.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", err.Type, tt.wantType)
			}
			if err.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", err.Message, tt.wantMessage)
			}
			if err.HTTPStatusCode() != tt.status {
				t.Errorf("HTTPStatusCode() = %d, want %d", err.HTTPStatusCode(), tt.status)
			}
		})
	}

	err := ClassifyHTTPStatus(422, []byte(`{"errors":{"date":["bad format","too old"]}}`))
	if got := err.Fields["date"]; len(got) != 2 {
		t.Errorf("Fields[date] = %v, want two messages", got)
	}
}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network sync error", NewNetworkError("down", nil), true},
		{"validation sync error", NewValidationError(422, "bad", nil), false},
		{"server error wrapping refused", NewServerError(0, "x", syscall.ECONNREFUSED), true},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), true},
		{"refused", syscall.ECONNREFUSED, true},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("eof")}, true},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("no route")}, true},
		{"plain", errors.New("boom"), false},
		{"invalid argument", ErrInvalidArgument, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNetworkError(tt.err); got != tt.want {
				t.Errorf("IsNetworkError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorTypeOf(t *testing.T) {
	if got := ErrorTypeOf(fmt.Errorf("wrap: %w", NewNotFoundError("x"))); got != ErrorTypeNotFound {
		t.Errorf("ErrorTypeOf() = %q", got)
	}
	if got := ErrorTypeOf(errors.New("x")); got != "" {
		t.Errorf("ErrorTypeOf(plain) = %q, want empty", got)
	}
}
