package fetch

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		want       bool
	}{
		{"client errors not retried", ErrorClassClient, false},
		{"server errors retried", ErrorClassServer, true},
		{"rate limit retried", ErrorClassRateLimit, true},
		{"network errors retried", ErrorClassNetwork, true},
		{"cancelled not retried", ErrorClassCancelled, false},
		{"unknown not retried", ErrorClass(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetry(tt.errorClass); got != tt.want {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{200, ""},
		{206, ""},
		{304, ""},
		{404, ErrorClassClient},
		{416, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestTransportError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *TransportError
		want string
	}{
		{
			name: "status only",
			err:  &TransportError{StatusCode: 503, Class: ErrorClassServer, Message: "503 Service Unavailable"},
			want: "fetch server error (status 503): 503 Service Unavailable",
		},
		{
			name: "with wrapped error",
			err:  &TransportError{Class: ErrorClassNetwork, Message: "request failed", Err: errors.New("connection refused")},
			want: "fetch network error (status 0): request failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	inner := errors.New("reset by peer")
	err := fmt.Errorf("load window: %w", &TransportError{Class: ErrorClassNetwork, Err: inner})

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}
	if got := ClassOf(err); got != ErrorClassNetwork {
		t.Errorf("ClassOf = %q, want %q", got, ErrorClassNetwork)
	}
	if got := ClassOf(errors.New("plain")); got != "" {
		t.Errorf("ClassOf(plain) = %q, want empty", got)
	}
	if !strings.Contains(err.Error(), "reset by peer") {
		t.Errorf("Error() = %q, want wrapped message", err.Error())
	}
}
