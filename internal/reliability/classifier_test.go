package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestTransportClassification(t *testing.T) {
	refused := &url.Error{Op: "Post", URL: "http://127.0.0.1:1/img", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	cases := []struct {
		name      string
		err       error
		cause     string
		retryable bool
	}{
		{"canceled", fmt.Errorf("send: %w", context.Canceled), "canceled", false},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), "timeout", true},
		{"refused", refused, "connect", true},
		{"other", errors.New("boom"), "boom", false},
	}
	for _, tc := range cases {
		if got := TransportCause(tc.err); got != tc.cause {
			t.Fatalf("%s: TransportCause() = %q, want %q", tc.name, got, tc.cause)
		}
		if got := IsRetryableTransportError(tc.err); got != tc.retryable {
			t.Fatalf("%s: IsRetryableTransportError() = %v, want %v", tc.name, got, tc.retryable)
		}
	}
	if TransportCause(nil) != "" || IsRetryableTransportError(nil) {
		t.Fatalf("nil error should classify as empty and not retryable")
	}
}
