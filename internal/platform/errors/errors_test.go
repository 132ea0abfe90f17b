package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeAccessDenied, "membership check failed")
	if !errors.Is(err, New(CodeAccessDenied, "different message")) {
		t.Fatal("expected code match")
	}
	if errors.Is(err, New(CodeNotFound, "membership check failed")) {
		t.Fatal("expected code mismatch")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("row not found")
	err := Wrap(CodeNotFound, "chat lookup failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected unwrap to reach cause")
	}
	if err.Error() != "chat lookup failed" {
		t.Fatalf("message = %q, want %q", err.Error(), "chat lookup failed")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Fatalf("CodeOf(nil) = %q, want empty", got)
	}
	if got := CodeOf(New(CodeInvalidFrame, "bad destination")); got != CodeInvalidFrame {
		t.Fatalf("CodeOf = %q, want %q", got, CodeInvalidFrame)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf = %q, want %q", got, CodeUnknown)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeAccessDenied, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeInvalidFrame, http.StatusBadRequest},
		{CodeInvalidArgument, http.StatusBadRequest},
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := New(tc.code, "x").HTTPStatus(); got != tc.want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
