package requestctx

import (
	"context"
	"testing"
)

func TestUserIDRoundTrip(t *testing.T) {
	ctx := WithUserID(context.Background(), "user-1")
	if got := UserID(ctx); got != "user-1" {
		t.Fatalf("UserID() = %q, want %q", got, "user-1")
	}
}

func TestUserIDAnonymous(t *testing.T) {
	if got := UserID(context.Background()); got != "" {
		t.Fatalf("UserID() = %q, want empty for anonymous requests", got)
	}
}

func TestUserIDNilContext(t *testing.T) {
	if got := UserID(nil); got != "" {
		t.Fatalf("UserID(nil) = %q, want empty", got)
	}
}
