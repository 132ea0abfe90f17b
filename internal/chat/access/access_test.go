package access

import (
	"context"
	"errors"
	"testing"
)

type fakeMembership struct {
	active map[string]bool
	err    error
	calls  int
}

func (f *fakeMembership) IsActiveParticipant(_ context.Context, chatID, userID string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.active[chatID+"/"+userID], nil
}

func TestAuthorizeAllowsActiveParticipant(t *testing.T) {
	t.Parallel()

	membership := &fakeMembership{active: map[string]bool{"42/user-a": true}}
	gate := NewGate(membership)

	decision, err := gate.Authorize(context.Background(), "user-a", "/topic/chat/42", OpSubscribe)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allow, got %+v", decision)
	}
	if decision.ChatID != "42" {
		t.Fatalf("chat id = %q, want %q", decision.ChatID, "42")
	}
}

func TestAuthorizeDeniesNonMember(t *testing.T) {
	t.Parallel()

	membership := &fakeMembership{active: map[string]bool{}}
	gate := NewGate(membership)

	decision, err := gate.Authorize(context.Background(), "user-b", "/app/chat/42/sendMessage", OpSend)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected deny for non-member send")
	}
	if decision.ChatID != "42" || decision.PrincipalID != "user-b" {
		t.Fatalf("denial context = %+v", decision)
	}
	if decision.Reason == "" {
		t.Fatal("expected a denial reason")
	}
}

func TestAuthorizeDeniesSendToPersonalQueue(t *testing.T) {
	t.Parallel()

	membership := &fakeMembership{active: map[string]bool{"42/user-a": true}}
	gate := NewGate(membership)

	decision, err := gate.Authorize(context.Background(), "user-a", "/queue/notifications", OpSend)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected deny: queue frames come from the server fan-out only")
	}
	if decision.Reason == "" {
		t.Fatal("expected a denial reason")
	}
	if membership.calls != 0 {
		t.Fatalf("membership consulted %d times, want 0", membership.calls)
	}
}

func TestAuthorizeAllowsSubscribeToPersonalQueue(t *testing.T) {
	t.Parallel()

	gate := NewGate(&fakeMembership{})

	decision, err := gate.Authorize(context.Background(), "user-a", "/queue/history", OpSubscribe)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allow for queue subscribe, got %+v", decision)
	}
}

func TestAuthorizeDeniesMissingPrincipalOnChatTraffic(t *testing.T) {
	t.Parallel()

	membership := &fakeMembership{active: map[string]bool{}}
	gate := NewGate(membership)

	for _, op := range []Op{OpSubscribe, OpSend} {
		decision, err := gate.Authorize(context.Background(), "", "/topic/chat/42", op)
		if err != nil {
			t.Fatalf("authorize %s: %v", op, err)
		}
		if decision.Allowed {
			t.Fatalf("expected deny for anonymous %s", op)
		}
	}
	if membership.calls != 0 {
		t.Fatalf("membership should not be consulted without a principal, got %d calls", membership.calls)
	}
}

func TestAuthorizeAnonymousNonChatFramePassesThrough(t *testing.T) {
	t.Parallel()

	gate := NewGate(&fakeMembership{})

	decision, err := gate.Authorize(context.Background(), "", "/topic/chat/42", OpOther)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected anonymous non-subscribe frame to pass through, got %+v", decision)
	}
}

func TestAuthorizeUnscopedDestinationPassesThrough(t *testing.T) {
	t.Parallel()

	membership := &fakeMembership{}
	gate := NewGate(membership)

	decision, err := gate.Authorize(context.Background(), "user-a", "/queue/notifications", OpSubscribe)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected pass-through, got %+v", decision)
	}
	if membership.calls != 0 {
		t.Fatalf("membership should not be consulted for unscoped destinations, got %d calls", membership.calls)
	}
}

func TestAuthorizePropagatesMembershipError(t *testing.T) {
	t.Parallel()

	lookupErr := errors.New("storage down")
	gate := NewGate(&fakeMembership{err: lookupErr})

	if _, err := gate.Authorize(context.Background(), "user-a", "/topic/chat/42", OpSubscribe); !errors.Is(err, lookupErr) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}
