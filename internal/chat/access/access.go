// Package access decides whether a principal may subscribe or send to a
// chat-scoped destination.
package access

import (
	"context"
	"log"

	"github.com/louisbranch/parley/internal/chat/destination"
)

// Op identifies the frame kind being authorized.
type Op int

const (
	// OpOther is any frame that is neither a subscribe nor a send.
	OpOther Op = iota
	// OpSubscribe is a subscription request.
	OpSubscribe
	// OpSend is an application send.
	OpSend
)

func (op Op) String() string {
	switch op {
	case OpSubscribe:
		return "subscribe"
	case OpSend:
		return "send"
	default:
		return "other"
	}
}

// Membership reports active chat membership. Satisfied by the storage layer.
type Membership interface {
	IsActiveParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

// Decision is the typed outcome of an authorization check.
type Decision struct {
	Allowed     bool
	ChatID      string
	PrincipalID string
	Reason      string
}

// Gate authorizes frames against chat membership. Membership is consulted
// on every call so revoked participants lose access immediately, not at
// the next reconnect.
type Gate struct {
	membership Membership
}

// NewGate returns a gate backed by the given membership source.
func NewGate(membership Membership) *Gate {
	return &Gate{membership: membership}
}

// Authorize evaluates one frame. Destinations outside the chat-scoped
// forms are allowed so unrelated traffic passes through. Chat-scoped
// subscribes and sends require a principal with an active membership;
// other frame kinds without a principal pass through (heartbeats).
// Personal queues accept subscribes but never client sends: only the
// server's fan-out writes them, so a send would forge addressed events.
//
// The error return reports membership lookup failures only; a denial is a
// Decision, not an error.
func (g *Gate) Authorize(ctx context.Context, principalID, rawDestination string, op Op) (Decision, error) {
	dest := destination.Parse(rawDestination)
	if dest.Kind == destination.KindOther {
		return Decision{Allowed: true, PrincipalID: principalID}, nil
	}
	if dest.Kind == destination.KindQueue {
		if op == OpSend {
			log.Printf("access: denied send by user %q to reserved queue %s", principalID, rawDestination)
			return Decision{PrincipalID: principalID, Reason: "server-reserved destination"}, nil
		}
		return Decision{Allowed: true, PrincipalID: principalID}, nil
	}

	if principalID == "" {
		if op != OpSubscribe && op != OpSend {
			return Decision{Allowed: true, ChatID: dest.ChatID}, nil
		}
		decision := Decision{
			ChatID: dest.ChatID,
			Reason: "missing principal",
		}
		log.Printf("access: denied %s to %s: missing principal", op, rawDestination)
		return decision, nil
	}

	active, err := g.membership.IsActiveParticipant(ctx, dest.ChatID, principalID)
	if err != nil {
		return Decision{}, err
	}
	if !active {
		decision := Decision{
			ChatID:      dest.ChatID,
			PrincipalID: principalID,
			Reason:      "not an active participant",
		}
		log.Printf("access: denied %s by user %s to chat %s (destination %s)", op, principalID, dest.ChatID, rawDestination)
		return decision, nil
	}

	return Decision{Allowed: true, ChatID: dest.ChatID, PrincipalID: principalID}, nil
}
