// Package destination parses pub/sub destination addresses into typed forms.
package destination

import "strings"

const (
	topicPrefix = "/topic/chat/"
	appPrefix   = "/app/chat/"
	queuePrefix = "/queue/"
)

// Kind classifies a destination address.
type Kind int

const (
	// KindOther is any address outside the chat-scoped forms.
	KindOther Kind = iota
	// KindTopic is a chat broadcast topic.
	KindTopic
	// KindAppSend is an application send path scoped to a chat.
	KindAppSend
	// KindQueue is a personal addressed queue. Queues are written by the
	// server's fan-out only; clients subscribe them but never send to them.
	KindQueue
)

// Destination is a parsed address. ChatID is set for KindTopic and
// KindAppSend; Action carries the trailing path of an application send.
type Destination struct {
	Kind   Kind
	ChatID string
	Action string
	Raw    string
}

// Topic returns the broadcast topic address for a chat.
func Topic(chatID string) string {
	return topicPrefix + chatID
}

// AppSend returns the application send address for a chat action.
func AppSend(chatID, action string) string {
	if action == "" {
		return appPrefix + chatID
	}
	return appPrefix + chatID + "/" + action
}

// Parse classifies a raw destination address. Addresses outside the
// chat-scoped and queue forms parse as KindOther so non-chat traffic
// passes through untouched.
func Parse(raw string) Destination {
	if strings.HasPrefix(raw, queuePrefix) {
		return Destination{Kind: KindQueue, Raw: raw}
	}
	if rest, ok := strings.CutPrefix(raw, topicPrefix); ok {
		if rest != "" && !strings.Contains(rest, "/") {
			return Destination{Kind: KindTopic, ChatID: rest, Raw: raw}
		}
		return Destination{Kind: KindOther, Raw: raw}
	}
	if rest, ok := strings.CutPrefix(raw, appPrefix); ok {
		chatID, action, _ := strings.Cut(rest, "/")
		if chatID != "" {
			return Destination{Kind: KindAppSend, ChatID: chatID, Action: action, Raw: raw}
		}
	}
	return Destination{Kind: KindOther, Raw: raw}
}
