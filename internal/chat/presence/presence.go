// Package presence tracks which users hold live chat subscriptions.
//
// The registry is memory resident and volatile: state is rebuilt from
// client reconnects after a restart. All operations are safe for
// concurrent use from independent connections and never fail; operations
// on unknown identifiers are no-ops because disconnect races are expected.
package presence

import (
	"sort"
	"sync"
)

// Departure reports a user going offline in a chat as part of a disconnect.
type Departure struct {
	ChatID string
	UserID string
}

// conn holds the registry's view of one transport connection. The closed
// flag makes Disconnect authoritative: a Subscribe racing a Disconnect on
// the same connection observes closed and becomes a no-op instead of
// resurrecting a subscription.
type conn struct {
	mu     sync.Mutex
	userID string
	chats  map[string]struct{}
	closed bool
}

// chatPresence counts live subscriptions per user for one chat. A user is
// online in the chat while their count is positive, so multiple devices
// count down rather than toggling presence per connection.
type chatPresence struct {
	mu    sync.Mutex
	users map[string]int
}

// Registry maps connections to users and chats. Connections and chats are
// held in independent concurrent maps; unrelated chats never contend on a
// shared lock. Lock ordering is conn before chat.
type Registry struct {
	conns sync.Map // connID -> *conn
	chats sync.Map // chatID -> *chatPresence
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Connect records the connection to user mapping. Calling it again with
// the same pair is a no-op; a connection's user is set once.
func (r *Registry) Connect(connID, userID string) {
	if connID == "" {
		return
	}
	c := r.getOrCreateConn(connID)
	c.mu.Lock()
	if !c.closed && c.userID == "" {
		c.userID = userID
	}
	c.mu.Unlock()
}

// Subscribe records a (connection, chat) subscription, implicitly
// connecting when needed. It reports whether the user came online in the
// chat, meaning this was the user's first live subscription to it.
func (r *Registry) Subscribe(connID, chatID, userID string) (cameOnline bool) {
	if connID == "" || chatID == "" {
		return false
	}
	return r.subscribe(r.getOrCreateConn(connID), chatID, userID)
}

func (r *Registry) subscribe(c *conn, chatID, userID string) (cameOnline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.userID == "" {
		c.userID = userID
	}
	if c.userID == "" {
		return false
	}
	if _, ok := c.chats[chatID]; ok {
		return false
	}
	if c.chats == nil {
		c.chats = make(map[string]struct{})
	}
	c.chats[chatID] = struct{}{}
	return r.addChatUser(chatID, c.userID)
}

// Unsubscribe drops a (connection, chat) subscription. It returns the
// connection's user and whether the user went offline in the chat, meaning
// this was their last live subscription to it.
func (r *Registry) Unsubscribe(connID, chatID string) (userID string, wentOffline bool) {
	value, ok := r.conns.Load(connID)
	if !ok {
		return "", false
	}
	c := value.(*conn)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", false
	}
	if _, ok := c.chats[chatID]; !ok {
		return "", false
	}
	delete(c.chats, chatID)
	return c.userID, r.dropChatUser(chatID, c.userID)
}

// Disconnect removes all of the connection's subscriptions in one atomic
// step with respect to concurrent Subscribe calls on the same connection,
// and returns the chats where the user went offline. The connection id is
// retired: the emptied entry stays in the map as a tombstone, so a late
// Subscribe on the id stays a no-op instead of recreating state no
// disconnect would clean. Ids are minted per connection and never reused,
// which keeps the tombstones inert.
func (r *Registry) Disconnect(connID string) []Departure {
	value, ok := r.conns.Load(connID)
	if !ok {
		return nil
	}
	c := value.(*conn)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var departures []Departure
	for chatID := range c.chats {
		if r.dropChatUser(chatID, c.userID) {
			departures = append(departures, Departure{ChatID: chatID, UserID: c.userID})
		}
	}
	c.chats = nil
	c.userID = ""

	sort.Slice(departures, func(i, j int) bool { return departures[i].ChatID < departures[j].ChatID })
	return departures
}

// OnlineUsers returns a point-in-time snapshot of the users online in a
// chat. The set may be stale the moment it is returned.
func (r *Registry) OnlineUsers(chatID string) []string {
	value, ok := r.chats.Load(chatID)
	if !ok {
		return nil
	}
	cp := value.(*chatPresence)
	cp.mu.Lock()
	users := make([]string, 0, len(cp.users))
	for userID := range cp.users {
		users = append(users, userID)
	}
	cp.mu.Unlock()
	sort.Strings(users)
	return users
}

// UserID returns the user associated with a connection, if any.
func (r *Registry) UserID(connID string) string {
	value, ok := r.conns.Load(connID)
	if !ok {
		return ""
	}
	c := value.(*conn)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ""
	}
	return c.userID
}

func (r *Registry) getOrCreateConn(connID string) *conn {
	if value, ok := r.conns.Load(connID); ok {
		return value.(*conn)
	}
	value, _ := r.conns.LoadOrStore(connID, &conn{})
	return value.(*conn)
}

// addChatUser increments the user's subscription count for a chat and
// reports the zero to one transition. Caller holds the conn lock.
func (r *Registry) addChatUser(chatID, userID string) bool {
	value, ok := r.chats.Load(chatID)
	if !ok {
		value, _ = r.chats.LoadOrStore(chatID, &chatPresence{})
	}
	cp := value.(*chatPresence)
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.users == nil {
		cp.users = make(map[string]int)
	}
	cp.users[userID]++
	return cp.users[userID] == 1
}

// dropChatUser decrements the user's subscription count for a chat and
// reports the one to zero transition. Caller holds the conn lock.
func (r *Registry) dropChatUser(chatID, userID string) bool {
	value, ok := r.chats.Load(chatID)
	if !ok {
		return false
	}
	cp := value.(*chatPresence)
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.users[userID] == 0 {
		return false
	}
	cp.users[userID]--
	if cp.users[userID] > 0 {
		return false
	}
	delete(cp.users, userID)
	return true
}
