package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/parley/internal/platform/timeouts"
)

// peerSendQueueSize bounds the per-connection backlog. A full queue means
// the peer stopped draining; frames to it are dropped rather than holding
// up fan-out for everyone else.
const peerSendQueueSize = 64

type wsPeer struct {
	userID    string
	conn      *websocket.Conn
	sendq     chan wsFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newWSPeer(conn *websocket.Conn, userID string) *wsPeer {
	p := &wsPeer{
		userID: userID,
		conn:   conn,
		sendq:  make(chan wsFrame, peerSendQueueSize),
		done:   make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// writeLoop is the only goroutine that writes to the socket.
func (p *wsPeer) writeLoop() {
	encoder := json.NewEncoder(p.conn)
	for {
		select {
		case frame := <-p.sendq:
			_ = p.conn.SetWriteDeadline(time.Now().Add(timeouts.WebSocketWrite))
			if err := encoder.Encode(frame); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// send enqueues a frame without blocking.
func (p *wsPeer) send(frame wsFrame) {
	select {
	case <-p.done:
	case p.sendq <- frame:
	default:
		log.Printf("chat: dropping frame for stalled peer user=%q destination=%q", p.userID, frame.Destination)
	}
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// broker routes server frames to topic subscribers and per-user queues.
// It holds no references into the domain layer; the dispatcher reaches it
// only through the notify.Broker interface.
type broker struct {
	mu     sync.Mutex
	topics map[string]map[*wsPeer]struct{}
	users  map[string]map[*wsPeer]struct{}
	peers  map[*wsPeer]map[string]struct{}
}

func newBroker() *broker {
	return &broker{
		topics: make(map[string]map[*wsPeer]struct{}),
		users:  make(map[string]map[*wsPeer]struct{}),
		peers:  make(map[*wsPeer]map[string]struct{}),
	}
}

func (b *broker) register(peer *wsPeer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.peers[peer] = make(map[string]struct{})
	if peer.userID == "" {
		return
	}
	set, ok := b.users[peer.userID]
	if !ok {
		set = make(map[*wsPeer]struct{})
		b.users[peer.userID] = set
	}
	set[peer] = struct{}{}
}

func (b *broker) subscribe(peer *wsPeer, dest string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	destinations, ok := b.peers[peer]
	if !ok {
		return
	}
	destinations[dest] = struct{}{}

	set, ok := b.topics[dest]
	if !ok {
		set = make(map[*wsPeer]struct{})
		b.topics[dest] = set
	}
	set[peer] = struct{}{}
}

func (b *broker) unsubscribe(peer *wsPeer, dest string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if destinations, ok := b.peers[peer]; ok {
		delete(destinations, dest)
	}
	b.dropFromTopic(peer, dest)
}

func (b *broker) drop(peer *wsPeer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for dest := range b.peers[peer] {
		b.dropFromTopic(peer, dest)
	}
	delete(b.peers, peer)

	if peer.userID == "" {
		return
	}
	if set, ok := b.users[peer.userID]; ok {
		delete(set, peer)
		if len(set) == 0 {
			delete(b.users, peer.userID)
		}
	}
}

// dropFromTopic requires b.mu.
func (b *broker) dropFromTopic(peer *wsPeer, dest string) {
	set, ok := b.topics[dest]
	if !ok {
		return
	}
	delete(set, peer)
	if len(set) == 0 {
		delete(b.topics, dest)
	}
}

// Broadcast delivers the payload to every subscriber of the topic. The
// subscriber snapshot is taken under the lock; enqueueing happens outside
// it, so a stalled socket never blocks the registry.
func (b *broker) Broadcast(topic string, payload any) {
	frame := wsFrame{Command: commandMessage, Destination: topic, Payload: mustJSON(payload)}

	b.mu.Lock()
	subscribers := make([]*wsPeer, 0, len(b.topics[topic]))
	for peer := range b.topics[topic] {
		subscribers = append(subscribers, peer)
	}
	b.mu.Unlock()

	for _, peer := range subscribers {
		peer.send(frame)
	}
}

// SendToUser delivers the payload to the user's connections that
// subscribed the queue destination. An unknown user is a no-op.
func (b *broker) SendToUser(userID, queue string, payload any) {
	frame := wsFrame{Command: commandMessage, Destination: queue, Payload: mustJSON(payload)}

	b.mu.Lock()
	recipients := make([]*wsPeer, 0, len(b.users[userID]))
	for peer := range b.users[userID] {
		if _, ok := b.peers[peer][queue]; ok {
			recipients = append(recipients, peer)
		}
	}
	b.mu.Unlock()

	for _, peer := range recipients {
		peer.send(frame)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
