// Package broker routes ephemeral payloads between connected websocket
// clients. Topics are plain strings; the server uses call:<id> for per-call
// signal traffic and inbox:<user> for invitation delivery. Nothing here is
// persisted: a payload published to a topic with no subscriber is gone.
package broker

import (
	"sync"

	"github.com/gorilla/websocket"
)

const sendBuffer = 64

// Client is one websocket connection known to the hub. The conn is owned by
// the transport goroutines; the hub only closes it to shed a slow consumer.
type Client struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte

	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
	}
}

func (c *Client) UserID() string { return c.userID }

// Send queues a payload for this client alone, bypassing topic routing.
// Reports false when the client's buffer is full or it was dropped.
func (c *Client) Send(payload []byte) bool {
	return c.trySend(payload)
}

// Outbound is the channel the connection's write loop drains. It is closed
// when the client is dropped from the hub.
func (c *Client) Outbound() <-chan []byte { return c.send }

func (c *Client) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]map[*Client]struct{}),
	}
}

// Subscribe adds the client to a topic. Subscribing twice is a no-op.
func (h *Hub) Subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
}

// Unsubscribe removes the client from a topic without touching its
// connection.
func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, topic)
}

// Drop removes the client from every topic and closes its send channel.
// Safe to call more than once.
func (h *Hub) Drop(c *Client) {
	h.mu.Lock()
	for topic := range h.topics {
		h.removeLocked(c, topic)
	}
	h.mu.Unlock()
	c.closeSend()
}

func (h *Hub) removeLocked(c *Client, topic string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// Publish fans the payload out to every subscriber of the topic except the
// sender. A subscriber whose buffer is full gets its connection closed
// instead of blocking the publisher. Returns the number of deliveries.
func (h *Hub) Publish(topic string, payload []byte, exclude *Client) int {
	h.mu.Lock()
	targets := make([]*Client, 0, 2)
	for c := range h.topics[topic] {
		if c == exclude {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if c.trySend(payload) {
			delivered++
		} else {
			c.closeConn()
		}
	}
	return delivered
}

// Subscribers reports how many clients are on a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}
