package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mpetrov/chatline/internal/broker"
	"github.com/mpetrov/chatline/internal/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second

	inboxTopic      = "inbox"
	callTopicPrefix = "call:"
)

// HandleWebSocket upgrades the connection and serves the signal relay until
// the client goes away. One connection can hold an inbox subscription plus
// any number of per-call subscriptions.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	uid := userID(c)

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "user_id", uid, "error", err)
		return
	}

	session := &wsSession{
		h:       h,
		client:  broker.NewClient(conn, uid),
		conn:    conn,
		userID:  uid,
		watches: make(map[string]func()),
	}
	h.log.Debug("ws connected", "user_id", uid, "ip", c.ClientIP())

	go session.writePump()
	session.readPump()
}

type wsSession struct {
	h      *Handlers
	client *broker.Client
	conn   *websocket.Conn
	userID string

	mu      sync.Mutex
	watches map[string]func() // topic -> store watch cancel
}

func (s *wsSession) readPump() {
	defer func() {
		s.h.log.Debug("ws disconnect", "user_id", s.userID)
		_ = s.conn.Close()
		s.cancelWatches()
		s.h.hub.Drop(s.client)
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame models.ClientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.sendError("bad frame")
			continue
		}

		switch frame.Action {
		case models.ActionSubscribe:
			s.subscribe(frame.Topic)
		case models.ActionUnsubscribe:
			s.unsubscribe(frame.Topic)
		case models.ActionPublish:
			s.publish(frame)
		default:
			s.sendError("unknown action " + frame.Action)
		}
	}
}

func (s *wsSession) writePump() {
	defer func() {
		_ = s.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.client.Outbound():
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe wires the topic both ways: hub membership for ephemeral traffic
// and a store watch bridge for durable record updates.
func (s *wsSession) subscribe(topic string) {
	switch {
	case topic == inboxTopic:
		key := inboxTopic + ":" + s.userID
		s.addWatch(key, func() (<-chan models.CallRecord, func()) {
			return s.h.store.WatchInbox(s.userID)
		}, models.KindInvite)
		s.h.hub.Subscribe(s.client, key)

	case strings.HasPrefix(topic, callTopicPrefix):
		callID := strings.TrimPrefix(topic, callTopicPrefix)
		if callID == "" {
			s.sendError("empty call id")
			return
		}
		// The record may not exist yet when the caller subscribes; when it
		// does, only its participants may attach.
		if rec, err := s.h.store.GetCall(context.Background(), callID); err == nil {
			if s.userID != rec.InitiatorID && s.userID != rec.ReceiverID {
				s.sendError("not a call participant")
				return
			}
		}
		s.addWatch(topic, func() (<-chan models.CallRecord, func()) {
			return s.h.store.Watch(callID)
		}, models.KindRecord)
		s.h.hub.Subscribe(s.client, topic)

	default:
		s.sendError("unknown topic " + topic)
		return
	}

	s.sendFrame(models.ServerFrame{Kind: models.KindSubscribed, Topic: topic})
}

func (s *wsSession) unsubscribe(topic string) {
	key := topic
	if topic == inboxTopic {
		key = inboxTopic + ":" + s.userID
	}
	s.h.hub.Unsubscribe(s.client, key)

	s.mu.Lock()
	cancel := s.watches[key]
	delete(s.watches, key)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *wsSession) publish(frame models.ClientFrame) {
	if !strings.HasPrefix(frame.Topic, callTopicPrefix) || frame.Envelope == nil {
		s.sendError("bad publish")
		return
	}
	env := *frame.Envelope
	env.From = s.userID
	env.CallID = strings.TrimPrefix(frame.Topic, callTopicPrefix)

	payload, err := json.Marshal(models.ServerFrame{
		Kind:     models.KindSignal,
		Topic:    frame.Topic,
		Envelope: &env,
	})
	if err != nil {
		s.sendError("bad envelope")
		return
	}
	delivered := s.h.hub.Publish(frame.Topic, payload, s.client)
	s.h.log.Debug("ws publish", "user_id", s.userID, "topic", frame.Topic,
		"type", string(env.Type), "delivered", delivered)
}

// addWatch bridges one store watch feed into this connection. Subscribing to
// the same topic twice keeps the original bridge.
func (s *wsSession) addWatch(key string, open func() (<-chan models.CallRecord, func()), kind string) {
	s.mu.Lock()
	if _, exists := s.watches[key]; exists {
		s.mu.Unlock()
		return
	}
	ch, cancel := open()
	s.watches[key] = cancel
	s.mu.Unlock()

	go func() {
		for rec := range ch {
			rec := rec
			payload, err := json.Marshal(models.ServerFrame{Kind: kind, Record: &rec})
			if err != nil {
				continue
			}
			if !s.client.Send(payload) {
				s.h.log.Warn("ws record delivery dropped", "user_id", s.userID, "call_id", rec.ID)
			}
		}
	}()
}

func (s *wsSession) cancelWatches() {
	s.mu.Lock()
	cancels := make([]func(), 0, len(s.watches))
	for _, cancel := range s.watches {
		cancels = append(cancels, cancel)
	}
	s.watches = make(map[string]func())
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *wsSession) sendFrame(frame models.ServerFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.client.Send(payload)
}

func (s *wsSession) sendError(msg string) {
	s.sendFrame(models.ServerFrame{Kind: models.KindError, Error: msg})
}
