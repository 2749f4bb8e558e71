package signal

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mpetrov/chatline/internal/call"
	"github.com/mpetrov/chatline/internal/models"
)

const (
	inboxTopic      = "inbox"
	callTopicPrefix = "call:"

	// queuedCap bounds per-topic publishes held back until the server
	// acknowledges the subscription.
	queuedCap = 128
)

// WS is the websocket client side of the signaling channel. Publishes on a
// topic the server has not acknowledged yet are queued and flushed on the
// acknowledgement; after that, delivery is best effort.
type WS struct {
	endpoint string
	log      *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	subs      map[string]*wsClientSub
	inbox     func(rec models.CallRecord)
	confirmed map[string]bool
	queued    map[string][]models.Envelope
	closed    bool
}

type wsClientSub struct {
	channel *WS
	topic   string
	handler call.Handler
	once    sync.Once
}

func (s *wsClientSub) Close() {
	s.once.Do(func() {
		s.channel.removeSub(s.topic)
		_ = s.channel.writeFrame(models.ClientFrame{
			Action: models.ActionUnsubscribe,
			Topic:  s.topic,
		})
	})
}

// NewWS builds a client for serverURL (http:// or https://; the scheme is
// rewritten for the websocket dial). Connect must be called before use.
func NewWS(serverURL, token string, log *slog.Logger) (*WS, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	return &WS{
		endpoint:  u.String(),
		log:       log,
		subs:      map[string]*wsClientSub{},
		confirmed: map[string]bool{},
		queued:    map[string][]models.Envelope{},
	}, nil
}

// Connect dials the server and starts the read loop.
func (w *WS) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("channel closed")
	}
	w.conn = conn
	w.mu.Unlock()

	go w.readLoop(conn)
	return nil
}

func (w *WS) Close() {
	w.mu.Lock()
	w.closed = true
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (w *WS) Subscribe(ctx context.Context, callID string, h call.Handler) (call.Subscription, error) {
	topic := callTopicPrefix + callID
	sub := &wsClientSub{channel: w, topic: topic, handler: h}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, fmt.Errorf("channel closed")
	}
	w.subs[topic] = sub
	w.mu.Unlock()

	if err := w.writeFrame(models.ClientFrame{Action: models.ActionSubscribe, Topic: topic}); err != nil {
		w.removeSub(topic)
		return nil, err
	}
	return sub, nil
}

func (w *WS) SubscribeInbox(ctx context.Context, userID string, fn func(rec models.CallRecord)) (call.Subscription, error) {
	sub := &wsClientSub{channel: w, topic: inboxTopic}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, fmt.Errorf("channel closed")
	}
	w.inbox = fn
	w.subs[inboxTopic] = sub
	w.mu.Unlock()

	if err := w.writeFrame(models.ClientFrame{Action: models.ActionSubscribe, Topic: inboxTopic}); err != nil {
		w.removeSub(inboxTopic)
		return nil, err
	}
	return sub, nil
}

func (w *WS) SendEphemeral(env models.Envelope) error {
	topic := callTopicPrefix + env.CallID

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("channel closed")
	}
	if !w.confirmed[topic] {
		if len(w.queued[topic]) < queuedCap {
			w.queued[topic] = append(w.queued[topic], env)
		} else {
			w.log.Warn("signal queue full, dropping", "call_id", env.CallID, "type", string(env.Type))
		}
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	return w.publish(topic, env)
}

func (w *WS) publish(topic string, env models.Envelope) error {
	return w.writeFrame(models.ClientFrame{
		Action:   models.ActionPublish,
		Topic:    topic,
		Envelope: &env,
	})
}

func (w *WS) writeFrame(frame models.ClientFrame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("not connected")
	}
	return w.conn.WriteJSON(frame)
}

func (w *WS) readLoop(conn *websocket.Conn) {
	for {
		var frame models.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			w.mu.Lock()
			closed := w.closed
			w.mu.Unlock()
			if !closed {
				w.log.Warn("signaling connection lost", "error", err)
			}
			return
		}
		w.dispatch(frame)
	}
}

func (w *WS) dispatch(frame models.ServerFrame) {
	switch frame.Kind {
	case models.KindSubscribed:
		w.flushQueued(frame.Topic)

	case models.KindSignal:
		if frame.Envelope == nil {
			return
		}
		w.mu.Lock()
		sub := w.subs[callTopicPrefix+frame.Envelope.CallID]
		w.mu.Unlock()
		if sub != nil && sub.handler.OnMessage != nil {
			sub.handler.OnMessage(*frame.Envelope)
		}

	case models.KindRecord:
		if frame.Record == nil {
			return
		}
		w.mu.Lock()
		sub := w.subs[callTopicPrefix+frame.Record.ID]
		w.mu.Unlock()
		if sub != nil && sub.handler.OnRecord != nil {
			sub.handler.OnRecord(*frame.Record)
		}

	case models.KindInvite:
		if frame.Record == nil {
			return
		}
		w.mu.Lock()
		fn := w.inbox
		w.mu.Unlock()
		if fn != nil {
			fn(*frame.Record)
		}

	case models.KindError:
		w.log.Warn("signaling server error", "error", frame.Error)
	}
}

// flushQueued publishes everything held back for a freshly acknowledged
// topic. The topic stays unconfirmed until the backlog is out, so sends
// racing the flush keep queueing behind it instead of jumping ahead.
func (w *WS) flushQueued(topic string) {
	for {
		w.mu.Lock()
		pending := w.queued[topic]
		if len(pending) == 0 {
			w.confirmed[topic] = true
			delete(w.queued, topic)
			w.mu.Unlock()
			return
		}
		w.queued[topic] = nil
		w.mu.Unlock()

		for _, env := range pending {
			if err := w.publish(topic, env); err != nil {
				w.log.Warn("flush queued signal", "topic", topic, "error", err)
				return
			}
		}
	}
}

func (w *WS) removeSub(topic string) {
	w.mu.Lock()
	delete(w.subs, topic)
	delete(w.confirmed, topic)
	delete(w.queued, topic)
	if topic == inboxTopic {
		w.inbox = nil
	}
	w.mu.Unlock()
}
