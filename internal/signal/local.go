// Package signal provides implementations of the call manager's signal-path
// collaborators: an in-process channel for single-binary deployments and
// tests, and websocket/REST clients for talking to a remote server.
package signal

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mpetrov/chatline/internal/call"
	"github.com/mpetrov/chatline/internal/models"
	"github.com/mpetrov/chatline/internal/store"
)

const (
	pendingCap   = 128
	deliveryBufs = 64
)

// Local is an in-process signal channel backed directly by the store.
// Ephemeral envelopes fan out to per-call subscribers and are additionally
// kept in a bounded replay queue, so a peer that subscribes after the first
// envelopes were sent still receives them in order. Durable record updates
// come from the store's watch feeds.
type Local struct {
	store *store.Store
	log   *slog.Logger

	mu      sync.Mutex
	subs    map[string][]*localSub // keyed by call id
	pending map[string][]models.Envelope
}

func NewLocal(st *store.Store, log *slog.Logger) *Local {
	return &Local{
		store:   st,
		log:     log,
		subs:    make(map[string][]*localSub),
		pending: make(map[string][]models.Envelope),
	}
}

type localSub struct {
	channel *Local
	callID  string
	handler call.Handler
	queue   chan func()
	done    chan struct{}
	cancel  func() // store watch cancel

	closeOnce sync.Once
}

func (s *localSub) run() {
	for fn := range s.queue {
		fn()
	}
	close(s.done)
}

// enqueue hands work to the subscriber's delivery goroutine. Envelopes for a
// subscriber that cannot keep up are dropped rather than blocking the sender,
// and a racing Close is absorbed.
func (s *localSub) enqueue(fn func()) {
	defer func() {
		_ = recover()
	}()
	select {
	case s.queue <- fn:
	case <-s.done:
	default:
		s.channel.log.Warn("subscriber overflow, dropping delivery", "call_id", s.callID)
	}
}

func (s *localSub) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.channel.removeSub(s)
		close(s.queue)
	})
}

// Subscribe registers a handler for one call. Queued envelopes sent before
// this subscription are replayed first; the caller filters its own echoes.
func (l *Local) Subscribe(ctx context.Context, callID string, h call.Handler) (call.Subscription, error) {
	sub := &localSub{
		channel: l,
		callID:  callID,
		handler: h,
		queue:   make(chan func(), deliveryBufs),
		done:    make(chan struct{}),
	}

	recordCh, cancelWatch := l.store.Watch(callID)
	sub.cancel = cancelWatch
	go func() {
		for rec := range recordCh {
			rec := rec
			sub.enqueue(func() {
				if h.OnRecord != nil {
					h.OnRecord(rec)
				}
			})
		}
	}()

	l.mu.Lock()
	replay := make([]models.Envelope, len(l.pending[callID]))
	copy(replay, l.pending[callID])
	l.subs[callID] = append(l.subs[callID], sub)
	l.mu.Unlock()

	for _, env := range replay {
		env := env
		sub.enqueue(func() {
			if h.OnMessage != nil {
				h.OnMessage(env)
			}
		})
	}

	go sub.run()
	return sub, nil
}

// SubscribeInbox delivers call records created with userID as receiver.
func (l *Local) SubscribeInbox(ctx context.Context, userID string, fn func(models.CallRecord)) (call.Subscription, error) {
	sub := &localSub{
		channel: l,
		queue:   make(chan func(), deliveryBufs),
		done:    make(chan struct{}),
	}

	inboxCh, cancelWatch := l.store.WatchInbox(userID)
	sub.cancel = cancelWatch
	go func() {
		for rec := range inboxCh {
			rec := rec
			sub.enqueue(func() { fn(rec) })
		}
	}()

	go sub.run()
	return sub, nil
}

// SendEphemeral fans the envelope out to every current subscriber of its
// call and queues it for late subscribers. Delivery is asynchronous; a
// handler never runs on the sender's goroutine.
func (l *Local) SendEphemeral(env models.Envelope) error {
	l.mu.Lock()
	if q := l.pending[env.CallID]; len(q) < pendingCap {
		l.pending[env.CallID] = append(q, env)
	}
	targets := make([]*localSub, len(l.subs[env.CallID]))
	copy(targets, l.subs[env.CallID])
	l.mu.Unlock()

	for _, sub := range targets {
		sub := sub
		env := env
		sub.enqueue(func() {
			if sub.handler.OnMessage != nil {
				sub.handler.OnMessage(env)
			}
		})
	}
	return nil
}

func (l *Local) removeSub(sub *localSub) {
	l.mu.Lock()
	defer l.mu.Unlock()
	live := l.subs[sub.callID]
	for i, s := range live {
		if s == sub {
			l.subs[sub.callID] = append(live[:i], live[i+1:]...)
			break
		}
	}
	if len(l.subs[sub.callID]) == 0 {
		delete(l.subs, sub.callID)
		delete(l.pending, sub.callID)
	}
}
