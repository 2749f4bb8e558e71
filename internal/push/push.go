// Package push delivers web-push notifications for incoming calls, so a
// receiver whose tab is closed still learns about the invitation.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/mpetrov/chatline/internal/models"
	"github.com/mpetrov/chatline/internal/store"
)

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

func (k VAPIDKeys) Configured() bool {
	return k.PublicKey != "" && k.PrivateKey != ""
}

type Sender struct {
	store *store.Store
	keys  VAPIDKeys
	log   *slog.Logger
}

func NewSender(st *store.Store, keys VAPIDKeys, log *slog.Logger) *Sender {
	return &Sender{store: st, keys: keys, log: log}
}

func (s *Sender) Enabled() bool {
	return s.keys.Configured()
}

type invitePayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

// NotifyIncomingCall pushes the invitation to every registered endpoint of
// the receiver. Gone endpoints are pruned; delivery failures are logged and
// do not affect the call.
func (s *Sender) NotifyIncomingCall(ctx context.Context, rec models.CallRecord, caller models.User) {
	if !s.Enabled() {
		return
	}
	subs, err := s.store.PushSubscriptions(ctx, rec.ReceiverID)
	if err != nil {
		s.log.Warn("push subscription lookup failed", "user_id", rec.ReceiverID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(invitePayload{
		Title: "Incoming call",
		Body:  caller.Name + " is calling you",
		Data: map[string]any{
			"call_id":         rec.ID,
			"conversation_id": rec.ConversationID,
			"caller_id":       caller.ID,
			"caller_name":     caller.Name,
		},
	})
	if err != nil {
		s.log.Error("push payload encode failed", "error", err)
		return
	}

	for _, sub := range subs {
		s.send(ctx, sub, payload)
	}
}

func (s *Sender) send(ctx context.Context, sub models.PushSubscription, payload []byte) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.keys.Subject,
		VAPIDPublicKey:  s.keys.PublicKey,
		VAPIDPrivateKey: s.keys.PrivateKey,
		TTL:             45,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		s.log.Warn("push delivery failed", "user_id", sub.UserID, "error", err)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		// The endpoint no longer exists.
		if err := s.store.DeletePushSubscription(ctx, sub.UserID, sub.Endpoint); err != nil {
			s.log.Warn("stale push subscription cleanup failed", "user_id", sub.UserID, "error", err)
		}
	default:
		if resp.StatusCode >= 300 {
			s.log.Warn("push rejected", "user_id", sub.UserID, "status", resp.StatusCode)
		}
	}
}
