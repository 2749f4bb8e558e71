package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mpetrov/chatline/internal/broker"
	"github.com/mpetrov/chatline/internal/call"
	"github.com/mpetrov/chatline/internal/config"
	"github.com/mpetrov/chatline/internal/handlers"
	"github.com/mpetrov/chatline/internal/models"
	"github.com/mpetrov/chatline/internal/store"
)

func newSignalServer(t *testing.T) (*httptest.Server, *broker.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := slog.Default()
	st, err := store.Open(filepath.Join(t.TempDir(), "signal.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := &config.Config{JWTSecret: "signal-test-secret"}
	hub := broker.NewHub()
	h := handlers.New(cfg, st, hub, nil, nil, log)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, hub
}

func registerUser(t *testing.T, baseURL, username string) (token, id string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": "hunter2hunter2",
		"name":     username,
	})
	resp, err := http.Post(baseURL+"/api/register", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, resp.StatusCode)
	}
	var body struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return body.Token, body.User.ID
}

func connectWS(t *testing.T, baseURL, token string) *WS {
	t.Helper()
	ws, err := NewWS(baseURL, token, slog.Default())
	if err != nil {
		t.Fatalf("new ws: %v", err)
	}
	if err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(ws.Close)
	return ws
}

// recorder collects delivered envelopes and records for assertions.
type recorder struct {
	mu      sync.Mutex
	signals []models.Envelope
	records []models.CallRecord
}

func (r *recorder) handler() call.Handler {
	return call.Handler{
		OnMessage: func(env models.Envelope) {
			r.mu.Lock()
			r.signals = append(r.signals, env)
			r.mu.Unlock()
		},
		OnRecord: func(rec models.CallRecord) {
			r.mu.Lock()
			r.records = append(r.records, rec)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) signalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}

func (r *recorder) lastRecord() (models.CallRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return models.CallRecord{}, false
	}
	return r.records[len(r.records)-1], true
}

func TestWSSignalRoundTrip(t *testing.T) {
	srv, hub := newSignalServer(t)
	aliceToken, aliceID := registerUser(t, srv.URL, "alice")
	bobToken, _ := registerUser(t, srv.URL, "bob")

	aliceWS := connectWS(t, srv.URL, aliceToken)
	bobWS := connectWS(t, srv.URL, bobToken)

	var aliceRec, bobRec recorder
	aliceSub, err := aliceWS.Subscribe(context.Background(), "c1", aliceRec.handler())
	if err != nil {
		t.Fatalf("alice subscribe: %v", err)
	}
	defer aliceSub.Close()
	bobSub, err := bobWS.Subscribe(context.Background(), "c1", bobRec.handler())
	if err != nil {
		t.Fatalf("bob subscribe: %v", err)
	}
	defer bobSub.Close()

	waitFor(t, "both subscriptions on the server", func() bool {
		return hub.Subscribers("call:c1") == 2
	})

	// Alice publishes before her subscription is necessarily acknowledged;
	// the channel queues and flushes, so the offer still arrives.
	err = aliceWS.SendEphemeral(models.Envelope{
		Type:    models.SignalOffer,
		CallID:  "c1",
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	if err != nil {
		t.Fatalf("send offer: %v", err)
	}

	waitFor(t, "bob to receive the offer", func() bool { return bobRec.signalCount() == 1 })

	bobRec.mu.Lock()
	got := bobRec.signals[0]
	bobRec.mu.Unlock()
	if got.Type != models.SignalOffer || got.CallID != "c1" {
		t.Fatalf("unexpected signal %+v", got)
	}
	if got.From != aliceID {
		t.Fatalf("server must stamp the sender, got from=%q", got.From)
	}
	if aliceRec.signalCount() != 0 {
		t.Fatalf("sender must not receive an echo")
	}
}

func TestWSInviteAndRecordDelivery(t *testing.T) {
	srv, hub := newSignalServer(t)
	aliceToken, aliceID := registerUser(t, srv.URL, "alice")
	bobToken, bobID := registerUser(t, srv.URL, "bob")

	aliceREST := NewREST(srv.URL, aliceToken)
	bobREST := NewREST(srv.URL, bobToken)

	bobWS := connectWS(t, srv.URL, bobToken)
	var invites []models.CallRecord
	var mu sync.Mutex
	inboxSub, err := bobWS.SubscribeInbox(context.Background(), bobID, func(rec models.CallRecord) {
		mu.Lock()
		invites = append(invites, rec)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}
	defer inboxSub.Close()

	aliceWS := connectWS(t, srv.URL, aliceToken)
	var aliceRec recorder
	callSub, err := aliceWS.Subscribe(context.Background(), "c1", aliceRec.handler())
	if err != nil {
		t.Fatalf("subscribe call: %v", err)
	}
	defer callSub.Close()

	waitFor(t, "server-side subscriptions", func() bool {
		return hub.Subscribers("inbox:"+bobID) == 1 && hub.Subscribers("call:c1") == 1
	})

	rec := models.CallRecord{
		ID:             "c1",
		ConversationID: "conv-1",
		ReceiverID:     bobID,
		Offer:          json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	if err := aliceREST.Create(context.Background(), &rec); err != nil {
		t.Fatalf("create call: %v", err)
	}
	if rec.InitiatorID != aliceID || rec.Status != models.CallStatusPending {
		t.Fatalf("create must return the persisted record, got %+v", rec)
	}

	waitFor(t, "bob to receive the invitation", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(invites) == 1
	})
	mu.Lock()
	if invites[0].ID != "c1" || invites[0].InitiatorID != aliceID {
		t.Fatalf("unexpected invitation %+v", invites[0])
	}
	mu.Unlock()

	// A second live call for the same pair is refused as busy.
	dup := models.CallRecord{
		ID:             "c2",
		ConversationID: "conv-1",
		ReceiverID:     bobID,
		Offer:          json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	if err := aliceREST.Create(context.Background(), &dup); !errors.Is(err, call.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// Bob answers over the durable path; alice's call watch sees it.
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	if err := bobREST.UpdateAnswer(context.Background(), "c1", answer); err != nil {
		t.Fatalf("answer: %v", err)
	}
	waitFor(t, "alice to see the active record", func() bool {
		r, ok := aliceRec.lastRecord()
		return ok && r.Status == models.CallStatusActive
	})

	if err := bobREST.UpdateStatus(context.Background(), "c1", models.EndReasonEnded); err != nil {
		t.Fatalf("end: %v", err)
	}
	waitFor(t, "alice to see the ended record", func() bool {
		r, ok := aliceRec.lastRecord()
		return ok && r.Status == models.CallStatusEnded
	})
}

func TestRESTDirectoryLookup(t *testing.T) {
	srv, _ := newSignalServer(t)
	aliceToken, _ := registerUser(t, srv.URL, "alice")
	_, bobID := registerUser(t, srv.URL, "bob")

	rest := NewREST(srv.URL, aliceToken)
	identity, err := rest.UserByID(context.Background(), bobID)
	if err != nil {
		t.Fatalf("user lookup: %v", err)
	}
	if identity.ID != bobID || identity.Name != "bob" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if _, err := rest.UserByID(context.Background(), "ghost"); err == nil {
		t.Fatalf("expected error for unknown user")
	}
}

func TestQueuedSignalsFlushInOrder(t *testing.T) {
	srv, hub := newSignalServer(t)
	aliceToken, _ := registerUser(t, srv.URL, "alice")
	bobToken, _ := registerUser(t, srv.URL, "bob")

	bobWS := connectWS(t, srv.URL, bobToken)
	var bobRec recorder
	bobSub, err := bobWS.Subscribe(context.Background(), "c1", bobRec.handler())
	if err != nil {
		t.Fatalf("bob subscribe: %v", err)
	}
	defer bobSub.Close()
	waitFor(t, "bob on the server", func() bool { return hub.Subscribers("call:c1") == 1 })

	// Alice bursts candidates right behind her subscribe frame: the early
	// ones queue until the ack, the late ones race the flush. All must
	// arrive in send order.
	aliceWS := connectWS(t, srv.URL, aliceToken)
	aliceSub, err := aliceWS.Subscribe(context.Background(), "c1", call.Handler{})
	if err != nil {
		t.Fatalf("alice subscribe: %v", err)
	}
	defer aliceSub.Close()

	const total = 30
	for i := 0; i < total; i++ {
		env := models.Envelope{
			Type:    models.SignalCandidate,
			CallID:  "c1",
			Payload: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
		}
		if err := aliceWS.SendEphemeral(env); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	waitFor(t, "all candidates at bob", func() bool { return bobRec.signalCount() == total })
	bobRec.mu.Lock()
	defer bobRec.mu.Unlock()
	for i, env := range bobRec.signals {
		want := fmt.Sprintf(`{"seq":%d}`, i)
		if string(env.Payload) != want {
			t.Fatalf("candidate %d out of order: got %s", i, env.Payload)
		}
	}
}
