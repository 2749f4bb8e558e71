package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mpetrov/chatline/internal/models"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeMedia struct {
	mu      sync.Mutex
	closed  bool
	audioOn bool
	videoOn bool
}

func (f *fakeMedia) SetAudioEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioOn = enabled
}

func (f *fakeMedia) SetVideoEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoOn = enabled
}

func (f *fakeMedia) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeMedia) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeEngine struct {
	mu          sync.Mutex
	acquireErr  error
	acquireGate chan struct{}
	applyErr    error
	acquired    []*fakeMedia
	released    []MediaHandle
	transports  []*fakeTransport
}

func (e *fakeEngine) Acquire(ctx context.Context) (MediaHandle, error) {
	e.mu.Lock()
	gate := e.acquireGate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acquireErr != nil {
		return nil, e.acquireErr
	}
	m := &fakeMedia{audioOn: true, videoOn: true}
	e.acquired = append(e.acquired, m)
	return m, nil
}

func (e *fakeEngine) Release(h MediaHandle) {
	h.Close()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = append(e.released, h)
}

func (e *fakeEngine) CreateTransport(ctx context.Context, cfg TransportConfig) (Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr := &fakeTransport{applyErr: e.applyErr}
	e.transports = append(e.transports, tr)
	return tr, nil
}

func (e *fakeEngine) transport(t *testing.T, i int) *fakeTransport {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.transports) <= i {
		t.Fatalf("transport %d not created, have %d", i, len(e.transports))
	}
	return e.transports[i]
}

type fakeTransport struct {
	mu          sync.Mutex
	remoteDescs []json.RawMessage
	candidates  []json.RawMessage
	closed      bool
	applyErr    error

	onCandidate func(json.RawMessage)
	onRemote    func(MediaHandle)
	onState     func(TransportState)
}

func (tr *fakeTransport) ProduceOffer(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (tr *fakeTransport) ProduceAnswer(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (tr *fakeTransport) ApplyRemoteDescription(desc json.RawMessage) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.applyErr != nil {
		return tr.applyErr
	}
	tr.remoteDescs = append(tr.remoteDescs, desc)
	return nil
}

func (tr *fakeTransport) AddRemoteCandidate(candidate json.RawMessage) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.candidates = append(tr.candidates, candidate)
	return nil
}

func (tr *fakeTransport) OnLocalCandidate(fn func(json.RawMessage)) { tr.onCandidate = fn }
func (tr *fakeTransport) OnRemoteMedia(fn func(MediaHandle))       { tr.onRemote = fn }
func (tr *fakeTransport) OnStateChange(fn func(TransportState))    { tr.onState = fn }

func (tr *fakeTransport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.closed = true
	return nil
}

func (tr *fakeTransport) connect() {
	tr.onState(TransportConnected)
}

func (tr *fakeTransport) appliedDescs() []json.RawMessage {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]json.RawMessage(nil), tr.remoteDescs...)
}

func (tr *fakeTransport) remoteCandidates() []json.RawMessage {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]json.RawMessage(nil), tr.candidates...)
}

func (tr *fakeTransport) isClosed() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.closed
}

type statusChange struct {
	CallID string
	Reason models.EndReason
}

type fakeRecords struct {
	mu        sync.Mutex
	created   []models.CallRecord
	answers   map[string]json.RawMessage
	statuses  []statusChange
	createErr error
	answerErr error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{answers: make(map[string]json.RawMessage)}
}

func (r *fakeRecords) Create(ctx context.Context, rec *models.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.created = append(r.created, *rec)
	return nil
}

func (r *fakeRecords) UpdateAnswer(ctx context.Context, callID string, answer json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.answerErr != nil {
		return r.answerErr
	}
	r.answers[callID] = answer
	return nil
}

func (r *fakeRecords) UpdateStatus(ctx context.Context, callID string, reason models.EndReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, statusChange{CallID: callID, Reason: reason})
	return nil
}

func (r *fakeRecords) createdCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

func (r *fakeRecords) lastStatus() (statusChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return statusChange{}, false
	}
	return r.statuses[len(r.statuses)-1], true
}

type fakeSub struct{ close func() }

func (s *fakeSub) Close() {
	if s.close != nil {
		s.close()
	}
}

type fakeChannel struct {
	mu           sync.Mutex
	handlers     map[string]Handler
	inboxFns     map[string]func(models.CallRecord)
	sent         []models.Envelope
	subscribeErr error
	sendErr      error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		handlers: make(map[string]Handler),
		inboxFns: make(map[string]func(models.CallRecord)),
	}
}

func (c *fakeChannel) Subscribe(ctx context.Context, callID string, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	c.handlers[callID] = h
	return &fakeSub{close: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, callID)
	}}, nil
}

func (c *fakeChannel) SubscribeInbox(ctx context.Context, userID string, fn func(models.CallRecord)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inboxFns[userID] = fn
	return &fakeSub{close: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.inboxFns, userID)
	}}, nil
}

func (c *fakeChannel) SendEphemeral(env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeChannel) subscribed(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[callID]
	return ok
}

func (c *fakeChannel) deliver(t *testing.T, env models.Envelope) {
	t.Helper()
	waitFor(t, "call subscription", func() bool { return c.subscribed(env.CallID) })
	c.mu.Lock()
	h := c.handlers[env.CallID]
	c.mu.Unlock()
	h.OnMessage(env)
}

func (c *fakeChannel) deliverRecord(t *testing.T, rec models.CallRecord) {
	t.Helper()
	waitFor(t, "call subscription", func() bool { return c.subscribed(rec.ID) })
	c.mu.Lock()
	h := c.handlers[rec.ID]
	c.mu.Unlock()
	h.OnRecord(rec)
}

func (c *fakeChannel) invite(t *testing.T, userID string, rec models.CallRecord) {
	t.Helper()
	c.mu.Lock()
	fn := c.inboxFns[userID]
	c.mu.Unlock()
	if fn == nil {
		t.Fatalf("no inbox subscription for %s", userID)
	}
	fn(rec)
}

func (c *fakeChannel) sentOfType(st models.SignalType) []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Envelope
	for _, env := range c.sent {
		if env.Type == st {
			out = append(out, env)
		}
	}
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	names []string
}

func (n *fakeNotifier) IncomingCall(name, avatar string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names = append(n.names, name)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.names)
}

type fakeDirectory struct {
	users map[string]Identity
}

func (d *fakeDirectory) UserByID(ctx context.Context, id string) (Identity, error) {
	if u, ok := d.users[id]; ok {
		return u, nil
	}
	return Identity{ID: id}, nil
}

type harness struct {
	manager  *Manager
	channel  *fakeChannel
	engine   *fakeEngine
	records  *fakeRecords
	notifier *fakeNotifier
}

func newHarness(t *testing.T, self Identity, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		channel:  newFakeChannel(),
		engine:   &fakeEngine{},
		records:  newFakeRecords(),
		notifier: &fakeNotifier{},
	}
	cfg := Config{
		Self:     self,
		Channel:  h.channel,
		Records:  h.records,
		Media:    h.engine,
		Notifier: h.notifier,
		Directory: &fakeDirectory{users: map[string]Identity{
			"alice": {ID: "alice", Name: "Alice"},
			"bob":   {ID: "bob", Name: "Bob"},
		}},
		RingTimeout: -1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.manager = NewManager(cfg)
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("manager start failed: %v", err)
	}
	t.Cleanup(h.manager.Close)
	return h
}
