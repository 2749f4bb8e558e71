package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpetrov/chatline/internal/models"
)

const (
	defaultRingTimeout  = 45 * time.Second
	durableWriteTimeout = 10 * time.Second
	directoryTimeout    = 5 * time.Second
)

// State is the read-only surface the UI observes.
type State struct {
	Status       Status
	CallID       string
	Other        Identity
	LocalMedia   MediaHandle
	RemoteMedia  MediaHandle
	Muted        bool
	VideoEnabled bool
}

// Config wires a Manager to its collaborators. Channel, Records and Media
// are required; Notifier, Directory and OnChange are optional.
type Config struct {
	Self       Identity
	Channel    SignalChannel
	Records    RecordStore
	Media      MediaEngine
	Notifier   Notifier
	Directory  Directory
	ICEServers []ICEServer

	// RingTimeout bounds how long an unanswered call rings on either side
	// before it auto-ends. Zero selects the default; negative disables.
	RingTimeout time.Duration

	// OnChange, if set, is invoked with a fresh snapshot after every state
	// transition. It is called outside the manager lock.
	OnChange func(State)

	Logger *slog.Logger
}

// Manager owns at most one live call session for the local user, listens for
// inbound invitations addressed to that user and exposes the public call
// operations. Every state transition happens under one mutex; blocking
// collaborator calls run outside it and re-enter through the session epoch
// check, so a completion that lands after teardown is a no-op.
type Manager struct {
	self     Identity
	channel  SignalChannel
	records  RecordStore
	media    MediaEngine
	notifier Notifier
	dir      Directory
	ice      []ICEServer

	ringTimeout time.Duration
	onChange    func(State)
	log         *slog.Logger

	mu      sync.Mutex
	session *session
	inbox   Subscription
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RingTimeout
	if timeout == 0 {
		timeout = defaultRingTimeout
	}
	return &Manager{
		self:        cfg.Self,
		channel:     cfg.Channel,
		records:     cfg.Records,
		media:       cfg.Media,
		notifier:    cfg.Notifier,
		dir:         cfg.Directory,
		ice:         cfg.ICEServers,
		ringTimeout: timeout,
		onChange:    cfg.OnChange,
		log:         logger.With("component", "call"),
	}
}

// Start subscribes the manager to the invitation inbox of the local user for
// the lifetime of the login. Each qualifying invitation spawns exactly one
// session; invitations that arrive while a session exists are dropped before
// any UI surfaces them.
func (m *Manager) Start(ctx context.Context) error {
	sub, err := m.channel.SubscribeInbox(ctx, m.self.ID, m.handleInvite)
	if err != nil {
		return fmt.Errorf("subscribe invitation inbox: %w", err)
	}
	m.mu.Lock()
	m.inbox = sub
	m.mu.Unlock()
	return nil
}

// Close ends any live call and detaches the inbox subscription.
func (m *Manager) Close() {
	m.EndCall()
	m.mu.Lock()
	inbox := m.inbox
	m.inbox = nil
	m.mu.Unlock()
	if inbox != nil {
		inbox.Close()
	}
}

// Snapshot returns the current observable state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() State {
	s := m.session
	if s == nil {
		return State{Status: StatusIdle}
	}
	return State{
		Status:       s.status,
		CallID:       s.id,
		Other:        s.other,
		LocalMedia:   s.media,
		RemoteMedia:  s.remote,
		Muted:        s.muted,
		VideoEnabled: s.videoEnabled,
	}
}

func (m *Manager) emitChange() {
	if m.onChange == nil {
		return
	}
	m.onChange(m.Snapshot())
}

// StartCall places an outbound call. The call ID is generated locally before
// the record exists, so the subscription to call-scoped updates is live
// before the receiver can learn the ID. Returns once the offer is persisted;
// connectivity is reported through the observable state.
func (m *Manager) StartCall(ctx context.Context, other Identity, conversationID string) error {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	s := newSession(uuid.NewString(), true, StatusCalling, conversationID, other)
	m.session = s
	id, epoch := s.id, s.epoch
	m.mu.Unlock()
	m.emitChange()

	m.log.Info("starting call", "call_id", id, "other", other.ID)

	if err := m.placeCall(ctx, id, epoch, other, conversationID); err != nil {
		m.abort(epoch, err)
		return err
	}
	return nil
}

func (m *Manager) placeCall(ctx context.Context, id, epoch string, other Identity, conversationID string) error {
	sub, err := m.channel.Subscribe(ctx, id, m.callHandler(epoch))
	if err != nil {
		return fmt.Errorf("subscribe signal channel: %w", err)
	}
	if !m.withSession(epoch, func(s *session) { s.sub = sub }) {
		sub.Close()
		return ErrCancelled
	}

	media, err := m.media.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMediaAccess, err)
	}
	if !m.withSession(epoch, func(s *session) { s.media = media }) {
		m.media.Release(media)
		return ErrCancelled
	}

	tr, err := m.media.CreateTransport(ctx, TransportConfig{ICEServers: m.ice, Local: media})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	committed := m.withSession(epoch, func(s *session) {
		s.transport = tr
		m.wireTransportLocked(s, tr)
	})
	if !committed {
		_ = tr.Close()
		return ErrCancelled
	}

	offer, err := tr.ProduceOffer(ctx)
	if err != nil {
		return fmt.Errorf("produce offer: %w", err)
	}

	rec := &models.CallRecord{
		ID:             id,
		ConversationID: conversationID,
		InitiatorID:    m.self.ID,
		ReceiverID:     other.ID,
		Status:         models.CallStatusPending,
		Offer:          offer,
	}
	if err := m.records.Create(ctx, rec); err != nil {
		return fmt.Errorf("%w: create call record: %w", ErrSignalDelivery, err)
	}

	if !m.withSession(epoch, func(s *session) { m.armRingTimerLocked(s) }) {
		// Cancelled between persisting the record and arming the timer;
		// close out the orphaned record so the receiver stops ringing.
		m.updateStatusBestEffort(id, models.EndReasonEnded)
		return ErrCancelled
	}
	return nil
}

// handleInvite reacts to a call record created with the local user as
// receiver. Valid only while idle; when busy the invitation is dropped
// silently and the inviting side rings out on its own timer.
func (m *Manager) handleInvite(rec models.CallRecord) {
	if rec.ReceiverID != m.self.ID || rec.Status != models.CallStatusPending {
		return
	}
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		m.log.Debug("invitation dropped while busy", "call_id", rec.ID, "from", rec.InitiatorID)
		return
	}
	s := newSession(rec.ID, false, StatusIncoming, rec.ConversationID, Identity{ID: rec.InitiatorID})
	s.pendingOffer = rec.Offer
	m.session = s
	epoch := s.epoch
	m.mu.Unlock()
	m.emitChange()

	m.log.Info("incoming call", "call_id", rec.ID, "from", rec.InitiatorID)
	go m.attachIncoming(epoch, rec)
}

// attachIncoming finishes invitation setup off the delivery goroutine:
// subscribes to the call channel so early candidates are captured, arms the
// ring timer and resolves the caller for the notification.
func (m *Manager) attachIncoming(epoch string, rec models.CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()

	sub, err := m.channel.Subscribe(ctx, rec.ID, m.callHandler(epoch))
	if err != nil {
		m.log.Warn("incoming call subscription failed", "call_id", rec.ID, "error", err)
		m.abort(epoch, err)
		return
	}
	committed := m.withSession(epoch, func(s *session) {
		s.sub = sub
		m.armRingTimerLocked(s)
	})
	if !committed {
		sub.Close()
		return
	}

	caller := Identity{ID: rec.InitiatorID}
	if m.dir != nil {
		if resolved, err := m.dir.UserByID(ctx, rec.InitiatorID); err == nil {
			caller = resolved
		} else {
			m.log.Debug("caller lookup failed", "call_id", rec.ID, "error", err)
		}
	}
	if !m.withSession(epoch, func(s *session) { s.other = caller }) {
		return
	}
	m.emitChange()
	if m.notifier != nil {
		m.notifier.IncomingCall(caller.Name, caller.Avatar)
	}
}

// AnswerCall accepts the ringing invitation: acquires media, applies the
// buffered offer, drains early candidates and sends the answer on both
// paths, ephemeral first.
func (m *Manager) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	if s == nil || s.status != StatusIncoming {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.setStatusLocked(s, StatusAnswering)
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	id, epoch, offer := s.id, s.epoch, s.pendingOffer
	m.mu.Unlock()
	m.emitChange()

	if err := m.join(ctx, id, epoch, offer); err != nil {
		m.endWithError(epoch, id, err)
		return err
	}
	return nil
}

func (m *Manager) join(ctx context.Context, id, epoch string, offer json.RawMessage) error {
	media, err := m.media.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMediaAccess, err)
	}
	if !m.withSession(epoch, func(s *session) { s.media = media }) {
		m.media.Release(media)
		return ErrCancelled
	}

	tr, err := m.media.CreateTransport(ctx, TransportConfig{ICEServers: m.ice, Local: media})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	committed := m.withSession(epoch, func(s *session) {
		s.transport = tr
		m.wireTransportLocked(s, tr)
	})
	if !committed {
		_ = tr.Close()
		return ErrCancelled
	}

	if err := tr.ApplyRemoteDescription(offer); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	committed = m.withSession(epoch, func(s *session) {
		s.pendingOffer = nil
		if err := s.buffer.Drain(m.candidateApplier(s)); err != nil {
			m.log.Warn("buffered candidate rejected", "call_id", s.id, "error", err)
		}
	})
	if !committed {
		return ErrCancelled
	}

	answer, err := tr.ProduceAnswer(ctx)
	if err != nil {
		return fmt.Errorf("produce answer: %w", err)
	}

	// Fast path first: the initiator is very likely subscribed already.
	ephErr := m.channel.SendEphemeral(models.Envelope{
		Type:    models.SignalAnswer,
		CallID:  id,
		From:    m.self.ID,
		Payload: answer,
	})
	if ephErr != nil {
		m.log.Debug("ephemeral answer not delivered", "call_id", id, "error", ephErr)
	}

	// Durable path is authoritative and the only one guaranteed to reach an
	// initiator that is not currently subscribed. A nil ephemeral send only
	// means the envelope was accepted for best-effort delivery, so the
	// durable failure is fatal either way.
	if err := m.records.UpdateAnswer(ctx, id, answer); err != nil {
		return fmt.Errorf("%w: persist answer: %w", ErrSignalDelivery, err)
	}
	return nil
}

// candidateApplier builds the buffer's apply function for the session's
// current transport.
func (m *Manager) candidateApplier(s *session) func(json.RawMessage) error {
	return func(candidate json.RawMessage) error {
		if s.transport == nil {
			return nil
		}
		return s.transport.AddRemoteCandidate(candidate)
	}
}

// EndCall terminates the live call from any non-idle state: best-effort
// ephemeral hangup, unconditional teardown, then the authoritative durable
// status update. A no-op when idle.
func (m *Manager) EndCall() {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return
	}
	reason := models.EndReasonEnded
	if s.status == StatusIncoming {
		reason = models.EndReasonRejected
	}
	callID := s.id
	m.sendHangupLocked(s)
	m.teardownLocked(s, "local hangup")
	m.mu.Unlock()
	m.emitChange()
	m.updateStatusBestEffort(callID, reason)
}

// endWithError is the failure variant of EndCall used when answering fails
// partway: same signal and teardown sequence, driven by the session epoch.
func (m *Manager) endWithError(epoch, callID string, err error) {
	changed := m.withSession(epoch, func(s *session) {
		m.sendHangupLocked(s)
		m.teardownLocked(s, err.Error())
	})
	if !changed {
		return
	}
	m.emitChange()
	m.updateStatusBestEffort(callID, models.EndReasonEnded)
}

// abort tears down an outbound attempt that failed before ringing completed.
// No hangup signal is sent when nothing durable was created yet; the stale
// commit path in placeCall closes out the record when one exists.
func (m *Manager) abort(epoch string, err error) {
	changed := m.withSession(epoch, func(s *session) {
		m.teardownLocked(s, err.Error())
	})
	if changed {
		m.emitChange()
	}
}

// ToggleMute flips the microphone state and returns the new muted value.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	s := m.session
	if s == nil || s.media == nil {
		m.mu.Unlock()
		return false
	}
	s.muted = !s.muted
	s.media.SetAudioEnabled(!s.muted)
	muted := s.muted
	m.mu.Unlock()
	m.emitChange()
	return muted
}

// ToggleVideo flips the camera state and returns the new enabled value.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	s := m.session
	if s == nil || s.media == nil {
		m.mu.Unlock()
		return false
	}
	s.videoEnabled = !s.videoEnabled
	s.media.SetVideoEnabled(s.videoEnabled)
	enabled := s.videoEnabled
	m.mu.Unlock()
	m.emitChange()
	return enabled
}

func (m *Manager) callHandler(epoch string) Handler {
	return Handler{
		OnMessage: func(env models.Envelope) { m.signalReceived(epoch, env) },
		OnRecord:  func(rec models.CallRecord) { m.recordUpdated(epoch, rec) },
	}
}

// signalReceived routes one ephemeral envelope into the session. Signals
// from the local user are discarded because channels may echo; signals for a
// foreign call ID are a protocol violation and are dropped without effect.
func (m *Manager) signalReceived(epoch string, env models.Envelope) {
	if env.From == m.self.ID {
		return
	}
	changed := m.withSession(epoch, func(s *session) {
		if env.CallID != s.id {
			m.log.Debug("signal for foreign call discarded", "call_id", env.CallID, "type", string(env.Type))
			return
		}
		switch env.Type {
		case models.SignalAnswer:
			m.applyAnswerLocked(s, env.Payload)
		case models.SignalCandidate:
			if err := s.buffer.Push(env.Payload); err != nil {
				m.log.Debug("remote candidate rejected", "call_id", s.id, "error", err)
			}
		case models.SignalHangup:
			// Peer already owns the durable status write for its hangup.
			m.teardownLocked(s, "peer hangup")
		case models.SignalOffer:
			m.log.Debug("duplicate offer discarded", "call_id", s.id)
		}
	})
	if changed {
		m.emitChange()
	}
}

// recordUpdated reconciles the durable record with the session: a terminal
// status tears down from any state, an answered record is the slow-path
// answer delivery. Whichever path delivers the answer first wins.
func (m *Manager) recordUpdated(epoch string, rec models.CallRecord) {
	changed := m.withSession(epoch, func(s *session) {
		if rec.ID != s.id {
			return
		}
		switch {
		case rec.Status.Terminal():
			m.teardownLocked(s, "record "+string(rec.Status))
		case rec.Status == models.CallStatusActive && len(rec.Answer) > 0:
			m.applyAnswerLocked(s, rec.Answer)
		}
	})
	if changed {
		m.emitChange()
	}
}

// applyAnswerLocked applies a received answer exactly once. Duplicate or
// late arrivals, including after the transport connected, are no-ops.
func (m *Manager) applyAnswerLocked(s *session, answer json.RawMessage) {
	if !s.outbound || s.answerApplied || s.status != StatusCalling {
		return
	}
	if s.transport == nil || len(answer) == 0 {
		return
	}
	if err := s.transport.ApplyRemoteDescription(answer); err != nil {
		m.log.Warn("answer rejected by transport", "call_id", s.id, "error", err)
		m.teardownLocked(s, "negotiation failure")
		return
	}
	s.answerApplied = true
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if err := s.buffer.Drain(m.candidateApplier(s)); err != nil {
		m.log.Warn("buffered candidate rejected", "call_id", s.id, "error", err)
	}
}
