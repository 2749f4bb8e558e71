package call

import (
	"context"
	"encoding/json"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/mpetrov/chatline/internal/models"
)

// session is the in-memory state of a single call attempt. It exists iff the
// manager is non-idle and is destroyed the moment the call leaves its
// terminal states. All fields are guarded by the manager mutex; asynchronous
// completions re-enter through withSession, which checks the epoch token so
// only the live session's own callbacks can mutate state.
type session struct {
	id    string
	epoch string

	outbound       bool
	status         Status
	conversationID string
	other          Identity

	media     MediaHandle
	remote    MediaHandle
	transport Transport
	buffer    *CandidateBuffer
	sub       Subscription

	pendingOffer  json.RawMessage
	answerApplied bool

	muted        bool
	videoEnabled bool

	ringTimer *time.Timer
}

func newSession(id string, outbound bool, status Status, conversationID string, other Identity) *session {
	return &session{
		id:             id,
		epoch:          gonanoid.Must(12),
		outbound:       outbound,
		status:         status,
		conversationID: conversationID,
		other:          other,
		buffer:         NewCandidateBuffer(),
		videoEnabled:   true,
	}
}

// setStatusLocked moves the session along a defined edge. Invalid moves are
// no-ops, never panics.
func (m *Manager) setStatusLocked(s *session, next Status) bool {
	if !s.status.canTransition(next) {
		m.log.Debug("ignoring invalid status transition",
			"call_id", s.id, "from", string(s.status), "to", string(next))
		return false
	}
	s.status = next
	return true
}

// withSession runs fn under the manager mutex if the session identified by
// epoch is still the live one. Stale completions from superseded sessions
// return false and have no effect.
func (m *Manager) withSession(epoch string, fn func(s *session)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil || s.epoch != epoch {
		return false
	}
	fn(s)
	return true
}

// teardownLocked releases everything the session owns and returns the
// manager to idle. It is unconditional and idempotent: every exit path ends
// here and a second invocation for the same session is a no-op.
func (m *Manager) teardownLocked(s *session, cause string) {
	if m.session != s {
		return
	}
	m.session = nil

	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			m.log.Debug("transport close", "call_id", s.id, "error", err)
		}
		s.transport = nil
	}
	if s.media != nil {
		m.media.Release(s.media)
		s.media = nil
	}
	if s.remote != nil {
		s.remote.Close()
		s.remote = nil
	}
	s.buffer.Reset()
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
	s.pendingOffer = nil
	s.other = Identity{}
	s.status = StatusIdle

	m.log.Info("call torn down", "call_id", s.id, "cause", cause)
}

// armRingTimerLocked starts the unanswered-call timer. When it fires the
// session ends exactly as if a hangup had been received, with reason timeout.
func (m *Manager) armRingTimerLocked(s *session) {
	if m.ringTimeout <= 0 {
		return
	}
	epoch := s.epoch
	s.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		m.ringTimedOut(epoch)
	})
}

func (m *Manager) ringTimedOut(epoch string) {
	var callID string
	ok := m.withSession(epoch, func(s *session) {
		if s.status == StatusConnected {
			return
		}
		callID = s.id
		m.sendHangupLocked(s)
		m.teardownLocked(s, "ring timeout")
	})
	if !ok || callID == "" {
		return
	}
	m.emitChange()
	m.updateStatusBestEffort(callID, models.EndReasonTimeout)
}

// sendHangupLocked emits the best-effort ephemeral termination signal.
// Durable status authority is the record update that follows teardown.
func (m *Manager) sendHangupLocked(s *session) {
	err := m.channel.SendEphemeral(models.Envelope{
		Type:   models.SignalHangup,
		CallID: s.id,
		From:   m.self.ID,
	})
	if err != nil {
		m.log.Debug("ephemeral hangup not delivered", "call_id", s.id, "error", err)
	}
}

// updateStatusBestEffort persists the terminal status. This write is
// authoritative for peers that were not subscribed when the ephemeral hangup
// went out; a failure here is logged, not surfaced, since local teardown has
// already completed.
func (m *Manager) updateStatusBestEffort(callID string, reason models.EndReason) {
	ctx, cancel := context.WithTimeout(context.Background(), durableWriteTimeout)
	defer cancel()
	if err := m.records.UpdateStatus(ctx, callID, reason); err != nil {
		m.log.Warn("durable status update failed", "call_id", callID, "reason", string(reason), "error", err)
	}
}

// wireTransportLocked registers the transport callbacks for the session.
// Every callback re-enters through the epoch check.
func (m *Manager) wireTransportLocked(s *session, tr Transport) {
	epoch := s.epoch
	tr.OnLocalCandidate(func(candidate json.RawMessage) {
		m.localCandidate(epoch, candidate)
	})
	tr.OnRemoteMedia(func(remote MediaHandle) {
		changed := m.withSession(epoch, func(s *session) {
			s.remote = remote
		})
		if changed {
			m.emitChange()
		}
	})
	tr.OnStateChange(func(state TransportState) {
		m.transportStateChanged(epoch, state)
	})
}

// localCandidate forwards a locally produced connectivity candidate on the
// ephemeral path only, tagged with the call and sender identity. Queueing
// before the subscription is confirmed is the channel's contract.
func (m *Manager) localCandidate(epoch string, candidate json.RawMessage) {
	m.withSession(epoch, func(s *session) {
		err := m.channel.SendEphemeral(models.Envelope{
			Type:    models.SignalCandidate,
			CallID:  s.id,
			From:    m.self.ID,
			Payload: candidate,
		})
		if err != nil {
			m.log.Debug("candidate not delivered", "call_id", s.id, "error", err)
		}
	})
}

func (m *Manager) transportStateChanged(epoch string, state TransportState) {
	var ended string
	changed := m.withSession(epoch, func(s *session) {
		switch state {
		case TransportConnected:
			if s.ringTimer != nil {
				s.ringTimer.Stop()
				s.ringTimer = nil
			}
			m.setStatusLocked(s, StatusConnected)
		case TransportFailed:
			// Fatal for the call; reported as failed, never retried.
			ended = s.id
			m.teardownLocked(s, "transport failure")
		}
	})
	if !changed {
		return
	}
	m.emitChange()
	if ended != "" {
		m.updateStatusBestEffort(ended, models.EndReasonEnded)
	}
}
