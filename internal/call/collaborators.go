// Package call implements the client-side call-signaling core: the session
// state machine, the candidate buffer, and the manager that enforces the
// single-active-call invariant. Media capture, the peer transport, record
// persistence and notification delivery are collaborators behind the
// interfaces in this file.
package call

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mpetrov/chatline/internal/models"
)

var (
	// ErrBusy is returned when an operation requires an idle manager but a
	// session already exists.
	ErrBusy = errors.New("call already in progress")

	// ErrInvalidState is returned when an operation is not legal in the
	// session's current status.
	ErrInvalidState = errors.New("operation not valid in current call state")

	// ErrMediaAccess wraps media acquisition failures (permission denied,
	// device unavailable, device in use).
	ErrMediaAccess = errors.New("media access failed")

	// ErrSignalDelivery wraps durable-path write failures. It is fatal for
	// the call only when the failed write carries the offer or answer.
	ErrSignalDelivery = errors.New("signal delivery failed")

	// ErrCancelled is returned by Start/Answer when the session was torn
	// down while an asynchronous step was still in flight.
	ErrCancelled = errors.New("call cancelled")
)

// Identity describes a call participant as seen by the UI.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// MediaHandle is an acquired local or remote media stream. Local handles are
// exclusively owned by the session and released on every exit path.
type MediaHandle interface {
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close()
}

// TransportState is the connectivity state reported by a Transport.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// ICEServer is one STUN/TURN entry handed to the transport.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// TransportConfig carries everything a MediaEngine needs to build a peer
// transport for one call attempt.
type TransportConfig struct {
	ICEServers []ICEServer
	Local      MediaHandle
}

// Transport is the peer-connectivity collaborator for one call attempt.
// Callback registration must happen before the first Produce/Apply call;
// callbacks may fire from the transport's own goroutines.
type Transport interface {
	ProduceOffer(ctx context.Context) (json.RawMessage, error)
	ProduceAnswer(ctx context.Context) (json.RawMessage, error)
	ApplyRemoteDescription(desc json.RawMessage) error
	AddRemoteCandidate(candidate json.RawMessage) error

	OnLocalCandidate(fn func(candidate json.RawMessage))
	OnRemoteMedia(fn func(remote MediaHandle))
	OnStateChange(fn func(state TransportState))

	Close() error
}

// MediaEngine acquires local capture media and builds peer transports.
type MediaEngine interface {
	Acquire(ctx context.Context) (MediaHandle, error)
	Release(h MediaHandle)
	CreateTransport(ctx context.Context, cfg TransportConfig) (Transport, error)
}

// RecordStore is the durable signal path: persisted call records, always
// eventually observable even if the other side subscribes late.
type RecordStore interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	UpdateAnswer(ctx context.Context, callID string, answer json.RawMessage) error
	UpdateStatus(ctx context.Context, callID string, reason models.EndReason) error
}

// Handler receives everything a per-call subscription can deliver: ephemeral
// envelopes and durable record updates. Handlers are invoked from the
// channel's delivery goroutine.
type Handler struct {
	OnMessage func(env models.Envelope)
	OnRecord  func(rec models.CallRecord)
}

// Subscription is a live per-call or inbox subscription.
type Subscription interface {
	Close()
}

// SignalChannel is the ephemeral, best-effort broadcast path plus the
// subscriptions for both paths. Ephemeral sends attempted before the
// subscription is confirmed are queued by the implementation and flushed on
// confirmation; loss beyond that point is an accepted property of the path.
type SignalChannel interface {
	Subscribe(ctx context.Context, callID string, h Handler) (Subscription, error)
	SubscribeInbox(ctx context.Context, userID string, fn func(rec models.CallRecord)) (Subscription, error)
	SendEphemeral(env models.Envelope) error
}

// Notifier surfaces an incoming-call alert to the local user.
type Notifier interface {
	IncomingCall(name, avatar string)
}

// Directory resolves user identities for display.
type Directory interface {
	UserByID(ctx context.Context, id string) (Identity, error)
}
