package models

// Websocket frame types shared by the server and the client channel.

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPublish     = "publish"
)

const (
	KindSubscribed = "subscribed"
	KindSignal     = "signal"
	KindRecord     = "record"
	KindInvite     = "invite"
	KindError      = "error"
)

// ClientFrame is what a connected client sends. Topic is call:<id> for
// per-call traffic or inbox for the authenticated user's invitations.
type ClientFrame struct {
	Action   string    `json:"action"`
	Topic    string    `json:"topic,omitempty"`
	Envelope *Envelope `json:"envelope,omitempty"`
}

// ServerFrame is what the server pushes down a connection.
type ServerFrame struct {
	Kind     string      `json:"kind"`
	Topic    string      `json:"topic,omitempty"`
	Envelope *Envelope   `json:"envelope,omitempty"`
	Record   *CallRecord `json:"record,omitempty"`
	Error    string      `json:"error,omitempty"`
}
