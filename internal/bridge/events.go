package bridge

import "time"

// Event is one item on a device's session event stream. Events for a single
// device are handled in emission order by that device's event loop; there is
// no ordering guarantee across devices.
type Event interface {
	isEvent()
}

// PairingCodeEvent carries a raw pairing token emitted by the protocol layer.
// Each one replaces the previously rendered artifact.
type PairingCodeEvent struct {
	Code string
}

// ConnectedEvent signals the session reached the open state. Identity is the
// session's own identity as reported by the protocol layer, possibly carrying
// a device suffix ("5511999998888:1").
type ConnectedEvent struct {
	Identity string
}

// ClosedEvent signals the session left the open state. LoggedOut closures are
// terminal; any other reason schedules a reconnection attempt.
type ClosedEvent struct {
	LoggedOut bool
	Reason    string
}

// CredentialsEvent signals the durable authentication material changed.
// It must be persisted on every occurrence or a process restart cannot
// resume the session.
type CredentialsEvent struct {
	StoreJID string
}

// MessagesEvent carries a batch of inbound messages. Only live deliveries
// are forwarded to the backend; historical backfill is excluded.
type MessagesEvent struct {
	Live     bool
	Messages []InboundMessage
}

// InboundMessage is the ephemeral record derived from one incoming protocol
// message. Text only; non-text payloads are not extracted.
type InboundMessage struct {
	ChatID       string
	MessageID    string
	FromMe       bool
	ContactPhone string
	Content      string
	Timestamp    time.Time
}

func (PairingCodeEvent) isEvent() {}
func (ConnectedEvent) isEvent()   {}
func (ClosedEvent) isEvent()      {}
func (CredentialsEvent) isEvent() {}
func (MessagesEvent) isEvent()    {}
