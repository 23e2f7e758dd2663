// Package transport defines the contract between the relay core and a
// channel transport: the external library or service that encodes, decodes,
// and moves wire messages for one channel type. The core never speaks a wire
// protocol itself; it consumes the event stream and send primitive declared
// here. Per-channel adapters implement Transport out of tree; the loopback
// implementation in this package serves development and tests.
package transport

import (
	"context"
	"time"

	"github.com/relaydesk/go-relay-backend/internal/domain"
)

// Transport opens transport connections for one channel type.
type Transport interface {
	// Connect establishes a connection using the stored credential blob
	// (nil for a first-time pairing). Construction failures are returned
	// here and are terminal for the session; they never start a retry loop.
	Connect(ctx context.Context, creds []byte) (Conn, error)
}

// Conn is one live transport connection.
type Conn interface {
	// Events returns the connection's event stream. The channel is closed
	// after a Closed event has been delivered or Close is called.
	Events() <-chan Event

	// Send transmits a payload to the target and blocks until the transport
	// acknowledges or fails. Timeouts are the transport's own; callers
	// convert an error into a failed message status.
	Send(ctx context.Context, target domain.Target, payload Payload) (Ack, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Payload is the channel-agnostic content of an outbound send.
type Payload struct {
	Kind string // "text" or an opaque channel-specific kind
	Body string
}

// Ack is the transport's acknowledgment of an accepted send.
type Ack struct {
	ChannelMessageID string
	Timestamp        time.Time
}

// Event is a transport connection event. Concrete types: Pairing, Opened,
// Closed, Message, Receipt.
type Event interface{ isEvent() }

// Pairing carries out-of-band pairing data (e.g. a QR payload). It may be
// emitted several times before the connection opens.
type Pairing struct {
	Code string
}

// Opened signals that the stream is up. Handle is the channel-assigned
// identity; Credentials, when non-nil, is the refreshed blob to persist for
// the next connect.
type Opened struct {
	Handle      string
	Credentials []byte
}

// Closed signals that the stream ended. LoggedOut marks the unrecoverable
// case (explicit logout / unauthorized); everything else is treated as a
// transient drop eligible for reconnect.
type Closed struct {
	Cause     string
	LoggedOut bool
}

// Recoverable reports whether a reconnect may be attempted.
func (c Closed) Recoverable() bool { return !c.LoggedOut }

// Message is an inbound message, from the live stream or a history backfill.
type Message struct {
	ChannelMessageID string
	From             domain.Target // peer: contact or group context
	SenderID         string        // individual sender within a group
	SenderName       string        // pushed display name, may be empty
	Kind             string
	Body             string
	Timestamp        time.Time
	// FromHistory marks backfilled messages: stored, but no unread counts
	// and no fanout.
	FromHistory bool
}

// Receipt is an asynchronous delivery-status update for an outbound message.
type Receipt struct {
	ChannelMessageID string
	Status           domain.MessageStatus // delivered or read
	Timestamp        time.Time
}

func (Pairing) isEvent() {}
func (Opened) isEvent()  {}
func (Closed) isEvent()  {}
func (Message) isEvent() {}
func (Receipt) isEvent() {}
