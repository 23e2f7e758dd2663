// Package fanout publishes relay events to live subscribers. Topics are
// scoped by account: every connected agent session subscribed to an account
// receives that account's events. The core only ever publishes; it never
// reads from this channel, and publishing never blocks the publisher on a
// slow subscriber.
package fanout

// Event types published by the core.
const (
	EventMessageNew    = "message.new"
	EventMessageStatus = "message.status"
	EventAccountStatus = "account.status"
	EventPairing       = "account.pairing"
)

// Event is one fanout notification. Payload is any JSON-marshalable value;
// the core passes domain models and small status structs.
type Event struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	Payload   any    `json:"payload,omitempty"`
}

// Publisher delivers events to an account's subscribers. Implementations
// must be safe for concurrent use and must not block the caller.
type Publisher interface {
	Publish(accountID string, ev Event)
}

// StatusPayload is the payload for message.status events.
type StatusPayload struct {
	MessageID        string `json:"message_id"`
	ConversationID   string `json:"conversation_id"`
	ChannelMessageID string `json:"channel_message_id,omitempty"`
	Status           string `json:"status"`
	Reason           string `json:"reason,omitempty"`
}

// AccountStatusPayload is the payload for account.status events.
type AccountStatusPayload struct {
	Status string `json:"status"`
	Handle string `json:"handle,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

// PairingPayload carries out-of-band pairing data for presentation.
type PairingPayload struct {
	Code string `json:"code"`
}
