// Package domain defines the persistence models for accounts, contacts,
// conversations, and messages. These types are mapped with GORM and form
// the core data layer of the relay: one Account per connected messaging
// identity, one Conversation per (account, peer) pair, and one Message per
// unit of conversation content in either direction.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// AccountStatus is the connection-lifecycle state of an Account. Transitions
// are owned by the session layer; everything else only reads it.
type AccountStatus string

const (
	// StatusQRPending means the account is waiting for out-of-band pairing
	// (e.g. a QR scan). It may recur several times before pairing succeeds.
	StatusQRPending AccountStatus = "qr_pending"
	// StatusConnecting means a transport connection attempt is in progress.
	StatusConnecting AccountStatus = "connecting"
	// StatusConnected means the transport stream is open and usable.
	StatusConnected AccountStatus = "connected"
	// StatusDisconnected means the transport closed; a reconnect may follow
	// if the closure was recoverable.
	StatusDisconnected AccountStatus = "disconnected"
	// StatusTerminated means the account was logged out or deleted; no
	// reconnect will be attempted.
	StatusTerminated AccountStatus = "terminated"
	// StatusError means transport construction failed (e.g. corrupt stored
	// credentials). Terminal until an operator re-provisions.
	StatusError AccountStatus = "error"
)

// MessageStatus is the delivery-lifecycle state of a Message.
//
// Outbound: pending → sent → delivered → read, or pending/sent → failed.
// Inbound messages are stored as received and never transition.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	StatusReceived  MessageStatus = "received"
)

// rank orders outbound statuses so that late receipts can never regress an
// already-advanced message (a read receipt may arrive before the delivered
// one on some transports).
func (s MessageStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Supersedes reports whether moving to s from prev is a legal forward
// transition. failed is terminal and never superseded.
func (s MessageStatus) Supersedes(prev MessageStatus) bool {
	if prev == StatusFailed || prev == StatusReceived {
		return false
	}
	return s.rank() > prev.rank()
}

// Direction distinguishes inbound from outbound messages.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Account represents one messaging identity connected to the relay. Owned by
// a tenant; its Status mirrors the ConnectionSession state machine and its
// CreatedAt drives warm-up tiering in the rate governor.
type Account struct {
	ID       string        `json:"id"        gorm:"type:char(36);primaryKey"`
	TenantID string        `json:"tenant_id" gorm:"type:varchar(64);not null;index:idx_tenant_accounts"`
	Channel  string        `json:"channel"   gorm:"type:varchar(32);not null"`
	Status   AccountStatus `json:"status"    gorm:"type:varchar(16);not null;default:'connecting'"`
	// Handle is the channel-assigned identity (phone number, shop handle),
	// resolved when the transport opens.
	Handle string `json:"handle" gorm:"type:varchar(128)"`
	// Incognito suppresses unread counters and read-receipt propagation for
	// inbound traffic while still storing every message.
	Incognito bool `json:"incognito" gorm:"not null;default:false"`
	// Credentials is the opaque transport credential blob; cleared on logout.
	Credentials []byte         `json:"-" gorm:"type:blob"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Account.
func (Account) TableName() string { return "accounts" }

// AgeDays returns the whole number of days since the account was created.
func (a *Account) AgeDays(now time.Time) int {
	return int(now.Sub(a.CreatedAt).Hours() / 24)
}

// Contact is a channel peer known to one account. ChannelID is the peer's
// identity on the wire (e.g. a phone JID) and is unique per account.
type Contact struct {
	ID          string         `json:"id"           gorm:"type:char(36);primaryKey"`
	AccountID   string         `json:"account_id"   gorm:"type:char(36);not null;uniqueIndex:ux_contact_account_channel,priority:1"`
	ChannelID   string         `json:"channel_id"   gorm:"type:varchar(128);not null;uniqueIndex:ux_contact_account_channel,priority:2"`
	DisplayName string         `json:"display_name" gorm:"type:varchar(255)"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-" gorm:"index"`

	Account Account `json:"-" gorm:"foreignKey:AccountID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Contact.
func (Contact) TableName() string { return "contacts" }

// Group is a channel group context known to one account.
type Group struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	AccountID string         `json:"account_id" gorm:"type:char(36);not null;uniqueIndex:ux_group_account_channel,priority:1"`
	ChannelID string         `json:"channel_id" gorm:"type:varchar(128);not null;uniqueIndex:ux_group_account_channel,priority:2"`
	Subject   string         `json:"subject"    gorm:"type:varchar(255)"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Account Account `json:"-" gorm:"foreignKey:AccountID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Group.
func (Group) TableName() string { return "groups" }

// Conversation groups messages for one contact or group context under one
// account. At most one conversation exists per (account, contact) or
// (account, group) pair; the inbound router's get-or-create enforces this
// together with the two unique indexes below (SQLite treats NULLs as
// distinct, so the contact index ignores group conversations and vice versa).
type Conversation struct {
	ID        string  `json:"id"         gorm:"type:char(36);primaryKey"`
	AccountID string  `json:"account_id" gorm:"type:char(36);not null;index;uniqueIndex:ux_conv_account_contact,priority:1;uniqueIndex:ux_conv_account_group,priority:1"`
	ContactID *string `json:"contact_id,omitempty" gorm:"type:char(36);uniqueIndex:ux_conv_account_contact,priority:2"`
	GroupID   *string `json:"group_id,omitempty"   gorm:"type:char(36);uniqueIndex:ux_conv_account_group,priority:2"`
	// UnreadCount counts live inbound messages not yet read by an agent.
	// Suppressed for history backfill and incognito accounts.
	UnreadCount    int            `json:"unread_count" gorm:"not null;default:0"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-" gorm:"index"`

	Account Account  `json:"-" gorm:"foreignKey:AccountID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Contact *Contact `json:"contact,omitempty" gorm:"foreignKey:ContactID;references:ID"`
	Group   *Group   `json:"group,omitempty"   gorm:"foreignKey:GroupID;references:ID"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message is a single unit of conversation content.
//
// ChannelMessageID is the transport-assigned identifier: set on inbound
// messages at creation, and on outbound messages once the transport
// acknowledges the send. The per-account unique index on it is the
// deduplication source of truth for inbound delivery races.
type Message struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	AccountID      string    `json:"account_id"      gorm:"type:char(36);not null;uniqueIndex:ux_msg_account_channel,priority:1"`
	Direction      Direction `json:"direction"       gorm:"type:varchar(4);not null;check:direction IN ('in','out')"`
	// Kind is the content type: "text" is the only kind the relay interprets;
	// other kinds are stored and forwarded opaquely.
	Kind             string        `json:"kind"    gorm:"type:varchar(16);not null;default:'text'"`
	Body             string        `json:"body"    gorm:"type:text;not null"`
	ChannelMessageID *string       `json:"channel_message_id,omitempty" gorm:"type:varchar(128);uniqueIndex:ux_msg_account_channel,priority:2"`
	Status           MessageStatus `json:"status"  gorm:"type:varchar(12);not null;index"`
	// FailureReason is a human-readable explanation set when Status is failed.
	FailureReason string         `json:"failure_reason,omitempty" gorm:"type:varchar(255)"`
	CreatedAt     time.Time      `json:"created_at" gorm:"index:idx_conv_msgs,priority:2"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-" gorm:"index"`

	// Conversation is the parent grouping. Messages are cascade-deleted
	// if their conversation is removed; they are never deleted individually.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }
