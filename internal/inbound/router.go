// Package inbound normalizes raw transport events into stored conversation
// state. For every inbound message it resolves (or creates) the contact or
// group, resolves the unique conversation for that peer, deduplicates
// against the live/history race, persists the message, and publishes a
// fanout notification for live traffic.
//
// History backfill is stored like live traffic but bumps no unread counter
// and publishes nothing. Accounts in incognito mode store everything too,
// with unread propagation suppressed.
package inbound

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/relaydesk/go-relay-backend/internal/dedup"
	"github.com/relaydesk/go-relay-backend/internal/domain"
	"github.com/relaydesk/go-relay-backend/internal/fanout"
	"github.com/relaydesk/go-relay-backend/internal/repo"
	"github.com/relaydesk/go-relay-backend/internal/transport"
)

// Router routes inbound transport events into the store. Safe for
// concurrent use; all shared state lives in the deduplicator and the DB.
type Router struct {
	db    *gorm.DB
	dedup *dedup.Deduplicator
	pub   fanout.Publisher
	log   zerolog.Logger

	nameCaser cases.Caser
}

// New constructs a Router.
func New(db *gorm.DB, dd *dedup.Deduplicator, pub fanout.Publisher, log zerolog.Logger) *Router {
	return &Router{
		db:        db,
		dedup:     dd,
		pub:       pub,
		log:       log,
		nameCaser: cases.Title(language.Und, cases.NoLower),
	}
}

// HandleInbound implements session.InboundSink. Errors are logged, not
// returned: the transport event loop must never stall on a bad event, and a
// dropped event is redelivered by the next history sync.
func (r *Router) HandleInbound(ctx context.Context, accountID string, msg transport.Message) {
	if err := r.handle(ctx, accountID, msg); err != nil {
		r.log.Error().Err(err).
			Str("account_id", accountID).
			Str("channel_message_id", msg.ChannelMessageID).
			Msg("inbound event dropped")
	}
}

func (r *Router) handle(ctx context.Context, accountID string, msg transport.Message) error {
	tr := otel.Tracer("inbound/Router")
	ctx, span := tr.Start(ctx, "HandleInbound",
		trace.WithAttributes(
			attribute.String("account.id", accountID),
			attribute.Bool("history", msg.FromHistory),
		),
	)
	defer span.End()

	// Cheap pre-check; the insert constraint below remains authoritative.
	if dup, err := r.dedup.IsDuplicate(ctx, accountID, msg.ChannelMessageID); err != nil {
		return err
	} else if dup {
		return nil
	}

	account, err := repo.GetAccount(ctx, r.db, accountID)
	if err != nil {
		return err
	}

	conv, err := r.resolveConversation(ctx, accountID, msg)
	if err != nil {
		return err
	}

	stored, err := repo.CreateInboundMessage(ctx, r.db, accountID, conv.ID, msg.ChannelMessageID, msg.Kind, msg.Body, msg.Timestamp)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// Lost the live/history race; the winner already processed it.
			r.dedup.MarkSeen(accountID, msg.ChannelMessageID)
			return nil
		}
		return err
	}
	// Mark before any further processing so a concurrent duplicate observes
	// "already seen" as early as possible.
	r.dedup.MarkSeen(accountID, msg.ChannelMessageID)

	bumpUnread := !msg.FromHistory && !account.Incognito
	if err := repo.TouchConversation(ctx, r.db, conv.ID, stored.CreatedAt, bumpUnread); err != nil {
		r.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("conversation touch failed")
	}

	if !msg.FromHistory {
		r.pub.Publish(accountID, fanout.Event{
			Type:    fanout.EventMessageNew,
			Payload: stored,
		})
	}
	return nil
}

// resolveConversation finds or creates the peer entity and its unique
// conversation for the account.
func (r *Router) resolveConversation(ctx context.Context, accountID string, msg transport.Message) (*domain.Conversation, error) {
	if msg.From.IsGroup() {
		group, err := repo.GetOrCreateGroup(ctx, r.db, accountID, msg.From.ChannelID, "")
		if err != nil {
			return nil, err
		}
		// The individual sender is still tracked as a contact so later 1:1
		// traffic shares an identity.
		if msg.SenderID != "" {
			if _, err := repo.GetOrCreateContact(ctx, r.db, accountID, msg.SenderID, r.prettyName(msg.SenderName)); err != nil {
				r.log.Warn().Err(err).Str("account_id", accountID).Msg("group sender contact resolve failed")
			}
		}
		return repo.GetOrCreateGroupConversation(ctx, r.db, accountID, group.ID)
	}

	contact, err := repo.GetOrCreateContact(ctx, r.db, accountID, msg.From.ChannelID, r.prettyName(msg.SenderName))
	if err != nil {
		return nil, err
	}
	return repo.GetOrCreateContactConversation(ctx, r.db, accountID, contact.ID)
}

var nameSpaceRE = regexp.MustCompile(`\s+`)

// prettyName normalizes a pushed display name: whitespace collapsed, and
// all-lowercase names title-cased (common with e-commerce chat handles).
func (r *Router) prettyName(name string) string {
	name = nameSpaceRE.ReplaceAllString(strings.TrimSpace(name), " ")
	if name == "" {
		return ""
	}
	if name == strings.ToLower(name) {
		return r.nameCaser.String(name)
	}
	return name
}
