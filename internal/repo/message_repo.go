// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model: optimistic pending writes for outbound dispatch, insert-if-absent
// for inbound deduplication, and the guarded status transitions of the
// message lifecycle.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaydesk/go-relay-backend/internal/domain"
)

// CreateOutboundMessage inserts the optimistic pending row for an outbound
// send. The channel message id stays NULL until the transport acknowledges.
func CreateOutboundMessage(ctx context.Context, db *gorm.DB, accountID, conversationID, kind, body string) (*domain.Message, error) {
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		AccountID:      accountID,
		Direction:      domain.DirectionOut,
		Kind:           kind,
		Body:           body,
		Status:         domain.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// CreateInboundMessage inserts an inbound message row keyed by the transport
// message id. It returns ErrDuplicate when the (account, channel message id)
// unique index rejects the insert; that constraint, not any cache in front of
// it, is the deduplication source of truth.
func CreateInboundMessage(ctx context.Context, db *gorm.DB, accountID, conversationID, channelMessageID, kind, body string, at time.Time) (*domain.Message, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m := &domain.Message{
		ID:               uuid.NewString(),
		ConversationID:   conversationID,
		AccountID:        accountID,
		Direction:        domain.DirectionIn,
		Kind:             kind,
		Body:             body,
		ChannelMessageID: &channelMessageID,
		Status:           domain.StatusReceived,
		CreatedAt:        at,
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return m, nil
}

// MessageExists reports whether a message with the given transport id is
// already stored for the account. Used by the deduplicator on cache misses.
func MessageExists(ctx context.Context, db *gorm.DB, accountID, channelMessageID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("account_id = ? AND channel_message_id = ?", accountID, channelMessageID).
		Count(&n).Error
	return n > 0, err
}

// MarkMessageSent transitions a pending message to sent and records the
// transport-assigned id. Only a pending row is eligible, which makes the
// transition idempotent under duplicate acks.
func MarkMessageSent(ctx context.Context, db *gorm.DB, id, channelMessageID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{
			"status":             domain.StatusSent,
			"channel_message_id": channelMessageID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessageFailed transitions a pending or sent message to failed with a
// human-readable reason. Terminal rows are left untouched.
func MarkMessageFailed(ctx context.Context, db *gorm.DB, id, reason string) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND status IN ?", id, []domain.MessageStatus{domain.StatusPending, domain.StatusSent}).
		Updates(map[string]any{
			"status":         domain.StatusFailed,
			"failure_reason": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceMessageStatus applies a delivery receipt (delivered or read) to the
// outbound message with the given transport id. The WHERE clause encodes the
// no-regression rule, so a delivered receipt arriving after read is a no-op
// rather than an error.
func AdvanceMessageStatus(ctx context.Context, db *gorm.DB, accountID, channelMessageID string, status domain.MessageStatus) (*domain.Message, error) {
	var eligible []domain.MessageStatus
	switch status {
	case domain.StatusDelivered:
		eligible = []domain.MessageStatus{domain.StatusSent}
	case domain.StatusRead:
		eligible = []domain.MessageStatus{domain.StatusSent, domain.StatusDelivered}
	default:
		return nil, ErrNotFound
	}

	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("account_id = ? AND channel_message_id = ? AND direction = ? AND status IN ?",
			accountID, channelMessageID, domain.DirectionOut, eligible).
		Update("status", status)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	var m domain.Message
	err := db.WithContext(ctx).
		Where("account_id = ? AND channel_message_id = ?", accountID, channelMessageID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// HasOutboundMessage reports whether the account has ever sent into the
// conversation. Backs the new-vs-returning contact classification when the
// governor's in-memory cache has no answer.
func HasOutboundMessage(ctx context.Context, db *gorm.DB, accountID, conversationID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("account_id = ? AND conversation_id = ? AND direction = ?",
			accountID, conversationID, domain.DirectionOut).
		Count(&n).Error
	return n > 0, err
}

// HasInboundMessage reports whether the conversation has received any inbound
// traffic. An outbound send into such a conversation is a reply and skips the
// new-contact classification.
func HasInboundMessage(ctx context.Context, db *gorm.DB, accountID, conversationID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("account_id = ? AND conversation_id = ? AND direction = ?",
			accountID, conversationID, domain.DirectionIn).
		Count(&n).Error
	return n > 0, err
}

// CountMessages returns the number of messages in a conversation.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC)
// so pagination is deterministic under equal timestamps.
func ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListStalePending returns outbound messages still pending after the given
// cutoff. The reconciliation sweep fails these so no message is left in an
// unresolved state indefinitely.
func ListStalePending(ctx context.Context, db *gorm.DB, olderThan time.Time) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("direction = ? AND status = ? AND created_at < ?",
			domain.DirectionOut, domain.StatusPending, olderThan).
		Find(&out).Error
	return out, err
}
