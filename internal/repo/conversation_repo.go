// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model. The get-or-create pair upholds the invariant of at
// most one conversation per (account, contact) or (account, group).
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaydesk/go-relay-backend/internal/domain"
)

// GetOrCreateContactConversation resolves the 1:1 conversation for
// (accountID, contactID), creating it when absent. Concurrent creates racing
// on the unique index resolve to the winner's row.
func GetOrCreateContactConversation(ctx context.Context, db *gorm.DB, accountID, contactID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := db.WithContext(ctx).
		Where("account_id = ? AND contact_id = ?", accountID, contactID).
		First(&conv).Error
	if err == nil {
		return &conv, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	conv = domain.Conversation{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		ContactID:      &contactID,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if cerr := db.WithContext(ctx).Create(&conv).Error; cerr != nil {
		if isUniqueViolation(cerr) {
			err = db.WithContext(ctx).
				Where("account_id = ? AND contact_id = ?", accountID, contactID).
				First(&conv).Error
			if err != nil {
				return nil, err
			}
			return &conv, nil
		}
		return nil, cerr
	}
	return &conv, nil
}

// GetOrCreateGroupConversation resolves the group conversation for
// (accountID, groupID), creating it when absent.
func GetOrCreateGroupConversation(ctx context.Context, db *gorm.DB, accountID, groupID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := db.WithContext(ctx).
		Where("account_id = ? AND group_id = ?", accountID, groupID).
		First(&conv).Error
	if err == nil {
		return &conv, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	conv = domain.Conversation{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		GroupID:        &groupID,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if cerr := db.WithContext(ctx).Create(&conv).Error; cerr != nil {
		if isUniqueViolation(cerr) {
			err = db.WithContext(ctx).
				Where("account_id = ? AND group_id = ?", accountID, groupID).
				First(&conv).Error
			if err != nil {
				return nil, err
			}
			return &conv, nil
		}
		return nil, cerr
	}
	return &conv, nil
}

// GetConversation fetches a conversation by ID, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// TouchConversation advances the conversation's last-activity timestamp and
// optionally increments the unread counter. The timestamp only ever moves
// forward: history backfill carries the original message timestamps, and a
// week-old message must not push a conversation down the inbox. Both the
// advance and the increment are single SQL expressions so concurrent inbound
// handlers cannot lose updates.
func TouchConversation(ctx context.Context, db *gorm.DB, id string, at time.Time, incrementUnread bool) error {
	updates := map[string]any{
		"last_activity_at": gorm.Expr(
			"CASE WHEN last_activity_at < ? THEN ? ELSE last_activity_at END", at, at),
	}
	if incrementUnread {
		updates["unread_count"] = gorm.Expr("unread_count + 1")
	}
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// MarkConversationRead resets the unread counter, e.g. when an agent opens
// the conversation.
func MarkConversationRead(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("unread_count", 0)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountConversations returns the total number of conversations for an account.
func CountConversations(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("account_id = ?", accountID).
		Count(&total).Error
	return total, err
}

// ListConversationsPage returns a page of conversations for an account,
// most recently active first, with contact/group associations preloaded.
func ListConversationsPage(ctx context.Context, db *gorm.DB, accountID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Preload("Contact").
		Preload("Group").
		Where("account_id = ?", accountID).
		Order("last_activity_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
