// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Contact and
// Group models, including the get-or-create operations the inbound router
// relies on.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaydesk/go-relay-backend/internal/domain"
)

// GetOrCreateContact resolves the contact for (accountID, channelID),
// creating it when absent. A concurrent create racing on the unique index is
// resolved by re-reading the winner's row. When displayName is non-empty and
// the stored contact has none yet, the name is filled in.
func GetOrCreateContact(ctx context.Context, db *gorm.DB, accountID, channelID, displayName string) (*domain.Contact, error) {
	var c domain.Contact
	err := db.WithContext(ctx).
		Where("account_id = ? AND channel_id = ?", accountID, channelID).
		First(&c).Error
	if err == nil {
		if displayName != "" && c.DisplayName == "" {
			if uerr := db.WithContext(ctx).Model(&c).Update("display_name", displayName).Error; uerr == nil {
				c.DisplayName = displayName
			}
		}
		return &c, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	c = domain.Contact{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		ChannelID:   channelID,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	if cerr := db.WithContext(ctx).Create(&c).Error; cerr != nil {
		if isUniqueViolation(cerr) {
			// Lost the race; the row exists now.
			err = db.WithContext(ctx).
				Where("account_id = ? AND channel_id = ?", accountID, channelID).
				First(&c).Error
			if err != nil {
				return nil, err
			}
			return &c, nil
		}
		return nil, cerr
	}
	return &c, nil
}

// GetContact fetches a contact by ID, or ErrNotFound.
func GetContact(ctx context.Context, db *gorm.DB, id string) (*domain.Contact, error) {
	var c domain.Contact
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetGroup fetches a group by ID, or ErrNotFound.
func GetGroup(ctx context.Context, db *gorm.DB, id string) (*domain.Group, error) {
	var g domain.Group
	if err := db.WithContext(ctx).Where("id = ?", id).First(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// GetOrCreateGroup resolves the group for (accountID, channelID), creating it
// when absent, with the same race handling as GetOrCreateContact.
func GetOrCreateGroup(ctx context.Context, db *gorm.DB, accountID, channelID, subject string) (*domain.Group, error) {
	var g domain.Group
	err := db.WithContext(ctx).
		Where("account_id = ? AND channel_id = ?", accountID, channelID).
		First(&g).Error
	if err == nil {
		if subject != "" && g.Subject == "" {
			if uerr := db.WithContext(ctx).Model(&g).Update("subject", subject).Error; uerr == nil {
				g.Subject = subject
			}
		}
		return &g, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	g = domain.Group{
		ID:        uuid.NewString(),
		AccountID: accountID,
		ChannelID: channelID,
		Subject:   subject,
		CreatedAt: time.Now().UTC(),
	}
	if cerr := db.WithContext(ctx).Create(&g).Error; cerr != nil {
		if isUniqueViolation(cerr) {
			err = db.WithContext(ctx).
				Where("account_id = ? AND channel_id = ?", accountID, channelID).
				First(&g).Error
			if err != nil {
				return nil, err
			}
			return &g, nil
		}
		return nil, cerr
	}
	return &g, nil
}
