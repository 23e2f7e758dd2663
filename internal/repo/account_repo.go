// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Account
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. Status transitions are written here but
// decided by the session layer.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaydesk/go-relay-backend/internal/domain"
)

// CreateAccount inserts a new Account row for tenantID on the given channel.
// The account starts in connecting status; the session layer moves it from
// there. CreatedAt is set to UTC because it feeds warm-up age math.
func CreateAccount(ctx context.Context, db *gorm.DB, tenantID, channel string, incognito bool) (*domain.Account, error) {
	a := &domain.Account{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Channel:   channel,
		Status:    domain.StatusConnecting,
		Incognito: incognito,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// GetAccount fetches a single account by ID, or ErrNotFound if missing.
func GetAccount(ctx context.Context, db *gorm.DB, id string) (*domain.Account, error) {
	var a domain.Account
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAccounts returns all accounts for a tenant, newest first.
func ListAccounts(ctx context.Context, db *gorm.DB, tenantID string) ([]domain.Account, error) {
	var out []domain.Account
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}

// ListResumableAccounts returns accounts across all tenants whose sessions
// should be restored on process start, i.e. everything except terminated and
// error states.
func ListResumableAccounts(ctx context.Context, db *gorm.DB) ([]domain.Account, error) {
	var out []domain.Account
	err := db.WithContext(ctx).
		Where("status NOT IN ?", []domain.AccountStatus{domain.StatusTerminated, domain.StatusError}).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// UpdateAccountStatus persists a status transition. If no rows are affected
// (account missing), it returns ErrNotFound.
func UpdateAccountStatus(ctx context.Context, db *gorm.DB, id string, status domain.AccountStatus) error {
	res := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAccountIdentity records the channel-assigned handle resolved when the
// transport opened, together with the connected status.
func UpdateAccountIdentity(ctx context.Context, db *gorm.DB, id, handle string) error {
	res := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": domain.StatusConnected, "handle": handle})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAccountCredentials stores the opaque transport credential blob.
func SaveAccountCredentials(ctx context.Context, db *gorm.DB, id string, creds []byte) error {
	return db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", id).
		Update("credentials", creds).Error
}

// ClearAccountCredentials discards stored credentials after a logout so the
// next provisioning starts from a clean pairing.
func ClearAccountCredentials(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", id).
		Update("credentials", nil).Error
}

// DeleteAccount soft-deletes the account row. Callers must tear down the
// account's connection session first.
func DeleteAccount(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Account{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IsNotFound reports whether err is the repo-level missing-record error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
