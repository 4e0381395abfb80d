// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides helpers for the InboundReceipt model
// used to drop redelivered webhook events.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-batcher/internal/domain"
)

// ErrDuplicate indicates that a receipt already exists for the given
// (platform, account_id, external_id) tuple.
var ErrDuplicate = errors.New("duplicate")

// GetReceipt returns a non-expired receipt or ErrNotFound.
func GetReceipt(ctx context.Context, db *gorm.DB, platform, accountID, externalID string, now time.Time) (*domain.InboundReceipt, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.InboundReceipt
	err := db.WithContext(ctx).
		Where("platform = ? AND account_id = ? AND external_id = ? AND expires_at > ?", platform, accountID, externalID, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateReceipt inserts a receipt and returns ErrDuplicate on unique violation.
func CreateReceipt(ctx context.Context, db *gorm.DB, platform, accountID, externalID, messageID string, ttl time.Duration) (*domain.InboundReceipt, error) {
	now := time.Now().UTC()
	rec := &domain.InboundReceipt{
		ID:         uuid.NewString(),
		Platform:   platform,
		AccountID:  accountID,
		ExternalID: externalID,
		MessageID:  messageID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// DeleteReceipt forgets an external id so a redelivery is accepted again.
func DeleteReceipt(ctx context.Context, db *gorm.DB, platform, accountID, externalID string) error {
	return db.WithContext(ctx).
		Where("platform = ? AND account_id = ? AND external_id = ?", platform, accountID, externalID).
		Delete(&domain.InboundReceipt{}).Error
}

// DeleteExpiredReceipts removes receipts whose dedupe window has passed so a
// much later redelivery is treated as new, and returns how many were removed.
func DeleteExpiredReceipts(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.InboundReceipt{})
	return res.RowsAffected, res.Error
}

// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	low := strings.ToLower(err.Error())
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
