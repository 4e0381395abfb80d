// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-batcher/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound so callers can use either.
var ErrNotFound = gorm.ErrRecordNotFound

// FindConversation fetches the conversation for (platform, account, contact).
// It returns ErrNotFound when none exists.
func FindConversation(ctx context.Context, db *gorm.DB, platform, accountID, contactID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("platform = ? AND account_id = ? AND contact_id = ?", platform, accountID, contactID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// EnsureConversation returns the conversation for the key, creating it when
// missing. Concurrent callers converge on the same row.
func EnsureConversation(ctx context.Context, db *gorm.DB, platform, accountID, contactID string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:        uuid.NewString(),
		Platform:  platform,
		AccountID: accountID,
		ContactID: contactID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(c).Error
	if err != nil {
		return nil, err
	}
	return FindConversation(ctx, db, platform, accountID, contactID)
}

// TouchConversation bumps UpdatedAt.
func TouchConversation(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
