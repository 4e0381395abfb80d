package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-batcher/internal/domain"
)

// GetChannelAccount fetches the account for (platform, accountID), active or
// not. It returns ErrNotFound when missing.
func GetChannelAccount(ctx context.Context, db *gorm.DB, platform, accountID string) (*domain.ChannelAccount, error) {
	var a domain.ChannelAccount
	err := db.WithContext(ctx).
		Where("platform = ? AND account_id = ?", platform, accountID).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertChannelAccount inserts a or updates the owner, token and active flag
// of the existing row with the same (platform, account_id).
func UpsertChannelAccount(ctx context.Context, db *gorm.DB, a *domain.ChannelAccount) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "platform"}, {Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"owner_id", "access_token", "active", "updated_at"}),
		}).
		Create(a).Error
}

// GetAutomationSetting fetches the reply policy of ownerID. It returns
// ErrNotFound when the owner never configured one.
func GetAutomationSetting(ctx context.Context, db *gorm.DB, ownerID string) (*domain.AutomationSetting, error) {
	var s domain.AutomationSetting
	if err := db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveAutomationSetting inserts or replaces the policy row of s.OwnerID.
func SaveAutomationSetting(ctx context.Context, db *gorm.DB, s *domain.AutomationSetting) error {
	s.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Save(s).Error
}
