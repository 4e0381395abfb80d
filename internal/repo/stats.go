// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the aggregate query behind the stats
// endpoint.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-batcher/internal/domain"
)

// StoreStats summarizes the durable store.
type StoreStats struct {
	Conversations int64      `json:"conversations"`
	Messages      int64      `json:"messages"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// Stats counts conversations and messages and finds the latest message time.
// LastMessageAt is nil when there are no messages.
func Stats(ctx context.Context, db *gorm.DB) (StoreStats, error) {
	var out StoreStats
	q := db.WithContext(ctx)
	if err := q.Model(&domain.Conversation{}).Count(&out.Conversations).Error; err != nil {
		return StoreStats{}, err
	}
	if err := q.Model(&domain.Message{}).Count(&out.Messages).Error; err != nil {
		return StoreStats{}, err
	}
	if out.Messages == 0 {
		return out, nil
	}

	// Order instead of MAX() to avoid SQLite returning TEXT.
	var row struct {
		CreatedAt time.Time
	}
	if err := q.Model(&domain.Message{}).Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return StoreStats{}, err
	}
	out.LastMessageAt = &row.CreatedAt
	return out, nil
}
