package domain

import "time"

// InboundReceipt records an external message id seen from a platform, keyed
// by (platform, account_id, external_id). Webhooks are delivered at least
// once; a second delivery of the same id is dropped before it reaches the
// batching queue.
type InboundReceipt struct {
	ID         string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Platform   string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_receipt_key,priority:1"`
	AccountID  string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_receipt_key,priority:2"`
	ExternalID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_receipt_key,priority:3"`
	MessageID  string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt  time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt  time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (InboundReceipt) TableName() string { return "inbound_receipts" }
