// Package domain defines the persistence models for conversations, their
// messages and the per-account policy tables. These types are mapped with
// GORM and form the durable layer behind the batching cache.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
	KindAudio = "audio"
)

// Conversation is one contact talking to one business account on one
// platform.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - Platform, AccountID, ContactID: the conversation key; unique together.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM. UpdatedAt moves on
//     every new message.
type Conversation struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Platform  string    `json:"platform"   gorm:"type:varchar(32);not null;uniqueIndex:ux_conversation_key,priority:1"`
	AccountID string    `json:"account_id" gorm:"type:varchar(128);not null;uniqueIndex:ux_conversation_key,priority:2"`
	ContactID string    `json:"contact_id" gorm:"type:varchar(128);not null;uniqueIndex:ux_conversation_key,priority:3"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message is one inbound or outbound utterance. Media messages keep the
// platform media id so their short-lived download URL can be refreshed.
type Message struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string         `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conversation_msgs,priority:1"`
	Role           string         `json:"role"            gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Kind           string         `json:"kind"            gorm:"type:varchar(16);not null;default:'text'"`
	Content        string         `json:"content"         gorm:"type:text;not null;default:''"`
	MediaID        string         `json:"media_id,omitempty"    gorm:"type:varchar(128)"`
	MediaURL       string         `json:"media_url,omitempty"   gorm:"type:text"`
	ExternalID     string         `json:"external_id,omitempty" gorm:"type:varchar(128);index"`
	CreatedAt      time.Time      `json:"created_at"      gorm:"index:idx_conversation_msgs,priority:2"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`

	// Messages are cascade-deleted with their conversation.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// ChannelAccount holds the credentials of a connected business account.
type ChannelAccount struct {
	ID          string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Platform    string    `json:"platform"   gorm:"type:varchar(32);not null;uniqueIndex:ux_channel_account,priority:1"`
	AccountID   string    `json:"account_id" gorm:"type:varchar(128);not null;uniqueIndex:ux_channel_account,priority:2"`
	OwnerID     string    `json:"owner_id"   gorm:"type:varchar(64);not null;index"`
	AccessToken string    `json:"-"          gorm:"type:text;not null"`
	Active      bool      `json:"active"     gorm:"not null;default:true"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for ChannelAccount.
func (ChannelAccount) TableName() string { return "channel_accounts" }

// AutomationSetting is an owner's reply policy. Nil generation fields fall
// back to the service defaults.
type AutomationSetting struct {
	OwnerID      string    `json:"owner_id"      gorm:"type:varchar(64);primaryKey"`
	Enabled      bool      `json:"enabled"       gorm:"not null;default:false"`
	Model        string    `json:"model"         gorm:"type:varchar(128)"`
	Temperature  *float64  `json:"temperature,omitempty"`
	TopP         *float64  `json:"top_p,omitempty"`
	SystemPrompt string    `json:"system_prompt" gorm:"type:text"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for AutomationSetting.
func (AutomationSetting) TableName() string { return "automation_settings" }
