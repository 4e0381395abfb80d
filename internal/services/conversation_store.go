package services

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-batcher/internal/batching"
	"github.com/tbourn/go-chat-batcher/internal/domain"
	"github.com/tbourn/go-chat-batcher/internal/repo"
)

// messagesPerGroup is how many rows RecentGroups reads per requested group.
// Bursts are coalesced, so groups rarely hold more.
const messagesPerGroup = 4

// ConversationStore serves conversation history from the database.
type ConversationStore struct {
	DB *gorm.DB
}

// NewConversationStore returns a store over db.
func NewConversationStore(db *gorm.DB) *ConversationStore {
	return &ConversationStore{DB: db}
}

// RecentGroups returns up to limit runs of consecutive same-role messages,
// newest run first; messages inside a run are oldest first. An unknown
// conversation has no groups.
func (s *ConversationStore) RecentGroups(ctx context.Context, key batching.Key, limit int) ([]batching.Group, error) {
	tr := otel.Tracer("services/ConversationStore")
	ctx, span := tr.Start(ctx, "RecentGroups", trace.WithAttributes(
		attribute.String("conversation.key", key.Member()),
		attribute.Int("limit", limit),
	))
	defer span.End()

	if limit <= 0 {
		return nil, nil
	}
	conv, err := repo.FindConversation(ctx, s.DB, key.Platform, key.AccountID, key.ContactID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("services: find conversation: %w", err)
	}
	rows, err := repo.ListRecentMessages(ctx, s.DB, conv.ID, limit*messagesPerGroup)
	if err != nil {
		return nil, fmt.Errorf("services: list messages: %w", err)
	}

	var groups []batching.Group
	for _, row := range rows {
		msg, ok := toBatchMessage(row)
		if !ok {
			continue
		}
		if n := len(groups); n > 0 && groups[n-1].Role == row.Role {
			// rows are newest first; prepend to keep the run oldest first
			groups[n-1].Messages = append([]batching.Message{msg}, groups[n-1].Messages...)
			continue
		}
		if len(groups) == limit {
			break
		}
		groups = append(groups, batching.Group{Role: row.Role, Messages: []batching.Message{msg}})
	}
	span.SetAttributes(attribute.Int("groups", len(groups)))
	return groups, nil
}

// ResolveConversationID returns the durable id for key, or "" when the
// conversation has never been stored.
func (s *ConversationStore) ResolveConversationID(ctx context.Context, key batching.Key) (string, error) {
	conv, err := repo.FindConversation(ctx, s.DB, key.Platform, key.AccountID, key.ContactID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("services: resolve conversation: %w", err)
	}
	return conv.ID, nil
}

// SaveReply persists an assistant reply. conversationID may be empty, in
// which case the conversation is looked up or created from key.
func (s *ConversationStore) SaveReply(ctx context.Context, key batching.Key, conversationID, text string) error {
	tr := otel.Tracer("services/ConversationStore")
	ctx, span := tr.Start(ctx, "SaveReply", trace.WithAttributes(
		attribute.String("conversation.key", key.Member()),
	))
	defer span.End()

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if conversationID == "" {
			conv, err := repo.EnsureConversation(ctx, tx, key.Platform, key.AccountID, key.ContactID)
			if err != nil {
				return fmt.Errorf("services: ensure conversation: %w", err)
			}
			conversationID = conv.ID
		}
		m := &domain.Message{
			ConversationID: conversationID,
			Role:           domain.RoleAssistant,
			Kind:           domain.KindText,
			Content:        text,
		}
		if err := repo.CreateMessage(ctx, tx, m); err != nil {
			return fmt.Errorf("services: save reply: %w", err)
		}
		return repo.TouchConversation(ctx, tx, conversationID)
	})
}

// toBatchMessage maps a stored row onto the pending-message union.
func toBatchMessage(m domain.Message) (batching.Message, bool) {
	meta := batching.Meta{MessageID: m.ID, ExternalID: m.ExternalID, ReceivedAt: m.CreatedAt}
	switch m.Kind {
	case domain.KindImage:
		if m.MediaURL == "" && m.MediaID == "" {
			return nil, false
		}
		return batching.ImageMessage{Meta: meta, URL: m.MediaURL, MediaID: m.MediaID, Caption: m.Content}, true
	case domain.KindAudio:
		if m.MediaURL == "" && m.MediaID == "" {
			return nil, false
		}
		return batching.AudioMessage{Meta: meta, URL: m.MediaURL, MediaID: m.MediaID, Transcript: m.Content}, true
	default:
		if m.Content == "" {
			return nil, false
		}
		return batching.TextMessage{Meta: meta, Text: m.Content}, true
	}
}
