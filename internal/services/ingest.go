package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-batcher/internal/batching"
	"github.com/tbourn/go-chat-batcher/internal/domain"
	"github.com/tbourn/go-chat-batcher/internal/repo"
)

// DefaultDedupeTTL is how long an external id is remembered.
const DefaultDedupeTTL = 24 * time.Hour

// forgetTimeout bounds the rollback of an event that could not be queued.
const forgetTimeout = 5 * time.Second

// Batcher is the engine call the ingest path feeds.
type Batcher interface {
	AddMessage(ctx context.Context, key batching.Key, msg batching.Message) (bool, error)
}

// Inbound is a normalized inbound event. Platform webhook parsing happens
// upstream; this is what reaches the batcher.
type Inbound struct {
	Platform   string    `json:"platform"`
	AccountID  string    `json:"account_id"`
	ContactID  string    `json:"contact_id"`
	ExternalID string    `json:"external_id"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text"`
	MediaURL   string    `json:"media_url"`
	MediaID    string    `json:"media_id"`
	MimeType   string    `json:"mime_type"`
	ReceivedAt time.Time `json:"received_at"`
}

// IngestResult describes what happened to an accepted event.
type IngestResult struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	WindowStarted  bool   `json:"window_started"`
}

// IngestService persists inbound messages and hands them to the batcher.
type IngestService struct {
	DB        *gorm.DB
	Batcher   Batcher
	DedupeTTL time.Duration
}

// NewIngestService wires an IngestService. A non-positive dedupeTTL takes
// DefaultDedupeTTL.
func NewIngestService(db *gorm.DB, b Batcher, dedupeTTL time.Duration) *IngestService {
	if dedupeTTL <= 0 {
		dedupeTTL = DefaultDedupeTTL
	}
	return &IngestService{DB: db, Batcher: b, DedupeTTL: dedupeTTL}
}

// Ingest records in and queues it for batching. A redelivered external id
// yields ErrDuplicateInbound and no side effects. When queueing fails the
// receipt and message row are removed again so a retry is accepted.
func (s *IngestService) Ingest(ctx context.Context, in Inbound) (*IngestResult, error) {
	tr := otel.Tracer("services/IngestService")
	ctx, span := tr.Start(ctx, "Ingest", trace.WithAttributes(
		attribute.String("platform", in.Platform),
		attribute.String("kind", in.Kind),
	))
	defer span.End()

	in = normalizeInbound(in)
	key := batching.Key{Platform: in.Platform, AccountID: in.AccountID, ContactID: in.ContactID}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInbound, err)
	}

	row := &domain.Message{
		ID:         uuid.NewString(),
		Role:       domain.RoleUser,
		Kind:       in.Kind,
		Content:    in.Text,
		MediaID:    in.MediaID,
		MediaURL:   in.MediaURL,
		ExternalID: in.ExternalID,
		CreatedAt:  in.ReceivedAt,
	}
	msg, err := toInboundMessage(row, in.MimeType)
	if err != nil {
		return nil, err
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.ExternalID != "" {
			if _, err := repo.CreateReceipt(ctx, tx, in.Platform, in.AccountID, in.ExternalID, row.ID, s.DedupeTTL); err != nil {
				if errors.Is(err, repo.ErrDuplicate) {
					return ErrDuplicateInbound
				}
				return err
			}
		}
		conv, err := repo.EnsureConversation(ctx, tx, in.Platform, in.AccountID, in.ContactID)
		if err != nil {
			return err
		}
		row.ConversationID = conv.ID
		if err := repo.CreateMessage(ctx, tx, row); err != nil {
			return err
		}
		return repo.TouchConversation(ctx, tx, conv.ID)
	})
	if errors.Is(err, ErrDuplicateInbound) {
		log.Debug().Str("external_id", in.ExternalID).Str("conversation", key.Member()).Msg("duplicate inbound dropped")
		return nil, ErrDuplicateInbound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, fmt.Errorf("services: persist inbound: %w", err)
	}

	started, err := s.Batcher.AddMessage(ctx, key, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		s.forget(ctx, in, row.ID)
		return nil, fmt.Errorf("services: queue inbound: %w", err)
	}
	return &IngestResult{MessageID: row.ID, ConversationID: row.ConversationID, WindowStarted: started}, nil
}

// forget undoes the persisted side of an event the batcher refused, so the
// platform's redelivery is queued instead of being dropped as a duplicate.
func (s *IngestService) forget(ctx context.Context, in Inbound, messageID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forgetTimeout)
	defer cancel()
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.ExternalID != "" {
			if err := repo.DeleteReceipt(ctx, tx, in.Platform, in.AccountID, in.ExternalID); err != nil {
				return err
			}
		}
		return repo.DeleteMessage(ctx, tx, messageID)
	})
	if err != nil {
		log.Error().Err(err).
			Str("external_id", in.ExternalID).
			Str("message_id", messageID).
			Msg("rollback of unqueued inbound failed; redelivery will be dropped")
	}
}

// PurgeExpiredReceipts drops receipts older than the dedupe window.
func (s *IngestService) PurgeExpiredReceipts(ctx context.Context) (int64, error) {
	return repo.DeleteExpiredReceipts(ctx, s.DB, time.Now().UTC())
}

func normalizeInbound(in Inbound) Inbound {
	in.Platform = strings.ToLower(strings.TrimSpace(in.Platform))
	in.AccountID = strings.TrimSpace(in.AccountID)
	in.ContactID = strings.TrimSpace(in.ContactID)
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.Kind = strings.ToLower(strings.TrimSpace(in.Kind))
	if in.Kind == "" {
		in.Kind = domain.KindText
	}
	in.Text = strings.TrimSpace(in.Text)
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now()
	}
	in.ReceivedAt = in.ReceivedAt.UTC()
	return in
}

func toInboundMessage(row *domain.Message, mime string) (batching.Message, error) {
	meta := batching.Meta{MessageID: row.ID, ExternalID: row.ExternalID, ReceivedAt: row.CreatedAt}
	switch row.Kind {
	case domain.KindText:
		if row.Content == "" {
			return nil, fmt.Errorf("%w: empty text", ErrInvalidInbound)
		}
		return batching.TextMessage{Meta: meta, Text: row.Content}, nil
	case domain.KindImage:
		if row.MediaURL == "" && row.MediaID == "" {
			return nil, fmt.Errorf("%w: image without media", ErrInvalidInbound)
		}
		return batching.ImageMessage{Meta: meta, URL: row.MediaURL, MediaID: row.MediaID, MimeType: mime, Caption: row.Content}, nil
	case domain.KindAudio:
		if row.MediaURL == "" && row.MediaID == "" {
			return nil, fmt.Errorf("%w: audio without media", ErrInvalidInbound)
		}
		return batching.AudioMessage{Meta: meta, URL: row.MediaURL, MediaID: row.MediaID, MimeType: mime, Transcript: row.Content}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, row.Kind)
	}
}
