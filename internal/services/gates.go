package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-batcher/internal/batching"
	"github.com/tbourn/go-chat-batcher/internal/channel"
	"github.com/tbourn/go-chat-batcher/internal/repo"
	"github.com/tbourn/go-chat-batcher/internal/responder"
)

// Automation decision reasons.
const (
	ReasonEnabled         = "enabled"
	ReasonDisabled        = "disabled"
	ReasonNotConfigured   = "not_configured"
	ReasonInvalidSettings = "invalid_settings"
)

// CredentialService resolves channel credentials from connected accounts.
type CredentialService struct {
	DB *gorm.DB
}

// NewCredentialService returns a credential gate over db.
func NewCredentialService(db *gorm.DB) *CredentialService {
	return &CredentialService{DB: db}
}

// Credentials returns nil, without error, when the account is unknown or
// inactive.
func (s *CredentialService) Credentials(ctx context.Context, platform, accountID string) (*channel.Credentials, error) {
	acc, err := repo.GetChannelAccount(ctx, s.DB, platform, accountID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("services: channel account: %w", err)
	}
	if !acc.Active || acc.AccessToken == "" {
		return nil, nil
	}
	return &channel.Credentials{
		Platform:    acc.Platform,
		AccountID:   acc.AccountID,
		OwnerID:     acc.OwnerID,
		AccessToken: acc.AccessToken,
	}, nil
}

// Decision is the outcome of an automation check.
type Decision struct {
	ShouldReply bool
	Reason      string
	Settings    responder.Settings
}

// AutomationService reads owners' reply policies. Defaults fill whatever an
// owner left unset.
type AutomationService struct {
	DB       *gorm.DB
	Defaults responder.Settings
}

// NewAutomationService returns an automation gate. defaults fill the
// settings fields an enabled owner left blank.
func NewAutomationService(db *gorm.DB, defaults responder.Settings) *AutomationService {
	return &AutomationService{DB: db, Defaults: defaults}
}

// Check decides whether ownerID gets automated replies and with which
// settings. An owner without a policy row is not replied to.
func (s *AutomationService) Check(ctx context.Context, ownerID string) (Decision, error) {
	row, err := repo.GetAutomationSetting(ctx, s.DB, ownerID)
	if errors.Is(err, repo.ErrNotFound) {
		return Decision{Reason: ReasonNotConfigured}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("services: automation setting: %w", err)
	}
	if !row.Enabled {
		return Decision{Reason: ReasonDisabled}, nil
	}

	model, prompt := s.Defaults.Model, s.Defaults.SystemPrompt
	temp, topP := s.Defaults.Temperature, s.Defaults.TopP
	if row.Model != "" {
		model = row.Model
	}
	if row.SystemPrompt != "" {
		prompt = row.SystemPrompt
	}
	if row.Temperature != nil {
		temp = *row.Temperature
	}
	if row.TopP != nil {
		topP = *row.TopP
	}
	settings, err := responder.NewSettings(model, temp, topP, prompt)
	if err != nil {
		log.Warn().Err(err).Str("owner_id", ownerID).Msg("automation settings rejected")
		return Decision{Reason: ReasonInvalidSettings}, nil
	}
	return Decision{ShouldReply: true, Reason: ReasonEnabled, Settings: settings}, nil
}

// MediaClient is the channel call used to refresh media URLs.
type MediaClient interface {
	RefreshMediaURL(ctx context.Context, creds channel.Credentials, mediaID string) (string, error)
}

// MediaResolver refreshes media URLs with the credentials of the account a
// conversation belongs to.
type MediaResolver struct {
	Credentials *CredentialService
	Client      MediaClient
}

// RefreshMediaURL returns "" when the account has no usable credentials.
func (r *MediaResolver) RefreshMediaURL(ctx context.Context, key batching.Key, mediaID string) (string, error) {
	creds, err := r.Credentials.Credentials(ctx, key.Platform, key.AccountID)
	if err != nil || creds == nil {
		return "", err
	}
	return r.Client.RefreshMediaURL(ctx, *creds, mediaID)
}
