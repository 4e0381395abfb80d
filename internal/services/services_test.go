package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-batcher/internal/batching"
	"github.com/tbourn/go-chat-batcher/internal/channel"
	"github.com/tbourn/go-chat-batcher/internal/domain"
	"github.com/tbourn/go-chat-batcher/internal/repo"
	"github.com/tbourn/go-chat-batcher/internal/responder"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fakeBatcher struct {
	mu    sync.Mutex
	calls []batching.Message
	keys  []batching.Key
	err   error
}

func (f *fakeBatcher) AddMessage(_ context.Context, key batching.Key, msg batching.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.calls = append(f.calls, msg)
	f.keys = append(f.keys, key)
	return len(f.calls) == 1, nil
}

var testKey = batching.Key{Platform: "whatsapp", AccountID: "pn-1", ContactID: "15550001"}

func seedMessages(t *testing.T, db *gorm.DB, roles ...string) string {
	t.Helper()
	ctx := context.Background()
	conv, err := repo.EnsureConversation(ctx, db, testKey.Platform, testKey.AccountID, testKey.ContactID)
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	for i, role := range roles {
		m := &domain.Message{
			ConversationID: conv.ID,
			Role:           role,
			Content:        fmt.Sprintf("%s-%d", role, i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.CreateMessage(ctx, db, m); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}
	return conv.ID
}

// ---------- ConversationStore ----------

func TestConversationStore_RecentGroups(t *testing.T) {
	db := newSvcDB(t)
	s := NewConversationStore(db)
	seedMessages(t, db, "user", "user", "assistant", "user", "assistant", "assistant")

	groups, err := s.RecentGroups(context.Background(), testKey, 3)
	if err != nil {
		t.Fatalf("RecentGroups: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("groups = %+v", groups)
	}
	// newest group first: assistant-4, assistant-5 (oldest first inside)
	if groups[0].Role != "assistant" || len(groups[0].Messages) != 2 {
		t.Fatalf("first group = %+v", groups[0])
	}
	if txt := groups[0].Messages[0].(batching.TextMessage).Text; txt != "assistant-4" {
		t.Fatalf("run order = %q", txt)
	}
	if groups[1].Role != "user" || groups[2].Role != "assistant" {
		t.Fatalf("roles = %s,%s", groups[1].Role, groups[2].Role)
	}
}

func TestConversationStore_UnknownConversation(t *testing.T) {
	s := NewConversationStore(newSvcDB(t))
	groups, err := s.RecentGroups(context.Background(), testKey, 10)
	if err != nil || groups != nil {
		t.Fatalf("RecentGroups = %v,%v", groups, err)
	}
	id, err := s.ResolveConversationID(context.Background(), testKey)
	if err != nil || id != "" {
		t.Fatalf("ResolveConversationID = %q,%v", id, err)
	}
}

func TestConversationStore_MapsMediaRows(t *testing.T) {
	db := newSvcDB(t)
	convID := seedMessages(t, db)
	_ = repo.CreateMessage(context.Background(), db, &domain.Message{
		ConversationID: convID, Role: domain.RoleUser, Kind: domain.KindImage,
		Content: "look", MediaID: "media-1", MediaURL: "https://old",
	})

	groups, err := NewConversationStore(db).RecentGroups(context.Background(), testKey, 5)
	if err != nil || len(groups) != 1 {
		t.Fatalf("RecentGroups = %+v,%v", groups, err)
	}
	img, ok := groups[0].Messages[0].(batching.ImageMessage)
	if !ok || img.MediaID != "media-1" || img.Caption != "look" {
		t.Fatalf("image mapping = %#v", groups[0].Messages[0])
	}
}

func TestConversationStore_SaveReply(t *testing.T) {
	db := newSvcDB(t)
	s := NewConversationStore(db)
	ctx := context.Background()

	// Without a known id the conversation is created.
	if err := s.SaveReply(ctx, testKey, "", "hello"); err != nil {
		t.Fatalf("SaveReply: %v", err)
	}
	id, err := s.ResolveConversationID(ctx, testKey)
	if err != nil || id == "" {
		t.Fatalf("ResolveConversationID = %q,%v", id, err)
	}
	if err := s.SaveReply(ctx, testKey, id, "again"); err != nil {
		t.Fatalf("SaveReply(id): %v", err)
	}
	msgs, _ := repo.ListRecentMessages(ctx, db, id, 10)
	if len(msgs) != 2 || msgs[0].Role != domain.RoleAssistant {
		t.Fatalf("messages = %+v", msgs)
	}
}

// The store satisfies the engine's hydration contract end to end.
var _ batching.ConversationStore = (*ConversationStore)(nil)

// ---------- gates ----------

func TestCredentialService(t *testing.T) {
	db := newSvcDB(t)
	ctx := context.Background()
	s := NewCredentialService(db)

	if c, err := s.Credentials(ctx, "whatsapp", "pn-1"); c != nil || err != nil {
		t.Fatalf("unknown account = %v,%v", c, err)
	}

	_ = repo.UpsertChannelAccount(ctx, db, &domain.ChannelAccount{Platform: "whatsapp", AccountID: "pn-1", OwnerID: "o1", AccessToken: "tok", Active: true})
	c, err := s.Credentials(ctx, "whatsapp", "pn-1")
	if err != nil || c == nil || c.OwnerID != "o1" || c.AccessToken != "tok" {
		t.Fatalf("Credentials = %+v,%v", c, err)
	}

	db.Model(&domain.ChannelAccount{}).Where("account_id = ?", "pn-1").Update("active", false)
	if c, err := s.Credentials(ctx, "whatsapp", "pn-1"); c != nil || err != nil {
		t.Fatalf("inactive account = %v,%v", c, err)
	}
}

func TestAutomationService_Check(t *testing.T) {
	db := newSvcDB(t)
	ctx := context.Background()
	defaults, _ := responder.NewSettings("gpt-4o-mini", 0.7, 1, "be brief")
	s := NewAutomationService(db, defaults)

	d, err := s.Check(ctx, "o1")
	if err != nil || d.ShouldReply || d.Reason != ReasonNotConfigured {
		t.Fatalf("unconfigured = %+v,%v", d, err)
	}

	_ = repo.SaveAutomationSetting(ctx, db, &domain.AutomationSetting{OwnerID: "o1", Enabled: false})
	if d, _ := s.Check(ctx, "o1"); d.ShouldReply || d.Reason != ReasonDisabled {
		t.Fatalf("disabled = %+v", d)
	}

	temp := 0.2
	_ = repo.SaveAutomationSetting(ctx, db, &domain.AutomationSetting{OwnerID: "o1", Enabled: true, Temperature: &temp, SystemPrompt: "custom"})
	d, err = s.Check(ctx, "o1")
	if err != nil || !d.ShouldReply {
		t.Fatalf("enabled = %+v,%v", d, err)
	}
	if d.Settings.Model != "gpt-4o-mini" || d.Settings.Temperature != 0.2 || d.Settings.SystemPrompt != "custom" || d.Settings.TopP != 1 {
		t.Fatalf("merged settings = %+v", d.Settings)
	}

	bad := 5.0
	_ = repo.SaveAutomationSetting(ctx, db, &domain.AutomationSetting{OwnerID: "o1", Enabled: true, Temperature: &bad})
	if d, _ := s.Check(ctx, "o1"); d.ShouldReply || d.Reason != ReasonInvalidSettings {
		t.Fatalf("invalid settings = %+v", d)
	}
}

type fakeMediaClient struct{ token string }

func (f *fakeMediaClient) RefreshMediaURL(_ context.Context, creds channel.Credentials, mediaID string) (string, error) {
	f.token = creds.AccessToken
	return "https://fresh/" + mediaID, nil
}

func TestMediaResolver(t *testing.T) {
	db := newSvcDB(t)
	ctx := context.Background()
	client := &fakeMediaClient{}
	r := &MediaResolver{Credentials: NewCredentialService(db), Client: client}

	if u, err := r.RefreshMediaURL(ctx, testKey, "m1"); u != "" || err != nil {
		t.Fatalf("no credentials = %q,%v", u, err)
	}
	_ = repo.UpsertChannelAccount(ctx, db, &domain.ChannelAccount{Platform: testKey.Platform, AccountID: testKey.AccountID, OwnerID: "o1", AccessToken: "tok", Active: true})
	u, err := r.RefreshMediaURL(ctx, testKey, "m1")
	if err != nil || u != "https://fresh/m1" || client.token != "tok" {
		t.Fatalf("RefreshMediaURL = %q,%v (token %q)", u, err, client.token)
	}
}

// ---------- ingest ----------

func TestIngest_PersistsAndQueues(t *testing.T) {
	db := newSvcDB(t)
	b := &fakeBatcher{}
	s := NewIngestService(db, b, time.Hour)
	ctx := context.Background()

	res, err := s.Ingest(ctx, Inbound{
		Platform: " WhatsApp ", AccountID: testKey.AccountID, ContactID: testKey.ContactID,
		ExternalID: "wamid.1", Text: "  Hi  ",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.WindowStarted || res.MessageID == "" || res.ConversationID == "" {
		t.Fatalf("result = %+v", res)
	}
	if len(b.calls) != 1 || b.keys[0] != testKey {
		t.Fatalf("batcher calls = %+v keys=%v", b.calls, b.keys)
	}
	tm := b.calls[0].(batching.TextMessage)
	if tm.Text != "Hi" || tm.Base().MessageID != res.MessageID || tm.Base().ExternalID != "wamid.1" {
		t.Fatalf("queued message = %+v", tm)
	}
	stored, err := repo.GetMessage(ctx, db, res.MessageID)
	if err != nil || stored.Content != "Hi" || stored.Role != domain.RoleUser {
		t.Fatalf("stored = %+v,%v", stored, err)
	}
}

func TestIngest_DropsRedelivery(t *testing.T) {
	db := newSvcDB(t)
	b := &fakeBatcher{}
	s := NewIngestService(db, b, time.Hour)
	ctx := context.Background()

	in := Inbound{Platform: "whatsapp", AccountID: "pn-1", ContactID: "c", ExternalID: "wamid.9", Text: "hello"}
	if _, err := s.Ingest(ctx, in); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := s.Ingest(ctx, in); !errors.Is(err, ErrDuplicateInbound) {
		t.Fatalf("second = %v; want ErrDuplicateInbound", err)
	}
	if len(b.calls) != 1 {
		t.Fatalf("redelivery reached the batcher: %d calls", len(b.calls))
	}
	var n int64
	db.Model(&domain.Message{}).Count(&n)
	if n != 1 {
		t.Fatalf("redelivery persisted: %d rows", n)
	}
}

func TestIngest_Validation(t *testing.T) {
	s := NewIngestService(newSvcDB(t), &fakeBatcher{}, 0)
	ctx := context.Background()

	cases := []struct {
		in   Inbound
		want error
	}{
		{Inbound{Platform: "whatsapp", AccountID: "a", Text: "x"}, ErrInvalidInbound},
		{Inbound{Platform: "whatsapp", AccountID: "a", ContactID: "c", Text: "   "}, ErrInvalidInbound},
		{Inbound{Platform: "whatsapp", AccountID: "a", ContactID: "c", Kind: "image"}, ErrInvalidInbound},
		{Inbound{Platform: "whatsapp", AccountID: "a", ContactID: "c", Kind: "sticker", MediaID: "m"}, ErrUnsupportedKind},
	}
	for _, tc := range cases {
		if _, err := s.Ingest(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("Ingest(%+v) = %v; want %v", tc.in, err, tc.want)
		}
	}
	if s.DedupeTTL != DefaultDedupeTTL {
		t.Fatalf("DedupeTTL default = %v", s.DedupeTTL)
	}
}

func TestIngest_MediaAndBatcherFailure(t *testing.T) {
	db := newSvcDB(t)
	b := &fakeBatcher{}
	s := NewIngestService(db, b, time.Hour)
	ctx := context.Background()

	if _, err := s.Ingest(ctx, Inbound{
		Platform: "instagram", AccountID: "p", ContactID: "c", Kind: "image",
		MediaURL: "https://cdn/x.jpg", Text: "look", MimeType: "image/jpeg",
	}); err != nil {
		t.Fatalf("image ingest: %v", err)
	}
	img := b.calls[0].(batching.ImageMessage)
	if img.URL != "https://cdn/x.jpg" || img.Caption != "look" || img.MimeType != "image/jpeg" {
		t.Fatalf("image = %+v", img)
	}

	b.err = errors.New("redis down")
	if _, err := s.Ingest(ctx, Inbound{Platform: "instagram", AccountID: "p", ContactID: "c", Text: "x"}); err == nil {
		t.Fatalf("expected batcher failure to surface")
	}
}

func TestIngest_QueueFailureAllowsRetry(t *testing.T) {
	db := newSvcDB(t)
	b := &fakeBatcher{err: errors.New("redis down")}
	s := NewIngestService(db, b, time.Hour)
	ctx := context.Background()

	in := Inbound{Platform: "whatsapp", AccountID: "pn-1", ContactID: "c", ExternalID: "wamid.7", Text: "hello"}
	if _, err := s.Ingest(ctx, in); err == nil {
		t.Fatalf("expected queue failure")
	}
	var n int64
	db.Unscoped().Model(&domain.Message{}).Count(&n)
	if n != 0 {
		t.Fatalf("unqueued message kept: %d rows", n)
	}
	if _, err := repo.GetReceipt(ctx, db, "whatsapp", "pn-1", "wamid.7", time.Now().UTC()); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("receipt kept after failure: %v", err)
	}

	b.err = nil
	res, err := s.Ingest(ctx, in)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(b.calls) != 1 || b.calls[0].Base().MessageID != res.MessageID {
		t.Fatalf("retry was not queued: %+v", b.calls)
	}
	if _, err := s.Ingest(ctx, in); !errors.Is(err, ErrDuplicateInbound) {
		t.Fatalf("redelivery after success = %v; want ErrDuplicateInbound", err)
	}
}

func TestPurgeExpiredReceipts(t *testing.T) {
	db := newSvcDB(t)
	s := NewIngestService(db, &fakeBatcher{}, time.Millisecond)
	ctx := context.Background()

	_, _ = s.Ingest(ctx, Inbound{Platform: "whatsapp", AccountID: "a", ContactID: "c", ExternalID: "e1", Text: "x"})
	time.Sleep(5 * time.Millisecond)
	n, err := s.PurgeExpiredReceipts(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpiredReceipts = %d,%v", n, err)
	}
}
