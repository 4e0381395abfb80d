// Package batching coalesces bursts of inbound messages per conversation
// into a single unit of work.
//
// Each conversation owns a pending queue, a debounce deadline mirrored in a
// global due-index, a capped history and an advisory lock, all stored in a
// cache.Store under the "conv:{platform}:{account}:{contact}:*" key schema.
// The deadline is anchored to the first unacknowledged message: later
// messages in the same window join the batch without extending it.
//
// The add path is lock-free: queueing and arming are one store transaction;
// the consume path is serialized per conversation by the lock, which expires
// on its own if a worker dies mid-batch.
package batching

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-batcher/internal/cache"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultWindow     = 15 * time.Second
	DefaultHistoryCap = 200
	DefaultStateTTL   = time.Hour
	DefaultLockTTL    = 20 * time.Second
)

// releaseTimeout bounds lock release and purge when the caller's context is
// already gone.
const releaseTimeout = 2 * time.Second

// Group is a run of consecutive same-role messages from the durable store.
// Messages are oldest first.
type Group struct {
	Role     string
	Messages []Message
}

// ConversationStore is the durable history consulted when the cache is cold.
type ConversationStore interface {
	// RecentGroups returns up to limit groups, newest first.
	RecentGroups(ctx context.Context, key Key, limit int) ([]Group, error)
	ResolveConversationID(ctx context.Context, key Key) (string, error)
}

// MediaRefresher turns platform media ids into time-limited URLs. It is
// consulted for media queued without a URL and again during hydration.
type MediaRefresher interface {
	RefreshMediaURL(ctx context.Context, key Key, mediaID string) (string, error)
}

// Options tunes the engine. Zero values take the package defaults.
type Options struct {
	Window       time.Duration
	HistoryCap   int
	StateTTL     time.Duration
	LockTTL      time.Duration
	HydrateLimit int
	Media        MediaRefresher
	Now          func() time.Time
}

// Batch is the merged result of one debounce window.
type Batch struct {
	Key         Key
	Content     Content
	MessageIDs  []string
	ExternalIDs []string
	// History is the cached history after the batch was appended, oldest first.
	History []HistoryEntry
}

// Engine implements the batching operations over a cache.Store.
type Engine struct {
	store cache.Store
	convs ConversationStore
	opts  Options
}

// New constructs an Engine. convs may be nil, in which case hydration and
// conversation id resolution are disabled.
func New(store cache.Store, convs ConversationStore, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.HydrateLimit <= 0 || opts.HydrateLimit > opts.HistoryCap {
		opts.HydrateLimit = opts.HistoryCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: store, convs: convs, opts: opts}
}

// Window returns the configured debounce window.
func (e *Engine) Window() time.Duration { return e.opts.Window }

// AddMessage queues msg for key and arms the debounce deadline when none is
// armed. It reports whether this call opened a new window.
//
// A cold history is hydrated from the ConversationStore first; hydration
// problems are logged and never fail the call.
func (e *Engine) AddMessage(ctx context.Context, key Key, msg Message) (bool, error) {
	tr := otel.Tracer("batching/Engine")
	ctx, span := tr.Start(ctx, "AddMessage", trace.WithAttributes(
		attribute.String("conversation.key", key.Member()),
	))
	defer span.End()

	if err := key.Validate(); err != nil {
		return false, err
	}
	raw, err := Encode(msg)
	if err != nil {
		return false, err
	}

	e.hydrate(ctx, key, msg.Base().MessageID)

	now := e.opts.Now()
	deadline := epochSeconds(now.Add(e.opts.Window))
	armed, err := e.store.EnqueueAndArm(ctx,
		key.msgsKey(), raw,
		key.deadlineKey(), formatEpoch(deadline), e.opts.StateTTL,
		DeadlineIndexKey, key.Member(), deadline,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return false, fmt.Errorf("batching: enqueue: %w", err)
	}
	span.SetAttributes(attribute.Bool("batch.window_started", armed))

	e.touchMeta(ctx, key, now, armed)

	log.Debug().
		Str("conversation", key.Member()).
		Str("message_id", msg.Base().MessageID).
		Str("kind", string(msg.Kind())).
		Bool("window_started", armed).
		Msg("message queued")
	return armed, nil
}

// DueConversations lists conversations whose deadline has elapsed.
func (e *Engine) DueConversations(ctx context.Context) ([]Key, error) {
	members, err := e.store.ZRangeByScore(ctx, DeadlineIndexKey, math.Inf(-1), epochSeconds(e.opts.Now()))
	if err != nil {
		return nil, fmt.Errorf("batching: due conversations: %w", err)
	}
	keys := make([]Key, 0, len(members))
	for _, m := range members {
		k, err := ParseMember(m)
		if err != nil {
			log.Warn().Err(err).Str("member", m).Msg("skipping malformed due-index member")
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// ConsumeBatch drains and merges the pending queue of a due conversation.
//
// ErrLockHeld, ErrNotArmed and ErrNotDue are expected outcomes and leave the
// queue untouched. A nil batch with a nil error means the window elapsed with
// nothing left to process. The lock is released on every path.
func (e *Engine) ConsumeBatch(ctx context.Context, key Key) (_ *Batch, err error) {
	tr := otel.Tracer("batching/Engine")
	ctx, span := tr.Start(ctx, "ConsumeBatch", trace.WithAttributes(
		attribute.String("conversation.key", key.Member()),
	))
	defer func() {
		if err != nil && !IsContention(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "consume failed")
		}
		span.End()
	}()

	token := uuid.NewString()
	acquired, err := e.store.SetNX(ctx, key.lockKey(), token, e.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("batching: acquire lock: %w", err)
	}
	if !acquired {
		log.Debug().Str("conversation", key.Member()).Msg("lock held elsewhere")
		return nil, ErrLockHeld
	}
	defer e.release(ctx, key, token)

	raw, found, err := e.store.Get(ctx, key.deadlineKey())
	if err != nil {
		return nil, fmt.Errorf("batching: read deadline: %w", err)
	}
	if !found {
		// The index entry outlived its deadline; drop it unless re-armed meanwhile.
		if _, perr := e.store.PruneIndex(ctx, DeadlineIndexKey, key.Member(), key.deadlineKey()); perr != nil {
			log.Warn().Err(perr).Str("conversation", key.Member()).Msg("prune stale index entry failed")
		}
		log.Debug().Str("conversation", key.Member()).Msg("no deadline armed")
		return nil, ErrNotArmed
	}
	if deadline, perr := strconv.ParseFloat(raw, 64); perr != nil {
		log.Warn().Str("conversation", key.Member()).Str("deadline", raw).Msg("malformed deadline, treating as due")
	} else if deadline > epochSeconds(e.opts.Now()) {
		log.Debug().Str("conversation", key.Member()).Msg("deadline not yet elapsed")
		return nil, ErrNotDue
	}

	entries, err := e.store.DrainList(ctx, key.msgsKey(), []string{key.deadlineKey()}, DeadlineIndexKey, key.Member())
	if err != nil {
		return nil, fmt.Errorf("batching: drain: %w", err)
	}
	msgs := decodeEntries(key, entries)
	span.SetAttributes(attribute.Int("batch.size", len(msgs)))
	if len(msgs) == 0 {
		return nil, nil
	}
	for i, m := range msgs {
		msgs[i] = e.resolveMedia(ctx, key, m)
	}

	batch := &Batch{
		Key:         key,
		Content:     Merge(msgs),
		MessageIDs:  make([]string, 0, len(msgs)),
		ExternalIDs: make([]string, 0, len(msgs)),
	}
	for _, m := range msgs {
		base := m.Base()
		batch.MessageIDs = append(batch.MessageIDs, base.MessageID)
		if base.ExternalID != "" {
			batch.ExternalIDs = append(batch.ExternalIDs, base.ExternalID)
		}
	}

	entry := HistoryEntry{Role: RoleUser, Content: batch.Content}
	if err := e.appendHistory(ctx, key, entry); err != nil {
		log.Warn().Err(err).Str("conversation", key.Member()).Msg("append batch to history failed")
	}
	history, err := e.History(ctx, key)
	if err != nil || len(history) == 0 {
		if err != nil {
			log.Warn().Err(err).Str("conversation", key.Member()).Msg("read history failed")
		}
		history = []HistoryEntry{entry}
	}
	batch.History = history

	if err := e.store.HSet(ctx, key.metaKey(), e.opts.StateTTL, map[string]string{
		"last_batch_at": e.opts.Now().UTC().Format(time.RFC3339),
		"pending":       "0",
	}); err != nil {
		log.Debug().Err(err).Str("conversation", key.Member()).Msg("meta update failed")
	}
	return batch, nil
}

// AppendReply records an assistant turn in the cached history.
func (e *Engine) AppendReply(ctx context.Context, key Key, text string) error {
	return e.appendHistory(ctx, key, HistoryEntry{Role: RoleAssistant, Content: TextContent(text)})
}

// History returns the cached history, oldest first. Malformed entries are
// skipped.
func (e *Engine) History(ctx context.Context, key Key) ([]HistoryEntry, error) {
	raws, err := e.store.ListRange(ctx, key.historyKey(), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("batching: read history: %w", err)
	}
	out := make([]HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var h HistoryEntry
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			log.Warn().Err(err).Str("conversation", key.Member()).Msg("skipping malformed history entry")
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// Purge tears down every cached key of a conversation, including its
// due-index entry. Both go in one transaction: a message added right after
// the purge arms a fresh deadline together with its index entry.
func (e *Engine) Purge(ctx context.Context, key Key) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
	}
	if err := e.store.PurgeAll(ctx, key.allKeys(), DeadlineIndexKey, key.Member()); err != nil {
		return fmt.Errorf("batching: purge: %w", err)
	}
	log.Debug().Str("conversation", key.Member()).Msg("conversation cache purged")
	return nil
}

// ConversationID resolves the durable conversation id, caching the pointer.
// It returns "" when no store is configured or the conversation is unknown.
func (e *Engine) ConversationID(ctx context.Context, key Key) (string, error) {
	id, found, err := e.store.Get(ctx, key.conversationIDKey())
	if err != nil {
		log.Debug().Err(err).Str("conversation", key.Member()).Msg("conversation id pointer read failed")
	}
	if found && id != "" {
		return id, nil
	}
	if e.convs == nil {
		return "", nil
	}
	id, err = e.convs.ResolveConversationID(ctx, key)
	if err != nil {
		return "", fmt.Errorf("batching: resolve conversation id: %w", err)
	}
	if id != "" {
		if err := e.store.Set(ctx, key.conversationIDKey(), id, e.opts.StateTTL); err != nil {
			log.Debug().Err(err).Str("conversation", key.Member()).Msg("conversation id pointer write failed")
		}
	}
	return id, nil
}

// Ping checks connectivity to the cache.
func (e *Engine) Ping(ctx context.Context) error { return e.store.Ping(ctx) }

func (e *Engine) appendHistory(ctx context.Context, key Key, entry HistoryEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("batching: encode history entry: %w", err)
	}
	if _, err := e.store.PushCapped(ctx, key.historyKey(), string(raw), int64(e.opts.HistoryCap), e.opts.StateTTL); err != nil {
		return fmt.Errorf("batching: append history: %w", err)
	}
	return nil
}

// release drops the lock only if it still carries token.
func (e *Engine) release(ctx context.Context, key Key, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := e.store.CompareAndDelete(ctx, key.lockKey(), token); err != nil {
		log.Warn().Err(err).Str("conversation", key.Member()).Msg("lock release failed; it will expire")
	}
}

func (e *Engine) touchMeta(ctx context.Context, key Key, now time.Time, windowStarted bool) {
	fields := map[string]string{
		"platform":        key.Platform,
		"account_id":      key.AccountID,
		"contact_id":      key.ContactID,
		"last_message_at": now.UTC().Format(time.RFC3339),
	}
	if windowStarted {
		fields["window_started_at"] = now.UTC().Format(time.RFC3339)
	}
	if err := e.store.HSet(ctx, key.metaKey(), e.opts.StateTTL, fields); err != nil {
		log.Debug().Err(err).Str("conversation", key.Member()).Msg("meta update failed")
		return
	}
	if _, err := e.store.HIncrBy(ctx, key.metaKey(), "pending", 1); err != nil {
		log.Debug().Err(err).Str("conversation", key.Member()).Msg("meta counter failed")
	}
}

func decodeEntries(key Key, entries []string) []Message {
	msgs := make([]Message, 0, len(entries))
	for i, raw := range entries {
		m, err := Decode(raw)
		if err != nil {
			log.Warn().Err(err).Str("conversation", key.Member()).Int("index", i).Msg("skipping malformed queued message")
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func formatEpoch(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}
