package batching

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// hydrate fills a cold history from the ConversationStore. Messages still in
// the pending queue (and the one being added) are excluded, since they will
// reach the history through their batch. The write replaces the whole list,
// so concurrent hydrations converge instead of duplicating entries.
func (e *Engine) hydrate(ctx context.Context, key Key, incomingID string) {
	if e.convs == nil {
		return
	}
	warm, err := e.store.Exists(ctx, key.historyKey())
	if err != nil {
		log.Warn().Err(err).Str("conversation", key.Member()).Msg("history probe failed; skipping hydration")
		return
	}
	if warm {
		return
	}

	groups, err := e.convs.RecentGroups(ctx, key, e.opts.HydrateLimit)
	if err != nil {
		log.Warn().Err(err).Str("conversation", key.Member()).Msg("hydration read failed")
		return
	}
	if len(groups) > e.opts.HydrateLimit {
		groups = groups[:e.opts.HydrateLimit]
	}

	skip := e.pendingIDs(ctx, key)
	if incomingID != "" {
		skip[incomingID] = struct{}{}
	}

	entries := make([]string, 0, len(groups))
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		msgs := make([]Message, 0, len(g.Messages))
		for _, m := range g.Messages {
			if _, pending := skip[m.Base().MessageID]; pending && m.Base().MessageID != "" {
				continue
			}
			msgs = append(msgs, e.refreshMedia(ctx, key, m))
		}
		if len(msgs) == 0 {
			continue
		}
		content := Merge(msgs)
		if content.IsEmpty() {
			continue
		}
		raw, err := json.Marshal(HistoryEntry{Role: g.Role, Content: content})
		if err != nil {
			continue
		}
		entries = append(entries, string(raw))
	}
	if len(entries) == 0 {
		return
	}
	if err := e.store.ReplaceList(ctx, key.historyKey(), entries, e.opts.StateTTL); err != nil {
		log.Warn().Err(err).Str("conversation", key.Member()).Msg("hydration write failed")
		return
	}
	log.Debug().Str("conversation", key.Member()).Int("entries", len(entries)).Msg("history hydrated")
}

func (e *Engine) pendingIDs(ctx context.Context, key Key) map[string]struct{} {
	ids := make(map[string]struct{})
	raws, err := e.store.ListRange(ctx, key.msgsKey(), 0, -1)
	if err != nil {
		return ids
	}
	for _, raw := range raws {
		if m, err := Decode(raw); err == nil {
			ids[m.Base().MessageID] = struct{}{}
		}
	}
	return ids
}

// refreshMedia swaps a media URL for a fresh one when the message carries a
// media id. Failures keep the stored URL.
func (e *Engine) refreshMedia(ctx context.Context, key Key, m Message) Message {
	return e.withMediaURL(ctx, key, m, false)
}

// resolveMedia fills in the URL of media that arrived with an id only.
func (e *Engine) resolveMedia(ctx context.Context, key Key, m Message) Message {
	return e.withMediaURL(ctx, key, m, true)
}

func (e *Engine) withMediaURL(ctx context.Context, key Key, m Message, onlyMissing bool) Message {
	if e.opts.Media == nil {
		return m
	}
	switch v := m.(type) {
	case ImageMessage:
		if v.MediaID == "" || (onlyMissing && v.URL != "") {
			return m
		}
		if url := e.mediaURL(ctx, key, v.MediaID); url != "" {
			v.URL = url
		}
		return v
	case AudioMessage:
		if v.MediaID == "" || (onlyMissing && v.URL != "") {
			return m
		}
		if url := e.mediaURL(ctx, key, v.MediaID); url != "" {
			v.URL = url
		}
		return v
	}
	return m
}

func (e *Engine) mediaURL(ctx context.Context, key Key, mediaID string) string {
	url, err := e.opts.Media.RefreshMediaURL(ctx, key, mediaID)
	if err != nil {
		log.Debug().Err(err).Str("conversation", key.Member()).Str("media_id", mediaID).Msg("media refresh failed")
		return ""
	}
	return url
}
