package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-batcher/internal/batching"
	"github.com/tbourn/go-chat-batcher/internal/dispatch"
	"github.com/tbourn/go-chat-batcher/internal/http/middleware"
	"github.com/tbourn/go-chat-batcher/internal/repo"
)

// StatsResponse combines dispatcher counters with store totals.
type StatsResponse struct {
	Dispatcher dispatch.Snapshot `json:"dispatcher"`
	Store      repo.StoreStats   `json:"store"`
}

// HistoryResponse is the cached history of one conversation.
type HistoryResponse struct {
	Conversation string                  `json:"conversation"`
	Entries      []batching.HistoryEntry `json:"entries"`
}

// Health reports dispatcher and cache health. Degraded still answers 200 so
// load balancers keep the instance; unhealthy answers 503.
//
//	GET /health
func (h *Handlers) Health(c *gin.Context) {
	hs := h.monitor.Health(c.Request.Context())
	status := http.StatusOK
	if hs.Status == dispatch.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	ok(c, status, hs)
}

// Stats returns dispatcher counters and store totals.
//
//	GET {api}/stats
func (h *Handlers) Stats(c *gin.Context) {
	st, err := h.store.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not read store stats")
		return
	}
	ok(c, http.StatusOK, StatsResponse{Dispatcher: h.monitor.Metrics(), Store: st})
}

// ConversationHistory returns the cached history, oldest first.
//
//	GET {api}/conversations/:platform/:account/:contact/history
func (h *Handlers) ConversationHistory(c *gin.Context) {
	key, good := conversationKey(c)
	if !good {
		return
	}
	entries, err := h.convs.History(c.Request.Context(), key)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not read history")
		return
	}
	ok(c, http.StatusOK, HistoryResponse{Conversation: key.Member(), Entries: entries})
}

// PurgeConversation drops every cached key of a conversation, including a
// pending batch.
//
//	DELETE {api}/conversations/:platform/:account/:contact
func (h *Handlers) PurgeConversation(c *gin.Context) {
	key, good := conversationKey(c)
	if !good {
		return
	}
	if err := h.convs.Purge(c.Request.Context(), key); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not purge conversation")
		return
	}
	middleware.LoggerFrom(c).Info().Str("conversation", key.Member()).Msg("conversation purged by operator")
	noContent(c)
}

// conversationKey builds the key from path params, writing a 400 on failure.
func conversationKey(c *gin.Context) (batching.Key, bool) {
	key := batching.Key{
		Platform:  strings.ToLower(strings.TrimSpace(c.Param("platform"))),
		AccountID: strings.TrimSpace(c.Param("account")),
		ContactID: strings.TrimSpace(c.Param("contact")),
	}
	if err := key.Validate(); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return batching.Key{}, false
	}
	c.Set(middleware.AccountKey, key.Platform+":"+key.AccountID)
	return key, true
}
