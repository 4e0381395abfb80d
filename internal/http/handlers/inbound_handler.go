package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-batcher/internal/batching"
	"github.com/tbourn/go-chat-batcher/internal/http/middleware"
	"github.com/tbourn/go-chat-batcher/internal/services"
)

// DuplicateResponse is returned for a redelivered external id.
type DuplicateResponse struct {
	Status string `json:"status"`
}

// PostInbound queues one normalized inbound message for batching.
//
//	POST {api}/inbound
//
// 202 with the IngestResult when accepted, 200 {"status":"duplicate"} for a
// redelivery, 400 for malformed or unsupported events.
func (h *Handlers) PostInbound(c *gin.Context) {
	var in services.Inbound
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	c.Set(middleware.AccountKey, in.Platform+":"+in.AccountID)

	res, err := h.ingest.Ingest(c.Request.Context(), in)
	switch {
	case err == nil:
		ok(c, http.StatusAccepted, res)
	case errors.Is(err, services.ErrDuplicateInbound):
		ok(c, http.StatusOK, DuplicateResponse{Status: "duplicate"})
	case errors.Is(err, services.ErrInvalidInbound), errors.Is(err, batching.ErrInvalidKey):
		fail(c, http.StatusBadRequest, ErrCodeInvalidEvent, err.Error())
	case errors.Is(err, services.ErrUnsupportedKind):
		fail(c, http.StatusBadRequest, ErrCodeUnsupportedKind, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeIngestFailed, "could not queue message")
	}
}
