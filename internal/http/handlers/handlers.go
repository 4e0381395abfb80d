package handlers

import (
	"context"

	"github.com/tbourn/go-chat-batcher/internal/batching"
	"github.com/tbourn/go-chat-batcher/internal/dispatch"
	"github.com/tbourn/go-chat-batcher/internal/repo"
	"github.com/tbourn/go-chat-batcher/internal/services"
)

// Ingester accepts normalized inbound events.
type Ingester interface {
	Ingest(ctx context.Context, in services.Inbound) (*services.IngestResult, error)
}

// Monitor exposes the dispatcher's health and counters.
type Monitor interface {
	Health(ctx context.Context) dispatch.HealthStatus
	Metrics() dispatch.Snapshot
}

// StoreStats reads aggregate counts from the durable store.
type StoreStats interface {
	Stats(ctx context.Context) (repo.StoreStats, error)
}

// Conversations inspects and resets the cached state of one conversation.
type Conversations interface {
	History(ctx context.Context, key batching.Key) ([]batching.HistoryEntry, error)
	Purge(ctx context.Context, key batching.Key) error
}

// Handlers groups the ops endpoints. Dependencies are interfaces so the
// router can be tested without Redis or a running dispatcher.
type Handlers struct {
	ingest  Ingester
	monitor Monitor
	store   StoreStats
	convs   Conversations
}

// New binds the handlers to their collaborators.
func New(ingest Ingester, monitor Monitor, store StoreStats, convs Conversations) *Handlers {
	return &Handlers{ingest: ingest, monitor: monitor, store: store, convs: convs}
}
