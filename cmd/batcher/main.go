// Command batcher runs the chat message batcher: the scan dispatcher that
// answers debounced conversations, and the ops HTTP surface that accepts
// normalized inbound events.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-batcher/internal/batching"
	"github.com/tbourn/go-chat-batcher/internal/cache"
	"github.com/tbourn/go-chat-batcher/internal/channel"
	"github.com/tbourn/go-chat-batcher/internal/config"
	"github.com/tbourn/go-chat-batcher/internal/dispatch"
	httpapi "github.com/tbourn/go-chat-batcher/internal/http"
	"github.com/tbourn/go-chat-batcher/internal/observability"
	"github.com/tbourn/go-chat-batcher/internal/repo"
	"github.com/tbourn/go-chat-batcher/internal/responder"
	"github.com/tbourn/go-chat-batcher/internal/services"
	"github.com/tbourn/go-chat-batcher/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout  = 15 * time.Second
	stopGrace        = 5 * time.Second
	receiptSweepTick = time.Hour
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		sysutil.SetupLogger(os.Stderr, "go-chat-batcher", false)
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	sysutil.SetupLogger(os.Stdout, cfg.OTEL.ServiceName, cfg.LogPretty)
	sysutil.SetLogLevel(cfg.LogLevel)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("batcher exited")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	store, err := cache.Dial(ctx, cache.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	channelClient := channel.NewClient(
		channel.WithBaseURL(cfg.Channel.BaseURL),
		channel.WithHTTPClient(&http.Client{Timeout: cfg.Channel.Timeout}),
		channel.WithRate(cfg.Channel.RPS, cfg.Channel.Burst),
	)
	creds := services.NewCredentialService(db)
	convs := services.NewConversationStore(db)

	engine := batching.New(store, convs, batching.Options{
		Window:       cfg.Batch.Window,
		HistoryCap:   cfg.Batch.HistoryCap,
		StateTTL:     cfg.Batch.StateTTL,
		LockTTL:      cfg.Batch.LockTTL,
		HydrateLimit: cfg.Batch.HydrateLimit,
		Media:        &services.MediaResolver{Credentials: creds, Client: channelClient},
	})

	defaults, err := responder.NewSettings(cfg.Responder.Model, cfg.Responder.Temperature, cfg.Responder.TopP, cfg.Responder.SystemPrompt)
	if err != nil {
		return err
	}
	replyClient := responder.NewClient(cfg.Responder.APIKey,
		responder.WithBaseURL(cfg.Responder.BaseURL),
		responder.WithHTTPClient(&http.Client{Timeout: cfg.Responder.Timeout}),
	)

	dispatcher := dispatch.New(dispatch.Deps{
		Engine:      engine,
		Credentials: creds,
		Automation:  services.NewAutomationService(db, defaults),
		Responder:   replyClient,
		Sender:      channelClient,
		Replies:     convs,
	}, dispatch.Config{
		TickInterval: cfg.Dispatch.ScanInterval,
		TaskTimeout:  cfg.Dispatch.TaskTimeout,
		MaxInFlight:  cfg.Dispatch.MaxInFlight,
	})

	ingest := services.NewIngestService(db, engine, cfg.Inbound.DedupeTTL)

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:            db,
		Ingest:        ingest,
		Monitor:       dispatcher,
		Conversations: engine,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	dispatcher.Start(ctx)
	go sweepReceipts(ctx, ingest)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	// Stop intake first so nothing new is queued while the last tick drains.
	hctx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := srv.Shutdown(hctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}

	// In-flight tasks must finish before the deferred store closes run.
	dctx, cancelDispatch := context.WithTimeout(context.Background(), stopBudget(cfg.Dispatch.TaskTimeout))
	defer cancelDispatch()
	if err := dispatcher.Stop(dctx); err != nil {
		log.Warn().Err(err).Msg("dispatcher stop")
	}
	log.Info().Msg("batcher stopped")
	return nil
}

// stopBudget is how long Stop may wait for the last tick: one full task
// timeout plus a grace period, never less than shutdownTimeout.
func stopBudget(taskTimeout time.Duration) time.Duration {
	if b := taskTimeout + stopGrace; b > shutdownTimeout {
		return b
	}
	return shutdownTimeout
}

// sweepReceipts drops expired inbound dedupe records until ctx is done.
func sweepReceipts(ctx context.Context, ingest *services.IngestService) {
	t := time.NewTicker(receiptSweepTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := ingest.PurgeExpiredReceipts(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("receipt sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("expired receipts swept")
			}
		}
	}
}
