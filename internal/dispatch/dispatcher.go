// Package dispatch runs the scan loop that turns due conversations into
// replies.
//
// Every tick asks the batching engine which conversations have an elapsed
// debounce deadline and processes each one in its own task: consume the
// batch, check credentials and automation policy, generate a reply and send
// it. Tasks run with a hard timeout; a task that exceeds it has its
// conversation purged so it does not stay stuck until the cache TTL.
//
// Failures never surface to the customer. They are recorded as Outcome values
// and in the metrics exposed by Metrics and Health.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-chat-batcher/internal/batching"
	"github.com/tbourn/go-chat-batcher/internal/channel"
	"github.com/tbourn/go-chat-batcher/internal/responder"
	"github.com/tbourn/go-chat-batcher/internal/services"
)

const (
	DefaultTickInterval = 500 * time.Millisecond
	DefaultTaskTimeout  = 30 * time.Second
	DefaultMaxInFlight  = 32
)

// purgeTimeout bounds the cleanup issued after a task gave up.
const purgeTimeout = 5 * time.Second

// Outcome is the result of processing one due conversation.
type Outcome string

const (
	OutcomeReplied         Outcome = "replied"
	OutcomeSkippedByPolicy Outcome = "skipped_by_policy"
	OutcomeFailedSilently  Outcome = "failed"
	OutcomeTimedOut        Outcome = "timed_out"
	// OutcomeSkipped means another worker owns the conversation or its
	// window has not elapsed yet.
	OutcomeSkipped Outcome = "skipped"
)

// Engine is the subset of the batching engine the dispatcher drives.
type Engine interface {
	DueConversations(ctx context.Context) ([]batching.Key, error)
	ConsumeBatch(ctx context.Context, key batching.Key) (*batching.Batch, error)
	Purge(ctx context.Context, key batching.Key) error
	AppendReply(ctx context.Context, key batching.Key, text string) error
	ConversationID(ctx context.Context, key batching.Key) (string, error)
	Ping(ctx context.Context) error
}

// CredentialGate resolves the credentials of a business account; nil means
// the account cannot be served.
type CredentialGate interface {
	Credentials(ctx context.Context, platform, accountID string) (*channel.Credentials, error)
}

// AutomationGate decides whether an owner wants automated replies.
type AutomationGate interface {
	Check(ctx context.Context, ownerID string) (services.Decision, error)
}

// Responder generates the reply text for a batch.
type Responder interface {
	Reply(ctx context.Context, req responder.Request) (string, error)
}

// Sender delivers replies and typing indicators on the customer's channel.
type Sender interface {
	SendText(ctx context.Context, creds channel.Credentials, contactID, text string) (bool, error)
	SendTypingIndicator(ctx context.Context, creds channel.Credentials, contactID, externalID string) error
}

// ReplyStore persists sent replies durably.
type ReplyStore interface {
	SaveReply(ctx context.Context, key batching.Key, conversationID, text string) error
}

// Deps are the collaborators of a Dispatcher. Replies may be nil.
type Deps struct {
	Engine      Engine
	Credentials CredentialGate
	Automation  AutomationGate
	Responder   Responder
	Sender      Sender
	Replies     ReplyStore
}

// Config tunes the loop. Zero values take the package defaults.
type Config struct {
	TickInterval time.Duration
	TaskTimeout  time.Duration
	// MaxInFlight caps concurrent tasks within one tick.
	MaxInFlight int
	// OnOutcome, when set, observes every task result.
	OnOutcome func(batching.Key, Outcome)
}

// Dispatcher owns the scan loop. Build one per process with New.
type Dispatcher struct {
	deps  Deps
	cfg   Config
	stats *stats
	now   func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a stopped Dispatcher, applying defaults to zero Config fields.
func New(deps Deps, cfg Config) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	return &Dispatcher{
		deps:  deps,
		cfg:   cfg,
		stats: newStats(),
		now:   time.Now,
	}
}

// Start launches the scan loop. Calling it on a running dispatcher only logs
// a warning.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		log.Warn().Msg("dispatcher already running")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(loopCtx, d.done)

	log.Info().
		Dur("tick_interval", d.cfg.TickInterval).
		Dur("task_timeout", d.cfg.TaskTimeout).
		Int("max_in_flight", d.cfg.MaxInFlight).
		Msg("dispatcher started")
}

// Stop cancels the loop and waits for it to exit. Tasks of the tick in
// progress run to completion, each bounded by the task timeout; ctx bounds
// the wait.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
		log.Info().Msg("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: stop: %w", ctx.Err())
	}
}

// Running reports whether the loop is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		d.tick(ctx)
		// Reset after the tick so a slow tick delays the next one instead
		// of stacking up behind it.
		timer.Reset(d.cfg.TickInterval)
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	d.stats.scan(d.now())
	scanTicks.Inc()

	keys, err := d.deps.Engine.DueConversations(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("scan for due conversations failed")
			errorsTotal.Inc()
			d.stats.errored()
		}
		return
	}
	dueGauge.Set(float64(len(keys)))
	if len(keys) == 0 {
		return
	}

	// Tasks outlive a Stop issued mid-tick; each is bounded by TaskTimeout.
	taskCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxInFlight)
	for _, key := range keys {
		g.Go(func() error {
			d.Process(taskCtx, key)
			return nil
		})
	}
	_ = g.Wait()
}

// result is what a task body reports back to Process.
type result struct {
	outcome Outcome
	// failed counts the task in the failed metric.
	failed bool
	err    error
}

// Process handles one due conversation under the task timeout and records
// its outcome.
func (d *Dispatcher) Process(ctx context.Context, key batching.Key) Outcome {
	tr := otel.Tracer("dispatch/Dispatcher")
	ctx, span := tr.Start(ctx, "Process", trace.WithAttributes(
		attribute.String("conversation.key", key.Member()),
	))
	defer span.End()

	start := d.now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
	defer cancel()

	inflight.Inc()
	defer inflight.Dec()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("conversation", key.Member()).Msg("task panicked")
				d.purge(ctx, key)
				done <- result{outcome: OutcomeFailedSilently, failed: true, err: fmt.Errorf("panic: %v", r)}
			}
		}()
		done <- d.run(ctx, key)
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn().Str("conversation", key.Member()).Dur("timeout", d.cfg.TaskTimeout).Msg("task timed out; purging conversation")
			res = result{outcome: OutcomeTimedOut, err: ctx.Err()}
		} else {
			log.Warn().Str("conversation", key.Member()).Msg("task cancelled")
			res = result{outcome: OutcomeFailedSilently, failed: true, err: ctx.Err()}
		}
		d.purge(ctx, key)
	}

	d.record(key, res, d.now().Sub(start))
	span.SetAttributes(attribute.String("dispatch.outcome", string(res.outcome)))
	return res.outcome
}

func (d *Dispatcher) run(ctx context.Context, key batching.Key) result {
	batch, err := d.deps.Engine.ConsumeBatch(ctx, key)
	switch {
	case batching.IsContention(err):
		return result{outcome: OutcomeSkipped}
	case err != nil:
		log.Warn().Err(err).Str("conversation", key.Member()).Msg("consume batch failed")
		d.purge(ctx, key)
		return result{outcome: OutcomeFailedSilently, failed: true, err: err}
	case batch == nil:
		log.Warn().Str("conversation", key.Member()).Msg("due conversation had an empty batch")
		d.purge(ctx, key)
		return result{outcome: OutcomeFailedSilently, failed: true}
	}

	lg := log.With().Str("conversation", key.Member()).Int("batch_size", len(batch.MessageIDs)).Logger()

	creds, err := d.deps.Credentials.Credentials(ctx, key.Platform, key.AccountID)
	if err != nil || creds == nil {
		lg.Warn().Err(err).Msg("no credentials for account; dropping batch")
		return result{outcome: OutcomeFailedSilently}
	}

	decision, err := d.deps.Automation.Check(ctx, creds.OwnerID)
	if err != nil {
		lg.Warn().Err(err).Str("owner_id", creds.OwnerID).Msg("automation check failed")
		return result{outcome: OutcomeFailedSilently, failed: true, err: err}
	}
	if !decision.ShouldReply {
		lg.Info().Str("owner_id", creds.OwnerID).Str("reason", decision.Reason).Msg("automation disabled; not replying")
		return result{outcome: OutcomeSkippedByPolicy}
	}

	if err := d.deps.Sender.SendTypingIndicator(ctx, *creds, key.ContactID, lastExternalID(batch)); err != nil {
		lg.Debug().Err(err).Msg("typing indicator failed")
	}

	convID, err := d.deps.Engine.ConversationID(ctx, key)
	if err != nil {
		lg.Debug().Err(err).Msg("conversation id unavailable")
	}

	text, err := d.deps.Responder.Reply(ctx, responder.Request{
		OwnerID:        creds.OwnerID,
		ConversationID: convID,
		History:        batch.History,
		Settings:       decision.Settings,
	})
	if err != nil || text == "" {
		if ctx.Err() == nil {
			lg.Warn().Err(err).Msg("responder produced no reply")
			d.purge(ctx, key)
		}
		return result{outcome: OutcomeFailedSilently, failed: true, err: err}
	}
	responsesGenerated.Inc()
	d.stats.response()

	if ctx.Err() != nil {
		d.purge(ctx, key)
		return result{outcome: OutcomeTimedOut, err: ctx.Err()}
	}
	sent, err := d.deps.Sender.SendText(ctx, *creds, key.ContactID, text)
	if err != nil || !sent {
		lg.Warn().Err(err).Msg("reply send failed")
		d.purge(ctx, key)
		return result{outcome: OutcomeFailedSilently, failed: true, err: err}
	}

	if err := d.deps.Engine.AppendReply(ctx, key, text); err != nil {
		lg.Warn().Err(err).Msg("append reply to cached history failed")
	}
	if d.deps.Replies != nil {
		if err := d.deps.Replies.SaveReply(ctx, key, convID, text); err != nil {
			lg.Warn().Err(err).Msg("persist reply failed")
		}
	}
	lg.Debug().Msg("reply sent")
	return result{outcome: OutcomeReplied}
}

func (d *Dispatcher) record(key batching.Key, res result, elapsed time.Duration) {
	tasksTotal.WithLabelValues(string(res.outcome)).Inc()
	if res.outcome != OutcomeSkipped {
		taskDuration.Observe(elapsed.Seconds())
	}
	switch {
	case res.outcome == OutcomeReplied:
		d.stats.processed(elapsed)
	case res.outcome == OutcomeTimedOut:
		timedOut.Inc()
		errorsTotal.Inc()
		d.stats.timedOut(elapsed)
	case res.failed:
		failedTotal.Inc()
		d.stats.failed(elapsed)
	}
	if res.err != nil && res.outcome != OutcomeTimedOut {
		errorsTotal.Inc()
		d.stats.errored()
	}
	if d.cfg.OnOutcome != nil {
		d.cfg.OnOutcome(key, res.outcome)
	}
}

// purge tears down the conversation cache with a context of its own, since
// the task context is often the reason for purging.
func (d *Dispatcher) purge(ctx context.Context, key batching.Key) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), purgeTimeout)
	defer cancel()
	if err := d.deps.Engine.Purge(ctx, key); err != nil {
		log.Warn().Err(err).Str("conversation", key.Member()).Msg("purge failed; state will expire")
	}
}

func lastExternalID(b *batching.Batch) string {
	if len(b.ExternalIDs) == 0 {
		return ""
	}
	return b.ExternalIDs[len(b.ExternalIDs)-1]
}
