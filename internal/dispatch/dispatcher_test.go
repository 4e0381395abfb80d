package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-chat-batcher/internal/batching"
	"github.com/tbourn/go-chat-batcher/internal/cache"
	"github.com/tbourn/go-chat-batcher/internal/channel"
	"github.com/tbourn/go-chat-batcher/internal/responder"
	"github.com/tbourn/go-chat-batcher/internal/services"
)

// ---------- fakes ----------

var testKey = batching.Key{Platform: "whatsapp", AccountID: "pn-1", ContactID: "15550001"}

type fakeEngine struct {
	mu       sync.Mutex
	due      []batching.Key
	dueErr   error
	consume  func(batching.Key) (*batching.Batch, error)
	pingErr  error
	purges   int
	appended []string
}

func (f *fakeEngine) DueConversations(context.Context) ([]batching.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := f.due
	f.due = nil
	return keys, f.dueErr
}

func (f *fakeEngine) ConsumeBatch(_ context.Context, key batching.Key) (*batching.Batch, error) {
	if f.consume == nil {
		return textBatch(key), nil
	}
	return f.consume(key)
}

func (f *fakeEngine) Purge(context.Context, batching.Key) error {
	f.mu.Lock()
	f.purges++
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) AppendReply(_ context.Context, _ batching.Key, text string) error {
	f.mu.Lock()
	f.appended = append(f.appended, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) ConversationID(context.Context, batching.Key) (string, error) {
	return "conv-1", nil
}

func (f *fakeEngine) Ping(context.Context) error { return f.pingErr }

func (f *fakeEngine) purgeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purges
}

func textBatch(key batching.Key) *batching.Batch {
	return &batching.Batch{
		Key:         key,
		Content:     batching.TextContent("hello there"),
		MessageIDs:  []string{"m1", "m2"},
		ExternalIDs: []string{"wamid.1", "wamid.2"},
		History: []batching.HistoryEntry{
			{Role: batching.RoleUser, Content: batching.TextContent("hello there")},
		},
	}
}

type fakeCreds struct {
	creds *channel.Credentials
	err   error
}

func (f fakeCreds) Credentials(context.Context, string, string) (*channel.Credentials, error) {
	return f.creds, f.err
}

type fakeAutomation struct {
	decision services.Decision
	err      error
	owner    atomic.Value
}

func (f *fakeAutomation) Check(_ context.Context, ownerID string) (services.Decision, error) {
	f.owner.Store(ownerID)
	return f.decision, f.err
}

type fakeResponder struct {
	reply func(ctx context.Context, req responder.Request) (string, error)
	calls atomic.Int32
}

func (f *fakeResponder) Reply(ctx context.Context, req responder.Request) (string, error) {
	f.calls.Add(1)
	return f.reply(ctx, req)
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	typing  []string
	sendErr error
}

func (f *fakeSender) SendText(_ context.Context, _ channel.Credentials, _ string, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return false, f.sendErr
	}
	f.sent = append(f.sent, text)
	return true, nil
}

func (f *fakeSender) SendTypingIndicator(_ context.Context, _ channel.Credentials, _ string, externalID string) error {
	f.mu.Lock()
	f.typing = append(f.typing, externalID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeReplies struct {
	mu    sync.Mutex
	saved []string
}

func (f *fakeReplies) SaveReply(_ context.Context, _ batching.Key, convID, text string) error {
	f.mu.Lock()
	f.saved = append(f.saved, convID+":"+text)
	f.mu.Unlock()
	return nil
}

type harness struct {
	engine  *fakeEngine
	auto    *fakeAutomation
	resp    *fakeResponder
	sender  *fakeSender
	replies *fakeReplies
	deps    Deps
}

func newHarness() *harness {
	h := &harness{
		engine: &fakeEngine{},
		auto: &fakeAutomation{decision: services.Decision{
			ShouldReply: true,
			Reason:      services.ReasonEnabled,
			Settings:    responder.Settings{Model: "gpt-4o-mini", Temperature: 0.7, TopP: 1},
		}},
		resp: &fakeResponder{reply: func(context.Context, responder.Request) (string, error) {
			return "Hi! How can I help?", nil
		}},
		sender:  &fakeSender{},
		replies: &fakeReplies{},
	}
	h.deps = Deps{
		Engine:      h.engine,
		Credentials: fakeCreds{creds: &channel.Credentials{Platform: "whatsapp", AccountID: "pn-1", OwnerID: "owner-1", AccessToken: "tok"}},
		Automation:  h.auto,
		Responder:   h.resp,
		Sender:      h.sender,
		Replies:     h.replies,
	}
	return h
}

type counters struct {
	failed, timedOut, responses float64
}

func readCounters() counters {
	return counters{
		failed:    testutil.ToFloat64(failedTotal),
		timedOut:  testutil.ToFloat64(timedOut),
		responses: testutil.ToFloat64(responsesGenerated),
	}
}

// ---------- Process ----------

func TestProcess_RepliesAndRecordsHistory(t *testing.T) {
	h := newHarness()
	var got responder.Request
	h.resp.reply = func(_ context.Context, req responder.Request) (string, error) {
		got = req
		return "Hi! How can I help?", nil
	}
	d := New(h.deps, Config{TaskTimeout: time.Second})
	before := readCounters()

	if out := d.Process(context.Background(), testKey); out != OutcomeReplied {
		t.Fatalf("outcome = %s; want replied", out)
	}
	if got.OwnerID != "owner-1" || got.ConversationID != "conv-1" || len(got.History) != 1 || got.Settings.Model != "gpt-4o-mini" {
		t.Fatalf("responder request = %+v", got)
	}
	if len(h.sender.typing) != 1 || h.sender.typing[0] != "wamid.2" {
		t.Fatalf("typing indicator = %v; want last external id", h.sender.typing)
	}
	if h.sender.sentCount() != 1 || len(h.engine.appended) != 1 || len(h.replies.saved) != 1 {
		t.Fatalf("sent=%v appended=%v saved=%v", h.sender.sent, h.engine.appended, h.replies.saved)
	}
	if h.replies.saved[0] != "conv-1:Hi! How can I help?" {
		t.Fatalf("saved reply = %q", h.replies.saved[0])
	}
	after := readCounters()
	if after.responses-before.responses != 1 || after.failed != before.failed {
		t.Fatalf("counters before=%+v after=%+v", before, after)
	}
	if s := d.Metrics(); s.Processed != 1 || s.ResponsesGenerated != 1 || s.SuccessRate != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if h.engine.purgeCount() != 0 {
		t.Fatalf("successful task purged the conversation")
	}
}

func TestProcess_ContentionIsSkippedWithoutSideEffects(t *testing.T) {
	for _, cerr := range []error{batching.ErrLockHeld, batching.ErrNotArmed, batching.ErrNotDue} {
		h := newHarness()
		h.engine.consume = func(batching.Key) (*batching.Batch, error) { return nil, cerr }
		d := New(h.deps, Config{})
		before := readCounters()

		if out := d.Process(context.Background(), testKey); out != OutcomeSkipped {
			t.Fatalf("%v: outcome = %s; want skipped", cerr, out)
		}
		if h.engine.purgeCount() != 0 || h.resp.calls.Load() != 0 {
			t.Fatalf("%v: contention caused side effects", cerr)
		}
		if readCounters() != before {
			t.Fatalf("%v: contention moved failure metrics", cerr)
		}
		if s := d.Metrics(); s.Failed != 0 || s.ErrorsTotal != 0 {
			t.Fatalf("%v: snapshot = %+v", cerr, s)
		}
	}
}

func TestProcess_AutomationDisabledIsNotAFailure(t *testing.T) {
	h := newHarness()
	h.auto.decision = services.Decision{Reason: services.ReasonDisabled}
	d := New(h.deps, Config{})
	before := readCounters()

	if out := d.Process(context.Background(), testKey); out != OutcomeSkippedByPolicy {
		t.Fatalf("outcome = %s; want skipped_by_policy", out)
	}
	if owner, _ := h.auto.owner.Load().(string); owner != "owner-1" {
		t.Fatalf("automation checked for %q", owner)
	}
	if h.resp.calls.Load() != 0 || h.sender.sentCount() != 0 {
		t.Fatalf("disabled automation still generated or sent a reply")
	}
	if readCounters() != before {
		t.Fatalf("policy skip moved failure metrics")
	}
	if s := d.Metrics(); s.Failed != 0 || s.ErrorsTotal != 0 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestProcess_TimeoutPurgesAndNeverSends(t *testing.T) {
	h := newHarness()
	release := make(chan struct{})
	h.resp.reply = func(ctx context.Context, _ responder.Request) (string, error) {
		<-release
		return "too late", nil
	}
	d := New(h.deps, Config{TaskTimeout: 50 * time.Millisecond})
	before := readCounters()

	out := d.Process(context.Background(), testKey)
	close(release)
	if out != OutcomeTimedOut {
		t.Fatalf("outcome = %s; want timed_out", out)
	}
	if after := readCounters(); after.timedOut-before.timedOut != 1 {
		t.Fatalf("timed_out delta = %v", after.timedOut-before.timedOut)
	}
	if h.engine.purgeCount() < 1 {
		t.Fatalf("timed out conversation was not purged")
	}
	// Let the abandoned task body finish; its late reply must not be sent.
	time.Sleep(20 * time.Millisecond)
	if h.sender.sentCount() != 0 {
		t.Fatalf("reply sent after timeout")
	}
	if s := d.Metrics(); s.TimedOut != 1 || s.ErrorsTotal != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestProcess_MissingCredentialsDropsSilently(t *testing.T) {
	h := newHarness()
	h.deps.Credentials = fakeCreds{}
	d := New(h.deps, Config{})
	before := readCounters()

	if out := d.Process(context.Background(), testKey); out != OutcomeFailedSilently {
		t.Fatalf("outcome = %s; want failed", out)
	}
	if readCounters() != before || h.engine.purgeCount() != 0 || h.resp.calls.Load() != 0 {
		t.Fatalf("missing credentials should drop without metrics or purge")
	}
}

func TestProcess_FailuresPurgeAndCount(t *testing.T) {
	cases := map[string]func(h *harness){
		"empty batch": func(h *harness) {
			h.engine.consume = func(batching.Key) (*batching.Batch, error) { return nil, nil }
		},
		"consume error": func(h *harness) {
			h.engine.consume = func(batching.Key) (*batching.Batch, error) { return nil, errors.New("redis down") }
		},
		"empty reply": func(h *harness) {
			h.resp.reply = func(context.Context, responder.Request) (string, error) { return "", nil }
		},
		"responder error": func(h *harness) {
			h.resp.reply = func(context.Context, responder.Request) (string, error) { return "", errors.New("429") }
		},
		"send error": func(h *harness) {
			h.sender.sendErr = errors.New("graph 400")
		},
		"panic": func(h *harness) {
			h.resp.reply = func(context.Context, responder.Request) (string, error) { panic("boom") }
		},
	}
	for name, setup := range cases {
		h := newHarness()
		setup(h)
		d := New(h.deps, Config{TaskTimeout: time.Second})
		before := readCounters()

		if out := d.Process(context.Background(), testKey); out != OutcomeFailedSilently {
			t.Fatalf("%s: outcome = %s; want failed", name, out)
		}
		if after := readCounters(); after.failed-before.failed != 1 {
			t.Fatalf("%s: failed delta = %v", name, after.failed-before.failed)
		}
		if h.engine.purgeCount() != 1 {
			t.Fatalf("%s: purges = %d; want 1", name, h.engine.purgeCount())
		}
		if len(h.engine.appended) != 0 || len(h.replies.saved) != 0 {
			t.Fatalf("%s: failed task recorded a reply", name)
		}
	}
}

func TestProcess_OnOutcomeObservesResult(t *testing.T) {
	h := newHarness()
	var seen []Outcome
	d := New(h.deps, Config{OnOutcome: func(_ batching.Key, o Outcome) { seen = append(seen, o) }})

	d.Process(context.Background(), testKey)
	if len(seen) != 1 || seen[0] != OutcomeReplied {
		t.Fatalf("OnOutcome saw %v", seen)
	}
}

// ---------- loop lifecycle ----------

func TestStartStop_ProcessesDueConversations(t *testing.T) {
	h := newHarness()
	h.engine.due = []batching.Key{testKey, {Platform: "instagram", AccountID: "p", ContactID: "c"}}
	outcomes := make(chan Outcome, 4)
	d := New(h.deps, Config{
		TickInterval: 10 * time.Millisecond,
		OnOutcome:    func(_ batching.Key, o Outcome) { outcomes <- o },
	})

	d.Start(context.Background())
	d.Start(context.Background()) // second start is a no-op
	if !d.Running() {
		t.Fatalf("dispatcher not running after Start")
	}
	for i := 0; i < 2; i++ {
		select {
		case o := <-outcomes:
			if o != OutcomeReplied {
				t.Fatalf("outcome = %s", o)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("due conversation %d was never processed", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if d.Running() {
		t.Fatalf("dispatcher still running after Stop")
	}
	if d.Metrics().ScanTicks == 0 {
		t.Fatalf("no scan ticks recorded")
	}
}

func TestTick_ScanErrorIsCountedNotFatal(t *testing.T) {
	h := newHarness()
	h.engine.dueErr = errors.New("redis down")
	d := New(h.deps, Config{})
	before := testutil.ToFloat64(errorsTotal)

	d.tick(context.Background())
	if testutil.ToFloat64(errorsTotal)-before != 1 {
		t.Fatalf("scan error not counted")
	}
	if s := d.Metrics(); s.ScanTicks != 1 || s.ErrorsTotal != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestTick_BoundsConcurrency(t *testing.T) {
	h := newHarness()
	for i := 0; i < 10; i++ {
		h.engine.due = append(h.engine.due, batching.Key{Platform: "whatsapp", AccountID: "pn-1", ContactID: string(rune('a' + i))})
	}
	var cur, peak atomic.Int32
	h.resp.reply = func(context.Context, responder.Request) (string, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return "ok", nil
	}
	d := New(h.deps, Config{MaxInFlight: 3})

	d.tick(context.Background())
	if got := peak.Load(); got > 3 || got == 0 {
		t.Fatalf("peak concurrency = %d; want 1..3", got)
	}
	if h.sender.sentCount() != 10 {
		t.Fatalf("sent = %d; want 10", h.sender.sentCount())
	}
}

// ---------- against a real engine ----------

func TestProcess_ConcurrentWorkersReplyOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var mu sync.Mutex
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	eng := batching.New(cache.NewRedis(rdb), nil, batching.Options{Window: time.Second, Now: clock})
	ctx := context.Background()

	for _, txt := range []string{"hi", "are you open?"} {
		if _, err := eng.AddMessage(ctx, testKey, batching.TextMessage{Meta: batching.Meta{MessageID: txt}, Text: txt}); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	h := newHarness()
	h.deps.Engine = eng
	d := New(h.deps, Config{TaskTimeout: 5 * time.Second})

	const workers = 6
	results := make(chan Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- d.Process(ctx, testKey)
		}()
	}
	wg.Wait()
	close(results)

	replied := 0
	for o := range results {
		switch o {
		case OutcomeReplied:
			replied++
		case OutcomeSkipped:
		default:
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	if replied != 1 || h.sender.sentCount() != 1 {
		t.Fatalf("replied=%d sent=%d; want exactly one", replied, h.sender.sentCount())
	}
	if h.sender.sent[0] != "Hi! How can I help?" {
		t.Fatalf("sent = %v", h.sender.sent)
	}
	hist, err := eng.History(ctx, testKey)
	if err != nil || len(hist) != 2 || hist[1].Role != batching.RoleAssistant {
		t.Fatalf("history = %+v,%v", hist, err)
	}
}
