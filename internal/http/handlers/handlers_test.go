package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-batcher/internal/batching"
	"github.com/tbourn/go-chat-batcher/internal/dispatch"
	"github.com/tbourn/go-chat-batcher/internal/repo"
	"github.com/tbourn/go-chat-batcher/internal/services"
)

type stubIngest struct {
	got services.Inbound
	res *services.IngestResult
	err error
}

func (s *stubIngest) Ingest(_ context.Context, in services.Inbound) (*services.IngestResult, error) {
	s.got = in
	return s.res, s.err
}

type stubMonitor struct {
	health dispatch.HealthStatus
	snap   dispatch.Snapshot
}

func (s stubMonitor) Health(context.Context) dispatch.HealthStatus { return s.health }
func (s stubMonitor) Metrics() dispatch.Snapshot                   { return s.snap }

type stubStore struct {
	st  repo.StoreStats
	err error
}

func (s stubStore) Stats(context.Context) (repo.StoreStats, error) { return s.st, s.err }

type stubConvs struct {
	entries []batching.HistoryEntry
	err     error
	purged  []batching.Key
}

func (s *stubConvs) History(context.Context, batching.Key) ([]batching.HistoryEntry, error) {
	return s.entries, s.err
}

func (s *stubConvs) Purge(_ context.Context, key batching.Key) error {
	if s.err != nil {
		return s.err
	}
	s.purged = append(s.purged, key)
	return nil
}

func newTestRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-test")
		c.Next()
	})
	r.GET("/health", h.Health)
	r.POST("/inbound", h.PostInbound)
	r.GET("/stats", h.Stats)
	r.GET("/conversations/:platform/:account/:contact/history", h.ConversationHistory)
	r.DELETE("/conversations/:platform/:account/:contact", h.PurgeConversation)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return er
}

func TestPostInbound_Accepted(t *testing.T) {
	ing := &stubIngest{res: &services.IngestResult{MessageID: "m-1", ConversationID: "c-1", WindowStarted: true}}
	r := newTestRouter(New(ing, stubMonitor{}, stubStore{}, &stubConvs{}))

	w := do(r, http.MethodPost, "/inbound", `{"platform":"whatsapp","account_id":"pn-1","contact_id":"15550001","external_id":"wamid.1","kind":"text","text":"hi"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var res services.IngestResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.MessageID != "m-1" || !res.WindowStarted {
		t.Fatalf("result = %+v", res)
	}
	if ing.got.ExternalID != "wamid.1" || ing.got.Text != "hi" || ing.got.ContactID != "15550001" {
		t.Fatalf("ingest got %+v", ing.got)
	}
}

func TestPostInbound_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid", fmt.Errorf("%w: empty text", services.ErrInvalidInbound), http.StatusBadRequest, ErrCodeInvalidEvent},
		{"bad key", batching.ErrInvalidKey, http.StatusBadRequest, ErrCodeInvalidEvent},
		{"unsupported", fmt.Errorf("%w: %q", services.ErrUnsupportedKind, "sticker"), http.StatusBadRequest, ErrCodeUnsupportedKind},
		{"infra", errors.New("redis: connection refused"), http.StatusInternalServerError, ErrCodeIngestFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(New(&stubIngest{err: tc.err}, stubMonitor{}, stubStore{}, &stubConvs{}))
			w := do(r, http.MethodPost, "/inbound", `{"platform":"whatsapp"}`)
			if w.Code != tc.status {
				t.Fatalf("status = %d; want %d", w.Code, tc.status)
			}
			er := decodeError(t, w)
			if er.Code != tc.code || er.RequestID != "rid-test" {
				t.Fatalf("error = %+v", er)
			}
			if tc.status == http.StatusInternalServerError && strings.Contains(er.Message, "redis") {
				t.Fatalf("internal detail leaked: %q", er.Message)
			}
		})
	}
}

func TestPostInbound_Duplicate(t *testing.T) {
	r := newTestRouter(New(&stubIngest{err: services.ErrDuplicateInbound}, stubMonitor{}, stubStore{}, &stubConvs{}))
	w := do(r, http.MethodPost, "/inbound", `{"platform":"whatsapp"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"duplicate"`) {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
}

func TestPostInbound_MalformedJSON(t *testing.T) {
	ing := &stubIngest{}
	r := newTestRouter(New(ing, stubMonitor{}, stubStore{}, &stubConvs{}))
	w := do(r, http.MethodPost, "/inbound", `{"platform":`)
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != ErrCodeBadRequest {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if ing.got.Platform != "" {
		t.Fatalf("ingest should not be called")
	}
}

func TestHealth_StatusCodes(t *testing.T) {
	cases := map[string]int{
		dispatch.StatusHealthy:   http.StatusOK,
		dispatch.StatusDegraded:  http.StatusOK,
		dispatch.StatusUnhealthy: http.StatusServiceUnavailable,
	}
	for status, want := range cases {
		mon := stubMonitor{health: dispatch.HealthStatus{Status: status}}
		r := newTestRouter(New(&stubIngest{}, mon, stubStore{}, &stubConvs{}))
		w := do(r, http.MethodGet, "/health", "")
		if w.Code != want {
			t.Fatalf("%s: status = %d; want %d", status, w.Code, want)
		}
		if !strings.Contains(w.Body.String(), `"status":"`+status+`"`) {
			t.Fatalf("%s: body = %s", status, w.Body.String())
		}
	}
}

func TestStats(t *testing.T) {
	last := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	mon := stubMonitor{snap: dispatch.Snapshot{Processed: 7, Failed: 1}}
	store := stubStore{st: repo.StoreStats{Conversations: 2, Messages: 9, LastMessageAt: &last}}
	r := newTestRouter(New(&stubIngest{}, mon, store, &stubConvs{}))

	w := do(r, http.MethodGet, "/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Dispatcher.Processed != 7 || got.Store.Messages != 9 || !got.Store.LastMessageAt.Equal(last) {
		t.Fatalf("stats = %+v", got)
	}

	r = newTestRouter(New(&stubIngest{}, mon, stubStore{err: errors.New("db closed")}, &stubConvs{}))
	if w := do(r, http.MethodGet, "/stats", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("store failure status = %d", w.Code)
	}
}

func TestConversationHistory(t *testing.T) {
	convs := &stubConvs{entries: []batching.HistoryEntry{
		{Role: batching.RoleUser, Content: batching.TextContent("hi there")},
		{Role: batching.RoleAssistant, Content: batching.TextContent("hello")},
	}}
	r := newTestRouter(New(&stubIngest{}, stubMonitor{}, stubStore{}, convs))

	w := do(r, http.MethodGet, "/conversations/WhatsApp/pn-1/15550001/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var got HistoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Conversation != "whatsapp:pn-1:15550001" || len(got.Entries) != 2 || got.Entries[1].Content.Text != "hello" {
		t.Fatalf("history = %+v", got)
	}
}

func TestConversationHistory_BadKey(t *testing.T) {
	r := newTestRouter(New(&stubIngest{}, stubMonitor{}, stubStore{}, &stubConvs{}))
	w := do(r, http.MethodGet, "/conversations/whatsapp/pn:1/15550001/history", "")
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != ErrCodeBadRequest {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
}

func TestPurgeConversation(t *testing.T) {
	convs := &stubConvs{}
	r := newTestRouter(New(&stubIngest{}, stubMonitor{}, stubStore{}, convs))

	w := do(r, http.MethodDelete, "/conversations/instagram/ig-9/u-42", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	want := batching.Key{Platform: "instagram", AccountID: "ig-9", ContactID: "u-42"}
	if len(convs.purged) != 1 || convs.purged[0] != want {
		t.Fatalf("purged = %+v", convs.purged)
	}

	convs.err = errors.New("redis down")
	if w := do(r, http.MethodDelete, "/conversations/instagram/ig-9/u-42", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("failure status = %d", w.Code)
	}
}
