// Package channel talks to the messaging platforms' Graph-style send API:
// outbound text, typing indicators and read receipts, and media URL lookups.
//
// Calls are paced per business account with a token bucket so a burst of
// due conversations on one account cannot trip the platform's rate limits.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Supported platforms.
const (
	PlatformWhatsApp  = "whatsapp"
	PlatformMessenger = "facebook"
	PlatformInstagram = "instagram"
)

const (
	defaultBaseURL = "https://graph.facebook.com/v20.0"
	mediaCacheSize = 1024
	// Graph media URLs stay valid for roughly five minutes.
	mediaCacheTTL = 4 * time.Minute
)

var (
	ErrUnsupportedPlatform = errors.New("channel: unsupported platform")
	ErrMissingToken        = errors.New("channel: access token is required")
)

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "channel_requests_total",
		Help: "Outbound channel API calls by platform, operation and result.",
	},
	[]string{"platform", "op", "result"},
)

func init() {
	prometheus.MustRegister(requestsTotal)
}

// Credentials authorize calls on behalf of one business account.
type Credentials struct {
	Platform    string
	AccountID   string
	OwnerID     string
	AccessToken string
}

// HTTPStatusError captures non-2xx responses from the platform.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("channel: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	rps        rate.Limit
	burst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	media *expirable.LRU[string, string]
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at another Graph API host, mainly for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRate sets the per-account pacing. rps <= 0 disables pacing.
func WithRate(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.rps = rate.Inf
		} else {
			c.rps = rate.Limit(rps)
		}
		if burst > 0 {
			c.burst = burst
		}
	}
}

// NewClient builds a channel client with the default Graph API base URL.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		rps:        rate.Limit(20),
		burst:      40,
		limiters:   make(map[string]*rate.Limiter),
		media:      expirable.NewLRU[string, string](mediaCacheSize, nil, mediaCacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendText delivers a text reply to contactID and reports whether the
// platform accepted it.
func (c *Client) SendText(ctx context.Context, creds Credentials, contactID, text string) (bool, error) {
	var payload any
	switch creds.Platform {
	case PlatformWhatsApp:
		payload = map[string]any{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                contactID,
			"type":              "text",
			"text":              map[string]any{"body": text, "preview_url": false},
		}
	case PlatformMessenger, PlatformInstagram:
		payload = map[string]any{
			"recipient":      map[string]string{"id": contactID},
			"messaging_type": "RESPONSE",
			"message":        map[string]string{"text": text},
		}
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, creds.Platform)
	}

	if err := c.post(ctx, creds, "send_text", payload); err != nil {
		return false, err
	}
	return true, nil
}

// SendTypingIndicator marks the inbound message as read and shows a typing
// indicator. externalID is the platform id of the last inbound message; it is
// required for WhatsApp and ignored elsewhere.
func (c *Client) SendTypingIndicator(ctx context.Context, creds Credentials, contactID, externalID string) error {
	var payload any
	switch creds.Platform {
	case PlatformWhatsApp:
		if externalID == "" {
			return nil
		}
		payload = map[string]any{
			"messaging_product": "whatsapp",
			"status":            "read",
			"message_id":        externalID,
			"typing_indicator":  map[string]string{"type": "text"},
		}
	case PlatformMessenger, PlatformInstagram:
		payload = map[string]any{
			"recipient":     map[string]string{"id": contactID},
			"sender_action": "typing_on",
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedPlatform, creds.Platform)
	}
	return c.post(ctx, creds, "typing", payload)
}

// RefreshMediaURL resolves a fresh download URL for mediaID. Results are
// cached for a few minutes.
func (c *Client) RefreshMediaURL(ctx context.Context, creds Credentials, mediaID string) (string, error) {
	cacheKey := creds.Platform + ":" + mediaID
	if u, ok := c.media.Get(cacheKey); ok {
		return u, nil
	}
	if creds.AccessToken == "" {
		return "", ErrMissingToken
	}
	if err := c.wait(ctx, creds); err != nil {
		return "", err
	}

	endpoint := c.baseURL + "/" + url.PathEscape(mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("channel: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	raw, err := c.do(req, endpoint)
	c.count(creds.Platform, "media", err)
	if err != nil {
		return "", fmt.Errorf("channel: media lookup: %w", err)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("channel: decode media response: %w", err)
	}
	if out.URL != "" {
		c.media.Add(cacheKey, out.URL)
	}
	return out.URL, nil
}

func (c *Client) post(ctx context.Context, creds Credentials, op string, payload any) error {
	tr := otel.Tracer("channel/Client")
	ctx, span := tr.Start(ctx, op, trace.WithAttributes(
		attribute.String("channel.platform", creds.Platform),
		attribute.String("channel.account_id", creds.AccountID),
	))
	defer span.End()

	if creds.AccessToken == "" {
		return ErrMissingToken
	}
	if err := c.wait(ctx, creds); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: marshal payload: %w", err)
	}
	endpoint := c.baseURL + "/" + url.PathEscape(creds.AccountID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("channel: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	_, err = c.do(req, endpoint)
	c.count(creds.Platform, op, err)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("channel: %s: %w", op, err)
	}
	return nil
}

func (c *Client) wait(ctx context.Context, creds Credentials) error {
	if err := c.limiter(creds.Platform + ":" + creds.AccountID).Wait(ctx); err != nil {
		return fmt.Errorf("channel: rate wait: %w", err)
	}
	return nil
}

func (c *Client) limiter(account string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[account]
	if !ok {
		l = rate.NewLimiter(c.rps, c.burst)
		c.limiters[account] = l
	}
	return l
}

func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
	}
	return io.ReadAll(io.LimitReader(res.Body, 1<<20))
}

func (c *Client) count(platform, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	requestsTotal.WithLabelValues(platform, op, result).Inc()
}
