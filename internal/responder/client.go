package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-batcher/internal/batching"
)

const defaultBaseURL = "https://api.openai.com/v1"

type chatMessage struct {
	Role    string           `json:"role"`
	Content batching.Content `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	User        string        `json:"user,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("responder: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Request is one reply generation call.
type Request struct {
	OwnerID        string
	ConversationID string
	// History is the cached conversation, oldest first, ending with the
	// merged batch being answered.
	History  []batching.HistoryEntry
	Settings Settings
}

// Client calls a chat-completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the chat-completions base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient constructs a Client authenticating with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 25 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Reply returns the generated text, or "" when the model produced nothing.
func (c *Client) Reply(ctx context.Context, req Request) (string, error) {
	tr := otel.Tracer("responder/Client")
	ctx, span := tr.Start(ctx, "Reply", trace.WithAttributes(
		attribute.String("responder.model", req.Settings.Model),
		attribute.Int("responder.history_len", len(req.History)),
	))
	defer span.End()

	if err := req.Settings.Validate(); err != nil {
		return "", err
	}
	if len(req.History) == 0 {
		return "", nil
	}

	msgs := make([]chatMessage, 0, len(req.History)+1)
	if req.Settings.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: batching.TextContent(req.Settings.SystemPrompt)})
	}
	for _, h := range req.History {
		msgs = append(msgs, chatMessage{Role: h.Role, Content: h.Content})
	}

	body, err := json.Marshal(chatRequest{
		Model:       req.Settings.Model,
		Messages:    msgs,
		Temperature: req.Settings.Temperature,
		TopP:        req.Settings.TopP,
		User:        req.ConversationID,
	})
	if err != nil {
		return "", fmt.Errorf("responder: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("responder: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return "", fmt.Errorf("responder: request failed: %w", err)
	}

	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("responder: decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(payload.Choices[0].Message.Content), nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	hc := c.httpClient
	if hc == nil {
		hc = http.DefaultClient
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
