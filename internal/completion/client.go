package completion

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/ent0n29/pagevoice/internal/reliability"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultVersion   = "2023-06-01"
	DefaultMaxTokens = 4096
)

// Message is one history entry in the request body.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the per-turn input. Max tokens and streaming are fixed by the client.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
}

type requestBody struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

// Streamer is implemented by Client and by test doubles.
type Streamer interface {
	Stream(ctx context.Context, req Request, onDelta DeltaHandler) (string, error)
}

type Options struct {
	BaseURL   string
	Version   string
	MaxTokens int
	// HTTPClient defaults to a client without an overall timeout: responses
	// stream for as long as the model writes.
	HTTPClient *http.Client
	// OnParseError observes malformed frames; they are skipped either way.
	OnParseError func(error)
}

// Client streams Messages API completions.
type Client struct {
	apiKey    string
	baseURL   string
	version   string
	maxTokens int
	client    *http.Client
	onParse   func(error)
	// keyErr is set when a configured key failed SanitizeCredential.
	keyErr error
}

// NewClient validates apiKey with SanitizeCredential. A malformed key is never
// sent; every Stream call then fails with ErrInvalidCredential.
func NewClient(apiKey string, opts Options) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		version:   strings.TrimSpace(opts.Version),
		maxTokens: opts.MaxTokens,
		client:    opts.HTTPClient,
		onParse:   opts.OnParseError,
	}
	if strings.TrimSpace(apiKey) != "" {
		key, err := SanitizeCredential(apiKey)
		if err != nil {
			log.Printf("[completion] API key has invalid format; it should start with sk-ant- or sk-")
			c.keyErr = err
		}
		c.apiKey = key
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.version == "" {
		c.version = DefaultVersion
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	return c
}

// Stream posts req and invokes onDelta for each text fragment. The returned
// string is the concatenation of every delta delivered.
func (c *Client) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	if c.keyErr != nil {
		return "", c.keyErr
	}
	if c.apiKey == "" {
		return "", ErrMissingCredential
	}
	auth := ClassifyCredential(c.apiKey)

	payload, err := sonic.Marshal(requestBody{
		Model:       req.Model,
		System:      req.System,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   c.maxTokens,
		Stream:      true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", strings.NewReader(string(payload)))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", c.version)
	httpReq.Header.Set("anthropic-dangerous-direct-browser-access", "true")
	auth.Apply(httpReq.Header)

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		if res.StatusCode == http.StatusUnauthorized {
			return "", &AuthError{Scheme: auth.Scheme(), Body: string(body)}
		}
		return "", &HTTPError{
			Status:    res.StatusCode,
			Body:      strings.TrimSpace(string(body)),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	return decodeStream(res.Body, onDelta, c.onParse)
}
