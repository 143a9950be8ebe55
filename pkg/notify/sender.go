package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.resend.com"
	defaultTimeout = 30 * time.Second
	// DefaultRequestsPerSecond matches the provider's default account limit
	DefaultRequestsPerSecond = 2
)

// Message is one email to send
type Message struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	Tags    []Tag             `json:"tags,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Tag is a provider-side label attached to a message
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SendResult is the provider's verdict on one message of a batch
type SendResult struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// OK reports whether the message was accepted
func (r SendResult) OK() bool {
	return r.Error == ""
}

// Sender delivers a batch of messages in one provider call. Results are in
// message order. The idempotency key lets the provider collapse a retried
// batch into the original send.
type Sender interface {
	SendBatch(ctx context.Context, msgs []*Message, idempotencyKey string) ([]SendResult, error)
}

// APIError is a non-2xx response from the email provider
type APIError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("email provider returned %d: %s", e.StatusCode, e.Message)
}

// HTTPSenderOptions configures HTTPSender
type HTTPSenderOptions struct {
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// HTTPSender sends batches to a Resend-compatible "POST /emails/batch" API
type HTTPSender struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewHTTPSender creates a sender authenticating with apiKey
func NewHTTPSender(apiKey string, opts HTTPSenderOptions) *HTTPSender {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	return &HTTPSender{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: opts.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
	}
}

type batchResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
	Errors []struct {
		Index   int    `json:"index"`
		Message string `json:"message"`
	} `json:"errors"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// SendBatch posts msgs as one batch. POST is not retried here; a failed
// batch is redelivered by the dispatcher and deduplicated by the key.
func (s *HTTPSender) SendBatch(ctx context.Context, msgs []*Message, idempotencyKey string) ([]SendResult, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	if err := s.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
		var er errorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Message != "" {
			apiErr.Message = er.Message
		}
		return nil, apiErr
	}

	var br batchResponse
	if err := json.Unmarshal(respBody, &br); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	results := make([]SendResult, len(msgs))
	for i := range results {
		if i < len(br.Data) {
			results[i].ID = br.Data[i].ID
		}
	}
	for _, e := range br.Errors {
		if e.Index >= 0 && e.Index < len(results) {
			results[e.Index] = SendResult{Error: e.Message}
		}
	}
	// A short data array without matching errors still means the message was not accepted
	for i := range results {
		if results[i].ID == "" && results[i].Error == "" {
			results[i].Error = "no id returned"
		}
	}

	return results, nil
}
