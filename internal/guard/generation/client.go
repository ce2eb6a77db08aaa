// Package generation is the HTTP client for the downstream answer pipeline.
// The guard only ever calls it on a full cache miss with admission granted.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"queryguard/internal/guard/cache"
	"queryguard/internal/guard/models"
	"queryguard/pkg/platform/circuit"

	dErrors "queryguard/pkg/domain-errors"
)

// Client calls the generation backend over HTTP. A circuit breaker wraps
// every call so a backend outage sheds load fast instead of stacking up
// requests that each wait out the full timeout.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// Option configures a Client instance.
type Option func(*Client)

// WithLogger sets the structured logger for audit and debug logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// WithBreaker overrides the default circuit breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// New creates a client for the backend at baseURL. The timeout bounds each
// call end to end.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: circuit.New("generation"),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateRequest struct {
	Query string   `json:"query"`
	Turns []string `json:"conversation_context,omitempty"`
}

type generateResponse struct {
	Answer           string                   `json:"answer"`
	SourceReferences []models.SourceReference `json:"sourceReferences"`
	Cost             float64                  `json:"cost"`
}

// Generate asks the backend to answer a query. Implements cache.Generator.
func (c *Client) Generate(ctx context.Context, query string, turns []string) (*cache.GenerationResult, error) {
	var result *cache.GenerationResult

	err := c.breaker.Do(func() error {
		var err error
		result, err = c.generate(ctx, query, turns)
		return err
	})
	if err == circuit.ErrOpen {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "generation backend circuit open")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "generation call failed")
	}
	return result, nil
}

func (c *Client) generate(ctx context.Context, query string, turns []string) (*cache.GenerationResult, error) {
	body, err := json.Marshal(generateRequest{Query: query, Turns: turns})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a bounded slice for the log, never the whole body.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if c.logger != nil {
			c.logger.ErrorContext(ctx, "generation backend returned error",
				"status", resp.StatusCode,
				"body", string(snippet),
			)
		}
		return nil, fmt.Errorf("generation backend status %d", resp.StatusCode)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, err
	}
	return &cache.GenerationResult{
		Answer: models.Answer{Text: gr.Answer, SourceReferences: gr.SourceReferences},
		Cost:   gr.Cost,
	}, nil
}
