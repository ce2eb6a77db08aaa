// Package cms is the read-side client for the content-management system. The
// guard only asks it one thing: the current set of suggested questions, which
// drives the tier-1 refresh.
package cms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	dErrors "queryguard/pkg/domain-errors"
)

// Client fetches suggested questions over HTTP.
type Client struct {
	url  string
	http *http.Client
}

// New creates a client for the questions endpoint at url.
func New(url string, timeout time.Duration) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

type questionsResponse struct {
	SuggestedQuestions []string `json:"suggested_questions"`
}

// SuggestedQuestions returns the CMS's current suggested questions.
func (c *Client) SuggestedQuestions(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "cms call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, dErrors.New(dErrors.CodeUnavailable,
			fmt.Sprintf("cms returned status %d", resp.StatusCode))
	}

	var qr questionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, err
	}
	return qr.SuggestedQuestions, nil
}

// StaticSource serves a fixed question list, for deployments where the CMS
// cannot be polled and the set arrives solely via webhook events.
type StaticSource []string

// SuggestedQuestions returns the fixed list.
func (s StaticSource) SuggestedQuestions(context.Context) ([]string, error) {
	return []string(s), nil
}
