// Package client is a typed HTTP consumer for the provider's feed-values
// API, for voting clients and tooling that poll fused prices.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/api"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/version"
)

// DefaultTimeout bounds one request when the caller configures none.
const DefaultTimeout = 5 * time.Second

// Client fetches fused feed values from a provider instance.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client for the provider at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// GetFeedValues fetches current fused values. An empty feed list asks
// for every feed the provider serves.
func (c *Client) GetFeedValues(ctx context.Context, feeds []api.FeedID) ([]api.FeedValue, error) {
	return c.post(ctx, c.baseURL+"/feed-values", feeds)
}

// GetRoundFeedValues fetches values pinned to one voting round.
func (c *Client) GetRoundFeedValues(ctx context.Context, round uint32, feeds []api.FeedID) ([]api.FeedValue, error) {
	return c.post(ctx, fmt.Sprintf("%s/feed-values/%d", c.baseURL, round), feeds)
}

// Ready reports whether the provider has completed warm-up.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to query readiness: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusServiceUnavailable:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
}

func (c *Client) post(ctx context.Context, url string, feeds []api.FeedID) ([]api.FeedValue, error) {
	body, err := json.Marshal(api.FeedValuesRequest{Feeds: feeds})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.AgentString())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed values: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, string(payload))
	}

	var decoded api.FeedValuesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return decoded.Data, nil
}
