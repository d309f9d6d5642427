// Package cex implements exchange price sources. Each source streams
// over a resilient websocket connection and keeps a rate-limited REST
// path for one-shot fallback fetches and the optional polling mode.
package cex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/version"
)

const (
	restTimeout = 10 * time.Second

	// Fallback fetches are query-driven, so each source carries its own
	// limiter to keep a burst of queries from hammering an exchange.
	fallbackRPS   = 2
	fallbackBurst = 4
)

type restFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newRESTFetcher() *restFetcher {
	return &restFetcher{
		client:  &http.Client{Timeout: restTimeout},
		limiter: rate.NewLimiter(fallbackRPS, fallbackBurst),
	}
}

// getJSON performs one rate-limited GET and decodes the body into out.
// A drained limiter fails immediately instead of waiting; the fallback
// path runs under a deadline too tight for token queueing.
func (f *restFetcher) getJSON(ctx context.Context, url string, headers map[string]string, out interface{}) error {
	if !f.limiter.Allow() {
		return fmt.Errorf("%w: local limiter drained", sources.ErrRateLimitExceeded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", version.AgentString())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w (HTTP 429)", sources.ErrRateLimitExceeded)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", sources.ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", sources.ErrInvalidResponse, err)
	}
	return nil
}
