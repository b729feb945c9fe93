package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/smhanov/deepresearch"
)

const (
	braveEndpoint    = "https://api.search.brave.com/res/v1/web/search"
	braveMaxAttempts = 3
)

// All Brave instances sharing an API key share one limiter so that only one
// request per second is issued for that key, matching the Brave rate limit.
//
//nolint:gochecknoglobals
var (
	braveLimitersMu sync.Mutex
	braveLimiters   = map[string]*rate.Limiter{}
)

// braveLimiterFor returns (or creates) the shared limiter for the given API key.
func braveLimiterFor(apiKey string) *rate.Limiter {
	braveLimitersMu.Lock()
	defer braveLimitersMu.Unlock()
	l, ok := braveLimiters[apiKey]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		braveLimiters[apiKey] = l
	}
	return l
}

// Brave uses the Brave Search API. An API key is required via X-Subscription-Token.
type Brave struct {
	APIKey   string
	Endpoint string
	client   *http.Client
}

// NewBrave constructs a Brave search provider.
func NewBrave(apiKey string) *Brave {
	return NewBraveWithClient(apiKey, &http.Client{Timeout: 10 * time.Second})
}

// NewBraveWithClient constructs a Brave search provider using the supplied HTTP client.
// This is useful for overriding the default timeout.
func NewBraveWithClient(apiKey string, client *http.Client) *Brave {
	return &Brave{APIKey: apiKey, Endpoint: braveEndpoint, client: client}
}

// Name identifies the backend in logs and metrics.
func (b *Brave) Name() string { return "brave" }

// Search executes a Brave query. Concurrent calls sharing the same API key
// are paced through a shared per-key limiter; a 429 response is retried
// after the delay the server asks for.
func (b *Brave) Search(ctx context.Context, query string, limit int) ([]deepresearch.SearchResult, error) {
	if strings.TrimSpace(b.APIKey) == "" {
		return nil, errors.New("brave: API key is missing")
	}
	params := url.Values{}
	params.Set("q", query)
	if limit > 0 {
		params.Set("count", strconv.Itoa(limit))
	}
	endpoint := b.Endpoint + "?" + params.Encode()
	limiter := braveLimiterFor(b.APIKey)

	var resp *http.Response
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", b.APIKey)

		resp, err = b.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("brave: %w: %v", deepresearch.ErrSearchFailed, err)
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= braveMaxAttempts {
			break
		}

		// 429: wait as long as the server asks, then try again.
		wait := braveRetryDelay(resp.Header)
		resp.Body.Close()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave http %d: %w", resp.StatusCode, deepresearch.ErrSearchFailed)
	}

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("brave: decode: %w: %v", deepresearch.ErrSearchFailed, err)
	}

	results := make([]deepresearch.SearchResult, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		results = append(results, deepresearch.SearchResult{
			Title:       cleanHTML(r.Title),
			URL:         r.URL,
			Description: cleanHTML(r.Description),
		})
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// braveRetryDelay is the smallest reset time listed in X-RateLimit-Reset
// (seconds, comma separated, e.g. "1, 1419704"), or one second when the
// header is absent or unreadable.
func braveRetryDelay(h http.Header) time.Duration {
	raw := h.Get("X-RateLimit-Reset")
	if raw == "" {
		return 1 * time.Second
	}
	minReset := -1
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			continue
		}
		if minReset < 0 || n < minReset {
			minReset = n
		}
	}
	if minReset <= 0 {
		return 1 * time.Second
	}
	return time.Duration(minReset) * time.Second
}
