package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smhanov/deepresearch"
)

const (
	tavilyEndpoint    = "https://api.tavily.com/search"
	tavilyMaxAttempts = 4
)

// Tavily calls the Tavily search API.
type Tavily struct {
	APIKey   string
	Endpoint string
	client   *http.Client
	// Depth controls Tavily's depth parameter (basic or advanced).
	Depth string
}

// NewTavily constructs a Tavily search provider.
func NewTavily(apiKey string, depth string) *Tavily {
	return NewTavilyWithClient(apiKey, depth, &http.Client{Timeout: 10 * time.Second})
}

// NewTavilyWithClient constructs a Tavily search provider using the supplied HTTP client.
// This is useful for overriding the default timeout.
func NewTavilyWithClient(apiKey string, depth string, client *http.Client) *Tavily {
	if depth == "" {
		depth = "basic"
	}
	return &Tavily{APIKey: apiKey, Endpoint: tavilyEndpoint, Depth: depth, client: client}
}

// Name identifies the backend in logs and metrics.
func (t *Tavily) Name() string { return "tavily" }

// Search posts a query to Tavily.
func (t *Tavily) Search(ctx context.Context, query string, limit int) ([]deepresearch.SearchResult, error) {
	if strings.TrimSpace(t.APIKey) == "" {
		return nil, errors.New("tavily: API key is missing")
	}

	body := map[string]any{
		"query":        query,
		"api_key":      t.APIKey,
		"search_depth": t.Depth,
	}
	if limit > 0 {
		body["max_results"] = limit
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	delay := 1 * time.Second
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("tavily: %w: %v", deepresearch.ErrSearchFailed, err)
		}

		if resp.StatusCode != http.StatusTooManyRequests || attempt >= tavilyMaxAttempts {
			break
		}
		resp.Body.Close()

		// Back off and retry on 429, doubling the delay each time.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily http %d: %w", resp.StatusCode, deepresearch.ErrSearchFailed)
	}

	var response struct {
		Results []struct {
			Title   string  `json:"title"`
			URL     string  `json:"url"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("tavily: decode: %w: %v", deepresearch.ErrSearchFailed, err)
	}

	results := make([]deepresearch.SearchResult, 0, len(response.Results))
	for _, r := range response.Results {
		results = append(results, deepresearch.SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Description: r.Content,
			Weight:      r.Score,
		})
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}
