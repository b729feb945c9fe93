package search

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/smhanov/deepresearch"
)

const (
	ddgEndpoint = "https://lite.duckduckgo.com/lite/"
	// ddgMaxAttempts caps requests per query when DuckDuckGo answers 429.
	ddgMaxAttempts = 4
	ddgMaxDelay    = 30 * time.Second
)

// ddgLimiter enforces a global rate limit of 1 query per second across all
// DuckDuckGo instances and goroutines.
var ddgLimiter = rate.NewLimiter(rate.Every(time.Second), 1) //nolint:gochecknoglobals

// Result links look like <a rel="nofollow" href="URL" class='result-link'>TITLE</a>,
// with class and href in either order.
//
//nolint:gochecknoglobals
var (
	ddgLinkPattern    = regexp.MustCompile(`<a[^>]*class=['"]result-link['"][^>]*href=['"]([^'"]+)['"][^>]*>([^<]+)</a>`)
	ddgLinkPattern2   = regexp.MustCompile(`<a[^>]*href=['"]([^'"]+)['"][^>]*class=['"]result-link['"][^>]*>([^<]+)</a>`)
	ddgSnippetPattern = regexp.MustCompile(`<td[^>]*class=['"]result-snippet['"][^>]*>([^<]+(?:<[^>]+>[^<]*</[^>]+>)*[^<]*)</td>`)
	ddgAnyLink        = regexp.MustCompile(`<a[^>]+href=['"]([^'"]+)['"][^>]*>([^<]+)</a>`)
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
)

// DuckDuckGo implements a searcher using DuckDuckGo's HTML lite interface.
type DuckDuckGo struct {
	Endpoint string
	// RetryDelay is the first wait after a 429; it doubles on every retry.
	RetryDelay time.Duration
	client     *http.Client
	limiter    *rate.Limiter
}

// NewDuckDuckGo creates a DuckDuckGo searcher with a modest timeout.
func NewDuckDuckGo() *DuckDuckGo {
	return NewDuckDuckGoWithClient(&http.Client{Timeout: 15 * time.Second})
}

// NewDuckDuckGoWithClient creates a DuckDuckGo searcher using the supplied HTTP client.
// This is useful for overriding the default timeout.
func NewDuckDuckGoWithClient(client *http.Client) *DuckDuckGo {
	return &DuckDuckGo{Endpoint: ddgEndpoint, RetryDelay: time.Second, client: client, limiter: ddgLimiter}
}

// Name identifies the backend in logs and metrics.
func (d *DuckDuckGo) Name() string { return "duckduckgo" }

// Search scrapes the DuckDuckGo lite HTML page for results.
func (d *DuckDuckGo) Search(ctx context.Context, query string, limit int) ([]deepresearch.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is empty")
	}

	formData := url.Values{}
	formData.Set("q", query)

	var resp *http.Response
	delay := d.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	for attempt := 1; ; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, strings.NewReader(formData.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err = d.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("duckduckgo: %w: %v", deepresearch.ErrSearchFailed, err)
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= ddgMaxAttempts {
			break
		}
		resp.Body.Close()

		// Back off and retry on 429, doubling the delay each time up to 30 s.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(2*delay, ddgMaxDelay)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo http %d: %w", resp.StatusCode, deepresearch.ErrSearchFailed)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: read response: %w: %v", deepresearch.ErrSearchFailed, err)
	}
	return parseHTMLResults(string(body), limit), nil
}

// parseHTMLResults extracts search results from the DuckDuckGo lite HTML.
// The lite page has a simple structure with result links and snippets.
func parseHTMLResults(page string, limit int) []deepresearch.SearchResult {
	var results []deepresearch.SearchResult

	matches := ddgLinkPattern.FindAllStringSubmatch(page, -1)
	if len(matches) == 0 {
		matches = ddgLinkPattern2.FindAllStringSubmatch(page, -1)
	}
	snippetMatches := ddgSnippetPattern.FindAllStringSubmatch(page, -1)

	for i, match := range matches {
		urlStr := unwrapRedirect(strings.TrimSpace(match[1]))
		title := cleanHTML(match[2])

		snippet := ""
		if i < len(snippetMatches) && len(snippetMatches[i]) > 1 {
			snippet = cleanHTML(snippetMatches[i][1])
		}

		// Skip ad results or empty results
		if urlStr == "" || title == "" {
			continue
		}

		results = append(results, deepresearch.SearchResult{
			Title:       title,
			URL:         urlStr,
			Description: snippet,
		})
		if limit > 0 && len(results) >= limit {
			break
		}
	}

	if len(results) == 0 {
		results = fallbackParse(page, limit)
	}
	return results
}

// fallbackParse tries a simpler approach to extract links
func fallbackParse(page string, limit int) []deepresearch.SearchResult {
	var results []deepresearch.SearchResult

	seen := make(map[string]bool)
	for _, match := range ddgAnyLink.FindAllStringSubmatch(page, -1) {
		urlStr := unwrapRedirect(strings.TrimSpace(match[1]))
		title := cleanHTML(match[2])

		// Skip DuckDuckGo internal links
		if strings.Contains(urlStr, "duckduckgo.com") ||
			strings.HasPrefix(urlStr, "/") ||
			strings.HasPrefix(urlStr, "#") ||
			strings.HasPrefix(urlStr, "javascript:") {
			continue
		}
		// Skip if title is too short or looks like navigation
		if len(title) < 5 || seen[urlStr] {
			continue
		}
		seen[urlStr] = true

		results = append(results, deepresearch.SearchResult{Title: title, URL: urlStr})
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}

// unwrapRedirect resolves DuckDuckGo's //duckduckgo.com/l/?uddg=<url> links.
func unwrapRedirect(raw string) string {
	if !strings.Contains(raw, "duckduckgo.com/l/") {
		return raw
	}
	u, err := url.Parse(html.UnescapeString(raw))
	if err != nil {
		return raw
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return raw
}

// cleanHTML removes tags and decodes entities.
func cleanHTML(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	return strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " "))
}
