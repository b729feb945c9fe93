package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smhanov/deepresearch"
)

const youTubeOEmbedEndpoint = "https://www.youtube.com/oembed"

// YouTube fills in video titles for search results that point at YouTube,
// using the public oEmbed endpoint. Other results pass through untouched.
type YouTube struct {
	Endpoint string
	client   *http.Client
}

// NewYouTube constructs a YouTube result enricher.
func NewYouTube() *YouTube {
	return NewYouTubeWithClient(&http.Client{Timeout: 5 * time.Second})
}

// NewYouTubeWithClient constructs a YouTube enricher using the supplied HTTP client.
func NewYouTubeWithClient(client *http.Client) *YouTube {
	return &YouTube{Endpoint: youTubeOEmbedEndpoint, client: client}
}

// IsVideoURL reports whether u is a YouTube watch or short link.
func IsVideoURL(u string) bool {
	return strings.Contains(u, "youtube.com/watch") || strings.Contains(u, "youtu.be/")
}

// Enrich replaces the title of a video result with the one YouTube reports
// and prefixes the description with the channel name.
func (y *YouTube) Enrich(ctx context.Context, r deepresearch.SearchResult) (deepresearch.SearchResult, error) {
	if !IsVideoURL(r.URL) {
		return r, nil
	}

	params := url.Values{}
	params.Set("url", r.URL)
	params.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.Endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return r, err
	}
	resp, err := y.client.Do(req)
	if err != nil {
		return r, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return r, fmt.Errorf("youtube oembed http %d", resp.StatusCode)
	}

	var meta struct {
		Title      string `json:"title"`
		AuthorName string `json:"author_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return r, err
	}

	out := r
	if t := strings.TrimSpace(meta.Title); t != "" {
		out.Title = t
	}
	if a := strings.TrimSpace(meta.AuthorName); a != "" {
		if out.Description == "" {
			out.Description = "Video by " + a
		} else {
			out.Description = "Video by " + a + ". " + out.Description
		}
	}
	return out, nil
}
