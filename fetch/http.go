package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/smhanov/deepresearch"
)

const maxFetchBytes = 32 * 1024 // 32KB limit to avoid overwhelming LLM context

// maxReadBytes bounds how much of a response body is read before conversion.
const maxReadBytes = 4 << 20

//nolint:gochecknoglobals
var (
	reArxivPaper   = regexp.MustCompile(`^https?://arxiv\.org/(?:pdf|html)/(\d+\.\d+)(v\d+)?(?:\.pdf)?`)
	reMultiNewline = regexp.MustCompile(`\n{3,}`)
	reMultiSpace   = regexp.MustCompile(`[ \t]+`)
)

// HTTPFetcher retrieves a page and converts it to markdown-like text.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTP creates a HTTP fetcher with a modest timeout.
func NewHTTP() *HTTPFetcher {
	return NewHTTPWithClient(&http.Client{Timeout: 20 * time.Second})
}

// NewHTTPWithClient creates a fetcher using the supplied HTTP client.
func NewHTTPWithClient(client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client}
}

// Fetch downloads the URL content, converts HTML to text, and truncates.
// When an arXiv pdf or html page cannot be read, the abstract page is tried
// instead. Failures wrap deepresearch.ErrFetchFailed.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return "", errors.New("fetch url is empty")
	}

	text, err := f.get(ctx, trimmed)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if abs, ok := ArxivAbstractURL(trimmed); ok {
		if text, absErr := f.get(ctx, abs); absErr == nil {
			return text, nil
		}
	}
	return "", err
}

func (f *HTTPFetcher) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w: %v", url, deepresearch.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s http %d: %w", url, resp.StatusCode, deepresearch.ErrFetchFailed)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		return "", fmt.Errorf("fetch %s: read: %w: %v", url, deepresearch.ErrFetchFailed, err)
	}

	text := string(body)
	ct := resp.Header.Get("Content-Type")
	if ct == "" || strings.Contains(ct, "html") {
		if text, err = HTMLToMarkdown(text); err != nil {
			return "", fmt.Errorf("fetch %s: parse: %w: %v", url, deepresearch.ErrFetchFailed, err)
		}
	}
	if len(text) > maxFetchBytes {
		text = truncateUTF8(text, maxFetchBytes) + "\n[TRUNCATED]"
	}
	return text, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ArxivAbstractURL maps an arXiv pdf or html link to its abstract page.
func ArxivAbstractURL(u string) (string, bool) {
	m := reArxivPaper.FindStringSubmatch(u)
	if m == nil {
		return "", false
	}
	return "https://arxiv.org/abs/" + m[1], true
}

// HTMLToMarkdown converts an HTML document to simplified markdown. Scripts,
// styles and page chrome are dropped.
func HTMLToMarkdown(page string) (string, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	writeNode(&sb, doc, 0)
	return cleanMarkdown(sb.String()), nil
}

func writeNode(sb *strings.Builder, n *html.Node, depth int) {
	if depth > 200 {
		return
	}

	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header", "form":
			return
		case "title":
			sb.WriteString("# ")
			writeChildren(sb, n, depth)
			sb.WriteString("\n\n")
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			sb.WriteString("\n\n" + strings.Repeat("#", int(n.Data[1]-'0')) + " ")
			writeChildren(sb, n, depth)
			sb.WriteString("\n\n")
			return
		case "p", "div", "section", "article", "table", "tr", "blockquote":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
			return
		case "li":
			sb.WriteString("\n- ")
		case "td", "th":
			sb.WriteString(" | ")
		case "pre":
			sb.WriteString("\n\n```\n")
			writeChildren(sb, n, depth)
			sb.WriteString("\n```\n\n")
			return
		case "img":
			if alt := attr(n, "alt"); alt != "" {
				fmt.Fprintf(sb, "[Image: %s]", alt)
			}
			return
		case "a":
			href := attr(n, "href")
			if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
				break
			}
			var label strings.Builder
			writeChildren(&label, n, depth)
			fmt.Fprintf(sb, "[%s](%s) ", strings.TrimSpace(label.String()), href)
			return
		}
	}
	writeChildren(sb, n, depth)
}

func writeChildren(sb *strings.Builder, n *html.Node, depth int) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNode(sb, c, depth+1)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// cleanMarkdown collapses runs of blanks and trims every line.
func cleanMarkdown(s string) string {
	s = reMultiSpace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = reMultiNewline.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
