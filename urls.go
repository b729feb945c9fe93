package deepresearch

import (
	"regexp"
	"strings"
)

var arxivPDFRegex = regexp.MustCompile(`^https?://arxiv\.org/pdf/(\d+\.\d+)(v\d+)?(\.pdf)?$`) //nolint:gochecknoglobals

// NormalizeURL rewrites links to a more readable form. arXiv PDF links
// become the HTML rendering of the paper.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if m := arxivPDFRegex.FindStringSubmatch(u); m != nil {
		return "https://arxiv.org/html/" + m[1]
	}
	return u
}

func isHTTPURL(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// isAdOrTrackerURL returns true if the URL looks like an ad redirect or tracking URL.
func isAdOrTrackerURL(url string) bool {
	lower := strings.ToLower(url)
	adPatterns := []string{
		"duckduckgo.com/y.js",
		"ad_domain=",
		"ad_provider=",
		"ad_type=",
		"doubleclick.net",
		"googlesyndication.com",
		"googleadservices.com",
		"/aclk?",
		"amazon-adsystem.com",
	}
	for _, pat := range adPatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}
