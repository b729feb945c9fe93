// Package search provides search backends and result enrichers for the
// research agent.
//
// Available providers:
//
//   - DuckDuckGo: Free, no API key required (uses HTML scraping of lite.duckduckgo.com)
//   - Brave: Requires API key via X-Subscription-Token header
//   - Tavily: Requires API key, supports basic/advanced depth modes
//
// Every provider wraps deepresearch.ErrSearchFailed for transport and HTTP
// failures so the agent can retry them.
//
// # DuckDuckGo Example
//
//	provider := search.NewDuckDuckGo()
//	results, err := provider.Search(ctx, "golang web frameworks", 5)
//
// # Brave Example
//
//	provider := search.NewBrave("your-api-key")
//	results, err := provider.Search(ctx, "best practices for API design", 5)
//
// # Tavily Example
//
//	provider := search.NewTavily("your-api-key", "advanced")
//	results, err := provider.Search(ctx, "climate change research 2024", 5)
//
// # Enrichers
//
// YouTube implements deepresearch.ResultEnricher and fills in video titles
// through oEmbed:
//
//	agent := deepresearch.New(
//		deepresearch.WithModel(llm),
//		deepresearch.WithResultEnricher(search.NewYouTube()),
//	)
package search
