package deepresearch

import "context"

// SearchResult is a single item returned by a SearchProvider. Weight is
// rewritten every time the accumulated URLs are reranked.
type SearchResult struct {
	Title       string
	URL         string
	Description string
	Weight      float64
}

// SearchProvider executes a query and returns at most limit results.
// Implementations wrap ErrSearchFailed so the caller can retry.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// FetchProvider retrieves readable text for a URL.
// Implementations wrap ErrFetchFailed so the caller can retry.
type FetchProvider interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// ResultEnricher adds metadata to a search result, for example the title
// and channel of a video link. Errors are ignored by the agent.
type ResultEnricher interface {
	Enrich(ctx context.Context, r SearchResult) (SearchResult, error)
}

// Scorer compares documents against a query. It returns one score per
// document in the same order.
type Scorer interface {
	Similarities(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Schema names a JSON schema the model output must follow.
type Schema struct {
	Name       string
	Definition map[string]any
}

// LLMResponse is returned by LLMProvider.Generate and carries both the
// generated text and the number of tokens the call consumed.
type LLMResponse struct {
	Text      string
	Reasoning string
	Tokens    int
}

// LLMProvider is implemented by language model clients that can produce
// structured output for a schema.
type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, schema Schema) (LLMResponse, error)
}

// namer is implemented by providers that report a name for logs and metrics.
type namer interface {
	Name() string
}

func providerName(v any) string {
	if n, ok := v.(namer); ok {
		return n.Name()
	}
	return "custom"
}
